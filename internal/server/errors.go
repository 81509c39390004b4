package server

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"offramp/internal/catalog"
	"offramp/internal/domain"
	"offramp/internal/escrow"
	"offramp/internal/idempotency"
	"offramp/internal/quote"
	"offramp/internal/settlement"
	"offramp/internal/store"
)

type errorResponse struct {
	Error  string        `json:"error"`
	Code   string        `json:"code"`
	Status domain.Status `json:"status,omitempty"`
}

var errBadRequest = errors.New("bad request")

type errorKind struct {
	target error
	status int
	code   string
}

// Order matters: the first matching sentinel wins.
var errorKinds = []errorKind{
	{errBadRequest, http.StatusBadRequest, "bad_request"},
	{settlement.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{quote.ErrProviderNotFound, http.StatusNotFound, "provider_not_found"},
	{catalog.ErrProviderNotFound, http.StatusNotFound, "provider_not_found"},
	{quote.ErrCurrencyUnsupported, http.StatusUnprocessableEntity, "currency_unsupported"},
	{quote.ErrAmountOutOfRange, http.StatusUnprocessableEntity, "amount_out_of_range"},
	{quote.ErrAmountPrecision, http.StatusBadRequest, "amount_precision"},
	{quote.ErrRateUnavailable, http.StatusServiceUnavailable, "rate_unavailable"},
	{idempotency.ErrKeyReused, http.StatusUnprocessableEntity, "idempotency_key_reused"},
	{settlement.ErrRiskRejected, http.StatusForbidden, "risk_rejected"},
	{settlement.ErrTransactionNotFound, http.StatusNotFound, "transaction_not_found"},
	{settlement.ErrConflictingWebhook, http.StatusConflict, "conflicting_webhook"},
	{settlement.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{escrow.ErrAlreadyLocked, http.StatusConflict, "already_locked"},
	{store.ErrVersionConflict, http.StatusConflict, "concurrent_update"},
	{settlement.ErrExpired, http.StatusGone, "expired"},
	{settlement.ErrLockRejected, http.StatusUnprocessableEntity, "lock_rejected"},
	{settlement.ErrUpstreamUnavailable, http.StatusServiceUnavailable, "upstream_unavailable"},
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, tx *domain.Transaction) {
	resp := errorResponse{Error: err.Error(), Code: "internal"}
	code := http.StatusInternalServerError
	for _, k := range errorKinds {
		if errors.Is(err, k.target) {
			code, resp.Code = k.status, k.code
			break
		}
	}
	if tx != nil {
		resp.Status = tx.Status
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", code),
			zap.Error(err),
		)
	}
	writeJSON(w, code, resp)
}
