package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"offramp/internal/domain"
	"offramp/internal/idempotency"
	"offramp/internal/settlement"
)

const maxBodyBytes = 1 << 20

type quoteRequest struct {
	ProviderID string          `json:"providerId"`
	AmountUSDC decimal.Decimal `json:"amountUsdc"`
	Currency   string          `json:"targetCurrency"`
}

type lockRequest struct {
	WalletRef  string          `json:"walletRef"`
	AmountUSDC decimal.Decimal `json:"amountUsdc"`
}

// payoutWebhookRequest is the provider's notification body. Status carries
// the provider's own spelling of the outcome.
type payoutWebhookRequest struct {
	TransactionID     string          `json:"transactionId"`
	Status            string          `json:"status"`
	ProviderReference string          `json:"providerReference"`
	AmountPaid        decimal.Decimal `json:"amountPaid"`
	Currency          string          `json:"currency"`
	Reason            string          `json:"reason"`
	Timestamp         time.Time       `json:"timestamp"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	providers, err := s.deps.Catalog.ListProviders(r.Context(), q.Get("country"), q.Get("currency"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, providers)
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Catalog.GetProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var payload quoteRequest
	if err := decode(r.Body, &payload); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	q, err := s.deps.Quotes.Quote(r.Context(), payload.ProviderID, payload.AmountUSDC, payload.Currency)
	if err != nil {
		s.deps.Metrics.IncQuote("rejected")
		s.writeError(w, r, err, nil)
		return
	}
	s.deps.Metrics.IncQuote("ok")
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		s.writeError(w, r, fmt.Errorf("%w: missing X-Idempotency-Key header", errBadRequest), nil)
		return
	}

	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err), nil)
		return
	}

	// Two requests racing on one key must not open two transactions.
	unlock, err := s.deps.Locker.Acquire(ctx, "idem:"+key)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	defer unlock()

	existing, err := idempotency.Lookup(ctx, s.deps.Idempotency, key, body)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.deps.Metrics.IncInitiation("cached")
		return
	}

	var payload settlement.InitiateRequest
	if err := decode(bytes.NewReader(body), &payload); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	tx, err := s.deps.Initiator.Initiate(ctx, payload)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	b, _ := json.Marshal(tx)
	now := time.Now()
	record := idempotency.Record{
		StatusCode:  http.StatusCreated,
		Response:    b,
		Fingerprint: idempotency.Fingerprint(body),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
	}
	if err := s.deps.Idempotency.Save(ctx, key, record); err != nil {
		s.logger.Warn("idempotency save failed", zap.String("transaction_id", tx.ID), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(b)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	var payload lockRequest
	if err := decode(r.Body, &payload); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	tx, err := s.deps.Saga.Lock(r.Context(), chi.URLParam(r, "id"), payload.WalletRef, payload.AmountUSDC)
	if err != nil {
		s.writeError(w, r, err, tx)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	tx, err := s.deps.Query.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Query.Audit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	if events == nil {
		events = []domain.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListQuarantined(w http.ResponseWriter, r *http.Request) {
	txs, err := s.deps.Query.ListQuarantined(r.Context())
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}
	s.deps.Metrics.SetQuarantineDepth(len(txs))
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handlePayoutWebhook(w http.ResponseWriter, r *http.Request) {
	var payload payoutWebhookRequest
	if err := decode(r.Body, &payload); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	outcome, err := domain.ParseOutcome(payload.Status)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", settlement.ErrInvalidInput, err), nil)
		return
	}

	res, err := s.deps.Saga.HandleWebhook(r.Context(), domain.WebhookEvent{
		TransactionID:     payload.TransactionID,
		Outcome:           outcome,
		ProviderReference: payload.ProviderReference,
		AmountPaid:        payload.AmountPaid,
		Currency:          strings.ToUpper(payload.Currency),
		Reason:            payload.Reason,
		OccurredAt:        payload.Timestamp,
	})
	if err != nil {
		var tx *domain.Transaction
		if res.Status != "" {
			tx = &domain.Transaction{Status: res.Status}
		}
		s.writeError(w, r, err, tx)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decode(body io.Reader, v any) error {
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: invalid json payload: %v", errBadRequest, err)
	}
	return nil
}
