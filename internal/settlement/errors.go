package settlement

import "errors"

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrConflictingWebhook  = errors.New("webhook outcome conflicts with recorded outcome")
	ErrInvalidState        = errors.New("operation not allowed in current state")
	ErrExpired             = errors.New("deposit window expired")
	ErrRiskRejected        = errors.New("rejected by risk gate")
	ErrInvalidInput        = errors.New("invalid input")
	ErrLockRejected        = errors.New("escrow rejected collateral lock")
	// ErrUpstreamUnavailable means the escrow backend did not answer within the
	// retry budget. The recorded state is unchanged and the call may be repeated.
	ErrUpstreamUnavailable = errors.New("escrow backend unavailable")
)
