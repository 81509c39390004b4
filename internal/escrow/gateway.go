package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type LockStatus string

const (
	LockLocked   LockStatus = "locked"
	LockDebited  LockStatus = "debited"
	LockReleased LockStatus = "released"
)

type Op string

const (
	OpLock    Op = "lock"
	OpDebit   Op = "confirm_debit"
	OpRelease Op = "release"
	OpGet     Op = "get"
)

var (
	// ErrAlreadyLocked is returned when a lock exists for the transaction id
	// with different parameters. An identical retry is not an error.
	ErrAlreadyLocked = errors.New("collateral already locked for transaction")
	ErrNoActiveLock  = errors.New("no active collateral lock")
	ErrLockNotFound  = errors.New("collateral lock not found")
)

// CollateralLock is the escrow-side record for one settlement transaction.
type CollateralLock struct {
	TransactionID string          `json:"transactionId"`
	WalletRef     string          `json:"walletRef"`
	Amount        decimal.Decimal `json:"amountUsdc"`
	Status        LockStatus      `json:"status"`
	LockedAt      time.Time       `json:"lockedAt"`
	SettledAt     *time.Time      `json:"settledAt,omitempty"`
	TxHash        string          `json:"txHash,omitempty"`
}

// Gateway abstracts the custody backend. Every operation is keyed by the
// settlement transaction id, which doubles as the idempotency key:
// repeating Lock with identical parameters, or ConfirmDebit/Release on a lock
// already in the target state, returns the existing lock unchanged.
type Gateway interface {
	Lock(ctx context.Context, txID, walletRef string, amount decimal.Decimal) (CollateralLock, error)
	ConfirmDebit(ctx context.Context, txID string) (CollateralLock, error)
	Release(ctx context.Context, txID string) (CollateralLock, error)
	Get(ctx context.Context, txID string) (CollateralLock, error)
}

// HealthChecker is implemented by gateways backed by a remote node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// WalletNormalizer is implemented by gateways that rewrite wallet references
// into a canonical form before storing them.
type WalletNormalizer interface {
	NormalizeWallet(walletRef string) string
}

// NormalizeWallet maps walletRef to the form g reports in CollateralLock.
func NormalizeWallet(g Gateway, walletRef string) string {
	if n, ok := g.(WalletNormalizer); ok {
		return n.NormalizeWallet(walletRef)
	}
	return walletRef
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable: the outcome of the call is unknown.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err leaves the escrow outcome unknown. Timeouts
// and cancellations count, since they prove neither success nor failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t *transientError
	if errors.As(err, &t) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func sameLock(l CollateralLock, walletRef string, amount decimal.Decimal) bool {
	return l.WalletRef == walletRef && l.Amount.Equal(amount)
}

func conflictErr(l CollateralLock) error {
	return fmt.Errorf("%w: %s held by %s for %s USDC", ErrAlreadyLocked, l.TransactionID, l.WalletRef, l.Amount)
}
