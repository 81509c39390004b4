package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RetryPolicy bounds how long the coordinator waits on the escrow backend.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	CallTimeout       time.Duration
}

// Observer receives per-attempt outcomes; metrics.Registry implements it.
type Observer interface {
	ObserveEscrowCall(op, result string)
	IncRetry(result string)
}

type nopObserver struct{}

func (nopObserver) ObserveEscrowCall(string, string) {}
func (nopObserver) IncRetry(string)                  {}

// Retrying wraps a Gateway with a per-call timeout and exponential backoff.
// Only transient failures are retried; definitive rejections return at once.
// Retrying is safe because every operation is idempotent per transaction id.
type Retrying struct {
	inner  Gateway
	policy RetryPolicy
	obs    Observer
	logger *zap.Logger
}

func NewRetrying(inner Gateway, policy RetryPolicy, obs Observer, logger *zap.Logger) *Retrying {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = 500 * time.Millisecond
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = 10 * time.Second
	}
	if policy.BackoffMultiplier < 1 {
		policy.BackoffMultiplier = 2
	}
	if policy.CallTimeout <= 0 {
		policy.CallTimeout = 15 * time.Second
	}
	if obs == nil {
		obs = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{inner: inner, policy: policy, obs: obs, logger: logger}
}

func (r *Retrying) Lock(ctx context.Context, txID, walletRef string, amount decimal.Decimal) (CollateralLock, error) {
	return r.do(ctx, OpLock, txID, func(ctx context.Context) (CollateralLock, error) {
		return r.inner.Lock(ctx, txID, walletRef, amount)
	})
}

func (r *Retrying) ConfirmDebit(ctx context.Context, txID string) (CollateralLock, error) {
	return r.do(ctx, OpDebit, txID, func(ctx context.Context) (CollateralLock, error) {
		return r.inner.ConfirmDebit(ctx, txID)
	})
}

func (r *Retrying) Release(ctx context.Context, txID string) (CollateralLock, error) {
	return r.do(ctx, OpRelease, txID, func(ctx context.Context) (CollateralLock, error) {
		return r.inner.Release(ctx, txID)
	})
}

func (r *Retrying) Get(ctx context.Context, txID string) (CollateralLock, error) {
	return r.do(ctx, OpGet, txID, func(ctx context.Context) (CollateralLock, error) {
		return r.inner.Get(ctx, txID)
	})
}

// Ping forwards to the wrapped gateway when it supports health checks.
func (r *Retrying) Ping(ctx context.Context) error {
	if hc, ok := r.inner.(HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return nil
}

func (r *Retrying) NormalizeWallet(walletRef string) string {
	return NormalizeWallet(r.inner, walletRef)
}

func (r *Retrying) do(ctx context.Context, op Op, txID string, call func(context.Context) (CollateralLock, error)) (CollateralLock, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.policy.InitialBackoff
	eb.MaxInterval = r.policy.MaxBackoff
	eb.Multiplier = r.policy.BackoffMultiplier
	eb.RandomizationFactor = 0.2
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.policy.MaxAttempts-1)), ctx)

	var (
		out      CollateralLock
		attempts int
	)
	operation := func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, r.policy.CallTimeout)
		defer cancel()

		res, err := call(callCtx)
		if err == nil {
			out = res
			r.obs.ObserveEscrowCall(string(op), "ok")
			return nil
		}
		if IsTransient(err) {
			r.obs.ObserveEscrowCall(string(op), "transient")
			return Transient(err)
		}
		r.obs.ObserveEscrowCall(string(op), "rejected")
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		r.obs.IncRetry("retry")
		r.logger.Warn("escrow call failed, retrying",
			zap.String("op", string(op)),
			zap.String("transaction_id", txID),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		if IsTransient(err) {
			r.obs.IncRetry("exhausted")
			return CollateralLock{}, Transient(fmt.Errorf("%s %s: gave up after %d attempts: %w", op, txID, attempts, err))
		}
		r.obs.IncRetry("failed")
		return CollateralLock{}, err
	}
	if attempts > 1 {
		r.obs.IncRetry("success")
	}
	return out, nil
}
