package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"offramp/internal/deadletter"
	"offramp/internal/domain"
	"offramp/internal/escrow"
	"offramp/internal/keylock"
	"offramp/internal/logging"
	"offramp/internal/metrics"
	"offramp/internal/store"
)

const (
	DefaultResumeMaxAttempts = 5

	// Writes that record an escrow outcome must survive the caller going away.
	persistTimeout = 10 * time.Second
	casRetries     = 3
)

type SagaConfig struct {
	// ResumeMaxAttempts bounds background retries of a pending debit or
	// release before the transaction is quarantined.
	ResumeMaxAttempts int
	DLQ               *deadletter.Queue
	Metrics           *metrics.Registry
	Now               func() time.Time
}

// WebhookResult reports how a payout notification was applied.
type WebhookResult struct {
	TransactionID string        `json:"transactionId"`
	Status        domain.Status `json:"status"`
	Duplicate     bool          `json:"duplicate"`
}

// Saga drives a transaction from deposit through lock to debit or release.
// Each transaction id is serialised by the Locker; the repository's version
// check catches writers that bypass it.
type Saga struct {
	repo    store.Repository
	gateway escrow.Gateway
	locks   keylock.Locker
	cfg     SagaConfig
	logger  *zap.Logger
}

func NewSaga(repo store.Repository, gateway escrow.Gateway, locks keylock.Locker, cfg SagaConfig, logger *zap.Logger) *Saga {
	if cfg.ResumeMaxAttempts <= 0 {
		cfg.ResumeMaxAttempts = DefaultResumeMaxAttempts
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if locks == nil {
		locks = keylock.NewLocal()
	}
	logger = logging.OrNop(logger)
	return &Saga{repo: repo, gateway: gateway, locks: locks, cfg: cfg, logger: logger}
}

// Lock asks the escrow to hold the deposit for id. Repeating a successful
// lock with the same parameters returns the current snapshot.
func (s *Saga) Lock(ctx context.Context, id, walletRef string, amount decimal.Decimal) (*domain.Transaction, error) {
	walletRef = strings.TrimSpace(walletRef)
	if walletRef == "" {
		return nil, fmt.Errorf("%w: wallet reference is required", ErrInvalidInput)
	}

	var out *domain.Transaction
	err := s.withTx(ctx, id, func(tx *domain.Transaction) error {
		out = nil
		wallet := escrow.NormalizeWallet(s.gateway, walletRef)
		if tx.Collateral != nil {
			if escrow.NormalizeWallet(s.gateway, tx.Collateral.WalletRef) == wallet && tx.Collateral.Amount.Equal(amount) {
				out = tx.Clone()
				s.cfg.Metrics.IncLock("replayed")
				return nil
			}
			s.cfg.Metrics.IncLock("conflict")
			return fmt.Errorf("%w: %s", escrow.ErrAlreadyLocked, id)
		}
		if tx.Status != domain.StatusAwaitingDeposit {
			return fmt.Errorf("%w: cannot lock %s in %s", ErrInvalidState, id, tx.Status)
		}
		if !amount.Equal(tx.GrossUSDC) {
			return fmt.Errorf("%w: lock amount %s does not match quoted %s USDC", ErrInvalidInput, amount, tx.GrossUSDC)
		}
		if tx.WalletRef != "" && escrow.NormalizeWallet(s.gateway, tx.WalletRef) != wallet {
			return fmt.Errorf("%w: wallet %s is not the depositor of %s", ErrInvalidInput, walletRef, id)
		}

		now := s.cfg.Now().UTC()
		if tx.Expired(now) {
			if err := s.transition(ctx, tx, domain.StatusExpired, "saga", "deposit window elapsed before lock"); err != nil {
				return err
			}
			s.cfg.Metrics.IncLock("expired")
			return fmt.Errorf("%w: %s expired at %s", ErrExpired, id, tx.ExpiresAt.Format(time.RFC3339))
		}

		lock, err := s.gateway.Lock(ctx, id, walletRef, amount)
		if err != nil {
			if escrow.IsTransient(err) {
				s.cfg.Metrics.IncLock("unavailable")
				s.logger.Warn("collateral lock outcome unknown",
					zap.String("transaction_id", id),
					zap.Error(err),
				)
				return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
			}
			pctx, cancel := persistContext(ctx)
			defer cancel()
			tx.LastError = err.Error()
			if terr := s.transition(pctx, tx, domain.StatusLockFailed, "saga", err.Error()); terr != nil {
				return terr
			}
			s.cfg.Metrics.IncLock("rejected")
			out = tx.Clone()
			return fmt.Errorf("%w: %w", ErrLockRejected, err)
		}

		pctx, cancel := persistContext(ctx)
		defer cancel()
		tx.Collateral = collateralFrom(lock)
		tx.LastError = ""
		if err := s.transition(pctx, tx, domain.StatusCollateralLocked, "saga", "escrow lock confirmed"); err != nil {
			return err
		}
		s.cfg.Metrics.IncLock("locked")
		out = tx.Clone()
		return nil
	})
	return out, err
}

// HandleWebhook applies a payout outcome. A redelivery that matches the
// recorded outcome is acknowledged without change; a contradicting one is
// rejected with ErrConflictingWebhook and never mutates state.
func (s *Saga) HandleWebhook(ctx context.Context, ev domain.WebhookEvent) (WebhookResult, error) {
	ev.TransactionID = strings.TrimSpace(ev.TransactionID)
	if ev.TransactionID == "" {
		s.cfg.Metrics.IncWebhook("invalid")
		return WebhookResult{}, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	if ev.Outcome != domain.OutcomeSuccessful && ev.Outcome != domain.OutcomeFailed {
		s.cfg.Metrics.IncWebhook("invalid")
		return WebhookResult{}, fmt.Errorf("%w: unknown payout outcome %q", ErrInvalidInput, ev.Outcome)
	}

	var result WebhookResult
	err := s.withTx(ctx, ev.TransactionID, func(tx *domain.Transaction) error {
		result = WebhookResult{TransactionID: tx.ID, Status: tx.Status}
		log := s.logger.With(
			zap.String("transaction_id", tx.ID),
			zap.String("outcome", string(ev.Outcome)),
			zap.String("provider_reference", ev.ProviderReference),
		)

		if tx.Status == domain.StatusCollateralLocked {
			ev.ReceivedAt = s.cfg.Now().UTC()
			tx.Webhooks = append(tx.Webhooks, ev)
			if err := s.transition(ctx, tx, ev.Outcome.Confirming(), "webhook", "payout "+string(ev.Outcome)); err != nil {
				return err
			}
			err := s.confirm(ctx, tx, "webhook", false)
			result.Status = tx.Status
			return err
		}

		recorded, ok := tx.Status.Outcome()
		if !ok {
			log.Warn("webhook for transaction without locked collateral", zap.String("status", string(tx.Status)))
			return fmt.Errorf("%w: %s is %s", ErrInvalidState, tx.ID, tx.Status)
		}
		if recorded != ev.Outcome {
			log.Error("conflicting payout webhook rejected",
				zap.String("status", string(tx.Status)),
				zap.String("recorded_outcome", string(recorded)),
			)
			return fmt.Errorf("%w: %s already recorded %s", ErrConflictingWebhook, tx.ID, recorded)
		}
		if tx.Status.Confirming() {
			log.Info("webhook redelivered while escrow call pending, resuming")
			err := s.confirm(ctx, tx, "webhook", false)
			result.Status = tx.Status
			return err
		}

		log.Info("duplicate payout webhook acknowledged", zap.String("status", string(tx.Status)))
		result.Duplicate = true
		return nil
	})
	s.cfg.Metrics.IncWebhook(webhookLabel(result, err))
	return result, err
}

func webhookLabel(result WebhookResult, err error) string {
	switch {
	case err == nil && result.Duplicate:
		return "duplicate"
	case err == nil:
		return string(result.Status)
	case errors.Is(err, ErrTransactionNotFound):
		return "not_found"
	case errors.Is(err, ErrConflictingWebhook):
		return "conflict"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "unavailable"
	}
	return "error"
}

// Resume retries the pending escrow call of a transaction stuck in a
// confirming state. Once the attempts are spent the transaction is
// quarantined rather than retried forever.
func (s *Saga) Resume(ctx context.Context, id string) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := s.withTx(ctx, id, func(tx *domain.Transaction) error {
		out = tx.Clone()
		if !tx.Status.Confirming() {
			return nil
		}
		tx.ResumeAttempts++
		err := s.confirm(ctx, tx, "scheduler", tx.ResumeAttempts >= s.cfg.ResumeMaxAttempts)
		out = tx.Clone()
		return err
	})
	return out, err
}

// ResumePending runs Resume for every transaction in a confirming state.
func (s *Saga) ResumePending(ctx context.Context) (int, error) {
	pending, err := s.repo.ListByStatus(ctx, domain.StatusDebitConfirming, domain.StatusReleaseConfirming)
	if err != nil {
		return 0, err
	}
	var errs []error
	resolved := 0
	for _, tx := range pending {
		got, err := s.Resume(ctx, tx.ID)
		if err != nil && !errors.Is(err, ErrUpstreamUnavailable) {
			errs = append(errs, err)
			continue
		}
		if got != nil && !got.Status.Confirming() {
			resolved++
		}
	}
	return resolved, errors.Join(errs...)
}

// Expire moves every awaiting_deposit transaction whose window closed before
// now to expired. It returns how many were expired.
func (s *Saga) Expire(ctx context.Context, now time.Time) (int, error) {
	waiting, err := s.repo.ListByStatus(ctx, domain.StatusAwaitingDeposit)
	if err != nil {
		return 0, err
	}
	var errs []error
	expired := 0
	for _, candidate := range waiting {
		if !candidate.Expired(now) {
			continue
		}
		err := s.withTx(ctx, candidate.ID, func(tx *domain.Transaction) error {
			if !tx.Expired(now) {
				return nil
			}
			if err := s.transition(ctx, tx, domain.StatusExpired, "scheduler", "deposit window elapsed"); err != nil {
				return err
			}
			expired++
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", candidate.ID, err))
		}
	}
	return expired, errors.Join(errs...)
}

// confirm runs the escrow call owed by a confirming transaction and records
// its result. Definitive failures quarantine. Transient failures leave the
// transaction confirming and go to the dead-letter queue, unless escalate is
// set, in which case they quarantine too.
func (s *Saga) confirm(ctx context.Context, tx *domain.Transaction, actor string, escalate bool) error {
	var (
		op         = escrow.OpDebit
		done       = domain.StatusSettled
		quarantine = domain.StatusDebitFailed
		call       = s.gateway.ConfirmDebit
	)
	if tx.Status == domain.StatusReleaseConfirming {
		op, done, quarantine, call = escrow.OpRelease, domain.StatusRefunded, domain.StatusReleaseFailed, s.gateway.Release
	}

	lock, callErr := call(ctx, tx.ID)

	pctx, cancel := persistContext(ctx)
	defer cancel()

	if callErr == nil {
		tx.Collateral = collateralFrom(lock)
		tx.LastError = ""
		if err := s.transition(pctx, tx, done, actor, string(op)+" confirmed by escrow"); err != nil {
			return err
		}
		return nil
	}

	tx.LastError = callErr.Error()
	if escrow.IsTransient(callErr) && !escalate {
		s.deadLetter(tx, op, callErr)
		tx.UpdatedAt = s.cfg.Now().UTC()
		if err := s.repo.Update(pctx, tx); err != nil {
			return err
		}
		s.logger.Warn("escrow call pending after retries",
			zap.String("transaction_id", tx.ID),
			zap.String("op", string(op)),
			zap.Int("resume_attempts", tx.ResumeAttempts),
			zap.Error(callErr),
		)
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, callErr)
	}

	reason := fmt.Sprintf("%s failed: %v", op, callErr)
	if escrow.IsTransient(callErr) {
		reason = fmt.Sprintf("%s unavailable after %d resume attempts: %v", op, tx.ResumeAttempts, callErr)
	}
	if err := s.transition(pctx, tx, quarantine, actor, reason); err != nil {
		return err
	}
	s.cfg.Metrics.IncQuarantined(string(quarantine))
	s.logger.Error("settlement quarantined, operator intervention required",
		zap.Bool("alert", true),
		zap.String("transaction_id", tx.ID),
		zap.String("status", string(quarantine)),
		zap.String("op", string(op)),
		zap.String("gross_usdc", tx.GrossUSDC.String()),
		zap.Error(callErr),
	)
	return nil
}

func (s *Saga) deadLetter(tx *domain.Transaction, op escrow.Op, cause error) {
	payload := map[string]any{
		"status":          tx.Status,
		"resume_attempts": tx.ResumeAttempts,
	}
	if n := len(tx.Webhooks); n > 0 {
		payload["webhook"] = tx.Webhooks[n-1]
	}
	if _, err := s.cfg.DLQ.Write(tx.ID, string(op), payload, cause); err != nil {
		s.logger.Error("failed to write dead letter", zap.String("transaction_id", tx.ID), zap.Error(err))
		return
	}
	if depth, err := s.cfg.DLQ.Depth(); err == nil {
		s.cfg.Metrics.SetDLQDepth(depth)
	}
}

// transition applies one edge and persists it with its audit event.
func (s *Saga) transition(ctx context.Context, tx *domain.Transaction, next domain.Status, actor, reason string) error {
	from := tx.Status
	now := s.cfg.Now().UTC()
	if err := tx.Transition(next, now); err != nil {
		return err
	}
	event := domain.AuditEvent{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		From:          from,
		To:            next,
		Actor:         actor,
		Reason:        reason,
		At:            now,
	}
	if err := s.repo.Update(ctx, tx, event); err != nil {
		return err
	}
	s.cfg.Metrics.IncTransition(string(from), string(next))
	s.logger.Info("settlement transition",
		zap.String("transaction_id", tx.ID),
		zap.String("from", string(from)),
		zap.String("to", string(next)),
		zap.String("actor", actor),
	)
	return nil
}

// withTx runs fn on a fresh copy of the transaction while holding its key
// lock. A version conflict means another writer got there first, so fn is
// rerun against the new state.
func (s *Saga) withTx(ctx context.Context, id string, fn func(tx *domain.Transaction) error) error {
	unlock, err := s.locks.Acquire(ctx, id)
	if err != nil {
		return fmt.Errorf("acquire lock for %s: %w", id, err)
	}
	defer unlock()

	for attempt := 1; ; attempt++ {
		tx, err := s.repo.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
			}
			return err
		}
		err = fn(tx)
		if errors.Is(err, store.ErrVersionConflict) && attempt < casRetries {
			s.logger.Debug("version conflict, reloading", zap.String("transaction_id", id), zap.Int("attempt", attempt))
			continue
		}
		return err
	}
}

func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func collateralFrom(l escrow.CollateralLock) *domain.Collateral {
	return &domain.Collateral{
		WalletRef: l.WalletRef,
		Amount:    l.Amount,
		Status:    string(l.Status),
		LockedAt:  l.LockedAt,
		SettledAt: l.SettledAt,
		TxHash:    l.TxHash,
	}
}
