package settlement

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"offramp/internal/catalog"
	"offramp/internal/domain"
	"offramp/internal/logging"
	"offramp/internal/metrics"
	"offramp/internal/quote"
	"offramp/internal/store"
)

const (
	IDPrefix   = "off_"
	MemoPrefix = "REMITAI_"

	DefaultDepositWindow = time.Hour
)

// RiskGate is consulted before a transaction is created. A non-nil error
// rejects the initiation; scoring itself happens upstream.
type RiskGate interface {
	Assess(ctx context.Context, req InitiateRequest, q quote.Quote) error
}

type AllowAll struct{}

func (AllowAll) Assess(context.Context, InitiateRequest, quote.Quote) error { return nil }

type InitiateRequest struct {
	ProviderID    string            `json:"providerId"`
	AmountUSDC    decimal.Decimal   `json:"amountUsdc"`
	Currency      string            `json:"targetCurrency"`
	PayoutMethod  string            `json:"payoutMethod"`
	PayoutDetails map[string]string `json:"payoutDetails"`
	WalletRef     string            `json:"walletRef"`
}

type InitiatorConfig struct {
	DepositWindow time.Duration
	Risk          RiskGate
	Metrics       *metrics.Registry
	Now           func() time.Time
}

// Initiator owns the pre-lock lifecycle: it prices the request, assigns the
// transaction id and persists the transaction in awaiting_deposit.
type Initiator struct {
	engine  *quote.Engine
	catalog catalog.Catalog
	repo    store.Repository
	cfg     InitiatorConfig
	ids     *idSource
	logger  *zap.Logger
}

func NewInitiator(engine *quote.Engine, cat catalog.Catalog, repo store.Repository, cfg InitiatorConfig, logger *zap.Logger) *Initiator {
	if cfg.DepositWindow <= 0 {
		cfg.DepositWindow = DefaultDepositWindow
	}
	if cfg.Risk == nil {
		cfg.Risk = AllowAll{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger = logging.OrNop(logger)
	return &Initiator{
		engine:  engine,
		catalog: cat,
		repo:    repo,
		cfg:     cfg,
		ids:     newIDSource(),
		logger:  logger,
	}
}

// Initiate quotes the request and opens a transaction for it.
func (i *Initiator) Initiate(ctx context.Context, req InitiateRequest) (*domain.Transaction, error) {
	q, err := i.engine.Quote(ctx, req.ProviderID, req.AmountUSDC, req.Currency)
	if err != nil {
		i.cfg.Metrics.IncInitiation("quote_rejected")
		return nil, err
	}
	if err := i.cfg.Risk.Assess(ctx, req, q); err != nil {
		i.cfg.Metrics.IncInitiation("risk_rejected")
		return nil, fmt.Errorf("%w: %v", ErrRiskRejected, err)
	}
	return i.Open(ctx, q, req.PayoutMethod, req.PayoutDetails, req.WalletRef)
}

// Open persists a transaction for an already validated quote.
func (i *Initiator) Open(ctx context.Context, q quote.Quote, payoutMethod string, payoutDetails map[string]string, walletRef string) (*domain.Transaction, error) {
	provider, err := i.catalog.GetProvider(ctx, q.ProviderID)
	if err != nil {
		if errors.Is(err, catalog.ErrProviderNotFound) {
			return nil, fmt.Errorf("%w: %s", quote.ErrProviderNotFound, q.ProviderID)
		}
		return nil, err
	}
	payoutMethod = strings.TrimSpace(payoutMethod)
	if !provider.SupportsPayoutMethod(payoutMethod) {
		i.cfg.Metrics.IncInitiation("invalid")
		return nil, fmt.Errorf("%w: payout method %q not offered by %s", ErrInvalidInput, payoutMethod, provider.ID)
	}
	if len(payoutDetails) == 0 {
		i.cfg.Metrics.IncInitiation("invalid")
		return nil, fmt.Errorf("%w: payout details are required", ErrInvalidInput)
	}
	walletRef = strings.TrimSpace(walletRef)
	if walletRef == "" {
		i.cfg.Metrics.IncInitiation("invalid")
		return nil, fmt.Errorf("%w: wallet reference is required", ErrInvalidInput)
	}

	now := i.cfg.Now().UTC()
	id, err := i.ids.next(now)
	if err != nil {
		return nil, fmt.Errorf("generate transaction id: %w", err)
	}

	details := make(map[string]string, len(payoutDetails))
	for k, v := range payoutDetails {
		details[k] = v
	}

	tx := &domain.Transaction{
		ID:             id,
		ProviderID:     q.ProviderID,
		ProviderName:   q.ProviderName,
		GrossUSDC:      q.GrossUSDC,
		FeeUSDC:        q.FeeUSDC,
		NetUSDC:        q.NetUSDC,
		Currency:       q.Currency,
		Rate:           q.Rate,
		EstimatedFiat:  q.EstimatedFiat,
		ProcessingTime: q.ProcessingTime,
		PayoutMethod:   payoutMethod,
		PayoutDetails:  details,
		WalletRef:      walletRef,
		DepositAddress: provider.DepositAddress,
		DepositMemo:    MemoPrefix + id,
		Status:         domain.StatusAwaitingDeposit,
		CreatedAt:      now,
		ExpiresAt:      now.Add(i.cfg.DepositWindow),
		UpdatedAt:      now,
	}

	created := domain.AuditEvent{
		ID:            uuid.NewString(),
		TransactionID: id,
		To:            domain.StatusAwaitingDeposit,
		Actor:         "initiator",
		Reason:        "settlement initiated",
		At:            now,
	}
	if err := i.repo.Create(ctx, tx, created); err != nil {
		i.cfg.Metrics.IncInitiation("error")
		return nil, fmt.Errorf("persist transaction: %w", err)
	}

	i.cfg.Metrics.IncInitiation("created")
	i.logger.Info("settlement initiated",
		zap.String("transaction_id", id),
		zap.String("provider_id", q.ProviderID),
		zap.String("gross_usdc", q.GrossUSDC.String()),
		zap.String("currency", q.Currency),
		zap.Time("expires_at", tx.ExpiresAt),
	)
	return tx.Clone(), nil
}

// idSource hands out ULIDs that sort by creation time and stay unique within
// the same millisecond.
type idSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newIDSource() *idSource {
	return &idSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *idSource) next(at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(at), s.entropy)
	if err != nil {
		return "", err
	}
	return IDPrefix + id.String(), nil
}
