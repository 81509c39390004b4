package settlement

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"offramp/internal/catalog"
	"offramp/internal/deadletter"
	"offramp/internal/domain"
	"offramp/internal/escrow"
	"offramp/internal/keylock"
	"offramp/internal/metrics"
	"offramp/internal/quote"
	"offramp/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	clock     *fakeClock
	repo      *store.Memory
	gateway   *escrow.MemoryGateway
	dlq       *deadletter.Queue
	metrics   *metrics.Registry
	initiator *Initiator
	saga      *Saga
	query     *Query
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	providers := []catalog.Provider{{
		ID:             "mockA",
		Name:           "Mock A",
		Countries:      []string{"NG"},
		Currencies:     []string{"NGN"},
		PayoutMethods:  []string{"Bank Transfer", "Mobile Money"},
		MinUSDC:        d("10"),
		MaxUSDC:        d("5000"),
		FeePercent:     d("0.8"),
		FeeFixedUSDC:   d("0.5"),
		ProcessingTime: "15-60 minutes",
		DepositAddress: "ESCROW_DEPOSIT_ADDR",
	}}
	cat, err := catalog.NewStatic(providers, map[string]decimal.Decimal{"USDC_NGN": d("1520")})
	require.NoError(t, err)

	h := &harness{
		clock:   &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		repo:    store.NewMemory(),
		gateway: escrow.NewMemoryGateway(),
		dlq:     deadletter.NewQueue(filepath.Join(t.TempDir(), "dlq")),
		metrics: metrics.NewRegistry(),
	}
	h.initiator = NewInitiator(quote.NewEngine(cat), cat, h.repo, InitiatorConfig{
		Metrics: h.metrics,
		Now:     h.clock.Now,
	}, nil)
	h.saga = NewSaga(h.repo, h.gateway, keylock.NewLocal(), SagaConfig{
		ResumeMaxAttempts: 2,
		DLQ:               h.dlq,
		Metrics:           h.metrics,
		Now:               h.clock.Now,
	}, nil)
	h.query = NewQuery(h.repo)
	return h
}

func (h *harness) initiate(t *testing.T) *domain.Transaction {
	t.Helper()
	tx, err := h.initiator.Initiate(context.Background(), InitiateRequest{
		ProviderID:    "mockA",
		AmountUSDC:    d("100"),
		Currency:      "NGN",
		PayoutMethod:  "Bank Transfer",
		PayoutDetails: map[string]string{"account_number": "0123456789", "bank_code": "058"},
		WalletRef:     "wallet-1",
	})
	require.NoError(t, err)
	return tx
}

func (h *harness) locked(t *testing.T) *domain.Transaction {
	t.Helper()
	tx := h.initiate(t)
	got, err := h.saga.Lock(context.Background(), tx.ID, "wallet-1", d("100"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusCollateralLocked, got.Status)
	return got
}

func webhook(id string, outcome domain.PayoutOutcome) domain.WebhookEvent {
	return domain.WebhookEvent{
		TransactionID:     id,
		Outcome:           outcome,
		ProviderReference: "FLW-" + id,
		AmountPaid:        d("150024.00"),
		Currency:          "NGN",
		OccurredAt:        time.Date(2025, 3, 1, 12, 5, 0, 0, time.UTC),
	}
}

func (h *harness) status(t *testing.T, id string) domain.Status {
	t.Helper()
	tx, err := h.query.Get(context.Background(), id)
	require.NoError(t, err)
	return tx.Status
}
