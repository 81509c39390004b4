package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryGateway emulates the escrow contract in process. It is what the
// service runs against when no chain is configured, and what tests use to
// inject escrow failures.
type MemoryGateway struct {
	mu       sync.Mutex
	locks    map[string]CollateralLock
	failures map[Op][]error
	calls    map[Op]int
	now      func() time.Time
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		locks:    make(map[string]CollateralLock),
		failures: make(map[Op][]error),
		calls:    make(map[Op]int),
		now:      time.Now,
	}
}

// FailNext queues errs to be returned by the next calls of op, in order.
func (m *MemoryGateway) FailNext(op Op, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// Calls returns how many times op was invoked, failed attempts included.
func (m *MemoryGateway) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MemoryGateway) injected(op Op) error {
	m.calls[op]++
	queue := m.failures[op]
	if len(queue) == 0 {
		return nil
	}
	m.failures[op] = queue[1:]
	return queue[0]
}

func (m *MemoryGateway) Lock(_ context.Context, txID, walletRef string, amount decimal.Decimal) (CollateralLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpLock); err != nil {
		return CollateralLock{}, err
	}
	if txID == "" || walletRef == "" {
		return CollateralLock{}, fmt.Errorf("transaction id and wallet are required")
	}
	if !amount.IsPositive() {
		return CollateralLock{}, fmt.Errorf("lock amount must be positive")
	}

	if existing, ok := m.locks[txID]; ok {
		if sameLock(existing, walletRef, amount) {
			return existing, nil
		}
		return CollateralLock{}, conflictErr(existing)
	}

	l := CollateralLock{
		TransactionID: txID,
		WalletRef:     walletRef,
		Amount:        amount,
		Status:        LockLocked,
		LockedAt:      m.now().UTC(),
	}
	m.locks[txID] = l
	return l, nil
}

func (m *MemoryGateway) ConfirmDebit(_ context.Context, txID string) (CollateralLock, error) {
	return m.settle(OpDebit, txID, LockDebited)
}

func (m *MemoryGateway) Release(_ context.Context, txID string) (CollateralLock, error) {
	return m.settle(OpRelease, txID, LockReleased)
}

func (m *MemoryGateway) settle(op Op, txID string, target LockStatus) (CollateralLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(op); err != nil {
		return CollateralLock{}, err
	}

	l, ok := m.locks[txID]
	if !ok {
		return CollateralLock{}, fmt.Errorf("%w: %s", ErrNoActiveLock, txID)
	}
	switch l.Status {
	case target:
		return l, nil
	case LockLocked:
	default:
		return CollateralLock{}, fmt.Errorf("%w: %s is %s", ErrNoActiveLock, txID, l.Status)
	}

	at := m.now().UTC()
	l.Status = target
	l.SettledAt = &at
	m.locks[txID] = l
	return l, nil
}

func (m *MemoryGateway) Get(_ context.Context, txID string) (CollateralLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpGet); err != nil {
		return CollateralLock{}, err
	}
	l, ok := m.locks[txID]
	if !ok {
		return CollateralLock{}, fmt.Errorf("%w: %s", ErrLockNotFound, txID)
	}
	return l, nil
}
