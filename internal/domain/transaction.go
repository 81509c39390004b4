package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is the settlement aggregate. ID is assigned once at initiation
// and is the correlation key for the escrow backend and for payout webhooks.
type Transaction struct {
	ID             string          `json:"transactionId"`
	ProviderID     string          `json:"providerId"`
	ProviderName   string          `json:"providerName"`
	GrossUSDC      decimal.Decimal `json:"grossUsdc"`
	FeeUSDC        decimal.Decimal `json:"feeUsdc"`
	NetUSDC        decimal.Decimal `json:"netUsdc"`
	Currency       string          `json:"targetCurrency"`
	Rate           decimal.Decimal `json:"exchangeRate"`
	EstimatedFiat  decimal.Decimal `json:"estimatedFiat"`
	ProcessingTime string          `json:"processingTime"`

	PayoutMethod  string            `json:"payoutMethod"`
	PayoutDetails map[string]string `json:"payoutDetails"`

	WalletRef      string `json:"walletRef"`
	DepositAddress string `json:"depositAddress"`
	DepositMemo    string `json:"depositMemo"`

	Status         Status         `json:"status"`
	Collateral     *Collateral    `json:"collateral,omitempty"`
	Webhooks       []WebhookEvent `json:"webhooks,omitempty"`
	LastError      string         `json:"lastError,omitempty"`
	ResumeAttempts int            `json:"resumeAttempts,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Version int64 `json:"version"`
}

// Collateral mirrors the escrow lock as last observed by the coordinator.
type Collateral struct {
	WalletRef string          `json:"walletRef"`
	Amount    decimal.Decimal `json:"amountUsdc"`
	Status    string          `json:"status"`
	LockedAt  time.Time       `json:"lockedAt"`
	SettledAt *time.Time      `json:"settledAt,omitempty"`
	TxHash    string          `json:"txHash,omitempty"`
}

// WebhookEvent is a payout provider notification, archived on the
// transaction it advanced (or was acknowledged against).
type WebhookEvent struct {
	TransactionID     string          `json:"transactionId"`
	Outcome           PayoutOutcome   `json:"outcome"`
	ProviderReference string          `json:"providerReference"`
	AmountPaid        decimal.Decimal `json:"amountPaid"`
	Currency          string          `json:"currency"`
	Reason            string          `json:"reason,omitempty"`
	OccurredAt        time.Time       `json:"occurredAt"`
	ReceivedAt        time.Time       `json:"receivedAt"`
}

type AuditEvent struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	From          Status    `json:"from,omitempty"`
	To            Status    `json:"to"`
	Actor         string    `json:"actor"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

// Transition moves the transaction along an allowed edge.
func (t *Transaction) Transition(next Status, at time.Time) error {
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = at
	if next.Terminal() {
		done := at
		t.CompletedAt = &done
	}
	return nil
}

// Expired reports whether the deposit window has lapsed without a lock.
func (t *Transaction) Expired(now time.Time) bool {
	return t.Status == StatusAwaitingDeposit && !now.Before(t.ExpiresAt)
}

// Clone returns a deep copy so stored snapshots never alias caller state.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	if t.PayoutDetails != nil {
		c.PayoutDetails = make(map[string]string, len(t.PayoutDetails))
		for k, v := range t.PayoutDetails {
			c.PayoutDetails[k] = v
		}
	}
	if t.Collateral != nil {
		col := *t.Collateral
		if t.Collateral.SettledAt != nil {
			at := *t.Collateral.SettledAt
			col.SettledAt = &at
		}
		c.Collateral = &col
	}
	if t.Webhooks != nil {
		c.Webhooks = append([]WebhookEvent(nil), t.Webhooks...)
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}
