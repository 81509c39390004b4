package domain

import (
	"errors"
	"fmt"
	"strings"
)

type Status string

const (
	StatusAwaitingDeposit   Status = "awaiting_deposit"
	StatusCollateralLocked  Status = "collateral_locked"
	StatusLockFailed        Status = "lock_failed"
	StatusExpired           Status = "expired"
	StatusDebitConfirming   Status = "debit_confirming"
	StatusSettled           Status = "settled"
	StatusDebitFailed       Status = "debit_failed_needs_intervention"
	StatusReleaseConfirming Status = "release_confirming"
	StatusRefunded          Status = "refunded"
	StatusReleaseFailed     Status = "release_failed_needs_intervention"
)

var ErrIllegalTransition = errors.New("illegal status transition")

var transitions = map[Status][]Status{
	StatusAwaitingDeposit:   {StatusCollateralLocked, StatusLockFailed, StatusExpired},
	StatusCollateralLocked:  {StatusDebitConfirming, StatusReleaseConfirming},
	StatusDebitConfirming:   {StatusSettled, StatusDebitFailed},
	StatusReleaseConfirming: {StatusRefunded, StatusReleaseFailed},
}

// CanTransition reports whether automated logic may move from s to next.
// Terminal and quarantined states have no outgoing edges.
func (s Status) CanTransition(next Status) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusSettled, StatusRefunded, StatusLockFailed, StatusExpired, StatusDebitFailed, StatusReleaseFailed:
		return true
	}
	return false
}

// Quarantined states need an operator: the escrow and the payout provider disagree.
func (s Status) Quarantined() bool {
	return s == StatusDebitFailed || s == StatusReleaseFailed
}

// Confirming states have a payout outcome recorded but an escrow call pending.
func (s Status) Confirming() bool {
	return s == StatusDebitConfirming || s == StatusReleaseConfirming
}

// Outcome returns the payout outcome that led to s, if s is past the webhook.
func (s Status) Outcome() (PayoutOutcome, bool) {
	switch s {
	case StatusDebitConfirming, StatusSettled, StatusDebitFailed:
		return OutcomeSuccessful, true
	case StatusReleaseConfirming, StatusRefunded, StatusReleaseFailed:
		return OutcomeFailed, true
	}
	return "", false
}

func (s Status) Valid() bool {
	switch s {
	case StatusAwaitingDeposit, StatusCollateralLocked, StatusLockFailed, StatusExpired,
		StatusDebitConfirming, StatusSettled, StatusDebitFailed,
		StatusReleaseConfirming, StatusRefunded, StatusReleaseFailed:
		return true
	}
	return false
}

type PayoutOutcome string

const (
	OutcomeSuccessful PayoutOutcome = "successful"
	OutcomeFailed     PayoutOutcome = "failed"
)

// ParseOutcome accepts provider spellings such as "SUCCESSFUL" or "Failed".
func ParseOutcome(raw string) (PayoutOutcome, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "successful", "success", "succeeded":
		return OutcomeSuccessful, nil
	case "failed", "failure":
		return OutcomeFailed, nil
	}
	return "", fmt.Errorf("unknown payout outcome %q", raw)
}

// Confirming returns the state a locked transaction enters for this outcome.
func (o PayoutOutcome) Confirming() Status {
	if o == OutcomeSuccessful {
		return StatusDebitConfirming
	}
	return StatusReleaseConfirming
}
