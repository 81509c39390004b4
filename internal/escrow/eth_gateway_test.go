package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"offramp/internal/escrow/escrowtest"
)

const testWallet = "0x00000000000000000000000000000000000000aA"

func newTestEthGateway(chain *escrowtest.Chain) *EthGateway {
	return NewEthGatewayWithBackend(chain, chain, &bind.TransactOpts{}, time.Millisecond)
}

type lockResult struct {
	lock CollateralLock
	err  error
}

func TestEthGatewayLockDebitFlow(t *testing.T) {
	chain := escrowtest.NewChain(true)
	g := newTestEthGateway(chain)
	ctx := context.Background()

	l, err := g.Lock(ctx, "off_1", testWallet, decimal.RequireFromString("100.5"))
	require.NoError(t, err)
	require.Equal(t, LockLocked, l.Status)
	require.True(t, l.Amount.Equal(decimal.RequireFromString("100.5")))
	require.NotEmpty(t, l.TxHash)

	again, err := g.Lock(ctx, "off_1", testWallet, decimal.RequireFromString("100.500000"))
	require.NoError(t, err)
	require.Equal(t, LockLocked, again.Status)
	require.Equal(t, 1, chain.Sent("lockCollateral"))

	_, err = g.Lock(ctx, "off_1", testWallet, decimal.NewFromInt(1))
	require.True(t, errors.Is(err, ErrAlreadyLocked))

	d, err := g.ConfirmDebit(ctx, "off_1")
	require.NoError(t, err)
	require.Equal(t, LockDebited, d.Status)
	require.NotNil(t, d.SettledAt)

	_, err = g.ConfirmDebit(ctx, "off_1")
	require.NoError(t, err)
	require.Equal(t, 1, chain.Sent("confirmDebit"))

	_, err = g.Release(ctx, "off_1")
	require.True(t, errors.Is(err, ErrNoActiveLock))
}

func TestEthGatewayRejectsBadInput(t *testing.T) {
	g := newTestEthGateway(escrowtest.NewChain(true))

	_, err := g.Lock(context.Background(), "off_1", "not-an-address", decimal.NewFromInt(1))
	require.Error(t, err)

	_, err = g.Release(context.Background(), "off_missing")
	require.True(t, errors.Is(err, ErrNoActiveLock))
}

func TestEthGatewayRevertIsDefinitive(t *testing.T) {
	chain := escrowtest.NewChain(true)
	chain.SetRevert(true)
	g := newTestEthGateway(chain)

	_, err := g.Lock(context.Background(), "off_2", testWallet, decimal.NewFromInt(3))
	require.Error(t, err)
	require.False(t, IsTransient(err))
}

func TestEthGatewayLowercaseWalletReplays(t *testing.T) {
	chain := escrowtest.NewChain(true)
	g := newTestEthGateway(chain)
	lower := "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"
	ctx := context.Background()

	first, err := g.Lock(ctx, "off_5", lower, decimal.NewFromInt(7))
	require.NoError(t, err)
	require.Equal(t, g.NormalizeWallet(lower), first.WalletRef)

	_, err = g.Lock(ctx, "off_5", lower, decimal.NewFromInt(7))
	require.NoError(t, err)
	require.Equal(t, 1, chain.Sent("lockCollateral"))
	require.Equal(t, "wallet-1", g.NormalizeWallet("wallet-1"))
}

func TestEthGatewayDebitAfterTimedOutAttempt(t *testing.T) {
	chain := escrowtest.NewChain(true)
	g := newTestEthGateway(chain)
	ctx := context.Background()

	_, err := g.Lock(ctx, "off_3", testWallet, decimal.NewFromInt(5))
	require.NoError(t, err)
	chain.SetAutoMine(false)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	_, err = g.ConfirmDebit(short, "off_3")
	cancel()
	require.True(t, IsTransient(err))
	require.Equal(t, 1, chain.Pending())

	done := make(chan lockResult, 1)
	go func() {
		l, err := g.ConfirmDebit(ctx, "off_3")
		done <- lockResult{lock: l, err: err}
	}()
	require.Eventually(t, func() bool { return chain.Pending() == 2 }, time.Second, time.Millisecond)
	require.Equal(t, 2, chain.Mine())

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, LockDebited, res.lock.Status)
	case <-time.After(time.Second):
		t.Fatal("confirm debit did not return after mining")
	}
	require.Equal(t, 2, chain.Sent("confirmDebit"))
}

func TestEthGatewayLockAfterTimedOutAttempt(t *testing.T) {
	chain := escrowtest.NewChain(false)
	g := newTestEthGateway(chain)
	ctx := context.Background()
	amount := decimal.NewFromInt(9)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	_, err := g.Lock(short, "off_4", testWallet, amount)
	cancel()
	require.True(t, IsTransient(err))

	done := make(chan lockResult, 1)
	go func() {
		l, err := g.Lock(ctx, "off_4", testWallet, amount)
		done <- lockResult{lock: l, err: err}
	}()
	require.Eventually(t, func() bool { return chain.Pending() == 2 }, time.Second, time.Millisecond)
	chain.Mine()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, LockLocked, res.lock.Status)
		require.True(t, res.lock.Amount.Equal(amount))
	case <-time.After(time.Second):
		t.Fatal("lock did not return after mining")
	}
}

func TestEthGatewayRevertAgainstOtherStateStaysDefinitive(t *testing.T) {
	chain := escrowtest.NewChain(true)
	g := newTestEthGateway(chain)
	ctx := context.Background()

	_, err := g.Lock(ctx, "off_6", testWallet, decimal.NewFromInt(4))
	require.NoError(t, err)
	chain.SetAutoMine(false)

	// A release sent by another operator is mined ahead of the debit.
	_, err = chain.Transact(&bind.TransactOpts{}, "release", SettlementKey("off_6"))
	require.NoError(t, err)

	done := make(chan lockResult, 1)
	go func() {
		l, err := g.ConfirmDebit(ctx, "off_6")
		done <- lockResult{lock: l, err: err}
	}()
	require.Eventually(t, func() bool { return chain.Pending() == 2 }, time.Second, time.Millisecond)
	chain.Mine()

	res := <-done
	require.Error(t, res.err)
	require.False(t, IsTransient(res.err))
}

func TestClassifyChainError(t *testing.T) {
	require.True(t, IsTransient(classifyChainError(errors.New("connection refused"))))
	require.False(t, IsTransient(classifyChainError(errors.New("execution reverted"))))
}
