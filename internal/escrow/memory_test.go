package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestMemoryGatewayLockIsIdempotent(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()
	amt := decimal.NewFromInt(100)

	first, err := g.Lock(ctx, "tx-1", "wallet-a", amt)
	require.NoError(t, err)
	require.Equal(t, LockLocked, first.Status)

	second, err := g.Lock(ctx, "tx-1", "wallet-a", decimal.RequireFromString("100.000"))
	require.NoError(t, err)
	require.Equal(t, first, second)

	_, err = g.Lock(ctx, "tx-1", "wallet-b", amt)
	require.True(t, errors.Is(err, ErrAlreadyLocked))
	_, err = g.Lock(ctx, "tx-1", "wallet-a", decimal.NewFromInt(99))
	require.True(t, errors.Is(err, ErrAlreadyLocked))
}

func TestMemoryGatewayDebitAndReleaseAreExclusive(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	_, err := g.ConfirmDebit(ctx, "missing")
	require.True(t, errors.Is(err, ErrNoActiveLock))

	_, err = g.Lock(ctx, "tx-1", "w", decimal.NewFromInt(5))
	require.NoError(t, err)

	debited, err := g.ConfirmDebit(ctx, "tx-1")
	require.NoError(t, err)
	require.Equal(t, LockDebited, debited.Status)
	require.NotNil(t, debited.SettledAt)

	again, err := g.ConfirmDebit(ctx, "tx-1")
	require.NoError(t, err)
	require.Equal(t, debited, again)

	_, err = g.Release(ctx, "tx-1")
	require.True(t, errors.Is(err, ErrNoActiveLock))

	got, err := g.Get(ctx, "tx-1")
	require.NoError(t, err)
	require.Equal(t, LockDebited, got.Status)
}

func TestMemoryGatewayFailNext(t *testing.T) {
	g := NewMemoryGateway()
	boom := errors.New("boom")
	g.FailNext(OpLock, boom)

	_, err := g.Lock(context.Background(), "tx", "w", decimal.NewFromInt(1))
	require.ErrorIs(t, err, boom)
	_, err = g.Lock(context.Background(), "tx", "w", decimal.NewFromInt(1))
	require.NoError(t, err)
	require.Equal(t, 2, g.Calls(OpLock))
}

func TestIsTransient(t *testing.T) {
	require.False(t, IsTransient(nil))
	require.False(t, IsTransient(errors.New("revert")))
	require.True(t, IsTransient(Transient(errors.New("eof"))))
	require.True(t, IsTransient(context.DeadlineExceeded))
}
