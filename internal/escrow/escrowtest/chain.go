// Package escrowtest provides an in-memory SettlementEscrow contract for
// exercising the on-chain gateway without a node.
package escrowtest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Lock status codes as stored by the contract.
const (
	StatusNone uint8 = iota
	StatusLocked
	StatusDebited
	StatusReleased
)

const baseTime = 1_700_000_000

type lockRow struct {
	wallet    common.Address
	units     *big.Int
	status    uint8
	lockedAt  uint64
	settledAt uint64
}

type pendingTx struct {
	hash   common.Hash
	method string
	params []interface{}
}

// Chain serves contract calls, transactions and receipts. With auto-mining
// each transaction is mined as it is sent; otherwise transactions stay
// pending until Mine. Gas estimation runs against the current state, so a
// transaction can be accepted and still revert once mined.
type Chain struct {
	mu       sync.Mutex
	locks    map[common.Hash]*lockRow
	pending  []pendingTx
	receipts map[common.Hash]*types.Receipt
	sent     map[string]int
	nonce    uint64
	height   uint64
	autoMine bool
	revert   bool
}

func NewChain(autoMine bool) *Chain {
	return &Chain{
		locks:    map[common.Hash]*lockRow{},
		receipts: map[common.Hash]*types.Receipt{},
		sent:     map[string]int{},
		autoMine: autoMine,
	}
}

// SetAutoMine switches between mining on send and mining on demand.
func (c *Chain) SetAutoMine(on bool) {
	c.mu.Lock()
	c.autoMine = on
	c.mu.Unlock()
}

// SetRevert makes every new transaction fail gas estimation.
func (c *Chain) SetRevert(on bool) {
	c.mu.Lock()
	c.revert = on
	c.mu.Unlock()
}

// Sent returns how many transactions for method were accepted.
func (c *Chain) Sent(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[method]
}

func (c *Chain) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Mine includes every pending transaction in one block, in send order.
func (c *Chain) Mine() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mineLocked()
}

func (c *Chain) Call(_ *bind.CallOpts, results *[]interface{}, method string, params ...interface{}) error {
	if method != "getLock" {
		return fmt.Errorf("unsupported call %s", method)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.locks[params[0].(common.Hash)]
	if !ok {
		*results = []interface{}{common.Address{}, new(big.Int), StatusNone, uint64(0), uint64(0)}
		return nil
	}
	*results = []interface{}{row.wallet, new(big.Int).Set(row.units), row.status, row.lockedAt, row.settledAt}
	return nil
}

func (c *Chain) Transact(_ *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.revert {
		return nil, errors.New("execution reverted: escrow paused")
	}
	if err := c.check(method, params); err != nil {
		return nil, fmt.Errorf("execution reverted: %w", err)
	}

	c.nonce++
	tx := types.NewTx(&types.LegacyTx{Nonce: c.nonce, Gas: 21000, GasPrice: big.NewInt(1)})
	c.sent[method]++
	c.pending = append(c.pending, pendingTx{hash: tx.Hash(), method: method, params: params})
	if c.autoMine {
		c.mineLocked()
	}
	return tx, nil
}

func (c *Chain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (c *Chain) mineLocked() int {
	c.height++
	n := len(c.pending)
	for _, p := range c.pending {
		status := types.ReceiptStatusSuccessful
		if err := c.check(p.method, p.params); err != nil {
			status = types.ReceiptStatusFailed
		} else {
			c.apply(p.method, p.params)
		}
		c.receipts[p.hash] = &types.Receipt{Status: status, TxHash: p.hash, BlockNumber: new(big.Int).SetUint64(c.height)}
	}
	c.pending = nil
	return n
}

func (c *Chain) check(method string, params []interface{}) error {
	row := c.locks[params[0].(common.Hash)]
	switch method {
	case "lockCollateral":
		if row != nil {
			return errors.New("lock exists")
		}
	case "confirmDebit", "release":
		if row == nil || row.status != StatusLocked {
			return errors.New("lock not active")
		}
	default:
		return fmt.Errorf("unknown method %s", method)
	}
	return nil
}

func (c *Chain) apply(method string, params []interface{}) {
	key := params[0].(common.Hash)
	now := uint64(baseTime) + c.height
	switch method {
	case "lockCollateral":
		c.locks[key] = &lockRow{
			wallet:   params[1].(common.Address),
			units:    new(big.Int).Set(params[2].(*big.Int)),
			status:   StatusLocked,
			lockedAt: now,
		}
	case "confirmDebit":
		c.locks[key].status = StatusDebited
		c.locks[key].settledAt = now
	case "release":
		c.locks[key].status = StatusReleased
		c.locks[key].settledAt = now
	}
}
