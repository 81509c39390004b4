package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"offramp/internal/contracts"
)

const usdcDecimals = 6

// on-chain lock status codes
const (
	chainNone uint8 = iota
	chainLocked
	chainDebited
	chainReleased
)

// ContractBackend is the subset of a bound contract the gateway drives.
type ContractBackend interface {
	Call(opts *bind.CallOpts, results *[]interface{}, method string, params ...interface{}) error
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error)
}

type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EthGateway drives the SettlementEscrow contract.
type EthGateway struct {
	client       *ethclient.Client
	contract     ContractBackend
	receipts     ReceiptReader
	transacts    *bind.TransactOpts
	pollInterval time.Duration
}

type EthGatewayConfig struct {
	RPCURL         string
	PrivateKeyHex  string
	ContractEscrow string
	PollInterval   time.Duration
}

func NewEthGateway(ctx context.Context, cfg EthGatewayConfig) (*EthGateway, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.ContractEscrow == "" {
		return nil, fmt.Errorf("escrow contract address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for escrow transactions")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.SettlementEscrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}

	address := common.HexToAddress(cfg.ContractEscrow)
	bound := bind.NewBoundContract(address, parsedABI, cli, cli, cli)

	g := NewEthGatewayWithBackend(bound, cli, txOpts, cfg.PollInterval)
	g.client = cli
	return g, nil
}

// NewEthGatewayWithBackend builds a gateway over an already bound contract.
// Ping reports an error since no rpc client is attached.
func NewEthGatewayWithBackend(contract ContractBackend, receipts ReceiptReader, opts *bind.TransactOpts, poll time.Duration) *EthGateway {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &EthGateway{
		contract:     contract,
		receipts:     receipts,
		transacts:    opts,
		pollInterval: poll,
	}
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// SettlementKey maps a transaction id onto the contract's bytes32 key.
func SettlementKey(txID string) common.Hash {
	return crypto.Keccak256Hash([]byte(txID))
}

func (g *EthGateway) Lock(ctx context.Context, txID, walletRef string, amount decimal.Decimal) (CollateralLock, error) {
	if !common.IsHexAddress(walletRef) {
		return CollateralLock{}, fmt.Errorf("invalid wallet address %q", walletRef)
	}
	if !amount.IsPositive() {
		return CollateralLock{}, fmt.Errorf("lock amount must be positive")
	}
	wallet := common.HexToAddress(walletRef).Hex()
	amount = amount.Round(usdcDecimals)

	existing, err := g.Get(ctx, txID)
	switch {
	case err == nil:
		if sameLock(existing, wallet, amount) {
			return existing, nil
		}
		return CollateralLock{}, conflictErr(existing)
	case !errors.Is(err, ErrLockNotFound):
		return CollateralLock{}, err
	}

	units := amount.Shift(usdcDecimals).BigInt()
	hash, err := g.transact(ctx, "lockCollateral", SettlementKey(txID), common.HexToAddress(wallet), units)
	if err != nil {
		// An earlier attempt that timed out may have been mined first.
		if l, ok := g.landed(ctx, txID, err, func(l CollateralLock) bool { return sameLock(l, wallet, amount) }); ok {
			return l, nil
		}
		return CollateralLock{}, err
	}
	l, err := g.Get(ctx, txID)
	if err != nil {
		return CollateralLock{}, err
	}
	l.TxHash = hash
	return l, nil
}

func (g *EthGateway) ConfirmDebit(ctx context.Context, txID string) (CollateralLock, error) {
	return g.settle(ctx, txID, "confirmDebit", LockDebited)
}

func (g *EthGateway) Release(ctx context.Context, txID string) (CollateralLock, error) {
	return g.settle(ctx, txID, "release", LockReleased)
}

func (g *EthGateway) settle(ctx context.Context, txID, method string, target LockStatus) (CollateralLock, error) {
	current, err := g.Get(ctx, txID)
	if errors.Is(err, ErrLockNotFound) {
		return CollateralLock{}, fmt.Errorf("%w: %s", ErrNoActiveLock, txID)
	}
	if err != nil {
		return CollateralLock{}, err
	}
	switch current.Status {
	case target:
		return current, nil
	case LockLocked:
	default:
		return CollateralLock{}, fmt.Errorf("%w: %s is %s", ErrNoActiveLock, txID, current.Status)
	}

	hash, err := g.transact(ctx, method, SettlementKey(txID))
	if err != nil {
		if l, ok := g.landed(ctx, txID, err, func(l CollateralLock) bool { return l.Status == target }); ok {
			return l, nil
		}
		return CollateralLock{}, err
	}
	l, err := g.Get(ctx, txID)
	if err != nil {
		return CollateralLock{}, err
	}
	l.TxHash = hash
	return l, nil
}

// landed reports whether a reverted transaction lost only to an earlier
// attempt that already reached the wanted state.
func (g *EthGateway) landed(ctx context.Context, txID string, err error, want func(CollateralLock) bool) (CollateralLock, bool) {
	if IsTransient(err) {
		return CollateralLock{}, false
	}
	l, gerr := g.Get(ctx, txID)
	if gerr != nil || !want(l) {
		return CollateralLock{}, false
	}
	return l, true
}

// NormalizeWallet returns the checksummed form of a hex address, which is
// how the contract reports wallets back.
func (g *EthGateway) NormalizeWallet(walletRef string) string {
	if !common.IsHexAddress(walletRef) {
		return walletRef
	}
	return common.HexToAddress(walletRef).Hex()
}

func (g *EthGateway) Get(ctx context.Context, txID string) (CollateralLock, error) {
	var out []interface{}
	if err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getLock", SettlementKey(txID)); err != nil {
		return CollateralLock{}, classifyChainError(fmt.Errorf("getLock: %w", err))
	}
	if len(out) != 5 {
		return CollateralLock{}, fmt.Errorf("getLock: unexpected output length %d", len(out))
	}

	wallet, _ := out[0].(common.Address)
	units, _ := out[1].(*big.Int)
	status, _ := out[2].(uint8)
	lockedAt, _ := out[3].(uint64)
	settledAt, _ := out[4].(uint64)

	if status == chainNone {
		return CollateralLock{}, fmt.Errorf("%w: %s", ErrLockNotFound, txID)
	}
	if units == nil {
		units = new(big.Int)
	}

	l := CollateralLock{
		TransactionID: txID,
		WalletRef:     wallet.Hex(),
		Amount:        decimal.NewFromBigInt(units, -usdcDecimals),
		LockedAt:      time.Unix(int64(lockedAt), 0).UTC(),
	}
	switch status {
	case chainLocked:
		l.Status = LockLocked
	case chainDebited:
		l.Status = LockDebited
	case chainReleased:
		l.Status = LockReleased
	default:
		return CollateralLock{}, fmt.Errorf("getLock: unknown status %d", status)
	}
	if settledAt > 0 {
		at := time.Unix(int64(settledAt), 0).UTC()
		l.SettledAt = &at
	}
	return l, nil
}

func (g *EthGateway) Ping(ctx context.Context) error {
	if g.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := g.client.BlockNumber(ctx)
	return err
}

func (g *EthGateway) transact(ctx context.Context, method string, params ...interface{}) (string, error) {
	if g.transacts == nil {
		return "", fmt.Errorf("gateway is read-only")
	}
	opts := *g.transacts
	opts.Context = ctx

	tx, err := g.contract.Transact(&opts, method, params...)
	if err != nil {
		return "", classifyChainError(fmt.Errorf("%s tx: %w", method, err))
	}

	receipt, err := waitForReceipt(ctx, g.receipts, tx.Hash(), g.pollInterval)
	if err != nil {
		return "", Transient(fmt.Errorf("%s receipt %s: %w", method, tx.Hash().Hex(), err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("%s tx %s reverted", method, tx.Hash().Hex())
	}
	return tx.Hash().Hex(), nil
}

// classifyChainError treats contract reverts as definitive and everything
// else (transport, node, nonce races) as transient.
func classifyChainError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "invalid") {
		return err
	}
	return Transient(err)
}

// waitForReceipt polls until the transaction is mined or ctx is done.
func waitForReceipt(ctx context.Context, r ReceiptReader, hash common.Hash, every time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		receipt, err := r.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
