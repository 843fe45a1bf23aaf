/*
Package chain provides Ledger implementations backed by an ERC-20
reward token, plus an in-process simulation for development.

erc20.go - go-ethereum ERC-20 ledger

PURPOSE:
  Mints reward tokens by sending a signed mint(address,uint256)
  transaction from the minter account, waits for its receipt, and reads
  balances with balanceOf(address).

UNITS:
  Callers deal in whole tokens. The ledger scales by 10^Decimals on the
  way out and truncates on the way in, so 1.9 tokens on-chain reads as 1.

MINT LIFECYCLE:
  1. Verify the node is on the configured chain      -> *NetworkMismatchError
  2. Nonce, gas price, gas estimate, EIP-155 sign
  3. Broadcast                                       -> *MintFailedError
  4. Poll for the receipt every PollInterval
       status 0 (reverted)                           -> *MintFailedError
       ctx done before a receipt                     -> *MintFailedError{Pending}

  Steps 2-3 hold the nonce lock so two trips never race for a nonce. The
  lock is released at broadcast; receipts are awaited concurrently, and a
  mint whose ctx ends while queued for the lock fails without sending.
  A mint is never retried: a retry after broadcast could mint twice.

RESILIENCE:
  balanceOf goes through a failsafe-go retry policy. Mints go through a
  circuit breaker that opens after repeated RPC failures so a dead node
  fails trips fast instead of holding every submit flag for the timeout.

SEE ALSO:
  - generic/ledger.go: Ledger and NetworkGuard contracts
  - simulated.go: In-process ledger with the same semantics
*/
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sirupsen/logrus"
	"github.com/warp/commute-rewards/generic"
	"github.com/warp/commute-rewards/logging"
	"golang.org/x/sync/semaphore"
)

var (
	mintSelector      = gethcrypto.Keccak256([]byte("mint(address,uint256)"))[:4]
	balanceOfSelector = gethcrypto.Keccak256([]byte("balanceOf(address)"))[:4]
)

// ErrReverted is the cause of a MintFailedError for a mined but failed tx.
var ErrReverted = errors.New("transaction reverted")

// EVMClient is the subset of the Ethereum RPC used by the ledger.
// *ethclient.Client satisfies it.
type EVMClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial opens an RPC connection to endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// ERC20Config configures an ERC20Ledger.
type ERC20Config struct {
	ChainID      *big.Int
	Token        common.Address
	Decimals     int
	MinterKey    *ecdsa.PrivateKey
	PollInterval time.Duration

	// BalanceRetries is the number of extra balanceOf attempts. Default 3.
	BalanceRetries int
	Logger         logging.Logger
}

func (c ERC20Config) validate() error {
	var errs []error
	if c.ChainID == nil || c.ChainID.Sign() <= 0 {
		errs = append(errs, errors.New("chain id required"))
	}
	if c.Token == (common.Address{}) {
		errs = append(errs, errors.New("token address required"))
	}
	if c.Decimals < 0 || c.Decimals > 36 {
		errs = append(errs, fmt.Errorf("decimals out of range: %d", c.Decimals))
	}
	if c.MinterKey == nil {
		errs = append(errs, errors.New("minter key required"))
	}
	return errors.Join(errs...)
}

// ParseMinterKey decodes a hex private key, with or without 0x.
func ParseMinterKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse minter key: %w", err)
	}
	return key, nil
}

// =============================================================================
// ERC-20 LEDGER
// =============================================================================

// ERC20Ledger is a generic.Ledger backed by a mintable ERC-20 contract.
type ERC20Ledger struct {
	client EVMClient
	cfg    ERC20Config
	minter common.Address
	unit   *big.Int
	log    logging.Logger

	nonceMu *semaphore.Weighted
	breaker circuitbreaker.CircuitBreaker[generic.MintReceipt]
	reads   failsafe.Executor[*big.Int]
}

var (
	_ generic.Ledger       = (*ERC20Ledger)(nil)
	_ generic.NetworkGuard = (*ERC20Ledger)(nil)
)

// NewERC20Ledger builds a ledger over client.
func NewERC20Ledger(client EVMClient, cfg ERC20Config) (*ERC20Ledger, error) {
	if client == nil {
		return nil, errors.New("evm client required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BalanceRetries <= 0 {
		cfg.BalanceRetries = 3
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	l := &ERC20Ledger{
		client: client,
		cfg:    cfg,
		minter: gethcrypto.PubkeyToAddress(cfg.MinterKey.PublicKey),
		unit:   new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(cfg.Decimals)), nil),
		log:    log,

		nonceMu: semaphore.NewWeighted(1),
	}

	l.breaker = circuitbreaker.NewBuilder[generic.MintReceipt]().
		HandleIf(func(_ generic.MintReceipt, err error) bool {
			// Reverts and timeouts are not node failures.
			return err != nil && !errors.Is(err, ErrReverted) &&
				!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(15 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			log.WithFields(logging.Fields{
				"circuit_breaker": "mint",
				"from_state":      stateName(e.OldState),
				"to_state":        stateName(e.NewState),
			}).Warn("circuit breaker state change")
		}).
		Build()

	retry := retrypolicy.NewBuilder[*big.Int]().
		HandleIf(func(_ *big.Int, err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(cfg.BalanceRetries).
		WithJitterFactor(0.1).
		Build()
	l.reads = failsafe.With[*big.Int](retry)

	return l, nil
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}

// Minter returns the address that signs mint transactions.
func (l *ERC20Ledger) Minter() common.Address { return l.minter }

// EnsureNetwork compares the node's chain ID with the configured one.
func (l *ERC20Ledger) EnsureNetwork(ctx context.Context) error {
	got, err := l.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("read chain id: %w", err)
	}
	if got.Cmp(l.cfg.ChainID) != 0 {
		return &generic.NetworkMismatchError{Want: new(big.Int).Set(l.cfg.ChainID), Got: got}
	}
	return nil
}

// Mint sends mint(to, amount * 10^decimals) and waits for the receipt.
func (l *ERC20Ledger) Mint(ctx context.Context, to generic.Address, amount int64) (generic.MintReceipt, error) {
	if amount <= 0 {
		return generic.MintReceipt{}, &generic.InvalidInputError{Field: "amount", Reason: "must be positive"}
	}

	receipt, err := failsafe.With[generic.MintReceipt](l.breaker).Get(func() (generic.MintReceipt, error) {
		return l.mint(ctx, to, amount)
	})
	if err == nil {
		return receipt, nil
	}

	var mf *generic.MintFailedError
	if errors.As(err, &mf) {
		return receipt, mf
	}
	return receipt, &generic.MintFailedError{Address: to, Tokens: amount, TxHash: receipt.TxHash, Cause: err}
}

func (l *ERC20Ledger) mint(ctx context.Context, to generic.Address, amount int64) (generic.MintReceipt, error) {
	data := make([]byte, 0, 4+32+32)
	data = append(data, mintSelector...)
	data = append(data, common.LeftPadBytes(to.Hex().Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(l.toUnits(amount).Bytes(), 32)...)

	signed, err := l.broadcast(ctx, data)
	if err != nil {
		return generic.MintReceipt{}, err
	}

	hash := signed.Hash()
	out := generic.MintReceipt{TxHash: hash.Hex(), Amount: amount}
	l.log.WithFields(logging.Fields{"tx_hash": out.TxHash, "to": to, "tokens": amount, "nonce": signed.Nonce()}).Info("mint broadcast")

	if err := l.waitMined(ctx, hash); err != nil {
		if errors.Is(err, ErrReverted) {
			return out, &generic.MintFailedError{Address: to, Tokens: amount, TxHash: out.TxHash, Cause: err}
		}
		return out, &generic.MintFailedError{Address: to, Tokens: amount, TxHash: out.TxHash, Pending: true, Cause: err}
	}
	return out, nil
}

// broadcast signs and sends a call to the token under the nonce lock.
func (l *ERC20Ledger) broadcast(ctx context.Context, data []byte) (*gethtypes.Transaction, error) {
	if err := l.nonceMu.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for nonce lock: %w", err)
	}
	defer l.nonceMu.Release(1)

	nonce, err := l.client.PendingNonceAt(ctx, l.minter)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	token := l.cfg.Token
	gas, err := l.client.EstimateGas(ctx, ethereum.CallMsg{From: l.minter, To: &token, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas / 5

	tx := gethtypes.NewTransaction(nonce, token, big.NewInt(0), gas, gasPrice, data)
	signed, err := gethtypes.SignTx(tx, gethtypes.NewEIP155Signer(l.cfg.ChainID), l.cfg.MinterKey)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := l.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}
	return signed, nil
}

// waitMined polls for a receipt until one arrives or ctx is done.
func (l *ERC20Ledger) waitMined(ctx context.Context, hash common.Hash) error {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
			return nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			l.log.WithError(err).WithField("tx_hash", hash.Hex()).Debug("receipt poll failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// BalanceOf calls balanceOf(owner) and truncates to whole tokens.
func (l *ERC20Ledger) BalanceOf(ctx context.Context, owner generic.Address) (int64, error) {
	data := make([]byte, 0, 4+32)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(owner.Hex().Bytes(), 32)...)
	token := l.cfg.Token

	raw, err := l.reads.WithContext(ctx).Get(func() (*big.Int, error) {
		out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		if err != nil {
			return nil, err
		}
		if len(out) < 32 {
			return nil, fmt.Errorf("balanceOf returned %d bytes", len(out))
		}
		return new(big.Int).SetBytes(out[:32]), nil
	})
	if err != nil {
		return 0, fmt.Errorf("balanceOf %s: %w", owner, err)
	}

	whole := new(big.Int).Quo(raw, l.unit)
	if !whole.IsInt64() {
		return 0, fmt.Errorf("balanceOf %s: %s exceeds int64", owner, whole)
	}
	return whole.Int64(), nil
}

func (l *ERC20Ledger) toUnits(amount int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(amount), l.unit)
}
