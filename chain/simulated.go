package chain

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/warp/commute-rewards/generic"
)

// =============================================================================
// SIMULATED LEDGER - In-process implementation (for development/tests)
// =============================================================================

// Simulated is an in-memory Ledger. Mints confirm after Latency and
// produce deterministic pseudo tx hashes.
type Simulated struct {
	Latency time.Duration

	mu       sync.Mutex
	balances map[generic.Address]int64
	nonce    uint64
	failNext []error
	readErr  error
}

var _ generic.Ledger = (*Simulated)(nil)

func NewSimulated() *Simulated {
	return &Simulated{balances: make(map[generic.Address]int64)}
}

// FailNextMint makes the next mint return err.
func (s *Simulated) FailNextMint(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, err)
}

// SetReadError makes BalanceOf fail with err until cleared with nil.
func (s *Simulated) SetReadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// Seed sets an address's balance directly.
func (s *Simulated) Seed(addr generic.Address, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[addr] = amount
}

func (s *Simulated) Mint(ctx context.Context, to generic.Address, amount int64) (generic.MintReceipt, error) {
	if amount <= 0 {
		return generic.MintReceipt{}, &generic.InvalidInputError{Field: "amount", Reason: "must be positive"}
	}
	if s.Latency > 0 {
		select {
		case <-ctx.Done():
			return generic.MintReceipt{}, &generic.MintFailedError{Address: to, Tokens: amount, Cause: ctx.Err()}
		case <-time.After(s.Latency):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.failNext) > 0 {
		err := s.failNext[0]
		s.failNext = s.failNext[1:]
		if err == nil {
			err = errors.New("simulated mint failure")
		}
		return generic.MintReceipt{}, &generic.MintFailedError{Address: to, Tokens: amount, Cause: err}
	}

	s.nonce++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.nonce)
	hash := gethcrypto.Keccak256Hash([]byte(to), buf[:])

	s.balances[to] += amount
	return generic.MintReceipt{TxHash: hash.Hex(), Amount: amount}, nil
}

func (s *Simulated) BalanceOf(_ context.Context, owner generic.Address) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return 0, s.readErr
	}
	return s.balances[owner], nil
}
