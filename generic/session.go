/*
session.go - Per-account balance cache and in-flight guards

PURPOSE:
  A Session is the single logical actor for one wallet. It holds the
  cached balance view and the two in-flight flags that stop duplicate
  trip submissions and duplicate redemptions. Flows receive the session
  explicitly; there is no package-level state.

BALANCE VIEW:
  balance = ledgerBalance - redeemed

  ledgerBalance is the last authoritative BalanceOf read. It is replaced,
  never incremented, by Refresh/SetLedgerBalance.
  redeemed is the total cost of off-chain redemptions. It is seeded from
  the redemption store when the session opens and grows with each Debit,
  so a fresh ledger read never re-grants spent tokens.

CONCURRENCY:
  - Debit is a check-and-deduct under one mutex: two concurrent debits
    can never both pass against the same pre-debit balance.
  - The in-flight flags are compare-and-swap. A second caller fails fast
    instead of queuing; the flag is cleared on every exit path.
  - Ledger reads are numbered. A read that completes after a newer one
    has already been applied is discarded.
  - Closing a session with a flow in flight only marks it. The registry
    keeps it until the last flag is released, so a reconnect in between
    shares the flags and the uncommitted debit instead of starting over.

SEE ALSO:
  - trips/submission.go: TryBeginSubmit, Refresh
  - rewards/redemption.go: TryBeginRedeem, Debit, Credit
  - api/scheduler.go: Periodic Refresh of open sessions
*/
package generic

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// SESSION
// =============================================================================

type Session struct {
	Account Account

	mu            sync.Mutex
	ledgerBalance int64
	redeemed      int64
	stale         bool
	refreshedAt   time.Time
	readSeq       uint64
	appliedSeq    uint64

	submitting atomic.Bool
	redeeming  atomic.Bool

	registry *Sessions
	closing  atomic.Bool
	closed   atomic.Bool
}

// BalanceView is a consistent copy of a session's balance state.
type BalanceView struct {
	Balance       int64
	LedgerBalance int64
	Redeemed      int64
	Stale         bool
	RefreshedAt   time.Time
}

// NewSession creates a session for a connected account. redeemed is the
// account's persisted redemption total. The balance is stale until the
// first Refresh.
func NewSession(account Account, redeemed int64) *Session {
	return &Session{Account: account, redeemed: redeemed, stale: true}
}

// Connected reports whether the session belongs to an authenticated wallet.
func (s *Session) Connected() bool {
	return s != nil && s.Account.Address != "" && s.Account.ID != ""
}

// Balance returns the cached spendable balance.
func (s *Session) Balance() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledgerBalance - s.redeemed
}

// View returns the full balance state.
func (s *Session) View() BalanceView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BalanceView{
		Balance:       s.ledgerBalance - s.redeemed,
		LedgerBalance: s.ledgerBalance,
		Redeemed:      s.redeemed,
		Stale:         s.stale,
		RefreshedAt:   s.refreshedAt,
	}
}

// SetLedgerBalance replaces the cached ledger balance with a fresh read.
func (s *Session) SetLedgerBalance(v int64) {
	s.applyRead(s.beginRead(), v, nil)
}

// MarkStale flags the cached balance as possibly out of date.
func (s *Session) MarkStale() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale = true
}

// Refresh reads the authoritative balance from l and caches it.
// On error the cached value is kept and marked stale. A read overtaken
// by a newer one leaves the cache alone.
func (s *Session) Refresh(ctx context.Context, l Ledger) (int64, error) {
	seq := s.beginRead()
	v, err := l.BalanceOf(ctx, s.Account.Address)
	return s.applyRead(seq, v, err)
}

func (s *Session) beginRead() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readSeq++
	return s.readSeq
}

func (s *Session) applyRead(seq uint64, v int64, err error) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq < s.appliedSeq {
		return s.ledgerBalance - s.redeemed, err
	}
	if err != nil {
		s.stale = true
		return 0, err
	}
	s.appliedSeq = seq
	s.ledgerBalance = v
	s.stale = false
	s.refreshedAt = time.Now().UTC()
	return s.ledgerBalance - s.redeemed, nil
}

// Debit atomically checks that the balance covers cost and deducts it.
// Returns the remaining balance.
func (s *Session) Debit(cost int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	available := s.ledgerBalance - s.redeemed
	if available < cost {
		return available, &InsufficientBalanceError{
			Address:   s.Account.Address,
			Available: available,
			Cost:      cost,
		}
	}
	s.redeemed += cost
	return available - cost, nil
}

// Credit reverses a Debit whose redemption could not be recorded.
func (s *Session) Credit(cost int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redeemed -= cost
}

// TryBeginSubmit claims the submission flag. Returns false if a
// submission is already in flight or the session has been closed.
func (s *Session) TryBeginSubmit() bool { return s.tryBegin(&s.submitting) }

// EndSubmit releases the submission flag.
func (s *Session) EndSubmit() { s.end(&s.submitting) }

// Submitting reports whether a submission is in flight.
func (s *Session) Submitting() bool { return s.submitting.Load() }

// TryBeginRedeem claims the redemption flag.
func (s *Session) TryBeginRedeem() bool { return s.tryBegin(&s.redeeming) }

// EndRedeem releases the redemption flag.
func (s *Session) EndRedeem() { s.end(&s.redeeming) }

// Redeeming reports whether a redemption is in flight.
func (s *Session) Redeeming() bool { return s.redeeming.Load() }

func (s *Session) busy() bool { return s.submitting.Load() || s.redeeming.Load() }

// tryBegin pairs with Sessions.evictLocked: each side writes its own
// flag before reading the other's, so at least one of them backs off.
func (s *Session) tryBegin(flag *atomic.Bool) bool {
	if !flag.CompareAndSwap(false, true) {
		return false
	}
	if s.closed.Load() {
		s.end(flag)
		return false
	}
	return true
}

func (s *Session) end(flag *atomic.Bool) {
	flag.Store(false)
	if s.closing.Load() && s.registry != nil {
		s.registry.evictIdle(s)
	}
}

// =============================================================================
// SESSION REGISTRY
// =============================================================================

// Sessions holds one Session per connected address.
type Sessions struct {
	Ledger      Ledger
	Redemptions RedemptionStore

	mu        sync.Mutex
	byAddress map[Address]*Session
}

func NewSessions(ledger Ledger, redemptions RedemptionStore) *Sessions {
	return &Sessions{
		Ledger:      ledger,
		Redemptions: redemptions,
		byAddress:   make(map[Address]*Session),
	}
}

// Open returns the account's session, creating it if needed. A new
// session is seeded with the persisted redemption total and an initial
// ledger read. A failed ledger read leaves the session open but stale.
func (r *Sessions) Open(ctx context.Context, account Account) (*Session, error) {
	if s, ok := r.Get(account.Address); ok {
		return s, nil
	}

	redeemed, err := r.Redemptions.TotalRedeemed(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	s := NewSession(account, redeemed)
	s.registry = r
	_, _ = s.Refresh(ctx, r.Ledger)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byAddress[account.Address]; ok {
		return existing, nil
	}
	r.byAddress[account.Address] = s
	return s, nil
}

// Get returns the open session for addr.
func (r *Sessions) Get(addr Address) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byAddress[addr]
	return s, ok
}

// All returns every open session.
func (r *Sessions) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byAddress))
	for _, s := range r.byAddress {
		out = append(out, s)
	}
	return out
}

// Close drops the session for addr. With a submission or redemption in
// flight the session stays registered until the flow releases its flag,
// so Open keeps returning it and its guards still hold.
func (r *Sessions) Close(addr Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byAddress[addr]
	if !ok {
		return
	}
	s.closing.Store(true)
	r.evictLocked(s)
}

func (r *Sessions) evictIdle(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked(s)
}

func (r *Sessions) evictLocked(s *Session) {
	if r.byAddress[s.Account.Address] != s || !s.closing.Load() {
		return
	}
	s.closed.Store(true)
	if s.busy() {
		s.closed.Store(false)
		return
	}
	delete(r.byAddress, s.Account.Address)
}
