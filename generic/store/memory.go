// Package store provides Store implementations.
package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/commute-rewards/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	accounts    map[generic.Address]generic.Account
	trips       map[generic.AccountID][]generic.Trip
	redemptions map[generic.AccountID][]generic.Redemption
	now         func() time.Time
}

var _ generic.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[generic.Address]generic.Account),
		trips:       make(map[generic.AccountID][]generic.Trip),
		redemptions: make(map[generic.AccountID][]generic.Redemption),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) FindOrCreateAccount(_ context.Context, addr generic.Address) (generic.Account, error) {
	addr = generic.Address(strings.ToLower(string(addr)))

	m.mu.Lock()
	defer m.mu.Unlock()

	if acc, ok := m.accounts[addr]; ok {
		return acc, nil
	}
	acc := generic.Account{
		ID:        generic.AccountID(uuid.NewString()),
		Address:   addr,
		CreatedAt: m.now(),
	}
	m.accounts[addr] = acc
	return acc, nil
}

func (m *Memory) GetAccountByAddress(_ context.Context, addr generic.Address) (generic.Account, error) {
	addr = generic.Address(strings.ToLower(string(addr)))

	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[addr]
	if !ok {
		return generic.Account{}, generic.ErrAccountNotFound
	}
	return acc, nil
}

// CreateTrip appends a trip. Append-only.
func (m *Memory) CreateTrip(_ context.Context, in generic.NewTrip) (generic.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	trip := generic.Trip{
		ID:           generic.TripID(uuid.NewString()),
		AccountID:    in.AccountID,
		Mode:         in.Mode,
		Distance:     in.Distance,
		TokensEarned: in.Tokens,
		TxHash:       in.TxHash,
		CreatedAt:    m.now(),
	}
	m.trips[in.AccountID] = append(m.trips[in.AccountID], trip)
	return trip, nil
}

// ListTripsByAccount returns trips newest first.
func (m *Memory) ListTripsByAccount(_ context.Context, accountID generic.AccountID) ([]generic.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.trips[accountID]
	result := make([]generic.Trip, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		result = append(result, src[i])
	}
	return result, nil
}

func (m *Memory) CreateRedemption(_ context.Context, in generic.NewRedemption) (generic.Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := generic.Redemption{
		ID:         generic.RedemptionID(uuid.NewString()),
		AccountID:  in.AccountID,
		RewardID:   in.RewardID,
		Cost:       in.Cost,
		CouponCode: in.CouponCode,
		CreatedAt:  m.now(),
	}
	m.redemptions[in.AccountID] = append(m.redemptions[in.AccountID], r)
	return r, nil
}

func (m *Memory) ListRedemptionsByAccount(_ context.Context, accountID generic.AccountID) ([]generic.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.redemptions[accountID]
	result := make([]generic.Redemption, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		result = append(result, src[i])
	}
	return result, nil
}

func (m *Memory) TotalRedeemed(_ context.Context, accountID generic.AccountID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, r := range m.redemptions[accountID] {
		total += r.Cost
	}
	return total, nil
}

func (m *Memory) Close() error { return nil }
