/*
store.go - Persistence interfaces for accounts, trips and redemptions

PURPOSE:
  Defines the interface between the flows and the database. Records are
  append-only: there is no Update or Delete for trips or redemptions.
  Different implementations use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  AccountStore:    Find-or-create accounts by normalized address
  TripStore:       Create and list trips
  RedemptionStore: Create and list redemptions, sum redeemed tokens
  Store:           All three, plus Close

ADDRESS NORMALIZATION:
  Callers pass Address values produced by NormalizeAddress. Stores
  lower-case again on write so a hand-built Address cannot create a
  second account for the same wallet.

ORDERING:
  List methods return most recent first.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - trips/submission.go: CreateTrip after mint
  - rewards/redemption.go: CreateRedemption after debit
*/
package generic

import "context"

// AccountStore resolves wallet addresses to accounts.
type AccountStore interface {
	// FindOrCreateAccount returns the account for addr, creating it on
	// first sighting.
	FindOrCreateAccount(ctx context.Context, addr Address) (Account, error)

	// GetAccountByAddress returns ErrAccountNotFound if addr was never seen.
	GetAccountByAddress(ctx context.Context, addr Address) (Account, error)
}

// TripStore persists trips.
type TripStore interface {
	CreateTrip(ctx context.Context, trip NewTrip) (Trip, error)
	ListTripsByAccount(ctx context.Context, accountID AccountID) ([]Trip, error)
}

// RedemptionStore persists redemptions.
type RedemptionStore interface {
	CreateRedemption(ctx context.Context, r NewRedemption) (Redemption, error)
	ListRedemptionsByAccount(ctx context.Context, accountID AccountID) ([]Redemption, error)

	// TotalRedeemed sums Cost over every redemption of the account.
	TotalRedeemed(ctx context.Context, accountID AccountID) (int64, error)
}

// Store is the full persistence surface used by the server.
type Store interface {
	AccountStore
	TripStore
	RedemptionStore
	Close() error
}
