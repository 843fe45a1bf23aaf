/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements generic.Store (accounts, trips, redemptions) using SQLite.
  This is the default store for a single-node deployment. The same schema
  runs on PostgreSQL through store/postgres.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on trips or redemptions
  - No DELETE statements on trips or redemptions
  A trip row is evidence of a confirmed mint and is never rewritten.

KEY TABLES:
  accounts:    One row per wallet, address lower-cased and UNIQUE
  trips:       Logged commutes with the tokens minted and the tx hash
  redemptions: Coupons issued against the off-chain balance

INDEXES:
  - idx_trips_account_created: Trip history (newest first)
  - idx_redemptions_account:   Redemption history and TotalRedeemed

PRECISION:
  Trip distances are stored as decimal TEXT so the value the rider typed
  round-trips without float formatting noise.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. PostgreSQL relies on the database
  instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/rewards.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - generic/store.go: Interface definitions
  - store/postgres/postgres.go: PostgreSQL implementation
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/commute-rewards/generic"
)

// timeLayout is fixed-width so TEXT timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements generic.Store using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

var _ generic.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		address TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	-- Trips (append-only; a row means the mint succeeded)
	CREATE TABLE IF NOT EXISTS trips (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		mode TEXT NOT NULL,
		distance TEXT NOT NULL,
		tokens_earned INTEGER NOT NULL CHECK (tokens_earned >= 0),
		tx_hash TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trips_account_created
		ON trips(account_id, created_at);

	-- Redemptions (append-only)
	CREATE TABLE IF NOT EXISTS redemptions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		reward_id TEXT NOT NULL,
		cost INTEGER NOT NULL CHECK (cost > 0),
		coupon_code TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_redemptions_account
		ON redemptions(account_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// FindOrCreateAccount returns the account for addr, inserting it on first
// sighting.
func (s *Store) FindOrCreateAccount(ctx context.Context, addr generic.Address) (generic.Account, error) {
	addr = generic.Address(strings.ToLower(string(addr)))

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, address, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(address) DO NOTHING`,
		uuid.NewString(), string(addr), s.now().Format(timeLayout),
	)
	if err != nil {
		return generic.Account{}, fmt.Errorf("failed to create account: %w", err)
	}
	return s.getAccount(ctx, addr)
}

// GetAccountByAddress returns generic.ErrAccountNotFound for unknown wallets.
func (s *Store) GetAccountByAddress(ctx context.Context, addr generic.Address) (generic.Account, error) {
	addr = generic.Address(strings.ToLower(string(addr)))

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAccount(ctx, addr)
}

func (s *Store) getAccount(ctx context.Context, addr generic.Address) (generic.Account, error) {
	var acc generic.Account
	var id, address, createdAt string

	err := s.db.QueryRowContext(ctx,
		"SELECT id, address, created_at FROM accounts WHERE address = ?",
		string(addr),
	).Scan(&id, &address, &createdAt)

	if errors.Is(err, sql.ErrNoRows) {
		return generic.Account{}, generic.ErrAccountNotFound
	}
	if err != nil {
		return generic.Account{}, err
	}

	acc.ID = generic.AccountID(id)
	acc.Address = generic.Address(address)
	acc.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return acc, nil
}

// =============================================================================
// TRIPS
// =============================================================================

// CreateTrip appends a trip row.
func (s *Store) CreateTrip(ctx context.Context, in generic.NewTrip) (generic.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trip := generic.Trip{
		ID:           generic.TripID(uuid.NewString()),
		AccountID:    in.AccountID,
		Mode:         in.Mode,
		Distance:     in.Distance,
		TokensEarned: in.Tokens,
		TxHash:       in.TxHash,
		CreatedAt:    s.now(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trips (id, account_id, mode, distance, tokens_earned, tx_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(trip.ID),
		string(trip.AccountID),
		string(trip.Mode),
		decimal.NewFromFloat(trip.Distance).String(),
		trip.TokensEarned,
		nullString(trip.TxHash),
		trip.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return generic.Trip{}, fmt.Errorf("failed to insert trip: %w", err)
	}
	return trip, nil
}

// ListTripsByAccount returns trips newest first.
func (s *Store) ListTripsByAccount(ctx context.Context, accountID generic.AccountID) ([]generic.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, mode, distance, tokens_earned, tx_hash, created_at
		FROM trips
		WHERE account_id = ?
		ORDER BY created_at DESC, rowid DESC`,
		string(accountID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []generic.Trip
	for rows.Next() {
		var t generic.Trip
		var id, acc, mode, distance, createdAt string
		var txHash sql.NullString

		if err := rows.Scan(&id, &acc, &mode, &distance, &t.TokensEarned, &txHash, &createdAt); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(distance)
		if err != nil {
			return nil, fmt.Errorf("trip %s: bad distance %q: %w", id, distance, err)
		}

		t.ID = generic.TripID(id)
		t.AccountID = generic.AccountID(acc)
		t.Mode = generic.Mode(mode)
		t.Distance = d.InexactFloat64()
		t.TxHash = txHash.String
		t.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		result = append(result, t)
	}
	return result, rows.Err()
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

// CreateRedemption appends a redemption row.
func (s *Store) CreateRedemption(ctx context.Context, in generic.NewRedemption) (generic.Redemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := generic.Redemption{
		ID:         generic.RedemptionID(uuid.NewString()),
		AccountID:  in.AccountID,
		RewardID:   in.RewardID,
		Cost:       in.Cost,
		CouponCode: in.CouponCode,
		CreatedAt:  s.now(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO redemptions (id, account_id, reward_id, cost, coupon_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(r.ID), string(r.AccountID), r.RewardID, r.Cost, r.CouponCode,
		r.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return generic.Redemption{}, fmt.Errorf("failed to insert redemption: %w", err)
	}
	return r, nil
}

// ListRedemptionsByAccount returns redemptions newest first.
func (s *Store) ListRedemptionsByAccount(ctx context.Context, accountID generic.AccountID) ([]generic.Redemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, reward_id, cost, coupon_code, created_at
		FROM redemptions
		WHERE account_id = ?
		ORDER BY created_at DESC, rowid DESC`,
		string(accountID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []generic.Redemption
	for rows.Next() {
		var r generic.Redemption
		var id, acc, createdAt string
		if err := rows.Scan(&id, &acc, &r.RewardID, &r.Cost, &r.CouponCode, &createdAt); err != nil {
			return nil, err
		}
		r.ID = generic.RedemptionID(id)
		r.AccountID = generic.AccountID(acc)
		r.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		result = append(result, r)
	}
	return result, rows.Err()
}

// TotalRedeemed sums redemption costs for the account.
func (s *Store) TotalRedeemed(ctx context.Context, accountID generic.AccountID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(cost), 0) FROM redemptions WHERE account_id = ?",
		string(accountID),
	).Scan(&total)
	return total, err
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
