/*
Package postgres provides a PostgreSQL-backed implementation of generic.Store.

PURPOSE:
  Same tables and semantics as store/sqlite, for deployments that run more
  than one API process against a shared database. Concurrency control is
  left to PostgreSQL; the store holds no mutex.

DIALECT DIFFERENCES FROM SQLITE:
  - Timestamps are TIMESTAMPTZ, distances NUMERIC
  - FindOrCreateAccount is a single upsert with RETURNING
  - Foreign-key violations (SQLSTATE 23503) on insert map to
    generic.ErrAccountNotFound

USAGE:
  store, err := postgres.Open(ctx, "postgres://rewards@localhost/rewards?sslmode=disable")

SEE ALSO:
  - store/sqlite/sqlite.go: Default single-node store
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/warp/commute-rewards/generic"
)

const foreignKeyViolation = "23503"

// Store implements generic.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ generic.Store = (*Store)(nil)

// Open connects to dsn and migrates the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s := NewWithDB(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an existing connection pool without migrating.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		address TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS trips (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		mode TEXT NOT NULL,
		distance NUMERIC NOT NULL,
		tokens_earned BIGINT NOT NULL CHECK (tokens_earned >= 0),
		tx_hash TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_trips_account_created ON trips(account_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS redemptions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		reward_id TEXT NOT NULL,
		cost BIGINT NOT NULL CHECK (cost > 0),
		coupon_code TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_redemptions_account ON redemptions(account_id, created_at DESC);
	`)
	return err
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) FindOrCreateAccount(ctx context.Context, addr generic.Address) (generic.Account, error) {
	addr = generic.Address(strings.ToLower(string(addr)))

	var acc generic.Account
	var id, address string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, address) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET address = EXCLUDED.address
		RETURNING id, address, created_at`,
		uuid.NewString(), string(addr),
	).Scan(&id, &address, &acc.CreatedAt)
	if err != nil {
		return generic.Account{}, fmt.Errorf("failed to upsert account: %w", err)
	}
	acc.ID = generic.AccountID(id)
	acc.Address = generic.Address(address)
	return acc, nil
}

func (s *Store) GetAccountByAddress(ctx context.Context, addr generic.Address) (generic.Account, error) {
	addr = generic.Address(strings.ToLower(string(addr)))

	var acc generic.Account
	var id, address string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, address, created_at FROM accounts WHERE address = $1",
		string(addr),
	).Scan(&id, &address, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Account{}, generic.ErrAccountNotFound
	}
	if err != nil {
		return generic.Account{}, err
	}
	acc.ID = generic.AccountID(id)
	acc.Address = generic.Address(address)
	return acc, nil
}

// =============================================================================
// TRIPS
// =============================================================================

func (s *Store) CreateTrip(ctx context.Context, in generic.NewTrip) (generic.Trip, error) {
	trip := generic.Trip{
		ID:           generic.TripID(uuid.NewString()),
		AccountID:    in.AccountID,
		Mode:         in.Mode,
		Distance:     in.Distance,
		TokensEarned: in.Tokens,
		TxHash:       in.TxHash,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO trips (id, account_id, mode, distance, tokens_earned, tx_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		string(trip.ID),
		string(trip.AccountID),
		string(trip.Mode),
		decimal.NewFromFloat(trip.Distance).String(),
		trip.TokensEarned,
		nullString(trip.TxHash),
	).Scan(&trip.CreatedAt)
	if err != nil {
		return generic.Trip{}, insertError("trip", err)
	}
	return trip, nil
}

func (s *Store) ListTripsByAccount(ctx context.Context, accountID generic.AccountID) ([]generic.Trip, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, mode, distance::text, tokens_earned, tx_hash, created_at
		FROM trips
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC`,
		string(accountID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []generic.Trip
	for rows.Next() {
		var t generic.Trip
		var id, acc, mode, distance string
		var txHash sql.NullString
		var createdAt time.Time

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
		t.CreatedAt = createdAt.UTC()
		result = append(result, t)
	}
	return result, rows.Err()
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

func (s *Store) CreateRedemption(ctx context.Context, in generic.NewRedemption) (generic.Redemption, error) {
	r := generic.Redemption{
		ID:         generic.RedemptionID(uuid.NewString()),
		AccountID:  in.AccountID,
		RewardID:   in.RewardID,
		Cost:       in.Cost,
		CouponCode: in.CouponCode,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO redemptions (id, account_id, reward_id, cost, coupon_code)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		string(r.ID), string(r.AccountID), r.RewardID, r.Cost, r.CouponCode,
	).Scan(&r.CreatedAt)
	if err != nil {
		return generic.Redemption{}, insertError("redemption", err)
	}
	return r, nil
}

func (s *Store) ListRedemptionsByAccount(ctx context.Context, accountID generic.AccountID) ([]generic.Redemption, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, reward_id, cost, coupon_code, created_at
		FROM redemptions
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC`,
		string(accountID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []generic.Redemption
	for rows.Next() {
		var r generic.Redemption
		var id, acc string
		if err := rows.Scan(&id, &acc, &r.RewardID, &r.Cost, &r.CouponCode, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.ID = generic.RedemptionID(id)
		r.AccountID = generic.AccountID(acc)
		r.CreatedAt = r.CreatedAt.UTC()
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) TotalRedeemed(ctx context.Context, accountID generic.AccountID) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(cost), 0) FROM redemptions WHERE account_id = $1",
		string(accountID),
	).Scan(&total)
	return total, err
}

// =============================================================================
// HELPERS
// =============================================================================

func insertError(what string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == foreignKeyViolation {
		return fmt.Errorf("failed to insert %s: %w", what, generic.ErrAccountNotFound)
	}
	return fmt.Errorf("failed to insert %s: %w", what, err)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
