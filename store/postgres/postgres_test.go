package postgres_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commute-rewards/generic"
	"github.com/warp/commute-rewards/store/postgres"
)

func newMockStore(t *testing.T) (*postgres.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err, "failed to create sqlmock")
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet(), "unmet expectations")
		db.Close()
	})
	return postgres.NewWithDB(db), mock
}

func TestPostgres_FindOrCreateAccountLowercases(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO accounts").
		WithArgs(sqlmock.AnyArg(), "0x52908400098527886e0f7030069857d2e4169ee7").
		WillReturnRows(sqlmock.NewRows([]string{"id", "address", "created_at"}).
			AddRow("acc-1", "0x52908400098527886e0f7030069857d2e4169ee7", created))

	acc, err := store.FindOrCreateAccount(context.Background(), "0x52908400098527886E0F7030069857D2E4169EE7")
	require.NoError(t, err)
	assert.Equal(t, generic.AccountID("acc-1"), acc.ID)
	assert.Equal(t, created, acc.CreatedAt)
}

func TestPostgres_GetAccountByAddressNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM accounts WHERE address").
		WithArgs("0x00000000000000000000000000000000000000ff").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetAccountByAddress(context.Background(), "0x00000000000000000000000000000000000000FF")
	assert.ErrorIs(t, err, generic.ErrAccountNotFound)
}

func TestPostgres_CreateTripStoresDecimalDistance(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO trips").
		WithArgs(sqlmock.AnyArg(), "acc-1", "cycling", "3.3", int64(1), "0xabc").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

	trip, err := store.CreateTrip(context.Background(), generic.NewTrip{
		AccountID: "acc-1", Mode: generic.ModeCycling, Distance: 3.3, Tokens: 1, TxHash: "0xabc",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, trip.ID)
	assert.Equal(t, int64(1), trip.TokensEarned)
}

func TestPostgres_CreateTripUnknownAccount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO trips").
		WillReturnError(&pq.Error{Code: "23503", Message: "violates foreign key constraint"})

	_, err := store.CreateTrip(context.Background(), generic.NewTrip{AccountID: "ghost", Mode: generic.ModeWalking, Distance: 1, Tokens: 1})
	assert.ErrorIs(t, err, generic.ErrAccountNotFound)
}

func TestPostgres_ListTripsByAccount(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("FROM trips").
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "mode", "distance", "tokens_earned", "tx_hash", "created_at"}).
			AddRow("t2", "acc-1", "public_transport", "1", int64(0), nil, now).
			AddRow("t1", "acc-1", "walking", "10.25", int64(10), "0x01", now.Add(-time.Hour)))

	list, err := store.ListTripsByAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, generic.TripID("t2"), list[0].ID)
	assert.Empty(t, list[0].TxHash)
	assert.Equal(t, 10.25, list[1].Distance)
	assert.Equal(t, "0x01", list[1].TxHash)
}

func TestPostgres_TotalRedeemed(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(cost\\), 0\\) FROM redemptions").
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(150)))

	total, err := store.TotalRedeemed(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), total)
}

func TestPostgres_CreateAndListRedemptions(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO redemptions").
		WithArgs(sqlmock.AnyArg(), "acc-1", "coffee", int64(50), "COFFEE-ABC123").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectQuery("FROM redemptions").
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "reward_id", "cost", "coupon_code", "created_at"}).
			AddRow("r1", "acc-1", "coffee", int64(50), "COFFEE-ABC123", now))

	r, err := store.CreateRedemption(context.Background(), generic.NewRedemption{
		AccountID: "acc-1", RewardID: "coffee", Cost: 50, CouponCode: "COFFEE-ABC123",
	})
	require.NoError(t, err)
	assert.Equal(t, now, r.CreatedAt)

	list, err := store.ListRedemptionsByAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "COFFEE-ABC123", list[0].CouponCode)
}
