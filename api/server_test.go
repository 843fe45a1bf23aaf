/*
server_test.go - End-to-end tests through the HTTP router

Each test builds a router over an in-memory SQLite store and the
simulated ledger, logs a generated wallet in with a real personal_sign
signature, then drives the trip and redemption endpoints.
*/
package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commute-rewards/chain"
	"github.com/warp/commute-rewards/generic"
	"github.com/warp/commute-rewards/logging"
	"github.com/warp/commute-rewards/metrics"
	"github.com/warp/commute-rewards/store/sqlite"
	"golang.org/x/time/rate"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

type testEnv struct {
	t       *testing.T
	store   *sqlite.Store
	ledger  *chain.Simulated
	metrics *metrics.Metrics
	handler *Handler
	router  http.Handler
}

// failingTripStore records nothing for trips.
type failingTripStore struct {
	*sqlite.Store
}

func (f failingTripStore) CreateTrip(context.Context, generic.NewTrip) (generic.Trip, error) {
	return generic.Trip{}, errors.New("disk full")
}

// gatedRedemptionStore holds CreateRedemption until release is closed.
type gatedRedemptionStore struct {
	*sqlite.Store
	entered chan struct{}
	release chan struct{}
}

func (g gatedRedemptionStore) CreateRedemption(ctx context.Context, r generic.NewRedemption) (generic.Redemption, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Store.CreateRedemption(ctx, r)
}

type envOption func(*HandlerConfig, *RouterOptions)

func withStore(wrap func(*sqlite.Store) generic.Store) envOption {
	return func(cfg *HandlerConfig, _ *RouterOptions) {
		cfg.Store = wrap(cfg.Store.(*sqlite.Store))
	}
}

func withLoginLimit(r rate.Limit, burst int) envOption {
	return func(_ *HandlerConfig, opts *RouterOptions) {
		opts.LoginRate = r
		opts.LoginBurst = burst
	}
}

func newTestEnv(t *testing.T, options ...envOption) *testEnv {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err, "failed to create store")
	t.Cleanup(func() { store.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ledger := chain.NewSimulated()

	cfg := HandlerConfig{
		Store:       store,
		Ledger:      ledger,
		Auth:        NewAuthenticator([]byte("test-secret"), time.Hour),
		Metrics:     m,
		Logger:      logging.Nop(),
		MintTimeout: time.Second,
	}
	opts := DefaultRouterOptions()
	opts.Gatherer = reg
	for _, o := range options {
		o(&cfg, &opts)
	}

	h := NewHandler(cfg)
	return &testEnv{
		t:       t,
		store:   store,
		ledger:  ledger,
		metrics: m,
		handler: h,
		router:  NewRouter(h, opts),
	}
}

func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// login runs the challenge flow for a fresh wallet and returns its token.
func (e *testEnv) login() (string, generic.Address, *ecdsa.PrivateKey) {
	e.t.Helper()
	key, addr := newWallet(e.t)
	return e.loginAs(key, addr), addr, key
}

func (e *testEnv) loginAs(key *ecdsa.PrivateKey, addr generic.Address) string {
	e.t.Helper()

	rec := e.do(http.MethodGet, "/api/session/challenge?address="+url.QueryEscape(string(addr)), "", nil)
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	var challenge ChallengeDTO
	decode(e.t, rec, &challenge)

	rec = e.do(http.MethodPost, "/api/session", "", LoginRequest{
		Address:   string(addr),
		Message:   challenge.Message,
		Signature: personalSign(e.t, key, challenge.Message),
	})
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	var resp LoginResponse
	decode(e.t, rec, &resp)
	require.NotEmpty(e.t, resp.Token)
	return resp.Token
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	decode(t, rec, &resp)
	return resp.Code
}

// =============================================================================
// SESSION
// =============================================================================

func TestLogin_CreatesAccountAndSession(t *testing.T) {
	env := newTestEnv(t)
	key, addr := newWallet(t)
	env.ledger.Seed(addr, 40)

	// WHEN: The wallet logs in
	token := env.loginAs(key, addr)

	// THEN: The account exists and /api/me shows the ledger balance
	acc, err := env.store.GetAccountByAddress(context.Background(), addr)
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/api/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me MeResponse
	decode(t, rec, &me)
	assert.Equal(t, string(acc.ID), me.Account.ID)
	assert.Equal(t, string(addr), me.Account.Address)
	assert.Equal(t, int64(40), me.Balance.Balance)
	assert.False(t, me.Balance.Stale)
}

func TestLogin_ReconnectKeepsAccount(t *testing.T) {
	env := newTestEnv(t)
	key, addr := newWallet(t)

	first := env.loginAs(key, addr)
	second := env.loginAs(key, addr)

	var a, b MeResponse
	decode(t, env.do(http.MethodGet, "/api/me", first, nil), &a)
	decode(t, env.do(http.MethodGet, "/api/me", second, nil), &b)
	assert.Equal(t, a.Account.ID, b.Account.ID)
}

func TestLogin_BadSignature(t *testing.T) {
	env := newTestEnv(t)
	_, addr := newWallet(t)
	other, _ := newWallet(t)

	var challenge ChallengeDTO
	decode(t, env.do(http.MethodGet, "/api/session/challenge?address="+string(addr), "", nil), &challenge)

	rec := env.do(http.MethodPost, "/api/session", "", LoginRequest{
		Address:   string(addr),
		Message:   challenge.Message,
		Signature: personalSign(t, other, challenge.Message),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "NOT_CONNECTED", errorCode(t, rec))
}

func TestChallenge_InvalidAddress(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/session/challenge?address=not-a-wallet", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(t, rec))
}

func TestChallenge_RateLimited(t *testing.T) {
	env := newTestEnv(t, withLoginLimit(rate.Every(time.Hour), 2))
	_, addr := newWallet(t)
	path := "/api/session/challenge?address=" + string(addr)

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, path, "", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, path, "", nil).Code)

	rec := env.do(http.MethodGet, path, "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, rec))
}

func TestLogout_DropsSession(t *testing.T) {
	env := newTestEnv(t)
	token, addr, _ := env.login()

	rec := env.do(http.MethodDelete, "/api/session", token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, ok := env.handler.Sessions.Get(addr)
	assert.False(t, ok)
}

func TestLogout_MidSubmitKeepsGuard(t *testing.T) {
	env := newTestEnv(t)
	token, addr, _ := env.login()
	env.ledger.Latency = 200 * time.Millisecond

	// GIVEN: A trip submission is waiting on its mint
	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- env.do(http.MethodPost, "/api/trips", token, SubmitTripRequest{Mode: "walking", Distance: 10})
	}()
	sess, ok := env.handler.Sessions.Get(addr)
	require.True(t, ok)
	require.Eventually(t, sess.Submitting, time.Second, time.Millisecond)

	// WHEN: The wallet logs out and submits again with the same token
	require.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/api/session", token, nil).Code)
	rec := env.do(http.MethodPost, "/api/trips", token, SubmitTripRequest{Mode: "walking", Distance: 10})

	// THEN: The second submission is refused and only one mint lands
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_IN_PROGRESS", errorCode(t, rec))
	assert.Equal(t, http.StatusCreated, (<-first).Code)

	bal, err := env.ledger.BalanceOf(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal)

	_, ok = env.handler.Sessions.Get(addr)
	assert.False(t, ok, "close takes effect once the submission ends")
}

func TestLogout_MidRedeemKeepsGuard(t *testing.T) {
	gate := gatedRedemptionStore{entered: make(chan struct{}, 1), release: make(chan struct{})}
	env := newTestEnv(t, withStore(func(s *sqlite.Store) generic.Store {
		gate.Store = s
		return gate
	}))
	key, addr := newWallet(t)
	env.ledger.Seed(addr, 50)
	token := env.loginAs(key, addr)

	// GIVEN: A 50-token redemption has debited and is writing its record
	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- env.do(http.MethodPost, "/api/rewards/coffee/redeem", token, nil)
	}()
	<-gate.entered

	// WHEN: The wallet logs out and redeems again
	require.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/api/session", token, nil).Code)
	rec := env.do(http.MethodPost, "/api/rewards/coffee/redeem", token, nil)

	// THEN: Only one coupon is issued against the 50 tokens
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "REDEMPTION_IN_PROGRESS", errorCode(t, rec))

	close(gate.release)
	assert.Equal(t, http.StatusCreated, (<-first).Code)

	rec = env.do(http.MethodPost, "/api/rewards/coffee/redeem", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INSUFFICIENT_BALANCE", errorCode(t, rec))

	var list []RedemptionDTO
	decode(t, env.do(http.MethodGet, "/api/redemptions", token, nil), &list)
	assert.Len(t, list, 1)
}

func TestProtectedRoutes_RequireToken(t *testing.T) {
	env := newTestEnv(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/me"},
		{http.MethodPost, "/api/trips"},
		{http.MethodGet, "/api/trips"},
		{http.MethodPost, "/api/rewards/coffee/redeem"},
		{http.MethodGet, "/api/redemptions"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := env.do(tc.method, tc.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "NOT_CONNECTED", errorCode(t, rec))

			rec = env.do(tc.method, tc.path, "garbage", nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

// =============================================================================
// TRIPS
// =============================================================================

func TestSubmitTrip_Scenarios(t *testing.T) {
	tests := []struct {
		mode     string
		distance float64
		tokens   int64
	}{
		{"walking", 10, 10},
		{"cycling", 10, 5},
		{"public_transport", 4, 0},
		{"cycling", 3.3, 1},
	}

	for _, tc := range tests {
		t.Run(tc.mode, func(t *testing.T) {
			env := newTestEnv(t)
			token, _, _ := env.login()

			rec := env.do(http.MethodPost, "/api/trips", token, SubmitTripRequest{Mode: tc.mode, Distance: tc.distance})
			require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

			var resp SubmissionResponse
			decode(t, rec, &resp)
			require.NotNil(t, resp.Trip)
			assert.Equal(t, tc.tokens, resp.Tokens)
			assert.Equal(t, tc.tokens, resp.Trip.TokensEarned)
			assert.Equal(t, tc.distance, resp.Trip.Distance)
			assert.Equal(t, tc.tokens, resp.Balance.Balance)
			assert.Equal(t, tc.tokens > 0, resp.Minted)
			assert.Equal(t, resp.TxHash, resp.Trip.TxHash)
		})
	}
}

func TestSubmitTrip_HistoryNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	token, _, _ := env.login()

	for _, req := range []SubmitTripRequest{{"walking", 2}, {"cycling", 8}} {
		require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/trips", token, req).Code)
	}

	var list []TripDTO
	decode(t, env.do(http.MethodGet, "/api/trips", token, nil), &list)
	require.Len(t, list, 2)
	assert.Equal(t, "cycling", list[0].Mode)
	assert.Equal(t, "walking", list[1].Mode)
}

func TestSubmitTrip_Validation(t *testing.T) {
	env := newTestEnv(t)
	token, _, _ := env.login()

	tests := []struct {
		name string
		req  SubmitTripRequest
		code string
	}{
		{"unknown mode", SubmitTripRequest{Mode: "teleport", Distance: 5}, "UNKNOWN_MODE"},
		{"zero distance", SubmitTripRequest{Mode: "walking", Distance: 0}, "INVALID_INPUT"},
		{"negative distance", SubmitTripRequest{Mode: "walking", Distance: -3}, "INVALID_INPUT"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/trips", token, tc.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.code, errorCode(t, rec))
		})
	}

	var list []TripDTO
	decode(t, env.do(http.MethodGet, "/api/trips", token, nil), &list)
	assert.Empty(t, list)
}

func TestSubmitTrip_MalformedBody(t *testing.T) {
	env := newTestEnv(t)
	token, _, _ := env.login()

	req := httptest.NewRequest(http.MethodPost, "/api/trips", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(t, rec))
}

func TestSubmitTrip_AlreadyInProgress(t *testing.T) {
	env := newTestEnv(t)
	token, addr, _ := env.login()

	// GIVEN: A submission holds the account's guard
	sess, ok := env.handler.Sessions.Get(addr)
	require.True(t, ok)
	require.True(t, sess.TryBeginSubmit())

	// WHEN: A second trip is submitted
	rec := env.do(http.MethodPost, "/api/trips", token, SubmitTripRequest{Mode: "walking", Distance: 5})

	// THEN: It fails fast and nothing is minted
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_IN_PROGRESS", errorCode(t, rec))
	bal, err := env.ledger.BalanceOf(context.Background(), addr)
	require.NoError(t, err)
	assert.Zero(t, bal)

	sess.EndSubmit()
	rec = env.do(http.MethodPost, "/api/trips", token, SubmitTripRequest{Mode: "walking", Distance: 5})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestSubmitTrip_MintFailureRecordsNothing(t *testing.T) {
	env := newTestEnv(t)
	token, _, _ := env.login()
	env.ledger.FailNextMint(errors.New("execution reverted"))

	rec := env.do(http.MethodPost, "/api/trips", token, SubmitTripRequest{Mode: "walking", Distance: 10})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "MINT_FAILED", errorCode(t, rec))

	var list []TripDTO
	decode(t, env.do(http.MethodGet, "/api/trips", token, nil), &list)
	assert.Empty(t, list)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.TripsSubmitted.WithLabelValues("walking", metrics.OutcomeMintFailed)))
}

func TestSubmitTrip_PersistFailureWarns(t *testing.T) {
	env := newTestEnv(t, withStore(func(s *sqlite.Store) generic.Store { return failingTripStore{s} }))
	token, _, _ := env.login()

	// WHEN: The mint succeeds but the trip cannot be written
	rec := env.do(http.MethodPost, "/api/trips", token, SubmitTripRequest{Mode: "walking", Distance: 10})

	// THEN: The client learns the tokens were minted, with a warning
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp SubmissionResponse
	decode(t, rec, &resp)
	assert.Nil(t, resp.Trip)
	assert.True(t, resp.Minted)
	assert.NotEmpty(t, resp.TxHash)
	assert.Equal(t, int64(10), resp.Tokens)
	assert.Equal(t, int64(10), resp.Balance.Balance)
	assert.NotEmpty(t, resp.Warning)
}

func TestSubmitTrip_ZeroTokenPersistFailure(t *testing.T) {
	env := newTestEnv(t, withStore(func(s *sqlite.Store) generic.Store { return failingTripStore{s} }))
	token, _, _ := env.login()

	// WHEN: A trip worth 0 tokens cannot be written
	rec := env.do(http.MethodPost, "/api/trips", token, SubmitTripRequest{Mode: "public_transport", Distance: 4})

	// THEN: A plain server error, with no claim that tokens were minted
	assert.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "minted")
}

func TestListModes(t *testing.T) {
	env := newTestEnv(t)

	var modes []ModeDTO
	decode(t, env.do(http.MethodGet, "/api/modes", "", nil), &modes)
	require.Len(t, modes, 3)

	byMode := map[string]ModeDTO{}
	for _, m := range modes {
		byMode[m.Mode] = m
	}
	assert.Equal(t, "1", byMode["walking"].TokensPerKm)
	assert.Equal(t, "0.5", byMode["cycling"].TokensPerKm)
	assert.Equal(t, "0.2", byMode["public_transport"].TokensPerKm)
	assert.Equal(t, int64(2), byMode["public_transport"].ExampleToken)
}

// =============================================================================
// REWARDS
// =============================================================================

func TestRedeem_IssuesCouponAndDebits(t *testing.T) {
	env := newTestEnv(t)
	key, addr := newWallet(t)
	env.ledger.Seed(addr, 120)
	token := env.loginAs(key, addr)

	// WHEN: The coffee reward is redeemed
	rec := env.do(http.MethodPost, "/api/rewards/coffee/redeem", token, nil)

	// THEN: A coupon is issued and the balance drops by the cost
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp RedeemResponse
	decode(t, rec, &resp)
	assert.Regexp(t, `^COFFEE-[A-Z0-9]{6}$`, resp.Redemption.CouponCode)
	assert.Equal(t, int64(50), resp.Redemption.Cost)
	assert.Equal(t, int64(70), resp.Balance.Balance)

	var list []RedemptionDTO
	decode(t, env.do(http.MethodGet, "/api/redemptions", token, nil), &list)
	require.Len(t, list, 1)
	assert.Equal(t, resp.Redemption.CouponCode, list[0].CouponCode)
}

func TestRedeem_RefreshDoesNotRegrant(t *testing.T) {
	env := newTestEnv(t)
	key, addr := newWallet(t)
	env.ledger.Seed(addr, 120)
	token := env.loginAs(key, addr)
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/rewards/coffee/redeem", token, nil).Code)

	// WHEN: The balance is re-read from the ledger
	rec := env.do(http.MethodPost, "/api/me/balance/refresh", token, nil)

	// THEN: The spent tokens stay spent
	require.Equal(t, http.StatusOK, rec.Code)
	var bal BalanceDTO
	decode(t, rec, &bal)
	assert.Equal(t, int64(120), bal.LedgerBalance)
	assert.Equal(t, int64(50), bal.Redeemed)
	assert.Equal(t, int64(70), bal.Balance)
}

func TestRedeem_RedeemedTotalSurvivesReconnect(t *testing.T) {
	env := newTestEnv(t)
	key, addr := newWallet(t)
	env.ledger.Seed(addr, 120)
	token := env.loginAs(key, addr)
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/rewards/coffee/redeem", token, nil).Code)
	require.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/api/session", token, nil).Code)

	token = env.loginAs(key, addr)

	var me MeResponse
	decode(t, env.do(http.MethodGet, "/api/me", token, nil), &me)
	assert.Equal(t, int64(70), me.Balance.Balance)
}

func TestRedeem_InsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	key, addr := newWallet(t)
	env.ledger.Seed(addr, 120)
	token := env.loginAs(key, addr)

	rec := env.do(http.MethodPost, "/api/rewards/plant-a-tree/redeem", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INSUFFICIENT_BALANCE", errorCode(t, rec))

	var list []RedemptionDTO
	decode(t, env.do(http.MethodGet, "/api/redemptions", token, nil), &list)
	assert.Empty(t, list)
}

func TestRedeem_UnknownReward(t *testing.T) {
	env := newTestEnv(t)
	token, _, _ := env.login()

	rec := env.do(http.MethodPost, "/api/rewards/yacht/redeem", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRedeem_AlreadyInProgress(t *testing.T) {
	env := newTestEnv(t)
	key, addr := newWallet(t)
	env.ledger.Seed(addr, 120)
	token := env.loginAs(key, addr)

	sess, ok := env.handler.Sessions.Get(addr)
	require.True(t, ok)
	require.True(t, sess.TryBeginRedeem())
	defer sess.EndRedeem()

	rec := env.do(http.MethodPost, "/api/rewards/coffee/redeem", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "REDEMPTION_IN_PROGRESS", errorCode(t, rec))
	assert.Equal(t, int64(120), sess.Balance())
}

func TestListRewards_AffordableWithToken(t *testing.T) {
	env := newTestEnv(t)
	key, addr := newWallet(t)
	env.ledger.Seed(addr, 100)
	token := env.loginAs(key, addr)

	// Anonymous: no affordability
	var anon []RewardDTO
	decode(t, env.do(http.MethodGet, "/api/rewards", "", nil), &anon)
	require.Len(t, anon, 4)
	for _, r := range anon {
		assert.Nil(t, r.Affordable, r.ID)
	}

	var mine []RewardDTO
	decode(t, env.do(http.MethodGet, "/api/rewards", token, nil), &mine)
	require.Len(t, mine, 4)
	for _, r := range mine {
		require.NotNil(t, r.Affordable, r.ID)
		assert.Equal(t, r.Cost <= 100, *r.Affordable, r.ID)
	}
}

// =============================================================================
// OPS
// =============================================================================

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	token, _, _ := env.login()
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/trips", token, SubmitTripRequest{Mode: "walking", Distance: 7}).Code)

	rec := env.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `rewards_trips_submitted_total{mode="walking",outcome="success"} 1`)
	assert.Contains(t, rec.Body.String(), "rewards_tokens_minted_total 7")
}

func TestRefreshBalance_LedgerDown(t *testing.T) {
	env := newTestEnv(t)
	token, _, _ := env.login()
	env.ledger.SetReadError(errors.New("rpc unavailable"))

	rec := env.do(http.MethodPost, "/api/me/balance/refresh", token, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "LEDGER_UNAVAILABLE", errorCode(t, rec))

	var me MeResponse
	decode(t, env.do(http.MethodGet, "/api/me", token, nil), &me)
	assert.True(t, me.Balance.Stale)
}
