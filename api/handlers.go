/*
handlers.go - HTTP API handlers for the commute rewards service

PURPOSE:
  Exposes wallet login, trip submission and reward redemption via REST.
  Handles HTTP request/response and JSON serialization, and delegates to
  the trips and rewards services.

ENDPOINTS:
  Session:
    GET    /api/session/challenge      Login message to sign
    POST   /api/session                Exchange signed message for a token
    DELETE /api/session                Drop the cached session

  Account (token required):
    GET    /api/me                     Account and cached balance
    POST   /api/me/balance/refresh     Re-read balance from the ledger

  Trips:
    GET    /api/modes                  Rate table
    POST   /api/trips                  Submit a trip (token required)
    GET    /api/trips                  Trip history (token required)

  Rewards:
    GET    /api/rewards                Catalog
    POST   /api/rewards/{id}/redeem    Redeem (token required)
    GET    /api/redemptions            Redemption history (token required)

  Ops:
    GET    /healthz                    Store ping

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Accounts, trips, redemptions
  - Sessions: One balance cache and guard set per wallet
  - Trips / Redemptions: The two flows

ERROR HANDLING:
  Errors are returned as JSON {error, code, details}:
  - 400: INVALID_INPUT, UNKNOWN_MODE, INSUFFICIENT_BALANCE
  - 401: NOT_CONNECTED
  - 404: Unknown reward
  - 409: ALREADY_IN_PROGRESS, REDEMPTION_IN_PROGRESS
  - 502: MINT_FAILED, MINT_PENDING, NETWORK_MISMATCH
  - 202: PERSIST_FAILED (tokens minted, trip not recorded; a warning)

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Challenges and tokens
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/warp/commute-rewards/generic"
	"github.com/warp/commute-rewards/logging"
	"github.com/warp/commute-rewards/metrics"
	"github.com/warp/commute-rewards/rewards"
	"github.com/warp/commute-rewards/trips"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       generic.Store
	Ledger      generic.Ledger
	Sessions    *generic.Sessions
	Auth        *Authenticator
	Policy      rewards.RewardPolicy
	Trips       *trips.SubmissionService
	Redemptions *rewards.RedemptionService
	Metrics     *metrics.Metrics
	Logger      logging.Logger
}

// HandlerConfig carries what NewHandler wires together.
type HandlerConfig struct {
	Store       generic.Store
	Ledger      generic.Ledger
	Auth        *Authenticator
	Metrics     *metrics.Metrics
	Logger      logging.Logger
	MintTimeout time.Duration
}

// NewHandler builds the flows and session registry over one store and
// ledger.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	policy := rewards.DefaultPolicy()

	return &Handler{
		Store:    cfg.Store,
		Ledger:   cfg.Ledger,
		Sessions: generic.NewSessions(cfg.Ledger, cfg.Store),
		Auth:     cfg.Auth,
		Policy:   policy,
		Trips: &trips.SubmissionService{
			Policy:      policy,
			Ledger:      cfg.Ledger,
			Store:       cfg.Store,
			Metrics:     cfg.Metrics,
			Logger:      logger,
			MintTimeout: cfg.MintTimeout,
		},
		Redemptions: &rewards.RedemptionService{
			Store:   cfg.Store,
			Metrics: cfg.Metrics,
			Logger:  logger,
		},
		Metrics: cfg.Metrics,
		Logger:  logger,
	}
}

type ctxKey struct{}

// requireSession resolves the bearer token to an open session.
func (h *Handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if raw == "" {
			writeDomainError(w, generic.ErrNotConnected)
			return
		}
		addr, err := h.Auth.ParseToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Wallet not connected", err, "NOT_CONNECTED")
			return
		}
		acc, err := h.Store.GetAccountByAddress(r.Context(), addr)
		if err != nil {
			if errors.Is(err, generic.ErrAccountNotFound) {
				writeDomainError(w, generic.ErrNotConnected)
				return
			}
			writeError(w, http.StatusInternalServerError, "Failed to load account", err, "")
			return
		}
		sess, err := h.Sessions.Open(r.Context(), acc)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to open session", err, "")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, sess)))
	})
}

// sessionFrom returns the session stored by requireSession, or nil.
func sessionFrom(ctx context.Context) *generic.Session {
	sess, _ := ctx.Value(ctxKey{}).(*generic.Session)
	return sess
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// GetChallenge issues a login message for ?address=.
func (h *Handler) GetChallenge(w http.ResponseWriter, r *http.Request) {
	addr, err := generic.NormalizeAddress(r.URL.Query().Get("address"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	c := h.Auth.NewChallenge(addr)
	writeJSON(w, http.StatusOK, ChallengeDTO{
		Address:   string(c.Address),
		Message:   c.Message,
		Nonce:     c.Nonce,
		ExpiresAt: c.ExpiresAt.Format(time.RFC3339),
	})
}

// Login verifies a signed challenge, finds or creates the account and
// opens its session.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err, "INVALID_INPUT")
		return
	}
	addr, err := generic.NormalizeAddress(req.Address)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	token, expires, err := h.Auth.Login(addr, req.Message, req.Signature)
	if err != nil {
		h.Logger.WithError(err).WithField("address", addr).Info("wallet login rejected")
		writeError(w, http.StatusUnauthorized, "Wallet login failed", err, "NOT_CONNECTED")
		return
	}

	acc, err := h.Store.FindOrCreateAccount(r.Context(), addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load account", err, "")
		return
	}
	sess, err := h.Sessions.Open(r.Context(), acc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to open session", err, "")
		return
	}

	h.Logger.WithField("address", addr).Info("wallet connected")
	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		ExpiresAt: expires.Format(time.RFC3339),
		Account:   toAccountDTO(acc),
		Balance:   toBalanceDTO(sess.View()),
	})
}

// Logout drops the cached session. A session with a trip or redemption
// in flight is dropped when that flow ends. The token stays valid until
// it expires; the next request reopens a fresh session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	h.Sessions.Close(sess.Account.Address)
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// GetMe returns the connected account and its cached balance.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	writeJSON(w, http.StatusOK, MeResponse{
		Account: toAccountDTO(sess.Account),
		Balance: toBalanceDTO(sess.View()),
	})
}

// RefreshBalance replaces the cached ledger balance with a fresh read.
func (h *Handler) RefreshBalance(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())

	_, err := sess.Refresh(r.Context(), h.Ledger)
	h.Metrics.ObserveRefresh(err)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to read balance from ledger", err, "LEDGER_UNAVAILABLE")
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(sess.View()))
}

// =============================================================================
// TRIP HANDLERS
// =============================================================================

// ListModes returns the rate table.
func (h *Handler) ListModes(w http.ResponseWriter, r *http.Request) {
	const exampleKm = 10

	dtos := make([]ModeDTO, 0, len(generic.AllModes))
	for _, m := range generic.AllModes {
		rate, err := h.Policy.Rate(m)
		if err != nil {
			continue
		}
		tokens, _ := h.Policy.Tokens(m, exampleKm)
		dtos = append(dtos, ModeDTO{
			Mode:         string(m),
			TokensPerKm:  rate.String(),
			ExampleKm:    exampleKm,
			ExampleToken: tokens,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SubmitTrip runs the trip submission flow.
func (h *Handler) SubmitTrip(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())

	var req SubmitTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err, "INVALID_INPUT")
		return
	}
	mode := generic.ParseMode(req.Mode)

	sub, err := h.Trips.Submit(r.Context(), sess, mode, req.Distance)
	var persistErr *generic.PersistFailedError
	switch {
	case errors.As(err, &persistErr) && sub != nil:
		resp := toSubmissionResponse(sub, persistErr.Receipt.Amount, sess.View())
		resp.Warning = "Tokens were minted but the trip could not be saved. It will not appear in your history."
		writeJSON(w, http.StatusAccepted, resp)
		return
	case err != nil:
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSubmissionResponse(sub, sub.Trip.TokensEarned, sess.View()))
}

// ListTrips returns the connected account's trips, newest first.
func (h *Handler) ListTrips(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())

	list, err := h.Store.ListTripsByAccount(r.Context(), sess.Account.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list trips", err, "")
		return
	}
	dtos := make([]TripDTO, len(list))
	for i, t := range list {
		dtos[i] = toTripDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// REWARD HANDLERS
// =============================================================================

// ListRewards returns the catalog. With a valid token each entry also
// says whether the cached balance covers it.
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	var balance *int64
	if raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")); raw != "" {
		if addr, err := h.Auth.ParseToken(raw); err == nil {
			if sess, ok := h.Sessions.Get(addr); ok {
				b := sess.Balance()
				balance = &b
			}
		}
	}

	dtos := make([]RewardDTO, len(rewards.Catalog))
	for i, e := range rewards.Catalog {
		dtos[i] = toRewardDTO(e)
		if balance != nil {
			ok := *balance >= e.Cost
			dtos[i].Affordable = &ok
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RedeemReward runs the redemption flow for catalog entry {id}.
func (h *Handler) RedeemReward(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())

	entry, err := rewards.LookupReward(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Reward not found", nil, "")
		return
	}

	red, err := h.Redemptions.Redeem(r.Context(), sess, entry)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RedeemResponse{
		Redemption: toRedemptionDTO(red),
		Balance:    toBalanceDTO(sess.View()),
	})
}

// ListRedemptions returns the connected account's coupons, newest first.
func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())

	list, err := h.Store.ListRedemptionsByAccount(r.Context(), sess.Account.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list redemptions", err, "")
		return
	}
	dtos := make([]RedemptionDTO, len(list))
	for i, red := range list {
		dtos[i] = toRedemptionDTO(red)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports whether the store answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unavailable", err, "UNHEALTHY")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error, code string) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var mf *generic.MintFailedError
	switch {
	case errors.Is(err, generic.ErrUnknownMode):
		writeError(w, http.StatusBadRequest, "Unknown travel mode", err, "UNKNOWN_MODE")
	case errors.Is(err, generic.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "Invalid input", err, "INVALID_INPUT")
	case errors.Is(err, generic.ErrInsufficientBalance):
		writeError(w, http.StatusBadRequest, "Insufficient balance", err, "INSUFFICIENT_BALANCE")
	case errors.Is(err, generic.ErrNotConnected):
		writeError(w, http.StatusUnauthorized, "Wallet not connected", err, "NOT_CONNECTED")
	case errors.Is(err, generic.ErrAlreadyInProgress):
		writeError(w, http.StatusConflict, "A trip submission is already in progress", err, "ALREADY_IN_PROGRESS")
	case errors.Is(err, generic.ErrRedemptionInProgress):
		writeError(w, http.StatusConflict, "A redemption is already in progress", err, "REDEMPTION_IN_PROGRESS")
	case errors.Is(err, generic.ErrNetworkMismatch):
		writeError(w, http.StatusBadGateway, "Ledger is on the wrong network", err, "NETWORK_MISMATCH")
	case errors.As(err, &mf) && mf.Pending:
		writeError(w, http.StatusBadGateway, "Mint not confirmed yet; do not resubmit", err, "MINT_PENDING")
	case errors.Is(err, generic.ErrMintFailed):
		writeError(w, http.StatusBadGateway, "Mint failed; nothing was recorded", err, "MINT_FAILED")
	case generic.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err, "")
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err, "")
	}
}
