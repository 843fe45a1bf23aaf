/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers and services, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/commute-rewards/generic"
	"github.com/warp/commute-rewards/rewards"
	"github.com/warp/commute-rewards/trips"
)

// =============================================================================
// SESSION
// =============================================================================

// ChallengeDTO is the message a wallet must sign to log in.
type ChallengeDTO struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Nonce     string `json:"nonce"`
	ExpiresAt string `json:"expires_at"`
}

// LoginRequest carries a signed challenge.
type LoginRequest struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// LoginResponse is returned after a successful wallet login.
type LoginResponse struct {
	Token     string     `json:"token"`
	ExpiresAt string     `json:"expires_at"`
	Account   AccountDTO `json:"account"`
	Balance   BalanceDTO `json:"balance"`
}

// =============================================================================
// ACCOUNT / BALANCE
// =============================================================================

type AccountDTO struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	CreatedAt string `json:"created_at,omitempty"`
}

// BalanceDTO is the session's spendable token balance.
//
// LedgerBalance is the last on-chain read; Redeemed is what has been spent
// off-chain. Balance = LedgerBalance - Redeemed.
type BalanceDTO struct {
	Balance       int64  `json:"balance"`
	LedgerBalance int64  `json:"ledger_balance"`
	Redeemed      int64  `json:"redeemed"`
	Stale         bool   `json:"stale"`
	RefreshedAt   string `json:"refreshed_at,omitempty"`
}

// MeResponse is the connected account with its balance.
type MeResponse struct {
	Account AccountDTO `json:"account"`
	Balance BalanceDTO `json:"balance"`
}

// =============================================================================
// TRIPS
// =============================================================================

// ModeDTO is one row of the rate table.
type ModeDTO struct {
	Mode         string `json:"mode"`
	TokensPerKm  string `json:"tokens_per_km"`
	ExampleKm    int    `json:"example_km"`
	ExampleToken int64  `json:"example_tokens"`
}

// SubmitTripRequest logs a trip.
type SubmitTripRequest struct {
	Mode     string  `json:"mode"`
	Distance float64 `json:"distance"`
}

type TripDTO struct {
	ID           string  `json:"id"`
	Mode         string  `json:"mode"`
	Distance     float64 `json:"distance"`
	TokensEarned int64   `json:"tokens_earned"`
	TxHash       string  `json:"tx_hash,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// SubmissionResponse is the outcome of POST /api/trips.
//
// Warning is set when the tokens were minted but the trip could not be
// recorded; Trip is then omitted.
type SubmissionResponse struct {
	Trip    *TripDTO   `json:"trip,omitempty"`
	Tokens  int64      `json:"tokens"`
	Minted  bool       `json:"minted"`
	TxHash  string     `json:"tx_hash,omitempty"`
	Balance BalanceDTO `json:"balance"`
	Warning string     `json:"warning,omitempty"`
}

// =============================================================================
// REWARDS
// =============================================================================

type RewardDTO struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Cost        int64  `json:"cost"`
	Partner     string `json:"partner"`
	Affordable  *bool  `json:"affordable,omitempty"`
}

type RedemptionDTO struct {
	ID         string `json:"id"`
	RewardID   string `json:"reward_id"`
	Cost       int64  `json:"cost"`
	CouponCode string `json:"coupon_code"`
	CreatedAt  string `json:"created_at"`
}

// RedeemResponse is the outcome of POST /api/rewards/{id}/redeem.
type RedeemResponse struct {
	Redemption RedemptionDTO `json:"redemption"`
	Balance    BalanceDTO    `json:"balance"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAccountDTO(a generic.Account) AccountDTO {
	dto := AccountDTO{ID: string(a.ID), Address: string(a.Address)}
	if !a.CreatedAt.IsZero() {
		dto.CreatedAt = a.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toBalanceDTO(v generic.BalanceView) BalanceDTO {
	dto := BalanceDTO{
		Balance:       v.Balance,
		LedgerBalance: v.LedgerBalance,
		Redeemed:      v.Redeemed,
		Stale:         v.Stale,
	}
	if !v.RefreshedAt.IsZero() {
		dto.RefreshedAt = v.RefreshedAt.Format(time.RFC3339)
	}
	return dto
}

func toTripDTO(t generic.Trip) TripDTO {
	return TripDTO{
		ID:           string(t.ID),
		Mode:         string(t.Mode),
		Distance:     t.Distance,
		TokensEarned: t.TokensEarned,
		TxHash:       t.TxHash,
		CreatedAt:    t.CreatedAt.Format(time.RFC3339),
	}
}

func toSubmissionResponse(sub *trips.Submission, tokens int64, view generic.BalanceView) SubmissionResponse {
	resp := SubmissionResponse{
		Tokens:  tokens,
		Minted:  sub.Minted,
		TxHash:  sub.Receipt.TxHash,
		Balance: toBalanceDTO(view),
	}
	resp.Balance.Stale = resp.Balance.Stale || sub.BalanceStale
	if sub.Trip.ID != "" {
		dto := toTripDTO(sub.Trip)
		resp.Trip = &dto
	}
	return resp
}

func toRewardDTO(e rewards.CatalogEntry) RewardDTO {
	return RewardDTO{
		ID:          e.ID,
		Title:       e.Title,
		Description: e.Description,
		Cost:        e.Cost,
		Partner:     e.Partner,
	}
}

func toRedemptionDTO(r generic.Redemption) RedemptionDTO {
	return RedemptionDTO{
		ID:         string(r.ID),
		RewardID:   r.RewardID,
		Cost:       r.Cost,
		CouponCode: r.CouponCode,
		CreatedAt:  r.CreatedAt.Format(time.RFC3339),
	}
}
