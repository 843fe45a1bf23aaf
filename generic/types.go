/*
Package generic provides the core types shared by the commute rewards engine.

PURPOSE:
  This package contains the domain-neutral building blocks that the trip
  submission and redemption flows are assembled from: account identity,
  trip and redemption records, the ledger and store contracts, and the
  per-account session that caches balance state.

KEY CONCEPTS IN THIS FILE (types.go):
  - Address: A normalized (lower-case) EVM wallet address
  - Account: A user, identified solely by its Address
  - Mode: How a trip was made (walking, cycling, public transport)
  - Trip: An immutable record of a logged commute and its minted reward
  - Redemption: An immutable record of an off-chain reward fulfillment

DESIGN PRINCIPLES:
  1. Immutability: Trips and redemptions are never modified once written
  2. Normalization: Addresses are lower-cased before comparison or storage
  3. Type Safety: Strong typing for IDs prevents mixing account/trip IDs
  4. Ground truth: Token balances live on the ledger, never in this package

USAGE:
  addr, err := generic.NormalizeAddress("0xAbC...")
  trip := generic.NewTrip{
      AccountID: account.ID,
      Mode:      generic.ModeCycling,
      Distance:  12.5,
      Tokens:    6,
  }

SEE ALSO:
  - errors.go: Error taxonomy
  - ledger.go: Token ledger contract
  - session.go: Per-account balance cache and in-flight guards
  - store.go: Persistence contracts
*/
package generic

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TripID string
type RedemptionID string

// Address is a wallet address in canonical lower-case 0x form.
// Only NormalizeAddress should construct one from user input.
type Address string

// NormalizeAddress validates a hex wallet address and lower-cases it.
// Address equality across the system is case-insensitive because every
// stored or compared address passes through here first.
func NormalizeAddress(raw string) (Address, error) {
	s := strings.TrimSpace(raw)
	if !common.IsHexAddress(s) {
		return "", &InvalidInputError{Field: "address", Reason: fmt.Sprintf("%q is not a hex wallet address", raw)}
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return Address(strings.ToLower("0x" + s[2:])), nil
}

func (a Address) String() string { return string(a) }

// Hex returns the go-ethereum representation of the address.
func (a Address) Hex() common.Address { return common.HexToAddress(string(a)) }

// =============================================================================
// ACCOUNT
// =============================================================================

// Account is created implicitly the first time a wallet connects.
type Account struct {
	ID        AccountID
	Address   Address
	CreatedAt time.Time
}

// =============================================================================
// MODE - How a trip was made
// =============================================================================

type Mode string

const (
	ModeWalking         Mode = "walking"
	ModeCycling         Mode = "cycling"
	ModePublicTransport Mode = "public_transport"
)

// AllModes lists the modes in display order.
var AllModes = []Mode{ModeWalking, ModeCycling, ModePublicTransport}

// ParseMode maps user input to a Mode. It accepts the canonical values
// as well as display spellings ("Walking", "PublicTransport",
// "public transport"). Unrecognized input is returned as-is so the
// reward policy can reject it with UnknownModeError.
func ParseMode(raw string) Mode {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(key)
	switch key {
	case "walking", "walk":
		return ModeWalking
	case "cycling", "cycle", "bike", "bicycle":
		return ModeCycling
	case "publictransport", "transit", "public":
		return ModePublicTransport
	}
	return Mode(strings.TrimSpace(raw))
}

// =============================================================================
// TRIP - Logged commute with an already-minted reward
// =============================================================================

type Trip struct {
	ID           TripID
	AccountID    AccountID
	Mode         Mode
	Distance     float64 // kilometres
	TokensEarned int64
	TxHash       string // empty when no mint was needed
	CreatedAt    time.Time
}

// NewTrip is the input to TripStore.CreateTrip.
type NewTrip struct {
	AccountID AccountID
	Mode      Mode
	Distance  float64
	Tokens    int64
	TxHash    string
}

// =============================================================================
// REDEMPTION - Off-chain fulfillment of a catalog reward
// =============================================================================

type Redemption struct {
	ID         RedemptionID
	AccountID  AccountID
	RewardID   string
	Cost       int64
	CouponCode string
	CreatedAt  time.Time
}

// NewRedemption is the input to RedemptionStore.CreateRedemption.
type NewRedemption struct {
	AccountID  AccountID
	RewardID   string
	Cost       int64
	CouponCode string
}
