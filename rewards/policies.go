/*
policies.go - Trip reward policy

PURPOSE:
  Converts a logged trip into a token amount. This is a pure function:
  same input, same output, no side effects, no I/O.

FORMULA:
  tokens(mode, distance) = floor(rate(mode) * distance)

RATE TABLE:
  walking           1.0 token / km
  cycling           0.5 token / km
  public_transport  0.2 token / km

PRECISION:
  The product is computed with shopspring/decimal on the caller's
  distance exactly as given. 0.2 * 10 is 2, not 1.9999999999999998.
  Nothing is rounded before the floor.

EXAMPLES:
  walking, 10           -> 10
  cycling, 10           -> 5
  cycling, 3            -> 1   (floor 1.5)
  public_transport, 10  -> 2
  public_transport, 1   -> 0   (zero-value trips are free to log)

SEE ALSO:
  - trips/submission.go: Calls Tokens before minting
*/
package rewards

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"github.com/warp/commute-rewards/generic"
)

// =============================================================================
// RATE TABLE
// =============================================================================

// DefaultRates is the fixed per-kilometre rate table.
var DefaultRates = map[generic.Mode]decimal.Decimal{
	generic.ModeWalking:         decimal.NewFromInt(1),
	generic.ModeCycling:         decimal.RequireFromString("0.5"),
	generic.ModePublicTransport: decimal.RequireFromString("0.2"),
}

var maxTokens = decimal.NewFromInt(math.MaxInt64)

// =============================================================================
// REWARD POLICY
// =============================================================================

// RewardPolicy computes trip rewards from a rate table.
type RewardPolicy struct {
	Rates map[generic.Mode]decimal.Decimal
}

// DefaultPolicy returns the policy backed by DefaultRates.
func DefaultPolicy() RewardPolicy {
	return RewardPolicy{Rates: DefaultRates}
}

// Rate returns the per-kilometre rate for mode.
func (p RewardPolicy) Rate(mode generic.Mode) (decimal.Decimal, error) {
	rate, ok := p.Rates[mode]
	if !ok {
		return decimal.Zero, &generic.UnknownModeError{Mode: mode}
	}
	return rate, nil
}

// Tokens returns floor(rate(mode) * distance).
//
// Errors:
//   - *generic.UnknownModeError for a mode without a rate
//   - *generic.InvalidInputError for a distance that is not a positive,
//     finite number, or one whose reward does not fit in an int64
func (p RewardPolicy) Tokens(mode generic.Mode, distance float64) (int64, error) {
	rate, err := p.Rate(mode)
	if err != nil {
		return 0, err
	}
	if err := ValidateDistance(distance); err != nil {
		return 0, err
	}

	product := rate.Mul(decimal.NewFromFloat(distance)).Floor()
	if product.GreaterThan(maxTokens) {
		return 0, &generic.InvalidInputError{Field: "distance", Reason: "reward exceeds token range"}
	}
	return product.IntPart(), nil
}

// ValidateDistance rejects zero, negative, NaN and infinite distances.
func ValidateDistance(distance float64) error {
	if math.IsNaN(distance) || math.IsInf(distance, 0) || distance <= 0 {
		return &generic.InvalidInputError{
			Field:  "distance",
			Reason: fmt.Sprintf("must be a positive number of kilometres, got %v", distance),
		}
	}
	return nil
}
