/*
Package rewards provides the trip reward policy, the partner reward
catalog, and the redemption flow.

PURPOSE:
  Tokens are earned on-chain by logging trips and spent off-chain by
  redeeming partner offers. This package owns both ends of that loop
  except the mint itself, which lives in trips/.

CATALOG:
  The catalog is a fixed, in-memory list. It is never persisted and
  cannot be changed at runtime. Each entry has a positive token cost and
  a coupon prefix used when generating redemption codes.

  coffee            50   Green Bean Café
  transit-day-pass 100   Metro Transit
  bike-tune-up     150   Spoke & Chain Cycles
  plant-a-tree     200   Urban Forest Trust

EXAMPLE FLOW:
  1. Rider walks 10 km: 10 tokens minted (trips/)
  2. Rider cycles 90 km over the week: 45 more tokens
  3. Balance 55, rider redeems coffee (50)
  4. Coupon COFFEE-7QX2MA issued, balance 5

SEE ALSO:
  - policies.go: Rate table and token computation
  - redemption.go: Atomic check-and-debit and coupon codes
*/
package rewards

import (
	"github.com/warp/commute-rewards/generic"
)

// =============================================================================
// REWARDS CATALOG
// =============================================================================

// CatalogEntry is something that can be redeemed with tokens.
type CatalogEntry struct {
	ID           string
	Title        string
	Description  string
	Cost         int64
	Partner      string
	CouponPrefix string
}

// Catalog is the static reward list, cheapest first.
var Catalog = []CatalogEntry{
	{
		ID:           "coffee",
		Title:        "Free Coffee",
		Description:  "One regular coffee at any participating café.",
		Cost:         50,
		Partner:      "Green Bean Café",
		CouponPrefix: "COFFEE-",
	},
	{
		ID:           "transit-day-pass",
		Title:        "Transit Day Pass",
		Description:  "Unlimited bus and tram rides for one day.",
		Cost:         100,
		Partner:      "Metro Transit",
		CouponPrefix: "TRANSIT-",
	},
	{
		ID:           "bike-tune-up",
		Title:        "Bike Tune-Up",
		Description:  "Safety check, brake and gear adjustment.",
		Cost:         150,
		Partner:      "Spoke & Chain Cycles",
		CouponPrefix: "BIKE-",
	},
	{
		ID:           "plant-a-tree",
		Title:        "Plant a Tree",
		Description:  "A native tree planted in your name.",
		Cost:         200,
		Partner:      "Urban Forest Trust",
		CouponPrefix: "TREE-",
	},
}

// LookupReward finds a catalog entry by ID.
func LookupReward(id string) (CatalogEntry, error) {
	for _, e := range Catalog {
		if e.ID == id {
			return e, nil
		}
	}
	return CatalogEntry{}, generic.ErrRewardNotFound
}
