/*
redemption.go - Redeem catalog rewards against the cached balance

PURPOSE:
  Spends tokens on a catalog entry. Redemption never touches the ledger:
  the on-chain balance is a snapshot, and rewards are fulfilled off-chain
  by the partner presenting the coupon code.

FLOW:
  1. Session must be connected                    -> ErrNotConnected
  2. Claim the session's redeem flag              -> ErrRedemptionInProgress
  3. Debit cost (atomic check-and-deduct)         -> *InsufficientBalanceError
  4. Generate coupon code PREFIX + 6 of [A-Z0-9]
  5. Persist the redemption
     On failure the debit is credited back and the error returned.

CRITICAL INVARIANTS:
  1. NO OVERDRAW: Two redemptions can never both pass the balance check
     against the same pre-debit balance. Session.Debit holds the lock for
     the check and the deduction.
  2. FAIL FAST: A second redeem on the same session while one is in flight
     returns ErrRedemptionInProgress without waiting.
  3. FLAG ALWAYS CLEARED: The redeem flag is released on every exit path.

SEE ALSO:
  - generic/session.go: Debit, Credit, TryBeginRedeem
  - types.go: Catalog
*/
package rewards

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/warp/commute-rewards/generic"
	"github.com/warp/commute-rewards/logging"
	"github.com/warp/commute-rewards/metrics"
)

// =============================================================================
// COUPON CODES
// =============================================================================

const (
	couponAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	couponLength   = 6
)

// NewCouponCode returns prefix followed by 6 random uppercase
// alphanumeric characters. Codes are not checked for uniqueness.
func NewCouponCode(prefix string) (string, error) {
	buf := make([]byte, couponLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("coupon entropy: %w", err)
	}
	// 256 % 36 skews the first four symbols slightly; fine for coupons.
	for i, b := range buf {
		buf[i] = couponAlphabet[int(b)%len(couponAlphabet)]
	}
	return prefix + string(buf), nil
}

// =============================================================================
// REDEMPTION SERVICE
// =============================================================================

// RedemptionService debits sessions and records redemptions.
type RedemptionService struct {
	Store   generic.RedemptionStore
	Metrics *metrics.Metrics
	Logger  logging.Logger

	// NewCode generates coupon codes. Defaults to NewCouponCode.
	NewCode func(prefix string) (string, error)
}

// Redeem spends entry.Cost from sess and returns the stored redemption.
func (s *RedemptionService) Redeem(ctx context.Context, sess *generic.Session, entry CatalogEntry) (generic.Redemption, error) {
	if !sess.Connected() {
		s.Metrics.ObserveRedemption(entry.ID, metrics.OutcomeNotConnected)
		return generic.Redemption{}, generic.ErrNotConnected
	}
	if entry.Cost <= 0 {
		s.Metrics.ObserveRedemption(entry.ID, metrics.OutcomeInvalid)
		return generic.Redemption{}, &generic.InvalidInputError{Field: "reward", Reason: "cost must be positive"}
	}

	if !sess.TryBeginRedeem() {
		s.Metrics.ObserveRedemption(entry.ID, metrics.OutcomeInProgress)
		return generic.Redemption{}, generic.ErrRedemptionInProgress
	}
	defer sess.EndRedeem()

	log := s.log().WithFields(logging.Fields{
		"address": sess.Account.Address,
		"reward":  entry.ID,
		"cost":    entry.Cost,
	})

	remaining, err := sess.Debit(entry.Cost)
	if err != nil {
		s.Metrics.ObserveRedemption(entry.ID, metrics.OutcomeInsufficient)
		log.WithField("available", remaining).Info("redemption declined")
		return generic.Redemption{}, err
	}

	code, err := s.newCode(entry.CouponPrefix)
	if err != nil {
		sess.Credit(entry.Cost)
		s.Metrics.ObserveRedemption(entry.ID, metrics.OutcomeError)
		return generic.Redemption{}, err
	}

	r, err := s.Store.CreateRedemption(ctx, generic.NewRedemption{
		AccountID:  sess.Account.ID,
		RewardID:   entry.ID,
		Cost:       entry.Cost,
		CouponCode: code,
	})
	if err != nil {
		sess.Credit(entry.Cost)
		s.Metrics.ObserveRedemption(entry.ID, metrics.OutcomeError)
		log.WithError(err).Error("redemption not recorded, debit reversed")
		return generic.Redemption{}, fmt.Errorf("record redemption: %w", err)
	}

	s.Metrics.ObserveRedemption(entry.ID, metrics.OutcomeSuccess)
	log.WithFields(logging.Fields{"remaining": remaining, "coupon": code}).Info("reward redeemed")
	return r, nil
}

func (s *RedemptionService) newCode(prefix string) (string, error) {
	if s.NewCode != nil {
		return s.NewCode(prefix)
	}
	return NewCouponCode(prefix)
}

func (s *RedemptionService) log() logging.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.StandardLogger()
}
