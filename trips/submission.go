/*
Package trips implements trip submission: reward, mint, reconcile, record.

PURPOSE:
  A trip is the only way tokens enter the system. Submission turns a
  logged commute into an on-chain mint and a local trip record, in that
  order, with explicit outcomes for every step that can fail.

FLOW (strict order):
  1. Session must be connected                  -> ErrNotConnected
  2. Distance must be positive and finite       -> *InvalidInputError
  3. tokens = RewardPolicy(mode, distance)      -> *UnknownModeError
  4. Claim the session's submit flag            -> ErrAlreadyInProgress
  5. tokens > 0:
       a. Ledger on the target network          -> *NetworkMismatchError
       b. Mint(address, tokens) under timeout   -> *MintFailedError
       c. Re-read BalanceOf, replace the cache  (failure: BalanceStale)
     tokens == 0: no mint, no ledger contact
  6. CreateTrip                                 -> *PersistFailedError
                                                   (plain error when nothing was minted)

CRITICAL INVARIANTS:
  1. MINT BEFORE RECORD: A trip row exists only after its mint reported
     success. A failed mint writes nothing.
  2. NO LOCAL INCREMENT: The cached balance only ever changes through a
     fresh BalanceOf read. Submission never adds tokens to it.
  3. NO RE-MINT: A persist failure is returned with the mint receipt and
     is never retried here. Retrying would mint twice.
  4. FAIL FAST: A second Submit on the same session while one is in
     flight returns ErrAlreadyInProgress. The flag clears on every path.

HUNG MINTS:
  Mint runs under MintTimeout. When it expires after broadcast the error
  is *MintFailedError with Pending set and the tx hash: the transfer may
  still land, so callers must not resubmit blindly.

SEE ALSO:
  - rewards/policies.go: Token computation
  - chain/erc20.go: Ledger that broadcasts and waits for receipts
  - generic/session.go: Submit flag and balance cache
*/
package trips

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/commute-rewards/generic"
	"github.com/warp/commute-rewards/logging"
	"github.com/warp/commute-rewards/metrics"
	"github.com/warp/commute-rewards/rewards"
)

// DefaultMintTimeout bounds a mint when the service has no timeout set.
const DefaultMintTimeout = 2 * time.Minute

// =============================================================================
// SUBMISSION SERVICE
// =============================================================================

// Submission is the result of a submitted trip.
type Submission struct {
	Trip    generic.Trip
	Receipt generic.MintReceipt
	Minted  bool

	// Balance is the session balance after the flow. BalanceStale is set
	// when the post-mint ledger read failed and Balance is the old value.
	Balance      int64
	BalanceStale bool
}

// SubmissionService runs the trip submission flow.
type SubmissionService struct {
	Policy      rewards.RewardPolicy
	Ledger      generic.Ledger
	Store       generic.TripStore
	Metrics     *metrics.Metrics
	Logger      logging.Logger
	MintTimeout time.Duration
}

// Submit logs a trip for sess.
//
// On *generic.PersistFailedError the returned Submission is non-nil and
// carries the receipt and refreshed balance: the tokens were minted even
// though the trip was not recorded. A zero-token trip that cannot be
// recorded is an ordinary error with a nil Submission.
func (s *SubmissionService) Submit(ctx context.Context, sess *generic.Session, mode generic.Mode, distance float64) (*Submission, error) {
	if !sess.Connected() {
		s.Metrics.ObserveTrip(string(mode), metrics.OutcomeNotConnected)
		return nil, generic.ErrNotConnected
	}
	if err := rewards.ValidateDistance(distance); err != nil {
		s.Metrics.ObserveTrip(string(mode), metrics.OutcomeInvalid)
		return nil, err
	}
	tokens, err := s.Policy.Tokens(mode, distance)
	if err != nil {
		s.Metrics.ObserveTrip(string(mode), metrics.OutcomeInvalid)
		return nil, err
	}

	if !sess.TryBeginSubmit() {
		s.Metrics.ObserveTrip(string(mode), metrics.OutcomeInProgress)
		return nil, generic.ErrAlreadyInProgress
	}
	defer sess.EndSubmit()

	log := s.log().WithFields(logging.Fields{
		"address":  sess.Account.Address,
		"mode":     mode,
		"distance": distance,
		"tokens":   tokens,
	})

	sub := &Submission{}
	if tokens > 0 {
		receipt, err := s.mint(ctx, sess.Account.Address, tokens)
		if err != nil {
			s.Metrics.ObserveTrip(string(mode), outcomeFor(err))
			log.WithError(err).Warn("trip mint failed")
			return nil, err
		}
		sub.Receipt = receipt
		sub.Minted = true

		_, refreshErr := sess.Refresh(ctx, s.Ledger)
		s.Metrics.ObserveRefresh(refreshErr)
		if refreshErr != nil {
			sub.BalanceStale = true
			log.WithError(refreshErr).Warn("balance re-read after mint failed")
		}
	}
	view := sess.View()
	sub.Balance = view.Balance
	sub.BalanceStale = sub.BalanceStale || view.Stale

	trip, err := s.Store.CreateTrip(ctx, generic.NewTrip{
		AccountID: sess.Account.ID,
		Mode:      mode,
		Distance:  distance,
		Tokens:    tokens,
		TxHash:    sub.Receipt.TxHash,
	})
	if err != nil {
		s.Metrics.ObserveTrip(string(mode), metrics.OutcomePersistFailed)
		if !sub.Minted {
			log.WithError(err).Error("zero-token trip not recorded")
			return nil, fmt.Errorf("record trip: %w", err)
		}
		log.WithError(err).WithField("tx_hash", sub.Receipt.TxHash).Error("trip minted but not recorded")
		return sub, &generic.PersistFailedError{Receipt: sub.Receipt, Cause: err}
	}
	sub.Trip = trip

	s.Metrics.ObserveTrip(string(mode), metrics.OutcomeSuccess)
	log.WithFields(logging.Fields{"trip_id": trip.ID, "tx_hash": sub.Receipt.TxHash, "balance": sub.Balance}).Info("trip recorded")
	return sub, nil
}

// mint checks the network and mints under the service timeout. Every
// failure comes back as *MintFailedError except a network mismatch.
func (s *SubmissionService) mint(ctx context.Context, to generic.Address, tokens int64) (generic.MintReceipt, error) {
	if err := generic.EnsureNetwork(ctx, s.Ledger); err != nil {
		if errors.Is(err, generic.ErrNetworkMismatch) {
			return generic.MintReceipt{}, err
		}
		return generic.MintReceipt{}, &generic.MintFailedError{Address: to, Tokens: tokens, Cause: err}
	}

	timeout := s.MintTimeout
	if timeout <= 0 {
		timeout = DefaultMintTimeout
	}
	mintCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	receipt, err := s.Ledger.Mint(mintCtx, to, tokens)
	s.Metrics.ObserveMint(tokens, time.Since(start), err == nil)
	if err == nil {
		return receipt, nil
	}

	var mf *generic.MintFailedError
	if errors.As(err, &mf) {
		return receipt, mf
	}
	return receipt, &generic.MintFailedError{
		Address: to,
		Tokens:  tokens,
		TxHash:  receipt.TxHash,
		Pending: receipt.TxHash != "" && errors.Is(err, context.DeadlineExceeded),
		Cause:   err,
	}
}

func outcomeFor(err error) string {
	var mf *generic.MintFailedError
	switch {
	case errors.As(err, &mf) && mf.Pending:
		return metrics.OutcomeMintPending
	case errors.Is(err, generic.ErrNetworkMismatch):
		return metrics.OutcomeNetwork
	case errors.Is(err, generic.ErrMintFailed):
		return metrics.OutcomeMintFailed
	default:
		return metrics.OutcomeError
	}
}

func (s *SubmissionService) log() logging.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.StandardLogger()
}
