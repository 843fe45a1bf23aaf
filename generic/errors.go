/*
errors.go - Centralized error types for the rewards engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Flows return these as values; nothing in the engine panics on a
  business failure. The HTTP layer maps them to status codes.

ERROR CATEGORIES:
  1. Input errors       - InvalidInput, UnknownMode (caller corrects and retries)
  2. Session errors     - NotConnected, AlreadyInProgress, RedemptionInProgress
  3. Ledger errors      - MintFailed, NetworkMismatch
  4. Persistence errors - PersistFailed (mint succeeded, record did not)
  5. Business rules     - InsufficientBalance

USAGE:
  Sentinels work with errors.Is, structured errors with errors.As:

    var mintErr *generic.MintFailedError
    if errors.As(err, &mintErr) && mintErr.Pending {
        // broadcast but unconfirmed: do not resubmit
    }

SEE ALSO:
  - trips/submission.go: Produces MintFailed and PersistFailed
  - rewards/redemption.go: Produces InsufficientBalance
  - api/handlers.go: Maps errors to HTTP status
*/
package generic

import (
	"errors"
	"fmt"
	"math/big"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is returned for a bad distance, address or mode.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownMode is returned by the reward policy for a mode without a rate.
	ErrUnknownMode = errors.New("unknown travel mode")

	// ErrNotConnected is returned when a flow is called without an
	// authenticated wallet session.
	ErrNotConnected = errors.New("wallet not connected")

	// ErrMintFailed is returned when the ledger rejected or never confirmed
	// a mint. No trip was recorded.
	ErrMintFailed = errors.New("mint failed")

	// ErrPersistFailed is returned when a mint succeeded but the trip record
	// could not be written. The tokens are real; the trip needs manual
	// reconciliation and must not be resubmitted.
	ErrPersistFailed = errors.New("trip not recorded after successful mint")

	// ErrAlreadyInProgress is returned when a trip submission for the same
	// account is still in flight.
	ErrAlreadyInProgress = errors.New("trip submission already in progress")

	// ErrRedemptionInProgress is returned when a redemption for the same
	// account is still in flight.
	ErrRedemptionInProgress = errors.New("redemption already in progress")

	// ErrInsufficientBalance is returned when a reward costs more than the
	// cached balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNetworkMismatch is returned when the ledger is not on the target network.
	ErrNetworkMismatch = errors.New("network mismatch")

	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrRewardNotFound is returned when a catalog entry doesn't exist.
	ErrRewardNotFound = errors.New("reward not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidInputError names the offending field.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Unwrap() error { return ErrInvalidInput }

// UnknownModeError is both an ErrUnknownMode and an ErrInvalidInput.
type UnknownModeError struct {
	Mode Mode
}

func (e *UnknownModeError) Error() string {
	return fmt.Sprintf("unknown travel mode %q", string(e.Mode))
}

func (e *UnknownModeError) Unwrap() []error { return []error{ErrUnknownMode, ErrInvalidInput} }

// MintFailedError wraps the ledger's cause.
//
// Pending is set when the transaction was broadcast (TxHash is known) but
// no receipt arrived before the deadline. The mint may still land, so the
// caller must not blindly retry.
type MintFailedError struct {
	Address Address
	Tokens  int64
	TxHash  string
	Pending bool
	Cause   error
}

func (e *MintFailedError) Error() string {
	if e.Pending {
		return fmt.Sprintf("mint of %d tokens to %s unconfirmed (tx %s): %v", e.Tokens, e.Address, e.TxHash, e.Cause)
	}
	return fmt.Sprintf("mint of %d tokens to %s failed: %v", e.Tokens, e.Address, e.Cause)
}

func (e *MintFailedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrMintFailed}
	}
	return []error{ErrMintFailed, e.Cause}
}

// PersistFailedError carries the receipt of the mint that did succeed.
type PersistFailedError struct {
	Receipt MintReceipt
	Cause   error
}

func (e *PersistFailedError) Error() string {
	return fmt.Sprintf("minted %d tokens (tx %s) but trip was not recorded: %v",
		e.Receipt.Amount, e.Receipt.TxHash, e.Cause)
}

func (e *PersistFailedError) Unwrap() []error { return []error{ErrPersistFailed, e.Cause} }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	Address   Address
	Available int64
	Cost      int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, cost %d, shortfall %d",
		e.Available, e.Cost, e.Cost-e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// NetworkMismatchError reports the chain the ledger is actually on.
type NetworkMismatchError struct {
	Want *big.Int
	Got  *big.Int
}

func (e *NetworkMismatchError) Error() string {
	return fmt.Sprintf("network mismatch: want chain %v, connected to %v", e.Want, e.Got)
}

func (e *NetworkMismatchError) Unwrap() error { return ErrNetworkMismatch }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the same call may succeed if simply repeated.
// A pending mint is excluded: repeating it could mint twice.
func IsRetryable(err error) bool {
	var mintErr *MintFailedError
	if errors.As(err, &mintErr) {
		return !mintErr.Pending
	}
	return errors.Is(err, ErrAlreadyInProgress) ||
		errors.Is(err, ErrRedemptionInProgress)
}

// IsClientError returns true if the error is due to invalid client input
// or a business rule the client can act on.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInsufficientBalance)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrRewardNotFound)
}
