/*
ledger.go - Token ledger contract

PURPOSE:
  The Ledger is the external authority for token balances. In production
  it is an ERC-20 contract; in development it is an in-process simulation.
  The engine never computes a balance itself: it mints, then reads.

CRITICAL INVARIANTS:
  1. MINT IS IRREVERSIBLE: There is no burn or unmint in this contract.
  2. READ AFTER WRITE: Displayed balances come from BalanceOf, never from
     adding the requested mint amount locally.
  3. UNITS: Amounts are whole reward tokens. Decimal scaling is the
     ledger implementation's concern.

OPTIONAL CAPABILITIES:
  NetworkGuard lets a ledger check that it is connected to the right
  network before a mint. Flows probe for it with a type assertion.

SEE ALSO:
  - chain/erc20.go: go-ethereum implementation
  - chain/simulated.go: In-process implementation
  - trips/submission.go: The only caller of Mint
*/
package generic

import "context"

// MintReceipt is the ledger's confirmation of a mint.
type MintReceipt struct {
	TxHash string
	Amount int64
}

// Ledger is the token balance authority.
type Ledger interface {
	// Mint increases the balance of to by amount. It blocks until the
	// ledger confirms or rejects the mint, or ctx is done.
	Mint(ctx context.Context, to Address, amount int64) (MintReceipt, error)

	// BalanceOf returns the authoritative balance of owner.
	BalanceOf(ctx context.Context, owner Address) (int64, error)
}

// NetworkGuard is implemented by ledgers that live on a specific network.
type NetworkGuard interface {
	// EnsureNetwork returns a *NetworkMismatchError when the ledger's
	// connection is not on the target network.
	EnsureNetwork(ctx context.Context) error
}

// EnsureNetwork calls l.EnsureNetwork if l implements NetworkGuard.
func EnsureNetwork(ctx context.Context, l Ledger) error {
	if g, ok := l.(NetworkGuard); ok {
		return g.EnsureNetwork(ctx)
	}
	return nil
}
