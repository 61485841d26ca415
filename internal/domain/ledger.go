package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ListingRegistry maps asset keys to active listings. It performs no
// external calls.
type ListingRegistry interface {
	// Get returns the listing for key, or NoListing.
	Get(ctx context.Context, key AssetKey) (Listing, error)
	// Put stores (seller, price) for key, overwriting any prior entry. The
	// price must be positive.
	Put(ctx context.Context, key AssetKey, seller common.Address, price *big.Int) error
	// Remove tombstones key. It fails with ErrNotListed when key has no
	// active listing, so two operations can never both remove one listing.
	Remove(ctx context.Context, key AssetKey) error
}

// ProceedsLedger tracks each seller's withdrawable balance.
type ProceedsLedger interface {
	// Balance returns the seller's balance; unknown sellers have zero.
	Balance(ctx context.Context, seller common.Address) (*big.Int, error)
	// Credit adds amount to the seller's balance, failing with ErrOverflow
	// rather than wrapping.
	Credit(ctx context.Context, seller common.Address, amount *big.Int) error
	// TakeAll reads the balance, resets it to zero and returns what was read
	// as a single step.
	TakeAll(ctx context.Context, seller common.Address) (*big.Int, error)
}

// LedgerTx is one frame of a ledger transaction. Begin opens a nested frame
// whose Rollback undoes only what happened inside it; Rollback of an outer
// frame also undoes everything its committed children did.
type LedgerTx interface {
	Listings() ListingRegistry
	Proceeds() ProceedsLedger
	Begin(ctx context.Context) (LedgerTx, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Ledger is the marketplace state: listings plus proceeds. Listing and
// Balance read committed state outside any transaction.
type Ledger interface {
	Begin(ctx context.Context) (LedgerTx, error)
	Listing(ctx context.Context, key AssetKey) (Listing, error)
	Balance(ctx context.Context, seller common.Address) (*big.Int, error)
}
