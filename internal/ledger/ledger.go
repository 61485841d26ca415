// Package ledger is the in-memory marketplace ledger: the listing registry
// and the proceeds ledger held in two maps behind one Ledger. Transactions
// buffer their writes in per-frame overlays, so nothing a transaction does
// is visible outside it until the top-level transaction commits.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

var errTxDone = errors.New("ledger: transaction already finished")

// Ledger holds committed listings and proceeds in memory. It is safe for
// concurrent use; mutations happen only through transactions.
type Ledger struct {
	mu       sync.RWMutex
	listings map[string]domain.Listing
	proceeds map[common.Address]*big.Int
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{
		listings: make(map[string]domain.Listing),
		proceeds: make(map[common.Address]*big.Int),
	}
}

// Begin starts a top-level transaction.
func (l *Ledger) Begin(_ context.Context) (domain.LedgerTx, error) {
	return newTx(l, nil), nil
}

// Listing returns the committed listing for key, or domain.NoListing.
func (l *Ledger) Listing(_ context.Context, key domain.AssetKey) (domain.Listing, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.getListing(key.String()), nil
}

// Balance returns the seller's committed proceeds.
func (l *Ledger) Balance(_ context.Context, seller common.Address) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.getBalance(seller), nil
}

// Len returns the number of committed active listings.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.listings)
}

func (l *Ledger) getListing(k string) domain.Listing {
	lst, ok := l.listings[k]
	if !ok {
		return domain.NoListing
	}
	return lst.Clone()
}

func (l *Ledger) getBalance(seller common.Address) *big.Int {
	bal, ok := l.proceeds[seller]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(bal)
}

// apply writes a committed overlay into the maps. A NoListing entry or a
// zero balance deletes.
func (l *Ledger) apply(listings map[string]domain.Listing, proceeds map[common.Address]*big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, lst := range listings {
		if lst.Active() {
			l.listings[k] = lst
		} else {
			delete(l.listings, k)
		}
	}
	for seller, bal := range proceeds {
		if bal.Sign() == 0 {
			delete(l.proceeds, seller)
		} else {
			l.proceeds[seller] = bal
		}
	}
}

// tx is one frame of a ledger transaction. Its overlay holds the entries it
// wrote; reads fall through to the parent frame and then to the ledger.
type tx struct {
	ledger   *Ledger
	parent   *tx
	listings map[string]domain.Listing
	proceeds map[common.Address]*big.Int
	done     bool
}

func newTx(l *Ledger, parent *tx) *tx {
	return &tx{
		ledger:   l,
		parent:   parent,
		listings: make(map[string]domain.Listing),
		proceeds: make(map[common.Address]*big.Int),
	}
}

func (t *tx) Listings() domain.ListingRegistry { return registry{t} }
func (t *tx) Proceeds() domain.ProceedsLedger  { return proceeds{t} }

// Begin opens a nested transaction that can be rolled back on its own.
func (t *tx) Begin(_ context.Context) (domain.LedgerTx, error) {
	if t.done {
		return nil, errTxDone
	}
	return newTx(t.ledger, t), nil
}

// Commit keeps the transaction's writes. A nested commit folds the overlay
// into the parent; the top-level commit applies it to the ledger.
func (t *tx) Commit(_ context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	if t.parent == nil {
		t.ledger.apply(t.listings, t.proceeds)
		return nil
	}
	for k, lst := range t.listings {
		t.parent.listings[k] = lst
	}
	for seller, bal := range t.proceeds {
		t.parent.proceeds[seller] = bal
	}
	return nil
}

// Rollback discards every write made since the transaction began.
func (t *tx) Rollback(_ context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.listings = nil
	t.proceeds = nil
	return nil
}

func (t *tx) listing(k string) domain.Listing {
	for f := t; f != nil; f = f.parent {
		if lst, ok := f.listings[k]; ok {
			return lst.Clone()
		}
	}
	t.ledger.mu.RLock()
	defer t.ledger.mu.RUnlock()
	return t.ledger.getListing(k)
}

func (t *tx) balance(seller common.Address) *big.Int {
	for f := t; f != nil; f = f.parent {
		if bal, ok := f.proceeds[seller]; ok {
			return new(big.Int).Set(bal)
		}
	}
	t.ledger.mu.RLock()
	defer t.ledger.mu.RUnlock()
	return t.ledger.getBalance(seller)
}

var (
	_ domain.Ledger   = (*Ledger)(nil)
	_ domain.LedgerTx = (*tx)(nil)
)
