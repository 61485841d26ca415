// Package collection keeps non-fungible asset collections in process. Each
// collection tracks ownership, per-asset approvals and operator approvals,
// and notifies registered receivers when an asset arrives. The Registry
// answers ownership queries for the marketplace when no chain is attached.
package collection

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
	"github.com/alanyoungcy/nftmarketplace/internal/txn"
)

// DefaultTokenURI is the metadata every BasicNFT token points at.
const DefaultTokenURI = "ipfs://bafybeig37ioir76s7mg5oobetncojcm3c3hxasyd4rvid4jqhy4gkaheg4/?filename=0-PUG.json"

var (
	ErrNotAuthorized  = errors.New("caller is not owner nor approved")
	ErrZeroRecipient  = errors.New("transfer to the zero address")
	ErrWrongFrom      = errors.New("transfer from incorrect owner")
	ErrSelfApproval   = errors.New("approval to current owner")
	ErrReceiverReject = errors.New("receiver rejected asset")
)

// Receiver is implemented by accounts that run code when they receive an
// asset. The hook runs after ownership has moved; returning an error reverts
// the transfer. The hook may call back into the marketplace with ctx.
type Receiver interface {
	OnAssetReceived(ctx context.Context, operator, from common.Address, key domain.AssetKey) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, operator, from common.Address, key domain.AssetKey) error

func (f ReceiverFunc) OnAssetReceived(ctx context.Context, operator, from common.Address, key domain.AssetKey) error {
	return f(ctx, operator, from, key)
}

// Collection is one ERC-721 style collection.
type Collection struct {
	Address common.Address
	Name    string
	Symbol  string

	mu        sync.Mutex
	counter   *big.Int
	tokenURI  string
	owners    map[string]common.Address
	approvals map[string]common.Address
	operators map[common.Address]map[common.Address]bool
}

func newCollection(addr common.Address, name, symbol, uri string) *Collection {
	return &Collection{
		Address:   addr,
		Name:      name,
		Symbol:    symbol,
		counter:   new(big.Int),
		tokenURI:  uri,
		owners:    make(map[string]common.Address),
		approvals: make(map[string]common.Address),
		operators: make(map[common.Address]map[common.Address]bool),
	}
}

func (c *Collection) key(id *big.Int) domain.AssetKey {
	return domain.NewAssetKey(c.Address, id)
}

// Mint creates the next token for to and returns its id. Ids start at zero.
func (c *Collection) Mint(ctx context.Context, to common.Address) (*big.Int, error) {
	if to == (common.Address{}) {
		return nil, fmt.Errorf("collection: mint: %w", ErrZeroRecipient)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	id := new(big.Int).Set(c.counter)
	k := id.String()
	c.owners[k] = to
	c.counter.Add(c.counter, big.NewInt(1))

	// Undo burns the token and gives its id back only if nothing was
	// minted after it.
	txn.OnRollback(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.owners, k)
		delete(c.approvals, k)
		if next := new(big.Int).Add(id, big.NewInt(1)); c.counter.Cmp(next) == 0 {
			c.counter.Set(id)
		}
	})
	return id, nil
}

// TokenCounter returns the number of tokens minted so far.
func (c *Collection) TokenCounter() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.counter)
}

// TokenURI returns the metadata URI of an existing token.
func (c *Collection) TokenURI(id *big.Int) (string, error) {
	if _, err := c.OwnerOf(id); err != nil {
		return "", err
	}
	return c.tokenURI, nil
}

// OwnerOf returns the owner of id, or domain.ErrUnknownAsset.
func (c *Collection) OwnerOf(id *big.Int) (common.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, ok := c.owners[id.String()]
	if !ok {
		return common.Address{}, fmt.Errorf("collection: owner of %s: %w", c.key(id), domain.ErrUnknownAsset)
	}
	return owner, nil
}

// Approve lets spender move id. Only the owner or one of its operators may
// approve.
func (c *Collection) Approve(ctx context.Context, caller, spender common.Address, id *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := id.String()
	owner, ok := c.owners[k]
	if !ok {
		return fmt.Errorf("collection: approve %s: %w", c.key(id), domain.ErrUnknownAsset)
	}
	if spender == owner {
		return fmt.Errorf("collection: approve %s: %w", c.key(id), ErrSelfApproval)
	}
	if caller != owner && !c.operators[owner][caller] {
		return fmt.Errorf("collection: approve %s: %w", c.key(id), ErrNotAuthorized)
	}
	c.setApproval(ctx, k, spender)
	return nil
}

// GetApproved returns the address approved for id, or the zero address.
func (c *Collection) GetApproved(id *big.Int) (common.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.owners[id.String()]; !ok {
		return common.Address{}, fmt.Errorf("collection: get approved %s: %w", c.key(id), domain.ErrUnknownAsset)
	}
	return c.approvals[id.String()], nil
}

// SetApprovalForAll grants or revokes operator rights over all of owner's
// tokens.
func (c *Collection) SetApprovalForAll(ctx context.Context, owner, operator common.Address, approved bool) error {
	if owner == operator {
		return fmt.Errorf("collection: set approval for all: %w", ErrSelfApproval)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.operators[owner][operator]
	c.setOperator(owner, operator, approved)
	txn.OnRollback(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.operators[owner][operator] == approved {
			c.setOperator(owner, operator, prev)
		}
	})
	return nil
}

// IsApprovedForAll reports whether operator may move all of owner's tokens.
func (c *Collection) IsApprovedForAll(owner, operator common.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.operators[owner][operator]
}

func (c *Collection) setOperator(owner, operator common.Address, approved bool) {
	ops, ok := c.operators[owner]
	if !ok {
		ops = make(map[common.Address]bool)
		c.operators[owner] = ops
	}
	if approved {
		ops[operator] = true
	} else {
		delete(ops, operator)
	}
}

// setApproval records spender for token k. Called with c.mu held. Undo
// only reverts an approval nobody has changed since.
func (c *Collection) setApproval(ctx context.Context, k string, spender common.Address) {
	prev, had := c.approvals[k]
	if spender == (common.Address{}) {
		delete(c.approvals, k)
	} else {
		c.approvals[k] = spender
	}
	txn.OnRollback(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.approvals[k] != spender {
			return
		}
		if had {
			c.approvals[k] = prev
		} else {
			delete(c.approvals, k)
		}
	})
}

// move changes ownership of id from from to to on behalf of operator and
// clears its approval. It returns a function that moves the token back if
// to still owns it, and restores the cleared approval if the token is back
// with its owner and no approval was set since. Running it twice is
// harmless.
func (c *Collection) move(ctx context.Context, operator, from, to common.Address, id *big.Int) (func(), error) {
	if to == (common.Address{}) {
		return nil, ErrZeroRecipient
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	k := id.String()
	owner, ok := c.owners[k]
	if !ok {
		return nil, domain.ErrUnknownAsset
	}
	if owner != from {
		return nil, ErrWrongFrom
	}
	if operator != owner && c.approvals[k] != operator && !c.operators[owner][operator] {
		return nil, ErrNotAuthorized
	}

	prevApproval, hadApproval := c.approvals[k]
	c.owners[k] = to
	delete(c.approvals, k)

	restore := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.owners[k] == to {
			c.owners[k] = owner
		}
		if c.owners[k] != owner || !hadApproval {
			return
		}
		if _, set := c.approvals[k]; !set {
			c.approvals[k] = prevApproval
		}
	}
	txn.OnRollback(ctx, restore)
	return restore, nil
}
