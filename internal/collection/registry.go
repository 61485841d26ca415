package collection

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

// Registry holds every in-process collection and the receiver hooks of
// accounts that run code on receipt. It implements domain.OwnershipOracle
// with operator as the account performing transfers.
type Registry struct {
	operator common.Address

	mu          sync.RWMutex
	collections map[common.Address]*Collection
	receivers   map[common.Address]Receiver
	nonce       uint64
}

// NewRegistry creates an empty Registry whose oracle transfers are made by
// operator (the marketplace address).
func NewRegistry(operator common.Address) *Registry {
	return &Registry{
		operator:    operator,
		collections: make(map[common.Address]*Collection),
		receivers:   make(map[common.Address]Receiver),
	}
}

// Deploy creates a collection at an address derived from deployer and a
// registry-wide nonce, the way contract creation addresses are derived.
func (r *Registry) Deploy(deployer common.Address, name, symbol string) *Collection {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr := crypto.CreateAddress(deployer, r.nonce)
	r.nonce++
	c := newCollection(addr, name, symbol, DefaultTokenURI)
	r.collections[addr] = c
	return c
}

// DeployBasicNFT deploys the dev collection used by the mint-and-list flow.
func (r *Registry) DeployBasicNFT(deployer common.Address) *Collection {
	return r.Deploy(deployer, "Dogie", "DOG")
}

// Collection returns the collection at addr.
func (r *Registry) Collection(addr common.Address) (*Collection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collections[addr]
	if !ok {
		return nil, fmt.Errorf("collection: %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	return c, nil
}

// Collections returns all deployed collections.
func (r *Registry) Collections() []*Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Collection, 0, len(r.collections))
	for _, c := range r.collections {
		out = append(out, c)
	}
	return out
}

// SetReceiver registers the code run when account receives an asset. A nil
// receiver removes the hook.
func (r *Registry) SetReceiver(account common.Address, recv Receiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if recv == nil {
		delete(r.receivers, account)
		return
	}
	r.receivers[account] = recv
}

func (r *Registry) receiver(account common.Address) Receiver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.receivers[account]
}

// OwnerOf implements domain.OwnershipOracle.
func (r *Registry) OwnerOf(_ context.Context, key domain.AssetKey) (common.Address, error) {
	c, err := r.Collection(key.Collection)
	if err != nil {
		return common.Address{}, err
	}
	return c.OwnerOf(key.ID())
}

// IsApprovedForMarketplace implements domain.OwnershipOracle. The
// marketplace is approved when it holds the asset's single approval or is an
// operator for the asset's owner.
func (r *Registry) IsApprovedForMarketplace(_ context.Context, key domain.AssetKey, marketplace common.Address) (bool, error) {
	c, err := r.Collection(key.Collection)
	if err != nil {
		return false, err
	}
	approved, err := c.GetApproved(key.ID())
	if err != nil {
		return false, err
	}
	if approved == marketplace {
		return true, nil
	}
	owner, err := c.OwnerOf(key.ID())
	if err != nil {
		return false, err
	}
	return c.IsApprovedForAll(owner, marketplace), nil
}

// Transfer implements domain.OwnershipOracle as a safe transfer made by the
// registry's operator.
func (r *Registry) Transfer(ctx context.Context, key domain.AssetKey, from, to common.Address) error {
	return r.SafeTransferFrom(ctx, r.operator, from, to, key)
}

// SafeTransferFrom moves key from from to to on behalf of operator, then runs
// the recipient's receiver hook. The hook runs without any collection lock
// held so it may re-enter the marketplace. A hook error reverts the move.
func (r *Registry) SafeTransferFrom(ctx context.Context, operator, from, to common.Address, key domain.AssetKey) error {
	c, err := r.Collection(key.Collection)
	if err != nil {
		return err
	}
	restore, err := c.move(ctx, operator, from, to, key.ID())
	if err != nil {
		return fmt.Errorf("collection: transfer %s: %w", key, err)
	}

	recv := r.receiver(to)
	if recv == nil {
		return nil
	}
	if err := recv.OnAssetReceived(ctx, operator, from, key.Clone()); err != nil {
		restore()
		return fmt.Errorf("collection: transfer %s: %w: %w", key, ErrReceiverReject, err)
	}
	return nil
}

// Mint mints the next token of the collection at addr for to.
func (r *Registry) Mint(ctx context.Context, addr, to common.Address) (domain.AssetKey, error) {
	c, err := r.Collection(addr)
	if err != nil {
		return domain.AssetKey{}, err
	}
	id, err := c.Mint(ctx, to)
	if err != nil {
		return domain.AssetKey{}, err
	}
	return domain.NewAssetKey(addr, id), nil
}

// Approve approves spender for key on behalf of caller.
func (r *Registry) Approve(ctx context.Context, caller, spender common.Address, key domain.AssetKey) error {
	c, err := r.Collection(key.Collection)
	if err != nil {
		return err
	}
	return c.Approve(ctx, caller, spender, key.ID())
}

// TokenCount is a helper for callers that only hold the address.
func (r *Registry) TokenCount(addr common.Address) (*big.Int, error) {
	c, err := r.Collection(addr)
	if err != nil {
		return nil, err
	}
	return c.TokenCounter(), nil
}

var _ domain.OwnershipOracle = (*Registry)(nil)

// SetApprovalForAll sets or clears operator for all of owner's assets in
// the collection at addr.
func (r *Registry) SetApprovalForAll(ctx context.Context, addr, owner, operator common.Address, approved bool) error {
	c, err := r.Collection(addr)
	if err != nil {
		return err
	}
	return c.SetApprovalForAll(ctx, owner, operator, approved)
}
