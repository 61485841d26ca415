package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

// registry is the listing registry view of a transaction.
type registry struct{ t *tx }

func (r registry) Get(_ context.Context, key domain.AssetKey) (domain.Listing, error) {
	if r.t.done {
		return domain.Listing{}, errTxDone
	}
	return r.t.listing(key.String()), nil
}

func (r registry) Put(_ context.Context, key domain.AssetKey, seller common.Address, price *big.Int) error {
	if r.t.done {
		return errTxDone
	}
	if price == nil || price.Sign() <= 0 {
		return domain.NewMarketError("put", domain.ErrPriceMustBeAboveZero).WithKey(key).WithAmount(price)
	}
	r.t.listings[key.String()] = domain.Listing{Seller: seller, Price: new(big.Int).Set(price)}
	return nil
}

func (r registry) Remove(_ context.Context, key domain.AssetKey) error {
	if r.t.done {
		return errTxDone
	}
	k := key.String()
	if !r.t.listing(k).Active() {
		return domain.NewMarketError("remove", domain.ErrNotListed).WithKey(key)
	}
	r.t.listings[k] = domain.NoListing
	return nil
}
