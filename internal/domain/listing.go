package domain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// MaxAmount is the largest representable amount or asset id (2^256 - 1).
var MaxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// AssetKey identifies one non-fungible asset: the collection contract
// address plus the asset id within it.
type AssetKey struct {
	Collection common.Address `json:"collection"`
	AssetID    *big.Int       `json:"asset_id"`
}

// NewAssetKey builds an AssetKey, copying the id.
func NewAssetKey(collection common.Address, assetID *big.Int) AssetKey {
	k := AssetKey{Collection: collection}
	if assetID != nil {
		k.AssetID = new(big.Int).Set(assetID)
	}
	return k
}

// ParseAssetKey parses a collection address and a decimal asset id.
func ParseAssetKey(collection, assetID string) (AssetKey, error) {
	if !common.IsHexAddress(collection) {
		return AssetKey{}, fmt.Errorf("invalid collection address %q", collection)
	}
	id, err := ParseAmount(assetID)
	if err != nil {
		return AssetKey{}, fmt.Errorf("invalid asset id: %w", err)
	}
	return AssetKey{Collection: common.HexToAddress(collection), AssetID: id}, nil
}

// ID returns the asset id, treating nil as zero.
func (k AssetKey) ID() *big.Int {
	if k.AssetID == nil {
		return new(big.Int)
	}
	return k.AssetID
}

// String renders the key as "0xCollection:id". It is also the map key used
// by in-memory tables.
func (k AssetKey) String() string {
	return strings.ToLower(k.Collection.Hex()) + ":" + k.ID().String()
}

// Clone returns a deep copy.
func (k AssetKey) Clone() AssetKey {
	return NewAssetKey(k.Collection, k.ID())
}

// Listing is an active (seller, price) record for one asset key.
//
// The absence of a listing is the NoListing sentinel: zero seller and a nil
// price. A zero price is never stored, so a tombstone cannot collide with a
// real record.
type Listing struct {
	Seller common.Address `json:"seller"`
	Price  *big.Int       `json:"price"`
}

// NoListing is returned for keys that are unlisted, bought, or cancelled.
var NoListing = Listing{}

// Active reports whether l is a present listing.
func (l Listing) Active() bool {
	return l.Price != nil && l.Price.Sign() > 0 && l.Seller != (common.Address{})
}

// Clone returns a deep copy.
func (l Listing) Clone() Listing {
	if l.Price == nil {
		return Listing{Seller: l.Seller}
	}
	return Listing{Seller: l.Seller, Price: new(big.Int).Set(l.Price)}
}

// ParseAmount parses a non-negative decimal integer that fits in 256 bits.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("not a decimal integer: %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount: %q", s)
	}
	if v.Cmp(MaxAmount) > 0 {
		return nil, ErrOverflow
	}
	return v, nil
}

// AddAmounts returns a+b, or ErrOverflow when the sum exceeds MaxAmount.
func AddAmounts(a, b *big.Int) (*big.Int, error) {
	sum := new(big.Int)
	if a != nil {
		sum.Set(a)
	}
	if b != nil {
		sum.Add(sum, b)
	}
	if sum.Cmp(MaxAmount) > 0 {
		return nil, ErrOverflow
	}
	return sum, nil
}
