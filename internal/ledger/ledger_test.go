package ledger

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

var (
	collection = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	alice      = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	bob        = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
)

func key(id int64) domain.AssetKey {
	return domain.NewAssetKey(collection, big.NewInt(id))
}

func TestRegistryPutGetRemove(t *testing.T) {
	ctx := context.Background()
	l := New()

	tx, err := l.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Listings().Put(ctx, key(0), alice, big.NewInt(100)))

	got, err := tx.Listings().Get(ctx, key(0))
	require.NoError(t, err)
	assert.Equal(t, alice, got.Seller)
	assert.Equal(t, "100", got.Price.String())

	require.NoError(t, tx.Listings().Put(ctx, key(0), alice, big.NewInt(250)))
	require.NoError(t, tx.Listings().Remove(ctx, key(0)))
	require.NoError(t, tx.Commit(ctx))

	got, err = l.Listing(ctx, key(0))
	require.NoError(t, err)
	assert.Equal(t, domain.NoListing, got)
	assert.False(t, got.Active())
	assert.Equal(t, 0, l.Len())
}

func TestRegistryRejectsZeroPrice(t *testing.T) {
	ctx := context.Background()
	tx, err := New().Begin(ctx)
	require.NoError(t, err)

	err = tx.Listings().Put(ctx, key(1), alice, big.NewInt(0))
	assert.ErrorIs(t, err, domain.ErrPriceMustBeAboveZero)
	err = tx.Listings().Put(ctx, key(1), alice, nil)
	assert.ErrorIs(t, err, domain.ErrPriceMustBeAboveZero)
}

func TestProceedsCreditTakeAll(t *testing.T) {
	ctx := context.Background()
	l := New()

	tx, err := l.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Proceeds().Credit(ctx, alice, big.NewInt(40)))
	require.NoError(t, tx.Proceeds().Credit(ctx, alice, big.NewInt(2)))

	taken, err := tx.Proceeds().TakeAll(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "42", taken.String())

	again, err := tx.Proceeds().TakeAll(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, again.Sign())
	require.NoError(t, tx.Commit(ctx))

	bal, err := l.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, bal.Sign())
}

func TestProceedsOverflow(t *testing.T) {
	ctx := context.Background()
	l := New()

	tx, err := l.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Proceeds().Credit(ctx, bob, domain.MaxAmount))

	err = tx.Proceeds().Credit(ctx, bob, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrOverflow)
	require.NoError(t, tx.Commit(ctx))

	bal, err := l.Balance(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Cmp(domain.MaxAmount))
}

func TestRollbackRestoresState(t *testing.T) {
	ctx := context.Background()
	l := New()

	seed, err := l.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, seed.Listings().Put(ctx, key(7), alice, big.NewInt(10)))
	require.NoError(t, seed.Proceeds().Credit(ctx, alice, big.NewInt(5)))
	require.NoError(t, seed.Commit(ctx))

	tx, err := l.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Listings().Remove(ctx, key(7)))
	require.NoError(t, tx.Listings().Put(ctx, key(8), bob, big.NewInt(3)))
	require.NoError(t, tx.Proceeds().Credit(ctx, alice, big.NewInt(10)))
	_, err = tx.Proceeds().TakeAll(ctx, alice)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	got, err := l.Listing(ctx, key(7))
	require.NoError(t, err)
	assert.Equal(t, alice, got.Seller)
	assert.Equal(t, "10", got.Price.String())

	got, err = l.Listing(ctx, key(8))
	require.NoError(t, err)
	assert.False(t, got.Active())

	bal, err := l.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "5", bal.String())
}

func TestNestedRollbackKeepsParentWrites(t *testing.T) {
	ctx := context.Background()
	l := New()

	outer, err := l.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, outer.Listings().Put(ctx, key(1), alice, big.NewInt(1)))

	inner, err := outer.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, inner.Listings().Put(ctx, key(2), bob, big.NewInt(2)))
	require.NoError(t, inner.Proceeds().Credit(ctx, bob, big.NewInt(9)))
	require.NoError(t, inner.Rollback(ctx))

	require.NoError(t, outer.Commit(ctx))

	got, err := l.Listing(ctx, key(1))
	require.NoError(t, err)
	assert.True(t, got.Active())

	got, err = l.Listing(ctx, key(2))
	require.NoError(t, err)
	assert.False(t, got.Active())

	bal, err := l.Balance(ctx, bob)
	require.NoError(t, err)
	assert.Zero(t, bal.Sign())
}

func TestNestedCommitUndoneByParentRollback(t *testing.T) {
	ctx := context.Background()
	l := New()

	outer, err := l.Begin(ctx)
	require.NoError(t, err)
	inner, err := outer.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, inner.Proceeds().Credit(ctx, alice, big.NewInt(4)))
	require.NoError(t, inner.Commit(ctx))
	require.NoError(t, outer.Rollback(ctx))

	bal, err := l.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, bal.Sign())
}

func TestFinishedTxRejectsUse(t *testing.T) {
	ctx := context.Background()
	tx, err := New().Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	assert.Error(t, tx.Commit(ctx))
	assert.Error(t, tx.Rollback(ctx))
	_, err = tx.Listings().Get(ctx, key(0))
	assert.Error(t, err)
}

func TestUncommittedWritesInvisibleOutsideTx(t *testing.T) {
	ctx := context.Background()
	l := New()

	seed, err := l.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, seed.Listings().Put(ctx, key(1), alice, big.NewInt(10)))
	require.NoError(t, seed.Proceeds().Credit(ctx, alice, big.NewInt(5)))
	require.NoError(t, seed.Commit(ctx))

	tx, err := l.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Listings().Remove(ctx, key(1)))
	require.NoError(t, tx.Proceeds().Credit(ctx, alice, big.NewInt(10)))
	inner, err := tx.Begin(ctx)
	require.NoError(t, err)
	taken, err := inner.Proceeds().TakeAll(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "15", taken.String())
	require.NoError(t, inner.Commit(ctx))

	got, err := l.Listing(ctx, key(1))
	require.NoError(t, err)
	assert.True(t, got.Active())
	bal, err := l.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "5", bal.String())

	inTx, err := tx.Proceeds().Balance(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, inTx.Sign())

	require.NoError(t, tx.Commit(ctx))
	got, err = l.Listing(ctx, key(1))
	require.NoError(t, err)
	assert.False(t, got.Active())
	bal, err = l.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, bal.Sign())
}

func TestRemoveUnlistedKey(t *testing.T) {
	ctx := context.Background()
	tx, err := New().Begin(ctx)
	require.NoError(t, err)

	err = tx.Listings().Remove(ctx, key(4))
	assert.ErrorIs(t, err, domain.ErrNotListed)

	require.NoError(t, tx.Listings().Put(ctx, key(4), bob, big.NewInt(1)))
	require.NoError(t, tx.Listings().Remove(ctx, key(4)))
	assert.ErrorIs(t, tx.Listings().Remove(ctx, key(4)), domain.ErrNotListed)
}
