package postgres

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

// recordingQuerier captures statements and answers every row lookup with
// no rows.
type recordingQuerier struct {
	sql  []string
	tags []string
}

func (q *recordingQuerier) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	q.sql = append(q.sql, sql)
	tag := "DELETE 1"
	if len(q.tags) > 0 {
		tag, q.tags = q.tags[0], q.tags[1:]
	}
	return pgconn.NewCommandTag(tag), nil
}

func (q *recordingQuerier) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	q.sql = append(q.sql, sql)
	return nil, pgx.ErrNoRows
}

func (q *recordingQuerier) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	q.sql = append(q.sql, sql)
	return noRow{}
}

type noRow struct{}

func (noRow) Scan(...any) error { return pgx.ErrNoRows }

var testKey = domain.NewAssetKey(common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"), big.NewInt(3))

func TestListingGetLocksRowInsideTx(t *testing.T) {
	q := &recordingQuerier{}
	got, err := listingTable{q: q}.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, domain.NoListing, got)
	require.Len(t, q.sql, 1)
	assert.True(t, strings.HasSuffix(q.sql[0], "FOR UPDATE"), q.sql[0])
}

func TestCommittedListingReadDoesNotLock(t *testing.T) {
	q := &recordingQuerier{}
	_, err := getListing(context.Background(), q, testKey, false)
	require.NoError(t, err)
	assert.NotContains(t, q.sql[0], "FOR UPDATE")
}

func TestRemoveMissingListing(t *testing.T) {
	q := &recordingQuerier{tags: []string{"DELETE 0"}}
	err := listingTable{q: q}.Remove(context.Background(), testKey)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotListed)
	assert.Equal(t, domain.ErrNotListed, domain.KindOf(err))

	q = &recordingQuerier{tags: []string{"DELETE 1"}}
	assert.NoError(t, listingTable{q: q}.Remove(context.Background(), testKey))
}

func TestClaimStoreRejectsSecondClaim(t *testing.T) {
	ctx := context.Background()
	q := &recordingQuerier{tags: []string{"INSERT 0 1", "INSERT 0 0"}}
	s := &ClaimStore{q: q}
	payer := common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")

	require.NoError(t, s.Claim(ctx, "0xabc", payer, big.NewInt(5)))
	err := s.Claim(ctx, "0xabc", payer, big.NewInt(5))
	assert.ErrorIs(t, err, domain.ErrPaymentUsed)
	assert.Contains(t, q.sql[0], "ON CONFLICT (tx_hash) DO NOTHING")
}
