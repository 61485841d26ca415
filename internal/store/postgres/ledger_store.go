package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

// Ledger implements domain.Ledger on the listings and proceeds tables.
// Nested transactions are savepoints of the top-level pgx transaction.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Begin starts a top-level transaction.
func (l *Ledger) Begin(ctx context.Context) (domain.LedgerTx, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin ledger tx: %w", err)
	}
	return &ledgerTx{tx: tx}, nil
}

// Listing reads the committed listing for key.
func (l *Ledger) Listing(ctx context.Context, key domain.AssetKey) (domain.Listing, error) {
	return getListing(ctx, l.pool, key, false)
}

// Balance reads the committed proceeds of seller.
func (l *Ledger) Balance(ctx context.Context, seller common.Address) (*big.Int, error) {
	return getBalance(ctx, l.pool, seller, false)
}

type ledgerTx struct {
	tx pgx.Tx
}

func (t *ledgerTx) Listings() domain.ListingRegistry { return listingTable{q: t.tx} }
func (t *ledgerTx) Proceeds() domain.ProceedsLedger  { return proceedsTable{q: t.tx} }

// Begin opens a savepoint.
func (t *ledgerTx) Begin(ctx context.Context) (domain.LedgerTx, error) {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: savepoint: %w", err)
	}
	return &ledgerTx{tx: sp}, nil
}

func (t *ledgerTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit ledger tx: %w", err)
	}
	return nil
}

func (t *ledgerTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("postgres: rollback ledger tx: %w", err)
	}
	return nil
}

// listingTable is the listing registry inside a transaction.
type listingTable struct{ q querier }

// Get locks the listing row for the rest of the transaction, so a second
// process that reaches the same row waits for this one to finish.
func (r listingTable) Get(ctx context.Context, key domain.AssetKey) (domain.Listing, error) {
	return getListing(ctx, r.q, key, true)
}

func (r listingTable) Put(ctx context.Context, key domain.AssetKey, seller common.Address, price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return domain.NewMarketError("put", domain.ErrPriceMustBeAboveZero).WithKey(key).WithAmount(price)
	}
	const query = `
		INSERT INTO listings (collection, asset_id, seller, price, updated_at)
		VALUES ($1, $2::text::numeric, $3, $4::text::numeric, NOW())
		ON CONFLICT (collection, asset_id) DO UPDATE SET
			seller     = EXCLUDED.seller,
			price      = EXCLUDED.price,
			updated_at = NOW()`
	_, err := r.q.Exec(ctx, query, addrText(key.Collection), key.ID().String(), addrText(seller), price.String())
	if err != nil {
		return fmt.Errorf("postgres: put listing %s: %w", key, err)
	}
	return nil
}

func (r listingTable) Remove(ctx context.Context, key domain.AssetKey) error {
	tag, err := r.q.Exec(ctx,
		`DELETE FROM listings WHERE collection = $1 AND asset_id = $2::text::numeric`,
		addrText(key.Collection), key.ID().String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: remove listing %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewMarketError("remove", domain.ErrNotListed).WithKey(key)
	}
	return nil
}

// proceedsTable is the proceeds ledger inside a transaction.
type proceedsTable struct{ q querier }

func (p proceedsTable) Balance(ctx context.Context, seller common.Address) (*big.Int, error) {
	return getBalance(ctx, p.q, seller, false)
}

// Credit locks the seller's row, checks the new balance fits in 256 bits
// and writes it.
func (p proceedsTable) Credit(ctx context.Context, seller common.Address, amount *big.Int) error {
	current, err := getBalance(ctx, p.q, seller, true)
	if err != nil {
		return err
	}
	sum, err := domain.AddAmounts(current, amount)
	if err != nil {
		return domain.NewMarketError("credit", domain.ErrOverflow).WithAccount(seller).WithAmount(amount)
	}
	if sum.Sign() == 0 {
		return nil
	}

	const query = `
		INSERT INTO proceeds (seller, balance, updated_at)
		VALUES ($1, $2::text::numeric, NOW())
		ON CONFLICT (seller) DO UPDATE SET
			balance    = EXCLUDED.balance,
			updated_at = NOW()`
	if _, err := p.q.Exec(ctx, query, addrText(seller), sum.String()); err != nil {
		return fmt.Errorf("postgres: credit %s: %w", seller.Hex(), err)
	}
	return nil
}

// TakeAll deletes the seller's row and returns the balance it held, in one
// statement.
func (p proceedsTable) TakeAll(ctx context.Context, seller common.Address) (*big.Int, error) {
	var bal string
	err := p.q.QueryRow(ctx,
		`DELETE FROM proceeds WHERE seller = $1 RETURNING balance::text`,
		addrText(seller),
	).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: take proceeds %s: %w", seller.Hex(), err)
	}
	return parseNum(bal)
}

func getListing(ctx context.Context, q querier, key domain.AssetKey, forUpdate bool) (domain.Listing, error) {
	query := `SELECT seller, price::text FROM listings WHERE collection = $1 AND asset_id = $2::text::numeric`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var seller, price string
	err := q.QueryRow(ctx, query, addrText(key.Collection), key.ID().String()).Scan(&seller, &price)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NoListing, nil
	}
	if err != nil {
		return domain.Listing{}, fmt.Errorf("postgres: get listing %s: %w", key, err)
	}
	p, err := parseNum(price)
	if err != nil {
		return domain.Listing{}, err
	}
	return domain.Listing{Seller: common.HexToAddress(seller), Price: p}, nil
}

func getBalance(ctx context.Context, q querier, seller common.Address, forUpdate bool) (*big.Int, error) {
	query := `SELECT balance::text FROM proceeds WHERE seller = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var bal string
	err := q.QueryRow(ctx, query, addrText(seller)).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get proceeds %s: %w", seller.Hex(), err)
	}
	return parseNum(bal)
}

var (
	_ domain.Ledger          = (*Ledger)(nil)
	_ domain.LedgerTx        = (*ledgerTx)(nil)
	_ domain.ListingRegistry = listingTable{}
	_ domain.ProceedsLedger  = proceedsTable{}
)
