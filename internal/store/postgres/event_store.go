package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

const eventSelectCols = `id::text, kind, account, collection, asset_id::text, amount::text, COALESCE(ref, ''), created_at`

// EventStore implements domain.EventStore on the market_events table.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates an EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts events in one batch. Events already stored are skipped.
func (s *EventStore) Append(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	const query = `
		INSERT INTO market_events (id, kind, account, collection, asset_id, amount, ref, created_at)
		VALUES ($1::uuid, $2, $3, $4, $5::text::numeric, $6::text::numeric, NULLIF($7, ''), $8)
		ON CONFLICT (id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, ev := range events {
		var coll *string
		if ev.AssetID != nil {
			c := addrText(ev.Collection)
			coll = &c
		}
		batch.Queue(query,
			ev.ID, string(ev.Kind), addrText(ev.Account), coll,
			numText(ev.AssetID), numText(ev.Amount), ev.Ref, ev.CreatedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: append event batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListByAccount returns events whose account is the given address, newest
// first.
func (s *EventStore) ListByAccount(ctx context.Context, account common.Address, opts domain.ListOpts) ([]domain.Event, error) {
	query := `SELECT ` + eventSelectCols + ` FROM market_events WHERE account = $1`
	query, args := paginate(query, []any{addrText(account)}, opts)
	return s.list(ctx, query, args)
}

// ListByKey returns events about one asset, newest first.
func (s *EventStore) ListByKey(ctx context.Context, key domain.AssetKey, opts domain.ListOpts) ([]domain.Event, error) {
	query := `SELECT ` + eventSelectCols + ` FROM market_events WHERE collection = $1 AND asset_id = $2::text::numeric`
	query, args := paginate(query, []any{addrText(key.Collection), key.ID().String()}, opts)
	return s.list(ctx, query, args)
}

// ListBefore returns every event created strictly before the cutoff, oldest
// first.
func (s *EventStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Event, error) {
	query := `SELECT ` + eventSelectCols + ` FROM market_events WHERE created_at < $1 ORDER BY created_at ASC`
	return s.list(ctx, query, []any{before})
}

func (s *EventStore) list(ctx context.Context, query string, args []any) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			ev            domain.Event
			kind, account string
			coll          *string
			assetID, amt  *string
		)
		if err := rows.Scan(&ev.ID, &kind, &account, &coll, &assetID, &amt, &ev.Ref, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.Kind = domain.EventKind(kind)
		ev.Account = common.HexToAddress(account)
		if coll != nil {
			ev.Collection = common.HexToAddress(*coll)
		}
		if ev.AssetID, err = parseNullNum(assetID); err != nil {
			return nil, err
		}
		if ev.Amount, err = parseNullNum(amt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return events, nil
}

// paginate appends the time window, newest-first ordering, limit and offset
// of opts to a query whose WHERE clause already uses len(args) parameters.
func paginate(query string, args []any, opts domain.ListOpts) (string, []any) {
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if opts.Since != nil {
		query += " AND created_at >= " + next(*opts.Since)
	}
	if opts.Until != nil {
		query += " AND created_at <= " + next(*opts.Until)
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT " + next(opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET " + next(opts.Offset)
	}
	return query, args
}

var _ domain.EventStore = (*EventStore)(nil)
