package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

// ClaimStore implements domain.PaymentClaims on the payment_claims table.
type ClaimStore struct {
	q querier
}

// NewClaimStore creates a ClaimStore backed by the given connection pool.
func NewClaimStore(pool *pgxpool.Pool) *ClaimStore {
	return &ClaimStore{q: pool}
}

// Claim inserts ref; a row already present means the payment was spent.
func (s *ClaimStore) Claim(ctx context.Context, ref string, payer common.Address, amount *big.Int) error {
	tag, err := s.q.Exec(ctx,
		`INSERT INTO payment_claims (tx_hash, payer, amount) VALUES ($1, $2, $3::text::numeric)
		 ON CONFLICT (tx_hash) DO NOTHING`,
		ref, addrText(payer), amount.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: claim payment %s: %w", ref, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: claim payment %s: %w", ref, domain.ErrPaymentUsed)
	}
	return nil
}

var _ domain.PaymentClaims = (*ClaimStore)(nil)
