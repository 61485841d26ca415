package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

// ChainIntake is the PaymentIntake for a chain deployment. Buyers pay the
// custody account on chain first and name that transaction when buying;
// Collect checks the mined transaction and claims it so it pays for one
// purchase only. Refund sends the value back from custody.
type ChainIntake struct {
	backend  Backend
	signer   types.Signer
	custody  common.Address
	claims   domain.PaymentClaims
	payments *NativePayments
}

var _ domain.PaymentIntake = (*ChainIntake)(nil)

// NewChainIntake creates the intake. custody is the operator account buyers
// pay into.
func NewChainIntake(backend Backend, chainID int64, custody common.Address, claims domain.PaymentClaims, payments *NativePayments) *ChainIntake {
	return &ChainIntake{
		backend:  backend,
		signer:   types.LatestSignerForChainID(big.NewInt(chainID)),
		custody:  custody,
		claims:   claims,
		payments: payments,
	}
}

// Collect accepts the mined transaction ref as from's payment of amount.
func (c *ChainIntake) Collect(ctx context.Context, from common.Address, amount *big.Int, ref string) error {
	if ref == "" {
		return fmt.Errorf("ethereum: collect: %w", domain.ErrPaymentNeeded)
	}
	hash := common.HexToHash(ref)
	tx, pending, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil {
		return fmt.Errorf("ethereum: payment %s: %w", hash.Hex(), err)
	}
	if pending {
		return fmt.Errorf("ethereum: payment %s is pending: %w", hash.Hex(), domain.ErrPaymentInvalid)
	}
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		return fmt.Errorf("ethereum: payment %s receipt: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("ethereum: payment %s: %w", hash.Hex(), errors.Join(domain.ErrPaymentInvalid, ErrReverted))
	}
	if tx.To() == nil || *tx.To() != c.custody {
		return fmt.Errorf("ethereum: payment %s not sent to custody: %w", hash.Hex(), domain.ErrPaymentInvalid)
	}
	sender, err := types.Sender(c.signer, tx)
	if err != nil {
		return fmt.Errorf("ethereum: payment %s sender: %w", hash.Hex(), err)
	}
	if sender != from {
		return fmt.Errorf("ethereum: payment %s sent by %s: %w", hash.Hex(), sender.Hex(), domain.ErrPaymentInvalid)
	}
	if amount == nil || tx.Value().Cmp(amount) != 0 {
		return fmt.Errorf("ethereum: payment %s carries %s wei: %w", hash.Hex(), tx.Value(), domain.ErrPaymentInvalid)
	}

	if err := c.claims.Claim(ctx, hash.Hex(), from, tx.Value()); err != nil {
		return fmt.Errorf("ethereum: claim payment %s: %w", hash.Hex(), err)
	}
	return nil
}

// Refund pays amount back to `to` from custody.
func (c *ChainIntake) Refund(ctx context.Context, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	return c.payments.Send(ctx, to, amount)
}

// MemoryClaims is an in-process PaymentClaims. Claims do not survive a
// restart; deployments with the postgres backend use its claim table.
type MemoryClaims struct {
	mu   sync.Mutex
	refs map[string]struct{}
}

// NewMemoryClaims creates an empty claim set.
func NewMemoryClaims() *MemoryClaims {
	return &MemoryClaims{refs: make(map[string]struct{})}
}

// Claim records ref.
func (m *MemoryClaims) Claim(_ context.Context, ref string, _ common.Address, _ *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refs[ref]; ok {
		return domain.ErrPaymentUsed
	}
	m.refs[ref] = struct{}{}
	return nil
}
