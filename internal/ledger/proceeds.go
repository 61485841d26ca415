package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

// proceeds is the proceeds ledger view of a transaction.
type proceeds struct{ t *tx }

func (p proceeds) Balance(_ context.Context, seller common.Address) (*big.Int, error) {
	if p.t.done {
		return nil, errTxDone
	}
	return p.t.balance(seller), nil
}

func (p proceeds) Credit(_ context.Context, seller common.Address, amount *big.Int) error {
	if p.t.done {
		return errTxDone
	}
	sum, err := domain.AddAmounts(p.t.balance(seller), amount)
	if err != nil {
		return domain.NewMarketError("credit", domain.ErrOverflow).WithAccount(seller).WithAmount(amount)
	}
	p.t.proceeds[seller] = sum
	return nil
}

func (p proceeds) TakeAll(_ context.Context, seller common.Address) (*big.Int, error) {
	if p.t.done {
		return nil, errTxDone
	}
	taken := p.t.balance(seller)
	if taken.Sign() == 0 {
		return taken, nil
	}
	p.t.proceeds[seller] = new(big.Int)
	return taken, nil
}
