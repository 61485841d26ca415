package payment

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
	"github.com/alanyoungcy/nftmarketplace/internal/ledger"
	"github.com/alanyoungcy/nftmarketplace/internal/txn"
)

var (
	market = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	buyer  = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	seller = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

func TestDepositCollectRefund(t *testing.T) {
	ctx := context.Background()
	w := NewWallets(market)

	bal, err := w.Deposit(ctx, buyer, big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, "100", bal.String())

	require.NoError(t, w.Collect(ctx, buyer, big.NewInt(60), ""))
	assert.Equal(t, "40", w.Balance(buyer).String())
	assert.Equal(t, "60", w.Balance(market).String())

	err = w.Collect(ctx, buyer, big.NewInt(41), "")
	assert.ErrorIs(t, err, domain.ErrInsufficient)

	require.NoError(t, w.Refund(ctx, buyer, big.NewInt(60)))
	assert.Equal(t, "100", w.Balance(buyer).String())
	assert.Zero(t, w.Balance(market).Sign())
}

func TestDepositOverflow(t *testing.T) {
	ctx := context.Background()
	w := NewWallets(market)
	_, err := w.Deposit(ctx, buyer, domain.MaxAmount)
	require.NoError(t, err)
	_, err = w.Deposit(ctx, buyer, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrOverflow)
}

func TestSendRunsHookAndRevertsOnError(t *testing.T) {
	ctx := context.Background()
	w := NewWallets(market)
	_, err := w.Deposit(ctx, market, big.NewInt(10))
	require.NoError(t, err)

	var during string
	w.SetHook(seller, PayableFunc(func(ctx context.Context, from common.Address, amount *big.Int) error {
		during = w.Balance(seller).String()
		return errors.New("reverted")
	}))

	err = w.Send(ctx, seller, big.NewInt(10))
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, "10", during)
	assert.Zero(t, w.Balance(seller).Sign())
	assert.Equal(t, "10", w.Balance(market).String())

	w.SetHook(seller, nil)
	require.NoError(t, w.Send(ctx, seller, big.NewInt(10)))
	assert.Equal(t, "10", w.Balance(seller).String())
}

func TestFrameRollbackRevertsWallets(t *testing.T) {
	ctx := context.Background()
	w := NewWallets(market)
	_, err := w.Deposit(ctx, buyer, big.NewInt(5))
	require.NoError(t, err)

	m := txn.NewManager(ledger.New(), nil)
	fctx, f, err := m.Begin(ctx)
	require.NoError(t, err)
	_, err = w.Deposit(fctx, buyer, big.NewInt(5))
	require.NoError(t, err)
	require.NoError(t, w.Collect(fctx, buyer, big.NewInt(8), ""))
	require.NoError(t, f.Rollback(fctx))

	assert.Equal(t, "5", w.Balance(buyer).String())
	assert.Zero(t, w.Balance(market).Sign())
}

func TestRollbackKeepsConcurrentCollect(t *testing.T) {
	ctx := context.Background()
	w := NewWallets(market)
	_, err := w.Deposit(ctx, market, big.NewInt(100))
	require.NoError(t, err)
	_, err = w.Deposit(ctx, buyer, big.NewInt(50))
	require.NoError(t, err)

	m := txn.NewManager(ledger.New(), nil)
	fctx, f, err := m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Send(fctx, seller, big.NewInt(100)))
	assert.Zero(t, w.Balance(market).Sign())

	done := make(chan error)
	go func() { done <- w.Collect(ctx, buyer, big.NewInt(50), "") }()
	require.NoError(t, <-done)

	require.NoError(t, f.Rollback(fctx))
	assert.Equal(t, "150", w.Balance(market).String())
	assert.Zero(t, w.Balance(seller).Sign())
	assert.Zero(t, w.Balance(buyer).Sign())
}

func TestRejectedSendUndoneOnce(t *testing.T) {
	ctx := context.Background()
	w := NewWallets(market)
	_, err := w.Deposit(ctx, market, big.NewInt(30))
	require.NoError(t, err)
	w.SetHook(seller, PayableFunc(func(context.Context, common.Address, *big.Int) error {
		return errors.New("reverted")
	}))

	m := txn.NewManager(ledger.New(), nil)
	fctx, f, err := m.Begin(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, w.Send(fctx, seller, big.NewInt(30)), ErrRejected)
	require.NoError(t, f.Rollback(fctx))

	assert.Equal(t, "30", w.Balance(market).String())
	assert.Zero(t, w.Balance(seller).Sign())
}

func TestRolledBackDepositKeepsLaterDeposit(t *testing.T) {
	ctx := context.Background()
	w := NewWallets(market)

	m := txn.NewManager(ledger.New(), nil)
	fctx, f, err := m.Begin(ctx)
	require.NoError(t, err)
	_, err = w.Deposit(fctx, buyer, big.NewInt(5))
	require.NoError(t, err)
	_, err = w.Deposit(ctx, buyer, big.NewInt(7))
	require.NoError(t, err)
	require.NoError(t, f.Rollback(fctx))

	assert.Equal(t, "7", w.Balance(buyer).String())
}
