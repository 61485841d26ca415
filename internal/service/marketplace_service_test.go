package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftmarketplace/internal/collection"
	"github.com/alanyoungcy/nftmarketplace/internal/domain"
	"github.com/alanyoungcy/nftmarketplace/internal/ledger"
	"github.com/alanyoungcy/nftmarketplace/internal/payment"
	"github.com/alanyoungcy/nftmarketplace/internal/txn"
)

var (
	deployer    = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	marketAddr  = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	seller      = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	buyer       = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	otherSeller = common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906")
)

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]domain.Event
}

func (r *recordingPublisher) Publish(_ context.Context, events []domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, events)
	return nil
}

func (r *recordingPublisher) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.EventKind
	for _, b := range r.batches {
		for _, ev := range b {
			out = append(out, ev.Kind)
		}
	}
	return out
}

type fixture struct {
	ledger   *ledger.Ledger
	nfts     *collection.Registry
	nft      *collection.Collection
	wallets  *payment.Wallets
	pub      *recordingPublisher
	market   *MarketplaceService
	checkout *CheckoutService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New()
	nfts := collection.NewRegistry(marketAddr)
	wallets := payment.NewWallets(marketAddr)
	pub := &recordingPublisher{}
	market := NewMarketplaceService(marketAddr, l, txn.NewManager(l, nil), nfts, wallets, pub, logger)
	return &fixture{
		ledger:   l,
		nfts:     nfts,
		nft:      nfts.DeployBasicNFT(deployer),
		wallets:  wallets,
		pub:      pub,
		market:   market,
		checkout: NewCheckoutService(market, wallets, logger),
	}
}

// mintApproved mints a token for owner and approves the marketplace for it.
func (f *fixture) mintApproved(t *testing.T, owner common.Address) domain.AssetKey {
	t.Helper()
	ctx := context.Background()
	key, err := f.nfts.Mint(ctx, f.nft.Address, owner)
	require.NoError(t, err)
	require.NoError(t, f.nfts.Approve(ctx, owner, marketAddr, key))
	return key
}

func (f *fixture) listed(t *testing.T, owner common.Address, price int64) domain.AssetKey {
	t.Helper()
	key := f.mintApproved(t, owner)
	require.NoError(t, f.market.ListItem(context.Background(), key, big.NewInt(price), owner))
	return key
}

func (f *fixture) owner(t *testing.T, key domain.AssetKey) common.Address {
	t.Helper()
	owner, err := f.nfts.OwnerOf(context.Background(), key)
	require.NoError(t, err)
	return owner
}

func (f *fixture) proceeds(t *testing.T, account common.Address) string {
	t.Helper()
	bal, err := f.market.GetProceeds(context.Background(), account)
	require.NoError(t, err)
	return bal.String()
}

func (f *fixture) listing(t *testing.T, key domain.AssetKey) domain.Listing {
	t.Helper()
	l, err := f.market.GetListing(context.Background(), key)
	require.NoError(t, err)
	return l
}

func TestListItemValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := f.mintApproved(t, seller)

	tests := []struct {
		name   string
		key    domain.AssetKey
		price  *big.Int
		caller common.Address
		want   error
	}{
		{"zero price", key, big.NewInt(0), seller, domain.ErrPriceMustBeAboveZero},
		{"negative price", key, big.NewInt(-1), seller, domain.ErrPriceMustBeAboveZero},
		{"nil price", key, nil, seller, domain.ErrPriceMustBeAboveZero},
		{"zero price checked before owner", key, big.NewInt(0), buyer, domain.ErrPriceMustBeAboveZero},
		{"not owner", key, big.NewInt(100), buyer, domain.ErrNotOwner},
		{"above max amount", key, new(big.Int).Add(domain.MaxAmount, big.NewInt(1)), seller, domain.ErrOverflow},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := f.market.ListItem(ctx, tc.key, tc.price, tc.caller)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.want, domain.KindOf(err))
			assert.Equal(t, domain.NoListing, f.listing(t, key))
		})
	}
	assert.Empty(t, f.pub.kinds())
}

func TestListItemRequiresApproval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key, err := f.nfts.Mint(ctx, f.nft.Address, seller)
	require.NoError(t, err)

	err = f.market.ListItem(ctx, key, big.NewInt(100), seller)
	assert.ErrorIs(t, err, domain.ErrNotApprovedForMarketplace)

	require.NoError(t, f.nft.SetApprovalForAll(ctx, seller, marketAddr, true))
	require.NoError(t, f.market.ListItem(ctx, key, big.NewInt(100), seller))
}

func TestListItemOverwritesExistingListing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := f.listed(t, seller, 100)

	require.NoError(t, f.market.ListItem(ctx, key, big.NewInt(300), seller))
	l := f.listing(t, key)
	assert.Equal(t, seller, l.Seller)
	assert.Equal(t, "300", l.Price.String())
	assert.Equal(t, []domain.EventKind{domain.EventItemListed, domain.EventItemListed}, f.pub.kinds())
}

func TestBuyItemScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := f.listed(t, seller, 100)
	assert.Equal(t, "0", key.ID().String())

	require.NoError(t, f.market.BuyItem(ctx, key, big.NewInt(100), buyer))

	assert.Equal(t, domain.NoListing, f.listing(t, key))
	assert.Equal(t, "100", f.proceeds(t, seller))
	assert.Equal(t, buyer, f.owner(t, key))

	kinds := f.pub.kinds()
	require.Equal(t, []domain.EventKind{domain.EventItemListed, domain.EventItemBought}, kinds)
	bought := f.pub.batches[1][0]
	assert.Equal(t, buyer, bought.Account)
	assert.Equal(t, "100", bought.Amount.String())
	assert.Equal(t, key.String(), bought.Key().String())
	assert.NotEmpty(t, bought.ID)
}

func TestBuyItemNotListed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := f.mintApproved(t, seller)

	for _, paid := range []int64{0, 1, 100, 1 << 40} {
		err := f.market.BuyItem(ctx, key, big.NewInt(paid), buyer)
		assert.ErrorIs(t, err, domain.ErrNotListed, "paid %d", paid)
	}
	assert.Equal(t, seller, f.owner(t, key))
}

func TestBuyItemExactPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := f.listed(t, seller, 100)

	for _, paid := range []int64{99, 101, 0} {
		err := f.market.BuyItem(ctx, key, big.NewInt(paid), buyer)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrPriceNotMet)

		var me *domain.MarketError
		require.True(t, errors.As(err, &me))
		assert.Equal(t, big.NewInt(paid).String(), me.Amount.String())
		require.NotNil(t, me.Key)
		assert.Equal(t, key.String(), me.Key.String())
	}

	l := f.listing(t, key)
	assert.Equal(t, seller, l.Seller)
	assert.Equal(t, "100", l.Price.String())
	assert.Equal(t, "0", f.proceeds(t, seller))
	assert.Equal(t, seller, f.owner(t, key))
}

func TestUpdateListingScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := f.listed(t, seller, 100)

	require.NoError(t, f.market.UpdateListing(ctx, key, big.NewInt(500), seller))
	l := f.listing(t, key)
	assert.Equal(t, seller, l.Seller)
	assert.Equal(t, "500", l.Price.String())

	err := f.market.UpdateListing(ctx, key, big.NewInt(0), seller)
	assert.ErrorIs(t, err, domain.ErrPriceMustBeAboveZero)
	assert.Equal(t, "500", f.listing(t, key).Price.String())
}

func TestAuthorizationLaw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := f.listed(t, seller, 100)

	for _, caller := range []common.Address{buyer, otherSeller, marketAddr, {}} {
		assert.ErrorIs(t, f.market.CancelListing(ctx, key, caller), domain.ErrNotOwner)
		assert.ErrorIs(t, f.market.UpdateListing(ctx, key, big.NewInt(1), caller), domain.ErrNotOwner)
		assert.ErrorIs(t, f.market.UpdateListing(ctx, key, big.NewInt(0), caller), domain.ErrNotOwner)
	}
	assert.Equal(t, "100", f.listing(t, key).Price.String())

	unlisted := f.mintApproved(t, seller)
	assert.ErrorIs(t, f.market.CancelListing(ctx, unlisted, seller), domain.ErrNotListed)
	assert.ErrorIs(t, f.market.UpdateListing(ctx, unlisted, big.NewInt(5), seller), domain.ErrNotListed)
}

func TestIdempotentTombstone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	never := f.mintApproved(t, seller)
	cancelled := f.listed(t, seller, 10)
	bought := f.listed(t, seller, 20)

	require.NoError(t, f.market.CancelListing(ctx, cancelled, seller))
	require.NoError(t, f.market.BuyItem(ctx, bought, big.NewInt(20), buyer))

	sentinel := f.listing(t, never)
	assert.Equal(t, domain.NoListing, sentinel)
	assert.Equal(t, sentinel, f.listing(t, cancelled))
	assert.Equal(t, sentinel, f.listing(t, bought))
	assert.False(t, sentinel.Active())

	kinds := f.pub.kinds()
	assert.Contains(t, kinds, domain.EventItemCanceled)
}

func TestWithdrawProceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.wallets.Deposit(ctx, buyer, big.NewInt(1000))
	require.NoError(t, err)

	key := f.listed(t, seller, 100)
	require.NoError(t, f.checkout.Buy(ctx, key, big.NewInt(100), buyer, ""))

	amount, err := f.market.WithdrawProceeds(ctx, seller)
	require.NoError(t, err)
	assert.Equal(t, "100", amount.String())
	assert.Equal(t, "0", f.proceeds(t, seller))
	assert.Equal(t, "100", f.wallets.Balance(seller).String())
	assert.Equal(t, "900", f.wallets.Balance(buyer).String())
	assert.Zero(t, f.wallets.Balance(marketAddr).Sign())

	_, err = f.market.WithdrawProceeds(ctx, seller)
	assert.ErrorIs(t, err, domain.ErrNoProceeds)

	_, err = f.market.WithdrawProceeds(ctx, buyer)
	assert.ErrorIs(t, err, domain.ErrNoProceeds)
}

func TestWithdrawReentrancyPaysOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.wallets.Deposit(ctx, marketAddr, big.NewInt(1000))
	require.NoError(t, err)

	key := f.listed(t, seller, 100)
	require.NoError(t, f.market.BuyItem(ctx, key, big.NewInt(100), buyer))

	var reentrantErr error
	calls := 0
	f.wallets.SetHook(seller, payment.PayableFunc(func(ctx context.Context, _ common.Address, _ *big.Int) error {
		calls++
		if calls > 3 {
			return nil
		}
		_, reentrantErr = f.market.WithdrawProceeds(ctx, seller)
		return nil
	}))

	amount, err := f.market.WithdrawProceeds(ctx, seller)
	require.NoError(t, err)
	assert.Equal(t, "100", amount.String())
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, reentrantErr, domain.ErrNoProceeds)
	assert.Equal(t, "100", f.wallets.Balance(seller).String())
	assert.Equal(t, "900", f.wallets.Balance(marketAddr).String())
	assert.Equal(t, "0", f.proceeds(t, seller))
}

func TestWithdrawTransferFailureUndoesOperation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.wallets.Deposit(ctx, marketAddr, big.NewInt(100))
	require.NoError(t, err)
	key := f.listed(t, seller, 100)
	require.NoError(t, f.market.BuyItem(ctx, key, big.NewInt(100), buyer))

	f.wallets.SetHook(seller, payment.PayableFunc(func(context.Context, common.Address, *big.Int) error {
		return errors.New("revert")
	}))
	before := len(f.pub.kinds())

	_, err = f.market.WithdrawProceeds(ctx, seller)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.ErrorIs(t, err, payment.ErrRejected)
	assert.Equal(t, "100", f.proceeds(t, seller))
	assert.Zero(t, f.wallets.Balance(seller).Sign())
	assert.Len(t, f.pub.kinds(), before)

	f.wallets.SetHook(seller, nil)
	amount, err := f.market.WithdrawProceeds(ctx, seller)
	require.NoError(t, err)
	assert.Equal(t, "100", amount.String())
}

func TestBuyReentrancyCannotDoubleBuy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := f.listed(t, seller, 100)

	var reentrantErr error
	var seenListing domain.Listing
	var seenProceeds string
	f.nfts.SetReceiver(buyer, collection.ReceiverFunc(func(ctx context.Context, _, _ common.Address, k domain.AssetKey) error {
		var err error
		seenListing, err = f.market.GetListing(ctx, k)
		require.NoError(t, err)
		bal, err := f.market.GetProceeds(ctx, seller)
		require.NoError(t, err)
		seenProceeds = bal.String()
		reentrantErr = f.market.BuyItem(ctx, k, big.NewInt(100), buyer)
		return nil
	}))

	require.NoError(t, f.market.BuyItem(ctx, key, big.NewInt(100), buyer))
	assert.ErrorIs(t, reentrantErr, domain.ErrNotListed)
	assert.Equal(t, domain.NoListing, seenListing)
	assert.Equal(t, "100", seenProceeds)
	assert.Equal(t, "100", f.proceeds(t, seller))
	assert.Equal(t, buyer, f.owner(t, key))
	assert.Equal(t, []domain.EventKind{domain.EventItemListed, domain.EventItemBought}, f.pub.kinds())
}

func TestBuyerRelistsInsideReceiptHook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := f.listed(t, seller, 100)

	f.nfts.SetReceiver(buyer, collection.ReceiverFunc(func(ctx context.Context, _, _ common.Address, k domain.AssetKey) error {
		if err := f.nfts.Approve(ctx, buyer, marketAddr, k); err != nil {
			return err
		}
		return f.market.ListItem(ctx, k, big.NewInt(250), buyer)
	}))

	require.NoError(t, f.market.BuyItem(ctx, key, big.NewInt(100), buyer))
	l := f.listing(t, key)
	assert.Equal(t, buyer, l.Seller)
	assert.Equal(t, "250", l.Price.String())
	assert.Equal(t, "100", f.proceeds(t, seller))

	require.Len(t, f.pub.batches, 2)
	second := f.pub.batches[1]
	require.Len(t, second, 2)
	assert.Equal(t, domain.EventItemListed, second[0].Kind)
	assert.Equal(t, domain.EventItemBought, second[1].Kind)
}

func TestFailedTransferRollsBackNestedEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := f.listed(t, seller, 100)
	side := f.listed(t, otherSeller, 40)

	f.nfts.SetReceiver(buyer, collection.ReceiverFunc(func(ctx context.Context, _, _ common.Address, k domain.AssetKey) error {
		if k.String() != key.String() {
			return nil
		}
		if err := f.market.BuyItem(ctx, side, big.NewInt(40), buyer); err != nil {
			return err
		}
		if err := f.nfts.Approve(ctx, buyer, marketAddr, k); err != nil {
			return err
		}
		if err := f.market.ListItem(ctx, k, big.NewInt(1), buyer); err != nil {
			return err
		}
		return errors.New("reject after side effects")
	}))
	before := f.pub.kinds()

	err := f.market.BuyItem(ctx, key, big.NewInt(100), buyer)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.ErrorIs(t, err, collection.ErrReceiverReject)

	l := f.listing(t, key)
	assert.Equal(t, seller, l.Seller)
	assert.Equal(t, "100", l.Price.String())
	l = f.listing(t, side)
	assert.Equal(t, otherSeller, l.Seller)
	assert.Equal(t, "40", l.Price.String())
	assert.Equal(t, "0", f.proceeds(t, seller))
	assert.Equal(t, "0", f.proceeds(t, otherSeller))
	assert.Equal(t, seller, f.owner(t, key))
	assert.Equal(t, otherSeller, f.owner(t, side))
	assert.Equal(t, before, f.pub.kinds())

	for _, k := range []domain.AssetKey{key, side} {
		approved, err := f.nft.GetApproved(k.ID())
		require.NoError(t, err)
		assert.Equal(t, marketAddr, approved, k.String())
	}
}

func TestCreditOverflowRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	big1 := f.mintApproved(t, seller)
	require.NoError(t, f.market.ListItem(ctx, big1, domain.MaxAmount, seller))
	require.NoError(t, f.market.BuyItem(ctx, big1, domain.MaxAmount, buyer))

	key := f.listed(t, seller, 1)
	err := f.market.BuyItem(ctx, key, big.NewInt(1), buyer)
	assert.ErrorIs(t, err, domain.ErrOverflow)

	assert.Equal(t, "1", f.listing(t, key).Price.String())
	assert.Equal(t, seller, f.owner(t, key))
	assert.Equal(t, domain.MaxAmount.String(), f.proceeds(t, seller))
}

func TestTwoSellersAccrueSeparately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.listed(t, seller, 100)
	b := f.listed(t, otherSeller, 70)
	c := f.listed(t, seller, 30)

	require.NoError(t, f.market.BuyItem(ctx, a, big.NewInt(100), buyer))
	require.NoError(t, f.market.BuyItem(ctx, b, big.NewInt(70), buyer))
	require.NoError(t, f.market.BuyItem(ctx, c, big.NewInt(30), buyer))

	assert.Equal(t, "130", f.proceeds(t, seller))
	assert.Equal(t, "70", f.proceeds(t, otherSeller))
	assert.Equal(t, "0", f.proceeds(t, buyer))
}

func TestCheckoutRefundsFailedPurchase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.wallets.Deposit(ctx, buyer, big.NewInt(500))
	require.NoError(t, err)
	key := f.listed(t, seller, 100)

	err = f.checkout.Buy(ctx, key, big.NewInt(99), buyer, "")
	assert.ErrorIs(t, err, domain.ErrPriceNotMet)
	assert.Equal(t, "500", f.wallets.Balance(buyer).String())
	assert.Zero(t, f.wallets.Balance(marketAddr).Sign())

	err = f.checkout.Buy(ctx, key, big.NewInt(1000), buyer, "")
	assert.ErrorIs(t, err, domain.ErrInsufficient)
	assert.Equal(t, "500", f.wallets.Balance(buyer).String())

	require.NoError(t, f.checkout.Buy(ctx, key, big.NewInt(100), buyer, ""))
	assert.Equal(t, "400", f.wallets.Balance(buyer).String())
	assert.Equal(t, "100", f.wallets.Balance(marketAddr).String())
	assert.Equal(t, buyer, f.owner(t, key))
}

func TestWithdrawRollbackKeepsConcurrentCustodyDeposit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.wallets.Deposit(ctx, marketAddr, big.NewInt(100))
	require.NoError(t, err)
	_, err = f.wallets.Deposit(ctx, buyer, big.NewInt(50))
	require.NoError(t, err)
	key := f.listed(t, seller, 100)
	require.NoError(t, f.market.BuyItem(ctx, key, big.NewInt(100), buyer))

	f.wallets.SetHook(seller, payment.PayableFunc(func(context.Context, common.Address, *big.Int) error {
		done := make(chan error)
		go func() { done <- f.wallets.Collect(context.Background(), buyer, big.NewInt(50), "") }()
		if err := <-done; err != nil {
			return err
		}
		return errors.New("revert")
	}))

	_, err = f.market.WithdrawProceeds(ctx, seller)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Equal(t, "150", f.wallets.Balance(marketAddr).String())
	assert.Zero(t, f.wallets.Balance(seller).Sign())
	assert.Zero(t, f.wallets.Balance(buyer).Sign())
	assert.Equal(t, "100", f.proceeds(t, seller))
}

func TestReadersNeverSeeUncommittedWithdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.wallets.Deposit(ctx, marketAddr, big.NewInt(100))
	require.NoError(t, err)
	key := f.listed(t, seller, 100)
	side := f.listed(t, otherSeller, 10)
	require.NoError(t, f.market.BuyItem(ctx, key, big.NewInt(100), buyer))

	var (
		outside        *big.Int
		outsideListing domain.Listing
		readErr        error
	)
	f.wallets.SetHook(seller, payment.PayableFunc(func(ctx context.Context, _ common.Address, _ *big.Int) error {
		if err := f.market.CancelListing(ctx, side, otherSeller); err != nil {
			return err
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			bg := context.Background()
			if outside, readErr = f.market.GetProceeds(bg, seller); readErr != nil {
				return
			}
			outsideListing, readErr = f.market.GetListing(bg, side)
		}()
		<-done
		return errors.New("revert")
	}))

	_, err = f.market.WithdrawProceeds(ctx, seller)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	require.NoError(t, readErr)
	assert.Equal(t, "100", outside.String())
	assert.True(t, outsideListing.Active())
	assert.Equal(t, "100", f.proceeds(t, seller))
	assert.True(t, f.listing(t, side).Active())
}

// unconfirmedPayments submits payouts that are never confirmed.
type unconfirmedPayments struct{ ref string }

func (u unconfirmedPayments) Send(context.Context, common.Address, *big.Int) error {
	return fmt.Errorf("pay: %w", &domain.OutcomeUnknownError{Ref: u.ref, Err: context.DeadlineExceeded})
}

// unconfirmedOracle reads ownership from the registry but never confirms a
// transfer.
type unconfirmedOracle struct{ *collection.Registry }

func (unconfirmedOracle) Transfer(context.Context, domain.AssetKey, common.Address, common.Address) error {
	return &domain.OutcomeUnknownError{Ref: "0xbeef", Err: errors.New("no receipt")}
}

func TestUnconfirmedPayoutKeepsDebit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	market := NewMarketplaceService(marketAddr, f.ledger, txn.NewManager(f.ledger, nil), f.nfts, unconfirmedPayments{ref: "0xfeed"}, f.pub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	key := f.listed(t, seller, 100)
	require.NoError(t, market.BuyItem(ctx, key, big.NewInt(100), buyer))

	amount, err := market.WithdrawProceeds(ctx, seller)
	require.Error(t, err)
	assert.Nil(t, amount)
	assert.ErrorIs(t, err, domain.ErrOutcomeUnknown)
	assert.Nil(t, domain.KindOf(err))
	assert.Equal(t, "0", f.proceeds(t, seller))

	last := f.pub.batches[len(f.pub.batches)-1]
	require.Len(t, last, 2)
	assert.Equal(t, domain.EventProceedsWithdrawn, last[0].Kind)
	assert.Equal(t, domain.EventTransferPending, last[1].Kind)
	assert.Equal(t, "0xfeed", last[1].Ref)
	assert.Equal(t, "100", last[1].Amount.String())

	_, err = market.WithdrawProceeds(ctx, seller)
	assert.ErrorIs(t, err, domain.ErrNoProceeds)
}

func TestUnconfirmedAssetTransferSettlesPurchase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	market := NewMarketplaceService(marketAddr, f.ledger, txn.NewManager(f.ledger, nil), unconfirmedOracle{f.nfts}, f.wallets, f.pub, logger)
	checkout := NewCheckoutService(market, f.wallets, logger)
	_, err := f.wallets.Deposit(ctx, buyer, big.NewInt(100))
	require.NoError(t, err)

	key := f.listed(t, seller, 100)
	err = checkout.Buy(ctx, key, big.NewInt(100), buyer, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOutcomeUnknown)

	assert.Equal(t, domain.NoListing, f.listing(t, key))
	assert.Equal(t, "100", f.proceeds(t, seller))
	assert.Zero(t, f.wallets.Balance(buyer).Sign())
	assert.Equal(t, "100", f.wallets.Balance(marketAddr).String())

	kinds := f.pub.kinds()
	assert.Equal(t, []domain.EventKind{domain.EventItemListed, domain.EventItemBought, domain.EventTransferPending}, kinds)
}

func TestReadersNeverSeeUncommittedPurchase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := f.listed(t, seller, 100)

	var (
		seen    domain.Listing
		seenBal *big.Int
		readErr error
	)
	f.nfts.SetReceiver(buyer, collection.ReceiverFunc(func(context.Context, common.Address, common.Address, domain.AssetKey) error {
		done := make(chan struct{})
		go func() {
			defer close(done)
			bg := context.Background()
			if seen, readErr = f.market.GetListing(bg, key); readErr != nil {
				return
			}
			seenBal, readErr = f.market.GetProceeds(bg, seller)
		}()
		<-done
		return errors.New("reject")
	}))

	err := f.market.BuyItem(ctx, key, big.NewInt(100), buyer)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	require.NoError(t, readErr)
	assert.True(t, seen.Active())
	assert.Zero(t, seenBal.Sign())
	assert.True(t, f.listing(t, key).Active())
}
