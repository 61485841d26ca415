package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
	"github.com/alanyoungcy/nftmarketplace/internal/txn"
)

// MarketplaceService is the settlement state machine over the listing
// registry and the proceeds ledger. Every operation validates, mutates the
// ledger, and only then calls out to the ownership oracle or the payment
// channel. Each call runs in a txn frame, so a failure anywhere (including
// inside a reentrant call made by an external hook) leaves no trace. The one
// exception is a transfer submitted to a chain but never confirmed, which
// keeps its ledger effects.
type MarketplaceService struct {
	address   common.Address
	ledger    domain.Ledger
	frames    *txn.Manager
	oracle    domain.OwnershipOracle
	payments  domain.PaymentChannel
	publisher domain.EventPublisher
	recorder  OperationRecorder
	logger    *slog.Logger
	now       func() time.Time
}

// OperationRecorder observes finished operations. outcome is "ok" or the
// failure kind.
type OperationRecorder interface {
	ObserveOperation(op string, nested bool, outcome string, elapsed time.Duration)
	ObserveEvents(events []domain.Event)
}

// NewMarketplaceService creates a MarketplaceService. address is the
// marketplace's own identity, the operator the oracle must approve. A nil
// publisher drops committed events.
func NewMarketplaceService(
	address common.Address,
	ledger domain.Ledger,
	frames *txn.Manager,
	oracle domain.OwnershipOracle,
	payments domain.PaymentChannel,
	publisher domain.EventPublisher,
	logger *slog.Logger,
) *MarketplaceService {
	return &MarketplaceService{
		address:   address,
		ledger:    ledger,
		frames:    frames,
		oracle:    oracle,
		payments:  payments,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "marketplace")),
		now:       time.Now,
	}
}

// WithRecorder attaches an OperationRecorder.
func (s *MarketplaceService) WithRecorder(r OperationRecorder) *MarketplaceService {
	s.recorder = r
	return s
}

// Address returns the marketplace identity.
func (s *MarketplaceService) Address() common.Address { return s.address }

// ListItem lists key at price on behalf of caller, who must own the asset
// and have approved the marketplace. Listing an already listed asset
// overwrites the previous listing.
func (s *MarketplaceService) ListItem(ctx context.Context, key domain.AssetKey, price *big.Int, caller common.Address) error {
	const op = "list item"
	return s.run(ctx, op, func(ctx context.Context, f *txn.Frame) error {
		if price == nil || price.Sign() <= 0 {
			return domain.NewMarketError(op, domain.ErrPriceMustBeAboveZero).WithKey(key).WithAmount(price)
		}
		if price.Cmp(domain.MaxAmount) > 0 {
			return domain.NewMarketError(op, domain.ErrOverflow).WithKey(key).WithAmount(price)
		}

		owner, err := s.oracle.OwnerOf(ctx, key)
		if err != nil {
			return fmt.Errorf("marketplace_service: %s: owner of %s: %w", op, key, err)
		}
		if owner != caller {
			return domain.NewMarketError(op, domain.ErrNotOwner).WithKey(key).WithAccount(caller)
		}
		approved, err := s.oracle.IsApprovedForMarketplace(ctx, key, s.address)
		if err != nil {
			return fmt.Errorf("marketplace_service: %s: approval of %s: %w", op, key, err)
		}
		if !approved {
			return domain.NewMarketError(op, domain.ErrNotApprovedForMarketplace).WithKey(key)
		}

		if err := f.Tx().Listings().Put(ctx, key, caller, price); err != nil {
			return fmt.Errorf("marketplace_service: %s: %w", op, err)
		}
		f.Emit(s.event(domain.EventItemListed, caller, key, price))
		return nil
	})
}

// BuyItem buys the listing at key for buyer, who must pay exactly the
// listed price. The listing is removed and the seller credited before the
// asset moves, so any reentrant call made during the transfer sees the
// sale already settled.
func (s *MarketplaceService) BuyItem(ctx context.Context, key domain.AssetKey, paid *big.Int, buyer common.Address) error {
	const op = "buy item"
	return s.run(ctx, op, func(ctx context.Context, f *txn.Frame) error {
		listings := f.Tx().Listings()
		listing, err := listings.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("marketplace_service: %s: %w", op, err)
		}
		if !listing.Active() {
			return domain.NewMarketError(op, domain.ErrNotListed).WithKey(key)
		}
		if paid == nil || paid.Cmp(listing.Price) != 0 {
			return domain.NewMarketError(op, domain.ErrPriceNotMet).WithKey(key).WithAmount(paid)
		}

		if err := listings.Remove(ctx, key); err != nil {
			return fmt.Errorf("marketplace_service: %s: %w", op, err)
		}
		if err := f.Tx().Proceeds().Credit(ctx, listing.Seller, paid); err != nil {
			return fmt.Errorf("marketplace_service: %s: %w", op, err)
		}
		if err := s.oracle.Transfer(ctx, key, listing.Seller, buyer); err != nil {
			if pending := s.pending(buyer, key, paid, err); pending != nil {
				f.Emit(s.event(domain.EventItemBought, buyer, key, paid))
				f.Emit(*pending)
				return fmt.Errorf("marketplace_service: %s: %w", op, err)
			}
			return domain.NewMarketError(op, domain.ErrTransferFailed).WithKey(key).WithAccount(buyer).WithCause(err)
		}

		f.Emit(s.event(domain.EventItemBought, buyer, key, paid))
		return nil
	})
}

// CancelListing removes the listing at key. Only the recorded seller may
// cancel.
func (s *MarketplaceService) CancelListing(ctx context.Context, key domain.AssetKey, caller common.Address) error {
	const op = "cancel listing"
	return s.run(ctx, op, func(ctx context.Context, f *txn.Frame) error {
		listings := f.Tx().Listings()
		listing, err := s.sellerListing(ctx, op, listings, key, caller)
		if err != nil {
			return err
		}
		if err := listings.Remove(ctx, key); err != nil {
			return fmt.Errorf("marketplace_service: %s: %w", op, err)
		}
		f.Emit(s.event(domain.EventItemCanceled, listing.Seller, key, nil))
		return nil
	})
}

// UpdateListing replaces the price of the listing at key. Only the recorded
// seller may update, and the seller stays the same.
func (s *MarketplaceService) UpdateListing(ctx context.Context, key domain.AssetKey, price *big.Int, caller common.Address) error {
	const op = "update listing"
	return s.run(ctx, op, func(ctx context.Context, f *txn.Frame) error {
		listings := f.Tx().Listings()
		listing, err := s.sellerListing(ctx, op, listings, key, caller)
		if err != nil {
			return err
		}
		if price == nil || price.Sign() <= 0 {
			return domain.NewMarketError(op, domain.ErrPriceMustBeAboveZero).WithKey(key).WithAmount(price)
		}
		if price.Cmp(domain.MaxAmount) > 0 {
			return domain.NewMarketError(op, domain.ErrOverflow).WithKey(key).WithAmount(price)
		}
		if err := listings.Put(ctx, key, listing.Seller, price); err != nil {
			return fmt.Errorf("marketplace_service: %s: %w", op, err)
		}
		f.Emit(s.event(domain.EventItemUpdated, listing.Seller, key, price))
		return nil
	})
}

// WithdrawProceeds pays caller everything it has earned. The balance is
// zeroed before the payment is sent; if the payment fails the whole
// operation is undone and the caller must retry it. If the payment was
// submitted but never confirmed, the balance stays zeroed, a
// TransferPending event records the payout and the error wraps
// domain.ErrOutcomeUnknown.
func (s *MarketplaceService) WithdrawProceeds(ctx context.Context, caller common.Address) (*big.Int, error) {
	const op = "withdraw proceeds"
	var amount *big.Int
	err := s.run(ctx, op, func(ctx context.Context, f *txn.Frame) error {
		taken, err := f.Tx().Proceeds().TakeAll(ctx, caller)
		if err != nil {
			return fmt.Errorf("marketplace_service: %s: %w", op, err)
		}
		if taken.Sign() <= 0 {
			return domain.NewMarketError(op, domain.ErrNoProceeds).WithAccount(caller)
		}
		if err := s.payments.Send(ctx, caller, taken); err != nil {
			if pending := s.pending(caller, domain.AssetKey{}, taken, err); pending != nil {
				f.Emit(s.event(domain.EventProceedsWithdrawn, caller, domain.AssetKey{}, taken))
				f.Emit(*pending)
				return fmt.Errorf("marketplace_service: %s: %w", op, err)
			}
			return domain.NewMarketError(op, domain.ErrTransferFailed).WithAccount(caller).WithAmount(taken).WithCause(err)
		}
		amount = taken
		f.Emit(s.event(domain.EventProceedsWithdrawn, caller, domain.AssetKey{}, taken))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amount, nil
}

// GetListing returns the listing at key, or domain.NoListing. Inside a
// running operation it reads that operation's view.
func (s *MarketplaceService) GetListing(ctx context.Context, key domain.AssetKey) (domain.Listing, error) {
	if f := txn.FromContext(ctx); f != nil {
		return f.Tx().Listings().Get(ctx, key)
	}
	l, err := s.ledger.Listing(ctx, key)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("marketplace_service: get listing: %w", err)
	}
	return l, nil
}

// GetProceeds returns seller's withdrawable balance.
func (s *MarketplaceService) GetProceeds(ctx context.Context, seller common.Address) (*big.Int, error) {
	if f := txn.FromContext(ctx); f != nil {
		return f.Tx().Proceeds().Balance(ctx, seller)
	}
	bal, err := s.ledger.Balance(ctx, seller)
	if err != nil {
		return nil, fmt.Errorf("marketplace_service: get proceeds: %w", err)
	}
	return bal, nil
}

// sellerListing loads the listing at key and checks caller is its seller.
func (s *MarketplaceService) sellerListing(ctx context.Context, op string, listings domain.ListingRegistry, key domain.AssetKey, caller common.Address) (domain.Listing, error) {
	listing, err := listings.Get(ctx, key)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("marketplace_service: %s: %w", op, err)
	}
	if !listing.Active() {
		return domain.Listing{}, domain.NewMarketError(op, domain.ErrNotListed).WithKey(key)
	}
	if listing.Seller != caller {
		return domain.Listing{}, domain.NewMarketError(op, domain.ErrNotOwner).WithKey(key).WithAccount(caller)
	}
	return listing, nil
}

// run executes fn inside a frame. The frame rolls back when fn fails or
// panics, except when the failure wraps domain.ErrOutcomeUnknown: an
// external transfer may already be final, so the frame commits and the
// error is returned after its events are published. When the outermost
// frame commits, its events are published with the caller's context.
func (s *MarketplaceService) run(ctx context.Context, op string, fn func(ctx context.Context, f *txn.Frame) error) error {
	start := s.now()
	fctx, f, err := s.frames.Begin(ctx)
	if err != nil {
		return fmt.Errorf("marketplace_service: %s: %w", op, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = f.Rollback(fctx)
			panic(p)
		}
	}()

	opErr := fn(fctx, f)
	if opErr != nil && !errors.Is(opErr, domain.ErrOutcomeUnknown) {
		if rbErr := f.Rollback(fctx); rbErr != nil {
			s.logger.ErrorContext(ctx, "marketplace_service: rollback failed",
				slog.String("op", op),
				slog.String("error", rbErr.Error()),
			)
		}
		s.logger.DebugContext(ctx, "marketplace_service: operation failed",
			slog.String("op", op),
			slog.Bool("nested", f.Nested()),
			slog.String("error", opErr.Error()),
		)
		s.observe(op, f.Nested(), opErr, start)
		return opErr
	}

	events, err := f.Commit(fctx)
	if err != nil {
		s.observe(op, f.Nested(), err, start)
		if opErr != nil {
			return fmt.Errorf("marketplace_service: %s: %w", op, errors.Join(opErr, err))
		}
		return fmt.Errorf("marketplace_service: %s: %w", op, err)
	}
	s.observe(op, f.Nested(), opErr, start)
	if opErr != nil {
		s.logger.WarnContext(ctx, "marketplace_service: committed with unconfirmed transfer",
			slog.String("op", op),
			slog.Bool("nested", f.Nested()),
			slog.String("error", opErr.Error()),
		)
	}
	if f.Nested() {
		return opErr
	}

	for _, ev := range events {
		attrs := []any{
			slog.String("event", string(ev.Kind)),
			slog.String("account", ev.Account.Hex()),
		}
		if ev.AssetID != nil {
			attrs = append(attrs, slog.String("key", ev.Key().String()))
		}
		if ev.Amount != nil {
			attrs = append(attrs, slog.String("amount", ev.Amount.String()))
		}
		if ev.Ref != "" {
			attrs = append(attrs, slog.String("ref", ev.Ref))
		}
		s.logger.InfoContext(ctx, "marketplace_service: committed", attrs...)
	}
	if s.recorder != nil {
		s.recorder.ObserveEvents(events)
	}
	if s.publisher != nil && len(events) > 0 {
		if err := s.publisher.Publish(ctx, events); err != nil {
			s.logger.WarnContext(ctx, "marketplace_service: publish events failed",
				slog.Int("events", len(events)),
				slog.String("error", err.Error()),
			)
		}
	}
	return opErr
}

// pending returns the TransferPending event for err when err reports a
// transfer whose outcome is unknown, or nil.
func (s *MarketplaceService) pending(account common.Address, key domain.AssetKey, amount *big.Int, err error) *domain.Event {
	var unknown *domain.OutcomeUnknownError
	if !errors.As(err, &unknown) {
		return nil
	}
	ev := s.event(domain.EventTransferPending, account, key, amount)
	ev.Ref = unknown.Ref
	return &ev
}

func (s *MarketplaceService) observe(op string, nested bool, err error, start time.Time) {
	if s.recorder == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if kind := domain.KindOf(err); kind != nil {
			outcome = domain.KindName(kind)
		} else if errors.Is(err, domain.ErrOutcomeUnknown) {
			outcome = "OutcomeUnknown"
		}
	}
	s.recorder.ObserveOperation(op, nested, outcome, s.now().Sub(start))
}

func (s *MarketplaceService) event(kind domain.EventKind, account common.Address, key domain.AssetKey, amount *big.Int) domain.Event {
	ev := domain.Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		Account:    account,
		Collection: key.Collection,
		CreatedAt:  s.now().UTC(),
	}
	if key.AssetID != nil {
		ev.AssetID = new(big.Int).Set(key.AssetID)
	}
	if amount != nil {
		ev.Amount = new(big.Int).Set(amount)
	}
	return ev
}
