package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

// CheckoutService is the buyer-facing purchase path: it takes the buyer's
// payment into marketplace custody, runs BuyItem with the collected amount,
// and hands the payment back if the purchase fails.
type CheckoutService struct {
	market *MarketplaceService
	intake domain.PaymentIntake
	logger *slog.Logger
}

// NewCheckoutService creates a CheckoutService.
func NewCheckoutService(market *MarketplaceService, intake domain.PaymentIntake, logger *slog.Logger) *CheckoutService {
	return &CheckoutService{
		market: market,
		intake: intake,
		logger: logger.With(slog.String("component", "checkout")),
	}
}

// Buy collects paid from buyer and buys key with it. ref names a payment
// the buyer already made into custody when the intake needs one. A purchase
// whose asset transfer was submitted but not confirmed is settled, so the
// payment is kept.
func (s *CheckoutService) Buy(ctx context.Context, key domain.AssetKey, paid *big.Int, buyer common.Address, ref string) error {
	if paid == nil || paid.Sign() < 0 {
		return domain.NewMarketError("buy item", domain.ErrPriceNotMet).WithKey(key).WithAmount(paid)
	}
	if err := s.intake.Collect(ctx, buyer, paid, ref); err != nil {
		return fmt.Errorf("checkout_service: collect payment: %w", err)
	}

	buyErr := s.market.BuyItem(ctx, key, paid, buyer)
	if buyErr == nil {
		return nil
	}
	if errors.Is(buyErr, domain.ErrOutcomeUnknown) {
		s.logger.WarnContext(ctx, "checkout_service: purchase settled, transfer unconfirmed",
			slog.String("buyer", buyer.Hex()),
			slog.String("key", key.String()),
			slog.String("error", buyErr.Error()),
		)
		return buyErr
	}

	if err := s.intake.Refund(ctx, buyer, paid); err != nil {
		s.logger.ErrorContext(ctx, "checkout_service: refund failed",
			slog.String("buyer", buyer.Hex()),
			slog.String("key", key.String()),
			slog.String("amount", paid.String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("checkout_service: refund after %w: %w", buyErr, err)
	}
	return buyErr
}
