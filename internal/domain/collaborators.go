package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OwnershipOracle answers who owns an asset and whether the marketplace may
// move it, and performs the transfer. Transfer may synchronously run
// untrusted code that calls back into the marketplace with ctx.
type OwnershipOracle interface {
	OwnerOf(ctx context.Context, key AssetKey) (common.Address, error)
	IsApprovedForMarketplace(ctx context.Context, key AssetKey, marketplace common.Address) (bool, error)
	Transfer(ctx context.Context, key AssetKey, from, to common.Address) error
}

// PaymentChannel moves native value out of marketplace custody. Send may
// synchronously run untrusted code that calls back into the marketplace.
type PaymentChannel interface {
	Send(ctx context.Context, to common.Address, amount *big.Int) error
}

// PaymentIntake moves a buyer's payment into marketplace custody before a
// purchase and returns it when the purchase fails. ref names a payment the
// buyer already made into custody, such as a transaction hash; intakes that
// move the funds themselves ignore it.
type PaymentIntake interface {
	Collect(ctx context.Context, from common.Address, amount *big.Int, ref string) error
	Refund(ctx context.Context, to common.Address, amount *big.Int) error
}

// PaymentClaims records external payments that have been spent on a
// purchase. Claim fails with ErrPaymentUsed when ref was claimed before.
type PaymentClaims interface {
	Claim(ctx context.Context, ref string, payer common.Address, amount *big.Int) error
}

// EventPublisher delivers committed marketplace events to observers.
type EventPublisher interface {
	Publish(ctx context.Context, events []Event) error
}
