package domain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Marketplace error kinds. Each one aborts the triggering operation with no
// partial mutation. Use errors.Is against these to classify a failure.
var (
	ErrPriceMustBeAboveZero      = errors.New("price must be above zero")
	ErrNotApprovedForMarketplace = errors.New("not approved for marketplace")
	ErrNotListed                 = errors.New("not listed")
	ErrNotOwner                  = errors.New("not owner")
	ErrPriceNotMet               = errors.New("price not met")
	ErrNoProceeds                = errors.New("no proceeds")
	ErrOverflow                  = errors.New("overflow")
	ErrTransferFailed            = errors.New("transfer failed")
)

// Infrastructure errors.
var (
	ErrNotFound       = errors.New("not found")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrLockHeld       = errors.New("lock already held")
	ErrInsufficient   = errors.New("insufficient balance")
	ErrUnknownAsset   = errors.New("unknown asset")
	ErrBadSignature   = errors.New("bad signature")
	ErrNotImplemented = errors.New("not implemented")
	ErrOutcomeUnknown = errors.New("transfer outcome unknown")
	ErrPaymentNeeded  = errors.New("payment proof required")
	ErrPaymentInvalid = errors.New("payment does not match purchase")
	ErrPaymentUsed    = errors.New("payment already used")
)

// OutcomeUnknownError reports an outbound transfer that was submitted but
// never confirmed either way. It may still land, so the ledger effects that
// paid for it must stay committed. Ref identifies the transfer, e.g. a
// transaction hash.
type OutcomeUnknownError struct {
	Ref string
	Err error
}

func (e *OutcomeUnknownError) Error() string {
	return fmt.Sprintf("outcome of %s unknown: %v", e.Ref, e.Err)
}

func (e *OutcomeUnknownError) Unwrap() []error { return []error{ErrOutcomeUnknown, e.Err} }

// MarketError is the structured failure returned by marketplace operations.
// Kind is one of the Err* marketplace kinds above; the remaining fields name
// the offending key, account, or amount when relevant.
type MarketError struct {
	Kind    error
	Op      string
	Key     *AssetKey
	Account common.Address
	Amount  *big.Int
	Err     error
}

func (e *MarketError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())

	var attrs []string
	if e.Key != nil {
		attrs = append(attrs, "key="+e.Key.String())
	}
	if e.Account != (common.Address{}) {
		attrs = append(attrs, "account="+e.Account.Hex())
	}
	if e.Amount != nil {
		attrs = append(attrs, "amount="+e.Amount.String())
	}
	if len(attrs) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(attrs, " "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *MarketError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewMarketError builds a MarketError for the given operation and kind.
func NewMarketError(op string, kind error) *MarketError {
	return &MarketError{Op: op, Kind: kind}
}

// WithKey attaches the offending asset key.
func (e *MarketError) WithKey(key AssetKey) *MarketError {
	k := key.Clone()
	e.Key = &k
	return e
}

// WithAccount attaches the offending account.
func (e *MarketError) WithAccount(addr common.Address) *MarketError {
	e.Account = addr
	return e
}

// WithAmount attaches the offending amount.
func (e *MarketError) WithAmount(amount *big.Int) *MarketError {
	if amount != nil {
		e.Amount = new(big.Int).Set(amount)
	}
	return e
}

// WithCause attaches the underlying cause.
func (e *MarketError) WithCause(err error) *MarketError {
	e.Err = err
	return e
}

// KindOf returns the marketplace kind carried by err, or nil when err is not
// a marketplace failure.
func KindOf(err error) error {
	var me *MarketError
	if errors.As(err, &me) {
		return me.Kind
	}
	return nil
}

// KindName returns the wire name of a marketplace kind, e.g. "NotListed".
func KindName(kind error) string {
	switch kind {
	case ErrPriceMustBeAboveZero:
		return "PriceMustBeAboveZero"
	case ErrNotApprovedForMarketplace:
		return "NotApprovedForMarketplace"
	case ErrNotListed:
		return "NotListed"
	case ErrNotOwner:
		return "NotOwner"
	case ErrPriceNotMet:
		return "PriceNotMet"
	case ErrNoProceeds:
		return "NoProceeds"
	case ErrOverflow:
		return "Overflow"
	case ErrTransferFailed:
		return "TransferFailed"
	default:
		return fmt.Sprintf("%v", kind)
	}
}
