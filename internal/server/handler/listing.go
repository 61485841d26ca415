package handler

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

// MarketService is the part of the marketplace the listing handler drives.
type MarketService interface {
	ListItem(ctx context.Context, key domain.AssetKey, price *big.Int, caller common.Address) error
	UpdateListing(ctx context.Context, key domain.AssetKey, newPrice *big.Int, caller common.Address) error
	CancelListing(ctx context.Context, key domain.AssetKey, caller common.Address) error
	GetListing(ctx context.Context, key domain.AssetKey) (domain.Listing, error)
}

// Buyer runs the paid purchase path.
type Buyer interface {
	Buy(ctx context.Context, key domain.AssetKey, paid *big.Int, buyer common.Address, ref string) error
}

// ListingHandler serves listing endpoints.
type ListingHandler struct {
	market MarketService
	buyer  Buyer
	logger *slog.Logger
}

// NewListingHandler creates a ListingHandler.
func NewListingHandler(market MarketService, buyer Buyer, logger *slog.Logger) *ListingHandler {
	return &ListingHandler{market: market, buyer: buyer, logger: logger.With(slog.String("handler", "listing"))}
}

type listingResponse struct {
	Listed     bool        `json:"listed"`
	Collection string      `json:"collection"`
	AssetID    string      `json:"asset_id"`
	Seller     string      `json:"seller,omitempty"`
	Price      *amountView `json:"price,omitempty"`
}

func newListingResponse(key domain.AssetKey, l domain.Listing) listingResponse {
	resp := listingResponse{Collection: key.Collection.Hex(), AssetID: key.ID().String()}
	if l.Active() {
		p := viewAmount(l.Price)
		resp.Listed, resp.Seller, resp.Price = true, l.Seller.Hex(), &p
	}
	return resp
}

// priceBody carries a price in wei, or in ether when Price is empty.
type priceBody struct {
	Price    string `json:"price" validate:"required_without=PriceEth,omitempty,number"`
	PriceEth string `json:"price_eth" validate:"required_without=Price,omitempty,numeric"`
}

type listRequest struct {
	Collection string `json:"collection" validate:"required,eth_addr"`
	AssetID    string `json:"asset_id" validate:"required,number"`
	priceBody
}

// GetListing returns the listing at a key. An unlisted key answers 200
// with listed=false.
// GET /api/listings/{collection}/{assetId}
func (h *ListingHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	l, err := h.market.GetListing(r.Context(), key)
	if err != nil {
		writeOpError(w, r, h.logger, "get listing", err)
		return
	}
	writeJSON(w, http.StatusOK, newListingResponse(key, l))
}

// ListItem lists an asset owned by the caller.
// POST /api/listings
func (h *ListingHandler) ListItem(w http.ResponseWriter, r *http.Request) {
	caller, ok := caller(w, r)
	if !ok {
		return
	}
	var req listRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, err := domain.ParseAssetKey(req.Collection, req.AssetID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	price, err := amount(req.Price, req.PriceEth)
	if err != nil {
		writeOpError(w, r, h.logger, "list item", badAmount(err))
		return
	}

	if err := h.market.ListItem(r.Context(), key, price, caller); err != nil {
		writeOpError(w, r, h.logger, "list item", err)
		return
	}
	writeJSON(w, http.StatusCreated, newListingResponse(key, domain.Listing{Seller: caller, Price: price}))
}

// UpdateListing changes the price of the caller's listing.
// PUT /api/listings/{collection}/{assetId}
func (h *ListingHandler) UpdateListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := caller(w, r)
	if !ok {
		return
	}
	key, err := pathKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req priceBody
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	price, err := amount(req.Price, req.PriceEth)
	if err != nil {
		writeOpError(w, r, h.logger, "update listing", badAmount(err))
		return
	}

	if err := h.market.UpdateListing(r.Context(), key, price, caller); err != nil {
		writeOpError(w, r, h.logger, "update listing", err)
		return
	}
	writeJSON(w, http.StatusOK, newListingResponse(key, domain.Listing{Seller: caller, Price: price}))
}

// CancelListing removes the caller's listing.
// DELETE /api/listings/{collection}/{assetId}
func (h *ListingHandler) CancelListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := caller(w, r)
	if !ok {
		return
	}
	key, err := pathKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.market.CancelListing(r.Context(), key, caller); err != nil {
		writeOpError(w, r, h.logger, "cancel listing", err)
		return
	}
	writeJSON(w, http.StatusOK, newListingResponse(key, domain.NoListing))
}

type buyRequest struct {
	Value     string `json:"value" validate:"required_without=ValueEth,omitempty,number"`
	ValueEth  string `json:"value_eth" validate:"required_without=Value,omitempty,numeric"`
	PaymentTx string `json:"payment_tx" validate:"omitempty,len=66,hexadecimal"`
}

// BuyItem buys a listed asset. Value comes from the caller's wallet, or on
// a chain from the payment transaction named by payment_tx.
// POST /api/listings/{collection}/{assetId}/buy
func (h *ListingHandler) BuyItem(w http.ResponseWriter, r *http.Request) {
	caller, ok := caller(w, r)
	if !ok {
		return
	}
	key, err := pathKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req buyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	paid, err := amount(req.Value, req.ValueEth)
	if err != nil {
		writeOpError(w, r, h.logger, "buy item", badAmount(err))
		return
	}

	if err := h.buyer.Buy(r.Context(), key, paid, caller, req.PaymentTx); err != nil {
		writeOpError(w, r, h.logger, "buy item", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"collection": key.Collection.Hex(),
		"asset_id":   key.ID().String(),
		"buyer":      caller.Hex(),
		"paid":       viewAmount(paid),
	})
}

// badAmount keeps overflow distinguishable from a malformed amount.
func badAmount(err error) error {
	if domain.KindOf(err) != nil {
		return err
	}
	if errors.Is(err, domain.ErrOverflow) {
		return domain.NewMarketError("parse amount", domain.ErrOverflow)
	}
	return &requestError{err}
}

type requestError struct{ err error }

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }
