package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

// Collections is the in-process collection registry used in development.
type Collections interface {
	Mint(ctx context.Context, addr, to common.Address) (domain.AssetKey, error)
	Approve(ctx context.Context, caller, spender common.Address, key domain.AssetKey) error
	SetApprovalForAll(ctx context.Context, addr, owner, operator common.Address, approved bool) error
	OwnerOf(ctx context.Context, key domain.AssetKey) (common.Address, error)
}

// CollectionHandler serves development collection endpoints. They are only
// registered when the marketplace runs against in-process collections.
type CollectionHandler struct {
	collections Collections
	logger      *slog.Logger
}

// NewCollectionHandler creates a CollectionHandler.
func NewCollectionHandler(collections Collections, logger *slog.Logger) *CollectionHandler {
	return &CollectionHandler{collections: collections, logger: logger.With(slog.String("handler", "collection"))}
}

type mintRequest struct {
	To string `json:"to" validate:"omitempty,eth_addr"`
}

// Mint mints the next asset to the caller, or to an explicit recipient.
// POST /api/collections/{collection}/mint
func (h *CollectionHandler) Mint(w http.ResponseWriter, r *http.Request) {
	caller, ok := caller(w, r)
	if !ok {
		return
	}
	addr, err := pathAddress(r, "collection")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req mintRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	to := caller
	if req.To != "" {
		to = common.HexToAddress(req.To)
	}

	key, err := h.collections.Mint(r.Context(), addr, to)
	if err != nil {
		writeOpError(w, r, h.logger, "mint", err)
		return
	}
	h.logger.InfoContext(r.Context(), "handler: minted",
		slog.String("key", key.String()),
		slog.String("to", to.Hex()),
	)
	writeJSON(w, http.StatusCreated, map[string]any{
		"collection": key.Collection.Hex(),
		"asset_id":   key.ID().String(),
		"owner":      to.Hex(),
	})
}

type approveRequest struct {
	Spender string `json:"spender" validate:"required,eth_addr"`
}

// Approve approves a spender for one asset.
// POST /api/collections/{collection}/{assetId}/approve
func (h *CollectionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	caller, ok := caller(w, r)
	if !ok {
		return
	}
	key, err := pathKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	spender := common.HexToAddress(req.Spender)
	if err := h.collections.Approve(r.Context(), caller, spender, key); err != nil {
		writeOpError(w, r, h.logger, "approve", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"collection": key.Collection.Hex(),
		"asset_id":   key.ID().String(),
		"approved":   spender.Hex(),
	})
}

type operatorRequest struct {
	Operator string `json:"operator" validate:"required,eth_addr"`
	Approved *bool  `json:"approved" validate:"required"`
}

// SetApprovalForAll sets or clears an operator for all of the caller's
// assets in a collection.
// POST /api/collections/{collection}/operators
func (h *CollectionHandler) SetApprovalForAll(w http.ResponseWriter, r *http.Request) {
	caller, ok := caller(w, r)
	if !ok {
		return
	}
	addr, err := pathAddress(r, "collection")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req operatorRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	operator := common.HexToAddress(req.Operator)
	if err := h.collections.SetApprovalForAll(r.Context(), addr, caller, operator, *req.Approved); err != nil {
		writeOpError(w, r, h.logger, "set approval for all", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"collection": addr.Hex(),
		"owner":      caller.Hex(),
		"operator":   operator.Hex(),
		"approved":   *req.Approved,
	})
}

// OwnerOf returns an asset's owner.
// GET /api/collections/{collection}/{assetId}/owner
func (h *CollectionHandler) OwnerOf(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner, err := h.collections.OwnerOf(r.Context(), key)
	if err != nil {
		writeOpError(w, r, h.logger, "owner of", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"collection": key.Collection.Hex(),
		"asset_id":   key.ID().String(),
		"owner":      owner.Hex(),
	})
}
