package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"

	"github.com/alanyoungcy/nftmarketplace/internal/collection"
	"github.com/alanyoungcy/nftmarketplace/internal/domain"
	"github.com/alanyoungcy/nftmarketplace/internal/server/middleware"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// writeJSON marshals v as JSON and writes it with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// errorResponse is the body of every failed request. Kind is set for
// marketplace failures.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps an operation error to its HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.ErrPriceMustBeAboveZero:
		return http.StatusBadRequest
	case domain.ErrNotApprovedForMarketplace, domain.ErrNotOwner:
		return http.StatusForbidden
	case domain.ErrNotListed:
		return http.StatusNotFound
	case domain.ErrPriceNotMet:
		return http.StatusPaymentRequired
	case domain.ErrNoProceeds:
		return http.StatusConflict
	case domain.ErrOverflow:
		return http.StatusUnprocessableEntity
	case domain.ErrTransferFailed:
		return http.StatusBadGateway
	}
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownAsset):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficient):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, collection.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, collection.ErrSelfApproval), errors.Is(err, collection.ErrZeroRecipient):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrLockHeld):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrOutcomeUnknown):
		return http.StatusAccepted
	case errors.Is(err, domain.ErrPaymentNeeded), errors.Is(err, domain.ErrPaymentInvalid):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrPaymentUsed):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeOpError writes err with its mapped status. Unexpected failures are
// logged and their detail is hidden from the client.
func writeOpError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
		writeError(w, status, op+" failed")
		return
	}
	resp := errorResponse{Error: err.Error()}
	if kind := domain.KindOf(err); kind != nil {
		resp.Kind = domain.KindName(kind)
	} else if errors.Is(err, domain.ErrOutcomeUnknown) {
		resp.Kind = "OutcomeUnknown"
	}
	writeJSON(w, status, resp)
}

// decodeBody decodes the JSON body into dst and validates it.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// pathKey reads the {collection} and {assetId} path values.
func pathKey(r *http.Request) (domain.AssetKey, error) {
	return domain.ParseAssetKey(r.PathValue("collection"), r.PathValue("assetId"))
}

// pathAddress reads an address path value.
func pathAddress(r *http.Request, name string) (common.Address, error) {
	v := r.PathValue(name)
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("invalid address %q", v)
	}
	return common.HexToAddress(v), nil
}

// caller returns the authenticated account or writes 401.
func caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, ok := middleware.CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
	}
	return addr, ok
}

// amount parses a wei amount, or an ether amount when wei is empty.
func amount(wei, eth string) (*big.Int, error) {
	if wei != "" {
		return domain.ParseAmount(wei)
	}
	return domain.ParseEther(eth)
}

// amountView renders a wei amount in wei and ether.
type amountView struct {
	Wei   string `json:"wei"`
	Ether string `json:"ether"`
}

func viewAmount(v *big.Int) amountView {
	if v == nil {
		v = new(big.Int)
	}
	return amountView{Wei: v.String(), Ether: domain.FormatEther(v)}
}
