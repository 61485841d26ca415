package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

// ProceedsService reads and withdraws seller proceeds.
type ProceedsService interface {
	GetProceeds(ctx context.Context, seller common.Address) (*big.Int, error)
	WithdrawProceeds(ctx context.Context, caller common.Address) (*big.Int, error)
}

// ProceedsHandler serves proceeds endpoints.
type ProceedsHandler struct {
	proceeds ProceedsService
	logger   *slog.Logger
}

// NewProceedsHandler creates a ProceedsHandler.
func NewProceedsHandler(proceeds ProceedsService, logger *slog.Logger) *ProceedsHandler {
	return &ProceedsHandler{proceeds: proceeds, logger: logger.With(slog.String("handler", "proceeds"))}
}

// GetProceeds returns a seller's withdrawable balance; zero when none.
// GET /api/proceeds/{seller}
func (h *ProceedsHandler) GetProceeds(w http.ResponseWriter, r *http.Request) {
	seller, err := pathAddress(r, "seller")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bal, err := h.proceeds.GetProceeds(r.Context(), seller)
	if err != nil {
		writeOpError(w, r, h.logger, "get proceeds", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"seller":   seller.Hex(),
		"proceeds": viewAmount(bal),
	})
}

// WithdrawProceeds pays the caller's whole balance out.
// POST /api/proceeds/withdraw
func (h *ProceedsHandler) WithdrawProceeds(w http.ResponseWriter, r *http.Request) {
	caller, ok := caller(w, r)
	if !ok {
		return
	}
	paid, err := h.proceeds.WithdrawProceeds(r.Context(), caller)
	if err != nil {
		writeOpError(w, r, h.logger, "withdraw proceeds", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"seller":    caller.Hex(),
		"withdrawn": viewAmount(paid),
	})
}
