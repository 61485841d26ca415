package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

// Wallets is the in-process balance book used in development.
type Wallets interface {
	Balance(account common.Address) *big.Int
	Deposit(ctx context.Context, account common.Address, amount *big.Int) (*big.Int, error)
}

// WalletHandler serves development wallet endpoints.
type WalletHandler struct {
	wallets Wallets
	logger  *slog.Logger
}

// NewWalletHandler creates a WalletHandler.
func NewWalletHandler(wallets Wallets, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{wallets: wallets, logger: logger.With(slog.String("handler", "wallet"))}
}

// GetBalance returns an account's wallet balance.
// GET /api/wallets/{address}
func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "address")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": addr.Hex(),
		"balance": viewAmount(h.wallets.Balance(addr)),
	})
}

type depositRequest struct {
	Amount    string `json:"amount" validate:"required_without=AmountEth,omitempty,number"`
	AmountEth string `json:"amount_eth" validate:"required_without=Amount,omitempty,numeric"`
}

// Deposit credits an account from the faucet.
// POST /api/wallets/{address}/deposit
func (h *WalletHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	addr, err := pathAddress(r, "address")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amt, err := amount(req.Amount, req.AmountEth)
	if err != nil {
		writeOpError(w, r, h.logger, "deposit", badAmount(err))
		return
	}

	bal, err := h.wallets.Deposit(r.Context(), addr, amt)
	if err != nil {
		writeOpError(w, r, h.logger, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": addr.Hex(),
		"balance": viewAmount(bal),
	})
}
