// Package ethereum connects the marketplace to an EVM chain: an ERC-721
// ownership oracle and a native-currency payment channel, both acting as
// the operator account that the marketplace address stands for.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

// ErrReverted is returned when a mined transaction has a failed status.
var ErrReverted = errors.New("transaction reverted")

// Backend is the subset of an RPC client the package needs.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg geth.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg geth.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ethereum: dial %s: %w", rpcURL, err)
	}
	return c, nil
}

// DefaultReceiptTimeout bounds the wait for a broadcast transaction to be
// mined.
const DefaultReceiptTimeout = 2 * time.Minute

// Transactor signs and submits transactions from one account and waits
// for them to be mined.
type Transactor struct {
	backend        Backend
	key            *ecdsa.PrivateKey
	from           common.Address
	signer         types.Signer
	pollInterval   time.Duration
	receiptTimeout time.Duration
	logger         *slog.Logger
}

// NewTransactor creates a Transactor for key on chainID.
func NewTransactor(backend Backend, key *ecdsa.PrivateKey, chainID int64, pollInterval time.Duration, logger *slog.Logger) *Transactor {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Transactor{
		backend:        backend,
		key:            key,
		from:           ethcrypto.PubkeyToAddress(key.PublicKey),
		signer:         types.LatestSignerForChainID(big.NewInt(chainID)),
		pollInterval:   pollInterval,
		receiptTimeout: DefaultReceiptTimeout,
		logger:         logger.With(slog.String("component", "ethereum")),
	}
}

// WithReceiptTimeout sets how long Send keeps polling for a receipt after
// broadcast. Non-positive values keep the default.
func (t *Transactor) WithReceiptTimeout(d time.Duration) *Transactor {
	if d > 0 {
		t.receiptTimeout = d
	}
	return t
}

// From returns the sending account.
func (t *Transactor) From() common.Address { return t.from }

// Send submits a transaction to `to` carrying value and data and blocks
// until it is mined. A reverted transaction returns the receipt and
// ErrReverted.
//
// Once broadcast, the transaction may be mined whatever the caller does, so
// the receipt wait ignores cancellation of ctx and is bounded by the
// receipt timeout instead. If no receipt arrives in time the error is a
// *domain.OutcomeUnknownError carrying the transaction hash.
func (t *Transactor) Send(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	if value == nil {
		value = new(big.Int)
	}
	nonce, err := t.backend.PendingNonceAt(ctx, t.from)
	if err != nil {
		return nil, fmt.Errorf("ethereum: nonce: %w", err)
	}
	gasPrice, err := t.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("ethereum: gas price: %w", err)
	}
	gas, err := t.backend.EstimateGas(ctx, geth.CallMsg{From: t.from, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, fmt.Errorf("ethereum: estimate gas: %w", err)
	}

	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	}), t.signer, t.key)
	if err != nil {
		return nil, fmt.Errorf("ethereum: sign tx: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ethereum: send tx: %w", err)
	}
	if err := t.backend.SendTransaction(ctx, tx); err != nil {
		if ctx.Err() != nil {
			// The node may have accepted it before the call was cut off.
			return nil, &domain.OutcomeUnknownError{Ref: tx.Hash().Hex(), Err: fmt.Errorf("ethereum: send tx: %w", err)}
		}
		return nil, fmt.Errorf("ethereum: send tx: %w", err)
	}
	t.logger.DebugContext(ctx, "ethereum: tx sent",
		slog.String("hash", tx.Hash().Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("nonce", nonce),
	)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.receiptTimeout)
	defer cancel()
	receipt, err := t.waitMined(wctx, tx.Hash())
	if err != nil {
		t.logger.WarnContext(ctx, "ethereum: tx outcome unknown",
			slog.String("hash", tx.Hash().Hex()),
			slog.String("error", err.Error()),
		)
		return nil, &domain.OutcomeUnknownError{Ref: tx.Hash().Hex(), Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("ethereum: tx %s: %w", tx.Hash().Hex(), ErrReverted)
	}
	return receipt, nil
}

func (t *Transactor) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := t.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, geth.NotFound) {
			return nil, fmt.Errorf("ethereum: receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("ethereum: wait for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
