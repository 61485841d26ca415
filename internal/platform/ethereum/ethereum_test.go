package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

const chainID = 31337

var (
	collectionAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	alice          = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	bob            = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
)

// chain is an in-memory Backend serving one ERC-721 contract.
type chain struct {
	t   *testing.T
	abi abi.ABI

	mu        sync.Mutex
	owners    map[int64]common.Address
	approved  map[int64]common.Address
	operators map[[2]common.Address]bool
	sent      []*types.Transaction
	mined     map[common.Hash]*types.Transaction
	pending   int // receipt polls answered with NotFound before mining
	revert    bool
	onSend    func()
}

func newChain(t *testing.T) *chain {
	parsed, err := abi.JSON(strings.NewReader(erc721ABI))
	require.NoError(t, err)
	return &chain{
		t:         t,
		abi:       parsed,
		owners:    map[int64]common.Address{},
		approved:  map[int64]common.Address{},
		operators: map[[2]common.Address]bool{},
		mined:     map[common.Hash]*types.Transaction{},
	}
}

func (c *chain) CallContract(_ context.Context, msg geth.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	method, err := c.abi.MethodById(msg.Data[:4])
	require.NoError(c.t, err)
	args, err := method.Inputs.Unpack(msg.Data[4:])
	require.NoError(c.t, err)

	switch method.Name {
	case "ownerOf":
		owner, ok := c.owners[args[0].(*big.Int).Int64()]
		if !ok {
			return nil, errors.New("execution reverted: ERC721: invalid token ID")
		}
		return method.Outputs.Pack(owner)
	case "getApproved":
		return method.Outputs.Pack(c.approved[args[0].(*big.Int).Int64()])
	case "isApprovedForAll":
		return method.Outputs.Pack(c.operators[[2]common.Address{args[0].(common.Address), args[1].(common.Address)}])
	}
	c.t.Fatalf("unexpected call %s", method.Name)
	return nil, nil
}

func (c *chain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.sent)), nil
}

func (c *chain) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1_000_000_000), nil }

func (c *chain) EstimateGas(context.Context, geth.CallMsg) (uint64, error) { return 90_000, nil }

func (c *chain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, tx)
	if c.onSend != nil {
		c.onSend()
	}
	return nil
}

func (c *chain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending > 0 {
		c.pending--
		return nil, geth.NotFound
	}
	status := types.ReceiptStatusSuccessful
	if c.revert {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{TxHash: hash, Status: status}, nil
}

func (c *chain) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.mined[hash]
	if !ok {
		return nil, false, geth.NotFound
	}
	return tx, false, nil
}

func newTestOracle(t *testing.T) (*chain, *ERC721, *NativePayments, *Transactor) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	c := newChain(t)
	tr := NewTransactor(c, key, chainID, time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	oracle, err := NewERC721(c, tr)
	require.NoError(t, err)
	return c, oracle, NewNativePayments(tr), tr
}

func TestERC721Reads(t *testing.T) {
	c, oracle, _, tr := newTestOracle(t)
	ctx := context.Background()
	c.owners[0] = alice
	c.owners[1] = alice
	c.approved[0] = tr.From()

	owner, err := oracle.OwnerOf(ctx, domain.NewAssetKey(collectionAddr, big.NewInt(0)))
	require.NoError(t, err)
	assert.Equal(t, alice, owner)

	_, err = oracle.OwnerOf(ctx, domain.NewAssetKey(collectionAddr, big.NewInt(9)))
	assert.ErrorContains(t, err, "invalid token ID")

	ok, err := oracle.IsApprovedForMarketplace(ctx, domain.NewAssetKey(collectionAddr, big.NewInt(0)), tr.From())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = oracle.IsApprovedForMarketplace(ctx, domain.NewAssetKey(collectionAddr, big.NewInt(1)), tr.From())
	require.NoError(t, err)
	assert.False(t, ok)

	c.operators[[2]common.Address{alice, tr.From()}] = true
	ok, err = oracle.IsApprovedForMarketplace(ctx, domain.NewAssetKey(collectionAddr, big.NewInt(1)), tr.From())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestERC721TransferSendsSignedTx(t *testing.T) {
	c, oracle, _, tr := newTestOracle(t)
	c.pending = 2

	key := domain.NewAssetKey(collectionAddr, big.NewInt(7))
	require.NoError(t, oracle.Transfer(context.Background(), key, alice, bob))
	require.Len(t, c.sent, 1)

	tx := c.sent[0]
	assert.Equal(t, collectionAddr, *tx.To())
	assert.Equal(t, uint64(90_000), tx.Gas())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(chainID)), tx)
	require.NoError(t, err)
	assert.Equal(t, tr.From(), sender)

	method, err := c.abi.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "safeTransferFrom", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, alice, args[0])
	assert.Equal(t, bob, args[1])
	assert.Equal(t, int64(7), args[2].(*big.Int).Int64())
}

func TestRevertedTransfer(t *testing.T) {
	c, oracle, pay, _ := newTestOracle(t)
	c.revert = true

	err := oracle.Transfer(context.Background(), domain.NewAssetKey(collectionAddr, big.NewInt(1)), alice, bob)
	assert.ErrorIs(t, err, ErrReverted)

	err = pay.Send(context.Background(), bob, big.NewInt(5))
	assert.ErrorIs(t, err, ErrReverted)
}

func TestNativePayments(t *testing.T) {
	c, _, pay, _ := newTestOracle(t)

	require.NoError(t, pay.Send(context.Background(), bob, big.NewInt(100)))
	require.Len(t, c.sent, 1)
	assert.Equal(t, bob, *c.sent[0].To())
	assert.Equal(t, int64(100), c.sent[0].Value().Int64())
	assert.Empty(t, c.sent[0].Data())
}

func TestReceiptWaitOutlivesCallerContext(t *testing.T) {
	c, _, pay, tr := newTestOracle(t)
	tr.WithReceiptTimeout(time.Second)
	c.pending = 30

	ctx, cancel := context.WithCancel(context.Background())
	c.onSend = cancel
	require.NoError(t, pay.Send(ctx, bob, big.NewInt(1)))
	assert.Zero(t, c.pending)
	assert.Error(t, ctx.Err())
}

func TestNeverMinedTxHasUnknownOutcome(t *testing.T) {
	c, oracle, pay, tr := newTestOracle(t)
	tr.WithReceiptTimeout(20 * time.Millisecond)
	c.pending = 1 << 30

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err := pay.Send(ctx, bob, big.NewInt(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOutcomeUnknown)
	assert.NotErrorIs(t, err, ErrReverted)

	var unknown *domain.OutcomeUnknownError
	require.True(t, errors.As(err, &unknown))
	require.Len(t, c.sent, 1)
	assert.Equal(t, c.sent[0].Hash().Hex(), unknown.Ref)

	err = oracle.Transfer(context.Background(), domain.NewAssetKey(collectionAddr, big.NewInt(1)), alice, bob)
	assert.ErrorIs(t, err, domain.ErrOutcomeUnknown)
}

// payCustody mines a payment of value wei from key to custody and returns
// its hash.
func payCustody(t *testing.T, c *chain, key *ecdsa.PrivateKey, custody common.Address, value int64) string {
	t.Helper()
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    uint64(len(c.mined)),
		GasPrice: big.NewInt(1),
		Gas:      21_000,
		To:       &custody,
		Value:    big.NewInt(value),
	}), types.LatestSignerForChainID(big.NewInt(chainID)), key)
	require.NoError(t, err)
	c.mu.Lock()
	c.mined[tx.Hash()] = tx
	c.mu.Unlock()
	return tx.Hash().Hex()
}

func TestChainIntake(t *testing.T) {
	ctx := context.Background()
	c, _, pay, tr := newTestOracle(t)
	intake := NewChainIntake(c, chainID, tr.From(), NewMemoryClaims(), pay)

	buyerKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	buyer := ethcrypto.PubkeyToAddress(buyerKey.PublicKey)

	good := payCustody(t, c, buyerKey, tr.From(), 100)
	elsewhere := payCustody(t, c, buyerKey, bob, 100)

	assert.ErrorIs(t, intake.Collect(ctx, buyer, big.NewInt(100), ""), domain.ErrPaymentNeeded)
	assert.ErrorIs(t, intake.Collect(ctx, buyer, big.NewInt(99), good), domain.ErrPaymentInvalid)
	assert.ErrorIs(t, intake.Collect(ctx, alice, big.NewInt(100), good), domain.ErrPaymentInvalid)
	assert.ErrorIs(t, intake.Collect(ctx, buyer, big.NewInt(100), elsewhere), domain.ErrPaymentInvalid)
	assert.ErrorIs(t, intake.Collect(ctx, buyer, big.NewInt(100), common.Hash{9}.Hex()), geth.NotFound)

	require.NoError(t, intake.Collect(ctx, buyer, big.NewInt(100), good))
	assert.ErrorIs(t, intake.Collect(ctx, buyer, big.NewInt(100), good), domain.ErrPaymentUsed)

	c.revert = true
	reverted := payCustody(t, c, buyerKey, tr.From(), 5)
	assert.ErrorIs(t, intake.Collect(ctx, buyer, big.NewInt(5), reverted), domain.ErrPaymentInvalid)
	c.revert = false

	require.NoError(t, intake.Refund(ctx, buyer, big.NewInt(100)))
	last := c.sent[len(c.sent)-1]
	assert.Equal(t, buyer, *last.To())
	assert.Equal(t, int64(100), last.Value().Int64())
}
