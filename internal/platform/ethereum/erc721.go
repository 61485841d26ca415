package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

const erc721ABI = `[
 {"type":"function","name":"ownerOf","stateMutability":"view",
  "inputs":[{"name":"tokenId","type":"uint256"}],
  "outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"getApproved","stateMutability":"view",
  "inputs":[{"name":"tokenId","type":"uint256"}],
  "outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"isApprovedForAll","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"safeTransferFrom","stateMutability":"nonpayable",
  "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],
  "outputs":[]}
]`

// ERC721 is an OwnershipOracle backed by ERC-721 contracts. Reads are
// eth_calls; transfers are safeTransferFrom transactions sent by the
// operator, which must be the approved marketplace address.
type ERC721 struct {
	backend    Backend
	transactor *Transactor
	abi        abi.ABI
}

var _ domain.OwnershipOracle = (*ERC721)(nil)

// NewERC721 creates the oracle.
func NewERC721(backend Backend, transactor *Transactor) (*ERC721, error) {
	parsed, err := abi.JSON(strings.NewReader(erc721ABI))
	if err != nil {
		return nil, fmt.Errorf("ethereum: parse erc721 abi: %w", err)
	}
	return &ERC721{backend: backend, transactor: transactor, abi: parsed}, nil
}

// OwnerOf returns the current owner of key.
func (e *ERC721) OwnerOf(ctx context.Context, key domain.AssetKey) (common.Address, error) {
	var owner common.Address
	if err := e.call(ctx, key.Collection, "ownerOf", &owner, key.ID()); err != nil {
		return common.Address{}, err
	}
	return owner, nil
}

// IsApprovedForMarketplace reports whether operator may move key, either
// as its approved address or as an operator for all of the owner's assets.
func (e *ERC721) IsApprovedForMarketplace(ctx context.Context, key domain.AssetKey, operator common.Address) (bool, error) {
	var approved common.Address
	if err := e.call(ctx, key.Collection, "getApproved", &approved, key.ID()); err != nil {
		return false, err
	}
	if approved == operator {
		return true, nil
	}

	owner, err := e.OwnerOf(ctx, key)
	if err != nil {
		return false, err
	}
	var all bool
	if err := e.call(ctx, key.Collection, "isApprovedForAll", &all, owner, operator); err != nil {
		return false, err
	}
	return all, nil
}

// Transfer moves key from `from` to `to` with safeTransferFrom.
func (e *ERC721) Transfer(ctx context.Context, key domain.AssetKey, from, to common.Address) error {
	data, err := e.abi.Pack("safeTransferFrom", from, to, key.ID())
	if err != nil {
		return fmt.Errorf("ethereum: pack safeTransferFrom: %w", err)
	}
	if _, err := e.transactor.Send(ctx, key.Collection, nil, data); err != nil {
		return fmt.Errorf("ethereum: transfer %s: %w", key, err)
	}
	return nil
}

func (e *ERC721) call(ctx context.Context, contract common.Address, method string, out any, args ...any) error {
	data, err := e.abi.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("ethereum: pack %s: %w", method, err)
	}
	res, err := e.backend.CallContract(ctx, geth.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("ethereum: call %s on %s: %w", method, contract.Hex(), err)
	}
	if err := e.abi.UnpackIntoInterface(out, method, res); err != nil {
		return fmt.Errorf("ethereum: unpack %s: %w", method, err)
	}
	return nil
}

// NativePayments is a PaymentChannel that pays out in the chain's native
// currency from the operator account.
type NativePayments struct {
	transactor *Transactor
}

var _ domain.PaymentChannel = (*NativePayments)(nil)

// NewNativePayments creates the channel.
func NewNativePayments(transactor *Transactor) *NativePayments {
	return &NativePayments{transactor: transactor}
}

// Send transfers amount wei to `to`.
func (p *NativePayments) Send(ctx context.Context, to common.Address, amount *big.Int) error {
	if _, err := p.transactor.Send(ctx, to, amount, nil); err != nil {
		return fmt.Errorf("ethereum: pay %s: %w", to.Hex(), err)
	}
	return nil
}
