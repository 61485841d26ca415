// Command mintlist mints a development asset, approves the marketplace for
// it, and lists it through the marketd HTTP API.
package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/nftmarketplace/internal/client"
	"github.com/alanyoungcy/nftmarketplace/internal/crypto"
)

// Hardhat's first default account; it owns the dev collection.
const devKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func main() {
	api := flag.String("api", "http://localhost:8000", "marketd base URL")
	collectionHex := flag.String("collection", "", "collection address")
	keyHex := flag.String("key", os.Getenv("MINTLIST_PRIVATE_KEY"), "caller private key (hex)")
	chainID := flag.Int64("chain-id", 31337, "chain id of the signing domain")
	price := flag.String("price", "0.1", "listing price in ether")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if !common.IsHexAddress(*collectionHex) {
		logger.Error("a valid -collection address is required")
		os.Exit(2)
	}
	if *keyHex == "" {
		*keyHex = devKey
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(*keyHex, "0x"))
	if err != nil {
		logger.Error("invalid private key", slog.String("error", err.Error()))
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := run(ctx, *api, common.HexToAddress(*collectionHex), key, *chainID, *price, logger); err != nil {
		logger.Error("mint and list failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, api string, collection common.Address, key *ecdsa.PrivateKey, chainID int64, price string, logger *slog.Logger) error {
	health, err := client.New(api, nil).Health(ctx)
	if err != nil {
		return err
	}
	marketplace := common.HexToAddress(health.Marketplace)

	c := client.New(api, crypto.NewRequestSigner(key, crypto.MarketplaceDomain(chainID, marketplace)))

	logger.Info("minting", slog.String("collection", collection.Hex()))
	asset, err := c.Mint(ctx, collection)
	if err != nil {
		return err
	}

	logger.Info("approving marketplace", slog.String("asset_id", asset.AssetID), slog.String("marketplace", marketplace.Hex()))
	if err := c.Approve(ctx, collection, asset.AssetID, marketplace); err != nil {
		return err
	}

	logger.Info("listing", slog.String("asset_id", asset.AssetID), slog.String("price_eth", price))
	listing, err := c.List(ctx, collection, asset.AssetID, price)
	if err != nil {
		return err
	}
	logger.Info("listed",
		slog.String("collection", listing.Collection),
		slog.String("asset_id", listing.AssetID),
		slog.String("seller", listing.Seller),
	)
	return nil
}
