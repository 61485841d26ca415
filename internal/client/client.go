// Package client calls the marketd HTTP API, signing mutating requests
// with the caller's key.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarketplace/internal/crypto"
)

// Client is a marketd API client for one caller.
type Client struct {
	baseURL string
	signer  *crypto.RequestSigner
	http    *http.Client
	now     func() time.Time
}

// New creates a Client. signer may be nil for read-only use.
func New(baseURL string, signer *crypto.RequestSigner) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		http:    &http.Client{Timeout: 15 * time.Second},
		now:     time.Now,
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
	Kind    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("client: %d %s: %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("client: %d: %s", e.Status, e.Message)
}

// Health is the subset of GET /api/health the client uses.
type Health struct {
	Status      string `json:"status"`
	Marketplace string `json:"marketplace"`
}

// Asset identifies a minted asset.
type Asset struct {
	Collection string `json:"collection"`
	AssetID    string `json:"asset_id"`
	Owner      string `json:"owner"`
}

// Listing is a listing as rendered by the API.
type Listing struct {
	Listed     bool   `json:"listed"`
	Collection string `json:"collection"`
	AssetID    string `json:"asset_id"`
	Seller     string `json:"seller"`
	Price      *struct {
		Wei   string `json:"wei"`
		Ether string `json:"ether"`
	} `json:"price"`
}

// Health reads the daemon status and the marketplace address.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/api/health", nil, false, &out)
	return out, err
}

// Mint mints the next asset of collection to the caller.
func (c *Client) Mint(ctx context.Context, collection common.Address) (Asset, error) {
	var out Asset
	err := c.do(ctx, http.MethodPost, "/api/collections/"+collection.Hex()+"/mint", map[string]any{}, true, &out)
	return out, err
}

// Approve approves spender for one asset.
func (c *Client) Approve(ctx context.Context, collection common.Address, assetID string, spender common.Address) error {
	path := "/api/collections/" + collection.Hex() + "/" + assetID + "/approve"
	return c.do(ctx, http.MethodPost, path, map[string]string{"spender": spender.Hex()}, true, nil)
}

// List lists an asset at a price given in ether.
func (c *Client) List(ctx context.Context, collection common.Address, assetID, priceEth string) (Listing, error) {
	var out Listing
	err := c.do(ctx, http.MethodPost, "/api/listings", map[string]string{
		"collection": collection.Hex(),
		"asset_id":   assetID,
		"price_eth":  priceEth,
	}, true, &out)
	return out, err
}

// GetListing reads the listing for an asset.
func (c *Client) GetListing(ctx context.Context, collection common.Address, assetID string) (Listing, error) {
	var out Listing
	err := c.do(ctx, http.MethodGet, "/api/listings/"+collection.Hex()+"/"+assetID, nil, false, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in any, signed bool, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("client: marshal %s %s: %w", method, path, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("client: build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		if c.signer == nil {
			return fmt.Errorf("client: %s %s needs a signer", method, path)
		}
		ts := c.now()
		sig, err := c.signer.Sign(method, path, body, ts)
		if err != nil {
			return fmt.Errorf("client: sign %s %s: %w", method, path, err)
		}
		req.Header.Set(crypto.HeaderCaller, c.signer.Address().Hex())
		req.Header.Set(crypto.HeaderTimestamp, strconv.FormatInt(ts.Unix(), 10))
		req.Header.Set(crypto.HeaderSignature, sig)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("client: read %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var e struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message, apiErr.Kind = e.Error, e.Kind
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("client: decode %s %s: %w", method, path, err)
	}
	return nil
}
