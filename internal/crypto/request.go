package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

// Header names carrying a signed request.
const (
	HeaderCaller    = "X-Caller"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

var (
	domainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)
	requestTypeHash = ethcrypto.Keccak256(
		[]byte("Request(address caller,string method,string path,bytes32 bodyHash,uint256 timestamp)"),
	)
)

// Domain is the EIP-712 domain requests are signed under. VerifyingContract
// is the marketplace address, so a signature is only valid for one
// deployment.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

// MarketplaceDomain returns the domain used by the HTTP API.
func MarketplaceDomain(chainID int64, marketplace common.Address) Domain {
	return Domain{Name: "NftMarketplace", Version: "1", ChainID: chainID, VerifyingContract: marketplace}
}

// Separator returns the domain separator hash.
func (d Domain) Separator() []byte {
	return ethcrypto.Keccak256(concatBytes(
		domainTypeHash,
		ethcrypto.Keccak256([]byte(d.Name)),
		ethcrypto.Keccak256([]byte(d.Version)),
		bigIntTo32Bytes(big.NewInt(d.ChainID)),
		common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
	))
}

// Request is the signed description of one HTTP call.
type Request struct {
	Caller    common.Address
	Method    string
	Path      string
	Body      []byte
	Timestamp time.Time
}

// Digest returns the EIP-712 digest of r under d.
func (d Domain) Digest(r Request) []byte {
	structHash := ethcrypto.Keccak256(concatBytes(
		requestTypeHash,
		common.LeftPadBytes(r.Caller.Bytes(), 32),
		ethcrypto.Keccak256([]byte(strings.ToUpper(r.Method))),
		ethcrypto.Keccak256([]byte(r.Path)),
		ethcrypto.Keccak256(r.Body),
		bigIntTo32Bytes(big.NewInt(r.Timestamp.Unix())),
	))
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, d.Separator(), structHash))
}

// RequestSigner signs requests with one account's key.
type RequestSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	domain  Domain
}

// NewRequestSigner creates a RequestSigner for key under d.
func NewRequestSigner(key *ecdsa.PrivateKey, d Domain) *RequestSigner {
	return &RequestSigner{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey), domain: d}
}

// Address returns the signing account.
func (s *RequestSigner) Address() common.Address {
	return s.address
}

// Sign returns the 0x-prefixed 65-byte signature of the request, with v in
// {27, 28}. The request's caller is always the signer's address.
func (s *RequestSigner) Sign(method, path string, body []byte, ts time.Time) (string, error) {
	digest := s.domain.Digest(Request{Caller: s.address, Method: method, Path: path, Body: body, Timestamp: ts})
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("crypto: sign request: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// Verifier checks request signatures under one domain.
type Verifier struct {
	domain  Domain
	maxSkew time.Duration
	now     func() time.Time
}

// NewVerifier creates a Verifier that rejects timestamps further than
// maxSkew from the current time.
func NewVerifier(d Domain, maxSkew time.Duration) *Verifier {
	return &Verifier{domain: d, maxSkew: maxSkew, now: time.Now}
}

// Verify checks that sigHex was produced by r.Caller over r. Failures wrap
// domain.ErrBadSignature.
func (v *Verifier) Verify(r Request, sigHex string) error {
	if skew := v.now().Sub(r.Timestamp); skew > v.maxSkew || skew < -v.maxSkew {
		return fmt.Errorf("crypto: timestamp outside %s window: %w", v.maxSkew, domain.ErrBadSignature)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil || len(sig) != 65 {
		return fmt.Errorf("crypto: malformed signature: %w", domain.ErrBadSignature)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(v.domain.Digest(r), sig)
	if err != nil {
		return fmt.Errorf("crypto: recover signer: %w: %w", domain.ErrBadSignature, err)
	}
	if got := ethcrypto.PubkeyToAddress(*pub); got != r.Caller {
		return fmt.Errorf("crypto: signed by %s, not %s: %w", got.Hex(), r.Caller.Hex(), domain.ErrBadSignature)
	}
	return nil
}

// bigIntTo32Bytes returns n as a 32-byte big-endian word.
func bigIntTo32Bytes(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

func concatBytes(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
