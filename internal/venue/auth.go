// auth.go generalizes the teacher's EIP-712/HMAC auth.go into two
// reusable credential schemes that any venue's Codec can compose from:
// a wallet-based L1 signer for exchanges that authenticate via a
// signed message, and an HMAC signer for exchanges that issue
// long-lived API key/secret pairs.
package venue

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// WalletAuth signs EIP-712 typed data with an EOA private key. Venues
// that authenticate by proving wallet ownership (rather than issuing a
// long-lived API secret) build their handshake frame from this.
type WalletAuth struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// NewWalletAuth parses a hex-encoded EOA private key (with or without
// the 0x prefix) for the given chain.
func NewWalletAuth(privateKeyHex string, chainID int64) (*WalletAuth, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return &WalletAuth{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    big.NewInt(chainID),
	}, nil
}

// Address returns the signer's Ethereum address.
func (a *WalletAuth) Address() common.Address { return a.address }

// ChainID returns the configured chain ID.
func (a *WalletAuth) ChainID() *big.Int { return a.chainID }

// SignAuthChallenge signs a typed-data attestation that the caller
// controls the wallet, parameterized by the venue's own EIP-712 domain
// name (venues vary this string; the shape is otherwise identical).
func (a *WalletAuth) SignAuthChallenge(domainName string, timestamp string, nonce int) (string, error) {
	sig, err := a.SignTypedData(
		&apitypes.TypedDataDomain{
			Name:    domainName,
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(a.chainID)),
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"AuthChallenge": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		apitypes.TypedDataMessage{
			"address":   a.address.Hex(),
			"timestamp": timestamp,
			"nonce":     fmt.Sprintf("%d", nonce),
			"message":   "This message attests that I control the given wallet",
		},
		"AuthChallenge",
	)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// SignTypedData signs EIP-712 typed data and adjusts V to 27/28.
func (a *WalletAuth) SignTypedData(
	domain *apitypes.TypedDataDomain,
	typesDef apitypes.Types,
	message apitypes.TypedDataMessage,
	primaryType string,
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain:      *domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, a.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}

	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// NewAuthTimestamp is the timestamp string most venues expect alongside
// a signature: seconds since epoch.
func NewAuthTimestamp() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

// HMACAuth signs REST/WS requests for venues that issue a long-lived
// API key, secret, and (optionally) passphrase rather than requiring a
// wallet signature per request.
type HMACAuth struct {
	apiKey     string
	secret     string
	passphrase string
}

// NewHMACAuth builds an HMACAuth from a venue's issued credentials.
func NewHMACAuth(apiKey, secret, passphrase string) *HMACAuth {
	return &HMACAuth{apiKey: apiKey, secret: secret, passphrase: passphrase}
}

// HasCredentials reports whether all required fields are present.
func (h *HMACAuth) HasCredentials() bool {
	return h.apiKey != "" && h.secret != ""
}

// Sign computes an HMAC-SHA256 signature over timestamp+method+path[+body].
// The secret may be base64-encoded in any common variant; all four are
// tried in turn.
func (h *HMACAuth) Sign(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(h.secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path + body

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Headers builds the standard four auth headers for an HMAC-authenticated
// REST call. Header names are generic; a Codec wraps these under the
// venue's own header key names where they differ.
func (h *HMACAuth) Headers(method, path, body string) (map[string]string, error) {
	timestamp := NewAuthTimestamp()
	sig, err := h.Sign(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("build hmac headers: %w", err)
	}
	return map[string]string{
		"API-KEY":        h.apiKey,
		"API-SIGNATURE":  sig,
		"API-TIMESTAMP":  timestamp,
		"API-PASSPHRASE": h.passphrase,
	}, nil
}
