package venue

import (
	"strings"
	"testing"
)

func TestWalletAuthSignAuthChallenge(t *testing.T) {
	t.Parallel()

	auth, err := NewWalletAuth("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318", 42161)
	if err != nil {
		t.Fatalf("NewWalletAuth: %v", err)
	}

	if auth.Address().Hex() == "" {
		t.Fatal("Address() returned empty")
	}
	if auth.ChainID().Int64() != 42161 {
		t.Fatalf("ChainID() = %d, want 42161", auth.ChainID().Int64())
	}

	sig, err := auth.SignAuthChallenge("test-venue", NewAuthTimestamp(), 1)
	if err != nil {
		t.Fatalf("SignAuthChallenge: %v", err)
	}
	if !strings.HasPrefix(sig, "0x") {
		t.Fatalf("signature %q missing 0x prefix", sig)
	}
	// 65-byte secp256k1 signature, hex-encoded with 0x prefix.
	if len(sig) != 2+130 {
		t.Fatalf("signature length = %d, want %d", len(sig), 2+130)
	}

	sig2, err := auth.SignAuthChallenge("test-venue", NewAuthTimestamp(), 2)
	if err != nil {
		t.Fatalf("SignAuthChallenge (nonce 2): %v", err)
	}
	if sig == sig2 {
		t.Fatal("signatures for different nonces must differ")
	}
}

func TestWalletAuthRejectsMalformedKey(t *testing.T) {
	t.Parallel()

	if _, err := NewWalletAuth("not-hex", 1); err == nil {
		t.Fatal("expected error for malformed private key")
	}
}

func TestHMACAuthSignIsDeterministic(t *testing.T) {
	t.Parallel()

	auth := NewHMACAuth("key123", "c2VjcmV0Ym9keQ", "pass")
	if !auth.HasCredentials() {
		t.Fatal("HasCredentials() = false, want true")
	}

	sig1, err := auth.Sign("1700000000", "GET", "/api/v1/orders", "")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig2, err := auth.Sign("1700000000", "GET", "/api/v1/orders", "")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if sig1 != sig2 {
		t.Fatal("Sign must be deterministic for identical inputs")
	}

	sig3, err := auth.Sign("1700000000", "POST", "/api/v1/orders", `{"size":"1"}`)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if sig3 == sig1 {
		t.Fatal("signature must change when method/path/body change")
	}
}

func TestHMACAuthMissingCredentials(t *testing.T) {
	t.Parallel()

	auth := NewHMACAuth("", "", "")
	if auth.HasCredentials() {
		t.Fatal("HasCredentials() = true, want false for empty key/secret")
	}
}

func TestHMACAuthHeaders(t *testing.T) {
	t.Parallel()

	auth := NewHMACAuth("key123", "c2VjcmV0Ym9keQ", "pass123")
	headers, err := auth.Headers("GET", "/api/v1/account", "")
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}

	for _, key := range []string{"API-KEY", "API-SIGNATURE", "API-TIMESTAMP", "API-PASSPHRASE"} {
		if headers[key] == "" {
			t.Errorf("Headers()[%q] is empty", key)
		}
	}
	if headers["API-KEY"] != "key123" {
		t.Errorf("API-KEY = %q, want %q", headers["API-KEY"], "key123")
	}
	if headers["API-PASSPHRASE"] != "pass123" {
		t.Errorf("API-PASSPHRASE = %q, want %q", headers["API-PASSPHRASE"], "pass123")
	}
}
