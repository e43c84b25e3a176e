package auth

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// signFor signs the canonical message for address/nonce/timestamp with key
// and returns the 0x-prefixed 65-byte signature hex over the same EIP-191
// digest a wallet's personal_sign uses. The recovery id is left as 0/1, as
// crypto.Sign emits it, rather than a wallet's 27/28.
func signFor(t *testing.T, key []byte, address, nonce string, timestamp int64) string {
	t.Helper()
	priv, err := crypto.ToECDSA(key)
	if err != nil {
		t.Fatalf("load private key: %v", err)
	}
	hash := accounts191Hash(CanonicalMessage(address, nonce, timestamp))
	sig, err := crypto.Sign(hash, priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "0x" + hex.EncodeToString(sig)
}

func newTestKey(t *testing.T) (priv []byte, address string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return crypto.FromECDSA(key), addr.Hex()
}

func TestVerify_ValidSignature(t *testing.T) {
	priv, address := newTestKey(t)
	now := time.Now()
	nonce := "deadbeef"
	sig := signFor(t, priv, address, nonce, now.Unix())

	result := Verify(address, sig, nonce, now.Unix(), now)
	if !result.OK {
		t.Fatalf("expected valid signature to verify, got reason=%q", result.Reason)
	}
}

func TestVerify_WrongSigner(t *testing.T) {
	priv, _ := newTestKey(t)
	_, otherAddress := newTestKey(t)
	now := time.Now()
	nonce := "deadbeef"
	sig := signFor(t, priv, otherAddress, nonce, now.Unix())

	result := Verify(otherAddress, sig, nonce, now.Unix(), now)
	if result.OK {
		t.Fatal("expected signature from a different key to fail verification")
	}
	if result.Reason != "invalid_signature" {
		t.Errorf("reason = %q, want invalid_signature", result.Reason)
	}
}

func TestVerify_StaleTimestamp(t *testing.T) {
	priv, address := newTestKey(t)
	now := time.Now()
	nonce := "deadbeef"
	staleTimestamp := now.Add(-time.Hour).Unix()
	sig := signFor(t, priv, address, nonce, staleTimestamp)

	result := Verify(address, sig, nonce, staleTimestamp, now)
	if result.OK {
		t.Fatal("expected stale timestamp to be rejected")
	}
	if result.Reason != "invalid_timestamp" {
		t.Errorf("reason = %q, want invalid_timestamp", result.Reason)
	}
}

func TestVerify_WithinSkewWindow(t *testing.T) {
	priv, address := newTestKey(t)
	now := time.Now()
	nonce := "deadbeef"
	timestamp := now.Add(-20 * time.Second).Unix()
	sig := signFor(t, priv, address, nonce, timestamp)

	result := Verify(address, sig, nonce, timestamp, now)
	if !result.OK {
		t.Fatalf("expected timestamp within skew window to verify, got reason=%q", result.Reason)
	}
}

func TestVerify_MalformedSignature(t *testing.T) {
	_, address := newTestKey(t)
	result := Verify(address, "0xnothex", "deadbeef", time.Now().Unix(), time.Now())
	if result.OK {
		t.Fatal("expected malformed signature to fail, not panic or succeed")
	}
}

func TestVerify_InvalidAddress(t *testing.T) {
	result := Verify("not-an-address", "0x00", "deadbeef", time.Now().Unix(), time.Now())
	if result.OK {
		t.Fatal("expected invalid address to fail verification")
	}
}

func TestVerifyAll_AllOrNothing(t *testing.T) {
	priv1, addr1 := newTestKey(t)
	_, addr2 := newTestKey(t)
	now := time.Now()
	nonce := "feedface"

	creds := map[string]string{
		addr1: signFor(t, priv1, addr1, nonce, now.Unix()),
		addr2: "0xbad",
	}

	results, allOK := VerifyAll(creds, nonce, now.Unix(), now)
	if allOK {
		t.Fatal("expected batch with one bad signature to fail as a whole")
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestVerifyAll_AllValid(t *testing.T) {
	priv1, addr1 := newTestKey(t)
	priv2, addr2 := newTestKey(t)
	now := time.Now()
	nonce := "feedface"

	creds := map[string]string{
		addr1: signFor(t, priv1, addr1, nonce, now.Unix()),
		addr2: signFor(t, priv2, addr2, nonce, now.Unix()),
	}

	_, allOK := VerifyAll(creds, nonce, now.Unix(), now)
	if !allOK {
		t.Fatal("expected batch of all-valid signatures to pass")
	}
}

func TestGenerateNonce_Unique(t *testing.T) {
	a, err := GenerateNonce()
	if err != nil {
		t.Fatalf("generate nonce: %v", err)
	}
	b, err := GenerateNonce()
	if err != nil {
		t.Fatalf("generate nonce: %v", err)
	}
	if a == b {
		t.Error("expected two generated nonces to differ")
	}
	if len(a) != 64 {
		t.Errorf("nonce length = %d, want 64 hex chars for 32 bytes", len(a))
	}
}
