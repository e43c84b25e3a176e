// Package auth verifies EIP-191 personal-sign signatures over the relay's
// canonical tunnel-authentication message and mints single-use nonces.
//
// The secp256k1 recovery primitive itself is treated as an external
// collaborator reached through one operation; this package supplies
// everything around it: canonical message construction, the timestamp
// window, and batch all-or-nothing semantics.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MaxTimestampSkew is how far a signed timestamp may drift from the
// verifier's clock in either direction before the signature is rejected.
const MaxTimestampSkew = 30 * time.Second

// messagePrefix is the fixed leader of every canonical tunnel-auth message.
const messagePrefix = "osaurus-tunnel"

// CanonicalMessage renders the exact bytes an agent must EIP-191-sign to
// prove ownership of address for the given nonce and timestamp.
func CanonicalMessage(address, nonce string, timestamp int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", messagePrefix, strings.ToLower(address), nonce, timestamp)
}

// GenerateNonce returns 32 cryptographically random bytes, lowercase-hex
// encoded, suitable as a single-use challenge or add-agent nonce.
func GenerateNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Result is the outcome of verifying a single agent's credential.
type Result struct {
	Address string // canonicalised lowercase 0x-address
	OK      bool
	Reason  string // set when !OK: "invalid_signature" or "invalid_timestamp"
}

// Verify checks that signature is a valid EIP-191 personal-sign signature of
// CanonicalMessage(address, nonce, timestamp) produced by address, and that
// timestamp is within MaxTimestampSkew of now. Any failure of the underlying
// recovery primitive (malformed signature, wrong length, point not on curve)
// is treated as an invalid signature rather than propagated.
func Verify(address, signatureHex, nonce string, timestamp int64, now time.Time) Result {
	canon, ok := normalizeAddress(address)
	if !ok {
		return Result{Address: address, OK: false, Reason: "invalid_signature"}
	}

	if skew := now.Unix() - timestamp; skew > int64(MaxTimestampSkew.Seconds()) || skew < -int64(MaxTimestampSkew.Seconds()) {
		return Result{Address: canon, OK: false, Reason: "invalid_timestamp"}
	}

	ok = verifySignature(canon, CanonicalMessage(canon, nonce, timestamp), signatureHex)
	if !ok {
		return Result{Address: canon, OK: false, Reason: "invalid_signature"}
	}
	return Result{Address: canon, OK: true}
}

// VerifyAll verifies a batch of agent credentials against one shared nonce
// and timestamp, atomically: if any credential fails, every result in the
// returned slice reports the original per-agent outcome but ok=false
// signals the caller that no tunnel should be established from this batch.
func VerifyAll(credentials map[string]string, nonce string, timestamp int64, now time.Time) (results []Result, allOK bool) {
	allOK = true
	for address, signature := range credentials {
		r := Verify(address, signature, nonce, timestamp, now)
		if !r.OK {
			allOK = false
		}
		results = append(results, r)
	}
	return results, allOK
}

// normalizeAddress lowercases and validates a 0x-prefixed 40-hex address
// without depending on the relay package (avoids an import cycle).
func normalizeAddress(raw string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return "", false
	}
	if _, err := hex.DecodeString(s[2:]); err != nil {
		return "", false
	}
	return s, true
}

// verifySignature recovers the signer's address from an EIP-191
// personal-sign signature over message and compares it to address.
// Recovery failures (bad length, invalid recovery id, point off-curve) are
// treated as a failed verification, never as an error returned to the
// caller.
func verifySignature(address, message, signatureHex string) bool {
	sig, err := decodeSignature(signatureHex)
	if err != nil {
		return false
	}

	hash := accounts191Hash(message)

	// go-ethereum expects the recovery id in the last byte as 0/1; wallets
	// conventionally produce 27/28, so normalize before recovery.
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return false
	}
	recovered := crypto.PubkeyToAddress(*pub)
	return strings.EqualFold(recovered.Hex(), address) || recovered == common.HexToAddress(address)
}

func decodeSignature(signatureHex string) ([]byte, error) {
	s := strings.TrimPrefix(signatureHex, "0x")
	sig, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	out := make([]byte, 65)
	copy(out, sig)
	return out, nil
}

// accounts191Hash applies the EIP-191 personal-sign prefix
// ("\x19Ethereum Signed Message:\n<len>") and hashes with Keccak-256,
// matching what every EIP-191-compliant wallet signs over.
func accounts191Hash(message string) []byte {
	prefixed := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(message)) + message
	return crypto.Keccak256([]byte(prefixed))
}
