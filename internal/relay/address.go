// Package relay implements the tunnel lifecycle, the address routing table,
// and the HTTP↔tunnel request multiplexer — the coupled core of the relay.
package relay

import (
	"regexp"
	"strings"
)

// addressPattern matches a canonical 0x-prefixed 40-hex-digit address.
var addressPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// Address is a canonicalised (lowercase, 0x-prefixed, 40-hex-digit) agent
// identity. It is always safe to use as a map key or a DNS label once
// constructed via CanonicalizeAddress.
type Address string

// CanonicalizeAddress lowercases and validates a raw address string. Input is
// case-insensitive; the zero value and a reported false are returned when the
// input does not match the 42-character `0x`+40-hex pattern.
func CanonicalizeAddress(raw string) (Address, bool) {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if !addressPattern.MatchString(lower) {
		return "", false
	}
	return Address(lower), true
}

// IsSubdomainAddress reports whether label is a valid address when taken as
// the leftmost DNS label of a Host header, returning the canonical address.
func IsSubdomainAddress(label string) (Address, bool) {
	return CanonicalizeAddress(label)
}

// URL renders the public URL an agent is reachable at under baseDomain.
func (a Address) URL(baseDomain string) string {
	return "https://" + string(a) + "." + baseDomain
}

func (a Address) String() string { return string(a) }
