// Package hashing provides the SHA-256 primitives layered directly on top
// of pkg/jcs: hex digests of canonical payload bytes and of canonicalized
// signed-field objects. Every hash in this repository that claims to be
// authoritative is produced by one of these functions, never by ad hoc
// sha256.Sum calls scattered through the codebase.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/agentops/evidence/pkg/jcs"
)

// HexSHA256 returns the lowercase hex SHA-256 digest of raw.
func HexSHA256(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// CanonicalHash canonicalizes v and returns its canonical bytes alongside
// the hex SHA-256 digest of those bytes. Used by the sealer for
// payload_hash and by the verifier for recomputation; both call through
// the same function so there is exactly one place that decides what
// "canonical" means.
func CanonicalHash(v any) (canonical []byte, hexDigest string, err error) {
	canonical, err = jcs.CanonicalizeValue(v)
	if err != nil {
		return nil, "", fmt.Errorf("hashing: canonicalize: %w", err)
	}
	return canonical, HexSHA256(canonical), nil
}

// CanonicalHashBytes is CanonicalHash for input that is already raw JSON
// (e.g. a producer-supplied payload received as json.RawMessage), so that
// duplicate-key detection happens on the original bytes rather than on a
// value reconstructed through encoding/json.
func CanonicalHashBytes(raw []byte) (canonical []byte, hexDigest string, err error) {
	canonical, err = jcs.Canonicalize(raw)
	if err != nil {
		return nil, "", fmt.Errorf("hashing: canonicalize: %w", err)
	}
	return canonical, HexSHA256(canonical), nil
}

// IsHexSHA256 reports whether s looks like a lowercase- or uppercase-hex
// SHA-256 digest: exactly 64 hex characters (event_hash, payload_hash,
// session_digest comparisons). Redaction companion hashes, which need only
// be at least 64 hex characters, are checked with IsHexAtLeast64.
func IsHexSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	return isHex(s)
}

// IsHexAtLeast64 reports whether s is a hex string of at least 64
// characters, the redaction-companion-hash requirement from §4.J, which is
// deliberately looser than IsHexSHA256 (a redaction hash need not itself be
// a SHA-256 digest, only hex and long enough to not be a placeholder).
func IsHexAtLeast64(s string) bool {
	return len(s) >= 64 && isHex(s)
}

func isHex(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		isDigit := r >= '0' && r <= '9'
		isLower := r >= 'a' && r <= 'f'
		isUpper := r >= 'A' && r <= 'F'
		return !isDigit && !isLower && !isUpper
	}) == -1
}

// ConcatASCII joins hex digest strings by straight ASCII concatenation, the
// preimage construction used for session_digest (§3 "Chain seal"):
// SHA-256(session_id || event_hash[0] || ... || event_hash[n-1] || final_event_hash).
func ConcatASCII(parts ...string) []byte {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p)
	}
	return []byte(b.String())
}
