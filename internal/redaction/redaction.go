// Package redaction implements §4.J: detecting "[REDACTED]"/"***" markers
// in a canonical payload and checking for their required integrity
// companion hash. Shared by the verifier and the policy engine so the two
// never disagree about what counts as a redacted field.
package redaction

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/agentops/evidence/pkg/hashing"
)

// isMarker reports whether s is a value whose presence makes a field
// "redacted" per §4.J.
func isMarker(s string) bool {
	return s == "[REDACTED]" || s == "***"
}

// Finding describes one redacted field and whether its companion hash is
// present and well-formed.
type Finding struct {
	// Path is a human-readable dotted path to the redacted field, e.g.
	// "email" or "messages.0.content".
	Path string
	// CompanionKey is the sibling key expected to hold the integrity hash,
	// e.g. "email_hash".
	CompanionKey string
	// Valid is true iff the sibling key exists and is a hex string of
	// length >= 64.
	Valid bool
}

// Scan walks canonicalPayload (already-canonicalized JSON bytes) and
// returns one Finding per redacted field discovered anywhere in the
// object tree, depth-first; the order among members of one object is not
// defined.
func Scan(canonicalPayload []byte) ([]Finding, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(canonicalPayload))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("redaction: decode payload: %w", err)
	}
	var findings []Finding
	scanValue("", v, &findings)
	return findings, nil
}

func scanValue(path string, v any, findings *[]Finding) {
	switch t := v.(type) {
	case map[string]any:
		for k, fv := range t {
			if s, ok := fv.(string); ok && isMarker(s) {
				companionKey := k + "_hash"
				companion, present := t[companionKey]
				valid := false
				if present {
					if cs, ok := companion.(string); ok {
						valid = hashing.IsHexAtLeast64(cs)
					}
				}
				*findings = append(*findings, Finding{
					Path:         joinPath(path, k),
					CompanionKey: companionKey,
					Valid:        valid,
				})
			} else {
				scanValue(joinPath(path, k), fv, findings)
			}
		}
	case []any:
		for i, e := range t {
			scanValue(fmt.Sprintf("%s.%d", path, i), e, findings)
		}
	}
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

// AnyRedacted reports whether findings is non-empty.
func AnyRedacted(findings []Finding) bool { return len(findings) > 0 }

// AllValid reports whether every finding has a valid companion hash.
func AllValid(findings []Finding) bool {
	for _, f := range findings {
		if !f.Valid {
			return false
		}
	}
	return true
}
