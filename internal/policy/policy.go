// Package policy implements §4.H: a pure function over committed events
// producing immutable Violation records. No I/O, no clocks, no environment
// lookups inside Evaluate — every call with the same inputs and the same
// policy-set identity produces the same output, the way the teacher's
// config package treats a loaded YAML config as immutable for the process
// lifetime.
package policy

import (
	"fmt"
	"regexp"

	"github.com/agentops/evidence/internal/redaction"
	"github.com/agentops/evidence/pkg/evidence"
	"github.com/agentops/evidence/pkg/hashing"
)

// Config is the declarative policy-set configuration loaded once at
// process start from YAML (the cmd binaries read and parse the file named
// by internal/config's PolicyConfigPath; this package only interprets its
// contents).
type Config struct {
	Version       string   `yaml:"version"`
	ToolAllowList []string `yaml:"tool_allow_list"`
	PIIEnabled    bool     `yaml:"pii_enabled"`
}

// policySource is the literal source text contributing to each built-in
// policy's policy_hash (§3 "policy_hash = SHA-256(policy source text ∥
// canonical(own-config-subset))"). These are short fixed descriptions of
// policy behavior, not a serialization of the Go source file -- only the
// Violation it can produce needs to be pinned, not the implementation.
const (
	redactionIntegritySource = "redaction-integrity: every [REDACTED]/*** value must have a sibling <field>_hash of length >= 64 hex chars"
	piiHeuristicSource       = "pii-heuristic: regex scan for email/phone/ssn/credit-card patterns; heuristic, not certification"
	toolAllowListSource      = "tool-allow-list: every TOOL_CALL event must carry a tool_name present in the configured allow list"
)

// Identity is the policy-set's externally visible identity (§4.H):
// {version, config_hash, [policies]}, each policy contributing its own
// policy_hash.
type Identity struct {
	Version     string
	ConfigHash  string
	PolicyNames []string
	PolicyHash  map[string]string
}

// Set is a loaded, immutable policy set: the built-in policies plus the
// configuration they were constructed from. Construct once at process
// start with Load; Evaluate is then safe for concurrent use from any
// number of orchestrator transactions.
type Set struct {
	cfg        Config
	identity   Identity
	policies   []policy
}

type policy interface {
	name() string
	version() string
	evaluate(events []evidence.CanonicalEvent) ([]evidence.Violation, error)
}

// Load builds a Set from cfg, computing the policy-set identity the way
// §4.H specifies: config_hash over the whole canonical config, and one
// policy_hash per built-in policy over its source text concatenated with
// its own config subset.
func Load(cfg Config) (*Set, error) {
	_, configHash, err := hashing.CanonicalHash(cfg)
	if err != nil {
		return nil, fmt.Errorf("policy: hash config: %w", err)
	}

	redactionHash, err := policyHash(redactionIntegritySource, map[string]any{})
	if err != nil {
		return nil, err
	}
	piiHash, err := policyHash(piiHeuristicSource, map[string]any{"enabled": cfg.PIIEnabled})
	if err != nil {
		return nil, err
	}
	toolHash, err := policyHash(toolAllowListSource, map[string]any{"tool_allow_list": cfg.ToolAllowList})
	if err != nil {
		return nil, err
	}

	identity := Identity{
		Version:     cfg.Version,
		ConfigHash:  configHash,
		PolicyNames: []string{"redaction-integrity", "pii-heuristic", "tool-allow-list"},
		PolicyHash: map[string]string{
			"redaction-integrity": redactionHash,
			"pii-heuristic":       piiHash,
			"tool-allow-list":     toolHash,
		},
	}

	policies := []policy{
		&redactionIntegrityPolicy{policyHash: redactionHash},
	}
	if cfg.PIIEnabled {
		policies = append(policies, &piiHeuristicPolicy{policyHash: piiHash})
	}
	policies = append(policies, &toolAllowListPolicy{allowed: toSet(cfg.ToolAllowList), policyHash: toolHash})

	return &Set{cfg: cfg, identity: identity, policies: policies}, nil
}

// Identity returns the policy-set's identity (safe to call concurrently;
// it is computed once in Load and never mutated).
func (s *Set) Identity() Identity { return s.identity }

// Evaluate runs every loaded policy over events in order and returns the
// concatenation of their Violations. A policy that returns an error aborts
// the whole evaluation -- §4.H: "Policy exceptions are not silently
// swallowed; they roll back the batch in which they were triggered."
func (s *Set) Evaluate(events []evidence.CanonicalEvent) ([]evidence.Violation, error) {
	var out []evidence.Violation
	for _, p := range s.policies {
		vs, err := p.evaluate(events)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", p.name(), err)
		}
		out = append(out, vs...)
	}
	return out, nil
}

func policyHash(source string, configSubset any) (string, error) {
	configCanonical, _, err := hashing.CanonicalHash(configSubset)
	if err != nil {
		return "", fmt.Errorf("policy: hash config subset: %w", err)
	}
	// policy_hash = SHA-256(source text || canonical(config subset)): the
	// source text followed by the canonical JSON bytes of the config subset
	// form the preimage (pkg/hashing.ConcatASCII).
	preimage := hashing.ConcatASCII(source, string(configCanonical))
	return hashing.HexSHA256(preimage), nil
}

func toSet(values []string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

// --- built-in: redaction integrity ---------------------------------------

type redactionIntegrityPolicy struct {
	policyHash string
}

func (p *redactionIntegrityPolicy) name() string    { return "redaction-integrity" }
func (p *redactionIntegrityPolicy) version() string { return "1" }

func (p *redactionIntegrityPolicy) evaluate(events []evidence.CanonicalEvent) ([]evidence.Violation, error) {
	var out []evidence.Violation
	for _, ev := range events {
		findings, err := redaction.Scan(ev.PayloadCanonical)
		if err != nil {
			return nil, fmt.Errorf("scan payload for event %s: %w", ev.EventID, err)
		}
		for _, f := range findings {
			if f.Valid {
				continue
			}
			out = append(out, evidence.Violation{
				EventID:             ev.EventID,
				SessionID:           ev.SessionID,
				EventSequenceNumber: ev.SequenceNumber,
				PolicyName:          p.name(),
				PolicyVersion:       p.version(),
				PolicyHash:          p.policyHash,
				Severity:            evidence.SeverityError,
				Description:         fmt.Sprintf("redacted field %q is missing a valid companion hash %q", f.Path, f.CompanionKey),
				Metadata:            map[string]any{"path": f.Path, "companion_key": f.CompanionKey},
			})
		}
	}
	return out, nil
}

// --- built-in: PII heuristic ----------------------------------------------

var (
	emailRE      = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRE      = regexp.MustCompile(`\b(\+?\d{1,2}[ .\-]?)?\(?\d{3}\)?[ .\-]?\d{3}[ .\-]?\d{4}\b`)
	ssnRE        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	creditCardRE = regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)
)

type piiHeuristicPolicy struct {
	policyHash string
}

func (p *piiHeuristicPolicy) name() string    { return "pii-heuristic" }
func (p *piiHeuristicPolicy) version() string { return "1" }

func (p *piiHeuristicPolicy) evaluate(events []evidence.CanonicalEvent) ([]evidence.Violation, error) {
	var out []evidence.Violation
	for _, ev := range events {
		text := string(ev.PayloadCanonical)
		kind := ""
		switch {
		case emailRE.MatchString(text):
			kind = "email"
		case ssnRE.MatchString(text):
			kind = "ssn"
		case creditCardRE.MatchString(text):
			kind = "credit_card"
		case phoneRE.MatchString(text):
			kind = "phone"
		}
		if kind == "" {
			continue
		}
		out = append(out, evidence.Violation{
			EventID:             ev.EventID,
			SessionID:           ev.SessionID,
			EventSequenceNumber: ev.SequenceNumber,
			PolicyName:          p.name(),
			PolicyVersion:       p.version(),
			PolicyHash:          p.policyHash,
			Severity:            evidence.SeverityWarning,
			Description:         fmt.Sprintf("payload appears to contain %s-shaped data; heuristic, not certification", kind),
			Metadata:            map[string]any{"kind": kind},
		})
	}
	return out, nil
}

// --- built-in: tool allow-list --------------------------------------------

type toolAllowListPolicy struct {
	allowed    map[string]bool
	policyHash string
}

func (p *toolAllowListPolicy) name() string    { return "tool-allow-list" }
func (p *toolAllowListPolicy) version() string { return "1" }

func (p *toolAllowListPolicy) evaluate(events []evidence.CanonicalEvent) ([]evidence.Violation, error) {
	var out []evidence.Violation
	for _, ev := range events {
		if ev.EventType != evidence.EventToolCall {
			continue
		}
		toolName, err := extractToolName(ev.PayloadCanonical)
		if err != nil {
			return nil, fmt.Errorf("extract tool_name for event %s: %w", ev.EventID, err)
		}
		if toolName == "" || !p.allowed[toolName] {
			out = append(out, evidence.Violation{
				EventID:             ev.EventID,
				SessionID:           ev.SessionID,
				EventSequenceNumber: ev.SequenceNumber,
				PolicyName:          p.name(),
				PolicyVersion:       p.version(),
				PolicyHash:          p.policyHash,
				Severity:            evidence.SeverityCritical,
				Description:         fmt.Sprintf("tool_name %q is not in the configured allow list", toolName),
				Metadata:            map[string]any{"tool_name": toolName},
			})
		}
	}
	return out, nil
}
