// Package config provides YAML configuration loading and validation for the
// evidence ingestion service.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the ingestion
// service and the worker.
type Config struct {
	// AuthorityID is this service's static chain_authority identifier
	// (§9: "Authority identifier is a static configuration"). Required;
	// fixed at load time and never mutated afterward.
	AuthorityID string `yaml:"authority_id"`

	// SealMode is "strict" or "permissive" (§9: "a configuration switch,
	// not a runtime request field"). Defaults to "strict".
	SealMode string `yaml:"seal_mode"`

	// TrustedAuthorities is the verifier's trusted-authority set (§4.G
	// step 3). The spec treats this as caller-supplied with no built-in
	// default (§9's open question on the reference's two default
	// versions); an empty list is valid and rejects every chain_authority.
	TrustedAuthorities []string `yaml:"trusted_authorities"`

	// AllowRedacted is the verifier's allow_redacted flag default (§4.J).
	AllowRedacted bool `yaml:"allow_redacted"`

	// MaxRequestBytes and MaxBatchEvents are the size limits of §6,
	// configurable with the spec's stated defaults.
	MaxRequestBytes int `yaml:"max_request_bytes"`
	MaxBatchEvents  int `yaml:"max_batch_events"`

	// PolicyConfigPath points at the YAML file internal/policy.Load reads
	// to build the process's policy Set. Required.
	PolicyConfigPath string `yaml:"policy_config_path"`

	// Postgres holds the event store's connection string.
	Postgres PostgresConfig `yaml:"postgres"`

	// Worker holds the at-least-once worker's local queue settings.
	Worker WorkerConfig `yaml:"worker"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is a separate health listen address. Defaults to
	// "127.0.0.1:9000" when omitted. No binary listens on it; /healthz is
	// served by the ingestion router on ListenAddr.
	HealthAddr string `yaml:"health_addr"`

	// ListenAddr is the ingestion HTTP server's listen address. Defaults
	// to "0.0.0.0:8443" when omitted.
	ListenAddr string `yaml:"listen_addr"`

	// JWTPublicKeyPath is the PEM path for verifying producer-supplied
	// RS256 bearer tokens on the ingest endpoint.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`
}

// PostgresConfig holds the event store's connection parameters.
type PostgresConfig struct {
	// DSN is the full libpq/pgx connection string. Required.
	DSN string `yaml:"dsn"`
}

// WorkerConfig holds the at-least-once worker's local durable-queue
// settings.
type WorkerConfig struct {
	// QueuePath is the path to the WAL-mode SQLite queue database.
	// Defaults to "./ingest-queue.db" when omitted.
	QueuePath string `yaml:"queue_path"`

	// DeadLetterPath is where batches that diverge on replay (§5
	// "At-least-once worker") are written for manual inspection.
	DeadLetterPath string `yaml:"dead_letter_path"`
}

// validSealModes is the set of accepted seal_mode strings.
var validSealModes = map[string]bool{
	"strict":     true,
	"permissive": true,
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// defaultMaxRequestBytes and defaultMaxBatchEvents are the size-limit
// defaults the spec commits to (§6 "Size limits").
const (
	defaultMaxRequestBytes = 1 << 20 // 1 MiB
	defaultMaxBatchEvents  = 100
)

// LoadConfig reads the YAML file at path, unmarshals it into Config,
// applies defaults, and validates all required fields. It returns a typed
// error describing every validation failure encountered, not just the
// first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible
// defaults.
func applyDefaults(cfg *Config) {
	if cfg.SealMode == "" {
		cfg.SealMode = "strict"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9000"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:8443"
	}
	if cfg.MaxRequestBytes == 0 {
		cfg.MaxRequestBytes = defaultMaxRequestBytes
	}
	if cfg.MaxBatchEvents == 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.Worker.QueuePath == "" {
		cfg.Worker.QueuePath = "./ingest-queue.db"
	}
	if cfg.Worker.DeadLetterPath == "" {
		cfg.Worker.DeadLetterPath = "./ingest-dead-letter"
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errList []error

	if cfg.AuthorityID == "" {
		errList = append(errList, errors.New("authority_id is required"))
	}
	if !validSealModes[cfg.SealMode] {
		errList = append(errList, fmt.Errorf("seal_mode %q must be one of: strict, permissive", cfg.SealMode))
	}
	if !validLogLevels[cfg.LogLevel] {
		errList = append(errList, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.PolicyConfigPath == "" {
		errList = append(errList, errors.New("policy_config_path is required"))
	}
	if cfg.Postgres.DSN == "" {
		errList = append(errList, errors.New("postgres.dsn is required"))
	}
	if cfg.MaxRequestBytes <= 0 {
		errList = append(errList, errors.New("max_request_bytes must be positive"))
	}
	if cfg.MaxBatchEvents <= 0 {
		errList = append(errList, errors.New("max_batch_events must be positive"))
	}

	return errors.Join(errList...)
}
