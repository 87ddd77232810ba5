// Command evidence-server runs the evidence ingestion HTTP server: it loads
// a YAML configuration file, opens a PostgreSQL connection pool, wires the
// validator/sealer/store/policy stack into an orchestrator, and exposes the
// batch-ingest and on-demand-verify REST API until SIGTERM/SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"

	"github.com/agentops/evidence/internal/config"
	"github.com/agentops/evidence/internal/orchestrator"
	"github.com/agentops/evidence/internal/policy"
	"github.com/agentops/evidence/internal/sealer"
	"github.com/agentops/evidence/internal/server/rest"
	"github.com/agentops/evidence/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "/etc/agentops/evidence.yaml", "path to the service YAML configuration")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policySet, err := loadPolicySet(cfg.PolicyConfigPath)
	if err != nil {
		logger.Error("failed to load policy set", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("policy set loaded",
		slog.String("version", policySet.Identity().Version),
		slog.String("config_hash", policySet.Identity().ConfigHash),
	)

	st, err := store.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Error("failed to open event store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("PostgreSQL event store connected")

	mode := sealer.Strict
	if cfg.SealMode == "permissive" {
		mode = sealer.Permissive
	}
	sl := sealer.New(cfg.AuthorityID, mode)
	orch := orchestrator.New(st, sl, policySet)

	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pem, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to read JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		pubKey, err = jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			logger.Error("failed to parse JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("JWT validation enabled")
	} else {
		logger.Warn("jwt_public_key_path not configured; REST API authentication disabled (dev mode)")
	}

	restSrv := rest.NewServer(
		&rest.StoreAdapter{Orchestrator: orch, Store: st},
		int64(cfg.MaxRequestBytes),
		cfg.MaxBatchEvents,
		cfg.TrustedAuthorities,
		cfg.AllowRedacted,
	)
	handler := rest.NewRouter(restSrv, pubKey)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ingestion server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("evidence-server exited cleanly")
}

func loadPolicySet(path string) (*policy.Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg policy.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return policy.Load(cfg)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
