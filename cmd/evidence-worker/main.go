// Command evidence-worker drains the at-least-once local ingestion queue
// (§5 "At-least-once worker") and submits each batch to the same
// orchestrator the HTTP server uses, standing in for the out-of-scope
// Redis-stream consumer named in §1.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentops/evidence/internal/config"
	"github.com/agentops/evidence/internal/orchestrator"
	"github.com/agentops/evidence/internal/policy"
	"github.com/agentops/evidence/internal/sealer"
	"github.com/agentops/evidence/internal/store"
	"github.com/agentops/evidence/internal/worker"
	"gopkg.in/yaml.v3"
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

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policySet, err := loadPolicySet(cfg.PolicyConfigPath)
	if err != nil {
		logger.Error("failed to load policy set", slog.Any("error", err))
		os.Exit(1)
	}

	st, err := store.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Error("failed to open event store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	mode := sealer.Strict
	if cfg.SealMode == "permissive" {
		mode = sealer.Permissive
	}
	sl := sealer.New(cfg.AuthorityID, mode)
	orch := orchestrator.New(st, sl, policySet)

	queue, err := worker.NewSQLiteQueue(cfg.Worker.QueuePath)
	if err != nil {
		logger.Error("failed to open ingestion queue", slog.Any("error", err))
		os.Exit(1)
	}
	defer queue.Close()

	w := worker.New(queue, orch, worker.Config{DeadLetterDir: cfg.Worker.DeadLetterPath}, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	logger.Info("evidence-worker draining ingestion queue", slog.String("queue_path", cfg.Worker.QueuePath))
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("evidence-worker exited cleanly")
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
