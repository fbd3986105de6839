// Kestrel - Advance approval decisions you can explain.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/approval"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/cases"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/experiment"
	"github.com/opensource-finance/kestrel/internal/income"
	"github.com/opensource-finance/kestrel/internal/ml"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Income Service
	incomeSvc := income.NewService(repo)
	slog.Info("income service initialized")

	// Initialize ML scoring client
	scorer := ml.NewClient(cfg.Scoring, cacheImpl, cfg.Cache.ScoreTTL)
	slog.Info("scoring client initialized", "base_url", cfg.Scoring.BaseURL)

	// Configure the variable-tier experiment gate (off unless enabled)
	gate, err := buildExperimentGate(cacheImpl)
	if err != nil {
		slog.Error("failed to build experiment gate", "error", err)
		os.Exit(1)
	}
	if gate != nil {
		slog.Info("experiment gate enabled", "experiment", gate.ExperimentID())
	}

	// Build the decision engine. The same constructor backs the
	// score-limit hot-reload endpoint.
	buildEngine := func(ctx context.Context) (*engine.Engine, error) {
		tables := approval.LoadScoreTables(ctx, repo)
		reg, err := approval.BuildGraph(approval.GraphDeps{
			Scorer:  scorer,
			Incomes: incomeSvc,
			Gate:    gate,
			Tables:  tables,
			Cfg:     cfg.Approval,
		})
		if err != nil {
			return nil, err
		}
		return engine.New(reg, repo)
	}

	eng, err := buildEngine(ctx)
	if err != nil {
		slog.Error("failed to build decision engine", "error", err)
		os.Exit(1)
	}
	slog.Info("decision engine initialized", "nodes", len(eng.Registry().Export().Nodes))

	// Initialize Approval Service
	var gates []*experiment.Gate
	if gate != nil {
		gates = append(gates, gate)
	}
	service := approval.NewService(eng, repo, incomeSvc, incomeSvc, busImpl, gates, cfg.Approval)
	slog.Info("approval service initialized", "max_concurrency", cfg.Approval.MaxConcurrency)

	// Hot-reload swaps in a freshly built engine; in-flight requests
	// finish against the engine they started with.
	reload := func(ctx context.Context) error {
		next, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		service.SwapEngine(next)
		slog.Info("decision engine reloaded")
		return nil
	}

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, service)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "topic", domain.TopicApprovalRequested)
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, service, reload, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// buildExperimentGate reads the variable-tier rollout settings from the
// environment. Returns nil when the experiment is not enabled, which
// routes all scoring traffic through the global model.
func buildExperimentGate(counter domain.Cache) (*experiment.Gate, error) {
	if os.Getenv("KESTREL_ML_VARIABLE_EXPERIMENT") != "true" {
		return nil, nil
	}

	ratio := 0.5
	if raw := os.Getenv("KESTREL_ML_VARIABLE_RATIO"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("KESTREL_ML_VARIABLE_RATIO: %w", err)
		}
		ratio = parsed
	}

	var limit int64
	if raw := os.Getenv("KESTREL_ML_VARIABLE_LIMIT"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("KESTREL_ML_VARIABLE_LIMIT: %w", err)
		}
		limit = parsed
	}

	return experiment.NewGate(experiment.Config{
		ID:     "ml-variable-tier-rollout",
		Active: true,
		Ratio:  ratio,
		Limit:  limit,
	}, counter,
		// Treatment counts as a win when the candidate still cleared the
		// income checks, so a looser model never masks a worse population.
		experiment.WithSuccessCheck(experiment.CasePassed(cases.NameHasIncome)),
	)
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🪶 KESTREL                  ║")
	fmt.Println("  ║       Advance Approval Engine             ║")
	fmt.Println("  ║    Every decision, explained.             ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /approvals                - Evaluate an approval request")
	fmt.Println("    GET  /approvals/{id}           - Get approval by ID")
	fmt.Println("    GET  /users/{id}/approvals     - List a user's approvals")
	fmt.Println("    GET  /graph                    - Export the decision graph")
	fmt.Println("    GET  /graph/dot                - Decision graph in DOT format")
	fmt.Println("    GET  /score-limits             - List score-limit tables")
	fmt.Println("    PUT  /score-limits/{name}      - Save a score-limit table")
	fmt.Println("    POST /score-limits/reload      - Hot-reload score-limit tables")
	fmt.Println("    GET  /experiments/{id}/assignments - List experiment assignments")
	fmt.Println("    GET  /health                   - Health check")
	fmt.Println()
}
