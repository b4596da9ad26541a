// Package main — cmd/babbler/main.go
//
// babbler agent entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/babbler/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open BoltDB storage; open the membership/watchlist/results databases.
//  4. Start Prometheus metrics server (127.0.0.1:9091).
//  5. Construct the Babblemouth, start gossip listeners and supervision.
//  6. Construct the Supervisor, start its scheduling driver and reconciler.
//  7. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Close BoltDB.
//  3. Flush logger.
//  4. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/babblemesh/babbler/internal/babblemouth"
	"github.com/babblemesh/babbler/internal/config"
	"github.com/babblemesh/babbler/internal/metrics"
	"github.com/babblemesh/babbler/internal/store/bolt"
	"github.com/babblemesh/babbler/internal/supervisor"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/babbler/config.yaml", "Path to config.yaml")
	printVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *printVersion {
		fmt.Printf("babbler %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("babbler starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open BoltDB ───────────────────────────────────────────────────
	db, err := bolt.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

	membership, err := db.Database(cfg.Storage.MembershipBucket)
	if err != nil {
		log.Fatal("membership database open failed", zap.Error(err))
	}
	watchlist, err := db.Database(cfg.Storage.WatchlistBucket)
	if err != nil {
		log.Fatal("watchlist database open failed", zap.Error(err))
	}
	results, err := db.Database(cfg.Storage.ResultsBucket)
	if err != nil {
		log.Fatal("results database open failed", zap.Error(err))
	}

	// ── Step 4: Prometheus metrics ────────────────────────────────────────────
	met := metrics.New()
	go func() {
		if err := met.Serve(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 5: Babblemouth ───────────────────────────────────────────────────
	bmCfg := babblemouth.Config{
		SelfID:              cfg.NodeID,
		SelfHosts:           cfg.Gossip.Host,
		SelfPorts:           cfg.Gossip.Port,
		KeyPath:             cfg.Gossip.Certificates.Key,
		CertPath:            cfg.Gossip.Certificates.Certificate,
		CAPath:              cfg.Gossip.Certificates.CA,
		KnownCertsDir:       cfg.Gossip.Certificates.KnownDir,
		MaxConv:             cfg.Gossip.MaxConv,
		StartVersion:        cfg.Gossip.Version,
		SupervisionInterval: cfg.Gossip.SupervisionInterval,
		DialBudget:          cfg.Gossip.DialBudget,
	}
	bm, err := babblemouth.New(bmCfg, membership, watchlist, log, met)
	if err != nil {
		log.Fatal("babblemouth construction failed", zap.Error(err))
	}

	go func() {
		if err := bm.StartGossip(ctx, cfg.Gossip.Host, cfg.Gossip.Port); err != nil {
			log.Error("gossip subsystem error", zap.Error(err))
		}
	}()
	log.Info("gossip subsystem started", zap.Strings("hosts", cfg.Gossip.Host), zap.Ints("ports", cfg.Gossip.Port))

	// ── Step 6: Supervisor ────────────────────────────────────────────────────
	sup := supervisor.New(results, cfg.Supervisor.IdleSleep, log, met)
	go sup.Run(ctx)

	reconciler := supervisor.NewReconciler(sup, watchlist, log)
	reconciler.Start(ctx)
	log.Info("supervisor started")

	// ── Step 7: Wait for shutdown signal ──────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	log.Info("babbler shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
