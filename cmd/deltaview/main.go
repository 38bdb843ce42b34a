package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	corecfg "github.com/deltaview-lab/deltaview/internal/core/config"
	"github.com/deltaview-lab/deltaview/internal/core/storage"
	"github.com/deltaview-lab/deltaview/internal/core/storage/memory"
	"github.com/deltaview-lab/deltaview/internal/core/storage/postgres"
	"github.com/deltaview-lab/deltaview/internal/engine"
	"github.com/deltaview-lab/deltaview/internal/migrations"
	"github.com/deltaview-lab/deltaview/internal/reconcile"
	"github.com/deltaview-lab/deltaview/internal/refresh"
	"github.com/deltaview-lab/deltaview/internal/server"
)

func main() {
	configPath := flag.String("config", "deltaview.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config", "config", cfg)

	tickInterval, _ := cfg.Engine.TickDuration()
	reconcileInterval, _ := cfg.Engine.ReconcileDuration()
	backoffMax, _ := cfg.Engine.BackoffMaxDuration()

	// 2. Initialize Storage
	var (
		states  storage.StateStore
		store   storage.AggregateStore
		buffer  storage.ChangeBuffer
		scanner storage.SourceScanner
		db      *sql.DB
	)
	switch cfg.Database.Type {
	case "postgres":
		dbAdapter, err := postgres.NewAdapter(
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
		)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		defer dbAdapter.Close()

		// 2.1. Run Database Migrations
		if err := migrations.Run(dbAdapter.DB(), cfg.Database.AutoMigrate); err != nil {
			slog.Error("Failed to run database migrations", "error", err)
			os.Exit(1)
		}

		db = dbAdapter.DB()
		states = postgres.NewStateAdapter(db)
		store = postgres.NewAggregateAdapter(db)
		buffer = postgres.NewBufferAdapter(db)
		scanner = postgres.NewScannerAdapter(db)

	case "memory":
		states = memory.NewStateStore()
		memStore := memory.NewAggregateStore()
		memBuffer := memory.NewChangeBuffer()
		memStore.BindChangeBuffer(memBuffer)
		store = memStore
		buffer = memBuffer
		// No base relation mirror: definitions whose plans need rescans are
		// rejected at registration, and periodic reconciliation idles.
		scanner = nil

	default:
		slog.Error("Unsupported database type", "type", cfg.Database.Type)
		os.Exit(1)
	}

	// 3. Initialize the maintenance engine
	eng := engine.New(states, store, buffer, scanner, engine.Config{
		CardinalityThreshold: cfg.Engine.CardinalityThreshold,
		Refresh: refresh.Options{
			Interval:         tickInterval,
			BatchSize:        cfg.Engine.BatchSize,
			WorkerCount:      cfg.Engine.WorkerCount,
			BackoffThreshold: cfg.Engine.BackoffThreshold,
			BackoffMax:       backoffMax,
		},
		Reconcile: reconcile.Options{
			Interval: reconcileInterval,
		},
	})

	// 4. Register stream table definitions from config
	for _, def := range cfg.Definitions.Defs {
		registered, err := eng.Register(context.Background(), def)
		if err != nil {
			slog.Error("Failed to register stream table", "table", def.Name, "error", err)
			os.Exit(1)
		}
		slog.Info("Stream table ready",
			"table", registered.Name,
			"fast_path", registered.FastPathEnabled,
		)
	}

	// 5. Initialize Server
	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), db, cfg.Server.Mode, eng)

	// 6. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Scheduler().Start(gctx) })
	g.Go(func() error { return eng.Reconciler().Start(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Error("Service stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
