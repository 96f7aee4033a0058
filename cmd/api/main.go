package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"covtrack/internal/cache"
	"covtrack/internal/clock"
	"covtrack/internal/config"
	"covtrack/internal/db"
	"covtrack/internal/ledger"
	"covtrack/internal/notifier"
	"covtrack/internal/obs"
	"covtrack/internal/recompute"
	"covtrack/internal/repository"
	"covtrack/internal/server"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("failed to run: %v", err)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Setup logger
	var logger *zap.Logger
	if cfg.IsDevelopment() {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	logger.Info("starting covtrack",
		zap.String("env", cfg.Server.Env),
		zap.Int("port", cfg.Server.Port),
	)

	obs.Register()
	clk := clock.System{}

	// Connect to PostgreSQL and apply migrations
	database, err := db.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("connected to PostgreSQL")

	// Connect to Redis
	cacheClient, err := cache.NewClient(ctx, cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer cacheClient.Close()
	logger.Info("connected to Redis")

	// Connect to TigerBeetle if the cure ledger is enabled
	var ledgerClient *ledger.Client
	if cfg.TigerBeetle.Enabled {
		ledgerClient, err = ledger.NewClient(cfg.TigerBeetle)
		if err != nil {
			return fmt.Errorf("connect to tigerbeetle: %w", err)
		}
		defer ledgerClient.Close()
		logger.Info("connected to TigerBeetle cure ledger")
	}

	// Reminder dispatcher
	dispatcher := notifier.NewDispatcher(logger, 1024)
	defer dispatcher.Close()

	// Recompute job
	pool := database.Pool()
	stores := recompute.Stores{
		Facilities:  repository.NewFacilityRepository(pool),
		Obligations: repository.NewObligationRepository(pool),
		Events:      repository.NewEventRepository(pool),
		Tests:       repository.NewTestRepository(pool),
		Waivers:     repository.NewWaiverRepository(pool),
		Reminders:   repository.NewReminderRepository(pool),
	}
	gate := recompute.NewFacilityGate(cacheClient, 2*cfg.Engine.TickInterval)
	job := recompute.New(logger, clk, cfg.Engine, stores, dispatcher, gate)
	go job.Run(ctx)
	logger.Info("recompute job started", zap.Duration("interval", cfg.Engine.TickInterval))

	// HTTP server
	srv := server.New(server.Config{
		Port:         cfg.Server.Port,
		DB:           database,
		LedgerClient: ledgerClient,
		CacheClient:  cacheClient,
		Logger:       logger,
		Clock:        clk,
		Job:          job,
		Gate:         gate,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
