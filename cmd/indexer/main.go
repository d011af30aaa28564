// Main indexer service: the Forward worker and the Backfill Manager for a
// single chain, sharing one relational store gateway and one in-process
// event bus.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/0xkanth/indexer/internal/backfill"
	"github.com/0xkanth/indexer/internal/eventbus"
	"github.com/0xkanth/indexer/internal/forward"
	"github.com/0xkanth/indexer/internal/provider"
	"github.com/0xkanth/indexer/internal/registrynotify"
	"github.com/0xkanth/indexer/internal/store"
	"github.com/0xkanth/indexer/internal/util"
	"github.com/0xkanth/indexer/pkg/config"
)

func main() {
	logger := util.InitLogger()
	logger.Info().Msg("starting indexer")

	configPath := "config.toml"
	if p := os.Getenv("INDEXER_CONFIG"); p != "" {
		configPath = p
	}
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}

	ko := util.InitConfig(logger, configPath)

	cfg, err := config.Load(ko)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	util.UpdateLogLevel(cfg.Logging.Level, logger)

	logger.Info().
		Uint64("chain_id", cfg.Chain.ChainID).
		Uint64("start_block", cfg.Chain.StartBlock).
		Msg("loaded configuration")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping database")
	}

	prov := provider.New(provider.Config{DB: cfg.Reth.DB, StaticFiles: cfg.Reth.StaticFiles})
	bus := eventbus.New(*logger)

	var notifier *registrynotify.Publisher
	var stopRelay func()
	if natsURL := ko.String("nats.url"); natsURL != "" {
		notifier, err = registrynotify.NewPublisher(natsURL, *logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create registration publisher")
		}
		defer notifier.Close()

		stopRelay, err = registrynotify.Subscribe(ctx, natsURL, cfg.Chain.ChainID, bus, *logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to subscribe to registration relay")
		}
		defer stopRelay()
	}

	gw := store.New(pool, bus, notifier, *logger)

	fwd, err := forward.New(ctx, cfg.Chain.ChainID, cfg.Chain.StartBlock, prov, gw, bus,
		cfg.Sync.BufferSize, cfg.Sync.BufferTries, *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create forward worker")
	}

	manager := backfill.NewManager(
		cfg.Chain.ChainID,
		cfg.Sync.BackfillConcurrency,
		cfg.Sync.BufferSize,
		cfg.Sync.BufferTries,
		gw,
		prov,
		bus,
		backfill.StopOnCancel,
		*logger,
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := fwd.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("forward worker exited")
		}
	}()
	go func() {
		defer wg.Done()
		if err := manager.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("backfill manager exited")
		}
	}()

	metricsAddr := ko.String("metrics.address")
	if metricsAddr == "" {
		metricsAddr = ":9600"
	}
	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("address", metricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	healthAddr := ko.String("health.address")
	if healthAddr == "" {
		healthAddr = ":9601"
	}
	healthServer := &http.Server{Addr: healthAddr, Handler: healthCheckHandler(pool)}
	go func() {
		logger.Info().Str("address", healthAddr).Msg("starting health check server")
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health check server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

func healthCheckHandler(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy: %v\n", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "healthy\n")
	}
}
