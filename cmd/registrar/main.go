// Registrar is the external-interface stand-in: it is the only way an
// address gets into the relational store gateway's accounts table short of
// a direct SQL insert. A real deployment would expose this over a
// registration-proof HTTP API instead; this CLI exercises the exact same
// Gateway.RegisterAddress call that API would make, reading requests as
// whitespace-separated "address chain_id" pairs, one per line, from a file
// or from stdin.
package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/0xkanth/indexer/internal/eventbus"
	"github.com/0xkanth/indexer/internal/registrynotify"
	"github.com/0xkanth/indexer/internal/store"
	"github.com/0xkanth/indexer/internal/util"
	"github.com/0xkanth/indexer/pkg/config"
)

var (
	registrationsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_registrar_accepted_total",
		Help: "Total number of registration requests accepted",
	})
	registrationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_registrar_rejected_total",
		Help: "Total number of registration requests rejected",
	}, []string{"reason"})
)

func main() {
	logger := util.InitLogger()
	logger.Info().Msg("starting registrar")

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

	whitelist, err := config.LoadWhitelist(cfg.Whitelist)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load whitelist")
	}
	whitelistConfigured := cfg.Whitelist.File != ""

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

	bus := eventbus.New(*logger)

	var notifier *registrynotify.Publisher
	if natsURL := ko.String("nats.url"); natsURL != "" {
		notifier, err = registrynotify.NewPublisher(natsURL, *logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create registration publisher")
		}
		defer notifier.Close()
	}

	gw := store.New(pool, bus, notifier, *logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	var input io.Reader = os.Stdin
	if path := feedPath(); path != "" {
		f, err := os.Open(path)
		if err != nil {
			logger.Fatal().Err(err).Str("path", path).Msg("failed to open registration feed")
		}
		defer f.Close()
		input = f
	}

	if err := run(ctx, gw, whitelist, whitelistConfigured, input, *logger); err != nil {
		logger.Fatal().Err(err).Msg("registrar exited with error")
	}

	logger.Info().Msg("registrar complete")
}

func feedPath() string {
	for i, arg := range os.Args {
		if arg == "--feed" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
	}
	return ""
}

type gateway interface {
	RegisterAddress(ctx context.Context, addr common.Address, chainID uint64) error
}

// run reads one registration request per line from input until EOF or ctx
// is cancelled, validating each against the whitelist before registering.
func run(ctx context.Context, gw gateway, whitelist map[common.Address]struct{}, whitelistConfigured bool, input io.Reader, logger zerolog.Logger) error {
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			registrationsRejected.WithLabelValues("malformed").Inc()
			logger.Warn().Str("line", line).Msg("malformed registration request")
			continue
		}

		if !common.IsHexAddress(fields[0]) {
			registrationsRejected.WithLabelValues("invalid_address").Inc()
			logger.Warn().Str("address", fields[0]).Msg("invalid address")
			continue
		}
		addr := common.HexToAddress(fields[0])

		chainID, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			registrationsRejected.WithLabelValues("invalid_chain_id").Inc()
			logger.Warn().Str("chain_id", fields[1]).Msg("invalid chain id")
			continue
		}

		if !config.IsWhitelisted(whitelist, whitelistConfigured, addr) {
			registrationsRejected.WithLabelValues("not_whitelisted").Inc()
			logger.Warn().Str("address", addr.Hex()).Msg("address not whitelisted")
			continue
		}

		if err := gw.RegisterAddress(ctx, addr, chainID); err != nil {
			registrationsRejected.WithLabelValues("store_error").Inc()
			logger.Error().Err(err).Str("address", addr.Hex()).Uint64("chain_id", chainID).Msg("failed to register address")
			continue
		}

		registrationsAccepted.Inc()
		logger.Info().Str("address", addr.Hex()).Uint64("chain_id", chainID).Msg("registered address")
	}
	return scanner.Err()
}
