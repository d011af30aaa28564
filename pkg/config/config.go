// Package config defines the service's typed configuration, unmarshaled
// from the koanf instance internal/util builds out of the TOML config file
// and environment overrides.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/knadh/koanf/v2"
)

// Config is the full service configuration.
type Config struct {
	Chain     ChainConfig     `koanf:"chain"`
	Reth      RethConfig      `koanf:"reth"`
	Sync      SyncConfig      `koanf:"sync"`
	DB        DBConfig        `koanf:"db"`
	Logging   LoggingConfig   `koanf:"logging"`
	HTTP      *HTTPConfig     `koanf:"http"`
	Whitelist WhitelistConfig `koanf:"whitelist"`
	Payment   *PaymentConfig  `koanf:"payment"`
}

// ChainConfig names the network this instance indexes.
type ChainConfig struct {
	ChainID    uint64 `koanf:"chain_id"`
	StartBlock uint64 `koanf:"start_block"`
}

// RethConfig points at the embedded node database's two stores. Field
// names match the external [reth] interface exactly; they are not
// renamed even though the backing implementation here is bbolt, not reth.
type RethConfig struct {
	DB          string `koanf:"db"`
	StaticFiles string `koanf:"static_files"`
}

// SyncConfig tunes the match buffer, flush cadence and backfill
// concurrency.
type SyncConfig struct {
	BufferSize          int `koanf:"buffer_size"`
	BufferTries         int `koanf:"buffer_tries"`
	BackfillConcurrency int `koanf:"backfill_concurrency"`
}

// DBConfig points at the relational store.
type DBConfig struct {
	URL string `koanf:"url"`
}

// LoggingConfig controls the global zerolog level. Level accepts
// "debug", "info", "warn" or "error"; anything else falls back to "info".
type LoggingConfig struct {
	Level string `koanf:"level"`
}

// HTTPConfig is the optional [http] section. It is parsed but not read by
// either command: the metrics and health servers take their addresses from
// the metrics.address and health.address keys. It carries no authentication
// machinery: registration-proof validation belongs to the external API this
// service does not implement.
type HTTPConfig struct {
	Port         int    `koanf:"port"`
	JWTSecretEnv string `koanf:"jwt_secret_env"`
}

// WhitelistConfig optionally restricts which addresses may be registered,
// loaded from a plain line-delimited address file.
type WhitelistConfig struct {
	File string `koanf:"file"`
}

// PaymentConfig gates registration behind a minimum on-chain payment. This
// service does not itself verify payments; that belongs to the external
// registration-proof API.
type PaymentConfig struct {
	Address   common.Address `koanf:"address"`
	MinAmount string         `koanf:"min_amount"`
}

const (
	defaultStartBlock          = 1
	defaultBufferSize          = 1000
	defaultBufferTries         = 1000
	defaultBackfillConcurrency = 10
	defaultHTTPPort            = 9500
	defaultLogLevel            = "info"
)

// Load unmarshals ko into a Config, applying defaults for any field the
// TOML file and environment overrides left unset.
func Load(ko *koanf.Koanf) (Config, error) {
	cfg := Config{
		Chain: ChainConfig{StartBlock: defaultStartBlock},
		Sync: SyncConfig{
			BufferSize:          defaultBufferSize,
			BufferTries:         defaultBufferTries,
			BackfillConcurrency: defaultBackfillConcurrency,
		},
		Logging: LoggingConfig{Level: defaultLogLevel},
	}

	if err := ko.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.Chain.ChainID == 0 {
		return Config{}, fmt.Errorf("config: chain.chain_id is required")
	}

	if ko.Exists("http") && cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = defaultHTTPPort
	}

	return cfg, nil
}

// LoadWhitelist reads the whitelist file, if configured, treating the first
// whitespace-delimited token on each non-empty line as a hex address.
func LoadWhitelist(w WhitelistConfig) (map[common.Address]struct{}, error) {
	out := make(map[common.Address]struct{})
	if w.File == "" {
		return out, nil
	}

	f, err := os.Open(w.File)
	if err != nil {
		return nil, fmt.Errorf("config: open whitelist: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if !common.IsHexAddress(fields[0]) {
			return nil, fmt.Errorf("config: invalid whitelist address %q", fields[0])
		}
		out[common.HexToAddress(fields[0])] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read whitelist: %w", err)
	}
	return out, nil
}

// IsWhitelisted reports whether addr is permitted, per whitelist and
// configured. An unconfigured whitelist (no file set) permits every
// address.
func IsWhitelisted(whitelist map[common.Address]struct{}, configured bool, addr common.Address) bool {
	if !configured {
		return true
	}
	_, ok := whitelist[addr]
	return ok
}
