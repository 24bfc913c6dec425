package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DataDir     string `toml:"DataDir"`
	GenesisFile string `toml:"GenesisFile"`
	Environment string `toml:"Environment"`
	// InMemory keeps state in a MemDB; everything is lost on exit.
	InMemory bool `toml:"InMemory"`

	RPC       RPC       `toml:"rpc"`
	Escrow    Escrow    `toml:"escrow"`
	Indexer   Indexer   `toml:"indexer"`
	Logging   Logging   `toml:"logging"`
	Telemetry Telemetry `toml:"telemetry"`
}

// Load loads the configuration from the given path. A missing file is
// replaced by a default one written to path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh install.
func Default() *Config {
	cfg := &Config{
		DataDir:     "./shillmarket-data",
		Environment: "local",
		RPC: RPC{
			ListenAddress:      ":8545",
			ReadHeaderTimeout:  5,
			WriteTimeout:       15,
			RateLimitPerSecond: 20,
			RateLimitBurst:     40,
		},
		Indexer: Indexer{
			Driver: IndexerDriverSQLite,
			DSN:    "escrows.db",
		},
		Logging: Logging{Level: "info"},
	}
	return cfg
}

func (cfg *Config) applyDefaults() {
	defaults := Default()
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = defaults.DataDir
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = defaults.Environment
	}
	if strings.TrimSpace(cfg.RPC.ListenAddress) == "" {
		cfg.RPC.ListenAddress = defaults.RPC.ListenAddress
	}
	if cfg.RPC.ReadHeaderTimeout == 0 {
		cfg.RPC.ReadHeaderTimeout = defaults.RPC.ReadHeaderTimeout
	}
	if cfg.RPC.WriteTimeout == 0 {
		cfg.RPC.WriteTimeout = defaults.RPC.WriteTimeout
	}
	if cfg.RPC.RateLimitPerSecond > 0 && cfg.RPC.RateLimitBurst == 0 {
		cfg.RPC.RateLimitBurst = int(cfg.RPC.RateLimitPerSecond * 2)
		if cfg.RPC.RateLimitBurst < 1 {
			cfg.RPC.RateLimitBurst = 1
		}
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// IndexerDSN resolves a relative sqlite path against the data directory.
func (cfg *Config) IndexerDSN() string {
	dsn := strings.TrimSpace(cfg.Indexer.DSN)
	if cfg.Indexer.Driver != IndexerDriverSQLite || dsn == "" || dsn == ":memory:" {
		return dsn
	}
	if filepath.IsAbs(dsn) || strings.HasPrefix(dsn, "file:") {
		return dsn
	}
	return filepath.Join(cfg.DataDir, dsn)
}
