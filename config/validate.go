package config

import (
	"fmt"
	"strings"
)

// Validate rejects configurations the node cannot start with.
func (cfg *Config) Validate() error {
	if cfg.RPC.RateLimitPerSecond < 0 {
		return fmt.Errorf("rpc: RateLimitPerSecond must not be negative")
	}
	if cfg.RPC.RateLimitBurst < 0 {
		return fmt.Errorf("rpc: RateLimitBurst must not be negative")
	}
	if cfg.RPC.ReadHeaderTimeout < 0 || cfg.RPC.WriteTimeout < 0 {
		return fmt.Errorf("rpc: timeouts must not be negative")
	}
	switch strings.TrimSpace(cfg.Indexer.Driver) {
	case "":
	case IndexerDriverSQLite, IndexerDriverPostgres:
		if strings.TrimSpace(cfg.Indexer.DSN) == "" {
			return fmt.Errorf("indexer: DSN required for driver %q", cfg.Indexer.Driver)
		}
	default:
		return fmt.Errorf("indexer: unsupported driver %q", cfg.Indexer.Driver)
	}
	if !cfg.InMemory && strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("DataDir must be set unless InMemory is true")
	}
	return nil
}
