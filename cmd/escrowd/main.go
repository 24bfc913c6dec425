package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"shillmarket/config"
	"shillmarket/core"
	"shillmarket/core/genesis"
	"shillmarket/indexer"
	"shillmarket/native/escrow"
	"shillmarket/observability/logging"
	telemetry "shillmarket/observability/otel"
	"shillmarket/rpc"
	"shillmarket/storage"
)

const (
	serviceName    = "escrowd"
	genesisPathEnv = "SHILLMARKET_GENESIS"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis JSON file (overrides SHILLMARKET_GENESIS and config GenesisFile)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.SetupWithOptions(serviceName, cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
	})
	if err != nil {
		logger.Error("Failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	d, err := newDaemon(cfg, resolveGenesisPath(*genesisFlag, cfg.GenesisFile, os.LookupEnv), os.Getenv, logger)
	if err != nil {
		logger.Error("Failed to start node", slog.Any("error", err))
		os.Exit(1)
	}
	defer d.Close()

	if err := d.server.Serve(ctx); err != nil {
		logger.Error("JSON-RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("escrowd stopped")
}

type daemon struct {
	node   *core.Node
	index  *indexer.Indexer
	hub    *rpc.EventHub
	server *rpc.Server
}

// newDaemon opens storage, applies genesis on first start, attaches the read
// model and event stream, and builds the RPC server.
func newDaemon(cfg *config.Config, genesisPath string, getenv func(string) string, logger *slog.Logger) (*daemon, error) {
	var db storage.Database
	if cfg.InMemory {
		db = storage.NewMemDB()
	} else {
		ldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db = ldb
	}

	node, err := core.NewNode(db, escrow.Policy{EnforceTreasuryFee: cfg.Escrow.EnforceTreasuryFee}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	d := &daemon{node: node, hub: rpc.NewEventHub(logger)}

	if genesisPath != "" {
		spec, err := genesis.LoadGenesisSpec(genesisPath)
		if err != nil {
			d.Close()
			return nil, err
		}
		if err := node.ApplyGenesis(spec); err != nil {
			d.Close()
			return nil, err
		}
	}

	if driver := strings.TrimSpace(cfg.Indexer.Driver); driver != "" {
		index, err := indexer.Open(driver, cfg.IndexerDSN(), logger)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.index = index
		node.Subscribe(index)
	}
	node.Subscribe(d.hub)

	auth := rpc.AuthConfig{Issuer: cfg.RPC.JWTIssuer, Audience: cfg.RPC.JWTAudience}
	if env := strings.TrimSpace(cfg.RPC.JWTSecretEnv); env != "" {
		auth.Secret = getenv(env)
		if strings.TrimSpace(auth.Secret) == "" {
			d.Close()
			return nil, fmt.Errorf("rpc: %s is empty but JWTSecretEnv is configured", env)
		}
	}
	d.server = rpc.NewServer(node, d.index, d.hub, rpc.ServerConfig{
		ListenAddress:      cfg.RPC.ListenAddress,
		ReadHeaderTimeout:  cfg.RPC.ReadHeaderTimeoutDuration(),
		WriteTimeout:       cfg.RPC.WriteTimeoutDuration(),
		RateLimitPerSecond: cfg.RPC.RateLimitPerSecond,
		RateLimitBurst:     cfg.RPC.RateLimitBurst,
		Auth:               auth,
	}, logger)
	return d, nil
}

// Close releases the index and the ledger database.
func (d *daemon) Close() {
	if d.index != nil {
		if err := d.index.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			slog.Default().Warn("close indexer", slog.Any("error", err))
		}
	}
	d.node.Close()
}

func resolveGenesisPath(flagValue, configValue string, lookupEnv func(string) (string, bool)) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	if value, ok := lookupEnv(genesisPathEnv); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(configValue)
}
