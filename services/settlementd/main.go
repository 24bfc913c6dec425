package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"shillmarket/crypto"
	"shillmarket/observability/logging"
	telemetry "shillmarket/observability/otel"
	"shillmarket/rpc"
)

const serviceName = "settlementd"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "settlementd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settlementd/config.yaml", "path to settlementd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("SHILLMARKET_ENV"))
	}
	logger := logging.SetupWithOptions(serviceName, env, logging.Options{Level: cfg.LogLevel})

	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Environment: env,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	key, err := crypto.LoadFromKeystore(cfg.Authority.Keystore, os.Getenv(cfg.Authority.PassphraseEnv))
	if err != nil {
		return fmt.Errorf("load authority key: %w", err)
	}
	coordinator := NewCoordinator(rpc.NewClient(cfg.Node.Endpoint, cfg.Node.Token), key,
		WithLogger(logger),
		WithRetryPolicy(RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay.Duration,
			MaxDelay:    cfg.Retry.MaxDelay.Duration,
		}),
	)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           NewServer(coordinator, NewAuthenticator(cfg.Admin.BearerToken)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("settlementd listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("authority", coordinator.Authority()),
			slog.String("node", cfg.Node.Endpoint),
			logging.MaskField("node_token", cfg.Node.Token),
			logging.MaskField("keystore", cfg.Authority.Keystore))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
