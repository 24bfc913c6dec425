package config

import "time"

const (
	IndexerDriverSQLite   = "sqlite"
	IndexerDriverPostgres = "postgres"
)

// RPC configures the JSON-RPC listener. Timeouts are in seconds.
type RPC struct {
	ListenAddress     string `toml:"ListenAddress"`
	ReadHeaderTimeout int    `toml:"ReadHeaderTimeout"`
	WriteTimeout      int    `toml:"WriteTimeout"`
	// RateLimitPerSecond of zero disables per-source throttling.
	RateLimitPerSecond float64 `toml:"RateLimitPerSecond"`
	RateLimitBurst     int     `toml:"RateLimitBurst"`
	// JWTSecretEnv names the environment variable holding the HS256 secret.
	// When set, escrow_sendInstruction requires a bearer token.
	JWTSecretEnv string `toml:"JWTSecretEnv"`
	JWTIssuer    string `toml:"JWTIssuer"`
	JWTAudience  string `toml:"JWTAudience"`
}

// ReadHeaderTimeoutDuration converts the configured seconds.
func (r RPC) ReadHeaderTimeoutDuration() time.Duration {
	return time.Duration(r.ReadHeaderTimeout) * time.Second
}

// WriteTimeoutDuration converts the configured seconds.
func (r RPC) WriteTimeoutDuration() time.Duration {
	return time.Duration(r.WriteTimeout) * time.Second
}

// Escrow carries the escrow program policy.
type Escrow struct {
	EnforceTreasuryFee bool `toml:"EnforceTreasuryFee"`
}

// Indexer selects the escrow read model backend. An empty driver disables it.
type Indexer struct {
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

// Logging configures the structured logger.
type Logging struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
}

// Enabled reports whether any exporter is requested.
func (t Telemetry) Enabled() bool { return t.Traces || t.Metrics }
