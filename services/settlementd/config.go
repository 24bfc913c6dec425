package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for settlementd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	LogLevel      string          `yaml:"log_level"`
	Node          NodeConfig      `yaml:"node"`
	Authority     AuthorityConfig `yaml:"authority"`
	Retry         RetryConfig     `yaml:"retry"`
	Admin         AdminConfig     `yaml:"admin"`
}

// NodeConfig points the coordinator at an escrowd JSON-RPC endpoint.
type NodeConfig struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
}

// AuthorityConfig locates the treasury authority key.
type AuthorityConfig struct {
	Keystore      string `yaml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// RetryConfig bounds resubmission of transient failures.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

// AdminConfig protects the decision endpoint.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.normalise(os.Getenv); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Node.Endpoint == "" {
		cfg.Node.Endpoint = "http://localhost:8545"
	}
	if cfg.Authority.PassphraseEnv == "" {
		cfg.Authority.PassphraseEnv = "SETTLEMENTD_KEY_PASS"
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.BaseDelay.Duration == 0 {
		cfg.Retry.BaseDelay.Duration = 500 * time.Millisecond
	}
	if cfg.Retry.MaxDelay.Duration == 0 {
		cfg.Retry.MaxDelay.Duration = 30 * time.Second
	}
}

func (c *Config) normalise(getenv func(string) string) error {
	c.Node.Endpoint = strings.TrimSpace(c.Node.Endpoint)
	c.Node.Token = strings.TrimSpace(c.Node.Token)
	if env := strings.TrimSpace(c.Node.TokenEnv); env != "" && c.Node.Token == "" {
		c.Node.Token = strings.TrimSpace(getenv(env))
		if c.Node.Token == "" {
			return fmt.Errorf("node token_env %s is empty", env)
		}
	}
	c.Authority.Keystore = strings.TrimSpace(c.Authority.Keystore)
	token := strings.TrimSpace(c.Admin.BearerToken)
	if path := strings.TrimSpace(c.Admin.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	c.Admin.BearerToken = token
	return nil
}

func validateConfig(cfg Config) error {
	if cfg.Authority.Keystore == "" {
		return fmt.Errorf("authority keystore must be configured")
	}
	if cfg.Admin.BearerToken == "" {
		return fmt.Errorf("admin bearer_token must be configured")
	}
	if cfg.Retry.MaxDelay.Duration < cfg.Retry.BaseDelay.Duration {
		return fmt.Errorf("retry max_delay must be >= base_delay")
	}
	return nil
}
