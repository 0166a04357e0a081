package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
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
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for rebased.
type Config struct {
	ListenAddress string `yaml:"listen"`
	// ProtocolPath points at the TOML protocol parameters.
	ProtocolPath string `yaml:"protocol"`
	// HistoryDSN is a sqlite path or a postgres:// URL.
	HistoryDSN string `yaml:"history"`
	// WithdrawalQueueHolder is the address holding shares of pending
	// withdrawal requests. Empty disables queue finalization.
	WithdrawalQueueHolder string         `yaml:"withdrawal_queue_holder"`
	Auth                  AuthConfig      `yaml:"auth"`
	RateLimit             RateLimitConfig `yaml:"rate_limit"`
	CORS                  CORSConfig      `yaml:"cors"`
	Log                   LogConfig       `yaml:"log"`
	Telemetry             TelemetryConfig `yaml:"telemetry"`
	ShutdownTimeout       Duration        `yaml:"shutdown_timeout"`
}

// AuthConfig configures the bearer token gate on write endpoints.
type AuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret"`
	SecretEnv  string   `yaml:"secret_env"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	ScopeClaim string   `yaml:"scope_claim"`
	ClockSkew  Duration `yaml:"clock_skew"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// LogConfig controls the optional rotating log file.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Traces      bool    `yaml:"traces"`
	Metrics     bool    `yaml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
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
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Secret resolves the HMAC secret, preferring the environment variable.
func (a AuthConfig) Secret() string {
	if env := strings.TrimSpace(a.SecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(a.HMACSecret)
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	cfg.ProtocolPath = strings.TrimSpace(cfg.ProtocolPath)
	if cfg.ProtocolPath == "" {
		cfg.ProtocolPath = "services/rebased/protocol.toml"
	}
	cfg.HistoryDSN = strings.TrimSpace(cfg.HistoryDSN)
	if cfg.HistoryDSN == "" {
		cfg.HistoryDSN = "/var/data/rebased.sqlite"
	}
	cfg.WithdrawalQueueHolder = strings.TrimSpace(cfg.WithdrawalQueueHolder)
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 5 * time.Second
	}
}

func (cfg Config) validate() error {
	if cfg.Auth.Secret() == "" {
		return fmt.Errorf("auth: hmac_secret or secret_env must be configured")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must be positive")
	}
	if cfg.WithdrawalQueueHolder != "" && !common.IsHexAddress(cfg.WithdrawalQueueHolder) {
		return fmt.Errorf("withdrawal_queue_holder: invalid address %q", cfg.WithdrawalQueueHolder)
	}
	for _, origin := range cfg.CORS.AllowedOrigins {
		if origin == "*" && cfg.CORS.AllowCredentials {
			return fmt.Errorf("cors: wildcard origin cannot allow credentials")
		}
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0, 1]")
	}
	return nil
}
