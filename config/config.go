package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"stakeledger/native/sanity"
)

// Config holds the protocol parameters of a ledger deployment.
type Config struct {
	DataDir string `toml:"DataDir"`
	// AllowMigrate tolerates a schema version mismatch on open.
	AllowMigrate       bool   `toml:"AllowMigrate"`
	MaxExternalRatioBP uint16 `toml:"MaxExternalRatioBP"`

	Limits  sanity.LimitsList `toml:"limits"`
	Fees    Fees              `toml:"fees"`
	Genesis Genesis           `toml:"genesis"`
	Pauses  Pauses            `toml:"pauses"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config file %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./stakeledger-data"
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the production defaults. Fees are disabled until a
// treasury is configured.
func Default() *Config {
	return &Config{
		DataDir:            "./stakeledger-data",
		MaxExternalRatioBP: 1000,
		Limits:             sanity.DefaultLimits(),
		Genesis:            Genesis{BufferedValueWei: "0", CLBalanceWei: "0"},
	}
}

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
