package config

import (
	"fmt"

	"stakeledger/native/rebase"
)

// ValidateConfig checks every section and that genesis and fees convert into
// a consistent ledger.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	if cfg.MaxExternalRatioBP > rebase.MaxBasisPoints {
		return fmt.Errorf("MaxExternalRatioBP: %d exceeds %d", cfg.MaxExternalRatioBP, rebase.MaxBasisPoints)
	}
	if err := cfg.Limits.Validate(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if _, err := cfg.FeeConfig(); err != nil {
		return fmt.Errorf("fees: %w", err)
	}
	if _, err := cfg.GenesisLedger(); err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	return nil
}
