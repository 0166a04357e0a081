package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	nativecommon "stakeledger/native/common"
	"stakeledger/native/rebase"
)

// FeeConfig parses the fee section into the engine's representation.
func (c *Config) FeeConfig() (rebase.FeeConfig, error) {
	var fees rebase.FeeConfig
	if strings.TrimSpace(c.Fees.Treasury) != "" {
		addr, err := parseAddress(c.Fees.Treasury)
		if err != nil {
			return fees, fmt.Errorf("Treasury: %w", err)
		}
		fees.Treasury = addr
	}
	fees.TreasuryFeeBP = c.Fees.TreasuryFeeBP
	for i, m := range c.Fees.Modules {
		addr, err := parseAddress(m.Address)
		if err != nil {
			return fees, fmt.Errorf("modules[%d].Address: %w", i, err)
		}
		name := strings.TrimSpace(m.Name)
		if name == "" {
			return fees, fmt.Errorf("modules[%d].Name required", i)
		}
		fees.Modules = append(fees.Modules, rebase.FeeRecipient{Name: name, Address: addr, FeeBP: m.FeeBP})
	}
	if err := fees.Validate(); err != nil {
		return fees, err
	}
	return fees, nil
}

// GenesisLedger builds the initial ledger. Total shares equal the sum of the
// holder balances.
func (c *Config) GenesisLedger() (*rebase.Ledger, error) {
	g := c.Genesis
	l := rebase.NewLedger(g.Timestamp, c.MaxExternalRatioBP)
	var err error
	if l.BufferedValue, err = parseUintAmount(g.BufferedValueWei); err != nil {
		return nil, fmt.Errorf("BufferedValueWei: %w", err)
	}
	if l.CLBalance, err = parseUintAmount(g.CLBalanceWei); err != nil {
		return nil, fmt.Errorf("CLBalanceWei: %w", err)
	}
	l.CLValidators = g.CLValidators
	l.DepositedValidators = g.DepositedValidators

	total := new(uint256.Int)
	seen := make(map[common.Address]struct{}, len(g.Holders))
	for i, h := range g.Holders {
		addr, err := parseAddress(h.Address)
		if err != nil {
			return nil, fmt.Errorf("holders[%d].Address: %w", i, err)
		}
		if _, dup := seen[addr]; dup {
			return nil, fmt.Errorf("holders[%d]: duplicate holder %s", i, addr.Hex())
		}
		seen[addr] = struct{}{}
		shares, err := parseUintAmount(h.Shares)
		if err != nil {
			return nil, fmt.Errorf("holders[%d].Shares: %w", i, err)
		}
		if _, overflow := total.AddOverflow(total, shares); overflow {
			return nil, fmt.Errorf("holders[%d]: total shares overflow", i)
		}
		l.RestoreShares(addr, shares)
	}
	l.TotalShares = total
	if err := l.CheckInvariants(); err != nil {
		return nil, err
	}
	return l, nil
}

// PauseSet returns the initial module pause toggles.
func (c *Config) PauseSet() *nativecommon.Pauses {
	p := nativecommon.NewPauses()
	p.Set(nativecommon.ModuleStaking, c.Pauses.Staking)
	p.Set(nativecommon.ModuleExternal, c.Pauses.External)
	p.Set(nativecommon.ModuleOracle, c.Pauses.Oracle)
	return p
}

func parseAddress(value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", value)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address")
	}
	return addr, nil
}

func parseUintAmount(value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	amount, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return amount, nil
}
