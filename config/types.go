package config

// Fees configures the protocol fee split taken from positive rebases.
type Fees struct {
	Treasury      string      `toml:"Treasury"`
	TreasuryFeeBP uint16      `toml:"TreasuryFeeBP"`
	Modules       []FeeModule `toml:"modules"`
}

// FeeModule is one staking module sharing in the fee.
type FeeModule struct {
	Name    string `toml:"Name"`
	Address string `toml:"Address"`
	FeeBP   uint16 `toml:"FeeBP"`
}

// Genesis seeds the ledger the first time the data directory is opened.
// Amounts are decimal wei strings.
type Genesis struct {
	Timestamp           uint64          `toml:"Timestamp"`
	BufferedValueWei    string          `toml:"BufferedValueWei"`
	CLBalanceWei        string          `toml:"CLBalanceWei"`
	CLValidators        uint64          `toml:"CLValidators"`
	DepositedValidators uint64          `toml:"DepositedValidators"`
	Holders             []GenesisHolder `toml:"holders"`
}

// GenesisHolder is an initial share balance.
type GenesisHolder struct {
	Address string `toml:"Address"`
	Shares  string `toml:"Shares"`
}

// Pauses lists the modules that start paused.
type Pauses struct {
	Staking  bool `toml:"Staking"`
	External bool `toml:"External"`
	Oracle   bool `toml:"Oracle"`
}
