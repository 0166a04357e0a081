package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"stakeledger/config"
	"stakeledger/core/state"
	"stakeledger/native/rebase"
	"stakeledger/services/rebased/history"
	"stakeledger/storage"
)

const (
	inspectCommand     = "inspect"
	holdersCommand     = "holders"
	checkConfigCommand = "check-config"
	migrateCommand     = "migrate-schema"
	exportCommand      = "export-history"
	defaultConfig      = "./protocol.toml"
)

var errNotInitialised = errors.New("ledger database has not been initialised")

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case inspectCommand:
		err = runInspect(os.Args[2:], os.Stdout)
	case holdersCommand:
		err = runHolders(os.Args[2:], os.Stdout)
	case checkConfigCommand:
		err = runCheckConfig(os.Args[2:], os.Stdout)
	case migrateCommand:
		err = runMigrate(os.Args[2:], os.Stdout)
	case exportCommand:
		err = runExport(os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseConfigFlag(name string, args []string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "Path to the protocol parameters file")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	return *configPath, nil
}

// openStore opens the ledger database named by the protocol file. The caller
// closes the returned database.
func openStore(configPath string) (*state.LedgerStore, storage.Database, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	dir := filepath.Join(cfg.DataDir, "ledger")
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", errNotInitialised, dir)
		}
		return nil, nil, err
	}
	db, err := storage.NewLevelDB(dir)
	if err != nil {
		return nil, nil, err
	}
	store, err := state.NewLedgerStore(state.NewManager(db))
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

// loadLedger returns the committed ledger and a function closing its database.
func loadLedger(configPath string) (*rebase.Ledger, func(), error) {
	store, db, err := openStore(configPath)
	if err != nil {
		return nil, nil, err
	}
	ledger, ok, err := store.LoadLedger()
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if !ok {
		db.Close()
		return nil, nil, errNotInitialised
	}
	return ledger, db.Close, nil
}

type snapshotView struct {
	TotalPooledValue    string `json:"totalPooledValue"`
	TotalShares         string `json:"totalShares"`
	ShareRate           string `json:"shareRate"`
	BufferedValue       string `json:"bufferedValue"`
	CLBalance           string `json:"clBalance"`
	CLValidators        uint64 `json:"clValidators"`
	DepositedValidators uint64 `json:"depositedValidators"`
	ExternalValue       string `json:"externalValue"`
	ExternalShares      string `json:"externalShares"`
	ExternalRatioBP     uint64 `json:"externalRatioBp"`
	ExitedValidators    uint64 `json:"exitedValidators"`
	LastReportTimestamp uint64 `json:"lastReportTimestamp"`
	Holders             int    `json:"holders"`
}

func runInspect(args []string, out io.Writer) error {
	configPath, err := parseConfigFlag(inspectCommand, args)
	if err != nil {
		return err
	}
	ledger, closeDB, err := loadLedger(configPath)
	if err != nil {
		return err
	}
	defer closeDB()
	snap := ledger.Snapshot()
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(snapshotView{
		TotalPooledValue:    snap.TotalPooledValue.Dec(),
		TotalShares:         snap.TotalShares.Dec(),
		ShareRate:           snap.ShareRate().Dec(),
		BufferedValue:       snap.BufferedValue.Dec(),
		CLBalance:           snap.CLBalance.Dec(),
		CLValidators:        snap.CLValidators,
		DepositedValidators: snap.DepositedValidators,
		ExternalValue:       snap.ExternalValue.Dec(),
		ExternalShares:      snap.ExternalShares.Dec(),
		ExternalRatioBP:     snap.ExternalRatioBP(),
		ExitedValidators:    snap.ExitedValidators,
		LastReportTimestamp: snap.LastReportTimestamp,
		Holders:             len(ledger.Holders()),
	})
}

func runHolders(args []string, out io.Writer) error {
	configPath, err := parseConfigFlag(holdersCommand, args)
	if err != nil {
		return err
	}
	ledger, closeDB, err := loadLedger(configPath)
	if err != nil {
		return err
	}
	defer closeDB()
	for _, addr := range ledger.Holders() {
		shares := ledger.SharesOf(addr)
		value, err := ledger.ValueFor(shares)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s %s\n", addr.Hex(), shares.Dec(), value.Dec())
	}
	return nil
}

// runCheckConfig validates the protocol file and prints the effective
// parameters with defaults applied.
func runCheckConfig(args []string, out io.Writer) error {
	configPath, err := parseConfigFlag(checkConfigCommand, args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if _, err := cfg.GenesisLedger(); err != nil {
		return err
	}
	return toml.NewEncoder(out).Encode(cfg)
}

func runMigrate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(migrateCommand, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "Path to the protocol parameters file")
	force := fs.Bool("force", false, "Stamp the current schema version over a mismatching one")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		return err
	}
	defer db.Close()
	manager := state.NewManager(db)
	if err := manager.EnsureSchemaVersion(*force); err != nil {
		return fmt.Errorf("%w (use --force after migrating by hand)", err)
	}
	previous, ok, err := manager.SchemaVersion()
	if err != nil {
		return err
	}
	if err := manager.SetSchemaVersion(state.SchemaVersion); err != nil {
		return err
	}
	if ok {
		fmt.Fprintf(out, "Schema version %d -> %d\n", previous, state.SchemaVersion)
	} else {
		fmt.Fprintf(out, "Schema version set to %d\n", state.SchemaVersion)
	}
	return nil
}

func runExport(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(exportCommand, flag.ContinueOnError)
	dsn := fs.String("history", "", "History database (sqlite path or postgres:// URL)")
	dir := fs.String("out", "./export", "Directory receiving rebases.csv and rebases.parquet")
	from := fs.Uint64("from", 0, "Earliest report timestamp to include")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*dsn) == "" {
		return history.ErrDSNRequired
	}
	store, err := history.Open(*dsn)
	if err != nil {
		return err
	}
	defer store.Close()
	files, err := store.Export(context.Background(), *dir, *from)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Exported %d rebases to %s and %s\n", files.Count, files.CSVPath, files.ParquetPath)
	return nil
}

func usage() {
	fmt.Println("stakectl <command> [--config protocol.toml]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Printf("  %s         Print the committed ledger totals as JSON\n", inspectCommand)
	fmt.Printf("  %s         List share holders with their shares and value\n", holdersCommand)
	fmt.Printf("  %s    Validate protocol parameters and print the effective values\n", checkConfigCommand)
	fmt.Printf("  %s  Record the current ledger schema version\n", migrateCommand)
	fmt.Printf("  %s  Write accepted rebases to CSV and Parquet (--history DSN --out DIR)\n", exportCommand)
}
