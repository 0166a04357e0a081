package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stakeledger/config"
	"stakeledger/core/state"
	"stakeledger/native/rebase"
	"stakeledger/services/rebased/history"
	"stakeledger/storage"
)

const holder = "0x0000000000000000000000000000000000000a11"

func writeProtocol(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	path := filepath.Join(dir, "protocol.toml")
	contents := fmt.Sprintf(`DataDir = %q
MaxExternalRatioBP = 1000

[genesis]
CLBalanceWei = "64000000000000000000"
CLValidators = 2
DepositedValidators = 2

[[genesis.holders]]
Address = %q
Shares = "64000000000000000000"
`, dataDir, holder)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write protocol: %v", err)
	}
	return path, dataDir
}

func seedLedger(t *testing.T, configPath string) {
	t.Helper()
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	genesis, err := cfg.GenesisLedger()
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	store, err := state.NewLedgerStore(state.NewManager(db))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := rebase.NewEngine(genesis, rebase.WithStore(store)); err != nil {
		t.Fatalf("engine: %v", err)
	}
}

func TestInspectRequiresInitialisedLedger(t *testing.T) {
	path, _ := writeProtocol(t)
	err := runInspect([]string{"--config", path}, &bytes.Buffer{})
	if !errors.Is(err, errNotInitialised) {
		t.Fatalf("expected errNotInitialised, got %v", err)
	}
}

func TestInspectAndHolders(t *testing.T) {
	path, _ := writeProtocol(t)
	seedLedger(t, path)

	var out bytes.Buffer
	if err := runInspect([]string{"--config", path}, &out); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	var view snapshotView
	if err := json.Unmarshal(out.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.TotalShares != "64000000000000000000" || view.CLValidators != 2 || view.Holders != 1 {
		t.Fatalf("unexpected snapshot %+v", view)
	}
	if view.ShareRate != rebase.ShareRatePrecision.Dec() {
		t.Fatalf("share rate = %s", view.ShareRate)
	}

	out.Reset()
	if err := runHolders([]string{"--config", path}, &out); err != nil {
		t.Fatalf("holders: %v", err)
	}
	want := fmt.Sprintf("%s 64000000000000000000 64000000000000000000\n", holder)
	if out.String() != want {
		t.Fatalf("holders output %q, want %q", out.String(), want)
	}
}

func TestCheckConfigPrintsEffectiveValues(t *testing.T) {
	path, _ := writeProtocol(t)
	var out bytes.Buffer
	if err := runCheckConfig([]string{"--config", path}, &out); err != nil {
		t.Fatalf("check-config: %v", err)
	}
	if !strings.Contains(out.String(), "RequestTimestampMargin = 7680") {
		t.Fatalf("default limits missing from output:\n%s", out.String())
	}
}

func TestMigrateStampsSchemaVersion(t *testing.T) {
	path, dataDir := writeProtocol(t)
	seedLedger(t, path)

	db, err := storage.NewLevelDB(filepath.Join(dataDir, "ledger"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := state.NewManager(db).SetSchemaVersion(state.SchemaVersion + 1); err != nil {
		t.Fatalf("set version: %v", err)
	}
	db.Close()

	if err := runMigrate([]string{"--config", path}, &bytes.Buffer{}); !errors.Is(err, state.ErrSchemaVersionMismatch) {
		t.Fatalf("expected mismatch without --force, got %v", err)
	}
	var out bytes.Buffer
	if err := runMigrate([]string{"--config", path, "--force"}, &out); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	want := fmt.Sprintf("Schema version %d -> %d\n", state.SchemaVersion+1, state.SchemaVersion)
	if out.String() != want {
		t.Fatalf("output %q, want %q", out.String(), want)
	}
	if err := runInspect([]string{"--config", path}, &bytes.Buffer{}); err != nil {
		t.Fatalf("inspect after migrate: %v", err)
	}
}

func TestExportHistory(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "history.sqlite")
	store, err := history.Open(dsn)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	err = store.RecordRebase(context.Background(), "req-1", rebase.RebaseRecord{
		ReportTimestamp: 86400,
		TimeElapsed:     86400,
	})
	store.Close()
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := runExport(nil, &bytes.Buffer{}); !errors.Is(err, history.ErrDSNRequired) {
		t.Fatalf("expected ErrDSNRequired, got %v", err)
	}
	outDir := filepath.Join(dir, "out")
	var out bytes.Buffer
	if err := runExport([]string{"--history", dsn, "--out", outDir}, &out); err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.HasPrefix(out.String(), "Exported 1 rebases") {
		t.Fatalf("unexpected output %q", out.String())
	}
	for _, name := range []string{"rebases.csv", "rebases.parquet"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
}
