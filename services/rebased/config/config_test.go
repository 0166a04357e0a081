package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rebased.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "auth:\n  hmac_secret: s3cret\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7080" || cfg.HistoryDSN == "" || cfg.ProtocolPath == "" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Auth.ScopeClaim != "scope" || cfg.Auth.ClockSkew.Duration != 2*time.Minute {
		t.Fatalf("auth defaults not applied: %+v", cfg.Auth)
	}
	if cfg.RateLimit.RequestsPerMinute != 120 || cfg.RateLimit.Burst != 20 {
		t.Fatalf("rate limit defaults not applied: %+v", cfg.RateLimit)
	}
}

func TestLoadParsesSections(t *testing.T) {
	cfg, err := Load(writeConfig(t, `listen: "127.0.0.1:9000"
protocol: /etc/stakeledger/protocol.toml
history: postgres://ledger@db/ledger
withdrawal_queue_holder: "0x00000000000000000000000000000000000000aa"
auth:
  secret_env: REBASED_TEST_SECRET
  issuer: oracle-committee
  clock_skew: 30s
rate_limit:
  requests_per_minute: 30
  burst: 5
log:
  file: /var/log/rebased.log
  max_size_mb: 50
telemetry:
  traces: true
  sample_ratio: 0.25
shutdown_timeout: 10s
`))
	if err == nil {
		t.Fatalf("expected error without the secret env set")
	}

	t.Setenv("REBASED_TEST_SECRET", "from-env")
	cfg, err = Load(writeConfig(t, `history: postgres://ledger@db/ledger
auth:
  secret_env: REBASED_TEST_SECRET
  hmac_secret: ignored
  clock_skew: 30s
cors:
  allowed_origins: ["https://dashboard.example"]
telemetry:
  sample_ratio: 0.25
shutdown_timeout: 10s
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Secret() != "from-env" {
		t.Fatalf("env secret not preferred")
	}
	if cfg.Auth.ClockSkew.Duration != 30*time.Second || cfg.ShutdownTimeout.Duration != 10*time.Second {
		t.Fatalf("durations not parsed: %+v", cfg)
	}
	if cfg.HistoryDSN != "postgres://ledger@db/ledger" || cfg.Telemetry.SampleRatio != 0.25 {
		t.Fatalf("unexpected values: %+v", cfg)
	}
	if len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "https://dashboard.example" {
		t.Fatalf("cors origins not parsed: %+v", cfg.CORS)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown field":  "auth:\n  hmac_secret: x\nbootnodes: []\n",
		"bad holder":     "auth:\n  hmac_secret: x\nwithdrawal_queue_holder: nope\n",
		"bad duration":   "auth:\n  hmac_secret: x\nshutdown_timeout: soon\n",
		"bad ratio":      "auth:\n  hmac_secret: x\ntelemetry:\n  sample_ratio: 1.5\n",
		"negative rate":  "auth:\n  hmac_secret: x\nrate_limit:\n  burst: -1\n",
		"wildcard creds": "auth:\n  hmac_secret: x\ncors:\n  allowed_origins: [\"*\"]\n  allow_credentials: true\n",
	}
	for name, contents := range cases {
		if _, err := Load(writeConfig(t, contents)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
