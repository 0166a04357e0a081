package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"stakeledger/config"
	"stakeledger/core/events"
	"stakeledger/core/state"
	"stakeledger/native/rebase"
	"stakeledger/native/sanity"
	"stakeledger/native/withdrawals"
	"stakeledger/observability"
	"stakeledger/observability/logging"
	telemetry "stakeledger/observability/otel"
	rebasedconfig "stakeledger/services/rebased/config"
	"stakeledger/services/rebased/history"
	"stakeledger/services/rebased/middleware"
	"stakeledger/services/rebased/server"
	"stakeledger/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/rebased/config.yaml", "path to rebased configuration file")
	flag.Parse()

	cfg, err := rebasedconfig.Load(cfgPath)
	if err != nil {
		log.Fatalf("rebased: load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("STAKELEDGER_ENV"))
	logger := logging.Setup("rebased", env)
	if cfg.Log.File != "" {
		var closer io.Closer
		logger, closer = logging.SetupWithFile("rebased", env, logging.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
		defer closer.Close()
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "rebased",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("rebased: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	protocol, err := config.Load(cfg.ProtocolPath)
	if err != nil {
		log.Fatalf("rebased: load protocol parameters: %v", err)
	}
	genesis, err := protocol.GenesisLedger()
	if err != nil {
		log.Fatalf("rebased: genesis: %v", err)
	}
	fees, err := protocol.FeeConfig()
	if err != nil {
		log.Fatalf("rebased: fees: %v", err)
	}
	checker, err := sanity.NewChecker(protocol.Limits)
	if err != nil {
		log.Fatalf("rebased: oracle report limits: %v", err)
	}

	if err := os.MkdirAll(protocol.DataDir, 0o750); err != nil {
		log.Fatalf("rebased: create data dir: %v", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(protocol.DataDir, "ledger"))
	if err != nil {
		log.Fatalf("rebased: open ledger db: %v", err)
	}
	defer db.Close()
	manager := state.NewManager(db)
	if protocol.AllowMigrate {
		if err := manager.EnsureSchemaVersion(true); err != nil {
			log.Fatalf("rebased: migrate schema: %v", err)
		}
		if err := manager.SetSchemaVersion(state.SchemaVersion); err != nil {
			log.Fatalf("rebased: stamp schema version: %v", err)
		}
	}
	ledgerStore, err := state.NewLedgerStore(manager)
	if err != nil {
		log.Fatalf("rebased: ledger store: %v", err)
	}

	broadcaster := events.NewBroadcaster(0)
	pauses := protocol.PauseSet()
	opts := []rebase.Option{
		rebase.WithChecker(checker),
		rebase.WithFees(fees),
		rebase.WithPauses(pauses),
		rebase.WithStore(ledgerStore),
		rebase.WithObserver(observability.RebaseMetrics()),
		rebase.WithEmitter(events.Fanout{observability.Events(), broadcaster}),
		rebase.WithLogger(logger),
	}
	var queue *withdrawals.MemoryQueue
	if cfg.WithdrawalQueueHolder != "" {
		queue = withdrawals.NewMemoryQueue(common.HexToAddress(cfg.WithdrawalQueueHolder))
		opts = append(opts, rebase.WithQueue(queue))
	}
	engine, err := rebase.NewEngine(genesis, opts...)
	if err != nil {
		log.Fatalf("rebased: engine: %v", err)
	}

	historyStore, err := history.Open(cfg.HistoryDSN)
	if err != nil {
		log.Fatalf("rebased: history: %v", err)
	}
	defer historyStore.Close()

	httpMetrics := observability.HTTPMetrics()
	srv, err := server.New(server.Config{
		ListenAddress:   cfg.ListenAddress,
		ShutdownTimeout: cfg.ShutdownTimeout.Duration,
	}, server.Runtime{
		Engine:  engine,
		History: historyStore,
		Pauses:  pauses,
		Queue:   queue,
		Auth: middleware.NewAuthenticator(middleware.AuthConfig{
			HMACSecret: cfg.Auth.Secret(),
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ScopeClaim: cfg.Auth.ScopeClaim,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		}, logger),
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		}, httpMetrics),
		Observer: middleware.NewObservability("rebased", httpMetrics, logger),
		CORS: middleware.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowCredentials: cfg.CORS.AllowCredentials,
		},
		Events: broadcaster,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("rebased: server: %v", err)
	}

	snap := engine.Snapshot()
	logger.Info("rebased: ledger ready",
		slog.String("totalPooledValue", snap.TotalPooledValue.Dec()),
		slog.String("totalShares", snap.TotalShares.Dec()),
		slog.Uint64("lastReportTimestamp", snap.LastReportTimestamp))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("rebased: http server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
