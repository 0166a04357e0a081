package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stakeledger/core/events"
	nativecommon "stakeledger/native/common"
	"stakeledger/native/rebase"
	"stakeledger/native/withdrawals"
	"stakeledger/services/rebased/history"
	"stakeledger/services/rebased/middleware"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress   string
	ShutdownTimeout time.Duration
}

// Runtime bundles the collaborators the handlers drive.
type Runtime struct {
	Engine  *rebase.Engine
	History *history.Store
	Pauses  *nativecommon.Pauses
	// Queue is optional; without it the withdrawal endpoints are not routed.
	Queue *withdrawals.MemoryQueue

	Auth        *middleware.Authenticator
	RateLimiter *middleware.RateLimiter
	Observer    *middleware.Observability
	CORS        middleware.CORSConfig
	Logger      *slog.Logger
	Now         func() time.Time

	// Events is optional; without it the event stream is not routed.
	Events *events.Broadcaster
}

// Server exposes the ledger over HTTP.
type Server struct {
	cfg     Config
	engine  *rebase.Engine
	history *history.Store
	pauses  *nativecommon.Pauses
	queue   *withdrawals.MemoryQueue
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
	cors    middleware.CORSConfig
	events  *events.Broadcaster
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs a new HTTP server.
func New(cfg Config, rt Runtime) (*Server, error) {
	if rt.Engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if rt.History == nil {
		return nil, fmt.Errorf("history store required")
	}
	if rt.Auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if rt.Logger == nil {
		rt.Logger = slog.Default()
	}
	if rt.Now == nil {
		rt.Now = time.Now
	}
	if rt.Pauses == nil {
		rt.Pauses = nativecommon.NewPauses()
	}
	if rt.Observer == nil {
		rt.Observer = middleware.NewObservability("rebased", nil, rt.Logger)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Server{
		cfg:     cfg,
		engine:  rt.Engine,
		history: rt.History,
		pauses:  rt.Pauses,
		queue:   rt.Queue,
		auth:    rt.Auth,
		limiter: rt.RateLimiter,
		obs:     rt.Observer,
		cors:    rt.CORS,
		events:  rt.Events,
		logger:  rt.Logger,
		now:     rt.Now,
	}, nil
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestIDFromHeader, s.obs.Middleware, middleware.CORS(s.cors))
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/pool", s.handlePool)
		r.Get("/shares/{address}", s.handleSharesOf)
		r.Get("/convert/shares", s.handleSharesForValue)
		r.Get("/convert/value", s.handleValueForShares)
		r.Get("/external", s.handleExternal)
		r.Get("/limits", s.handleLimits)
		r.Get("/rebases", s.handleRebases)
		r.Get("/rejections", s.handleRejections)
		r.Get("/apr", s.handleAPR)
		if s.events != nil {
			r.Get("/events/stream", s.handleEventStream)
		}

		r.With(s.auth.Require(middleware.ScopeOracle)).Post("/oracle/report", s.handleReport)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Require(middleware.ScopeVaultHub))
			r.Post("/external/mint", s.handleExternalMint)
			r.Post("/external/burn", s.handleExternalBurn)
			r.Post("/external/rebalance", s.handleExternalRebalance)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Require(middleware.ScopeStaking))
			r.Post("/staking/submit", s.handleSubmit)
			r.Post("/staking/deposit", s.handleDeposit)
			r.Post("/shares/transfer", s.handleTransfer)
			if s.queue != nil {
				r.Post("/withdrawals", s.handleRequestWithdrawal)
			}
		})
		if s.queue != nil {
			r.Get("/withdrawals/{id}", s.handleWithdrawal)
		}

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Require(middleware.ScopeAdmin))
			r.Put("/limits", s.handleSetLimits)
			r.Put("/pauses/{module}", s.handleSetPause)
		})
	})
	return otelhttp.NewHandler(r, "rebased")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("rebased: shutdown", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("rebased: listening", slog.String("addr", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":              "ok",
		"lastReportTimestamp": snap.LastReportTimestamp,
	})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, poolResponse{
		TotalPooledValue:    dec(snap.TotalPooledValue),
		TotalShares:         dec(snap.TotalShares),
		ShareRate:           dec(snap.ShareRate()),
		BufferedValue:       dec(snap.BufferedValue),
		CLBalance:           dec(snap.CLBalance),
		CLValidators:        snap.CLValidators,
		DepositedValidators: snap.DepositedValidators,
		TransientValue:      dec(snap.TransientValue),
		ExitedValidators:    snap.ExitedValidators,
		LastReportTimestamp: snap.LastReportTimestamp,
	})
}

func (s *Server) handleSharesOf(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	shares := s.engine.SharesOf(addr)
	value, err := s.engine.ValueFor(shares)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": dec(shares), "value": dec(value)})
}

func (s *Server) handleSharesForValue(w http.ResponseWriter, r *http.Request) {
	value, err := parseAmount("value", r.URL.Query().Get("value"), true)
	if err != nil {
		writeFailure(w, err)
		return
	}
	shares, err := s.engine.SharesFor(value)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"value": dec(value), "shares": dec(shares)})
}

func (s *Server) handleValueForShares(w http.ResponseWriter, r *http.Request) {
	shares, err := parseAmount("shares", r.URL.Query().Get("shares"), true)
	if err != nil {
		writeFailure(w, err)
		return
	}
	convert := s.engine.ValueFor
	if strings.EqualFold(r.URL.Query().Get("round"), "up") {
		convert = s.engine.ValueForRoundUp
	}
	value, err := convert(shares)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": dec(shares), "value": dec(value)})
}

func (s *Server) handleExternal(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	mintable, err := s.engine.MaxMintableExternalShares()
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, externalResponse{
		Value:             dec(snap.ExternalValue),
		Shares:            dec(snap.ExternalShares),
		RatioBP:           snap.ExternalRatioBP(),
		MaxRatioBP:        snap.MaxExternalRatioBP,
		MaxMintableShares: dec(mintable),
	})
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.OracleReportLimits())
}
