package middleware

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stakeledger/observability/logging"
)

const (
	// RequestIDHeader carries the request correlation identifier.
	RequestIDHeader = "X-Request-ID"

	contextKeyRequestID contextKey = "rebased.request_id"
)

// RequestObserver records per-route HTTP outcomes.
type RequestObserver interface {
	Observe(route, method string, status int, duration time.Duration)
}

// RequestIDFromHeader attaches the caller's request ID, or a fresh UUID, to
// the context and echoes it in the response.
func RequestIDFromHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyRequestID, id)))
	})
}

// RequestID returns the request correlation identifier, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}

// Observability traces, measures and logs each request.
type Observability struct {
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics RequestObserver
}

func NewObservability(service string, metrics RequestObserver, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observability{logger: logger, tracer: otel.Tracer(service), metrics: metrics}
}

func (o *Observability) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		ctx, span := o.tracer.Start(r.Context(), r.Method+" "+r.URL.Path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("request.id", RequestID(r.Context())),
		))
		next.ServeHTTP(recorder, r.WithContext(ctx))
		route := routePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", recorder.status),
		)
		span.End()

		elapsed := time.Since(start)
		if o.metrics != nil {
			o.metrics.Observe(route, r.Method, recorder.status, elapsed)
		}
		level := slog.LevelInfo
		if recorder.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		o.logger.LogAttrs(ctx, level, "http request",
			logging.MaskField("method", r.Method),
			logging.MaskField("path", route),
			logging.MaskField("status", strconv.Itoa(recorder.status)),
			logging.MaskField("request_id", RequestID(r.Context())),
			logging.MaskField("remote", clientID(r)),
			logging.MaskField("authorization", r.Header.Get("Authorization")),
			slog.Duration("duration", elapsed),
		)
	})
}

// routePattern prefers the matched chi pattern so metrics stay low-cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if !s.wroteHeader {
		s.status = http.StatusSwitchingProtocols
		s.wroteHeader = true
	}
	return hijacker.Hijack()
}

func (s *statusRecorder) Flush() {
	if flusher, ok := s.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
