package observability

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"stakeledger/native/rebase"
)

var weiPerUnit = new(big.Float).SetInt(big.NewInt(1_000_000_000_000_000_000))

// rebaseMetrics exports settlement outcomes and ledger gauges. It implements
// rebase.Observer.
type rebaseMetrics struct {
	accepted      prometheus.Counter
	rejected      *prometheus.CounterVec
	feeShares     prometheus.Counter
	external      *prometheus.CounterVec
	pooledValue   prometheus.Gauge
	totalShares   prometheus.Gauge
	shareRate     prometheus.Gauge
	externalRatio prometheus.Gauge
	lastReport    prometheus.Gauge
}

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	rebaseMetricsOnce sync.Once
	rebaseRegistry    *rebaseMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics
)

var _ rebase.Observer = (*rebaseMetrics)(nil)

// RebaseMetrics returns the lazily-initialised settlement metrics registry.
func RebaseMetrics() *rebaseMetrics {
	rebaseMetricsOnce.Do(func() {
		rebaseRegistry = &rebaseMetrics{
			accepted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "stakeledger",
				Subsystem: "rebase",
				Name:      "reports_accepted_total",
				Help:      "Oracle reports settled and committed.",
			}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeledger",
				Subsystem: "rebase",
				Name:      "reports_rejected_total",
				Help:      "Oracle reports rejected, segmented by error class and kind.",
			}, []string{"class", "kind"}),
			feeShares: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "stakeledger",
				Subsystem: "rebase",
				Name:      "fee_shares_minted_total",
				Help:      "Shares minted as protocol fees, in whole-unit shares.",
			}),
			external: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeledger",
				Subsystem: "rebase",
				Name:      "external_shares_total",
				Help:      "External shares moved, segmented by operation.",
			}, []string{"op"}),
			pooledValue: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakeledger",
				Subsystem: "ledger",
				Name:      "total_pooled_value",
				Help:      "Total pooled value in whole units.",
			}),
			totalShares: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakeledger",
				Subsystem: "ledger",
				Name:      "total_shares",
				Help:      "Outstanding shares in whole units.",
			}),
			shareRate: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakeledger",
				Subsystem: "ledger",
				Name:      "share_rate",
				Help:      "Pooled value per share.",
			}),
			externalRatio: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakeledger",
				Subsystem: "ledger",
				Name:      "external_ratio_bp",
				Help:      "External value as a share of total pooled value, in basis points.",
			}),
			lastReport: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakeledger",
				Subsystem: "ledger",
				Name:      "last_report_timestamp_seconds",
				Help:      "Timestamp of the last accepted oracle report.",
			}),
		}
		prometheus.MustRegister(
			rebaseRegistry.accepted,
			rebaseRegistry.rejected,
			rebaseRegistry.feeShares,
			rebaseRegistry.external,
			rebaseRegistry.pooledValue,
			rebaseRegistry.totalShares,
			rebaseRegistry.shareRate,
			rebaseRegistry.externalRatio,
			rebaseRegistry.lastReport,
		)
	})
	return rebaseRegistry
}

// ReportAccepted implements rebase.Observer.
func (m *rebaseMetrics) ReportAccepted(record rebase.RebaseRecord) {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.feeShares.Add(units(record.SharesMintedAsFees))
	m.lastReport.Set(float64(record.ReportTimestamp))
}

// ReportRejected implements rebase.Observer.
func (m *rebaseMetrics) ReportRejected(class rebase.ErrorClass, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.rejected.WithLabelValues(string(class), kind).Inc()
}

// ExternalSharesChanged implements rebase.Observer.
func (m *rebaseMetrics) ExternalSharesChanged(op string, shares *uint256.Int) {
	if m == nil {
		return
	}
	m.external.WithLabelValues(strings.ToLower(strings.TrimSpace(op))).Add(units(shares))
}

// LedgerUpdated implements rebase.Observer.
func (m *rebaseMetrics) LedgerUpdated(s rebase.Snapshot) {
	if m == nil {
		return
	}
	m.pooledValue.Set(units(s.TotalPooledValue))
	m.totalShares.Set(units(s.TotalShares))
	rate, _ := new(big.Float).Quo(new(big.Float).SetInt(s.ShareRate().ToBig()), new(big.Float).SetInt(rebase.ShareRatePrecision.ToBig())).Float64()
	m.shareRate.Set(rate)
	m.externalRatio.Set(float64(s.ExternalRatioBP()))
}

// HTTPMetrics returns the registry recording daemon API traffic.
func HTTPMetrics() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeledger",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "API requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeledger",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "API errors segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stakeledger",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeledger",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "API requests rejected by throttling.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle counts a throttled request. Reasons should be stable strings
// such as "rate_limit".
func (m *httpMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// units converts a wei-denominated amount into whole units for gauges.
func units(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v.ToBig()), weiPerUnit).Float64()
	return f
}
