// Package metrics provides Prometheus instrumentation for the trading pipeline.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AnalysesTotal counts issuance events processed by the monitor, by result.
	AnalysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_analyses_total",
		Help: "Issuance events analyzed, by result",
	}, []string{"result"})

	RiskScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trader_risk_score",
		Help:    "Distribution of computed token risk scores",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})

	MetadataFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trader_metadata_failures_total",
		Help: "Metadata documents that could not be fetched or decoded",
	})

	// TradeEventsTotal counts curve trade events observed on chain.
	TradeEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trader_trade_events_total",
		Help: "Curve trade events observed",
	})

	// DecisionsTotal counts decisions by action.
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_decisions_total",
		Help: "Trade decisions produced, by action",
	}, []string{"action"})

	// DecisionFallbacksTotal counts reasoning outputs that failed closed.
	DecisionFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trader_decision_fallbacks_total",
		Help: "Reasoning responses rejected and replaced with skip",
	})

	ReasoningLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trader_reasoning_latency_seconds",
		Help:    "Reasoning service call latency in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"provider", "result"})

	// ExecutionsTotal counts attempted executions by trade type and terminal status.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_executions_total",
		Help: "Trade executions attempted, by type and status",
	}, []string{"type", "status"})

	ExecutionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trader_execution_latency_seconds",
		Help:    "Trade submission latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// PolicyRejectionsTotal counts decisions not executed, by gate.
	PolicyRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_policy_rejections_total",
		Help: "Decisions not executed, by gate",
	}, []string{"reason"})

	// CorruptRecordsTotal counts stored records skipped because they could not
	// be decoded, by record kind.
	CorruptRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_store_corrupt_records_total",
		Help: "Stored records skipped as undecodable, by kind",
	}, []string{"record"})

	// HolderFailuresTotal counts per-holder processing failures by stage.
	HolderFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_holder_failures_total",
		Help: "Per-holder processing failures, by stage",
	}, []string{"stage"})

	// FeedClients tracks connected telemetry WebSocket clients.
	FeedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_feed_clients",
		Help: "Number of connected feed WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trader_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern keeps the path label bounded to registered routes.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over connections served through
// the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
