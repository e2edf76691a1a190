// Package metrics provides Prometheus instrumentation for the perp engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PositionsOpened counts opened positions, partitioned by asset.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"asset"})

	// PositionsSettled counts settled positions by asset and settlement kind.
	PositionsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_positions_settled_total",
		Help: "Total number of positions closed or liquidated",
	}, []string{"asset", "kind"})

	// SettlementLatency tracks settlement execution latency by kind.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_settlement_latency_seconds",
		Help:    "Settlement execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// PoolUtilization tracks the reserved fraction of pool liquidity.
	PoolUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_pool_utilization_ratio",
		Help: "Reserved capacity as a fraction of total liquidity",
	})

	// PoolLiquidity tracks total pool capital.
	PoolLiquidity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_pool_liquidity",
		Help: "Total liquidity pool capital",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// CapacityRejections counts opens rejected by pool admission control.
	CapacityRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_capacity_rejections_total",
		Help: "Position opens rejected for insufficient pool capacity",
	})

	// LiquidationChecks counts liquidation eligibility checks by outcome.
	LiquidationChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_liquidation_checks_total",
		Help: "Liquidation eligibility checks",
	}, []string{"eligible"})
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
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
