// Package metrics provides Prometheus instrumentation for the pile engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerOpsTotal counts ledger calls by operation and outcome
	// ("ok" or the error code).
	LedgerOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pile_ledger_ops_total",
		Help: "Total ledger calls by operation and result",
	}, []string{"op", "result"})

	// LedgerOpLatency tracks ledger call latency including persistence.
	LedgerOpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pile_ledger_op_latency_seconds",
		Help:    "Ledger call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// OpenPositions tracks the number of open positions across all pools.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pile_open_positions",
		Help: "Number of currently open positions",
	})

	// ActiveOrders tracks resting limit orders across all pools.
	ActiveOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pile_active_orders",
		Help: "Number of active limit orders",
	})

	// KeeperActions counts keeper triggers and liquidations by result.
	KeeperActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pile_keeper_actions_total",
		Help: "Keeper order triggers and liquidations",
	}, []string{"action", "result"})

	// EventPublishFailures counts event batches that failed to publish.
	EventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pile_event_publish_failures_total",
		Help: "Event batches that could not be delivered",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pile_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pile_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pile_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOp records one ledger call.
func ObserveOp(op, result string, started time.Time) {
	LedgerOpsTotal.WithLabelValues(op, result).Inc()
	LedgerOpLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps pool ids and accounts out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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
