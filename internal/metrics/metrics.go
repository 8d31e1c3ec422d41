// Package metrics provides Prometheus instrumentation for the exchange.
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
	// OrdersPlaced counts accepted limit orders by side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperx_orders_placed_total",
		Help: "Limit orders accepted",
	}, []string{"side"})

	// OrdersFilled counts limit orders settled by the fill engine, by side.
	OrdersFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperx_orders_filled_total",
		Help: "Limit orders filled and settled",
	}, []string{"side"})

	// OrdersCancelled counts cancellations by reason (user, unbacked).
	OrdersCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperx_orders_cancelled_total",
		Help: "Limit orders cancelled",
	}, []string{"reason"})

	// LostRaces counts status transitions that affected zero rows.
	LostRaces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperx_transition_lost_races_total",
		Help: "Order transitions lost to a concurrent writer",
	})

	// SettlementFailures counts per-order failures during evaluation.
	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperx_settlement_failures_total",
		Help: "Per-order evaluation or settlement failures",
	})

	// SweepDuration observes how long one evaluation pass takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paperx_sweep_duration_seconds",
		Help:    "Duration of one pending-order evaluation pass",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	})

	// TradesTotal counts market orders executed, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperx_trades_total",
		Help: "Market orders executed",
	}, []string{"side"})

	// TradeLatency observes market order execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paperx_trade_latency_seconds",
		Help:    "Market order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// BalanceContention counts balance CAS attempts that lost and retried.
	BalanceContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperx_balance_cas_retries_total",
		Help: "Balance compare-and-set retries",
	})

	// PositionContention counts position CAS attempts that lost and retried.
	PositionContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperx_position_cas_retries_total",
		Help: "Position compare-and-set retries",
	})

	// PositionLimitRejections counts buys rejected by the position limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperx_position_limit_rejections_total",
		Help: "Buys rejected by position limiter",
	})

	// PriceFeedErrors counts failed price fetches.
	PriceFeedErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperx_price_feed_errors_total",
		Help: "Price feed fetch failures",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paperx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paperx_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by chi route pattern so user and order IDs do not
// explode label cardinality.
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
