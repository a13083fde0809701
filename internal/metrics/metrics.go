// Package metrics provides Prometheus instrumentation for the market engine.
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
	// TicksTotal counts simulation ticks processed by the scheduler.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orgsim_ticks_total",
		Help: "Total simulation ticks processed",
	})

	// PriceEventsTotal counts event-driven price impacts, partitioned
	// by direction and magnitude.
	PriceEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orgsim_price_events_total",
		Help: "Total narrative price impacts applied",
	}, []string{"direction", "magnitude"})

	// PositionsOpenedTotal counts opened positions by side.
	PositionsOpenedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orgsim_positions_opened_total",
		Help: "Total positions opened",
	}, []string{"side"})

	// PositionsClosedTotal counts voluntarily closed positions.
	PositionsClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orgsim_positions_closed_total",
		Help: "Total positions closed",
	})

	// LiquidationsTotal counts forced liquidations by ticker.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orgsim_liquidations_total",
		Help: "Total positions liquidated",
	}, []string{"ticker"})

	// FundingSweepsTotal counts completed funding sweeps.
	FundingSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orgsim_funding_sweeps_total",
		Help: "Total funding sweeps processed",
	})

	// SnapshotsTotal counts recorded daily snapshots.
	SnapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orgsim_daily_snapshots_total",
		Help: "Total daily price snapshots recorded",
	})

	// OpenPositions tracks currently open positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orgsim_open_positions",
		Help: "Number of currently open positions",
	})

	// OpenInterest tracks total open interest across all markets.
	OpenInterest = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orgsim_open_interest",
		Help: "Total open interest (size × leverage) across markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orgsim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orgsim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orgsim_http_request_duration_seconds",
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
