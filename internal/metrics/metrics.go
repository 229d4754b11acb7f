// Package metrics provides Prometheus instrumentation for the trading engine.
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
	// TradesTotal counts executed trades, partitioned by mode.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocksim_trades_total",
		Help: "Total number of trades executed",
	}, []string{"mode"})

	// TradeRejections counts trades rejected before any mutation.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocksim_trade_rejections_total",
		Help: "Trades rejected by validation or trade guards",
	}, []string{"reason"})

	// TradeVolume tracks cumulative traded share volume per company.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocksim_trade_volume_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"company_code", "mode"})

	// PriceUpdates counts oscillator price ticks applied.
	PriceUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stocksim_price_updates_total",
		Help: "Total number of market price updates",
	})

	// ListedCompanies tracks the number of listed companies.
	ListedCompanies = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stocksim_listed_companies",
		Help: "Number of listed companies",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stocksim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocksim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stocksim_http_request_duration_seconds",
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
