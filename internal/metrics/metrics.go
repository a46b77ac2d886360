// Package metrics provides Prometheus instrumentation for the trading engine.
package metrics

import (
	"bufio"
	"errors"
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
	// PricingOutcomes counts per-security pricing results by outcome
	// (updated, skipped, errored) and reason.
	PricingOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharevault_pricing_outcomes_total",
		Help: "Per-security pricing cycle outcomes",
	}, []string{"outcome", "reason"})

	// PricingCycleDuration tracks how long a full pricing cycle takes.
	PricingCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sharevault_pricing_cycle_duration_seconds",
		Help:    "Pricing cycle duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// PriceChangePercent records applied price moves.
	PriceChangePercent = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sharevault_price_change_percent",
		Help:    "Applied price change per cycle in percent",
		Buckets: []float64{-20, -10, -5, -2, -1, -0.5, 0, 0.5, 1, 2, 5, 10, 20},
	})

	// OrdersAdmitted counts orders accepted into the queue.
	OrdersAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharevault_orders_admitted_total",
		Help: "Sell orders admitted into the FIFO queue",
	})

	// LimitRejections counts submissions rejected by the selling limit
	// enforcer, by binding constraint.
	LimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharevault_limit_rejections_total",
		Help: "Sell orders rejected by selling limits",
	}, []string{"constraint"})

	// SettlementFills counts applied fills per security.
	SettlementFills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharevault_settlement_fills_total",
		Help: "Fills applied by settlement passes",
	}, []string{"security_id"})

	// SettledUnits tracks cumulative units bought back per security.
	SettledUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharevault_settled_units_total",
		Help: "Cumulative units bought back",
	}, []string{"security_id"})

	// SettledAmount tracks cumulative currency paid out per security.
	SettledAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharevault_settled_amount_total",
		Help: "Cumulative buyback amount paid out",
	}, []string{"security_id"})

	// QueueDepth is the number of open orders per security after the last
	// settlement pass.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sharevault_queue_depth",
		Help: "Open orders in the FIFO queue",
	}, []string{"security_id"})

	// ReserveIssuances counts reserve issuances by reserve type and result.
	ReserveIssuances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharevault_reserve_issuances_total",
		Help: "Reserve issuance attempts",
	}, []string{"reserve_type", "result"})

	// StoreRetries counts retried transient store errors by operation.
	StoreRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharevault_store_retries_total",
		Help: "Transient store errors retried",
	}, []string{"operation"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharevault_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharevault_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sharevault_http_request_duration_seconds",
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

		// Label by route pattern to keep cardinality bounded.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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

// Hijack lets WebSocket upgrades pass through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
