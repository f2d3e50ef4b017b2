// Package metrics provides Prometheus instrumentation for the quote engine.
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
	// QuotesIssued counts quotes issued, partitioned by side.
	QuotesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sportsbook_quotes_issued_total",
		Help: "Total number of quotes issued",
	}, []string{"side"})

	// QuoteRejections counts quote requests refused, by reason
	// (rate_limited, invalid_side, invalid_stake, exposure, market_closed).
	QuoteRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sportsbook_quote_rejections_total",
		Help: "Quote requests rejected, by reason",
	}, []string{"reason"})

	// QuoteLatency tracks quote issuance latency.
	QuoteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sportsbook_quote_latency_seconds",
		Help:    "Quote issuance latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// Confirmations counts confirmation attempts by outcome.
	Confirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sportsbook_confirmations_total",
		Help: "Quote confirmation attempts, by outcome",
	}, []string{"outcome"})

	// QuotesExpired counts quotes moved to expired.
	QuotesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sportsbook_quotes_expired_total",
		Help: "Quotes expired by TTL",
	})

	// StakeConfirmed tracks cumulative confirmed stake per market and side.
	StakeConfirmed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sportsbook_stake_confirmed_total",
		Help: "Cumulative confirmed stake",
	}, []string{"market_id", "side"})

	// Exposure tracks committed stake per market and side.
	Exposure = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sportsbook_exposure",
		Help: "Committed stake per market side",
	}, []string{"market_id", "side"})

	// Payouts counts payout transfers by outcome.
	Payouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sportsbook_payouts_total",
		Help: "Payout transfers, by outcome",
	}, []string{"outcome"})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sportsbook_active_markets",
		Help: "Number of currently open markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sportsbook_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsDropped counts events dropped because a queue was full.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sportsbook_events_dropped_total",
		Help: "Events dropped on a full queue",
	})

	// EventsFailed counts events whose publish returned an error.
	EventsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sportsbook_events_failed_total",
		Help: "Events that failed to publish",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sportsbook_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sportsbook_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ForgetMarket drops the per-side exposure series of a settled market.
func ForgetMarket(marketID string) {
	Exposure.DeletePartialMatch(prometheus.Labels{"market_id": marketID})
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

		// Route pattern, not raw path, to keep label cardinality bounded.
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

// Hijack is needed for websocket upgrades through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
