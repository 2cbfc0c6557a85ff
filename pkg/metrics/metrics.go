// Package metrics defines the Prometheus collectors exported by the service
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payout_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "endpoint"})

	PayoutsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payouts_created_total",
		Help: "Payout requests accepted, labeled by channel",
	}, []string{"channel"})

	PayoutTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_state_transitions_total",
		Help: "Payout state transitions",
	}, []string{"from", "to"})

	ProviderCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_provider_calls_total",
		Help: "Outbound provider calls, labeled by result class",
	}, []string{"provider", "operation", "result"})

	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payout_provider_call_duration_seconds",
		Help:    "Latency of outbound provider calls",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"provider", "operation"})

	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_webhooks_received_total",
		Help: "Inbound provider webhooks, labeled by handling result",
	}, []string{"provider", "result"})

	RetriesScheduledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_retries_scheduled_total",
		Help: "Retry records written, labeled by kind",
	}, []string{"provider", "kind"})

	ManualReviewTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_manual_review_total",
		Help: "Payouts moved to manual review, labeled by reason",
	}, []string{"reason"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "payout_circuit_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})

	DatabaseConnectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "payout_database_connections",
		Help: "Database connection pool statistics",
	}, []string{"state"})
)

// ObserveProviderCall records the result and latency of an outbound provider call
func ObserveProviderCall(provider, operation, result string, started time.Time) {
	ProviderCallsTotal.WithLabelValues(provider, operation, result).Inc()
	ProviderCallDuration.WithLabelValues(provider, operation).Observe(time.Since(started).Seconds())
}

// Middleware records request counts and latency per route
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
