// Package metrics holds the Prometheus collectors for the refund desk.
// Everything registers on the default registry at init.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "refunddesk"

// unmatchedRoute labels requests that hit no registered route, so probes
// for random paths do not mint new series.
const unmatchedRoute = "unmatched"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status class.",
	}, []string{"method", "route", "class"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   []float64{0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "route"})

	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "in_flight_requests",
		Help:      "Requests currently being served.",
	})

	// WebhookDeliveriesTotal counts outbound webhook attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook delivery attempts by result.",
	}, []string{"result"})

	// WebhookCircuitTransitionsTotal is labelled by target state only.
	// Endpoint URLs are user-supplied and go to the log instead.
	WebhookCircuitTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "circuit_transitions_total",
		Help:      "Webhook endpoint circuit breaker transitions by target state.",
	}, []string{"to_state"})

	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests refused by the rate limiter, by scope.",
	}, []string{"scope"})

	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Refund notifications by sink and result.",
	}, []string{"sink", "result"})

	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "connected_clients",
		Help:      "Seller and admin consoles currently connected.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPInFlight,
		WebhookDeliveriesTotal,
		WebhookCircuitTransitionsTotal,
		RateLimitedTotal,
		NotificationsTotal,
		ActiveWebSocketClients,
	)
	registerRefundMetrics()
}

// RegisterDB exports connection pool stats for db under the given name.
// Registering the same name twice is not an error.
func RegisterDB(db *sql.DB, name string) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, name))
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

// Middleware records latency, count and in-flight requests per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method

		HTTPInFlight.Inc()
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(method, route))
		defer func() {
			timer.ObserveDuration()
			HTTPInFlight.Dec()
			HTTPRequestsTotal.WithLabelValues(method, route, statusClass(c.Writer.Status())).Inc()
		}()

		c.Next()
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
