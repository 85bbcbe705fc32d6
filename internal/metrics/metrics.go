// Package metrics owns the Prometheus instrumentation surface. Collectors
// are registered on an injected registry so tests and embedders never fight
// over global state.
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

// Metrics bundles every collector the server and worker publish.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
	WSConnections     prometheus.Gauge
	JobsProcessed     *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	RateLimitDenials  prometheus.Counter
}

// New registers all collectors on reg. A nil reg gets a private registry,
// which is what tests want.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Currently connected websocket clients.",
		}),
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Finished job attempts by function and outcome.",
		}, []string{"name", "status"}),
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome.",
		}, []string{"success"}),
		RateLimitDenials: factory.NewCounter(prometheus.CounterOpts{
			Name: "rate_limit_denials_total",
			Help: "Requests rejected by the rate limiter.",
		}),
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per route. The metrics and
// health endpoints are skipped to keep the series clean. Route patterns,
// not raw URLs, label the series so path cardinality stays bounded.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/metrics" || path == "/health" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequests.WithLabelValues(c.Request.Method, route, status).Inc()
		m.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// ObserveJob is the worker's result hook.
func (m *Metrics) ObserveJob(function, status string) {
	m.JobsProcessed.WithLabelValues(function, status).Inc()
}

// ObserveDelivery is the webhook deliverer's attempt hook.
func (m *Metrics) ObserveDelivery(success bool) {
	m.WebhookDeliveries.WithLabelValues(strconv.FormatBool(success)).Inc()
}
