package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	meshRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	meshRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mesh_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	meshDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_policy_decisions_total",
		Help: "Total policy decisions by resulting action.",
	}, []string{"action"})

	meshTrustSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_trust_signals_total",
		Help: "Total trust signals recorded by dimension.",
	}, []string{"dimension"})

	meshRevocationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_revocations_total",
		Help: "Total identity revocations.",
	})

	meshAgentsRegisteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_agents_registered_total",
		Help: "Total agent registrations.",
	})

	meshWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_webhook_deliveries_total",
		Help: "Total webhook delivery attempts by outcome.",
	}, []string{"outcome"})
)

// PrometheusMiddleware records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		meshRequestsTotal.WithLabelValues(method, path, status).Inc()
		meshRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordDecision records a policy decision outcome.
func RecordDecision(action string) {
	meshDecisionsTotal.WithLabelValues(action).Inc()
}

// RecordTrustSignal records a trust signal by dimension.
func RecordTrustSignal(dimension string) {
	meshTrustSignalsTotal.WithLabelValues(dimension).Inc()
}

// RecordRevocation records an identity revocation.
func RecordRevocation() {
	meshRevocationsTotal.Inc()
}

// RecordRegistration records an agent registration.
func RecordRegistration() {
	meshAgentsRegisteredTotal.Inc()
}

// RecordWebhookDelivery records one webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	meshWebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}
