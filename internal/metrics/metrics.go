// Package metrics holds the Prometheus registry and collectors for the
// catalog service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "appcatalog",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appcatalog",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "appcatalog",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	appOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appcatalog",
			Subsystem: "apps",
			Name:      "operations_total",
			Help:      "Total number of app catalog operations.",
		},
		[]string{"operation", "outcome"},
	)

	appsByTenant = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "appcatalog",
			Subsystem: "apps",
			Name:      "registered",
			Help:      "Registered apps per tenant by state.",
		},
		[]string{"tenant", "state"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appcatalog",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "App cache lookups by result.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(httpInFlight, httpRequests, httpDuration, appOperations, appsByTenant, cacheLookups)
}

// Handler exposes the registry for the /v3/metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records one completed HTTP request.
func ObserveHTTPRequest(method, path, status string, elapsed time.Duration) {
	httpRequests.WithLabelValues(method, path, status).Inc()
	httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// IncInFlight tracks an in-flight HTTP request; the returned func must be
// called when the request completes.
func IncInFlight() func() {
	httpInFlight.Inc()
	return httpInFlight.Dec
}

// RecordAppOperation counts a catalog operation outcome.
func RecordAppOperation(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	appOperations.WithLabelValues(operation, outcome).Inc()
}

// SetAppsGauge publishes the per-tenant registered app count for a state.
func SetAppsGauge(tenant, state string, count float64) {
	appsByTenant.WithLabelValues(tenant, state).Set(count)
}

// RecordCacheLookup counts a cache hit, miss or error.
func RecordCacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}
