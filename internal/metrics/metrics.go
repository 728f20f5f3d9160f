package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups every metric the service exports. Build one per registry;
// tests pass a fresh prometheus.NewRegistry().
type Collectors struct {
	Validations        *prometheus.CounterVec
	ValidationDuration prometheus.Histogram
	RateLimitErrors    prometheus.Counter
	UsageErrors        prometheus.Counter
	KeyOperations      *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

func New(reg *prometheus.Registry) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		Validations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_validations_total",
			Help: "API key validation attempts by outcome",
		}, []string{"result", "kind"}),
		ValidationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "keygate_validation_duration_seconds",
			Help:    "Time spent producing a validation decision",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		RateLimitErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "keygate_ratelimit_store_errors_total",
			Help: "Rate limit window store failures",
		}),
		UsageErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "keygate_usage_dispatch_errors_total",
			Help: "Failed usage log or usage counter writes",
		}),
		KeyOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_key_operations_total",
			Help: "Key lifecycle operations by type",
		}, []string{"op"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		gatherer: reg,
	}
}

// NewNop returns collectors bound to a private registry.
func NewNop() *Collectors {
	return New(prometheus.NewRegistry())
}

// ObserveValidation records one decision. kind is empty on success.
func (c *Collectors) ObserveValidation(valid bool, kind string, elapsed time.Duration) {
	result := "denied"
	if valid {
		result = "allowed"
	}
	c.Validations.WithLabelValues(result, kind).Inc()
	c.ValidationDuration.Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
