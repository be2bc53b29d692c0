package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the service on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	inferenceDuration prometheus.Histogram
	inferenceFailures prometheus.Counter
	cacheLookups      *prometheus.CounterVec
	fallbackActive    *prometheus.GaugeVec
}

// NewMetrics registers the service collectors, plus the Go and process
// collectors, on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forecast",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"route", "method", "code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "forecast",
				Name:      "http_request_duration_seconds",
				Help:      "Histogram of response latency (seconds) for HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		inferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "forecast",
			Name:      "inference_duration_seconds",
			Help:      "Time spent inside the model call",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		inferenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forecast",
			Name:      "inference_failures_total",
			Help:      "Predictions that failed inside the scale/infer/inverse-scale chain",
		}),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forecast",
				Name:      "prediction_cache_lookups_total",
				Help:      "Prediction cache lookups by result",
			},
			[]string{"result"},
		),
		fallbackActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "forecast",
				Name:      "fallback_active",
				Help:      "1 when the component runs on its fallback variant",
			},
			[]string{"component"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.inferenceDuration,
		m.inferenceFailures,
		m.cacheLookups,
		m.fallbackActive,
	)
	return m
}

// Registry exposes the private registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest counts one HTTP exchange and records its latency.
func (m *Metrics) ObserveRequest(route, method string, code int, d time.Duration) {
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

// ObserveInference records a model call. Failed calls are counted separately.
func (m *Metrics) ObserveInference(d time.Duration, err error) {
	if err != nil {
		m.inferenceFailures.Inc()
		return
	}
	m.inferenceDuration.Observe(d.Seconds())
}

// ObserveCache counts a prediction cache lookup.
func (m *Metrics) ObserveCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// SetFallback records whether component ("model" or "scalers") is degraded.
func (m *Metrics) SetFallback(component string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.fallbackActive.WithLabelValues(component).Set(v)
}
