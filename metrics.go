package fetchkit

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the transport, the
// repository and the observable store. It is safe for concurrent use, and a
// nil collector records nothing.
type MetricsCollector struct {
	sendsTotal   *prometheus.CounterVec
	sendDuration *prometheus.HistogramVec

	fetchesTotal  *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fetchesActive prometheus.Gauge

	retriesTotal *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheSize   prometheus.Gauge

	deduplicationHits *prometheus.CounterVec

	subscribers    prometheus.Gauge
	publishesTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	mc := &MetricsCollector{
		sendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchkit_transport_sends_total",
				Help: "Total number of transport send attempts by outcome",
			},
			[]string{"method", "endpoint", "outcome"},
		),
		sendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetchkit_transport_send_duration_seconds",
				Help:    "Duration of transport sends that produced a response",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		fetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchkit_fetches_total",
				Help: "Total number of repository fetches by result",
			},
			[]string{"endpoint", "result"},
		),
		fetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetchkit_fetch_duration_seconds",
				Help:    "Duration of repository calls including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		fetchesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchkit_fetches_in_flight",
				Help: "Number of deduplicated transport calls currently running",
			},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchkit_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"endpoint", "attempt"},
		),
		circuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fetchkit_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchkit_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"endpoint"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchkit_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"endpoint"},
		),
		cacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchkit_cache_entries",
				Help: "Current number of entries in the response cache",
			},
		),
		deduplicationHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchkit_deduplication_hits_total",
				Help: "Total number of callers attached to an existing in-flight call",
			},
			[]string{"endpoint"},
		),
		subscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchkit_store_subscribers",
				Help: "Number of live store subscriptions",
			},
		),
		publishesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchkit_store_publishes_total",
				Help: "Total number of store publications by kind",
			},
			[]string{"kind"},
		),
	}
	if reg, ok := registry.(*prometheus.Registry); ok {
		mc.registry = reg
	}

	return mc
}

// RecordTransport records one transport send. outcome is a status class such
// as "2xx" or a transport error kind; duration is ignored when zero.
func (mc *MetricsCollector) RecordTransport(method, endpoint, outcome string, duration time.Duration) {
	if mc == nil {
		return
	}

	mc.sendsTotal.WithLabelValues(method, endpoint, outcome).Inc()
	if duration > 0 {
		mc.sendDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	}
}

// RecordFetch records the terminal result of a repository call.
func (mc *MetricsCollector) RecordFetch(endpoint, result string, duration time.Duration) {
	if mc == nil {
		return
	}

	mc.fetchesTotal.WithLabelValues(endpoint, result).Inc()
	mc.fetchDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordFetchStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordFetchStart() {
	if mc == nil {
		return
	}

	mc.fetchesActive.Inc()
}

// RecordFetchEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordFetchEnd() {
	if mc == nil {
		return
	}

	mc.fetchesActive.Dec()
}

// RecordRetry increments retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(endpoint string, attempt int) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(endpoint, strconv.Itoa(attempt)).Inc()
}

// RecordCircuitBreakerState sets gauge to breaker state.
func (mc *MetricsCollector) RecordCircuitBreakerState(name string, state CircuitState) {
	if mc == nil {
		return
	}

	mc.circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordCacheHit increments cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(endpoint string) {
	if mc == nil {
		return
	}

	mc.cacheHits.WithLabelValues(endpoint).Inc()
}

// RecordCacheMiss increments cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(endpoint string) {
	if mc == nil {
		return
	}

	mc.cacheMisses.WithLabelValues(endpoint).Inc()
}

// RecordCacheSize sets cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(size int) {
	if mc == nil {
		return
	}

	mc.cacheSize.Set(float64(size))
}

// RecordDeduplicationHit increments de-dup hit counter.
func (mc *MetricsCollector) RecordDeduplicationHit(endpoint string) {
	if mc == nil {
		return
	}

	mc.deduplicationHits.WithLabelValues(endpoint).Inc()
}

// RecordSubscribers sets the live subscription gauge.
func (mc *MetricsCollector) RecordSubscribers(n int) {
	if mc == nil {
		return
	}

	mc.subscribers.Set(float64(n))
}

// RecordPublish counts a store publication; kind is "value" or "error".
func (mc *MetricsCollector) RecordPublish(kind string) {
	if mc == nil {
		return
	}

	mc.publishesTotal.WithLabelValues(kind).Inc()
}

// GetRegistry exposes the underlying prometheus registry. It is nil when the
// collector was built on a Registerer that is not a *prometheus.Registry.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
