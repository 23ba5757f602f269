package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch results.
const (
	ResultHit         = "hit"
	ResultMiss        = "miss"
	ResultFallback    = "fallback"
	ResultOffline     = "offline"
	ResultPassthrough = "passthrough"
)

// Lifecycle phases and outcomes.
const (
	PhaseInstall  = "install"
	PhaseActivate = "activate"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics is safe to use as a nil pointer; all recordings are then dropped.
type Metrics struct {
	registry         *prometheus.Registry
	fetches          *prometheus.CounterVec
	lifecycle        *prometheus.CounterVec
	storeFail        prometheus.Counter
	deletedStores    prometheus.Counter
	networkRoundTrip prometheus.Histogram
	activeGeneration *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_fetches_total",
		Help: "Total intercepted fetches by result",
	}, []string{"result", "destination"})

	lifecycle := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_lifecycle_total",
		Help: "Total install and activate runs",
	}, []string{"phase", "outcome"})

	storeFail := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_cache_store_fail_total",
		Help: "Total failed writes of fetched responses",
	})

	deletedStores := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_cache_deleted_stores_total",
		Help: "Total stale cache generations deleted",
	})

	networkRoundTrip := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "offline_cache_network_roundtrip_seconds",
		Help:    "Network fetch duration",
		Buckets: prometheus.DefBuckets,
	})

	activeGeneration := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "offline_cache_active_generation_info",
		Help: "Active cache generation",
	}, []string{"generation"})

	registry.MustRegister(fetches, lifecycle, storeFail, deletedStores, networkRoundTrip, activeGeneration)

	return &Metrics{
		registry:         registry,
		fetches:          fetches,
		lifecycle:        lifecycle,
		storeFail:        storeFail,
		deletedStores:    deletedStores,
		networkRoundTrip: networkRoundTrip,
		activeGeneration: activeGeneration,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordFetch(result string, destination string) {
	if m == nil {
		return
	}
	if destination == "" {
		destination = "other"
	}
	m.fetches.WithLabelValues(result, destination).Inc()
}

func (m *Metrics) RecordLifecycle(phase string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.lifecycle.WithLabelValues(phase, outcome).Inc()
}

func (m *Metrics) RecordStoreFail() {
	if m == nil {
		return
	}
	m.storeFail.Inc()
}

func (m *Metrics) RecordDeletedStore() {
	if m == nil {
		return
	}
	m.deletedStores.Inc()
}

func (m *Metrics) ObserveNetwork(duration time.Duration) {
	if m == nil {
		return
	}
	m.networkRoundTrip.Observe(duration.Seconds())
}

// SetActiveGeneration marks the given generation as the only active one.
func (m *Metrics) SetActiveGeneration(generation string) {
	if m == nil {
		return
	}
	m.activeGeneration.Reset()
	m.activeGeneration.WithLabelValues(generation).Set(1)
}
