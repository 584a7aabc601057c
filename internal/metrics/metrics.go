package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Inference counters
	InferenceCalls  atomic.Uint64
	InferenceImages atomic.Uint64
	InferenceOOM    atomic.Uint64
	InferenceErrors atomic.Uint64
	DetectorBatch   atomic.Uint64 // Current detector batch size
	ExtractorBatch  atomic.Uint64 // Current feature extractor batch size
	WorkerRestarts  atomic.Uint64
	PendingRequests atomic.Int64

	// Orchestrator
	UpdatesStarted   atomic.Uint64
	UpdatesCompleted atomic.Uint64
	UpdatesCancelled atomic.Uint64
	BatchesFailed    atomic.Uint64
	BatchLatencyMs   atomic.Uint64 // Last batch duration in ms

	// State stream
	ActiveWatchers atomic.Int64

	cacheEvents *prometheus.CounterVec
	registry    *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "explorer_cache_events_total",
				Help: "Cache hits, misses and evictions by cache",
			},
			[]string{"cache", "event"},
		),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		fn,
	))
}

func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(m.cacheEvents)

	m.gauge("explorer_inference_calls_total", "Total model invocations",
		func() float64 { return float64(m.InferenceCalls.Load()) })
	m.gauge("explorer_inference_images_total", "Total images sent to models",
		func() float64 { return float64(m.InferenceImages.Load()) })
	m.gauge("explorer_inference_oom_total", "Out-of-memory retries",
		func() float64 { return float64(m.InferenceOOM.Load()) })
	m.gauge("explorer_inference_errors_total", "Inference failures surfaced to callers",
		func() float64 { return float64(m.InferenceErrors.Load()) })
	m.gauge("explorer_detector_batch_size", "Current adaptive detector batch size",
		func() float64 { return float64(m.DetectorBatch.Load()) })
	m.gauge("explorer_extractor_batch_size", "Current adaptive feature extractor batch size",
		func() float64 { return float64(m.ExtractorBatch.Load()) })
	m.gauge("explorer_worker_restarts_total", "Predictor subprocess restarts",
		func() float64 { return float64(m.WorkerRestarts.Load()) })
	m.gauge("explorer_broker_pending_requests", "Requests awaiting a worker reply",
		func() float64 { return float64(m.PendingRequests.Load()) })

	m.gauge("explorer_updates_started_total", "Image update runs started",
		func() float64 { return float64(m.UpdatesStarted.Load()) })
	m.gauge("explorer_updates_completed_total", "Image update runs completed",
		func() float64 { return float64(m.UpdatesCompleted.Load()) })
	m.gauge("explorer_updates_cancelled_total", "Image update runs cancelled",
		func() float64 { return float64(m.UpdatesCancelled.Load()) })
	m.gauge("explorer_batches_failed_total", "Image update batches that failed",
		func() float64 { return float64(m.BatchesFailed.Load()) })
	m.gauge("explorer_batch_latency_ms", "Duration of the last image update batch in milliseconds",
		func() float64 { return float64(m.BatchLatencyMs.Load()) })

	m.gauge("explorer_state_watchers", "Connected state stream clients",
		func() float64 { return float64(m.ActiveWatchers.Load()) })
}

// UpdateBatchLatency records the duration of the last orchestrator batch.
func (m *Metrics) UpdateBatchLatency(duration time.Duration) {
	m.BatchLatencyMs.Store(uint64(duration.Milliseconds()))
}

// CacheObserver counts events for one named cache.
type CacheObserver struct {
	hit, miss, evict prometheus.Counter
}

// Cache returns the observer for the named cache.
func (m *Metrics) Cache(name string) *CacheObserver {
	return &CacheObserver{
		hit:   m.cacheEvents.WithLabelValues(name, "hit"),
		miss:  m.cacheEvents.WithLabelValues(name, "miss"),
		evict: m.cacheEvents.WithLabelValues(name, "evict"),
	}
}

func (o *CacheObserver) Hit()   { o.hit.Inc() }
func (o *CacheObserver) Miss()  { o.miss.Inc() }
func (o *CacheObserver) Evict() { o.evict.Inc() }

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts a dedicated metrics HTTP server.
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
