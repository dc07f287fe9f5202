package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StoreOutcome captures the result of a dynamic cache store attempt.
type StoreOutcome string

const (
	// StoreStored indicates the network response was written to the dynamic cache.
	StoreStored StoreOutcome = "stored"
	// StoreError indicates the store failed and the failure was swallowed.
	StoreError StoreOutcome = "error"
	// StoreSkipped indicates the store was dropped because background capacity was exhausted.
	StoreSkipped StoreOutcome = "skipped"
)

// Recorder publishes Prometheus metrics for the offline cache.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	servedBytes   *prometheus.CounterVec
	stores        *prometheus.CounterVec
	trimEvictions prometheus.Counter
	lifecycle     *prometheus.CounterVec
}

// NewRecorder constructs a Recorder. When reg is nil a dedicated registry is
// created so tests can build as many recorders as they like.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flashstudy",
		Subsystem: "offline",
		Name:      "requests_total",
		Help:      "Requests handled by the offline cache, by response source.",
	}, []string{"source"})

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flashstudy",
		Subsystem: "offline",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution of handled requests, by response source.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"source"})

	servedBytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flashstudy",
		Subsystem: "offline",
		Name:      "served_bytes_total",
		Help:      "Response body bytes written to clients, by response source.",
	}, []string{"source"})

	stores := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flashstudy",
		Subsystem: "offline",
		Name:      "store_operations_total",
		Help:      "Dynamic cache store attempts made after responding to the client.",
	}, []string{"result"})

	trimEvictions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flashstudy",
		Subsystem: "offline",
		Name:      "trim_evictions_total",
		Help:      "Dynamic cache entries removed by trim passes.",
	})

	lifecycle := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flashstudy",
		Subsystem: "offline",
		Name:      "lifecycle_events_total",
		Help:      "Worker lifecycle events (install, activate, clear) and their outcome.",
	}, []string{"event", "result"})

	reg.MustRegister(requests, latency, servedBytes, stores, trimEvictions, lifecycle)

	return &Recorder{
		gatherer:      reg,
		handler:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		requests:      requests,
		latency:       latency,
		servedBytes:   servedBytes,
		stores:        stores,
		trimEvictions: trimEvictions,
		lifecycle:     lifecycle,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records one handled request.
func (r *Recorder) ObserveRequest(source string, bodyBytes int, duration time.Duration) {
	if r == nil {
		return
	}
	label := normalizeLabel(source)
	r.requests.WithLabelValues(label).Inc()
	r.latency.WithLabelValues(label).Observe(duration.Seconds())
	if bodyBytes > 0 {
		r.servedBytes.WithLabelValues(label).Add(float64(bodyBytes))
	}
}

// ObserveStore records a dynamic cache store attempt.
func (r *Recorder) ObserveStore(outcome StoreOutcome) {
	if r == nil {
		return
	}
	label := string(outcome)
	if label == "" {
		label = string(StoreError)
	}
	r.stores.WithLabelValues(label).Inc()
}

// ObserveTrim records how many entries a trim pass removed.
func (r *Recorder) ObserveTrim(removed int) {
	if r == nil || removed <= 0 {
		return
	}
	r.trimEvictions.Add(float64(removed))
}

// ObserveLifecycle records a lifecycle event outcome.
func (r *Recorder) ObserveLifecycle(event string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.lifecycle.WithLabelValues(normalizeLabel(event), result).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
