package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderObserveRequest(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveRequest("hit", 128, 2*time.Millisecond)
	rec.ObserveRequest("hit", 0, time.Millisecond)

	families := gather(t, rec,
		"flashstudy_offline_requests_total",
		"flashstudy_offline_request_duration_seconds",
		"flashstudy_offline_served_bytes_total",
	)

	counter := findMetric(t, families["flashstudy_offline_requests_total"], map[string]string{"source": "hit"})
	assert.Equal(t, float64(2), counter.GetCounter().GetValue())

	hist := findMetric(t, families["flashstudy_offline_request_duration_seconds"], map[string]string{"source": "hit"})
	assert.Equal(t, uint64(2), hist.GetHistogram().GetSampleCount())

	served := findMetric(t, families["flashstudy_offline_served_bytes_total"], map[string]string{"source": "hit"})
	assert.Equal(t, float64(128), served.GetCounter().GetValue())
}

func TestRecorderObserveStoreAndTrim(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveStore(StoreStored)
	rec.ObserveStore(StoreError)
	rec.ObserveStore("")
	rec.ObserveTrim(5)
	rec.ObserveTrim(0)

	families := gather(t, rec, "flashstudy_offline_store_operations_total", "flashstudy_offline_trim_evictions_total")

	stored := findMetric(t, families["flashstudy_offline_store_operations_total"], map[string]string{"result": "stored"})
	assert.Equal(t, float64(1), stored.GetCounter().GetValue())
	failed := findMetric(t, families["flashstudy_offline_store_operations_total"], map[string]string{"result": "error"})
	assert.Equal(t, float64(2), failed.GetCounter().GetValue())

	trim := findMetric(t, families["flashstudy_offline_trim_evictions_total"], nil)
	assert.Equal(t, float64(5), trim.GetCounter().GetValue())
}

func TestRecorderObserveLifecycle(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveLifecycle("install", nil)
	rec.ObserveLifecycle("install", errors.New("boom"))

	families := gather(t, rec, "flashstudy_offline_lifecycle_events_total")
	ok := findMetric(t, families["flashstudy_offline_lifecycle_events_total"], map[string]string{"event": "install", "result": "ok"})
	assert.Equal(t, float64(1), ok.GetCounter().GetValue())
	failed := findMetric(t, families["flashstudy_offline_lifecycle_events_total"], map[string]string{"event": "install", "result": "error"})
	assert.Equal(t, float64(1), failed.GetCounter().GetValue())
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveRequest("hit", 1, time.Millisecond)
	rec.ObserveStore(StoreStored)
	rec.ObserveTrim(1)
	rec.ObserveLifecycle("activate", nil)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 503, rr.Code)
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rr.Code)
	require.NotZero(t, rr.Body.Len())
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		require.NotEmpty(t, collected[name], "metric %q not collected", name)
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
