package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matches(m, labels) {
				switch {
				case m.GetCounter() != nil:
					return m.GetCounter().GetValue()
				case m.GetGauge() != nil:
					return m.GetGauge().GetValue()
				case m.GetHistogram() != nil:
					return float64(m.GetHistogram().GetSampleCount())
				}
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func matches(m *dto.Metric, labels map[string]string) bool {
	n := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok {
			if v != lp.GetValue() {
				return false
			}
			n++
		}
	}
	return n == len(labels)
}

func TestRegisterAndHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	// idempotent: calling again should be no-op
	require.NoError(t, Register(reg))

	IncLaunch("b", "ok")
	IncLaunch("b", "ok")
	IncLaunch("b", "failed")
	IncStop("b")
	AddReclaimed("b", 2)
	AddReclaimed("b", 0)
	SetReadyPort("b", 8003)
	ObserveProbe("b", "ready", 0.25)
	RecordTransition("b", "", "unstarted")
	RecordTransition("b", "unstarted", "starting")

	assert.Equal(t, 2.0, value(t, reg, "tether_backend_launches_total", map[string]string{"name": "b", "result": "ok"}))
	assert.Equal(t, 1.0, value(t, reg, "tether_backend_launches_total", map[string]string{"name": "b", "result": "failed"}))
	assert.Equal(t, 1.0, value(t, reg, "tether_backend_stops_total", map[string]string{"name": "b"}))
	assert.Equal(t, 2.0, value(t, reg, "tether_backend_reclaimed_total", map[string]string{"name": "b"}))
	assert.Equal(t, 8003.0, value(t, reg, "tether_backend_ready_port", map[string]string{"name": "b"}))
	assert.Equal(t, 1.0, value(t, reg, "tether_backend_probe_duration_seconds", map[string]string{"name": "b", "result": "ready"}))
	assert.Equal(t, 0.0, value(t, reg, "tether_backend_current_state", map[string]string{"name": "b", "state": "unstarted"}))
	assert.Equal(t, 1.0, value(t, reg, "tether_backend_current_state", map[string]string{"name": "b", "state": "starting"}))
	assert.Equal(t, 1.0, value(t, reg, "tether_backend_state_transitions_total", map[string]string{"name": "b", "from": "unstarted", "to": "starting"}))

	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "tether_backend_launches_total")
}

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
