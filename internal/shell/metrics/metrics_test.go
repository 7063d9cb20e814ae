package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return New(reg, reg)
}

func TestMetrics_Counters(t *testing.T) {
	m := newTestMetrics()

	m.DeploymentFinished("success")
	m.DeploymentFinished("success")
	m.DeploymentFinished("build_failed")
	m.AdmissionDecided("admitted")
	m.SetInProgress(7, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.deployments.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deployments.WithLabelValues("build_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissions.WithLabelValues("admitted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inProgress.WithLabelValues("7")))
}

func TestMetrics_ReuseRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := New(reg, reg)
	second := New(reg, reg)

	second.DeploymentFinished("cancelled")
	assert.Equal(t, 1.0, testutil.ToFloat64(first.deployments.WithLabelValues("cancelled")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.DeploymentFinished("success")
		m.ObserveStage("build", time.Second)
		m.AdmissionDecided("admitted")
		m.SetInProgress(1, 1)
		m.ObserveRequest("GET", "/healthz", 200, time.Millisecond)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := newTestMetrics()
	m.ObserveStage("build", 3*time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `keel_deployment_stage_seconds_count{stage="build"} 1`)
}
