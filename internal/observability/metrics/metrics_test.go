package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordAndExpose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveHTTPRequest("/api/v1/tasks", http.MethodPost, http.StatusCreated, 20*time.Millisecond)
	m.ObserveHTTPRequest("/api/v1/tasks", http.MethodPost, http.StatusInternalServerError, time.Second)
	m.TaskTransition("TRADE_EXECUTION", "COMPLETED")
	m.SetQueueDepth(3)
	m.Intervention("timeout")
	m.EventBroadcast("task_queued", 2)
	m.Cycle("completed", 2*time.Second)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.httpErrors.WithLabelValues("/api/v1/tasks", http.MethodPost)))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.eventsDropped.WithLabelValues("task_queued")))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "autotrader_http_requests_total"))
	assert.True(t, strings.Contains(body, `autotrader_queue_interventions_total{outcome="timeout"} 1`))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveHTTPRequest("/", http.MethodGet, 200, time.Millisecond)
	m.TaskTransition("x", "y")
	m.ObserveTaskDuration("x", "y", time.Second)
	m.SetQueueDepth(1)
	m.Intervention("requested")
	m.EventBroadcast("t", 1)
	m.SetClients(1)
	m.RelayFailure()
	m.Cycle("failed", time.Second)
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}
