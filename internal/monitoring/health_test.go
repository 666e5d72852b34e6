package monitoring

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthyByDefault(t *testing.T) {
	hm := NewHealthMonitor("test")
	h := hm.Handler()

	for _, path := range []string{"/health", "/healthz"} {
		rec := get(t, h, path)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "healthy", body["status"])
	}
}

func TestSweepProgressInStatus(t *testing.T) {
	hm := NewHealthMonitor("test")
	hm.SweepStarted(3)
	hm.JobFinished("a", 10*time.Millisecond, false, nil)
	hm.JobFinished("b", 20*time.Millisecond, true, nil)

	rec := get(t, hm.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var st HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))

	assert.Equal(t, "healthy", st.Status)
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, 3, st.Sweep.Jobs)
	assert.Equal(t, 2, st.Sweep.Done)
	assert.Equal(t, 1, st.Sweep.Cached)
	assert.Equal(t, 1, st.Sweep.Remaining)
	assert.InDelta(t, 15.0, st.Performance.AvgLatencyMs, 1e-9)
	assert.Zero(t, st.Performance.ErrorRate)
}

func TestFailedJobDegrades(t *testing.T) {
	hm := NewHealthMonitor("test")
	hm.SweepStarted(1)
	hm.JobFinished("bad", time.Millisecond, false, errors.New("boom"))

	h := hm.Handler()
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/health").Code)

	var alerts []Alert
	require.NoError(t, json.NewDecoder(get(t, h, "/admin/alerts").Body).Decode(&alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, LevelError, alerts[0].Level)
	assert.Contains(t, alerts[0].Message, "boom")

	hm.ResolveAlert(0)
	assert.Equal(t, http.StatusOK, get(t, h, "/health").Code)
}

func TestClearAlertsRequiresPost(t *testing.T) {
	hm := NewHealthMonitor("test")
	hm.AddAlert(LevelCritical, "system", "down")
	h := hm.Handler()
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/health").Code)

	assert.Equal(t, http.StatusMethodNotAllowed, get(t, h, "/admin/clear-alerts").Code)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/clear-alerts", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/health").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, NewHealthMonitor("test").Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
