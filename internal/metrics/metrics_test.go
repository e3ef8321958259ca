package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestCountersAreExposed(t *testing.T) {
	m := New(func() float64 { return 3 })
	m.SyncTotal.WithLabelValues("success").Inc()
	m.SyncTotal.WithLabelValues("failure").Add(2)
	m.RecordsSynced.WithLabelValues("front-door").Add(5)
	m.DeviceErrors.WithLabelValues("sync", "timeout").Inc()

	text := scrape(t, m)
	assert.Contains(t, text, `zkbridge_sync_total{result="success"} 1`)
	assert.Contains(t, text, `zkbridge_sync_total{result="failure"} 2`)
	assert.Contains(t, text, `zkbridge_records_synced_total{device="front-door"} 5`)
	assert.Contains(t, text, `zkbridge_device_errors_total{kind="timeout",operation="sync"} 1`)
	assert.Contains(t, text, "zkbridge_active_sessions 3")
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.Enrollments.WithLabelValues("success").Inc()

	assert.Contains(t, scrape(t, a), `zkbridge_enrollments_total{result="success"} 1`)
	assert.NotContains(t, scrape(t, b), "zkbridge_enrollments_total")
	assert.NotContains(t, scrape(t, b), "zkbridge_active_sessions")
}
