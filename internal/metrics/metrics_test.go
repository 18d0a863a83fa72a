// ABOUTME: Tests for the Prometheus collectors
// ABOUTME: Checks counters, nil-safety, and the scrape handler

package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SendAttempt()
	m.SendAttempt()
	m.SendResult("success")
	m.RateLimited()
	m.SetQueueDepth(3)
	m.Audit("status_changed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sendAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.audits.WithLabelValues("status_changed")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SendAttempt()
		m.SendResult("failed")
		m.RateLimited()
		m.SetQueueDepth(1)
		m.ListenerError()
		m.Audit("x")
		m.EndpointRequest("accepted")
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ListenerError()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "supportsync_listener_errors_total 1")
}
