package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Received()
	m.Processed(OutcomeOK, time.Millisecond)
	m.Retry()
	m.Outbound("send_message", "ok")
	m.QueueDepth(1, 2)
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.Received()
	m.Received()
	m.Processed(OutcomeOK, 10*time.Millisecond)
	m.Processed(OutcomeStale, time.Millisecond)
	m.Outbound("send_message", "rate_limited")
	m.QueueDepth(3, 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.received))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.processed.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outbound.WithLabelValues("send_message", "rate_limited")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.pending))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Retry()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "dialogbot_update_retries_total 1"))
}
