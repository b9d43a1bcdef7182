package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersAndGauges(t *testing.T) {
	m := New(nil)

	m.JobsSubmitted.WithLabelValues("csv").Inc()
	m.JobsSubmitted.WithLabelValues("csv").Inc()
	m.JobsFinished.WithLabelValues("failed").Inc()
	m.JobsActive.Set(3)
	m.FeedMessages.WithLabelValues("malformed").Add(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobsSubmitted.WithLabelValues("csv")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsFinished.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.JobsActive))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.FeedMessages.WithLabelValues("malformed")))
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	require.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New(nil)
	m.FeedReconnects.Inc()

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "floatchat_feed_reconnects_total 1")
}
