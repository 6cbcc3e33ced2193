package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	p := NewPrometheusRecorder()

	p.IncCounter("payment", map[string]string{"network": "celo", "outcome": "admitted"})
	p.IncCounter("payment", map[string]string{"network": "celo", "outcome": "admitted"})
	p.IncCounter("payment", map[string]string{"network": "celo", "outcome": "challenged"})
	p.ObserveLatency("settle", 150*time.Millisecond, map[string]string{"network": "celo"})

	assert.Equal(t, 2.0, testutil.ToFloat64(p.counters.WithLabelValues("payment", "celo", "admitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.counters.WithLabelValues("payment", "celo", "challenged")))
	assert.Equal(t, 1, testutil.CollectAndCount(p.histogram))

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `x402_gateway_events_total{network="celo",outcome="admitted",type="payment"} 2`), body)
	assert.Contains(t, body, "x402_gateway_latency_seconds_bucket")
}

func TestRecordersAreIndependent(t *testing.T) {
	// Separate registries: constructing twice must not panic on duplicate registration.
	a := NewPrometheusRecorder()
	b := NewPrometheusRecorder()
	a.IncCounter("payment", map[string]string{})
	assert.Equal(t, 0.0, testutil.ToFloat64(b.counters.WithLabelValues("payment", "", "")))
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.IncCounter("x", nil)
	r.ObserveLatency("x", time.Second, nil)
}
