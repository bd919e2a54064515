package httpclient

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stuartshay/school-distance/internal/metrics"
)

// latencySeries returns the label sets currently exported for the outgoing
// latency histogram.
func latencySeries(t *testing.T) []map[string]string {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	var out []map[string]string
	for _, mf := range families {
		if mf.GetName() != "outgoing_http_request_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			out = append(out, labelMap(m))
		}
	}
	return out
}

func labelMap(m *dto.Metric) map[string]string {
	labels := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	return labels
}

func TestNew_RecordsLatencyWithoutQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	before := testutil.CollectAndCount(metrics.OutgoingLatency)

	client := New(2 * time.Second)
	resp, err := client.Get(srv.URL + "/distancematrix/json?key=secret")
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, 2*time.Second, client.Timeout)
	assert.Equal(t, before+1, testutil.CollectAndCount(metrics.OutgoingLatency))

	var found bool
	for _, labels := range latencySeries(t) {
		assert.NotContains(t, labels["url"], "secret")
		if labels["url"] == srv.URL+"/distancematrix/json" {
			found = true
			assert.Equal(t, http.MethodGet, labels["method"])
			assert.Equal(t, "418", labels["status"])
		}
	}
	assert.True(t, found, "expected a latency series for the test server")
}

func TestNew_TransportErrorStatus(t *testing.T) {
	client := New(500 * time.Millisecond)
	_, err := client.Get("http://127.0.0.1:1/unreachable")
	require.Error(t, err)

	var found bool
	for _, labels := range latencySeries(t) {
		if strings.HasSuffix(labels["url"], "/unreachable") {
			found = true
			assert.Equal(t, "error", labels["status"])
		}
	}
	assert.True(t, found)
}
