// Package httpclient builds the pooled, latency-instrumented HTTP client
// used for the routing and geocoding APIs.
package httpclient

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/stuartshay/school-distance/internal/metrics"
)

// latencyTrackingRoundTripper records the duration of each outgoing request
// in metrics.OutgoingLatency, labelled by URL (without query), method and
// status.
type latencyTrackingRoundTripper struct {
	next http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (rt *latencyTrackingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := rt.next.RoundTrip(req)
	duration := time.Since(start).Seconds()

	status := "error"
	if err == nil && resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}

	// Query strings carry the API key and must never become a label.
	safeURL := req.URL.Scheme + "://" + req.URL.Host + req.URL.Path

	metrics.OutgoingLatency.WithLabelValues(safeURL, req.Method, status).Observe(duration)

	return resp, err
}

// New returns an HTTP client with connection reuse and the given overall
// request timeout. Dial and TLS handshakes fail after 5 seconds.
func New(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
	}

	return &http.Client{
		Transport: &latencyTrackingRoundTripper{next: transport},
		Timeout:   timeout,
	}
}
