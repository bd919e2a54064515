// Package routing is the client for the live driving-distance service
// (Google Distance Matrix JSON API). One request carries a single origin
// and up to MaxDestinations destinations.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stuartshay/school-distance/internal/calculator"
	"github.com/stuartshay/school-distance/internal/httpclient"
)

// MaxDestinations is the per-request destination limit of the service.
const MaxDestinations = 25

// DefaultBaseURL is the Google Maps web service root.
const DefaultBaseURL = "https://maps.googleapis.com/maps/api"

// StatusOK is the success status at both request and element level.
const StatusOK = "OK"

// ErrServiceUnavailable means the client has no credentials configured.
var ErrServiceUnavailable = errors.New("routing service unavailable")

// RequestError is a whole-request failure: transport error, non-2xx HTTP
// response, undecodable body or a non-OK top-level status.
type RequestError struct {
	Status  string
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	msg := "routing request failed: " + e.Status
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Element is the result for one destination. DistanceMeters and
// DurationSeconds are only meaningful when Status is StatusOK.
type Element struct {
	Status          string
	DistanceMeters  float64
	DurationSeconds float64
}

// OK reports whether the element resolved.
func (e Element) OK() bool {
	return e.Status == StatusOK
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls the distance matrix endpoint in driving mode with metric units.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a routing client. Without an API key the client reports
// itself unavailable.
func NewClient(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = httpclient.New(timeout)
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  cfg.APIKey,
		http:    hc,
	}
}

// Available reports whether the service is configured.
func (c *Client) Available() bool {
	return c.apiKey != ""
}

type matrixResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Rows         []struct {
		Elements []struct {
			Status   string `json:"status"`
			Distance struct {
				Value float64 `json:"value"`
			} `json:"distance"`
			Duration struct {
				Value float64 `json:"value"`
			} `json:"duration"`
		} `json:"elements"`
	} `json:"rows"`
}

// Matrix requests driving distance and duration from origin to each
// destination. On success it returns exactly one Element per destination,
// in request order.
func (c *Client) Matrix(ctx context.Context, origin calculator.Coordinate, destinations []calculator.Coordinate) ([]Element, error) {
	if !c.Available() {
		return nil, ErrServiceUnavailable
	}
	if len(destinations) == 0 {
		return nil, nil
	}
	if len(destinations) > MaxDestinations {
		return nil, fmt.Errorf("too many destinations: %d > %d", len(destinations), MaxDestinations)
	}

	dests := make([]string, len(destinations))
	for i, d := range destinations {
		dests[i] = d.String()
	}

	q := url.Values{}
	q.Set("origins", origin.String())
	q.Set("destinations", strings.Join(dests, "|"))
	q.Set("mode", "driving")
	q.Set("units", "metric")
	q.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/distancematrix/json?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RequestError{Status: "TRANSPORT_ERROR", Err: scrubKey(err, c.apiKey)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &RequestError{Status: fmt.Sprintf("HTTP_%d", resp.StatusCode)}
	}

	var body matrixResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &RequestError{Status: "INVALID_RESPONSE", Err: err}
	}
	if body.Status != StatusOK {
		return nil, &RequestError{Status: body.Status, Message: body.ErrorMessage}
	}
	if len(body.Rows) != 1 || len(body.Rows[0].Elements) != len(destinations) {
		return nil, &RequestError{
			Status:  "INVALID_RESPONSE",
			Message: fmt.Sprintf("expected 1 row with %d elements", len(destinations)),
		}
	}

	elements := make([]Element, len(destinations))
	for i, e := range body.Rows[0].Elements {
		elements[i] = Element{
			Status:          e.Status,
			DistanceMeters:  e.Distance.Value,
			DurationSeconds: e.Duration.Value,
		}
	}
	return elements, nil
}

// scrubKey removes the API key from errors that embed the request URL.
func scrubKey(err error, key string) error {
	if key == "" || !strings.Contains(err.Error(), key) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), key, "REDACTED"))
}
