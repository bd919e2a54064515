// Package geocode resolves free-text home addresses to coordinates through
// the Google Geocoding JSON API, memoizing recent answers in process.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/stuartshay/school-distance/internal/calculator"
	"github.com/stuartshay/school-distance/internal/httpclient"
)

const (
	// DefaultBaseURL is the Google Maps web service root.
	DefaultBaseURL = "https://maps.googleapis.com/maps/api"

	cacheCap = 5000
)

var (
	// ErrUnavailable means no API key is configured.
	ErrUnavailable = errors.New("geocoding service unavailable")

	// ErrNoResults means the address did not match any place.
	ErrNoResults = errors.New("no geocoding results")

	// ErrMissingAddress means neither an address nor coordinates were given.
	ErrMissingAddress = errors.New("address or latitude/longitude is required")
)

// Config configures a Geocoder.
type Config struct {
	BaseURL    string
	APIKey     string
	Region     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Geocoder looks up addresses.
type Geocoder struct {
	baseURL string
	apiKey  string
	region  string
	http    *http.Client

	mu    sync.Mutex
	cache map[string]calculator.Coordinate
}

// New creates a Geocoder.
func New(cfg Config) *Geocoder {
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
	return &Geocoder{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  cfg.APIKey,
		region:  cfg.Region,
		http:    hc,
		cache:   make(map[string]calculator.Coordinate),
	}
}

type geocodingResult struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		Geometry struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
}

// normalize collapses case and whitespace so trivially different spellings
// share a memo entry.
func normalize(addr string) string {
	return strings.Join(strings.Fields(strings.ToLower(addr)), " ")
}

// Geocode returns the first match for addr.
func (g *Geocoder) Geocode(ctx context.Context, addr string) (calculator.Coordinate, error) {
	key := normalize(addr)
	if key == "" {
		return calculator.Coordinate{}, ErrMissingAddress
	}
	if g.apiKey == "" {
		return calculator.Coordinate{}, ErrUnavailable
	}

	if c, ok := g.load(key); ok {
		return c, nil
	}

	c, err := g.lookup(ctx, addr)
	if err != nil {
		return calculator.Coordinate{}, err
	}
	g.store(key, c)
	return c, nil
}

func (g *Geocoder) load(key string) (calculator.Coordinate, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.cache[key]
	return c, ok
}

func (g *Geocoder) store(key string, c calculator.Coordinate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.cache) >= cacheCap {
		g.cache = make(map[string]calculator.Coordinate)
	}
	g.cache[key] = c
}

func (g *Geocoder) lookup(ctx context.Context, addr string) (calculator.Coordinate, error) {
	q := url.Values{}
	q.Set("address", addr)
	q.Set("key", g.apiKey)
	if g.region != "" {
		q.Set("region", g.region)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/geocode/json?"+q.Encode(), nil)
	if err != nil {
		return calculator.Coordinate{}, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return calculator.Coordinate{}, fmt.Errorf("geocode request failed: %s", strings.ReplaceAll(err.Error(), g.apiKey, "REDACTED"))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return calculator.Coordinate{}, fmt.Errorf("geocode query responded with status %d", resp.StatusCode)
	}

	var res geocodingResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return calculator.Coordinate{}, fmt.Errorf("failed to decode geocode response: %w", err)
	}

	switch res.Status {
	case "OK":
	case "ZERO_RESULTS":
		return calculator.Coordinate{}, fmt.Errorf("%w for address %q", ErrNoResults, addr)
	default:
		return calculator.Coordinate{}, fmt.Errorf("geocode error %s: %s", res.Status, res.ErrorMessage)
	}
	if len(res.Results) == 0 {
		return calculator.Coordinate{}, fmt.Errorf("%w for address %q", ErrNoResults, addr)
	}

	loc := res.Results[0].Geometry.Location
	c := calculator.Coordinate{Latitude: loc.Lat, Longitude: loc.Lng}
	if err := c.Validate(); err != nil {
		return calculator.Coordinate{}, err
	}
	return c, nil
}

// Lookup is the address resolution contract the transports depend on.
type Lookup interface {
	Geocode(ctx context.Context, addr string) (calculator.Coordinate, error)
}

// ResolveHome returns c when the caller supplied coordinates, otherwise it
// geocodes address.
func ResolveHome(ctx context.Context, l Lookup, address string, c *calculator.Coordinate) (calculator.Coordinate, error) {
	if c != nil {
		if err := c.Validate(); err != nil {
			return calculator.Coordinate{}, err
		}
		return *c, nil
	}
	if strings.TrimSpace(address) == "" {
		return calculator.Coordinate{}, ErrMissingAddress
	}
	return l.Geocode(ctx, address)
}
