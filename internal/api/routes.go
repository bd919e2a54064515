// Package api exposes the distance service over HTTP/JSON: synchronous
// lookups, polled per-client sessions, health probes and Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stuartshay/school-distance/internal/calculator"
	"github.com/stuartshay/school-distance/internal/distance"
	"github.com/stuartshay/school-distance/internal/geocode"
	"github.com/stuartshay/school-distance/internal/model"
)

// Ensurer produces distances for a home.
type Ensurer interface {
	EnsureDistances(ctx context.Context, home calculator.Coordinate, schools []model.School) model.Distances
	IsCalculating() bool
}

// Roster lists the schools to measure against.
type Roster interface {
	ListSchools(ctx context.Context) ([]model.School, error)
}

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config holds the API dependencies.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	Distances   Ensurer
	Sessions    *distance.Sessions
	Roster      Roster
	Geocoder    geocode.Lookup
	DB          HealthChecker
	Gatherer    prometheus.Gatherer
}

// API holds the HTTP handlers.
type API struct {
	cfg Config
}

// New creates an API. A nil Gatherer means prometheus.DefaultGatherer.
func New(cfg Config) *API {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &API{cfg: cfg}
}

// Routes registers every endpoint and wraps the router with Sentry and
// security header middleware. ctx bounds the metrics refresh goroutine.
func (a *API) Routes(ctx context.Context) http.Handler {
	router := httprouter.New()

	router.HandlerFunc(http.MethodGet, "/healthz", a.healthzHandler)
	router.HandlerFunc(http.MethodGet, "/readyz", a.readyzHandler)
	router.Handler(http.MethodGet, "/metrics", newCachedMetricsHandler(ctx, a.cfg.Gatherer, 10*time.Second))

	router.HandlerFunc(http.MethodGet, "/v1/distances", a.distancesHandler)
	router.HandlerFunc(http.MethodPost, "/v1/sessions", a.createSessionHandler)
	router.GET("/v1/sessions/:id", a.getSessionHandler)
	router.PUT("/v1/sessions/:id/home", a.setSessionHomeHandler)

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	return securityHeaders(sentryMiddleware(router))
}
