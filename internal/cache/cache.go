// Package cache fronts the shared distance store with fail-soft reads and
// writes, and locates previously resolved origins near a new home
// coordinate so nearby addresses reuse each other's distances.
package cache

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/stuartshay/school-distance/internal/calculator"
	"github.com/stuartshay/school-distance/internal/metrics"
	"github.com/stuartshay/school-distance/internal/model"
	"github.com/stuartshay/school-distance/internal/report"
)

const (
	// NearbyRadiusMeters is how close a cached origin must be to be reused.
	NearbyRadiusMeters = 100.0

	// BoxDegrees is the coarse pre-filter half-width. It is not corrected
	// for latitude, so at higher latitudes the box over-selects east-west.
	BoxDegrees = 0.001
)

var tracer = otel.Tracer("github.com/stuartshay/school-distance/internal/cache")

// Store is the persistent distance store.
type Store interface {
	FindOriginsInBox(ctx context.Context, box calculator.BoundingBox) ([]calculator.Coordinate, error)
	GetRecords(ctx context.Context, origin calculator.Coordinate) ([]model.DistanceRecord, error)
	UpsertRecords(ctx context.Context, origin calculator.Coordinate, records []model.DistanceRecord) error
}

// Cache wraps a Store. None of its methods return errors: store failures
// are logged and reported, reads degrade to a miss and writes are dropped.
type Cache struct {
	store Store
}

// New creates a Cache over store.
func New(store Store) *Cache {
	return &Cache{store: store}
}

// FindNearbyOrigin returns a cached origin within NearbyRadiusMeters of
// candidate. Origins come from a ±BoxDegrees box query and are accepted in
// store order; the first one inside the box and under the radius wins even
// if a later one is closer.
func (c *Cache) FindNearbyOrigin(ctx context.Context, candidate calculator.Coordinate) (calculator.Coordinate, bool) {
	ctx, span := tracer.Start(ctx, "cache.FindNearbyOrigin")
	defer span.End()

	candidate = candidate.Rounded()
	box := calculator.BoxAround(candidate, BoxDegrees)
	origins, err := c.store.FindOriginsInBox(ctx, box)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "origin lookup failed")
		metrics.CacheLookups.WithLabelValues(metrics.LookupError).Inc()
		log.Error().Err(err).
			Float64("lat", candidate.Latitude).
			Float64("lng", candidate.Longitude).
			Msg("Nearby origin lookup failed, treating as cache miss")
		report.ReportErrorWithOptions(err, report.Options{
			Tags: map[string]string{"component": "cache", "operation": "find_nearby_origin"},
		})
		return calculator.Coordinate{}, false
	}

	seen := make(map[calculator.Coordinate]struct{}, len(origins))
	for _, o := range origins {
		if _, dup := seen[o]; dup || !box.Contains(o) {
			continue
		}
		seen[o] = struct{}{}

		meters := calculator.GreatCircleDistanceMeters(candidate, o)
		if meters < NearbyRadiusMeters {
			span.SetAttributes(attribute.Bool("cache.hit", true), attribute.Float64("cache.match_meters", meters))
			metrics.CacheLookups.WithLabelValues(metrics.LookupHit).Inc()
			log.Debug().
				Float64("lat", o.Latitude).
				Float64("lng", o.Longitude).
				Float64("meters", meters).
				Msg("Reusing nearby cached origin")
			return o, true
		}
	}

	span.SetAttributes(attribute.Bool("cache.hit", false), attribute.Int("cache.box_candidates", len(origins)))
	metrics.CacheLookups.WithLabelValues(metrics.LookupMiss).Inc()
	return calculator.Coordinate{}, false
}

// GetRecords returns the records stored for origin, or nil when there are
// none or the store fails.
func (c *Cache) GetRecords(ctx context.Context, origin calculator.Coordinate) []model.DistanceRecord {
	ctx, span := tracer.Start(ctx, "cache.GetRecords")
	defer span.End()

	records, err := c.store.GetRecords(ctx, origin.Rounded())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cache read failed")
		log.Error().Err(err).
			Float64("lat", origin.Latitude).
			Float64("lng", origin.Longitude).
			Msg("Cache read failed")
		report.ReportErrorWithOptions(err, report.Options{
			Tags: map[string]string{"component": "cache", "operation": "get_records"},
		})
		return nil
	}

	span.SetAttributes(attribute.Int("cache.records", len(records)))
	return records
}

// UpsertRecords persists records under origin. Empty input is a no-op.
func (c *Cache) UpsertRecords(ctx context.Context, origin calculator.Coordinate, records []model.DistanceRecord) {
	if len(records) == 0 {
		return
	}

	ctx, span := tracer.Start(ctx, "cache.UpsertRecords")
	defer span.End()
	span.SetAttributes(attribute.Int("cache.records", len(records)))

	if err := c.store.UpsertRecords(ctx, origin.Rounded(), records); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cache write failed")
		metrics.CacheWrites.WithLabelValues("error").Inc()
		log.Error().Err(err).
			Float64("lat", origin.Latitude).
			Float64("lng", origin.Longitude).
			Int("records", len(records)).
			Msg("Cache write failed, distances will be recomputed next time")
		report.ReportErrorWithOptions(err, report.Options{
			Tags: map[string]string{"component": "cache", "operation": "upsert_records"},
		})
		return
	}

	metrics.CacheWrites.WithLabelValues("ok").Inc()
}
