// Package distance orchestrates distance resolution for a home coordinate:
// reuse a nearby cached origin when one exists, otherwise resolve live with
// fallback and persist the result for later callers.
package distance

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/stuartshay/school-distance/internal/calculator"
	"github.com/stuartshay/school-distance/internal/metrics"
	"github.com/stuartshay/school-distance/internal/model"
)

var tracer = otel.Tracer("github.com/stuartshay/school-distance/internal/distance")

// Cache is the fail-soft distance cache.
type Cache interface {
	FindNearbyOrigin(ctx context.Context, candidate calculator.Coordinate) (calculator.Coordinate, bool)
	GetRecords(ctx context.Context, origin calculator.Coordinate) []model.DistanceRecord
	UpsertRecords(ctx context.Context, origin calculator.Coordinate, records []model.DistanceRecord)
}

// Resolver produces one record per school.
type Resolver interface {
	ResolveDistances(ctx context.Context, origin calculator.Coordinate, schools []model.School) []model.DistanceRecord
}

// Service implements EnsureDistances.
type Service struct {
	cache    Cache
	resolver Resolver

	group    singleflight.Group
	inflight atomic.Int64
}

// NewService creates a Service.
func NewService(cache Cache, resolver Resolver) *Service {
	return &Service{cache: cache, resolver: resolver}
}

// IsCalculating reports whether any resolution is in flight.
func (s *Service) IsCalculating() bool {
	return s.inflight.Load() > 0
}

// EnsureDistances returns distances keyed by school ID for home.
//
// When a cached origin lies within 100 m of home its stored records are
// returned as they are, without contacting the routing service or writing
// to the cache. Otherwise the schools are resolved and the results are
// upserted under the rounded home coordinate before being returned.
//
// Concurrent calls for the same rounded coordinate share one execution; the
// schools of the first caller are used. The shared work is detached from
// the callers' cancellation so a started resolution always reaches the
// cache.
func (s *Service) EnsureDistances(ctx context.Context, home calculator.Coordinate, schools []model.School) model.Distances {
	home = home.Rounded()

	ch := s.group.DoChan(home.String(), func() (interface{}, error) {
		return s.ensure(context.WithoutCancel(ctx), home, schools), nil
	})

	select {
	case res := <-ch:
		return copyDistances(res.Val.(model.Distances))
	case <-ctx.Done():
		// The flight keeps running and still persists its result.
		log.Warn().Err(ctx.Err()).Str("home", home.String()).Msg("Caller gave up waiting for distances")
		return model.Distances{}
	}
}

func (s *Service) ensure(ctx context.Context, home calculator.Coordinate, schools []model.School) model.Distances {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	ctx, span := tracer.Start(ctx, "distance.EnsureDistances")
	defer span.End()
	span.SetAttributes(attribute.String("home", home.String()), attribute.Int("schools", len(schools)))

	start := time.Now()

	if origin, ok := s.cache.FindNearbyOrigin(ctx, home); ok {
		records := s.cache.GetRecords(ctx, origin)
		if len(records) > 0 {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			metrics.EnsureDuration.WithLabelValues("hit").Observe(time.Since(start).Seconds())
			log.Info().
				Str("home", home.String()).
				Str("origin", origin.String()).
				Int("records", len(records)).
				Msg("Distances served from cache")
			return model.IndexBySchool(records)
		}
		// A matched origin whose rows cannot be read is handled as a miss.
		log.Warn().Str("origin", origin.String()).Msg("Nearby origin had no readable records, resolving")
	}

	span.SetAttributes(attribute.Bool("cache.hit", false))
	records := s.resolver.ResolveDistances(ctx, home, schools)
	s.cache.UpsertRecords(ctx, home, records)

	metrics.EnsureDuration.WithLabelValues("miss").Observe(time.Since(start).Seconds())
	log.Info().
		Str("home", home.String()).
		Int("records", len(records)).
		Dur("elapsed", time.Since(start)).
		Msg("Distances resolved")

	return model.IndexBySchool(records)
}

// copyDistances gives each singleflight caller its own map.
func copyDistances(in model.Distances) model.Distances {
	out := make(model.Distances, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
