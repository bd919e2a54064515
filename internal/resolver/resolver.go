// Package resolver turns an origin and a list of schools into one distance
// record per school. Schools are sent to the live routing service in
// sequential batches; anything the service cannot answer is estimated from
// the great-circle distance instead, so resolution never fails.
package resolver

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/stuartshay/school-distance/internal/calculator"
	"github.com/stuartshay/school-distance/internal/metrics"
	"github.com/stuartshay/school-distance/internal/model"
	"github.com/stuartshay/school-distance/internal/report"
	"github.com/stuartshay/school-distance/internal/routing"
)

const (
	// DefaultBatchSize matches the routing service's per-request limit.
	DefaultBatchSize = routing.MaxDestinations

	// DefaultBatchDelay spaces consecutive batch requests.
	DefaultBatchDelay = 100 * time.Millisecond
)

var tracer = otel.Tracer("github.com/stuartshay/school-distance/internal/resolver")

// Router is the live routing service.
type Router interface {
	Available() bool
	Matrix(ctx context.Context, origin calculator.Coordinate, destinations []calculator.Coordinate) ([]routing.Element, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration)

// Config controls batching.
type Config struct {
	BatchSize  int
	BatchDelay time.Duration
	// Sleep replaces the real delay between batches, mainly for tests.
	Sleep SleepFunc
}

// Resolver resolves distances through a Router with fallback.
type Resolver struct {
	router    Router
	batchSize int
	delay     time.Duration
	sleep     SleepFunc
}

// New creates a Resolver. Zero config values take the defaults; batch sizes
// above routing.MaxDestinations are clamped.
func New(router Router, cfg Config) *Resolver {
	size := cfg.BatchSize
	if size <= 0 || size > routing.MaxDestinations {
		size = DefaultBatchSize
	}
	delay := cfg.BatchDelay
	if delay < 0 {
		delay = 0
	} else if delay == 0 {
		delay = DefaultBatchDelay
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Resolver{router: router, batchSize: size, delay: delay, sleep: sleep}
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Batches splits schools into consecutive groups of at most size, keeping
// input order.
func Batches(schools []model.School, size int) [][]model.School {
	if size <= 0 {
		size = DefaultBatchSize
	}
	batches := make([][]model.School, 0, (len(schools)+size-1)/size)
	for start := 0; start < len(schools); start += size {
		end := start + size
		if end > len(schools) {
			end = len(schools)
		}
		batches = append(batches, schools[start:end])
	}
	return batches
}

// ResolveDistances returns exactly one record per input school. Records are
// live where the routing service answered for that school and fallback
// estimates everywhere else.
func (r *Resolver) ResolveDistances(ctx context.Context, origin calculator.Coordinate, schools []model.School) []model.DistanceRecord {
	ctx, span := tracer.Start(ctx, "resolver.ResolveDistances")
	defer span.End()

	origin = origin.Rounded()
	batches := Batches(schools, r.batchSize)
	span.SetAttributes(attribute.Int("resolver.schools", len(schools)), attribute.Int("resolver.batches", len(batches)))

	records := make([]model.DistanceRecord, 0, len(schools))

	if r.router == nil || !r.router.Available() {
		err := routing.ErrServiceUnavailable
		span.RecordError(err)
		metrics.RoutingBatches.WithLabelValues(metrics.BatchUnavailable).Add(float64(len(batches)))
		log.Error().Err(err).Int("schools", len(schools)).Msg("Routing service unavailable, using fallback for all schools")
		report.ReportErrorWithOptions(err, report.Options{
			Tags: map[string]string{"component": "resolver", "error_kind": "service_unavailable"},
		})
		for _, s := range schools {
			records = append(records, fallbackRecord(origin, s))
		}
		countSources(records)
		return records
	}

	for i, batch := range batches {
		records = append(records, r.resolveBatch(ctx, origin, i, batch)...)
		if i < len(batches)-1 {
			r.sleep(ctx, r.delay)
		}
	}

	countSources(records)
	return records
}

func (r *Resolver) resolveBatch(ctx context.Context, origin calculator.Coordinate, index int, batch []model.School) []model.DistanceRecord {
	ctx, span := tracer.Start(ctx, "resolver.batch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.index", index), attribute.Int("batch.size", len(batch)))

	dests := make([]calculator.Coordinate, len(batch))
	for i, s := range batch {
		dests[i] = s.Coordinate()
	}

	out := make([]model.DistanceRecord, 0, len(batch))

	elements, err := r.router.Matrix(ctx, origin, dests)
	if err == nil && len(elements) != len(batch) {
		err = &routing.RequestError{Status: "INVALID_RESPONSE", Message: "element count mismatch"}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch request failed")
		metrics.RoutingBatches.WithLabelValues(metrics.BatchRequestFailed).Inc()
		log.Error().Err(err).Int("batch", index).Int("size", len(batch)).Msg("Routing batch failed, using fallback for batch")
		if !errors.Is(err, context.Canceled) {
			report.ReportErrorWithOptions(err, report.Options{
				Tags:  map[string]string{"component": "resolver", "error_kind": "batch_request_failed"},
				Extra: map[string]interface{}{"batch": index, "size": len(batch)},
				Level: sentry.LevelWarning,
			})
		}
		for _, s := range batch {
			out = append(out, fallbackRecord(origin, s))
		}
		return out
	}

	metrics.RoutingBatches.WithLabelValues(metrics.BatchOK).Inc()

	failed := 0
	for i, s := range batch {
		el := elements[i]
		if !el.OK() {
			failed++
			log.Debug().Int64("school_id", s.ID).Str("status", el.Status).Msg("Routing element failed, using fallback")
			out = append(out, fallbackRecord(origin, s))
			continue
		}
		out = append(out, liveRecord(origin, s, el))
	}
	span.SetAttributes(attribute.Int("batch.element_failures", failed))
	return out
}

func liveRecord(origin calculator.Coordinate, s model.School, el routing.Element) model.DistanceRecord {
	minutes := math.Ceil(el.DurationSeconds / 60)
	return model.DistanceRecord{
		Origin:          origin,
		SchoolID:        s.ID,
		DistanceKM:      calculator.RoundTo(el.DistanceMeters/1000, 2),
		DurationMinutes: &minutes,
		Source:          model.SourceLive,
	}
}

func fallbackRecord(origin calculator.Coordinate, s model.School) model.DistanceRecord {
	return model.DistanceRecord{
		Origin:     origin,
		SchoolID:   s.ID,
		DistanceKM: calculator.EstimateRoadDistanceKM(origin, s.Coordinate()),
		Source:     model.SourceFallback,
	}
}

func countSources(records []model.DistanceRecord) {
	var live, fallback int
	for _, rec := range records {
		if rec.Source == model.SourceLive {
			live++
		} else {
			fallback++
		}
	}
	metrics.ResolvedRecords.WithLabelValues(string(model.SourceLive)).Add(float64(live))
	metrics.ResolvedRecords.WithLabelValues(string(model.SourceFallback)).Add(float64(fallback))
}
