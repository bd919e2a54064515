// Package grpc implements the DistanceService gRPC server handlers for
// synchronous distance lookups and batch CSV jobs.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/stuartshay/school-distance/internal/calculator"
	"github.com/stuartshay/school-distance/internal/export"
	"github.com/stuartshay/school-distance/internal/geocode"
	"github.com/stuartshay/school-distance/internal/model"
	"github.com/stuartshay/school-distance/internal/queue"
	"github.com/stuartshay/school-distance/internal/report"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Ensurer produces distances for a home.
type Ensurer interface {
	EnsureDistances(ctx context.Context, home calculator.Coordinate, schools []model.School) model.Distances
}

// Roster lists the schools to measure against.
type Roster interface {
	ListSchools(ctx context.Context) ([]model.School, error)
}

// Config holds the Server dependencies.
type Config struct {
	Distances     Ensurer
	Roster        Roster
	Geocoder      geocode.Lookup
	Workers       int
	CSVOutputPath string
}

// Server implements DistanceServiceServer
type Server struct {
	distances     Ensurer
	roster        Roster
	geocoder      geocode.Lookup
	queue         *queue.Queue
	csvOutputPath string
}

var _ DistanceServiceServer = (*Server)(nil)

// NewServer creates a new gRPC server instance and starts its job workers
func NewServer(cfg Config) *Server {
	s := &Server{
		distances:     cfg.Distances,
		roster:        cfg.Roster,
		geocoder:      cfg.Geocoder,
		csvOutputPath: cfg.CSVOutputPath,
	}
	s.queue = queue.NewQueue(cfg.Workers, s.processDistanceJob)
	return s
}

// EnsureDistances resolves the home and answers with its distances, nearest
// first.
func (s *Server) EnsureDistances(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	home, err := s.homeFromRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	schools, err := s.roster.ListSchools(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list schools")
		return nil, status.Error(codes.Internal, "failed to list schools")
	}

	distances := s.distances.EnsureDistances(ctx, home, schools)
	rows := export.Rows(schools, distances)

	items := make([]any, 0, len(rows))
	for _, r := range rows {
		items = append(items, rowValue(r))
	}

	return newStruct(map[string]any{
		"home":      coordinateValue(home),
		"distances": items,
	})
}

// CalculateDistances enqueues a batch job for the home
func (s *Server) CalculateDistances(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	address := stringField(req, "address")
	home, err := s.homeFromRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("home", home.String()).
		Msg("Received distance calculation request")

	jobID, err := s.queue.Enqueue(home, address)
	if err != nil {
		log.Error().Err(err).Msg("Failed to enqueue job")
		if errors.Is(err, queue.ErrQueueFull) {
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		}
		return nil, status.Errorf(codes.Unavailable, "failed to enqueue job: %v", err)
	}

	return newStruct(map[string]any{
		"job_id":    jobID,
		"status":    string(queue.StatusQueued),
		"queued_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// GetJobStatus returns the current status of a job
func (s *Server) GetJobStatus(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	jobID := stringField(req, "job_id")
	if jobID == "" {
		return nil, status.Error(codes.InvalidArgument, "job_id is required")
	}

	job, err := s.queue.GetJob(jobID)
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}

	resp := jobSummary(job)
	if job.StartedAt != nil {
		resp["started_at"] = job.StartedAt.Format(time.RFC3339)
	}
	if job.ErrorMessage != "" {
		resp["error_message"] = job.ErrorMessage
	}
	if job.Result != nil {
		resp["result"] = map[string]any{
			"csv_path":           job.Result.CSVPath,
			"schools":            job.Result.Schools,
			"live":               job.Result.Live,
			"fallback":           job.Result.Fallback,
			"nearest_school_id":  job.Result.NearestSchoolID,
			"nearest_km":         job.Result.NearestKM,
			"average_km":         job.Result.AverageKM,
			"processing_time_ms": job.Result.ProcessingTimeMS,
		}
	}

	return newStruct(resp)
}

// ListJobs returns jobs newest first with optional status filtering
func (s *Server) ListJobs(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := defaultListLimit
	if v, ok := numberField(req, "limit"); ok && v > 0 {
		limit = int(v)
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	offset := 0
	if v, ok := numberField(req, "offset"); ok && v > 0 {
		offset = int(v)
	}

	jobs, total := s.queue.ListJobs(queue.JobStatus(stringField(req, "status")), limit, offset)

	items := make([]any, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, jobSummary(job))
	}

	return newStruct(map[string]any{
		"jobs":        items,
		"total_count": total,
		"limit":       limit,
		"offset":      offset,
	})
}

// processDistanceJob is the worker function that processes distance jobs
func (s *Server) processDistanceJob(ctx context.Context, job *queue.Job) (*queue.JobResult, error) {
	log.Info().
		Str("job_id", job.ID).
		Str("home", job.Home.String()).
		Msg("Processing distance calculation job")

	schools, err := s.roster.ListSchools(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch schools from database")
		return nil, fmt.Errorf("database query failed: %w", err)
	}
	if len(schools) == 0 {
		return nil, fmt.Errorf("no schools in roster")
	}

	distances := s.distances.EnsureDistances(ctx, job.Home, schools)
	// A cancelled wait yields no records; writing them would replace a
	// good report for the same home with an empty one.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("job interrupted: %w", err)
	}
	rows := export.Rows(schools, distances)
	if len(rows) == 0 {
		return nil, fmt.Errorf("no distances resolved for %d schools", len(schools))
	}
	sum := export.Summarize(rows)

	log.Info().
		Str("job_id", job.ID).
		Int("schools", sum.Schools).
		Int("live", sum.Live).
		Int("fallback", sum.Fallback).
		Float64("nearest_km", sum.NearestKM).
		Msg("Distances resolved")

	csvPath, err := export.WriteFile(s.csvOutputPath, job.Home, rows, sum)
	if err != nil {
		log.Error().Err(err).Msg("Failed to generate CSV file")
		err = fmt.Errorf("CSV generation failed: %w", err)
		report.ReportError(err)
		return nil, err
	}

	return &queue.JobResult{
		CSVPath:         csvPath,
		Schools:         sum.Schools,
		Live:            sum.Live,
		Fallback:        sum.Fallback,
		NearestSchoolID: sum.NearestSchoolID,
		NearestKM:       sum.NearestKM,
		AverageKM:       sum.AverageKM,
	}, nil
}

// JobStats returns job counts by status.
func (s *Server) JobStats() map[string]int {
	return s.queue.GetStats()
}

// Shutdown gracefully shuts down the job workers
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.queue.Shutdown(timeout)
}

func (s *Server) homeFromRequest(ctx context.Context, req *structpb.Struct) (calculator.Coordinate, error) {
	lat, hasLat := numberField(req, "latitude")
	lng, hasLng := numberField(req, "longitude")
	if hasLat != hasLng {
		return calculator.Coordinate{}, status.Error(codes.InvalidArgument, "latitude and longitude must be given together")
	}

	var given *calculator.Coordinate
	if hasLat {
		given = &calculator.Coordinate{Latitude: lat, Longitude: lng}
	}

	home, err := geocode.ResolveHome(ctx, s.geocoder, stringField(req, "address"), given)
	switch {
	case err == nil:
		return home, nil
	case errors.Is(err, geocode.ErrUnavailable):
		return calculator.Coordinate{}, status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, geocode.ErrNoResults):
		return calculator.Coordinate{}, status.Error(codes.NotFound, err.Error())
	case given != nil, errors.Is(err, calculator.ErrInvalidCoordinate), errors.Is(err, geocode.ErrMissingAddress):
		return calculator.Coordinate{}, status.Error(codes.InvalidArgument, err.Error())
	default:
		log.Warn().Err(err).Msg("Geocoding failed")
		return calculator.Coordinate{}, status.Error(codes.Unavailable, "geocoding failed")
	}
}

func jobSummary(job *queue.Job) map[string]any {
	m := map[string]any{
		"job_id":    job.ID,
		"status":    string(job.Status),
		"home":      coordinateValue(job.Home),
		"queued_at": job.QueuedAt.Format(time.RFC3339),
	}
	if job.Address != "" {
		m["address"] = job.Address
	}
	if job.CompletedAt != nil {
		m["completed_at"] = job.CompletedAt.Format(time.RFC3339)
	}
	return m
}

func coordinateValue(c calculator.Coordinate) map[string]any {
	return map[string]any{"latitude": c.Latitude, "longitude": c.Longitude}
}

func rowValue(r export.Row) map[string]any {
	m := map[string]any{
		"school_id":   r.School.ID,
		"school_name": r.School.Name,
		"distance_km": r.Record.DistanceKM,
		"source":      string(r.Record.Source),
	}
	if r.Record.DurationMinutes != nil {
		m["duration_minutes"] = *r.Record.DurationMinutes
	}
	return m
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return st, nil
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func numberField(s *structpb.Struct, key string) (float64, bool) {
	v, ok := s.GetFields()[key].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return v.NumberValue, true
}
