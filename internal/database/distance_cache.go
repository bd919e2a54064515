package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/stuartshay/school-distance/internal/cache"
	"github.com/stuartshay/school-distance/internal/calculator"
	"github.com/stuartshay/school-distance/internal/model"
)

var _ cache.Store = (*Client)(nil)

// FindOriginsInBox returns the distinct cached origins whose coordinates fall
// inside box, in the order the database returns them.
func (c *Client) FindOriginsInBox(ctx context.Context, box calculator.BoundingBox) ([]calculator.Coordinate, error) {
	query := `
		SELECT DISTINCT origin_lat, origin_lng
		FROM distance_cache
		WHERE origin_lat BETWEEN $1 AND $2
		  AND origin_lng BETWEEN $3 AND $4
	`

	rows, err := c.db.QueryContext(ctx, query, box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }() // nolint:errcheck // Close in defer, error not actionable

	var origins []calculator.Coordinate
	for rows.Next() {
		var o calculator.Coordinate
		if err := rows.Scan(&o.Latitude, &o.Longitude); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		origins = append(origins, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return origins, nil
}

// GetRecords returns every cached record for the exact (rounded) origin.
func (c *Client) GetRecords(ctx context.Context, origin calculator.Coordinate) ([]model.DistanceRecord, error) {
	origin = origin.Rounded()

	query := `
		SELECT school_id, distance_km, duration_minutes, source
		FROM distance_cache
		WHERE origin_lat = $1 AND origin_lng = $2
		ORDER BY school_id
	`

	rows, err := c.db.QueryContext(ctx, query, origin.Latitude, origin.Longitude)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }() // nolint:errcheck // Close in defer, error not actionable

	var records []model.DistanceRecord
	for rows.Next() {
		var (
			rec      model.DistanceRecord
			duration sql.NullFloat64
			source   string
		)
		if err := rows.Scan(&rec.SchoolID, &rec.DistanceKM, &duration, &source); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		rec.Origin = origin
		rec.Source = model.Source(source)
		if duration.Valid {
			minutes := duration.Float64
			rec.DurationMinutes = &minutes
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return records, nil
}

// UpsertRecords writes records for origin in a single statement, keyed by
// (origin_lat, origin_lng, school_id). The origin is rounded to 7 decimal
// places; when a school appears more than once the last record wins.
func (c *Client) UpsertRecords(ctx context.Context, origin calculator.Coordinate, records []model.DistanceRecord) error {
	records = lastPerSchool(records)
	if len(records) == 0 {
		return nil
	}
	origin = origin.Rounded()

	const columns = 6
	var sb strings.Builder
	sb.WriteString(`INSERT INTO distance_cache (origin_lat, origin_lng, school_id, distance_km, duration_minutes, source) VALUES `)

	args := make([]interface{}, 0, len(records)*columns)
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * columns
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6)

		var duration interface{}
		if rec.DurationMinutes != nil {
			duration = *rec.DurationMinutes
		}
		args = append(args,
			origin.Latitude,
			origin.Longitude,
			rec.SchoolID,
			calculator.RoundTo(rec.DistanceKM, 2),
			duration,
			string(rec.Source),
		)
	}

	sb.WriteString(`
		ON CONFLICT (origin_lat, origin_lng, school_id) DO UPDATE
		SET distance_km = EXCLUDED.distance_km,
		    duration_minutes = EXCLUDED.duration_minutes,
		    source = EXCLUDED.source,
		    updated_at = now()`)

	if _, err := c.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert failed: %w", err)
	}
	return nil
}

// lastPerSchool drops earlier duplicates of a school ID. Postgres rejects an
// ON CONFLICT DO UPDATE statement that touches the same row twice.
func lastPerSchool(records []model.DistanceRecord) []model.DistanceRecord {
	last := make(map[int64]int, len(records))
	for i, r := range records {
		last[r.SchoolID] = i
	}
	if len(last) == len(records) {
		return records
	}

	out := make([]model.DistanceRecord, 0, len(last))
	for i, r := range records {
		if last[r.SchoolID] == i {
			out = append(out, r)
		}
	}
	return out
}
