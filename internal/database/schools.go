package database

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/stuartshay/school-distance/internal/model"
)

// ListSchools returns the school roster ordered by ID. Schools with
// coordinates outside the valid range are skipped.
func (c *Client) ListSchools(ctx context.Context) ([]model.School, error) {
	query := `SELECT id, name, latitude, longitude FROM schools ORDER BY id`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }() // nolint:errcheck // Close in defer, error not actionable

	var schools []model.School
	for rows.Next() {
		var s model.School
		if err := rows.Scan(&s.ID, &s.Name, &s.Latitude, &s.Longitude); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		if err := s.Coordinate().Validate(); err != nil {
			log.Warn().Err(err).Int64("school_id", s.ID).Msg("Skipping school with invalid coordinates")
			continue
		}
		schools = append(schools, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return schools, nil
}
