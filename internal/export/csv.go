// Package export writes per-home distance reports as CSV files.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/stuartshay/school-distance/internal/calculator"
	"github.com/stuartshay/school-distance/internal/model"
)

// Row pairs a school with its resolved distance.
type Row struct {
	School model.School
	Record model.DistanceRecord
}

// Summary aggregates a report.
type Summary struct {
	Schools         int
	Live            int
	Fallback        int
	NearestSchoolID int64
	NearestKM       float64
	AverageKM       float64
}

// Rows joins the roster with its distances, ascending by distance. Schools
// without a record are left out.
func Rows(schools []model.School, distances model.Distances) []Row {
	rows := make([]Row, 0, len(distances))
	for _, s := range schools {
		rec, ok := distances[s.ID]
		if !ok {
			continue
		}
		rows = append(rows, Row{School: s, Record: rec})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Record.DistanceKM == rows[j].Record.DistanceKM {
			return rows[i].School.ID < rows[j].School.ID
		}
		return rows[i].Record.DistanceKM < rows[j].Record.DistanceKM
	})
	return rows
}

// Summarize computes counts and nearest/average distance. rows must already
// be sorted by Rows.
func Summarize(rows []Row) Summary {
	sum := Summary{Schools: len(rows)}
	if len(rows) == 0 {
		return sum
	}
	var total float64
	for _, r := range rows {
		total += r.Record.DistanceKM
		switch r.Record.Source {
		case model.SourceLive:
			sum.Live++
		case model.SourceFallback:
			sum.Fallback++
		}
	}
	sum.NearestSchoolID = rows[0].School.ID
	sum.NearestKM = rows[0].Record.DistanceKM
	sum.AverageKM = calculator.RoundTo(total/float64(len(rows)), 2)
	return sum
}

// FileName is the report name for home.
func FileName(home calculator.Coordinate) string {
	r := home.Rounded()
	return fmt.Sprintf("distances_%.7f_%.7f.csv", r.Latitude, r.Longitude)
}

// Write renders rows followed by a summary footer.
func Write(w io.Writer, rows []Row, sum Summary) error {
	writer := csv.NewWriter(w)

	header := []string{"school_id", "school_name", "distance_km", "duration_min", "source"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, r := range rows {
		duration := ""
		if r.Record.DurationMinutes != nil {
			duration = strconv.FormatFloat(*r.Record.DurationMinutes, 'f', -1, 64)
		}
		row := []string{
			strconv.FormatInt(r.School.ID, 10),
			r.School.Name,
			fmt.Sprintf("%.2f", r.Record.DistanceKM),
			duration,
			string(r.Record.Source),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	footer := [][]string{
		{},
		{"Summary"},
		{"Schools", strconv.Itoa(sum.Schools)},
		{"Live", strconv.Itoa(sum.Live)},
		{"Fallback", strconv.Itoa(sum.Fallback)},
		{"Nearest (km)", fmt.Sprintf("%.2f", sum.NearestKM)},
		{"Average (km)", fmt.Sprintf("%.2f", sum.AverageKM)},
	}
	if err := writer.WriteAll(footer); err != nil {
		return fmt.Errorf("failed to write CSV summary: %w", err)
	}
	return nil
}

// WriteFile writes the report for home into dir and returns its path.
func WriteFile(dir string, home calculator.Coordinate, rows []Row, sum Summary) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	csvPath := filepath.Join(dir, FileName(home))
	file, err := os.Create(csvPath)
	if err != nil {
		return "", fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			log.Error().Err(closeErr).Str("csv_path", csvPath).Msg("Failed to close CSV file")
		}
	}()

	if err := Write(file, rows, sum); err != nil {
		return "", err
	}

	log.Info().Str("csv_path", csvPath).Int("schools", sum.Schools).Msg("CSV file generated successfully")
	return csvPath, nil
}
