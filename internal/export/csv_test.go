package export

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stuartshay/school-distance/internal/calculator"
	"github.com/stuartshay/school-distance/internal/model"
)

var home = calculator.Coordinate{Latitude: -22.9249, Longitude: -45.4612}

func fixture() ([]model.School, model.Distances) {
	four := 4.0
	schools := []model.School{
		{ID: 1, Name: "EE Alfa", Latitude: -22.93, Longitude: -45.46},
		{ID: 2, Name: "EE Beta, Centro", Latitude: -22.95, Longitude: -45.47},
		{ID: 3, Name: "EE Gama", Latitude: -22.90, Longitude: -45.40},
		{ID: 4, Name: "EE Sem Registro", Latitude: -22.91, Longitude: -45.41},
	}
	distances := model.Distances{
		1: {Origin: home, SchoolID: 1, DistanceKM: 3.5, Source: model.SourceFallback},
		2: {Origin: home, SchoolID: 2, DistanceKM: 1.23, DurationMinutes: &four, Source: model.SourceLive},
		3: {Origin: home, SchoolID: 3, DistanceKM: 8.01, Source: model.SourceFallback},
	}
	return schools, distances
}

func TestRows_SortedAndJoined(t *testing.T) {
	rows := Rows(fixture())
	require.Len(t, rows, 3)
	assert.Equal(t, int64(2), rows[0].School.ID)
	assert.Equal(t, int64(1), rows[1].School.ID)
	assert.Equal(t, int64(3), rows[2].School.ID)
}

func TestSummarize(t *testing.T) {
	sum := Summarize(Rows(fixture()))
	assert.Equal(t, 3, sum.Schools)
	assert.Equal(t, 1, sum.Live)
	assert.Equal(t, 2, sum.Fallback)
	assert.Equal(t, int64(2), sum.NearestSchoolID)
	assert.Equal(t, 1.23, sum.NearestKM)
	assert.Equal(t, 4.25, sum.AverageKM)

	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "distances_-22.9249000_-45.4612000.csv", FileName(home))
}

func TestWrite(t *testing.T) {
	rows := Rows(fixture())
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, rows, Summarize(rows)))

	r := csv.NewReader(&buf)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	require.NoError(t, err)

	assert.Equal(t, []string{"school_id", "school_name", "distance_km", "duration_min", "source"}, records[0])
	assert.Equal(t, []string{"2", "EE Beta, Centro", "1.23", "4", "live"}, records[1])
	assert.Equal(t, []string{"1", "EE Alfa", "3.50", "", "fallback"}, records[2])
	assert.Equal(t, []string{"Summary"}, records[4])
	assert.Equal(t, []string{"Average (km)", "4.25"}, records[len(records)-1])
}

func TestWriteFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	rows := Rows(fixture())

	path, err := WriteFile(dir, home, rows, Summarize(rows))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName(home)), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "school_id,school_name")
	assert.Contains(t, string(data), `"EE Beta, Centro"`)
}
