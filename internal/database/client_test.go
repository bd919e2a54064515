package database

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stuartshay/school-distance/internal/calculator"
	"github.com/stuartshay/school-distance/internal/model"
)

// Integration tests against a real PostgreSQL container are in
// client_integration_test.go

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewClientFromDB(db), mock
}

func TestNewClient_InvalidDSN(t *testing.T) {
	_, err := NewClient("invalid-dsn")
	if err == nil {
		t.Error("expected error for invalid DSN, got nil")
	}
}

func TestHealthCheck(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	c := NewClientFromDB(db)
	assert.NoError(t, c.HealthCheck(context.Background()))
	assert.Error(t, c.HealthCheck(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schools`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS distance_cache`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS distance_cache_origin_idx`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, c.Migrate(context.Background()))
}

func TestMigrate_Error(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schools`).WillReturnError(errors.New("permission denied"))

	err := c.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CREATE TABLE IF NOT EXISTS schools")
}

func TestListSchools(t *testing.T) {
	c, mock := newMockClient(t)

	rows := sqlmock.NewRows([]string{"id", "name", "latitude", "longitude"}).
		AddRow(int64(1), "EE Alfa", -22.93, -45.46).
		AddRow(int64(2), "EE Quebrada", 123.0, -45.46).
		AddRow(int64(3), "EE Gama", -22.90, -45.40)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, name, latitude, longitude FROM schools ORDER BY id`)).
		WillReturnRows(rows)

	schools, err := c.ListSchools(context.Background())
	require.NoError(t, err)
	require.Len(t, schools, 2)
	assert.Equal(t, int64(1), schools[0].ID)
	assert.Equal(t, int64(3), schools[1].ID)
}

func TestListSchools_QueryError(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectQuery(`FROM schools`).WillReturnError(sqlmock.ErrCancelled)

	_, err := c.ListSchools(context.Background())
	assert.ErrorIs(t, err, sqlmock.ErrCancelled)
}

func TestFindOriginsInBox(t *testing.T) {
	c, mock := newMockClient(t)
	box := calculator.BoxAround(calculator.Coordinate{Latitude: -22.9249, Longitude: -45.4612}, 0.001)

	rows := sqlmock.NewRows([]string{"origin_lat", "origin_lng"}).
		AddRow(-22.9250, -45.4610).
		AddRow(-22.9245, -45.4615)
	mock.ExpectQuery(`SELECT DISTINCT origin_lat, origin_lng\s+FROM distance_cache`).
		WithArgs(box.MinLat, box.MaxLat, box.MinLon, box.MaxLon).
		WillReturnRows(rows)

	origins, err := c.FindOriginsInBox(context.Background(), box)
	require.NoError(t, err)
	assert.Equal(t, []calculator.Coordinate{
		{Latitude: -22.9250, Longitude: -45.4610},
		{Latitude: -22.9245, Longitude: -45.4615},
	}, origins)
}

func TestGetRecords(t *testing.T) {
	c, mock := newMockClient(t)
	origin := calculator.Coordinate{Latitude: -22.924900004, Longitude: -45.46120001}

	rows := sqlmock.NewRows([]string{"school_id", "distance_km", "duration_minutes", "source"}).
		AddRow(int64(1), 1.23, 4.0, "live").
		AddRow(int64(2), 7.5, nil, "fallback")
	mock.ExpectQuery(`SELECT school_id, distance_km, duration_minutes, source\s+FROM distance_cache`).
		WithArgs(-22.9249, -45.4612).
		WillReturnRows(rows)

	records, err := c.GetRecords(context.Background(), origin)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, model.SourceLive, records[0].Source)
	require.NotNil(t, records[0].DurationMinutes)
	assert.Equal(t, 4.0, *records[0].DurationMinutes)
	assert.Equal(t, calculator.Coordinate{Latitude: -22.9249, Longitude: -45.4612}, records[0].Origin)

	assert.Equal(t, model.SourceFallback, records[1].Source)
	assert.Nil(t, records[1].DurationMinutes)
}

func TestUpsertRecords(t *testing.T) {
	c, mock := newMockClient(t)
	origin := calculator.Coordinate{Latitude: -22.92490001, Longitude: -45.4612}
	four := 4.0

	records := []model.DistanceRecord{
		{SchoolID: 1, DistanceKM: 9.999, Source: model.SourceFallback},
		{SchoolID: 2, DistanceKM: 3.456, Source: model.SourceFallback},
		{SchoolID: 1, DistanceKM: 1.234, DurationMinutes: &four, Source: model.SourceLive},
	}

	mock.ExpectExec(`INSERT INTO distance_cache .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6\), \(\$7, \$8, \$9, \$10, \$11, \$12\)\s+ON CONFLICT \(origin_lat, origin_lng, school_id\) DO UPDATE`).
		WithArgs(
			-22.9249, -45.4612, int64(2), 3.46, nil, "fallback",
			-22.9249, -45.4612, int64(1), 1.23, 4.0, "live",
		).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, c.UpsertRecords(context.Background(), origin, records))
}

func TestUpsertRecords_Empty(t *testing.T) {
	c, _ := newMockClient(t)
	assert.NoError(t, c.UpsertRecords(context.Background(), calculator.Coordinate{}, nil))
}

func TestUpsertRecords_Error(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectExec(`INSERT INTO distance_cache`).WillReturnError(errors.New("deadlock detected"))

	err := c.UpsertRecords(context.Background(), calculator.Coordinate{Latitude: 1, Longitude: 1},
		[]model.DistanceRecord{{SchoolID: 1, DistanceKM: 1, Source: model.SourceFallback}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert failed")
}

func TestLastPerSchool(t *testing.T) {
	in := []model.DistanceRecord{{SchoolID: 1, DistanceKM: 1}, {SchoolID: 2}, {SchoolID: 1, DistanceKM: 2}}
	out := lastPerSchool(in)
	require.Len(t, out, 2)
	assert.Equal(t, int64(2), out[0].SchoolID)
	assert.Equal(t, 2.0, out[1].DistanceKM)

	unique := []model.DistanceRecord{{SchoolID: 1}, {SchoolID: 2}}
	assert.Equal(t, unique, lastPerSchool(unique))
}
