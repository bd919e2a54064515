package grpc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/stuartshay/school-distance/internal/calculator"
	"github.com/stuartshay/school-distance/internal/distance"
	"github.com/stuartshay/school-distance/internal/geocode"
	"github.com/stuartshay/school-distance/internal/model"
	"github.com/stuartshay/school-distance/internal/queue"
)

var testHome = calculator.Coordinate{Latitude: -22.9249, Longitude: -45.4612}

type fakeRoster struct {
	schools []model.School
	err     error
}

func (f *fakeRoster) ListSchools(_ context.Context) ([]model.School, error) {
	return f.schools, f.err
}

// fallbackEnsurer answers every school with the road estimate.
type fallbackEnsurer struct{}

func (fallbackEnsurer) EnsureDistances(_ context.Context, home calculator.Coordinate, schools []model.School) model.Distances {
	out := make(model.Distances, len(schools))
	for _, s := range schools {
		out[s.ID] = model.DistanceRecord{
			Origin:     home,
			SchoolID:   s.ID,
			DistanceKM: calculator.EstimateRoadDistanceKM(home, s.Coordinate()),
			Source:     model.SourceFallback,
		}
	}
	return out
}

type fakeGeocoder struct {
	home calculator.Coordinate
	err  error
}

func (f *fakeGeocoder) Geocode(_ context.Context, _ string) (calculator.Coordinate, error) {
	return f.home, f.err
}

func testRoster() *fakeRoster {
	return &fakeRoster{schools: []model.School{
		{ID: 1, Name: "EE Longe", Latitude: -22.95, Longitude: -45.50},
		{ID: 2, Name: "EE Perto", Latitude: -22.9250, Longitude: -45.4620},
	}}
}

// setupTestServer creates a server backed by in-memory fakes
func setupTestServer(t *testing.T, roster *fakeRoster, geo *fakeGeocoder) *Server {
	t.Helper()
	server := NewServer(Config{
		Distances:     fallbackEnsurer{},
		Roster:        roster,
		Geocoder:      geo,
		Workers:       2,
		CSVOutputPath: t.TempDir(),
	})
	t.Cleanup(func() { _ = server.Shutdown(5 * time.Second) })
	return server
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestEnsureDistances(t *testing.T) {
	server := setupTestServer(t, testRoster(), &fakeGeocoder{home: testHome})

	tests := []struct {
		name     string
		request  map[string]any
		wantCode codes.Code
	}{
		{name: "coordinates", request: map[string]any{"latitude": testHome.Latitude, "longitude": testHome.Longitude}},
		{name: "address", request: map[string]any{"address": "Rua Dez, 100"}},
		{name: "latitude only", request: map[string]any{"latitude": 1.0}, wantCode: codes.InvalidArgument},
		{name: "out of range", request: map[string]any{"latitude": 95.0, "longitude": 0.0}, wantCode: codes.InvalidArgument},
		{name: "empty", request: map[string]any{}, wantCode: codes.InvalidArgument},
		{name: "blank address", request: map[string]any{"address": "  \t "}, wantCode: codes.InvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := server.EnsureDistances(context.Background(), mustStruct(t, tt.request))
			if tt.wantCode != codes.OK {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, status.Code(err))
				return
			}

			require.NoError(t, err)
			items := resp.Fields["distances"].GetListValue().GetValues()
			require.Len(t, items, 2)

			nearest := items[0].GetStructValue().GetFields()
			assert.Equal(t, float64(2), nearest["school_id"].GetNumberValue())
			assert.Equal(t, "fallback", nearest["source"].GetStringValue())
			_, hasDuration := nearest["duration_minutes"]
			assert.False(t, hasDuration)

			homeFields := resp.Fields["home"].GetStructValue().GetFields()
			assert.Equal(t, testHome.Latitude, homeFields["latitude"].GetNumberValue())
		})
	}
}

func TestEnsureDistances_GeocoderErrors(t *testing.T) {
	tests := []struct {
		err      error
		wantCode codes.Code
	}{
		{geocode.ErrUnavailable, codes.Unavailable},
		{geocode.ErrNoResults, codes.NotFound},
		{errors.New("timeout"), codes.Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			server := setupTestServer(t, testRoster(), &fakeGeocoder{err: tt.err})
			_, err := server.EnsureDistances(context.Background(), mustStruct(t, map[string]any{"address": "x"}))
			assert.Equal(t, tt.wantCode, status.Code(err))
		})
	}
}

func TestEnsureDistances_RosterError(t *testing.T) {
	server := setupTestServer(t, &fakeRoster{err: errors.New("db down")}, &fakeGeocoder{home: testHome})
	_, err := server.EnsureDistances(context.Background(), mustStruct(t, map[string]any{"address": "x"}))
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestCalculateDistances_CompletesJob(t *testing.T) {
	server := setupTestServer(t, testRoster(), &fakeGeocoder{home: testHome})

	resp, err := server.CalculateDistances(context.Background(), mustStruct(t, map[string]any{"address": "Rua Dez, 100"}))
	require.NoError(t, err)
	jobID := resp.Fields["job_id"].GetStringValue()
	require.NotEmpty(t, jobID)
	assert.Equal(t, "queued", resp.Fields["status"].GetStringValue())

	var statusResp *structpb.Struct
	require.Eventually(t, func() bool {
		statusResp, err = server.GetJobStatus(context.Background(), mustStruct(t, map[string]any{"job_id": jobID}))
		return err == nil && statusResp.Fields["status"].GetStringValue() == string(queue.StatusCompleted)
	}, 2*time.Second, 10*time.Millisecond)

	result := statusResp.Fields["result"].GetStructValue().GetFields()
	assert.Equal(t, float64(2), result["schools"].GetNumberValue())
	assert.Equal(t, float64(2), result["fallback"].GetNumberValue())
	assert.Equal(t, float64(2), result["nearest_school_id"].GetNumberValue())
	assert.Equal(t, "Rua Dez, 100", statusResp.Fields["address"].GetStringValue())

	_, err = os.Stat(result["csv_path"].GetStringValue())
	assert.NoError(t, err)

	stats := server.JobStats()
	assert.Equal(t, 1, stats["total"])
	assert.Equal(t, 1, stats["completed"])
}

func TestCalculateDistances_UnwritableOutputFails(t *testing.T) {
	// A regular file where the output directory should be.
	blocker := filepath.Join(t.TempDir(), "reports")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	server := NewServer(Config{
		Distances:     fallbackEnsurer{},
		Roster:        testRoster(),
		Geocoder:      &fakeGeocoder{home: testHome},
		Workers:       1,
		CSVOutputPath: blocker,
	})
	t.Cleanup(func() { _ = server.Shutdown(5 * time.Second) })

	resp, err := server.CalculateDistances(context.Background(), mustStruct(t, map[string]any{
		"latitude": testHome.Latitude, "longitude": testHome.Longitude,
	}))
	require.NoError(t, err)
	jobID := resp.Fields["job_id"].GetStringValue()

	require.Eventually(t, func() bool {
		st, err := server.GetJobStatus(context.Background(), mustStruct(t, map[string]any{"job_id": jobID}))
		return err == nil &&
			st.Fields["status"].GetStringValue() == string(queue.StatusFailed) &&
			strings.HasPrefix(st.Fields["error_message"].GetStringValue(), "CSV generation failed")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCalculateDistances_EmptyRosterFails(t *testing.T) {
	server := setupTestServer(t, &fakeRoster{}, &fakeGeocoder{home: testHome})

	resp, err := server.CalculateDistances(context.Background(), mustStruct(t, map[string]any{
		"latitude": testHome.Latitude, "longitude": testHome.Longitude,
	}))
	require.NoError(t, err)
	jobID := resp.Fields["job_id"].GetStringValue()

	require.Eventually(t, func() bool {
		st, err := server.GetJobStatus(context.Background(), mustStruct(t, map[string]any{"job_id": jobID}))
		return err == nil &&
			st.Fields["status"].GetStringValue() == string(queue.StatusFailed) &&
			st.Fields["error_message"].GetStringValue() == "no schools in roster"
	}, 2*time.Second, 10*time.Millisecond)
}

// missCache never finds an origin.
type missCache struct{}

func (missCache) FindNearbyOrigin(_ context.Context, _ calculator.Coordinate) (calculator.Coordinate, bool) {
	return calculator.Coordinate{}, false
}

func (missCache) GetRecords(_ context.Context, _ calculator.Coordinate) []model.DistanceRecord {
	return nil
}

func (missCache) UpsertRecords(_ context.Context, _ calculator.Coordinate, _ []model.DistanceRecord) {}

// blockingResolver holds the resolution open until release is closed.
type blockingResolver struct {
	started chan struct{}
	release chan struct{}
}

func (r *blockingResolver) ResolveDistances(_ context.Context, _ calculator.Coordinate, _ []model.School) []model.DistanceRecord {
	close(r.started)
	<-r.release
	return nil
}

func TestCalculateDistances_ShutdownFailsInFlightJob(t *testing.T) {
	dir := t.TempDir()
	res := &blockingResolver{started: make(chan struct{}), release: make(chan struct{})}
	defer close(res.release)

	server := NewServer(Config{
		Distances:     distance.NewService(missCache{}, res),
		Roster:        testRoster(),
		Geocoder:      &fakeGeocoder{home: testHome},
		Workers:       1,
		CSVOutputPath: dir,
	})

	resp, err := server.CalculateDistances(context.Background(), mustStruct(t, map[string]any{
		"latitude": testHome.Latitude, "longitude": testHome.Longitude,
	}))
	require.NoError(t, err)
	jobID := resp.Fields["job_id"].GetStringValue()

	select {
	case <-res.started:
	case <-time.After(2 * time.Second):
		t.Fatal("resolution did not start")
	}
	require.NoError(t, server.Shutdown(2*time.Second))

	st, err := server.GetJobStatus(context.Background(), mustStruct(t, map[string]any{"job_id": jobID}))
	require.NoError(t, err)
	assert.Equal(t, string(queue.StatusFailed), st.Fields["status"].GetStringValue())
	assert.Contains(t, st.Fields["error_message"].GetStringValue(), "context canceled")
	assert.Nil(t, st.Fields["result"])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no report should be written for an interrupted job")
}

func TestGetJobStatus_Errors(t *testing.T) {
	server := setupTestServer(t, testRoster(), &fakeGeocoder{home: testHome})

	_, err := server.GetJobStatus(context.Background(), mustStruct(t, map[string]any{}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = server.GetJobStatus(context.Background(), mustStruct(t, map[string]any{"job_id": "missing"}))
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestListJobs(t *testing.T) {
	server := setupTestServer(t, testRoster(), &fakeGeocoder{home: testHome})

	for i := 0; i < 3; i++ {
		_, err := server.CalculateDistances(context.Background(), mustStruct(t, map[string]any{"address": "x"}))
		require.NoError(t, err)
	}

	resp, err := server.ListJobs(context.Background(), mustStruct(t, map[string]any{"limit": 2.0}))
	require.NoError(t, err)
	assert.Len(t, resp.Fields["jobs"].GetListValue().GetValues(), 2)
	assert.Equal(t, float64(3), resp.Fields["total_count"].GetNumberValue())
	assert.Equal(t, float64(2), resp.Fields["limit"].GetNumberValue())

	resp, err = server.ListJobs(context.Background(), mustStruct(t, map[string]any{"limit": 10000.0}))
	require.NoError(t, err)
	assert.Equal(t, float64(maxListLimit), resp.Fields["limit"].GetNumberValue())
}

func TestServiceDesc_OverGRPC(t *testing.T) {
	server := setupTestServer(t, testRoster(), &fakeGeocoder{home: testHome})

	lis := bufconn.Listen(1 << 20)
	s := grpclib.NewServer()
	RegisterDistanceServiceServer(s, server)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpclib.NewClient("passthrough:///bufnet",
		grpclib.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpclib.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := new(structpb.Struct)
	err = conn.Invoke(ctx, "/"+ServiceName+"/EnsureDistances",
		mustStruct(t, map[string]any{"latitude": testHome.Latitude, "longitude": testHome.Longitude}), out)
	require.NoError(t, err)
	assert.Len(t, out.Fields["distances"].GetListValue().GetValues(), 2)

	err = conn.Invoke(ctx, "/"+ServiceName+"/GetJobStatus", mustStruct(t, map[string]any{"job_id": "nope"}), new(structpb.Struct))
	assert.Equal(t, codes.NotFound, status.Code(err))
}
