package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hfsslive/trackcore/internal/model"
	"github.com/hfsslive/trackcore/internal/queue"
	"github.com/hfsslive/trackcore/internal/store"
	"github.com/hfsslive/trackcore/internal/validator"
	"github.com/hfsslive/trackcore/internal/writerpool"
)

type fakeStore struct {
	flights map[string]model.Flight
	inserts int
}

func (f *fakeStore) FlightExists(ctx context.Context, flightID string) (bool, error) {
	_, ok := f.flights[flightID]
	return ok, nil
}

func (f *fakeStore) GetFlightByFlightID(ctx context.Context, flightID string) (model.Flight, error) {
	fl, ok := f.flights[flightID]
	if !ok {
		return model.Flight{}, context.DeadlineExceeded
	}
	return fl, nil
}

func (f *fakeStore) InsertPoints(ctx context.Context, flightID, flightUUID string, source model.Source, points []model.QueuePoint) (int64, error) {
	f.inserts += len(points)
	return int64(len(points)), nil
}

func (f *fakeStore) CreateFlight(ctx context.Context, fl model.Flight) (model.Flight, error) {
	fl.UUID = "created-" + fl.FlightID
	f.flights[fl.FlightID] = fl
	return fl, nil
}

func (f *fakeStore) Summary(ctx context.Context, raceID string) (int, int, time.Time, time.Time, []store.PilotSummary, error) {
	return 1, 1, time.Now(), time.Now(), nil, nil
}

func (f *fakeStore) RecentFlightsForPilot(ctx context.Context, pilotID string, limit int) ([]model.Flight, error) {
	return nil, nil
}

func (f *fakeStore) DeletePilotFlights(ctx context.Context, pilotID string) (int64, error) { return 0, nil }
func (f *fakeStore) DeleteFlightByUUID(ctx context.Context, flightUUID string) error         { return nil }

func newTestServer() (*Server, *fakeStore, *queue.MemStore) {
	fs := &fakeStore{flights: map[string]model.Flight{
		"app-abc": {FlightID: "app-abc", UUID: "u1", Source: model.SourceLive},
	}}
	q := queue.NewMemStore()
	v := validator.New(fs)
	pool := writerpool.NewPool(q, v, fs, writerpool.NewInFlight(), writerpool.DefaultConfig())
	return New(q, v, fs, pool), fs, q
}

func TestHandleIngestEnqueuesWhenQueueAvailable(t *testing.T) {
	s, _, q := newTestServer()
	body, _ := json.Marshal(ingestRequest{FlightID: "app-abc", Points: []model.QueuePoint{{Lat: 1, Lon: 2, Datetime: time.Now().UTC()}}})

	req := httptest.NewRequest(http.MethodPost, "/tracking/live", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	n, err := q.Len(context.Background(), model.QueueLivePoints)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestHandleIngestFallsBackOnQueueUnavailable(t *testing.T) {
	s, fs, q := newTestServer()
	q.Unavailable = true
	body, _ := json.Marshal(ingestRequest{FlightID: "app-abc", Points: []model.QueuePoint{{Lat: 1, Lon: 2, Datetime: time.Now().UTC()}}})

	req := httptest.NewRequest(http.MethodPost, "/tracking/live", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, 1, fs.inserts)
}

func TestHandleIngestRejectsMissingFlightID(t *testing.T) {
	s, _, _ := newTestServer()
	body, _ := json.Marshal(ingestRequest{Points: []model.QueuePoint{{Lat: 1, Lon: 2, Datetime: time.Now().UTC()}}})

	req := httptest.NewRequest(http.MethodPost, "/tracking/live", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealthReportsQueueDepths(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["ok"])
}

func TestHandleDeletePilotAsyncReturnsStatusURL(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodDelete, "/tracking/admin/delete-pilot-flights-async/pilot-1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["deletion_id"])
	require.Contains(t, body["status_url"], "/tracking/deletion-status/")
}
