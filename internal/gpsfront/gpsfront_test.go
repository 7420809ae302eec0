package gpsfront

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hfsslive/trackcore/internal/flightsep"
	"github.com/hfsslive/trackcore/internal/model"
)

type fakeDirectory struct {
	pilotID, pilotName, raceID, raceTZ string
	err                                error
}

func (f *fakeDirectory) PilotForDevice(ctx context.Context, deviceID string) (string, string, string, string, error) {
	return f.pilotID, f.pilotName, f.raceID, f.raceTZ, f.err
}

type fakeLookup struct{}

func (fakeLookup) GetOpenFlight(ctx context.Context, deviceID, raceID string) (*model.Flight, error) {
	return nil, nil
}

type fakeEnqueuer struct {
	items []model.QueueItem
}

func (f *fakeEnqueuer) EnqueueBatch(ctx context.Context, name model.QueueName, items []model.QueueItem) (int, error) {
	f.items = append(f.items, items...)
	return len(items), nil
}

type fakeFlights struct {
	created []model.Flight
	states  map[string][]byte
}

func newFakeFlights() *fakeFlights { return &fakeFlights{states: make(map[string][]byte)} }

func (f *fakeFlights) CreateFlight(ctx context.Context, fl model.Flight) (model.Flight, error) {
	fl.UUID = "uuid-" + fl.FlightID
	f.created = append(f.created, fl)
	return fl, nil
}

func (f *fakeFlights) SetFlightState(ctx context.Context, flightUUID string, state []byte) error {
	f.states[flightUUID] = state
	return nil
}

func TestFrameScannerReassemblesSplitFrames(t *testing.T) {
	s := &frameScanner{}
	frames := s.feed([]byte("[123*"))
	require.Empty(t, frames)
	frames = s.feed([]byte("05*UD2,250101120000]"))
	require.Equal(t, []string{"[123*05*UD2,250101120000]"}, frames)
}

func TestFrameScannerHandlesConcatenatedFrames(t *testing.T) {
	s := &frameScanner{}
	frames := s.feed([]byte("(123,BP04)(123,BP04)"))
	require.Equal(t, []string{"(123,BP04)", "(123,BP04)"}, frames)
}

func TestParseWatchFrameDecodesLocation(t *testing.T) {
	frame := "[862170*40*UD2,250101120000,45.12345,N,7.54321,E,12.5,90,85]"
	fix, deviceID, kind, err := parseFrame(frame)
	require.NoError(t, err)
	require.Equal(t, frameKindLocation, kind)
	require.Equal(t, "862170", deviceID)
	require.InDelta(t, 45.12345, fix.Lat, 1e-6)
	require.InDelta(t, 7.54321, fix.Lon, 1e-6)
	require.NotNil(t, fix.Speed)
	require.InDelta(t, 12.5/3.6, *fix.Speed, 1e-6)
}

func TestParseWatchFrameAppliesHemisphereSign(t *testing.T) {
	frame := "[862170*30*UD2,250101120000,45.0,S,7.0,W,0,0]"
	fix, _, _, err := parseFrame(frame)
	require.NoError(t, err)
	require.InDelta(t, -45.0, fix.Lat, 1e-6)
	require.InDelta(t, -7.0, fix.Lon, 1e-6)
}

func TestParseWatchFrameLoginHasNoFix(t *testing.T) {
	fix, deviceID, kind, err := parseFrame("[862170*5*LK]")
	require.NoError(t, err)
	require.Nil(t, fix)
	require.Equal(t, "862170", deviceID)
	require.Equal(t, frameKindLogin, kind)
}

func TestParseTK103FrameDecodesLocation(t *testing.T) {
	frame := "(013632158618,BR00,250101120000,45.12345,N,7.54321,E,012.5,090,00)"
	fix, deviceID, kind, err := parseFrame(frame)
	require.NoError(t, err)
	require.Equal(t, frameKindLocation, kind)
	require.Equal(t, "013632158618", deviceID)
	require.InDelta(t, 45.12345, fix.Lat, 1e-6)
}

func TestParseTK103FrameHeartbeatHasNoFix(t *testing.T) {
	fix, deviceID, kind, err := parseFrame("(013632158618,BP04)")
	require.NoError(t, err)
	require.Nil(t, fix)
	require.Equal(t, "013632158618", deviceID)
	require.Equal(t, frameKindHeartbeat, kind)
}

func TestParseFrameRejectsUnknownLeadingByte(t *testing.T) {
	_, _, _, err := parseFrame("garbage")
	require.Error(t, err)
}

func TestAllowDeviceEnforcesMinMessageInterval(t *testing.T) {
	l := New(Config{MinMessageInterval: 2 * time.Second, RateWindow: time.Minute, RateLimit: 20}, &fakeDirectory{}, flightsep.New(fakeLookup{}, flightsep.DefaultConfig()), &fakeEnqueuer{}, newFakeFlights())

	now := time.Now()
	require.True(t, l.allowDevice("dev-1", now))
	require.False(t, l.allowDevice("dev-1", now.Add(time.Second)))
	require.True(t, l.allowDevice("dev-1", now.Add(3*time.Second)))
}

func TestAllowDeviceEnforcesRollingRateLimit(t *testing.T) {
	l := New(Config{MinMessageInterval: 0, RateWindow: time.Minute, RateLimit: 2}, &fakeDirectory{}, flightsep.New(fakeLookup{}, flightsep.DefaultConfig()), &fakeEnqueuer{}, newFakeFlights())

	now := time.Now()
	require.True(t, l.allowDevice("dev-1", now))
	require.True(t, l.allowDevice("dev-1", now.Add(time.Millisecond)))
	require.False(t, l.allowDevice("dev-1", now.Add(2*time.Millisecond)))
}

func TestAdmitBlacklistsIPAfterConnectionFlood(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlacklistConnRate = 2
	l := New(cfg, &fakeDirectory{}, flightsep.New(fakeLookup{}, flightsep.DefaultConfig()), &fakeEnqueuer{}, newFakeFlights())

	require.True(t, l.admit("203.0.113.5"))
	require.True(t, l.admit("203.0.113.5"))
	require.False(t, l.admit("203.0.113.5"))
	require.False(t, l.admit("203.0.113.5"))
}

func TestAdmitExemptsLoopbackFromConnectionFlood(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlacklistConnRate = 1
	l := New(cfg, &fakeDirectory{}, flightsep.New(fakeLookup{}, flightsep.DefaultConfig()), &fakeEnqueuer{}, newFakeFlights())

	for i := 0; i < 5; i++ {
		require.True(t, l.admit("127.0.0.1"))
	}
}

func TestResolveAndEnqueueNormalizesFix(t *testing.T) {
	dir := &fakeDirectory{pilotID: "pilot-1", pilotName: "Alice", raceID: "race-1", raceTZ: "UTC"}
	q := &fakeEnqueuer{}
	l := New(DefaultConfig(), dir, flightsep.New(fakeLookup{}, flightsep.DefaultConfig()), q, newFakeFlights())

	fix := model.NormalizedFix{DeviceID: "dev-1", Lat: 45, Lon: 7, Timestamp: time.Now().UTC()}
	l.resolveAndEnqueue(context.Background(), "dev-1", fix)

	require.Len(t, q.items, 1)
	require.Equal(t, model.QueueLivePoints, q.items[0].QueueType)
	require.Len(t, q.items[0].Points, 1)
	require.InDelta(t, 45, q.items[0].Points[0].Lat, 1e-9)
}

func TestResolveAndEnqueueCreatesFlightOnFirstPoint(t *testing.T) {
	dir := &fakeDirectory{pilotID: "pilot-1", pilotName: "Alice", raceID: "race-1", raceTZ: "UTC"}
	flights := newFakeFlights()
	l := New(DefaultConfig(), dir, flightsep.New(fakeLookup{}, flightsep.DefaultConfig()), &fakeEnqueuer{}, flights)

	l.resolveAndEnqueue(context.Background(), "dev-1", model.NormalizedFix{DeviceID: "dev-1", Lat: 45, Lon: 7, Timestamp: time.Now().UTC()})

	require.Len(t, flights.created, 1)
	require.Equal(t, "pilot-1", flights.created[0].PilotID)
	require.Equal(t, "race-1", flights.created[0].RaceID)
	require.NotEmpty(t, flights.states)
}

func TestResolveAndEnqueueSkipsUnregisteredDevice(t *testing.T) {
	dir := &fakeDirectory{err: context.DeadlineExceeded}
	q := &fakeEnqueuer{}
	l := New(DefaultConfig(), dir, flightsep.New(fakeLookup{}, flightsep.DefaultConfig()), q, newFakeFlights())

	l.resolveAndEnqueue(context.Background(), "dev-1", model.NormalizedFix{DeviceID: "dev-1", Timestamp: time.Now()})
	require.Empty(t, q.items)
}
