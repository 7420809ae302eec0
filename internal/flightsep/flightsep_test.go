package flightsep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hfsslive/trackcore/internal/clockutil"
	"github.com/hfsslive/trackcore/internal/model"
)

type fakeLookup struct {
	flights map[string]*model.Flight
}

func (f *fakeLookup) GetOpenFlight(ctx context.Context, deviceID, raceID string) (*model.Flight, error) {
	return f.flights[cacheKey(deviceID, raceID)], nil
}

func mps(v float64) *float64 { return &v }
func elev(v float64) *float64 { return &v }

func TestResolveOpensNewFlightWhenNoPrevious(t *testing.T) {
	lookup := &fakeLookup{flights: map[string]*model.Flight{}}
	sep := New(lookup, DefaultConfig())

	ts := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	dec, err := sep.Resolve(context.Background(), model.SourceTK905BLive, "pilot-1", "race-1", "dev-1", "UTC",
		model.NormalizedFix{Lat: 1, Lon: 1, Timestamp: ts, Speed: mps(10)})
	require.NoError(t, err)
	require.True(t, dec.IsNew)
	require.Equal(t, "20260730", dec.Suffix)
}

func TestResolveDayBoundaryOpensNewFlight(t *testing.T) {
	lookup := &fakeLookup{}
	sep := New(lookup, DefaultConfig())

	prevState := state{LastTimestamp: time.Date(2026, 7, 30, 23, 50, 0, 0, time.UTC)}
	open := &model.Flight{FlightID: "tk905b_live-p-r-d-20260730", State: prevState.encode()}
	lookup.flights = map[string]*model.Flight{cacheKey("dev-1", "race-1"): open}

	ts := time.Date(2026, 7, 31, 0, 10, 0, 0, time.UTC)
	dec, err := sep.Resolve(context.Background(), model.SourceTK905BLive, "p", "race-1", "dev-1", "UTC",
		model.NormalizedFix{Lat: 1, Lon: 1, Timestamp: ts, Speed: mps(10)})
	require.NoError(t, err)
	require.True(t, dec.IsNew)
	require.Equal(t, "20260731", dec.Suffix)
}

func TestResolveInactivityGapOpensNewFlight(t *testing.T) {
	lookup := &fakeLookup{}
	sep := New(lookup, DefaultConfig())

	prevState := state{LastTimestamp: time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)}
	open := &model.Flight{FlightID: "tk905b_live-p-r-d-100000", State: prevState.encode()}
	lookup.flights = map[string]*model.Flight{cacheKey("dev-1", "race-1"): open}

	ts := time.Date(2026, 7, 30, 14, 0, 1, 0, time.UTC)
	dec, err := sep.Resolve(context.Background(), model.SourceTK905BLive, "p", "race-1", "dev-1", "UTC",
		model.NormalizedFix{Lat: 1, Lon: 1, Timestamp: ts, Speed: mps(10)})
	require.NoError(t, err)
	require.True(t, dec.IsNew)
	require.Equal(t, "1400", dec.Suffix)
}

func TestResolveAttachesToExistingFlight(t *testing.T) {
	lookup := &fakeLookup{}
	sep := New(lookup, DefaultConfig())

	prevState := state{LastTimestamp: time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)}
	open := &model.Flight{FlightID: "tk905b_live-p-r-d-100000", State: prevState.encode()}
	lookup.flights = map[string]*model.Flight{cacheKey("dev-1", "race-1"): open}

	ts := time.Date(2026, 7, 30, 10, 1, 0, 0, time.UTC)
	dec, err := sep.Resolve(context.Background(), model.SourceTK905BLive, "p", "race-1", "dev-1", "UTC",
		model.NormalizedFix{Lat: 1, Lon: 1, Timestamp: ts, Speed: mps(10)})
	require.NoError(t, err)
	require.False(t, dec.IsNew)
	require.Equal(t, open.FlightID, dec.FlightID)
}

func TestResolveOutOfOrderPointDoesNotUpdateLastTimestamp(t *testing.T) {
	lookup := &fakeLookup{}
	sep := New(lookup, DefaultConfig())

	last := time.Date(2026, 7, 30, 10, 10, 0, 0, time.UTC)
	prevState := state{LastTimestamp: last}
	open := &model.Flight{FlightID: "tk905b_live-p-r-d-100000", State: prevState.encode()}
	lookup.flights = map[string]*model.Flight{cacheKey("dev-1", "race-1"): open}

	outOfOrderTS := last.Add(-5 * time.Minute)
	dec, err := sep.Resolve(context.Background(), model.SourceTK905BLive, "p", "race-1", "dev-1", "UTC",
		model.NormalizedFix{Lat: 1, Lon: 1, Timestamp: outOfOrderTS, Speed: mps(10)})
	require.NoError(t, err)
	require.False(t, dec.IsNew)

	st, err := decodeState(dec.State)
	require.NoError(t, err)
	require.True(t, st.LastTimestamp.Equal(last))
}

func TestLandingThenAirborneOpensNewFlight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LandingWindow = 2 * time.Minute
	cfg.CacheTTL = time.Hour

	lookup := &fakeLookup{}
	sep := New(lookup, cfg).WithClock(clockutil.NewMockClock(time.Unix(0, 0)))

	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	open := &model.Flight{FlightID: "tk905b_live-p-r-d-100000", State: state{LastTimestamp: base}.encode()}
	lookup.flights = map[string]*model.Flight{cacheKey("dev-1", "race-1"): open}

	// Feed three slow, low-altitude points spanning >= LandingWindow.
	times := []time.Time{base.Add(10 * time.Second), base.Add(70 * time.Second), base.Add(130 * time.Second)}
	for _, ts := range times {
		dec, err := sep.Resolve(context.Background(), model.SourceTK905BLive, "p", "race-1", "dev-1", "UTC",
			model.NormalizedFix{Lat: 1, Lon: 1, Elevation: elev(100), Timestamp: ts, Speed: mps(0.5)})
		require.NoError(t, err)
		require.False(t, dec.IsNew)
		open.State = dec.State
	}

	st, err := decodeState(open.State)
	require.NoError(t, err)
	require.True(t, st.LandingDetected)

	// Now an airborne point should open a new flight with the L-suffix.
	airborneTS := times[len(times)-1].Add(10 * time.Second)
	dec, err := sep.Resolve(context.Background(), model.SourceTK905BLive, "p", "race-1", "dev-1", "UTC",
		model.NormalizedFix{Lat: 1, Lon: 1, Timestamp: airborneTS, Speed: mps(10)})
	require.NoError(t, err)
	require.True(t, dec.IsNew)
	require.Contains(t, dec.Suffix, "L")
}
