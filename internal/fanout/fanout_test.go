package fanout

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hfsslive/trackcore/internal/clockutil"
	"github.com/hfsslive/trackcore/internal/model"
)

type fakeReader struct {
	positions []model.Position
}

func (f *fakeReader) LatestPositions(ctx context.Context, raceID string, cutoff time.Time) ([]model.Position, error) {
	var out []model.Position
	for _, p := range f.positions {
		if !p.Timestamp.After(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}

func TestTileAtIsStableForNearbyPoints(t *testing.T) {
	x1, y1 := tileAt(45.0, 7.0, 10)
	x2, y2 := tileAt(45.0001, 7.0001, 10)
	require.Equal(t, x1, x2)
	require.Equal(t, y1, y2)
}

func TestFilterForClientIncludesOwnPilotRegardlessOfTile(t *testing.T) {
	c := newClient("c1", "pilot-self")
	c.setTiles([]Tile{{Z: 5, X: 0, Y: 0}})

	positions := []model.Position{
		{PilotID: "pilot-self", Lat: 89, Lon: 179},
		{PilotID: "pilot-other", Lat: 89, Lon: 179},
	}
	filtered := filterForClient(positions, c)
	require.Len(t, filtered, 1)
	require.Equal(t, "pilot-self", filtered[0].PilotID)
}

func TestFilterForClientZeroTilesYieldsNoEntries(t *testing.T) {
	c := newClient("c1", "pilot-self")
	positions := []model.Position{{PilotID: "pilot-other", Lat: 10, Lon: 10}}
	require.Empty(t, filterForClient(positions, c))
}

func TestFilterForClientMatchesSubscribedTile(t *testing.T) {
	c := newClient("c1", "pilot-self")
	x, y := tileAt(45.0, 7.0, 10)
	c.setTiles([]Tile{{Z: 10, X: x, Y: y}})

	positions := []model.Position{{PilotID: "pilot-other", Lat: 45.0, Lon: 7.0}}
	filtered := filterForClient(positions, c)
	require.Len(t, filtered, 1)
}

func TestBuildDeltaFrameRoundTrips(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	positions := []model.Position{{PilotID: "p1", PilotName: "Alice", Lat: 45, Lon: 7, Timestamp: now}}

	raw, err := buildDeltaFrame("race-1", now, positions)
	require.NoError(t, err)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(raw, &envelope))
	require.Equal(t, "delta_update", envelope["type"])
	require.EqualValues(t, 1, envelope["update_count"])

	gzipped, err := base64.StdEncoding.DecodeString(envelope["data"].(string))
	require.NoError(t, err)
	require.NotEmpty(t, gzipped)
}

func TestHubTickSkipsPointsInsideDelayWindow(t *testing.T) {
	clk := clockutil.NewMockClock(time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC))
	reader := &fakeReader{positions: []model.Position{
		{PilotID: "pilot-1", Lat: 45, Lon: 7, Timestamp: clk.Now()},
	}}
	cfg := Config{Delay: 60 * time.Second, UpdateInterval: 10 * time.Second}
	hub := NewHub(RaceMeta{ID: "race-1", Name: "Test Race"}, reader, cfg).WithClock(clk)

	c := hub.Subscribe("client-1", "pilot-1")
	c.setTiles([]Tile{{Z: 5, X: 0, Y: 0}})

	hub.broadcastTick(context.Background())
	select {
	case payload := <-c.send:
		var frame map[string]any
		require.NoError(t, json.Unmarshal(payload, &frame))
		require.Equal(t, "heartbeat", frame["type"])
	default:
		t.Fatal("expected a heartbeat frame when the point is still inside the delay window")
	}
}

func TestHubTickDeliversDeltaAfterDelayElapses(t *testing.T) {
	start := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	clk := clockutil.NewMockClock(start)
	reader := &fakeReader{positions: []model.Position{
		{PilotID: "pilot-1", Lat: 45, Lon: 7, Timestamp: start},
	}}
	cfg := Config{Delay: 60 * time.Second, UpdateInterval: 10 * time.Second}
	hub := NewHub(RaceMeta{ID: "race-1", Name: "Test Race"}, reader, cfg).WithClock(clk)

	c := hub.Subscribe("client-1", "pilot-1")
	c.setTiles([]Tile{{Z: 5, X: 0, Y: 0}})
	clk.Advance(61 * time.Second)

	hub.broadcastTick(context.Background())
	select {
	case payload := <-c.send:
		var frame map[string]any
		require.NoError(t, json.Unmarshal(payload, &frame))
		require.Equal(t, "delta_update", frame["type"])
	default:
		t.Fatal("expected a delta_update once the delay has elapsed")
	}
}

func TestClientEnqueueDropsOldestOnOverflow(t *testing.T) {
	c := newClient("c1", "pilot-1")
	for i := 0; i < defaultSendBuffer+5; i++ {
		c.enqueue([]byte("frame"))
	}
	require.Len(t, c.send, defaultSendBuffer)
}

func TestSetViewportSendsTileDataForEachSubscribedTile(t *testing.T) {
	clk := clockutil.NewMockClock(time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC))
	reader := &fakeReader{}
	hub := NewHub(RaceMeta{ID: "race-1", Name: "Test Race"}, reader, DefaultConfig()).WithClock(clk)

	c := hub.Subscribe("client-1", "pilot-1")
	x, y := tileAt(45.0, 7.0, 10)
	hub.SetViewport(context.Background(), "client-1", []Tile{{Z: 10, X: x, Y: y}, {Z: 10, X: x + 1, Y: y}})

	for i := 0; i < 2; i++ {
		select {
		case payload := <-c.tileData:
			var frame map[string]any
			require.NoError(t, json.Unmarshal(payload, &frame))
			require.Equal(t, "tile_data", frame["type"])
			require.Equal(t, "mvt", frame["format"])
			require.Equal(t, "gzip", frame["compression"])
		default:
			t.Fatal("expected a tile_data frame per subscribed tile")
		}
	}
}

func TestBuildTileFrameEncodesPositionsInTileAsMVT(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	x, y := tileAt(45.0, 7.0, 10)
	tile := Tile{Z: 10, X: x, Y: y}
	positions := []model.Position{{PilotID: "p1", PilotName: "Alice", Lat: 45.0, Lon: 7.0, Timestamp: now}}

	raw, err := buildTileFrame(tile, now, positions)
	require.NoError(t, err)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(raw, &envelope))
	require.Equal(t, "tile_data", envelope["type"])

	gzipped, err := base64.StdEncoding.DecodeString(envelope["data"].(string))
	require.NoError(t, err)
	require.NotEmpty(t, gzipped)
}

func TestPositionsInTileFiltersByTileCoordinate(t *testing.T) {
	x, y := tileAt(45.0, 7.0, 10)
	positions := []model.Position{
		{PilotID: "inside", Lat: 45.0, Lon: 7.0},
		{PilotID: "outside", Lat: -45.0, Lon: -120.0},
	}
	filtered := positionsInTile(positions, Tile{Z: 10, X: x, Y: y})
	require.Len(t, filtered, 1)
	require.Equal(t, "inside", filtered[0].PilotID)
}

func TestRaceConfigFrameCarriesProtocolVersion(t *testing.T) {
	hub := NewHub(RaceMeta{ID: "race-1", Name: "Test Race", Timezone: "UTC"}, &fakeReader{}, DefaultConfig())
	var frame map[string]any
	require.NoError(t, json.Unmarshal(hub.RaceConfigFrame(), &frame))
	require.Equal(t, ProtocolVersion, frame["protocol_version"])
	require.EqualValues(t, 60, frame["delay_seconds"])
}
