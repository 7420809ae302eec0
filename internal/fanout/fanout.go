// Package fanout implements the per-race live fan-out hub of spec §4.6: it
// ticks on a fixed interval, reads delayed positions from the read-optimized
// Store, and pushes them to viewport-scoped WebSocket subscribers.
//
// The subscriber registry (Subscribe/Unsubscribe, a map guarded by its own
// mutex, a periodic broadcast loop) is grounded on the teacher's
// internal/serialmux/serialmux.go SerialMux, generalized from "one serial
// port, N debug subscribers broadcasting every line" to "one race, N
// viewport-scoped WebSocket subscribers receiving only the pilots inside
// their subscribed tiles".
package fanout

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/klauspost/compress/gzip"

	"github.com/hfsslive/trackcore/internal/clockutil"
	"github.com/hfsslive/trackcore/internal/model"
	"github.com/hfsslive/trackcore/internal/obslog"
)

// ProtocolVersion is the fan-out wire protocol version sent in race_config.
const ProtocolVersion = "2.0"

const (
	defaultSendBuffer    = 32
	viewerCountInterval  = 30 * time.Second
	interpolationRateSec = 1
)

// Config tunes a Hub's timing, per spec §4.6's handshake fields.
type Config struct {
	Delay          time.Duration // broadcast delay; spec default 60s.
	UpdateInterval time.Duration // tick period; spec default 10s.
}

// DefaultConfig returns the spec-default fan-out timing.
func DefaultConfig() Config {
	return Config{Delay: 60 * time.Second, UpdateInterval: 10 * time.Second}
}

// Tile is a Web-Mercator (z,x,y) tile coordinate, the unit of viewport
// subscription.
type Tile struct {
	Z, X, Y int
}

// webMercatorXY projects lat/lon to Web-Mercator meters, precomputed
// server-side so clients don't have to, per spec §4.6.
func webMercatorXY(lat, lon float64) (x, y float64) {
	const earthRadius = 6378137.0
	x = earthRadius * lon * math.Pi / 180
	y = earthRadius * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return x, y
}

// tileAt returns the Web-Mercator tile coordinate containing lat/lon at
// zoom z, using the standard slippy-map tiling scheme.
func tileAt(lat, lon float64, z int) (x, y int) {
	n := math.Pow(2, float64(z))
	x = int(math.Floor((lon + 180) / 360 * n))
	latRad := lat * math.Pi / 180
	y = int(math.Floor((1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n))
	return x, y
}

// PositionReader is the narrow Store capability a Hub needs: the delayed
// positions for one race as of a tick boundary.
type PositionReader interface {
	LatestPositions(ctx context.Context, raceID string, cutoff time.Time) ([]model.Position, error)
}

// RaceMeta is the handshake metadata sent once per connection in
// race_config.
type RaceMeta struct {
	ID       string
	Name     string
	Timezone string
}

// client is one subscribed WebSocket connection.
type client struct {
	id      string
	pilotID string

	send chan []byte
	// tileData carries tile_data frames. Unlike send, it is never drained on
	// overflow: tile_data is demand-driven (one frame per tile the client just
	// subscribed to), so every frame is delivered, per spec §4.6.
	tileData chan []byte

	mu    sync.Mutex
	tiles map[Tile]struct{}
}

const tileDataBuffer = 64

func newClient(id, pilotID string) *client {
	return &client{
		id: id, pilotID: pilotID,
		send:     make(chan []byte, defaultSendBuffer),
		tileData: make(chan []byte, tileDataBuffer),
		tiles:    make(map[Tile]struct{}),
	}
}

func (c *client) setTiles(tiles []Tile) {
	set := make(map[Tile]struct{}, len(tiles))
	for _, t := range tiles {
		set[t] = struct{}{}
	}
	c.mu.Lock()
	c.tiles = set
	c.mu.Unlock()
}

func (c *client) tileSet() map[Tile]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tiles
}

// enqueue delivers payload to the client's bounded buffer, dropping the
// oldest unsent frame on overflow rather than blocking the broadcaster, per
// spec §4.6's delivery rule.
func (c *client) enqueue(payload []byte) {
	for {
		select {
		case c.send <- payload:
			return
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}

// enqueueTile delivers a tile_data payload without dropping it, blocking
// until the writer loop drains it or ctx is cancelled.
func (c *client) enqueueTile(ctx context.Context, payload []byte) {
	select {
	case c.tileData <- payload:
	case <-ctx.Done():
	}
}

// Hub fans out one race's delayed positions to its subscribed clients.
type Hub struct {
	raceID string
	meta   RaceMeta
	cfg    Config
	reader PositionReader
	clock  clockutil.Clock

	mu      sync.Mutex
	clients map[string]*client
}

// NewHub constructs a Hub for one race.
func NewHub(meta RaceMeta, reader PositionReader, cfg Config) *Hub {
	return &Hub{
		raceID:  meta.ID,
		meta:    meta,
		cfg:     cfg,
		reader:  reader,
		clock:   clockutil.RealClock{},
		clients: make(map[string]*client),
	}
}

// WithClock overrides the hub's clock, for deterministic tests.
func (h *Hub) WithClock(c clockutil.Clock) *Hub {
	h.clock = c
	return h
}

// RaceConfigFrame builds the handshake frame sent once at connection start.
func (h *Hub) RaceConfigFrame() []byte {
	b, _ := json.Marshal(map[string]any{
		"type":               "race_config",
		"race_id":            h.meta.ID,
		"name":               h.meta.Name,
		"timezone":           h.meta.Timezone,
		"delay_seconds":      int(h.cfg.Delay.Seconds()),
		"update_interval":    int(h.cfg.UpdateInterval.Seconds()),
		"interpolation_rate": interpolationRateSec,
		"protocol_version":   ProtocolVersion,
		"feature_flags":      []string{},
	})
	return b
}

// Subscribe registers a new client, keyed by clientID, for pilotID's own
// connection. Returns the client for the caller to drive its send loop.
func (h *Hub) Subscribe(clientID, pilotID string) *client {
	c := newClient(clientID, pilotID)
	h.mu.Lock()
	h.clients[clientID] = c
	h.mu.Unlock()
	return c
}

// Unsubscribe removes a client from the hub.
func (h *Hub) Unsubscribe(clientID string) {
	h.mu.Lock()
	delete(h.clients, clientID)
	h.mu.Unlock()
}

// ClientCount reports the number of currently subscribed clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// SetViewport atomically replaces clientID's subscribed tile set, sends a
// tile_data frame for each newly subscribed tile, and, if the client is
// still registered, sends a catch-up delta built from the current
// positions, per spec §4.6's subscription-change rule.
func (h *Hub) SetViewport(ctx context.Context, clientID string, tiles []Tile) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	h.mu.Unlock()
	if !ok {
		return
	}
	c.setTiles(tiles)

	positions, err := h.reader.LatestPositions(ctx, h.raceID, h.clock.Now().Add(-h.cfg.Delay))
	if err != nil {
		obslog.Logf("fanout: race %s catch-up read failed: %v", h.raceID, err)
		return
	}

	now := h.clock.Now()
	for _, t := range tiles {
		payload, err := buildTileFrame(t, now, positionsInTile(positions, t))
		if err != nil {
			obslog.Logf("fanout: race %s build tile_data for %v: %v", h.raceID, t, err)
			continue
		}
		c.enqueueTile(ctx, payload)
	}

	filtered := filterForClient(positions, c)
	if len(filtered) == 0 {
		return
	}
	payload, err := buildDeltaFrame(h.raceID, h.clock.Now(), filtered)
	if err != nil {
		obslog.Logf("fanout: race %s build catch-up delta: %v", h.raceID, err)
		return
	}
	c.enqueue(payload)
}

// Run ticks the hub every UpdateInterval until ctx is cancelled. Ticks are
// skipped, never coalesced, if the previous tick's broadcast has not
// finished, per spec §4.6's timing contract.
func (h *Hub) Run(ctx context.Context) error {
	ticker := h.clock.NewTicker(h.cfg.UpdateInterval)
	defer ticker.Stop()
	viewerTicker := h.clock.NewTicker(viewerCountInterval)
	defer viewerTicker.Stop()

	busy := make(chan struct{}, 1)
	busy <- struct{}{}

	for {
		select {
		case <-ticker.C():
			select {
			case <-busy:
				go func() {
					defer func() { busy <- struct{}{} }()
					h.broadcastTick(ctx)
				}()
			default:
				obslog.Logf("fanout: race %s skipped tick, previous broadcast still running", h.raceID)
			}
		case <-viewerTicker.C():
			h.broadcastViewerCount()
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *Hub) broadcastTick(ctx context.Context) {
	now := h.clock.Now()
	cutoff := now.Add(-h.cfg.Delay)
	positions, err := h.reader.LatestPositions(ctx, h.raceID, cutoff)
	if err != nil {
		obslog.Logf("fanout: race %s tick read failed: %v", h.raceID, err)
		return
	}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	heartbeat, _ := json.Marshal(map[string]any{"type": "heartbeat", "timestamp": now})

	for _, c := range clients {
		filtered := filterForClient(positions, c)
		if len(filtered) == 0 {
			c.enqueue(heartbeat)
			continue
		}
		payload, err := buildDeltaFrame(h.raceID, now, filtered)
		if err != nil {
			obslog.Logf("fanout: race %s build delta for client %s: %v", h.raceID, c.id, err)
			continue
		}
		c.enqueue(payload)
	}
}

func (h *Hub) broadcastViewerCount() {
	now := h.clock.Now()
	payload, _ := json.Marshal(map[string]any{"type": "viewer_count", "count": h.ClientCount(), "timestamp": now})

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.enqueue(payload)
	}
}

// filterForClient returns the positions visible to c: pilots whose last
// position falls inside one of c's subscribed tiles, at any zoom level c
// has subscribed to, plus c's own pilot wherever it is. A client with no
// subscribed tiles gets no positions at all, its own pilot included.
func filterForClient(positions []model.Position, c *client) []model.Position {
	tiles := c.tileSet()
	if len(tiles) == 0 {
		return nil
	}

	zooms := make(map[int]struct{})
	for t := range tiles {
		zooms[t.Z] = struct{}{}
	}

	var out []model.Position
	for _, p := range positions {
		if p.PilotID == c.pilotID {
			out = append(out, p)
			continue
		}
		for z := range zooms {
			x, y := tileAt(p.Lat, p.Lon, z)
			if _, ok := tiles[Tile{Z: z, X: x, Y: y}]; ok {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// deltaUpdate is one pilot's entry inside a delta_update's decoded payload.
type deltaUpdate struct {
	PilotID   string    `json:"pilot_id"`
	PilotName string    `json:"pilot_name"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Elevation *float64  `json:"elevation,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	XMercator float64   `json:"x_mercator"`
	YMercator float64   `json:"y_mercator"`
}

// buildDeltaFrame builds the gzip+base64-encoded delta_update frame of spec
// §4.6: the outer envelope carries the compression metadata, the inner
// payload is the decoded {type, timestamp, updates} JSON.
func buildDeltaFrame(raceID string, tick time.Time, positions []model.Position) ([]byte, error) {
	updates := make([]deltaUpdate, len(positions))
	for i, p := range positions {
		x, y := webMercatorXY(p.Lat, p.Lon)
		updates[i] = deltaUpdate{
			PilotID:   p.PilotID,
			PilotName: p.PilotName,
			Lat:       p.Lat,
			Lon:       p.Lon,
			Elevation: p.Elevation,
			Timestamp: p.Timestamp,
			XMercator: x,
			YMercator: y,
		}
	}

	inner, err := json.Marshal(map[string]any{"type": "delta", "timestamp": tick, "updates": updates})
	if err != nil {
		return nil, fmt.Errorf("fanout: marshal delta payload: %w", err)
	}

	encoded, err := gzipBase64(inner)
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{
		"type":         "delta_update",
		"race_id":      raceID,
		"data":         encoded,
		"timestamp":    tick,
		"compression":  "gzip",
		"update_count": len(updates),
	})
}

// buildTileFrame builds the gzip+base64-encoded tile_data frame of spec
// §4.6: the payload is a Mapbox Vector Tile containing one Point feature per
// position in positions, projected into tile t.
func buildTileFrame(t Tile, timestamp time.Time, positions []model.Position) ([]byte, error) {
	raw := encodeMVTTile(t, positions)

	encoded, err := gzipBase64(raw)
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{
		"type":        "tile_data",
		"tile":        [3]int{t.Z, t.X, t.Y},
		"format":      "mvt",
		"compression": "gzip",
		"data":        encoded,
		"timestamp":   timestamp,
	})
}

func gzipBase64(raw []byte) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("fanout: gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("fanout: gzip close: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Registry owns one Hub per active race and serves the WebSocket surface of
// spec §6 (`…/ws/live/{race_id}`).
type Registry struct {
	reader PositionReader
	cfg    Config

	mu   sync.Mutex
	hubs map[string]*Hub
}

// RaceMetaLookup resolves a race's display metadata for the handshake.
type RaceMetaLookup interface {
	GetRace(ctx context.Context, raceID string) (model.Race, error)
}

// NewRegistry constructs an empty Registry.
func NewRegistry(reader PositionReader, cfg Config) *Registry {
	return &Registry{reader: reader, cfg: cfg, hubs: make(map[string]*Hub)}
}

// HubFor returns the Hub for raceID, creating and starting one (via start)
// on first use.
func (r *Registry) HubFor(raceID string, meta RaceMeta, start func(*Hub)) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hubs[raceID]; ok {
		return h
	}
	h := NewHub(meta, r.reader, r.cfg)
	r.hubs[raceID] = h
	if start != nil {
		start(h)
	}
	return h
}

// clientMessage is the envelope every client→server frame shares.
type clientMessage struct {
	Type  string    `json:"type"`
	Tiles [][3]int  `json:"tiles,omitempty"`
	Zoom  int       `json:"zoom,omitempty"`
	BBox  []float64 `json:"bbox,omitempty"`
}

// ServeWS upgrades the connection, runs the handshake, and pumps messages
// until the client disconnects or ctx is cancelled. pilotID must already be
// verified by the caller against the §6 bearer token's claims (runtime's
// handleWS does this via internal/authtoken before calling ServeWS); this
// function itself only speaks the §4.6 message catalogue.
func ServeWS(w http.ResponseWriter, r *http.Request, hub *Hub, clientID, pilotID string) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return fmt.Errorf("fanout: accept: %w", err)
	}
	defer conn.CloseNow()

	ctx := r.Context()
	c := hub.Subscribe(clientID, pilotID)
	defer hub.Unsubscribe(clientID)

	if err := conn.Write(ctx, websocket.MessageText, hub.RaceConfigFrame()); err != nil {
		return fmt.Errorf("fanout: write race_config: %w", err)
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case payload := <-c.send:
				if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
					return
				}
			case payload := <-c.tileData:
				if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		handleClientMessage(ctx, hub, c, data)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	<-writerDone
	return nil
}

func handleClientMessage(ctx context.Context, hub *Hub, c *client, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Type {
	case "viewport_update":
		tiles := make([]Tile, len(msg.Tiles))
		for i, t := range msg.Tiles {
			tiles[i] = Tile{Z: t[0], X: t[1], Y: t[2]}
		}
		hub.SetViewport(ctx, c.id, tiles)
	case "ping":
		payload, _ := json.Marshal(map[string]any{"type": "pong", "timestamp": hub.clock.Now()})
		c.enqueue(payload)
	case "get_stats":
		payload, _ := json.Marshal(map[string]any{"type": "stats", "viewer_count": hub.ClientCount()})
		c.enqueue(payload)
	case "request_initial_data":
		// Priming is served by the next regular tick or viewport catch-up;
		// no separate code path needed.
	}
}
