// Package gpsfront implements the GPS TCP front-end of spec §4.5: one
// listener, two auto-detected wire protocols (Watch/TK905B and TK103), a
// per-connection state machine, and per-device/per-IP rate limiting, feeding
// resolved fixes through the flight separator into the live_points queue.
//
// The accept-loop/per-connection-task shape and the Config/Stats
// indirection are grounded on the teacher's
// internal/lidar/network/listener.go UDPListener, generalized from one UDP
// socket parsing Pandar40P frames to one TCP listener parsing two ASCII
// tracker protocols over a stream (so framing is buffered and reassembled
// instead of arriving packet-at-a-time).
package gpsfront

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hfsslive/trackcore/internal/flightsep"
	"github.com/hfsslive/trackcore/internal/model"
	"github.com/hfsslive/trackcore/internal/obslog"
	"github.com/hfsslive/trackcore/internal/queue"
)

// Config tunes the listener's capacity and abuse limits, per spec §4.5.
type Config struct {
	Address            string
	MaxConnections     int
	MaxPerIP           int
	MinMessageInterval time.Duration // per-device floor between accepted frames.
	RateWindow         time.Duration // per-device rolling window.
	RateLimit          int           // max frames per RateWindow.
	ReconnectWindow    time.Duration
	ReconnectLimit     int
	BlacklistWindow    time.Duration
	BlacklistConnRate  int // new connections/sec from one IP before blacklisting.
	MaxMalformedFrames int
	IdleCloseAfter     time.Duration // idle -> closing.
}

// DefaultConfig returns the spec-default tuning.
func DefaultConfig() Config {
	return Config{
		Address:            ":5055",
		MaxConnections:     1000,
		MaxPerIP:           50,
		MinMessageInterval: 2 * time.Second,
		RateWindow:         60 * time.Second,
		RateLimit:          20,
		ReconnectWindow:    5 * time.Minute,
		ReconnectLimit:     100,
		BlacklistWindow:    60 * time.Second,
		BlacklistConnRate:  10,
		MaxMalformedFrames: 5,
		IdleCloseAfter:     5 * time.Minute,
	}
}

// connState is the per-connection state machine of spec §4.5.
type connState int

const (
	stateAwaitingLogin connState = iota
	stateActive
	stateIdle
	stateClosing
)

// DeviceDirectory resolves a wire-level device_id to the pilot/race identity
// the flight separator and queue item need. The TCP wire protocols only
// carry a device_id; this indirection is how an operator registers which
// pilot/race a physical tracker is currently assigned to.
type DeviceDirectory interface {
	PilotForDevice(ctx context.Context, deviceID string) (pilotID, pilotName, raceID, raceTZ string, err error)
}

// Enqueuer is the narrow queue capability the front-end needs.
type Enqueuer interface {
	EnqueueBatch(ctx context.Context, name model.QueueName, items []model.QueueItem) (int, error)
}

// FlightRegistrar is the narrow Store capability the front-end needs to
// persist a flight-separation Decision: create the row the first time a
// device/race pair is seen, and keep its separator state current on every
// subsequent point so a restart doesn't lose the rolling landing-detection
// window.
type FlightRegistrar interface {
	CreateFlight(ctx context.Context, f model.Flight) (model.Flight, error)
	SetFlightState(ctx context.Context, flightUUID string, state []byte) error
}

// Stats tracks lifetime listener counters, surfaced to the admin surface.
type Stats struct {
	mu          sync.Mutex
	Connections int64
	FramesOK    int64
	FramesBad   int64
	Enqueued    int64
	Blacklisted int64
}

func (s *Stats) addConnection()      { s.mu.Lock(); s.Connections++; s.mu.Unlock() }
func (s *Stats) addFrameOK()         { s.mu.Lock(); s.FramesOK++; s.mu.Unlock() }
func (s *Stats) addFrameBad()        { s.mu.Lock(); s.FramesBad++; s.mu.Unlock() }
func (s *Stats) addEnqueued(n int64) { s.mu.Lock(); s.Enqueued += n; s.mu.Unlock() }
func (s *Stats) addBlacklist()       { s.mu.Lock(); s.Blacklisted++; s.mu.Unlock() }

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Connections: s.Connections, FramesOK: s.FramesOK, FramesBad: s.FramesBad, Enqueued: s.Enqueued, Blacklisted: s.Blacklisted}
}

// Listener is the GPS TCP front-end.
type Listener struct {
	cfg       Config
	directory DeviceDirectory
	separator *flightsep.Separator
	queue     Enqueuer
	flights   FlightRegistrar
	stats     *Stats

	mu         sync.Mutex
	perIP      map[string]int
	ipWindows  map[string][]time.Time
	blacklist  map[string]time.Time
	reconnects map[string][]time.Time
	deviceGate map[string]*rate.Limiter
	lastFrame  map[string]time.Time

	ln net.Listener
}

// New constructs a Listener. Call Serve to accept connections.
func New(cfg Config, directory DeviceDirectory, separator *flightsep.Separator, q Enqueuer, flights FlightRegistrar) *Listener {
	return &Listener{
		cfg:        cfg,
		directory:  directory,
		separator:  separator,
		queue:      q,
		flights:    flights,
		stats:      &Stats{},
		perIP:      make(map[string]int),
		ipWindows:  make(map[string][]time.Time),
		blacklist:  make(map[string]time.Time),
		reconnects: make(map[string][]time.Time),
		deviceGate: make(map[string]*rate.Limiter),
		lastFrame:  make(map[string]time.Time),
	}
}

// Stats returns the listener's lifetime counters.
func (l *Listener) Stats() Stats { return l.stats.Snapshot() }

// Serve accepts connections until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("gpsfront: listen on %s: %w", l.cfg.Address, err)
	}
	l.ln = ln
	obslog.Logf("gpsfront: listening on %s", l.cfg.Address)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			obslog.Logf("gpsfront: accept error: %v", err)
			continue
		}

		ip := remoteIP(conn)
		if !l.admit(ip) {
			conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer l.release(ip)
			l.handleConn(ctx, conn, ip)
		}()
	}
}

// admit applies the per-IP connection cap, abuse blacklist, and
// reconnect-rate exemption of spec §4.5, returning false if the connection
// should be dropped immediately.
func (l *Listener) admit(ip string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.blacklist[ip]; ok {
		if now.Before(until) {
			return false
		}
		delete(l.blacklist, ip)
	}

	if ip != "" && ip != "127.0.0.1" && ip != "::1" {
		l.ipWindows[ip] = trimWindow(append(l.ipWindows[ip], now), time.Second)
		if len(l.ipWindows[ip]) > l.cfg.BlacklistConnRate {
			l.blacklist[ip] = now.Add(l.cfg.BlacklistWindow)
			l.stats.addBlacklist()
			obslog.Logf("gpsfront: blacklisting %s for %s (connection flood)", ip, l.cfg.BlacklistWindow)
			return false
		}
	}

	// Reconnections are not rate-limited up to ReconnectLimit per
	// ReconnectWindow: cellular trackers reconnect constantly, so an IP
	// within that budget is exempt from the per-IP connection cap below
	// (it is still subject to the flood blacklist above and the global
	// MaxConnections cap).
	l.reconnects[ip] = trimWindow(append(l.reconnects[ip], now), l.cfg.ReconnectWindow)
	withinReconnectBudget := len(l.reconnects[ip]) <= l.cfg.ReconnectLimit

	total := 0
	for _, n := range l.perIP {
		total += n
	}
	if total >= l.cfg.MaxConnections {
		return false
	}
	if l.perIP[ip] >= l.cfg.MaxPerIP && !withinReconnectBudget {
		return false
	}

	l.perIP[ip]++
	l.stats.addConnection()
	return true
}

func (l *Listener) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perIP[ip]--
	if l.perIP[ip] <= 0 {
		delete(l.perIP, ip)
	}
}

func trimWindow(times []time.Time, window time.Duration) []time.Time {
	cutoff := time.Now().Add(-window)
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// connHandler is the per-connection state the state machine and rate policy track.
type connHandler struct {
	listener  *Listener
	net       net.Conn
	ip        string
	state     connState
	deviceID  string
	malformed int
	lastAt    time.Time
}

func (l *Listener) handleConn(ctx context.Context, c net.Conn, ip string) {
	defer c.Close()
	h := &connHandler{listener: l, net: c, ip: ip, state: stateAwaitingLogin, lastAt: time.Now()}

	c.SetReadDeadline(time.Now().Add(l.cfg.IdleCloseAfter))
	reader := bufio.NewReader(c)
	scanner := &frameScanner{}

	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := reader.Read(buf)
		if err != nil {
			return
		}
		for _, frame := range scanner.feed(buf[:n]) {
			if h.state == stateClosing {
				return
			}
			h.handleFrame(ctx, frame)
			if h.state == stateClosing {
				return
			}
		}
		c.SetReadDeadline(time.Now().Add(l.cfg.IdleCloseAfter))
	}
}

// frameScanner reassembles complete `[...]`/`(...)` frames out of a stream
// that may deliver them concatenated or split across reads.
type frameScanner struct {
	buf []byte
}

func (s *frameScanner) feed(data []byte) []string {
	s.buf = append(s.buf, data...)
	var frames []string
	for len(s.buf) > 0 {
		switch s.buf[0] {
		case '[':
			idx := bytes.IndexByte(s.buf, ']')
			if idx < 0 {
				return frames
			}
			frames = append(frames, string(s.buf[:idx+1]))
			s.buf = s.buf[idx+1:]
		case '(':
			idx := bytes.IndexByte(s.buf, ')')
			if idx < 0 {
				return frames
			}
			frames = append(frames, string(s.buf[:idx+1]))
			s.buf = s.buf[idx+1:]
		default:
			frames = append(frames, string(s.buf[:1]))
			s.buf = s.buf[1:]
		}
	}
	return frames
}

func (h *connHandler) handleFrame(ctx context.Context, frame string) {
	fix, deviceID, kind, err := parseFrame(frame)
	if err != nil {
		h.malformed++
		h.listener.stats.addFrameBad()
		if h.malformed >= h.listener.cfg.MaxMalformedFrames {
			h.state = stateClosing
		}
		return
	}
	h.malformed = 0
	h.listener.stats.addFrameOK()

	now := time.Now()
	if h.state == stateAwaitingLogin {
		if kind != frameKindLogin && kind != frameKindLocation {
			return
		}
		h.deviceID = deviceID
		h.state = stateActive
	}
	h.lastAt = now
	h.state = stateActive

	if kind != frameKindLocation || fix == nil {
		return
	}
	if !h.listener.allowDevice(deviceID, now) {
		return
	}
	h.listener.resolveAndEnqueue(ctx, deviceID, *fix)
}

// allowDevice applies the per-device rate policy: a hard floor of
// MinMessageInterval between accepted frames, plus a RateLimit-per-
// RateWindow rolling cap. Tokens over the limit are dropped silently.
func (l *Listener) allowDevice(deviceID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.lastFrame[deviceID]; ok && now.Sub(last) < l.cfg.MinMessageInterval {
		return false
	}
	l.lastFrame[deviceID] = now

	limiter, ok := l.deviceGate[deviceID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(l.cfg.RateLimit)/l.cfg.RateWindow.Seconds()), l.cfg.RateLimit)
		l.deviceGate[deviceID] = limiter
	}
	return limiter.AllowN(now, 1)
}

func (l *Listener) resolveAndEnqueue(ctx context.Context, deviceID string, fix model.NormalizedFix) {
	pilotID, pilotName, raceID, raceTZ, err := l.directory.PilotForDevice(ctx, deviceID)
	if err != nil {
		obslog.Logf("gpsfront: device %s not registered to a pilot: %v", deviceID, err)
		return
	}

	source := model.SourceTK905BLive
	decision, err := l.separator.Resolve(ctx, source, pilotID, raceID, deviceID, raceTZ, fix)
	if err != nil {
		obslog.Logf("gpsfront: flight separation failed for device %s: %v", deviceID, err)
		return
	}

	if decision.IsNew {
		created, err := l.flights.CreateFlight(ctx, model.Flight{
			FlightID:  decision.FlightID,
			RaceID:    raceID,
			PilotID:   pilotID,
			PilotName: pilotName,
			Source:    source,
			DeviceID:  deviceID,
			State:     decision.State,
		})
		if err != nil {
			obslog.Logf("gpsfront: create flight %s failed: %v", decision.FlightID, err)
			return
		}
		decision.FlightUUID = created.UUID
		if err := l.flights.SetFlightState(ctx, decision.FlightUUID, decision.State); err != nil {
			obslog.Logf("gpsfront: persist initial separator state for flight %s failed: %v", decision.FlightID, err)
		}
	} else if err := l.flights.SetFlightState(ctx, decision.FlightUUID, decision.State); err != nil {
		obslog.Logf("gpsfront: persist separator state for flight %s failed: %v", decision.FlightID, err)
	}

	item := model.QueueItem{
		QueueType: model.QueueLivePoints,
		FlightID:  decision.FlightID,
		Points: []model.QueuePoint{{
			Lat:       fix.Lat,
			Lon:       fix.Lon,
			Elevation: fix.Elevation,
			Datetime:  fix.Timestamp,
		}},
		Count:     1,
		Timestamp: time.Now().UTC(),
	}

	n, err := l.queue.EnqueueBatch(ctx, model.QueueLivePoints, []model.QueueItem{item})
	if err != nil {
		if errors.Is(err, queue.ErrQueueUnavailable) {
			obslog.Logf("gpsfront: queue unavailable, dropping fix for device %s", deviceID)
			return
		}
		obslog.Logf("gpsfront: enqueue failed for device %s: %v", deviceID, err)
		return
	}
	l.stats.addEnqueued(int64(n))
}

type frameKind int

const (
	frameKindUnknown frameKind = iota
	frameKindLogin
	frameKindLocation
	frameKindHeartbeat
	frameKindAlarm
)

// parseFrame auto-detects the wire protocol by first byte and decodes a
// location frame, per spec §4.5. Non-location frames (login, heartbeat,
// alarm) return a nil fix with their kind so the caller can still advance
// the connection state machine.
func parseFrame(frame string) (*model.NormalizedFix, string, frameKind, error) {
	if len(frame) < 2 {
		return nil, "", frameKindUnknown, fmt.Errorf("gpsfront: short frame %q", frame)
	}
	switch frame[0] {
	case '[':
		return parseWatchFrame(frame)
	case '(':
		return parseTK103Frame(frame)
	default:
		return nil, "", frameKindUnknown, fmt.Errorf("gpsfront: unrecognized frame leading byte %q", frame[0])
	}
}

// parseWatchFrame decodes `[DEVICE_ID*LENGTH*PAYLOAD]` where PAYLOAD is a
// comma-delimited record: UD2 (location), LK (login/keepalive), HEART
// (heartbeat), AL (alarm).
func parseWatchFrame(frame string) (*model.NormalizedFix, string, frameKind, error) {
	body := strings.TrimSuffix(strings.TrimPrefix(frame, "["), "]")
	parts := strings.SplitN(body, "*", 3)
	if len(parts) != 3 {
		return nil, "", frameKindUnknown, fmt.Errorf("gpsfront: malformed watch frame %q", frame)
	}
	deviceID := parts[0]
	fields := strings.Split(parts[2], ",")
	if len(fields) == 0 {
		return nil, deviceID, frameKindUnknown, fmt.Errorf("gpsfront: empty watch payload")
	}

	switch fields[0] {
	case "LK":
		return nil, deviceID, frameKindLogin, nil
	case "HEART":
		return nil, deviceID, frameKindHeartbeat, nil
	case "AL":
		return nil, deviceID, frameKindAlarm, nil
	case "UD2":
		fix, err := parseLocationFields(fields[1:])
		if err != nil {
			return nil, deviceID, frameKindUnknown, err
		}
		fix.DeviceID = deviceID
		return fix, deviceID, frameKindLocation, nil
	default:
		return nil, deviceID, frameKindUnknown, fmt.Errorf("gpsfront: unknown watch record kind %q", fields[0])
	}
}

// parseTK103Frame decodes `(DEVICE_ID,CMD,FIELDS...)`. BR00 is a location,
// BP04 a heartbeat, BP05 a login.
func parseTK103Frame(frame string) (*model.NormalizedFix, string, frameKind, error) {
	body := strings.TrimSuffix(strings.TrimPrefix(frame, "("), ")")
	fields := strings.Split(body, ",")
	if len(fields) < 2 {
		return nil, "", frameKindUnknown, fmt.Errorf("gpsfront: malformed TK103 frame %q", frame)
	}
	deviceID := fields[0]
	switch fields[1] {
	case "BP05":
		return nil, deviceID, frameKindLogin, nil
	case "BP04":
		return nil, deviceID, frameKindHeartbeat, nil
	case "BR00":
		fix, err := parseLocationFields(fields[2:])
		if err != nil {
			return nil, deviceID, frameKindUnknown, err
		}
		fix.DeviceID = deviceID
		return fix, deviceID, frameKindLocation, nil
	default:
		return nil, deviceID, frameKindUnknown, fmt.Errorf("gpsfront: unknown TK103 command %q", fields[1])
	}
}

// parseLocationFields decodes the shared location record shape both
// protocols use after their device/command prefix:
// YYMMDDHHMMSS, lat, N|S, lon, E|W, speed_kmh, course[, battery].
func parseLocationFields(fields []string) (*model.NormalizedFix, error) {
	if len(fields) < 6 {
		return nil, fmt.Errorf("gpsfront: location record has %d fields, want >= 6", len(fields))
	}
	ts, err := time.ParseInLocation("060102150405", fields[0], time.UTC)
	if err != nil {
		return nil, fmt.Errorf("gpsfront: parse timestamp %q: %w", fields[0], err)
	}
	lat, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return nil, fmt.Errorf("gpsfront: parse latitude %q: %w", fields[1], err)
	}
	if fields[2] == "S" {
		lat = -lat
	}
	lon, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return nil, fmt.Errorf("gpsfront: parse longitude %q: %w", fields[3], err)
	}
	if fields[4] == "W" {
		lon = -lon
	}
	speedKMH, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return nil, fmt.Errorf("gpsfront: parse speed %q: %w", fields[5], err)
	}
	speedMPS := speedKMH / 3.6

	fix := &model.NormalizedFix{Lat: lat, Lon: lon, Timestamp: ts, Speed: &speedMPS}

	if len(fields) >= 7 {
		if course, err := strconv.ParseFloat(fields[6], 64); err == nil {
			fix.Heading = &course
		}
	}
	if len(fields) >= 8 {
		if battery, err := strconv.Atoi(fields[7]); err == nil {
			fix.Battery = &battery
		}
	}
	return fix, nil
}

func remoteIP(c net.Conn) string {
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return host
}
