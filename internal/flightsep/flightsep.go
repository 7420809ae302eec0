// Package flightsep implements the flight separation decision procedure of
// spec §4.4: given a tracker's incoming point and its last-known open
// flight, decide whether the point starts a new flight or attaches to the
// existing one.
//
// The mutex-guarded map keyed by device identity, with per-entry lifecycle
// state and a Config of named thresholds, is grounded on the teacher's
// internal/lidar/tracking.go Tracker/TrackedObject/TrackState shape,
// generalized from Kalman-filtered physical tracks to logical flight
// sessions keyed by (device_id, race_id).
package flightsep

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/hfsslive/trackcore/internal/clockutil"
	"github.com/hfsslive/trackcore/internal/model"
	"github.com/hfsslive/trackcore/internal/raceclock"
	"github.com/hfsslive/trackcore/internal/speedunits"
)

// Config carries the named thresholds spec §9 externalizes instead of
// hardcoding.
type Config struct {
	InactivityGap       time.Duration // §4.4 rule 3; spec default 3h.
	LandingWindow       time.Duration // §4.4 rule 4; spec default 10m.
	LandingSpeedKMH     float64       // horizontal speed ceiling while "on ground"; spec default 5.
	LandingAltVariation float64       // altitude std-dev ceiling in meters; spec default 10.
	CacheTTL            time.Duration // device->open-flight cache lifetime; spec default 1h.
}

// DefaultConfig returns the spec-default thresholds.
func DefaultConfig() Config {
	return Config{
		InactivityGap:       3 * time.Hour,
		LandingWindow:       10 * time.Minute,
		LandingSpeedKMH:     5,
		LandingAltVariation: 10,
		CacheTTL:            time.Hour,
	}
}

// FlightLookup is the narrow Store capability the separator depends on: find
// the currently open flight for a (device, race) pair, if any.
type FlightLookup interface {
	GetOpenFlight(ctx context.Context, deviceID, raceID string) (*model.Flight, error)
}

// windowPoint is one sample in the landing-detection rolling window.
type windowPoint struct {
	Timestamp time.Time `json:"t"`
	SpeedMPS  float64   `json:"s"`
	Altitude  float64   `json:"a"`
}

// state is the opaque blob persisted in Flight.State, round-tripped through
// JSON so the Store never needs to understand its shape.
type state struct {
	LastTimestamp   time.Time     `json:"last_ts"`
	Window          []windowPoint `json:"window,omitempty"`
	LandingDetected bool          `json:"landing_detected,omitempty"`
	LandingInstant  time.Time     `json:"landing_instant,omitempty"`
}

func decodeState(raw []byte) (state, error) {
	var s state
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("flightsep: decode state: %w", err)
	}
	return s, nil
}

func (s state) encode() []byte {
	b, _ := json.Marshal(s)
	return b
}

// Decision is the outcome of resolving one incoming point.
type Decision struct {
	FlightID   string // existing or newly-built composite identifier.
	FlightUUID string // the existing flight's stable UUID; empty when IsNew.
	IsNew      bool
	Suffix     string // empty unless IsNew.
	State      []byte // the updated state blob to persist against this flight.
}

type cacheEntry struct {
	flight   model.Flight
	cachedAt time.Time
}

func cacheKey(deviceID, raceID string) string { return deviceID + "|" + raceID }

// Separator resolves incoming tracker points to a flight identifier,
// applying the decision procedure and maintaining the device cache.
type Separator struct {
	lookup FlightLookup
	cfg    Config
	clock  clockutil.Clock

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New returns a Separator backed by lookup.
func New(lookup FlightLookup, cfg Config) *Separator {
	return &Separator{
		lookup: lookup,
		cfg:    cfg,
		clock:  clockutil.RealClock{},
		cache:  make(map[string]cacheEntry),
	}
}

// WithClock overrides the separator's clock, for deterministic tests.
func (s *Separator) WithClock(c clockutil.Clock) *Separator {
	s.clock = c
	return s
}

// Invalidate drops the cached open-flight summary for (deviceID, raceID).
// openNew calls it whenever a separation decision creates a new flight; no
// other code in this module calls it, so a last_fix change made elsewhere is
// not seen until the cache entry's CacheTTL expires.
func (s *Separator) Invalidate(deviceID, raceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, cacheKey(deviceID, raceID))
}

func (s *Separator) openFlight(ctx context.Context, deviceID, raceID string) (*model.Flight, error) {
	key := cacheKey(deviceID, raceID)

	s.mu.Lock()
	entry, ok := s.cache[key]
	s.mu.Unlock()
	if ok && s.clock.Since(entry.cachedAt) < s.cfg.CacheTTL {
		f := entry.flight
		return &f, nil
	}

	f, err := s.lookup.GetOpenFlight(ctx, deviceID, raceID)
	if err != nil {
		return nil, fmt.Errorf("flightsep: lookup open flight: %w", err)
	}
	if f != nil {
		s.mu.Lock()
		s.cache[key] = cacheEntry{flight: *f, cachedAt: s.clock.Now()}
		s.mu.Unlock()
	}
	return f, nil
}

func (s *Separator) remember(deviceID, raceID string, f model.Flight) {
	s.mu.Lock()
	s.cache[cacheKey(deviceID, raceID)] = cacheEntry{flight: f, cachedAt: s.clock.Now()}
	s.mu.Unlock()
}

// Resolve applies the §4.4 decision procedure to one incoming point from a
// tracker source and returns the flight it belongs to. raceTZ is the race's
// IANA timezone, or empty to fall back to UTC (the caller is responsible for
// logging the open_question this implies, per spec §4.4/§9).
func (s *Separator) Resolve(ctx context.Context, source model.Source, pilotID, raceID, deviceID string, raceTZ string, fix model.NormalizedFix) (Decision, error) {
	open, err := s.openFlight(ctx, deviceID, raceID)
	if err != nil {
		return Decision{}, err
	}

	// Rule 1: no previous flight.
	if open == nil {
		suffix, err := formatDate(fix.Timestamp, raceTZ)
		if err != nil {
			return Decision{}, err
		}
		return s.openNew(source, pilotID, raceID, deviceID, suffix, fix)
	}

	st, err := decodeState(open.State)
	if err != nil {
		return Decision{}, err
	}

	outOfOrder := !st.LastTimestamp.IsZero() && fix.Timestamp.Before(st.LastTimestamp)

	if !outOfOrder && !st.LastTimestamp.IsZero() {
		// Rule 2: day boundary crossed.
		crossed, err := raceclock.CrossesDayBoundary(fix.Timestamp, st.LastTimestamp, raceTZ)
		if err != nil {
			return Decision{}, err
		}
		if crossed {
			suffix, err := formatDate(fix.Timestamp, raceTZ)
			if err != nil {
				return Decision{}, err
			}
			return s.openNew(source, pilotID, raceID, deviceID, suffix, fix)
		}

		// Rule 3: inactivity gap.
		if fix.Timestamp.Sub(st.LastTimestamp) >= s.cfg.InactivityGap {
			suffix, err := formatTime(fix.Timestamp, raceTZ)
			if err != nil {
				return Decision{}, err
			}
			return s.openNew(source, pilotID, raceID, deviceID, suffix, fix)
		}
	}

	// Rule 4: landing previously detected, and the current point is airborne
	// again. Out-of-order points do not participate in landing detection,
	// same as rules 2/3, per spec §4.4's edge-case rule.
	speedMPS := 0.0
	if fix.Speed != nil {
		speedMPS = *fix.Speed
	}
	airborne := speedMPS >= speedunits.KMPHToMPS(s.cfg.LandingSpeedKMH)

	if !outOfOrder && st.LandingDetected && airborne {
		suffix, err := formatLanding(st.LandingInstant, raceTZ)
		if err != nil {
			return Decision{}, err
		}
		return s.openNew(source, pilotID, raceID, deviceID, suffix, fix)
	}

	// Rule 5: attach to the existing flight. Out-of-order points are
	// inserted but do not update the rolling window or last-known
	// timestamp, per spec §4.4's edge-case rule.
	newState := st
	if !outOfOrder {
		newState = s.advanceState(st, fix, speedMPS)
		newState.LastTimestamp = fix.Timestamp
	}

	decision := Decision{FlightID: open.FlightID, FlightUUID: open.UUID, IsNew: false, State: newState.encode()}
	updated := *open
	updated.State = decision.State
	s.remember(deviceID, raceID, updated)
	return decision, nil
}

// advanceState appends fix to the rolling window, trims samples outside
// LandingWindow, and updates the landing-detected flag per spec §4.4 rule 4:
// once LandingWindow worth of samples are all below the speed and altitude
// variation thresholds, the window "closes" and landing is marked, carrying
// the instant forward until an airborne point ends the flight.
func (s *Separator) advanceState(st state, fix model.NormalizedFix, speedMPS float64) state {
	if st.LandingDetected {
		// Already marked; nothing more to track until rule 4 fires on an
		// airborne point and the caller opens a new flight (which starts a
		// fresh state).
		return st
	}

	altitude := 0.0
	if fix.Elevation != nil {
		altitude = *fix.Elevation
	}
	st.Window = append(st.Window, windowPoint{Timestamp: fix.Timestamp, SpeedMPS: speedMPS, Altitude: altitude})

	cutoff := fix.Timestamp.Add(-s.cfg.LandingWindow)
	trimmed := st.Window[:0]
	for _, p := range st.Window {
		if !p.Timestamp.Before(cutoff) {
			trimmed = append(trimmed, p)
		}
	}
	st.Window = trimmed

	if len(st.Window) == 0 {
		return st
	}
	span := st.Window[len(st.Window)-1].Timestamp.Sub(st.Window[0].Timestamp)
	if span < s.cfg.LandingWindow {
		return st
	}

	speedThreshold := speedunits.KMPHToMPS(s.cfg.LandingSpeedKMH)
	alts := make([]float64, len(st.Window))
	for i, p := range st.Window {
		if p.SpeedMPS >= speedThreshold {
			return st
		}
		alts[i] = p.Altitude
	}
	altStdDev := math.Sqrt(stat.Variance(alts, nil))
	if altStdDev >= s.cfg.LandingAltVariation {
		return st
	}

	st.LandingDetected = true
	st.LandingInstant = fix.Timestamp
	return st
}

func (s *Separator) openNew(source model.Source, pilotID, raceID, deviceID, suffix string, fix model.NormalizedFix) (Decision, error) {
	flightID := model.BuildFlightID(source, pilotID, raceID, deviceID, suffix)
	fresh := state{LastTimestamp: fix.Timestamp}
	if fix.Speed != nil {
		fresh = s.advanceState(fresh, fix, *fix.Speed)
	} else {
		fresh = s.advanceState(fresh, fix, 0)
	}
	fresh.LastTimestamp = fix.Timestamp

	decision := Decision{FlightID: flightID, IsNew: true, Suffix: suffix, State: fresh.encode()}
	s.Invalidate(deviceID, raceID)
	return decision, nil
}

func formatDate(t time.Time, tz string) (string, error) {
	local, err := raceclock.ToLocal(t, tz)
	if err != nil {
		return "", err
	}
	return local.Format("20060102"), nil
}

func formatTime(t time.Time, tz string) (string, error) {
	local, err := raceclock.ToLocal(t, tz)
	if err != nil {
		return "", err
	}
	return local.Format("1504"), nil
}

func formatLanding(t time.Time, tz string) (string, error) {
	local, err := raceclock.ToLocal(t, tz)
	if err != nil {
		return "", err
	}
	return "L" + local.Format("1504"), nil
}
