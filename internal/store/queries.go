package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hfsslive/trackcore/internal/model"
)

// FlightExists implements validator.FlightExistence.
func (s *Store) FlightExists(ctx context.Context, flightID string) (bool, error) {
	var exists bool
	err := s.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM flights WHERE flight_id = ?)`, flightID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: check flight existence: %w", err)
	}
	return exists, nil
}

// fixJSON marshals a Fix for the first_fix/last_fix columns.
func fixJSON(f model.Fix) ([]byte, error) {
	return json.Marshal(struct {
		Lat       float64  `json:"lat"`
		Lon       float64  `json:"lon"`
		Elevation *float64 `json:"elevation,omitempty"`
		Timestamp string   `json:"timestamp"`
	}{f.Lat, f.Lon, f.Elevation, f.Timestamp.UTC().Format(time.RFC3339Nano)})
}

func parseFix(raw sql.NullString) (*model.Fix, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var wire struct {
		Lat       float64  `json:"lat"`
		Lon       float64  `json:"lon"`
		Elevation *float64 `json:"elevation"`
		Timestamp string   `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(raw.String), &wire); err != nil {
		return nil, fmt.Errorf("store: parse fix: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, wire.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("store: parse fix timestamp: %w", err)
	}
	return &model.Fix{Lat: wire.Lat, Lon: wire.Lon, Elevation: wire.Elevation, Timestamp: ts}, nil
}

// CreateFlight inserts a new flight row with a fresh UUID, then re-fetches
// and returns the row stored under f.FlightID. Uses INSERT ... ON CONFLICT
// DO NOTHING on (flight_id, source), so a racing duplicate creation attempt
// is a no-op rather than an error and returns the existing row.
func (s *Store) CreateFlight(ctx context.Context, f model.Flight) (model.Flight, error) {
	f.UUID = uuid.NewString()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO flights (flight_id, uuid, race_id, pilot_id, pilot_name, source, device_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(flight_id, source) DO NOTHING
	`, f.FlightID, f.UUID, f.RaceID, f.PilotID, f.PilotName, string(f.Source), f.DeviceID, f.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return model.Flight{}, fmt.Errorf("store: create flight %s: %w", f.FlightID, err)
	}
	return s.GetFlightByFlightID(ctx, f.FlightID)
}

// GetFlightByFlightID fetches a flight by its composite flight_id.
func (s *Store) GetFlightByFlightID(ctx context.Context, flightID string) (model.Flight, error) {
	row := s.QueryRowContext(ctx, `
		SELECT id, flight_id, uuid, race_id, pilot_id, pilot_name, source, device_id,
		       first_fix, last_fix, total_points, flight_state, created_at
		FROM flights WHERE flight_id = ?
	`, flightID)
	return scanFlight(row)
}

// GetFlightByUUID fetches a flight by its stable UUID reference.
func (s *Store) GetFlightByUUID(ctx context.Context, id string) (model.Flight, error) {
	row := s.QueryRowContext(ctx, `
		SELECT id, flight_id, uuid, race_id, pilot_id, pilot_name, source, device_id,
		       first_fix, last_fix, total_points, flight_state, created_at
		FROM flights WHERE uuid = ?
	`, id)
	return scanFlight(row)
}

func scanFlight(row *sql.Row) (model.Flight, error) {
	var f model.Flight
	var source, createdAt string
	var firstFix, lastFix sql.NullString
	var state []byte
	err := row.Scan(&f.ID, &f.FlightID, &f.UUID, &f.RaceID, &f.PilotID, &f.PilotName,
		&source, &f.DeviceID, &firstFix, &lastFix, &f.TotalPoints, &state, &createdAt)
	if err != nil {
		return model.Flight{}, fmt.Errorf("store: scan flight: %w", err)
	}
	f.Source = model.Source(source)
	f.State = state
	if f.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		f.CreatedAt = time.Time{}
	}
	if f.FirstFix, err = parseFix(firstFix); err != nil {
		return model.Flight{}, err
	}
	if f.LastFix, err = parseFix(lastFix); err != nil {
		return model.Flight{}, err
	}
	return f, nil
}

// SetFlightState persists the flight separator's opaque rolling-window
// state blob for a flight, keyed by its stable UUID.
func (s *Store) SetFlightState(ctx context.Context, flightUUID string, state []byte) error {
	_, err := s.ExecContext(ctx, `UPDATE flights SET flight_state = ? WHERE uuid = ?`, state, flightUUID)
	if err != nil {
		return fmt.Errorf("store: set flight_state for %s: %w", flightUUID, err)
	}
	return nil
}

// pointsTable picks the live or uploaded points table for a source.
func pointsTable(src model.Source) string {
	if src == model.SourceUpload {
		return "uploaded_track_points"
	}
	return "live_track_points"
}

// InsertPoints bulk-inserts points for one flight, ignoring rows that
// violate the (flight_id, datetime, lat, lon) uniqueness constraint —
// the store's native idempotency guarantee described in spec §4.3.
// Returns the number of rows actually inserted (duplicates excluded).
func (s *Store) InsertPoints(ctx context.Context, flightID, flightUUID string, source model.Source, points []model.QueuePoint) (int64, error) {
	if len(points) == 0 {
		return 0, nil
	}
	table := pointsTable(source)
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin insert tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (flight_id, flight_uuid, lat, lon, elevation, datetime)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(flight_id, datetime, lat, lon) DO NOTHING`, table))
	if err != nil {
		return 0, fmt.Errorf("store: prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, p := range points {
		res, err := stmt.ExecContext(ctx, flightID, flightUUID, p.Lat, p.Lon, p.Elevation, p.Datetime.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return inserted, fmt.Errorf("store: insert point: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return inserted, fmt.Errorf("store: commit insert tx: %w", err)
	}
	return inserted, nil
}

// PilotSummary is one row of GET /tracking/live/summary's pilots array.
type PilotSummary struct {
	PilotID      string
	PilotName    string
	FlightCount  int
	LastActivity time.Time
}

// Summary answers GET /tracking/live/summary for a race: overall counts plus
// up to 100 pilots ordered by most recent activity.
func (s *Store) Summary(ctx context.Context, raceID string) (totalFlights, totalPilots int, earliest, latest time.Time, pilots []PilotSummary, err error) {
	err = s.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT pilot_id) FROM flights WHERE race_id = ?`, raceID).
		Scan(&totalFlights, &totalPilots)
	if err != nil {
		return 0, 0, time.Time{}, time.Time{}, nil, fmt.Errorf("store: summary counts: %w", err)
	}

	var earliestStr, latestStr sql.NullString
	err = s.QueryRowContext(ctx, `
		SELECT MIN(json_extract(first_fix, '$.timestamp')), MAX(json_extract(last_fix, '$.timestamp'))
		FROM flights WHERE race_id = ?`, raceID).Scan(&earliestStr, &latestStr)
	if err != nil {
		return 0, 0, time.Time{}, time.Time{}, nil, fmt.Errorf("store: summary time range: %w", err)
	}
	if earliestStr.Valid {
		earliest, _ = time.Parse(time.RFC3339Nano, earliestStr.String)
	}
	if latestStr.Valid {
		latest, _ = time.Parse(time.RFC3339Nano, latestStr.String)
	}

	rows, err := s.QueryContext(ctx, `
		SELECT pilot_id, pilot_name, COUNT(*), MAX(json_extract(last_fix, '$.timestamp'))
		FROM flights WHERE race_id = ?
		GROUP BY pilot_id, pilot_name
		ORDER BY MAX(json_extract(last_fix, '$.timestamp')) DESC
		LIMIT 100`, raceID)
	if err != nil {
		return 0, 0, time.Time{}, time.Time{}, nil, fmt.Errorf("store: summary pilots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p PilotSummary
		var lastActivity sql.NullString
		if err := rows.Scan(&p.PilotID, &p.PilotName, &p.FlightCount, &lastActivity); err != nil {
			return 0, 0, time.Time{}, time.Time{}, nil, fmt.Errorf("store: scan pilot summary: %w", err)
		}
		if lastActivity.Valid {
			p.LastActivity, _ = time.Parse(time.RFC3339Nano, lastActivity.String)
		}
		pilots = append(pilots, p)
	}
	return totalFlights, totalPilots, earliest, latest, pilots, nil
}

// RecentFlightsForPilot returns up to limit most-recent flights for a pilot.
func (s *Store) RecentFlightsForPilot(ctx context.Context, pilotID string, limit int) ([]model.Flight, error) {
	if limit <= 0 || limit > 20 {
		limit = 20
	}
	rows, err := s.QueryContext(ctx, `
		SELECT id, flight_id, uuid, race_id, pilot_id, pilot_name, source, device_id,
		       first_fix, last_fix, total_points, flight_state, created_at
		FROM flights WHERE pilot_id = ? ORDER BY created_at DESC LIMIT ?`, pilotID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent flights for pilot %s: %w", pilotID, err)
	}
	defer rows.Close()

	var out []model.Flight
	for rows.Next() {
		var f model.Flight
		var source, createdAt string
		var firstFix, lastFix sql.NullString
		var state []byte
		if err := rows.Scan(&f.ID, &f.FlightID, &f.UUID, &f.RaceID, &f.PilotID, &f.PilotName,
			&source, &f.DeviceID, &firstFix, &lastFix, &f.TotalPoints, &state, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan flight row: %w", err)
		}
		f.Source = model.Source(source)
		f.State = state
		f.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if f.FirstFix, err = parseFix(firstFix); err != nil {
			return nil, err
		}
		if f.LastFix, err = parseFix(lastFix); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// DeletePilotFlights cascades-deletes every flight (and, via ON DELETE
// CASCADE, every live_track_points row) owned by pilotID. Returns the number
// of flights removed.
func (s *Store) DeletePilotFlights(ctx context.Context, pilotID string) (int64, error) {
	res, err := s.ExecContext(ctx, `DELETE FROM flights WHERE pilot_id = ?`, pilotID)
	if err != nil {
		return 0, fmt.Errorf("store: delete pilot flights: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteFlightByUUID cascades-deletes one flight by its stable UUID.
func (s *Store) DeleteFlightByUUID(ctx context.Context, flightUUID string) error {
	_, err := s.ExecContext(ctx, `DELETE FROM flights WHERE uuid = ?`, flightUUID)
	if err != nil {
		return fmt.Errorf("store: delete flight %s: %w", flightUUID, err)
	}
	return nil
}

// ExpiredLiveFlight identifies one live-source flight eligible for retention
// deletion: FlightID is the composite identifier the writer pool's InFlight
// registry is keyed by, UUID is the row identity DeleteFlightByUUID takes.
type ExpiredLiveFlight struct {
	FlightID string
	UUID     string
}

// LiveFlightsOlderThan returns the live-source flights created before
// cutoff, for the retention sweep.
func (s *Store) LiveFlightsOlderThan(ctx context.Context, cutoff time.Time) ([]ExpiredLiveFlight, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT flight_id, uuid FROM flights WHERE source = ? AND created_at < ?`,
		string(model.SourceLive), cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("store: list expired live flights: %w", err)
	}
	defer rows.Close()
	var out []ExpiredLiveFlight
	for rows.Next() {
		var f ExpiredLiveFlight
		if err := rows.Scan(&f.FlightID, &f.UUID); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// CreateRace inserts a race descriptor.
func (s *Store) CreateRace(ctx context.Context, r model.Race) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO races (id, name, date, end_date, timezone, location, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		r.ID, r.Name, r.StartDate.UTC().Format(time.RFC3339Nano), r.EndDate.UTC().Format(time.RFC3339Nano),
		r.Timezone, r.Location, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: create race %s: %w", r.ID, err)
	}
	return nil
}

// GetOpenFlight returns the most recently created flight for a (device_id,
// race_id) pair, or nil if the device has no flight yet in that race. This
// implements flightsep.FlightLookup: the flight separator treats the
// latest-created flight for a device as its currently open one, since every
// separation decision either attaches to it or creates a new, more-recent
// flight superseding it.
func (s *Store) GetOpenFlight(ctx context.Context, deviceID, raceID string) (*model.Flight, error) {
	row := s.QueryRowContext(ctx, `
		SELECT id, flight_id, uuid, race_id, pilot_id, pilot_name, source, device_id,
		       first_fix, last_fix, total_points, flight_state, created_at
		FROM flights WHERE device_id = ? AND race_id = ? ORDER BY created_at DESC LIMIT 1`,
		deviceID, raceID)
	f, err := scanFlight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get open flight for device %s: %w", deviceID, err)
	}
	return &f, nil
}

// LatestPositions returns the most recent fix for every flight in raceID
// whose last_fix timestamp is at or before cutoff, for the fan-out hub's
// per-tick read (spec §4.6's delay_seconds rule). It reads the
// denormalized last_fix column rather than scanning track points, since the
// trigger in schema.sql keeps it current on every insert.
func (s *Store) LatestPositions(ctx context.Context, raceID string, cutoff time.Time) ([]model.Position, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT pilot_id, pilot_name, last_fix FROM flights
		WHERE race_id = ? AND last_fix IS NOT NULL
		  AND json_extract(last_fix, '$.timestamp') <= ?`,
		raceID, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("store: latest positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var pilotID, pilotName string
		var lastFix sql.NullString
		if err := rows.Scan(&pilotID, &pilotName, &lastFix); err != nil {
			return nil, fmt.Errorf("store: scan position: %w", err)
		}
		fix, err := parseFix(lastFix)
		if err != nil || fix == nil {
			continue
		}
		out = append(out, model.Position{
			PilotID:   pilotID,
			PilotName: pilotName,
			Lat:       fix.Lat,
			Lon:       fix.Lon,
			Elevation: fix.Elevation,
			Timestamp: fix.Timestamp,
		})
	}
	return out, nil
}

// RaceTimezone returns the IANA timezone configured for a race, or "" if the
// race has none set (the flight separator then falls back to UTC per spec
// §4.4).
func (s *Store) RaceTimezone(ctx context.Context, raceID string) (string, error) {
	var tz string
	err := s.QueryRowContext(ctx, `SELECT timezone FROM races WHERE id = ?`, raceID).Scan(&tz)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: race timezone: %w", err)
	}
	return tz, nil
}

// RegisterDevice assigns deviceID to a pilot/race, overwriting any previous
// assignment. This is the admin-managed mapping the GPS TCP front-end
// consults to resolve a bare wire-level device_id to a pilot and race.
func (s *Store) RegisterDevice(ctx context.Context, deviceID, pilotID, pilotName, raceID string) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO devices (device_id, pilot_id, pilot_name, race_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET pilot_id = excluded.pilot_id,
			pilot_name = excluded.pilot_name, race_id = excluded.race_id`,
		deviceID, pilotID, pilotName, raceID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: register device %s: %w", deviceID, err)
	}
	return nil
}

// PilotForDevice resolves a device_id to its assigned pilot and race, plus
// the race's timezone, implementing gpsfront.DeviceDirectory.
func (s *Store) PilotForDevice(ctx context.Context, deviceID string) (pilotID, pilotName, raceID, raceTZ string, err error) {
	err = s.QueryRowContext(ctx, `
		SELECT d.pilot_id, d.pilot_name, d.race_id, r.timezone
		FROM devices d JOIN races r ON r.id = d.race_id
		WHERE d.device_id = ?`, deviceID).Scan(&pilotID, &pilotName, &raceID, &raceTZ)
	if err != nil {
		return "", "", "", "", fmt.Errorf("store: resolve device %s: %w", deviceID, err)
	}
	return pilotID, pilotName, raceID, raceTZ, nil
}

// GetRace fetches a race descriptor by id, for the fan-out hub's
// race_config handshake.
func (s *Store) GetRace(ctx context.Context, raceID string) (model.Race, error) {
	var r model.Race
	var startDate, endDate, createdAt string
	err := s.QueryRowContext(ctx, `
		SELECT id, name, date, end_date, timezone, location, created_at
		FROM races WHERE id = ?`, raceID).
		Scan(&r.ID, &r.Name, &startDate, &endDate, &r.Timezone, &r.Location, &createdAt)
	if err != nil {
		return model.Race{}, fmt.Errorf("store: get race %s: %w", raceID, err)
	}
	if r.StartDate, err = time.Parse(time.RFC3339Nano, startDate); err != nil {
		return model.Race{}, fmt.Errorf("store: parse race start date: %w", err)
	}
	if r.EndDate, err = time.Parse(time.RFC3339Nano, endDate); err != nil {
		return model.Race{}, fmt.Errorf("store: parse race end date: %w", err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return model.Race{}, fmt.Errorf("store: parse race created_at: %w", err)
	}
	return r, nil
}
