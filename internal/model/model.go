// Package model defines the core domain types shared by every component:
// races, flights, track points, and the queue/DLQ item shapes that travel
// between the HTTP and TCP front-ends, the queue, and the writer pool.
package model

import (
	"fmt"
	"time"
)

// Source tags the producer that created a flight.
type Source string

const (
	SourceLive        Source = "live"
	SourceUpload      Source = "upload"
	SourceTK905BLive  Source = "tk905b_live"
	SourceFlymaster   Source = "flymaster_live"
)

// IsTracker reports whether a source is a long-lived GPS tracker subject to
// automatic flight separation, as opposed to a mobile app supplying its own
// flight identifier.
func (s Source) IsTracker() bool {
	return s == SourceTK905BLive || s == SourceFlymaster
}

// Race is an immutable competition descriptor. It owns many Flights.
type Race struct {
	ID        string
	Name      string
	StartDate time.Time
	EndDate   time.Time
	Timezone  string // IANA name; empty means UTC.
	Location  string
	CreatedAt time.Time
}

// Fix is a point summary (lat/lon/elevation/timestamp) used for a flight's
// first_fix and last_fix denormalized columns.
type Fix struct {
	Lat       float64
	Lon       float64
	Elevation *float64
	Timestamp time.Time
}

// Flight represents one continuous flying session of one pilot with one
// producer.
//
// Lifecycle: created on the first point that does not match an open flight;
// FirstFix is pinned on that first point; LastFix and TotalPoints advance on
// every subsequent insert; destroyed by the retention sweep 48 hours after
// creation when Source == live.
type Flight struct {
	ID          int64
	FlightID    string // composite string identifier, see BuildFlightID.
	UUID        string
	RaceID      string
	PilotID     string
	PilotName   string
	Source      Source
	DeviceID    string // optional; empty for mobile producers.
	FirstFix    *Fix
	LastFix     *Fix
	TotalPoints int64
	State       []byte // opaque flight_state blob used by the flight separator.
	CreatedAt   time.Time
}

// BuildFlightID constructs the composite flight identifier used for tracker
// sources: {source}-{pilot_id}-{race_id}-{device_id}[-{suffix}]. suffix is
// empty for the first flight of a device/race pair.
func BuildFlightID(source Source, pilotID, raceID, deviceID, suffix string) string {
	base := fmt.Sprintf("%s-%s-%s-%s", source, pilotID, raceID, deviceID)
	if suffix == "" {
		return base
	}
	return base + "-" + suffix
}

// TrackPoint is an immutable time-series row belonging to a Flight.
// Uniqueness is (FlightID, Timestamp, Lat, Lon); duplicate inserts of the
// same tuple are idempotent no-ops at the Store.
type TrackPoint struct {
	ID        int64
	FlightID  string
	FlightUUID string
	Lat       float64
	Lon       float64
	Elevation *float64
	Timestamp time.Time
}

// Position is one pilot's most recent fix within a race, the shape the fan-out
// hub reads per tick.
type Position struct {
	PilotID   string
	PilotName string
	Lat       float64
	Lon       float64
	Elevation *float64
	Timestamp time.Time
}

// NormalizedFix is the shape produced by the GPS TCP front-end and the HTTP
// ingest adapters before a flight identifier has been resolved.
type NormalizedFix struct {
	DeviceID  string
	Lat       float64
	Lon       float64
	Elevation *float64
	Timestamp time.Time
	Battery   *int
	Speed     *float64 // m/s
	Heading   *float64 // degrees
}

// QueueName identifies one of the four fixed queues.
type QueueName string

const (
	QueueLivePoints      QueueName = "live_points"
	QueueUploadPoints    QueueName = "upload_points"
	QueueFlymasterPoints QueueName = "flymaster_points"
	QueueScoringPoints   QueueName = "scoring_points"
)

// Priority returns the fixed priority for a queue name (1 = highest).
func (q QueueName) Priority() int {
	switch q {
	case QueueLivePoints:
		return 1
	case QueueUploadPoints, QueueScoringPoints:
		return 2
	case QueueFlymasterPoints:
		return 3
	default:
		return 3
	}
}

// QueuePoint is one point inside a QueueItem's payload, the wire shape
// described in spec §6: {lat, lon, elevation?, datetime}.
type QueuePoint struct {
	Lat       float64    `json:"lat"`
	Lon       float64    `json:"lon"`
	Elevation *float64   `json:"elevation,omitempty"`
	Datetime  time.Time  `json:"datetime"`
}

// QueueItem carries a batch of points destined for one flight through a
// named queue.
type QueueItem struct {
	QueueType  QueueName    `json:"queue_type"`
	FlightID   string       `json:"flight_id"`
	Priority   int          `json:"-"` // derived from QueueType; not round-tripped on the wire, recomputed on read.
	Points     []QueuePoint `json:"points"`
	Count      int          `json:"count"`
	Timestamp  time.Time    `json:"timestamp"` // enqueue timestamp.
	RetryCount int          `json:"retry_count,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
}

// DLQReason enumerates the terminal failure reasons recorded against a DLQ
// item.
type DLQReason string

const (
	ReasonForeignKeyMissing DLQReason = "foreign_key_missing"
	ReasonInvalidShape      DLQReason = "invalid_shape"
	ReasonMaxRetries        DLQReason = "max_retries"
)

// DLQItem is a QueueItem plus the metadata recorded when it is moved to the
// dead-letter queue: it is never automatically re-enqueued.
type DLQItem struct {
	Item     QueueItem `json:"item"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
	Retries  int       `json:"retries"`
}
