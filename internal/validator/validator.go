// Package validator implements the pre-write checks the writer pool applies
// to every dequeued item before it reaches the Store: a foreign-key check
// against the flight table and a shape check on each point (spec §4.2).
package validator

import (
	"context"
	"fmt"

	"github.com/hfsslive/trackcore/internal/model"
)

// FlightExistence is the narrow Store capability the Validator depends on:
// it only needs to know whether a flight_id currently exists.
type FlightExistence interface {
	FlightExists(ctx context.Context, flightID string) (bool, error)
}

// Validator checks queue items before the writer pool attempts to persist
// them.
type Validator struct {
	store FlightExistence
}

// New returns a Validator backed by store.
func New(store FlightExistence) *Validator {
	return &Validator{store: store}
}

// Verdict is the outcome of validating one item.
type Verdict int

const (
	// VerdictOK means the item may proceed to the writer's insert routine.
	VerdictOK Verdict = iota
	// VerdictForeignKeyMissing means the referenced flight does not exist;
	// the item must go to DLQ with reason foreign_key_missing, no retry.
	VerdictForeignKeyMissing
	// VerdictInvalidShape means a point failed its shape check; the item
	// must go to DLQ with reason invalid_shape, no retry.
	VerdictInvalidShape
	// VerdictTransientError means the Store could not be consulted; the
	// caller should treat this like any other writer transient failure and
	// apply the retry/backoff policy.
	VerdictTransientError
)

// Validate runs both checks against item and returns the first applicable
// verdict, plus an explanatory error for the DLQ reason or transient cases.
func (v *Validator) Validate(ctx context.Context, item model.QueueItem) (Verdict, error) {
	if err := validateShape(item); err != nil {
		return VerdictInvalidShape, err
	}

	exists, err := v.store.FlightExists(ctx, item.FlightID)
	if err != nil {
		return VerdictTransientError, fmt.Errorf("validator: checking flight %s: %w", item.FlightID, err)
	}
	if !exists {
		return VerdictForeignKeyMissing, fmt.Errorf("validator: flight_id %q does not exist", item.FlightID)
	}
	return VerdictOK, nil
}

// validateShape checks latitude/longitude bounds and a non-zero timestamp on
// every point in the item. A single bad point fails the whole item — items
// are small batches for one flight, so partial acceptance is not worth the
// complexity it would add to retry/DLQ bookkeeping.
func validateShape(item model.QueueItem) error {
	if item.FlightID == "" {
		return fmt.Errorf("validator: empty flight_id")
	}
	if len(item.Points) == 0 {
		return fmt.Errorf("validator: item has no points")
	}
	for i, p := range item.Points {
		if p.Lat < -90 || p.Lat > 90 {
			return fmt.Errorf("validator: point %d latitude %f out of range", i, p.Lat)
		}
		if p.Lon < -180 || p.Lon > 180 {
			return fmt.Errorf("validator: point %d longitude %f out of range", i, p.Lon)
		}
		if p.Datetime.IsZero() {
			return fmt.Errorf("validator: point %d missing timestamp", i)
		}
	}
	return nil
}
