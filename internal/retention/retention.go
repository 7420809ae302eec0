// Package retention implements the daily retention sweep of spec §4.7: live
// flights (Source == live) older than the configured retention window are
// cascade-deleted, once no writer batch currently has them in flight.
//
// The ticker-driven Start/Stop/RunOnce worker shape is grounded on the
// teacher's internal/db/transits_worker.go TransitWorker, generalized from a
// 15-minute transit-sessionizing sweep over radar_data to a daily
// expired-flight sweep over the flights table.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/hfsslive/trackcore/internal/clockutil"
	"github.com/hfsslive/trackcore/internal/obslog"
	"github.com/hfsslive/trackcore/internal/store"
	"github.com/hfsslive/trackcore/internal/writerpool"
)

// Store is the narrow Store capability the sweep needs.
type Store interface {
	LiveFlightsOlderThan(ctx context.Context, cutoff time.Time) ([]store.ExpiredLiveFlight, error)
	DeleteFlightByUUID(ctx context.Context, flightUUID string) error
}

// Config tunes the sweep's cadence and cutoff.
type Config struct {
	Interval  time.Duration // how often RunOnce runs; spec default 24h.
	MaxAge    time.Duration // flights older than this are eligible; spec default 48h.
	WaitDelay time.Duration // poll delay while waiting for in-flight batches to drain.
}

// DefaultConfig returns the spec-default tuning.
func DefaultConfig() Config {
	return Config{Interval: 24 * time.Hour, MaxAge: 48 * time.Hour, WaitDelay: time.Second}
}

// Sweeper runs the retention sweep.
type Sweeper struct {
	store    Store
	inFlight *writerpool.InFlight
	cfg      Config
	clock    clockutil.Clock
}

// New constructs a Sweeper. inFlight is consulted before deleting a flight so
// a batch the writer pool is actively inserting is never deleted out from
// under it.
func New(store Store, inFlight *writerpool.InFlight, cfg Config) *Sweeper {
	return &Sweeper{store: store, inFlight: inFlight, cfg: cfg, clock: clockutil.RealClock{}}
}

// WithClock overrides the sweeper's clock, for deterministic tests.
func (s *Sweeper) WithClock(c clockutil.Clock) *Sweeper {
	s.clock = c
	return s
}

// Run loops until ctx is cancelled, sweeping on a fixed interval.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	obslog.Logf("retention: sweeper started (interval=%s max_age=%s)", s.cfg.Interval, s.cfg.MaxAge)

	for {
		select {
		case <-ticker.C():
			if err := s.RunOnce(ctx); err != nil {
				obslog.Logf("retention: sweep error: %v", err)
			}
		case <-ctx.Done():
			obslog.Logf("retention: sweeper stopping")
			return nil
		}
	}
}

// RunOnce performs one sweep: list expired live flights, then for each one,
// wait for the writer pool's in-flight count to reach zero before deleting.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.MaxAge)
	expired, err := s.store.LiveFlightsOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("retention: list expired flights: %w", err)
	}
	if len(expired) == 0 {
		return nil
	}

	obslog.Logf("retention: %d live flight(s) eligible for deletion (cutoff=%s)", len(expired), cutoff.Format(time.RFC3339))
	for _, f := range expired {
		if err := s.deleteWhenQuiescent(ctx, f); err != nil {
			obslog.Logf("retention: flight %s: %v", f.FlightID, err)
		}
	}
	return nil
}

// deleteWhenQuiescent blocks (respecting ctx) until no writer batch currently
// references f.FlightID — the same composite identifier InFlight.Acquire is
// keyed by — then deletes the row by its UUID.
func (s *Sweeper) deleteWhenQuiescent(ctx context.Context, f store.ExpiredLiveFlight) error {
	for s.inFlight.Count(f.FlightID) > 0 {
		timer := s.clock.NewTimer(s.cfg.WaitDelay)
		select {
		case <-timer.C():
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	if err := s.store.DeleteFlightByUUID(ctx, f.UUID); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}
