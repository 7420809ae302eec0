// Package writerpool implements the writer pool described in spec §4.3: one
// cooperative worker per queue, dequeuing batches, validating them, and bulk
// inserting them into the Store with retry-with-backoff and DLQ fallback.
//
// The per-worker admin-toggle shape (IsEnabled/SetEnabled/TriggerManualRun/
// GetStatus) is grounded on the teacher's internal/db/transit_controller.go
// TransitController, generalized from one transit-sessionizing worker to one
// worker per queue name.
package writerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hfsslive/trackcore/internal/clockutil"
	"github.com/hfsslive/trackcore/internal/model"
	"github.com/hfsslive/trackcore/internal/obslog"
	"github.com/hfsslive/trackcore/internal/queue"
	"github.com/hfsslive/trackcore/internal/validator"
)

// maxRetries is the retry_count threshold at which an item is moved to the
// DLQ with reason max_retries, per spec §4.3 step 5.
const maxRetries = 3

// Inserter is the narrow Store capability a worker needs: resolve a flight's
// UUID/source to build Store rows, then bulk-insert the points.
type Inserter interface {
	GetFlightByFlightID(ctx context.Context, flightID string) (model.Flight, error)
	InsertPoints(ctx context.Context, flightID, flightUUID string, source model.Source, points []model.QueuePoint) (int64, error)
}

// Counters tracks per-worker lifetime statistics, surfaced via GetStatus for
// the /queue/status admin endpoint.
type Counters struct {
	Dequeued  int64
	Inserted  int64
	Requeued  int64
	DLQed     int64
	LastError string
	LastRunAt time.Time
}

// InFlight is the reference-count registry the retention sweep consults
// before cascading-deleting a flight, resolving spec §9's Open Question
// about races between the retention sweep and in-flight writer batches: a
// flight_id with a non-zero count is currently the subject of an Insert
// call and must not be deleted out from under it.
type InFlight struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewInFlight returns an empty registry.
func NewInFlight() *InFlight {
	return &InFlight{counts: make(map[string]int)}
}

// Acquire increments the in-flight count for each flightID, keyed by the
// same composite flight_id string model.QueueItem.FlightID carries (not a
// flight's UUID).
func (f *InFlight) Acquire(flightIDs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range flightIDs {
		f.counts[id]++
	}
}

// Release decrements the in-flight count for each flightID.
func (f *InFlight) Release(flightIDs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range flightIDs {
		f.counts[id]--
		if f.counts[id] <= 0 {
			delete(f.counts, id)
		}
	}
}

// Count reports the number of in-flight batches currently referencing
// flightID.
func (f *InFlight) Count(flightID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[flightID]
}

// Config tunes a worker's batching and backoff behaviour.
type Config struct {
	BatchSize int           // items dequeued per loop iteration, spec default 500.
	Interval  time.Duration // idle poll interval when the queue reports nothing to do.
}

// DefaultConfig returns the spec-default worker tuning.
func DefaultConfig() Config {
	return Config{BatchSize: 500, Interval: time.Second}
}

// Worker drains one named queue into the Store.
type Worker struct {
	name      model.QueueName
	queue     queue.Store
	validator *validator.Validator
	store     Inserter
	inFlight  *InFlight
	cfg       Config
	clock     clockutil.Clock

	mu       sync.RWMutex
	enabled  bool
	counters Counters
	trigger  chan struct{}
}

// NewWorker constructs a Worker for queue name, defaulting to enabled, using
// the real wall clock.
func NewWorker(name model.QueueName, q queue.Store, v *validator.Validator, store Inserter, inFlight *InFlight, cfg Config) *Worker {
	return &Worker{
		name:      name,
		queue:     q,
		validator: v,
		store:     store,
		inFlight:  inFlight,
		cfg:       cfg,
		clock:     clockutil.RealClock{},
		enabled:   true,
		trigger:   make(chan struct{}, 1),
	}
}

// WithClock overrides the worker's clock, for deterministic tests.
func (w *Worker) WithClock(c clockutil.Clock) *Worker {
	w.clock = c
	return w
}

// IsEnabled reports whether the worker is currently draining its queue.
func (w *Worker) IsEnabled() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.enabled
}

// SetEnabled toggles the worker. Disabling leaves items queued; it does not
// drop them.
func (w *Worker) SetEnabled(enabled bool) {
	w.mu.Lock()
	w.enabled = enabled
	w.mu.Unlock()
}

// TriggerManualRun requests an out-of-cycle drain pass, coalescing repeated
// requests the same way the teacher's TriggerManualRun does.
func (w *Worker) TriggerManualRun() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Status is the snapshot returned by GetStatus.
type Status struct {
	Queue    model.QueueName
	Enabled  bool
	Counters Counters
	Pending  int64
	DLQSize  int64
}

// GetStatus returns the worker's current counters plus the live queue/DLQ
// depth, for the §6 monitoring contract.
func (w *Worker) GetStatus(ctx context.Context) (Status, error) {
	w.mu.RLock()
	counters := w.counters
	enabled := w.enabled
	w.mu.RUnlock()

	pending, err := w.queue.Len(ctx, w.name)
	if err != nil {
		return Status{}, err
	}
	dlqSize, err := w.queue.DLQLen(ctx, w.name)
	if err != nil {
		return Status{}, err
	}
	return Status{Queue: w.name, Enabled: enabled, Counters: counters, Pending: pending, DLQSize: dlqSize}, nil
}

// Run loops until ctx is cancelled, draining the queue on a fixed interval
// or on a manual trigger, matching the teacher's TransitController.Run shape.
func (w *Worker) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	obslog.Logf("writerpool: worker %s started (interval=%s batch=%d)", w.name, w.cfg.Interval, w.cfg.BatchSize)

	for {
		select {
		case <-ticker.C():
			w.runIfEnabled(ctx)
		case <-w.trigger:
			w.runIfEnabled(ctx)
		case <-ctx.Done():
			obslog.Logf("writerpool: worker %s stopping", w.name)
			return nil
		}
	}
}

func (w *Worker) runIfEnabled(ctx context.Context) {
	if !w.IsEnabled() {
		return
	}
	if err := w.drainOnce(ctx); err != nil {
		obslog.Logf("writerpool: worker %s drain error: %v", w.name, err)
	}
}

// drainOnce dequeues and processes up to one batch.
func (w *Worker) drainOnce(ctx context.Context) error {
	items, _, err := w.queue.DequeueBatch(ctx, w.name, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	w.mu.Lock()
	w.counters.Dequeued += int64(len(items))
	w.counters.LastRunAt = w.clock.Now()
	w.mu.Unlock()

	flightIDs := make([]string, len(items))
	for i, it := range items {
		flightIDs[i] = it.FlightID
	}
	w.inFlight.Acquire(flightIDs)
	defer w.inFlight.Release(flightIDs)

	for _, item := range items {
		w.processItem(ctx, item)
	}
	return nil
}

func (w *Worker) processItem(ctx context.Context, item model.QueueItem) {
	verdict, verr := w.validator.Validate(ctx, item)
	switch verdict {
	case validator.VerdictForeignKeyMissing:
		w.deadLetter(ctx, item, model.ReasonForeignKeyMissing, verr)
		return
	case validator.VerdictInvalidShape:
		w.deadLetter(ctx, item, model.ReasonInvalidShape, verr)
		return
	case validator.VerdictTransientError:
		w.retryOrDeadLetter(ctx, item, verr)
		return
	}

	flight, err := w.store.GetFlightByFlightID(ctx, item.FlightID)
	if err != nil {
		w.retryOrDeadLetter(ctx, item, fmt.Errorf("resolve flight: %w", err))
		return
	}

	inserted, err := w.store.InsertPoints(ctx, flight.FlightID, flight.UUID, flight.Source, item.Points)
	if err != nil {
		if isTransient(err) {
			w.retryOrDeadLetter(ctx, item, err)
			return
		}
		w.deadLetter(ctx, item, "", err)
		return
	}

	w.mu.Lock()
	w.counters.Inserted += inserted
	w.mu.Unlock()
}

// retryOrDeadLetter implements spec §4.3 step 5: re-enqueue with
// retry_count+1 after sleep min(60s, 2^retry_count); at retry_count >= 3,
// DLQ with reason max_retries.
func (w *Worker) retryOrDeadLetter(ctx context.Context, item model.QueueItem, cause error) {
	if item.RetryCount >= maxRetries {
		w.deadLetter(ctx, item, model.ReasonMaxRetries, cause)
		return
	}

	backoff := time.Duration(1<<uint(item.RetryCount)) * time.Second
	if backoff > 60*time.Second {
		backoff = 60 * time.Second
	}
	timer := w.clock.NewTimer(backoff)
	select {
	case <-timer.C():
	case <-ctx.Done():
		timer.Stop()
		return
	}

	item.RetryCount++
	if cause != nil {
		item.LastError = cause.Error()
	}
	if _, err := w.queue.EnqueueBatch(ctx, w.name, []model.QueueItem{item}); err != nil {
		obslog.Logf("writerpool: worker %s re-enqueue failed, dead-lettering: %v", w.name, err)
		w.deadLetter(ctx, item, model.ReasonMaxRetries, err)
		return
	}
	w.mu.Lock()
	w.counters.Requeued++
	w.mu.Unlock()
}

func (w *Worker) deadLetter(ctx context.Context, item model.QueueItem, reason model.DLQReason, cause error) {
	if reason == "" {
		reason = model.DLQReason(cause.Error())
	}
	if cause != nil {
		item.LastError = cause.Error()
	}
	if err := w.queue.ToDLQ(ctx, w.name, item, reason); err != nil {
		obslog.Logf("writerpool: worker %s failed moving item to DLQ: %v", w.name, err)
		return
	}
	w.mu.Lock()
	w.counters.DLQed++
	w.mu.Unlock()
}

func isTransient(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, queue.ErrQueueUnavailable)
}

// Pool supervises one Worker per queue name with errgroup, matching the
// teacher's main.go shutdown pattern generalized into a reusable supervisor.
type Pool struct {
	workers []*Worker
}

// NewPool builds a Pool with one worker for each of the four fixed queues.
func NewPool(q queue.Store, v *validator.Validator, store Inserter, inFlight *InFlight, cfg Config) *Pool {
	names := []model.QueueName{
		model.QueueLivePoints,
		model.QueueUploadPoints,
		model.QueueFlymasterPoints,
		model.QueueScoringPoints,
	}
	workers := make([]*Worker, len(names))
	for i, n := range names {
		workers[i] = NewWorker(n, q, v, store, inFlight, cfg)
	}
	return &Pool{workers: workers}
}

// Workers returns the pool's constituent workers, for admin introspection
// and manual triggers by queue name.
func (p *Pool) Workers() []*Worker { return p.workers }

// Worker returns the worker for name, or nil if name is not one of the
// fixed queues.
func (p *Pool) Worker(name model.QueueName) *Worker {
	for _, w := range p.workers {
		if w.name == name {
			return w
		}
	}
	return nil
}

// Run starts every worker and blocks until ctx is cancelled or one worker
// returns a non-nil error.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}
