package writerpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hfsslive/trackcore/internal/clockutil"
	"github.com/hfsslive/trackcore/internal/model"
	"github.com/hfsslive/trackcore/internal/queue"
	"github.com/hfsslive/trackcore/internal/validator"
)

type fakeInserter struct {
	flights    map[string]model.Flight
	insertErr  error
	insertedAt []model.QueuePoint
}

func (f *fakeInserter) GetFlightByFlightID(ctx context.Context, flightID string) (model.Flight, error) {
	fl, ok := f.flights[flightID]
	if !ok {
		return model.Flight{}, errors.New("not found")
	}
	return fl, nil
}

func (f *fakeInserter) InsertPoints(ctx context.Context, flightID, flightUUID string, source model.Source, points []model.QueuePoint) (int64, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.insertedAt = append(f.insertedAt, points...)
	return int64(len(points)), nil
}

type fakeExistence struct{ exists map[string]bool }

func (f *fakeExistence) FlightExists(ctx context.Context, flightID string) (bool, error) {
	return f.exists[flightID], nil
}

func newTestItem(flightID string) model.QueueItem {
	return model.QueueItem{
		QueueType: model.QueueLivePoints,
		FlightID:  flightID,
		Points:    []model.QueuePoint{{Lat: 1, Lon: 2, Datetime: time.Now().UTC()}},
		Count:     1,
		Timestamp: time.Now().UTC(),
	}
}

func TestDrainOnceInsertsValidItem(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemStore()
	_, err := q.EnqueueBatch(ctx, model.QueueLivePoints, []model.QueueItem{newTestItem("flight-1")})
	require.NoError(t, err)

	fe := &fakeExistence{exists: map[string]bool{"flight-1": true}}
	fi := &fakeInserter{flights: map[string]model.Flight{
		"flight-1": {FlightID: "flight-1", UUID: "uuid-1", Source: model.SourceLive},
	}}
	w := NewWorker(model.QueueLivePoints, q, validator.New(fe), fi, NewInFlight(), DefaultConfig())

	require.NoError(t, w.drainOnce(ctx))
	require.Len(t, fi.insertedAt, 1)

	dlqLen, err := q.DLQLen(ctx, model.QueueLivePoints)
	require.NoError(t, err)
	require.Zero(t, dlqLen)
}

func TestDrainOnceForeignKeyMissingGoesToDLQ(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemStore()
	_, err := q.EnqueueBatch(ctx, model.QueueLivePoints, []model.QueueItem{newTestItem("ghost-flight")})
	require.NoError(t, err)

	fe := &fakeExistence{exists: map[string]bool{}}
	fi := &fakeInserter{flights: map[string]model.Flight{}}
	w := NewWorker(model.QueueLivePoints, q, validator.New(fe), fi, NewInFlight(), DefaultConfig())

	require.NoError(t, w.drainOnce(ctx))

	dlqLen, err := q.DLQLen(ctx, model.QueueLivePoints)
	require.NoError(t, err)
	require.EqualValues(t, 1, dlqLen)

	items, err := q.PeekDLQ(ctx, model.QueueLivePoints, 1)
	require.NoError(t, err)
	require.Equal(t, string(model.ReasonForeignKeyMissing), items[0].Reason)
}

func TestDrainOnceInvalidShapeGoesToDLQ(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemStore()
	bad := newTestItem("flight-1")
	bad.Points[0].Lat = 999
	_, err := q.EnqueueBatch(ctx, model.QueueLivePoints, []model.QueueItem{bad})
	require.NoError(t, err)

	fe := &fakeExistence{exists: map[string]bool{"flight-1": true}}
	fi := &fakeInserter{flights: map[string]model.Flight{"flight-1": {FlightID: "flight-1", UUID: "u", Source: model.SourceLive}}}
	w := NewWorker(model.QueueLivePoints, q, validator.New(fe), fi, NewInFlight(), DefaultConfig())

	require.NoError(t, w.drainOnce(ctx))

	items, err := q.PeekDLQ(ctx, model.QueueLivePoints, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, string(model.ReasonInvalidShape), items[0].Reason)
}

func TestRetryOrDeadLetterRequeuesUntilMaxRetries(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemStore()
	fe := &fakeExistence{exists: map[string]bool{"flight-1": true}}
	fi := &fakeInserter{insertErr: queue.ErrQueueUnavailable}
	clk := clockutil.NewMockClock(time.Unix(0, 0))
	w := NewWorker(model.QueueLivePoints, q, validator.New(fe), fi, NewInFlight(), DefaultConfig()).WithClock(clk)

	item := newTestItem("flight-1")
	fi.flights = map[string]model.Flight{"flight-1": {FlightID: "flight-1", UUID: "u", Source: model.SourceLive}}

	done := make(chan struct{})
	go func() {
		w.retryOrDeadLetter(ctx, item, errors.New("boom"))
		close(done)
	}()
	// The backoff timer is created inside the goroutine, so keep advancing
	// until it has been registered and fired.
	for waiting := true; waiting; {
		clk.Advance(2 * time.Second)
		select {
		case <-done:
			waiting = false
		case <-time.After(10 * time.Millisecond):
		}
	}

	w.mu.RLock()
	requeued := w.counters.Requeued
	w.mu.RUnlock()
	require.EqualValues(t, 1, requeued)

	pending, err := q.Len(ctx, model.QueueLivePoints)
	require.NoError(t, err)
	require.EqualValues(t, 1, pending)
}

func TestRetryOrDeadLetterDeadLettersAtMaxRetries(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemStore()
	fe := &fakeExistence{exists: map[string]bool{}}
	fi := &fakeInserter{}
	w := NewWorker(model.QueueLivePoints, q, validator.New(fe), fi, NewInFlight(), DefaultConfig())

	item := newTestItem("flight-1")
	item.RetryCount = maxRetries
	w.retryOrDeadLetter(ctx, item, errors.New("boom"))

	dlqLen, err := q.DLQLen(ctx, model.QueueLivePoints)
	require.NoError(t, err)
	require.EqualValues(t, 1, dlqLen)
}

func TestInFlightRegistryTracksAcquireRelease(t *testing.T) {
	f := NewInFlight()
	f.Acquire([]string{"a", "a", "b"})
	require.Equal(t, 2, f.Count("a"))
	require.Equal(t, 1, f.Count("b"))
	f.Release([]string{"a"})
	require.Equal(t, 1, f.Count("a"))
	f.Release([]string{"a", "b"})
	require.Equal(t, 0, f.Count("a"))
	require.Equal(t, 0, f.Count("b"))
}
