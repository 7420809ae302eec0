package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfsslive/trackcore/internal/model"
)

func TestMemStoreOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	items := []model.QueueItem{
		{FlightID: "a", Timestamp: base.Add(2 * time.Second)},
		{FlightID: "b", Timestamp: base},
		{FlightID: "c", Timestamp: base.Add(1 * time.Second)},
	}
	n, err := s.EnqueueBatch(ctx, model.QueueLivePoints, items)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	out, remaining, err := s.DequeueBatch(ctx, model.QueueLivePoints, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
	require.Len(t, out, 3)
	assert.Equal(t, "b", out[0].FlightID)
	assert.Equal(t, "c", out[1].FlightID)
	assert.Equal(t, "a", out[2].FlightID)
}

func TestMemStorePriorityOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now().UTC()

	_, err := s.EnqueueBatch(ctx, model.QueueUploadPoints, []model.QueueItem{{FlightID: "upload", Timestamp: now}})
	require.NoError(t, err)
	_, err = s.EnqueueBatch(ctx, model.QueueLivePoints, []model.QueueItem{{FlightID: "live", Timestamp: now.Add(time.Second)}})
	require.NoError(t, err)

	// Different queues are independent; no cross-queue ordering guarantee,
	// but within live_points priority 1 sorts before upload_points priority 2
	// only if enqueued into the same key, which they are not here. This test
	// exercises per-queue isolation instead.
	liveOut, _, err := s.DequeueBatch(ctx, model.QueueLivePoints, 10)
	require.NoError(t, err)
	require.Len(t, liveOut, 1)
	assert.Equal(t, "live", liveOut[0].FlightID)

	uploadOut, _, err := s.DequeueBatch(ctx, model.QueueUploadPoints, 10)
	require.NoError(t, err)
	require.Len(t, uploadOut, 1)
	assert.Equal(t, "upload", uploadOut[0].FlightID)
}

func TestMemStoreToDLQAndPeek(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	item := model.QueueItem{FlightID: "missing", RetryCount: 0}

	err := s.ToDLQ(ctx, model.QueueLivePoints, item, model.ReasonForeignKeyMissing)
	require.NoError(t, err)

	n, err := s.DLQLen(ctx, model.QueueLivePoints)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	peeked, err := s.PeekDLQ(ctx, model.QueueLivePoints, 10)
	require.NoError(t, err)
	require.Len(t, peeked, 1)
	assert.Equal(t, string(model.ReasonForeignKeyMissing), peeked[0].Reason)
}

func TestMemStoreRequeueFromDLQResetsRetryCount(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	item := model.QueueItem{FlightID: "flaky", RetryCount: 3, LastError: "boom"}
	require.NoError(t, s.ToDLQ(ctx, model.QueueLivePoints, item, model.ReasonMaxRetries))

	require.NoError(t, s.RequeueFromDLQ(ctx, model.QueueLivePoints, 0))

	n, err := s.DLQLen(ctx, model.QueueLivePoints)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	out, _, err := s.DequeueBatch(ctx, model.QueueLivePoints, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 0, out[0].RetryCount)
	assert.Empty(t, out[0].LastError)
}

func TestMemStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	s.Unavailable = true

	_, err := s.EnqueueBatch(ctx, model.QueueLivePoints, []model.QueueItem{{FlightID: "x"}})
	assert.ErrorIs(t, err, ErrQueueUnavailable)
}
