// Package queue implements the Redis-backed priority queue and DLQ
// described in spec §4.1: one sorted set per queue name ordered by
// (priority, enqueue time), plus one DLQ list per queue name.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hfsslive/trackcore/internal/model"
)

// ErrQueueUnavailable is returned, possibly wrapped, by every Store operation
// when the backing store cannot be reached. Adapters catch this and fall back to a direct
// write, per spec §4.1 and §7.
var ErrQueueUnavailable = errors.New("queue: backing store unavailable")

// Store is the interface every queue operation is defined against. RedisStore
// is the production implementation; MemStore is a fake used in tests,
// mirroring the production/fake pairing the teacher uses for its serial mux
// (NewRealSerialMux vs NewMockSerialMux).
type Store interface {
	// EnqueueBatch appends items to the named queue in one round trip.
	// Atomicity is per-item: a partial failure returns the count that
	// succeeded alongside a non-nil error.
	EnqueueBatch(ctx context.Context, queue model.QueueName, items []model.QueueItem) (succeeded int, err error)

	// DequeueBatch pops up to maxN items in priority order, ties broken by
	// enqueue time, and returns an estimate of the remaining queue length.
	DequeueBatch(ctx context.Context, queue model.QueueName, maxN int) (items []model.QueueItem, remaining int64, err error)

	// ToDLQ moves an item to the named queue's dead-letter list with the
	// given failure reason. DLQ items are never automatically re-enqueued.
	ToDLQ(ctx context.Context, queue model.QueueName, item model.QueueItem, reason model.DLQReason) error

	// Len reports the current length of the named queue's priority set.
	Len(ctx context.Context, queue model.QueueName) (int64, error)

	// DLQLen reports the current length of the named queue's DLQ list.
	DLQLen(ctx context.Context, queue model.QueueName) (int64, error)

	// PeekDLQ returns up to n items from the DLQ without removing them, for
	// admin introspection.
	PeekDLQ(ctx context.Context, queue model.QueueName, n int64) ([]model.DLQItem, error)

	// RequeueFromDLQ removes the item at dlqIndex from the DLQ and enqueues
	// it fresh with retry_count reset to zero. Used only by an operator,
	// never automatically.
	RequeueFromDLQ(ctx context.Context, queue model.QueueName, dlqIndex int64) error
}

// score computes the sorted-set score for an item: priority*1e12 +
// enqueue_ms, matching spec §6's wire format so ordering is strict priority,
// then FIFO by enqueue time within a priority.
func score(priority int, enqueuedAt time.Time) float64 {
	return float64(priority)*1e12 + float64(enqueuedAt.UnixMilli())
}

func encodeItem(item model.QueueItem) (string, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("encode queue item: %w", err)
	}
	return string(b), nil
}

func decodeItem(raw string) (model.QueueItem, error) {
	var item model.QueueItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return item, fmt.Errorf("decode queue item: %w", err)
	}
	item.Priority = item.QueueType.Priority()
	return item, nil
}

func encodeDLQItem(d model.DLQItem) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode dlq item: %w", err)
	}
	return string(b), nil
}

func decodeDLQItem(raw string) (model.DLQItem, error) {
	var d model.DLQItem
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return d, fmt.Errorf("decode dlq item: %w", err)
	}
	d.Item.Priority = d.Item.QueueType.Priority()
	return d, nil
}

func queueKey(q model.QueueName) string { return fmt.Sprintf("queue:%s", q) }
func dlqKey(q model.QueueName) string   { return fmt.Sprintf("dlq:%s", q) }
