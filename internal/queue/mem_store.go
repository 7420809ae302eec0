package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hfsslive/trackcore/internal/model"
)

// MemStore is an in-process fake Store used in package tests throughout the
// module, mirroring the teacher's NewMockSerialMux fake-over-interface
// pattern. It is not suitable for production: no persistence, no
// cross-process visibility.
type MemStore struct {
	mu    sync.Mutex
	items map[model.QueueName][]memEntry
	dlq   map[model.QueueName][]model.DLQItem

	// Unavailable, if set, makes every operation return ErrQueueUnavailable,
	// for exercising the direct-write fallback path.
	Unavailable bool
}

type memEntry struct {
	score float64
	item  model.QueueItem
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		items: make(map[model.QueueName][]memEntry),
		dlq:   make(map[model.QueueName][]model.DLQItem),
	}
}

func (s *MemStore) EnqueueBatch(_ context.Context, queue model.QueueName, items []model.QueueItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unavailable {
		return 0, ErrQueueUnavailable
	}
	for _, item := range items {
		item.QueueType = queue
		if item.Timestamp.IsZero() {
			item.Timestamp = time.Now().UTC()
		}
		s.items[queue] = append(s.items[queue], memEntry{
			score: score(queue.Priority(), item.Timestamp),
			item:  item,
		})
	}
	return len(items), nil
}

func (s *MemStore) DequeueBatch(_ context.Context, queue model.QueueName, maxN int) ([]model.QueueItem, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unavailable {
		return nil, 0, ErrQueueUnavailable
	}
	entries := s.items[queue]
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].score < entries[j].score })

	n := maxN
	if n > len(entries) {
		n = len(entries)
	}
	popped := entries[:n]
	s.items[queue] = entries[n:]

	out := make([]model.QueueItem, 0, n)
	for _, e := range popped {
		out = append(out, e.item)
	}
	return out, int64(len(s.items[queue])), nil
}

func (s *MemStore) ToDLQ(_ context.Context, queue model.QueueName, item model.QueueItem, reason model.DLQReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unavailable {
		return ErrQueueUnavailable
	}
	s.dlq[queue] = append(s.dlq[queue], model.DLQItem{
		Item:     item,
		Reason:   string(reason),
		FailedAt: time.Now().UTC(),
		Retries:  item.RetryCount,
	})
	return nil
}

func (s *MemStore) Len(_ context.Context, queue model.QueueName) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unavailable {
		return 0, ErrQueueUnavailable
	}
	return int64(len(s.items[queue])), nil
}

func (s *MemStore) DLQLen(_ context.Context, queue model.QueueName) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unavailable {
		return 0, ErrQueueUnavailable
	}
	return int64(len(s.dlq[queue])), nil
}

func (s *MemStore) PeekDLQ(_ context.Context, queue model.QueueName, n int64) ([]model.DLQItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unavailable {
		return nil, ErrQueueUnavailable
	}
	entries := s.dlq[queue]
	if int64(len(entries)) < n {
		n = int64(len(entries))
	}
	out := make([]model.DLQItem, n)
	copy(out, entries[:n])
	return out, nil
}

func (s *MemStore) RequeueFromDLQ(_ context.Context, queue model.QueueName, dlqIndex int64) error {
	s.mu.Lock()
	if s.Unavailable {
		s.mu.Unlock()
		return ErrQueueUnavailable
	}
	entries := s.dlq[queue]
	if dlqIndex < 0 || dlqIndex >= int64(len(entries)) {
		s.mu.Unlock()
		return ErrQueueUnavailable
	}
	d := entries[dlqIndex]
	s.dlq[queue] = append(entries[:dlqIndex], entries[dlqIndex+1:]...)
	s.mu.Unlock()

	d.Item.RetryCount = 0
	d.Item.LastError = ""
	_, err := s.EnqueueBatch(context.Background(), queue, []model.QueueItem{d.Item})
	return err
}
