package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hfsslive/trackcore/internal/model"
	"github.com/hfsslive/trackcore/internal/obslog"
)

// RedisStore is the production Store backed by Redis sorted sets (priority
// queues) and lists (DLQs). Connection pool size is bounded per spec §4.1
// ("suggested ceiling is 10 concurrent connections per process"); pipelining
// is preferred over opening additional connections.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials Redis at addr with the given password, bounding the
// connection pool to poolSize (0 selects the spec-suggested default of 10).
func NewRedisStore(addr, password string, poolSize int) *RedisStore {
	if poolSize <= 0 {
		poolSize = 10
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		PoolSize:     poolSize,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	return &RedisStore{client: client}
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping reports whether Redis is reachable, used by the /health endpoint.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) EnqueueBatch(ctx context.Context, queue model.QueueName, items []model.QueueItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	key := queueKey(queue)
	pipe := s.client.Pipeline()
	members := make([]*redis.Z, 0, len(items))
	for _, item := range items {
		item.QueueType = queue
		if item.Timestamp.IsZero() {
			item.Timestamp = time.Now().UTC()
		}
		encoded, err := encodeItem(item)
		if err != nil {
			obslog.Logf("queue: skipping item for %s: %v", queue, err)
			continue
		}
		members = append(members, &redis.Z{
			Score:  score(queue.Priority(), item.Timestamp),
			Member: encoded,
		})
	}
	if len(members) == 0 {
		return 0, fmt.Errorf("queue: all items in batch failed to encode")
	}
	pipe.ZAdd(ctx, key, members...)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if len(members) < len(items) {
		return len(members), fmt.Errorf("queue: %d of %d items failed to encode", len(items)-len(members), len(items))
	}
	return len(members), nil
}

func (s *RedisStore) DequeueBatch(ctx context.Context, queue model.QueueName, maxN int) ([]model.QueueItem, int64, error) {
	if maxN <= 0 {
		maxN = 1
	}
	key := queueKey(queue)

	popped, err := s.client.ZPopMin(ctx, key, int64(maxN)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	items := make([]model.QueueItem, 0, len(popped))
	for _, z := range popped {
		raw, ok := z.Member.(string)
		if !ok {
			continue
		}
		item, err := decodeItem(raw)
		if err != nil {
			obslog.Logf("queue: dropping undecodable item from %s: %v", queue, err)
			continue
		}
		items = append(items, item)
	}

	remaining, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		remaining = -1
	}
	return items, remaining, nil
}

func (s *RedisStore) ToDLQ(ctx context.Context, queue model.QueueName, item model.QueueItem, reason model.DLQReason) error {
	d := model.DLQItem{
		Item:     item,
		Reason:   string(reason),
		FailedAt: time.Now().UTC(),
		Retries:  item.RetryCount,
	}
	encoded, err := encodeDLQItem(d)
	if err != nil {
		return err
	}
	if err := s.client.RPush(ctx, dlqKey(queue), encoded).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Len(ctx context.Context, queue model.QueueName) (int64, error) {
	n, err := s.client.ZCard(ctx, queueKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return n, nil
}

func (s *RedisStore) DLQLen(ctx context.Context, queue model.QueueName) (int64, error) {
	n, err := s.client.LLen(ctx, dlqKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return n, nil
}

func (s *RedisStore) PeekDLQ(ctx context.Context, queue model.QueueName, n int64) ([]model.DLQItem, error) {
	raws, err := s.client.LRange(ctx, dlqKey(queue), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	out := make([]model.DLQItem, 0, len(raws))
	for _, raw := range raws {
		d, err := decodeDLQItem(raw)
		if err != nil {
			obslog.Logf("queue: dropping undecodable dlq entry from %s: %v", queue, err)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// RequeueFromDLQ is an operator-triggered action (never automatic, per spec
// §3 invariants): it removes the item at dlqIndex and re-enqueues it with
// retry_count reset.
func (s *RedisStore) RequeueFromDLQ(ctx context.Context, queue model.QueueName, dlqIndex int64) error {
	key := dlqKey(queue)
	raws, err := s.client.LRange(ctx, key, dlqIndex, dlqIndex).Result()
	if err != nil || len(raws) == 0 {
		return fmt.Errorf("queue: dlq entry %d not found in %s", dlqIndex, queue)
	}
	d, err := decodeDLQItem(raws[0])
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.LSet(ctx, key, dlqIndex, "__tombstone__")
	pipe.LRem(ctx, key, 1, "__tombstone__")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	d.Item.RetryCount = 0
	d.Item.LastError = ""
	_, err = s.EnqueueBatch(ctx, queue, []model.QueueItem{d.Item})
	return err
}
