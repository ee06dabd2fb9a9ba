// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/memeclash/memeclash/internal/config"
	"github.com/memeclash/memeclash/internal/database"
)

// DefaultQueueName is the Redis list (queue) name for game event records.
const DefaultQueueName = "memeclash_events"

// Connect initializes a Redis client from environment variables:
//   - REDIS_ADDR (default "localhost:6379")
//   - REDIS_DB (optional, default 0)
func Connect() (*redis.Client, error) {
	addr := config.GetEnv("REDIS_ADDR", "localhost:6379")
	dbIdx := config.GetEnvInt("REDIS_DB", 0)

	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   dbIdx,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// Queue is a Redis-list event queue. The gateway pushes event records as
// they happen; the historian pops and persists them, so a slow database
// never blocks gameplay.
type Queue struct {
	rdb  *redis.Client
	name string
}

// NewQueue wraps rdb as a queue. An empty name uses DefaultQueueName,
// overridable with HISTORIAN_QUEUE_NAME.
func NewQueue(rdb *redis.Client, name string) *Queue {
	if name == "" {
		name = config.GetEnv("HISTORIAN_QUEUE_NAME", DefaultQueueName)
	}
	return &Queue{rdb: rdb, name: name}
}

// Publish serializes the record and pushes it onto the queue. This does not
// block the calling logic beyond a quick network send.
func (q *Queue) Publish(ctx context.Context, record database.EventRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal event record: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", q.name, err)
	}
	return nil
}

// Pop blocks up to timeout waiting for the next record. Returns redis.Nil
// unwrapped as ok=false on timeout.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (database.EventRecord, bool, error) {
	var record database.EventRecord
	res, err := q.rdb.BLPop(ctx, timeout, q.name).Result()
	if err == redis.Nil {
		return record, false, nil
	}
	if err != nil {
		return record, false, err
	}
	// BLPop returns [key, value].
	if len(res) < 2 {
		return record, false, fmt.Errorf("unexpected BLPop result length %d", len(res))
	}
	if err := json.Unmarshal([]byte(res[1]), &record); err != nil {
		return record, false, fmt.Errorf("failed to unmarshal event record: %w", err)
	}
	return record, true, nil
}

// Len reports the number of records waiting in the queue.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.name).Result()
}
