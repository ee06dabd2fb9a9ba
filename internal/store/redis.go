// internal/store/redis.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	redisDocPrefix  = "memeclash:doc:"
	redisChanPrefix = "memeclash:ch:"
)

// RedisStore backs the document store with Redis: documents live in string
// keys, change notifications ride keyspace pub/sub. Writes publish the new
// document on the exact-path channel and a touch marker on every ancestor
// channel; prefix subscribers re-read the collection on touch.
type RedisStore struct {
	rdb    *redis.Client
	logger *logrus.Logger
}

// NewRedisStore connects a Redis-backed store and verifies the connection.
func NewRedisStore(addr string, db int, logger *logrus.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return &RedisStore{rdb: rdb, logger: logger}, nil
}

// Close releases the underlying client.
func (r *RedisStore) Close() error { return r.rdb.Close() }

func (r *RedisStore) Get(ctx context.Context, path string) ([]byte, error) {
	data, err := r.rdb.Get(ctx, redisDocPrefix+path).Bytes()
	if err == redis.Nil {
		// Fall back to a collection read.
		if obj, ok, cerr := r.collectChildren(ctx, path); cerr != nil {
			return nil, cerr
		} else if ok {
			return obj, nil
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", path, err)
	}
	return data, nil
}

func (r *RedisStore) Set(ctx context.Context, path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := r.rdb.Set(ctx, redisDocPrefix+path, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", path, err)
	}
	r.notify(ctx, path, data)
	return nil
}

func (r *RedisStore) Update(ctx context.Context, path string, fields map[string]interface{}) error {
	key := redisDocPrefix + path
	var merged []byte
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := tx.Get(ctx, key).Bytes()
		obj := map[string]interface{}{}
		if err == nil {
			_ = json.Unmarshal(existing, &obj)
		} else if err != redis.Nil {
			return err
		}
		for k, v := range fields {
			obj[k] = v
		}
		merged, err = json.Marshal(obj)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, merged, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("redis update %s: %w", path, err)
	}
	r.notify(ctx, path, merged)
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, path string) error {
	n, err := r.rdb.Del(ctx, redisDocPrefix+path).Result()
	if err != nil {
		return fmt.Errorf("redis del %s: %w", path, err)
	}
	if n > 0 {
		r.notify(ctx, path, nil)
	}
	return nil
}

func (r *RedisStore) SetIfAbsent(ctx context.Context, path string, v interface{}) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("marshal %s: %w", path, err)
	}
	ok, err := r.rdb.SetNX(ctx, redisDocPrefix+path, data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", path, err)
	}
	if ok {
		r.notify(ctx, path, data)
	}
	return ok, nil
}

func (r *RedisStore) Subscribe(ctx context.Context, path string, onChange func(data []byte), onError func(error)) (UnsubscribeFunc, error) {
	sub := r.rdb.Subscribe(ctx, redisChanPrefix+path)
	// Force the subscription to be established before returning so no write
	// published after Subscribe returns can be missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", path, err)
	}

	// Initial delivery.
	if data, err := r.Get(ctx, path); err == nil {
		onChange(data)
	} else if err != ErrNotFound {
		_ = sub.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				payload := []byte(msg.Payload)
				if strings.HasPrefix(msg.Payload, "touch:") {
					// A child changed; re-read the collection.
					obj, _, err := r.collectChildren(ctx, path)
					if err != nil {
						if onError != nil {
							onError(err)
						}
						return
					}
					if obj == nil {
						obj = []byte("{}")
					}
					payload = obj
				}
				onChange(payload)
			}
		}
	}()

	unsub := func() {
		close(done)
		if err := sub.Close(); err != nil && r.logger != nil {
			r.logger.WithError(err).Warnf("closing redis subscription for %s", path)
		}
	}
	return unsub, nil
}

// notify publishes the write on the exact channel and touches ancestors.
// Publish failures are logged, not returned: the write itself succeeded and
// subscribers recover via their own retry path.
func (r *RedisStore) notify(ctx context.Context, path string, data []byte) {
	if data == nil {
		data = []byte("null")
	}
	if err := r.rdb.Publish(ctx, redisChanPrefix+path, data).Err(); err != nil && r.logger != nil {
		r.logger.WithError(err).Warnf("publish %s", path)
	}
	for _, parent := range ParentPaths(path) {
		if err := r.rdb.Publish(ctx, redisChanPrefix+parent, "touch:"+path).Err(); err != nil && r.logger != nil {
			r.logger.WithError(err).Warnf("publish touch %s", parent)
		}
	}
}

// collectChildren scans direct children of prefix into a JSON object keyed by
// child segment.
func (r *RedisStore) collectChildren(ctx context.Context, prefix string) ([]byte, bool, error) {
	children := map[string]json.RawMessage{}
	iter := r.rdb.Scan(ctx, 0, redisDocPrefix+prefix+"/*", 256).Iterator()
	for iter.Next(ctx) {
		fullPath := strings.TrimPrefix(iter.Val(), redisDocPrefix)
		seg, ok := ChildSegment(prefix, fullPath)
		if !ok || fullPath != prefix+"/"+seg {
			continue
		}
		data, err := r.rdb.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("redis get %s: %w", fullPath, err)
		}
		children[seg] = json.RawMessage(data)
	}
	if err := iter.Err(); err != nil {
		return nil, false, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	if len(children) == 0 {
		return nil, false, nil
	}
	out, err := json.Marshal(children)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}
