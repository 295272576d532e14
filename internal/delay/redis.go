package delay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"missionline/internal/ports"
)

const defaultQueueKey = "missionline:callbacks"

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Store is the slice of Redis the queue needs.
type Store interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error)
	ZRem(ctx context.Context, key, member string) (bool, error)
}

// RedisStore adapts a go-redis client to Store.
type RedisStore struct {
	Client redis.UniversalClient
}

func (s RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.Client.SetNX(ctx, key, value, ttl).Result()
}

func (s RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.Client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s RedisStore) ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error) {
	return s.Client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(max, 'f', -1, 64),
		Count: limit,
	}).Result()
}

func (s RedisStore) ZRem(ctx context.Context, key, member string) (bool, error) {
	n, err := s.Client.ZRem(ctx, key, member).Result()
	return n > 0, err
}

// entry is the queued form of a DelayedTask.
type entry struct {
	ID       string          `json:"id"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
	Key      string          `json:"key,omitempty"`
	Attempts int             `json:"attempts"`
}

// RedisQueue schedules callbacks into a sorted set scored by due time in
// unix milliseconds. Idempotency keys are held with SETNX for the delay plus
// a day.
type RedisQueue struct {
	Store  Store
	Key    string
	Now    func() time.Time
	Logger *slog.Logger
}

func (q *RedisQueue) key() string {
	if q.Key == "" {
		return defaultQueueKey
	}
	return q.Key
}

func (q *RedisQueue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *RedisQueue) logger() *slog.Logger {
	if q.Logger != nil {
		return q.Logger
	}
	return slog.Default()
}

func (q *RedisQueue) Schedule(ctx context.Context, task ports.DelayedTask) error {
	if q.Store == nil {
		return errors.New("redis queue: store not configured")
	}
	delay, err := ParseDelay(task.Delay)
	if err != nil {
		return err
	}
	body, err := json.Marshal(task.Body)
	if err != nil {
		return fmt.Errorf("redis queue: encode body: %w", err)
	}
	if task.IdempotencyKey != "" {
		fresh, err := q.Store.SetNX(ctx, q.key()+":dedupe:"+task.IdempotencyKey, "1", delay+24*time.Hour)
		if err != nil {
			return fmt.Errorf("redis queue: dedupe: %w", err)
		}
		if !fresh {
			q.logger().InfoContext(ctx, "callback already scheduled",
				"module", "delay.redis",
				"operation", "schedule",
				"outcome", "duplicate",
				"idempotency_key", task.IdempotencyKey,
			)
			return nil
		}
	}
	e := entry{ID: uuid.NewString(), URL: task.URL, Body: body, Key: task.IdempotencyKey}
	if err := q.push(ctx, e, q.now().Add(delay)); err != nil {
		return err
	}
	q.logger().InfoContext(ctx, "callback scheduled",
		"module", "delay.redis",
		"operation", "schedule",
		"outcome", "ok",
		"url", task.URL,
		"delay", task.Delay,
		"idempotency_key", task.IdempotencyKey,
	)
	return nil
}

func (q *RedisQueue) push(ctx context.Context, e entry, due time.Time) error {
	member, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := q.Store.ZAdd(ctx, q.key(), float64(due.UnixMilli()), string(member)); err != nil {
		return fmt.Errorf("redis queue: enqueue: %w", err)
	}
	return nil
}
