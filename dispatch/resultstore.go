package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResultEnvelope is the record a worker writes back for a dispatched
// task, and the queue dispatcher polls for. The archive is base64-safe
// inside the JSON payload stored under the task's Redis key.
type ResultEnvelope struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"` // "completed" or "failed"
	ArchiveB64 string `json:"archive_b64,omitempty"`
	Error      string `json:"error,omitempty"`
}

const (
	ResultStatusCompleted = "completed"
	ResultStatusFailed    = "failed"
)

// ResultStore is the subset of the result backing store the queue
// dispatcher and worker need: write a task's outcome, read it back by
// task ID.
type ResultStore interface {
	SetResult(ctx context.Context, taskID string, env ResultEnvelope, ttl time.Duration) error
	GetResult(ctx context.Context, taskID string) (*ResultEnvelope, error)
}

// RedisResultStore stores task result envelopes as JSON strings under
// prefix+taskID, with a TTL so forgotten results don't accumulate.
type RedisResultStore struct {
	client *redis.Client
	prefix string
}

// NewRedisResultStore parses redisURL and opens a client, pinging it
// once to fail fast on a bad URL or unreachable server.
func NewRedisResultStore(ctx context.Context, redisURL, prefix string) (*RedisResultStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	if prefix == "" {
		prefix = "wqdss:result:"
	}
	return &RedisResultStore{client: client, prefix: prefix}, nil
}

func (s *RedisResultStore) key(taskID string) string {
	return s.prefix + taskID
}

// SetResult writes a task's outcome, expiring it after ttl.
func (s *RedisResultStore) SetResult(ctx context.Context, taskID string, env ResultEnvelope, ttl time.Duration) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal result envelope: %w", err)
	}
	return s.client.Set(ctx, s.key(taskID), body, ttl).Err()
}

// GetResult returns nil, nil if the task has not completed yet.
func (s *RedisResultStore) GetResult(ctx context.Context, taskID string) (*ResultEnvelope, error) {
	body, err := s.client.Get(ctx, s.key(taskID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read result for task %s: %w", taskID, err)
	}

	var env ResultEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode result for task %s: %w", taskID, err)
	}
	return &env, nil
}

// Close releases the Redis client.
func (s *RedisResultStore) Close() error {
	return s.client.Close()
}
