package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tripsaga/internal/saga"
)

// RedisClient is the minimal client surface used by RedisStore.
type RedisClient interface {
	redis.Scripter
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

var updateScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if not current then
	return -1
end
if current ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'data', ARGV[3])
local ttl = tonumber(ARGV[4])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// RedisStore keeps each saga in a hash and appends committed transitions to a stream.
type RedisStore struct {
	client    RedisClient
	stream    string
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
	logf      func(format string, args ...any)
}

// NewRedisStore constructs a Redis-backed saga store. A zero ttl keeps sagas forever.
func NewRedisStore(client RedisClient, stream string, ttl time.Duration, maxLen int64, logf func(format string, args ...any)) *RedisStore {
	if stream == "" {
		stream = "saga_events"
	}
	if logf == nil {
		logf = log.Printf
	}
	return &RedisStore{
		client:    client,
		stream:    stream,
		keyPrefix: "saga:",
		ttl:       ttl,
		maxLen:    maxLen,
		logf:      logf,
	}
}

func (r *RedisStore) Create(ctx context.Context, s saga.Saga) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Version == 0 {
		s.Version = 1
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	created, err := createScript.Run(ctx, r.client, []string{r.key(s.CorrelationID)},
		strconv.FormatInt(s.Version, 10), data, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis create %s: %w", s.CorrelationID, err)
	}
	if created == 0 {
		return fmt.Errorf("create %s: %w", s.CorrelationID, saga.ErrConflict)
	}
	r.journal(ctx, s)
	return nil
}

func (r *RedisStore) Get(ctx context.Context, correlationID string) (saga.Saga, error) {
	if err := ctx.Err(); err != nil {
		return saga.Saga{}, err
	}
	raw, err := r.client.HGet(ctx, r.key(correlationID), "data").Result()
	if errors.Is(err, redis.Nil) {
		return saga.Saga{}, saga.ErrNotFound
	}
	if err != nil {
		return saga.Saga{}, fmt.Errorf("redis get %s: %w", correlationID, err)
	}
	var s saga.Saga
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return saga.Saga{}, fmt.Errorf("decode saga %s: %w", correlationID, err)
	}
	return s, nil
}

func (r *RedisStore) Update(ctx context.Context, s saga.Saga) (saga.Saga, error) {
	if err := ctx.Err(); err != nil {
		return saga.Saga{}, err
	}
	expected := s.Version
	s.Version++
	data, err := json.Marshal(s)
	if err != nil {
		return saga.Saga{}, err
	}
	res, err := updateScript.Run(ctx, r.client, []string{r.key(s.CorrelationID)},
		strconv.FormatInt(expected, 10), strconv.FormatInt(s.Version, 10), data, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return saga.Saga{}, fmt.Errorf("redis update %s: %w", s.CorrelationID, err)
	}
	switch res {
	case -1:
		return saga.Saga{}, saga.ErrNotFound
	case 0:
		return saga.Saga{}, fmt.Errorf("update %s at version %d: %w", s.CorrelationID, expected, saga.ErrConflict)
	}
	r.journal(ctx, s)
	return s, nil
}

// journal appends the committed state to the event stream. The hash is the source of truth,
// so a failed append is logged and not returned.
func (r *RedisStore) journal(ctx context.Context, s saga.Saga) {
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"correlation_id": s.CorrelationID,
			"status":         string(s.Status),
			"version":        s.Version,
			"timestamp":      s.UpdatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		r.logf("saga journal append %s v%d: %v", s.CorrelationID, s.Version, err)
	}
}

func (r *RedisStore) key(correlationID string) string {
	return r.keyPrefix + correlationID
}
