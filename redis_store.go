package sagastream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// payloadField is the stream entry field holding the encoded saga.
const payloadField = "payload"

// RedisLog implements EventLog on Redis Streams consumer groups.
type RedisLog struct {
	client redis.Cmdable
	maxLen int64
}

// RedisLogOption configures a RedisLog.
type RedisLogOption func(*RedisLog)

// WithStreamMaxLen caps every stream at roughly n entries. Trimmed entries
// that are still pending are skipped when claimed.
func WithStreamMaxLen(n int64) RedisLogOption {
	return func(l *RedisLog) {
		l.maxLen = n
	}
}

// NewRedisLog creates an EventLog backed by client.
func NewRedisLog(client redis.Cmdable, opts ...RedisLogOption) *RedisLog {
	l := &RedisLog{client: client}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewRedisLogFromURL creates an EventLog from a Redis URL.
func NewRedisLogFromURL(url string, opts ...RedisLogOption) (*RedisLog, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisLog(redis.NewClient(options), opts...), nil
}

// Append implements EventLog.
func (l *RedisLog) Append(ctx context.Context, stream, payload string) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: payload},
	}
	if l.maxLen > 0 {
		args.MaxLen = l.maxLen
		args.Approx = true
	}
	id, err := l.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// Read implements EventLog.
func (l *RedisLog) Read(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	if block <= 0 {
		// go-redis treats a zero Block as "wait forever".
		block = -1
	}
	streams, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s %s: %w", stream, group, err)
	}
	var out []Entry
	for _, s := range streams {
		out = append(out, toEntries(s.Messages)...)
	}
	return out, nil
}

// Ack implements EventLog.
func (l *RedisLog) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if err := l.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", stream, group, err)
	}
	return nil
}

// Pending implements EventLog.
func (l *RedisLog) Pending(ctx context.Context, stream, group string, minIdle time.Duration, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	pending, err := l.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  int64(limit),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending %s %s: %w", stream, group, err)
	}
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// Claim implements EventLog.
func (l *RedisLog) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := l.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xclaim %s %s: %w", stream, group, err)
	}
	return toEntries(msgs), nil
}

// CreateGroup implements EventLog.
func (l *RedisLog) CreateGroup(ctx context.Context, stream, group string) error {
	err := l.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s %s: %w", stream, group, err)
	}
	return nil
}

// Last implements EventLog.
func (l *RedisLog) Last(ctx context.Context, stream string) (Entry, error) {
	msgs, err := l.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("xrevrange %s: %w", stream, err)
	}
	entries := toEntries(msgs)
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("stream %s: %w", stream, ErrNotFound)
	}
	return entries[0], nil
}

// Get implements EventLog.
func (l *RedisLog) Get(ctx context.Context, stream, id string) (Entry, error) {
	msgs, err := l.client.XRange(ctx, stream, id, id).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("xrange %s: %w", stream, err)
	}
	entries := toEntries(msgs)
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("entry %s on stream %s: %w", id, stream, ErrNotFound)
	}
	return entries[0], nil
}

// Delete implements EventLog.
func (l *RedisLog) Delete(ctx context.Context, stream string, ids ...string) error {
	if err := l.client.XDel(ctx, stream, ids...).Err(); err != nil {
		return fmt.Errorf("xdel %s: %w", stream, err)
	}
	return nil
}

// Len implements EventLog.
func (l *RedisLog) Len(ctx context.Context, stream string) (int64, error) {
	n, err := l.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}

// toEntries drops messages without a payload, which Redis returns for
// claimed entries that were trimmed or deleted.
func toEntries(msgs []redis.XMessage) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		payload, ok := msg.Values[payloadField].(string)
		if !ok {
			continue
		}
		out = append(out, Entry{ID: msg.ID, Payload: payload})
	}
	return out
}

// RedisStore implements RequestStore and ResultQueue on Redis strings and
// lists.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a store backed by client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Set implements RequestStore.
func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Get implements RequestStore.
func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("key %s: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

// Delete implements RequestStore.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent implements ResultQueue.
func (r *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Push implements ResultQueue.
func (r *RedisStore) Push(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.RPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	if ttl > 0 {
		if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return nil
}

// BlockingPop implements ResultQueue. Redis waits in whole seconds, so
// sub-second timeouts are rounded up to one second.
func (r *RedisStore) BlockingPop(ctx context.Context, key string, timeout time.Duration) (string, error) {
	vals, err := r.client.BLPop(ctx, timeout, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("key %s: %w", key, ErrResultTimeout)
		}
		return "", fmt.Errorf("blpop %s: %w", key, err)
	}
	if len(vals) != 2 {
		return "", fmt.Errorf("blpop %s: unexpected reply %v", key, vals)
	}
	return vals[1], nil
}
