package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aiox-platform/quotaengine/internal/window"
)

const (
	windowKeyPrefix   = "quota:win:"
	windowIndexPrefix = "quota:idx:win:"
	dailyKeyPrefix    = "quota:daily:"
	dailyIndexKey     = "quota:idx:daily"
)

// incrementScript bumps one window row and registers it in the sweep index.
// KEYS: row, index. ARGV: delta, last (unix ms), start (unix s), expire-at (unix ms).
var incrementScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], 'count', ARGV[1])
redis.call('HSET', KEYS[1], 'start', ARGV[3], 'last', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], KEYS[1])
redis.call('PEXPIREAT', KEYS[1], ARGV[4])
return n
`)

// addDailyScript bumps one daily row and registers it in the sweep index.
// KEYS: row, index. ARGV: messages, tokens, last (unix ms), start (unix s), expire-at (unix ms).
var addDailyScript = redis.NewScript(`
local m = redis.call('HINCRBY', KEYS[1], 'messages', ARGV[1])
local t = redis.call('HINCRBY', KEYS[1], 'tokens', ARGV[2])
redis.call('HSET', KEYS[1], 'start', ARGV[4], 'last', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], KEYS[1])
redis.call('PEXPIREAT', KEYS[1], ARGV[5])
return {m, t}
`)

// sweepScript deletes up to ARGV[2] indexed rows whose stored start is
// before ARGV[1]. The start is read from the row itself at deletion time.
// Returns {deleted, scanned}.
var sweepScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'LIMIT', 0, ARGV[2])
local deleted = 0
local cutoff = tonumber(ARGV[1])
for _, key in ipairs(members) do
  local start = redis.call('HGET', key, 'start')
  if not start then
    redis.call('ZREM', KEYS[1], key)
  elseif tonumber(start) < cutoff then
    redis.call('DEL', key)
    redis.call('ZREM', KEYS[1], key)
    deleted = deleted + 1
  end
end
return {deleted, #members}
`)

// RedisStore keeps counters as Redis hashes, one per row, with a sorted-set
// index per window kind used by sweeps. Every row also carries a TTL of its
// retention horizon so an idle deployment does not grow without a reaper.
type RedisStore struct {
	rdb             redis.Cmdable
	windowRetention time.Duration
	dailyRetention  time.Duration
	batchSize       int
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(rdb redis.Cmdable, windowRetention, dailyRetention time.Duration, batchSize int) *RedisStore {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &RedisStore{
		rdb:             rdb,
		windowRetention: windowRetention,
		dailyRetention:  dailyRetention,
		batchSize:       batchSize,
	}
}

func windowRowKey(userID uuid.UUID, resource string, key window.Key) string {
	return fmt.Sprintf("%s%s:%s:%s:%d", windowKeyPrefix, key.Kind, userID, resource, key.Start.Unix())
}

func dailyRowKey(userID uuid.UUID, resource string, day time.Time) string {
	return fmt.Sprintf("%s%s:%s:%s", dailyKeyPrefix, userID, resource, day.Format(time.DateOnly))
}

// IncrementAndGet atomically adds delta to the window and returns the new count.
func (s *RedisStore) IncrementAndGet(ctx context.Context, userID uuid.UUID, resource string, key window.Key, delta int64, at time.Time) (int64, error) {
	expireAt := key.End().Add(s.windowRetention)
	n, err := incrementScript.Run(ctx, s.rdb,
		[]string{windowRowKey(userID, resource, key), windowIndexPrefix + string(key.Kind)},
		delta, at.UnixMilli(), key.Start.Unix(), expireAt.UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("incrementing usage window: %w", err)
	}
	return n, nil
}

// Get returns the window count, or 0 when no row exists.
func (s *RedisStore) Get(ctx context.Context, userID uuid.UUID, resource string, key window.Key) (int64, error) {
	n, err := s.rdb.HGet(ctx, windowRowKey(userID, resource, key), "count").Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading usage window: %w", err)
	}
	return n, nil
}

// SweepBefore deletes windows of kind that started before cutoff.
func (s *RedisStore) SweepBefore(ctx context.Context, kind window.Kind, cutoff time.Time) (int64, error) {
	return s.sweep(ctx, windowIndexPrefix+string(kind), cutoff.Unix())
}

// AddDaily atomically adds to the day's totals.
func (s *RedisStore) AddDaily(ctx context.Context, userID uuid.UUID, resource string, day time.Time, messages, tokens int64, at time.Time) (DailyUsage, error) {
	d := DailyUsage{UserID: userID, Resource: resource, Date: window.DayStart(day), LastRequestAt: at}
	expireAt := d.Date.Add(window.Day.Duration() + s.dailyRetention)
	res, err := addDailyScript.Run(ctx, s.rdb,
		[]string{dailyRowKey(userID, resource, d.Date), dailyIndexKey},
		messages, tokens, at.UnixMilli(), d.Date.Unix(), expireAt.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return DailyUsage{}, fmt.Errorf("incrementing daily usage: %w", err)
	}
	if len(res) != 2 {
		return DailyUsage{}, fmt.Errorf("incrementing daily usage: unexpected reply %v", res)
	}
	d.MessagesUsed, d.TokensUsed = res[0], res[1]
	return d, nil
}

// GetDaily returns the day's totals, zero when nothing was recorded.
func (s *RedisStore) GetDaily(ctx context.Context, userID uuid.UUID, resource string, day time.Time) (DailyUsage, error) {
	d := DailyUsage{UserID: userID, Resource: resource, Date: window.DayStart(day)}
	vals, err := s.rdb.HMGet(ctx, dailyRowKey(userID, resource, d.Date), "messages", "tokens", "last").Result()
	if err != nil {
		return DailyUsage{}, fmt.Errorf("reading daily usage: %w", err)
	}
	d.MessagesUsed = parseInt(vals[0])
	d.TokensUsed = parseInt(vals[1])
	if ms := parseInt(vals[2]); ms > 0 {
		d.LastRequestAt = time.UnixMilli(ms).UTC()
	}
	return d, nil
}

// SweepDailyBefore deletes daily rows for days before the day of cutoff.
func (s *RedisStore) SweepDailyBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.sweep(ctx, dailyIndexKey, window.DayStart(cutoff).Unix())
}

func (s *RedisStore) sweep(ctx context.Context, index string, cutoff int64) (int64, error) {
	var total int64
	for {
		res, err := sweepScript.Run(ctx, s.rdb, []string{index}, cutoff, s.batchSize).Int64Slice()
		if err != nil {
			return total, fmt.Errorf("sweeping %s: %w", index, err)
		}
		if len(res) != 2 {
			return total, fmt.Errorf("sweeping %s: unexpected reply %v", index, res)
		}
		total += res[0]
		if res[1] < int64(s.batchSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

func parseInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
