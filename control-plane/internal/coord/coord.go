// Package coord provides Redis-backed coordination primitives shared by every
// poller process: TTL locks, bounded in-flight slots, once-markers and the
// chord barrier that joins chunk results before aggregation.
package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotHeld is returned when releasing a lock owned by someone else or already expired.
	ErrNotHeld = errors.New("lock not held")
	// ErrNoChord is returned when completing a barrier that was never created or already cleaned up.
	ErrNoChord = errors.New("chord not registered")
)

// Connect opens a Redis client and checks it answers.
func Connect(redisURL string, timeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// Coordinator wraps a Redis client with namespaced coordination keys.
type Coordinator struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// New creates a coordinator. All keys are written under prefix.
func New(client *redis.Client, prefix string, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "coord"),
		now:    time.Now,
	}
}

func (c *Coordinator) key(parts ...string) string {
	k := c.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// =============================================================================
// LOCKS
// =============================================================================

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock takes a TTL lock. It returns the owner token, or "" when the lock is
// held by someone else.
func (c *Coordinator) Lock(ctx context.Context, name string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	ok, err := c.client.SetNX(ctx, c.key("lock", name), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// Unlock releases a lock if token still owns it.
func (c *Coordinator) Unlock(ctx context.Context, name, token string) error {
	n, err := unlockScript.Run(ctx, c.client, []string{c.key("lock", name)}, token).Int()
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", name, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Once reports true the first time it is called for name within ttl.
func (c *Coordinator) Once(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key("once", name), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setting once marker %s: %w", name, err)
	}
	return ok, nil
}

// =============================================================================
// SLOTS
// =============================================================================

// Each holder is a member of a sorted set scored by its own expiry. Holders
// that stop renewing drop out once their score passes, so slots leaked by a
// crashed worker come back while live holders keep theirs. The key TTL only
// garbage-collects an abandoned set.
var acquireSlotScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return 1
`)

var renewSlotScript = redis.NewScript(`
local score = redis.call("ZSCORE", KEYS[1], ARGV[3])
if not score or tonumber(score) <= tonumber(ARGV[1]) then
	redis.call("ZREM", KEYS[1], ARGV[3])
	return 0
end
redis.call("ZADD", KEYS[1], "XX", ARGV[2], ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 1
`)

// AcquireSlot takes one of max in-flight slots under name for ttl. It returns
// the holder token, or "" when every slot is taken.
func (c *Coordinator) AcquireSlot(ctx context.Context, name string, max int, ttl time.Duration) (string, error) {
	now := c.now()
	token := uuid.New().String()
	n, err := acquireSlotScript.Run(ctx, c.client, []string{c.key("slots", name)},
		now.UnixMilli(), max, now.Add(ttl).UnixMilli(), token, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return "", fmt.Errorf("acquiring slot %s: %w", name, err)
	}
	if n == 0 {
		return "", nil
	}
	return token, nil
}

// RenewSlot pushes the expiry of a held slot to now+ttl. It returns false when
// the holder already expired and lost the slot.
func (c *Coordinator) RenewSlot(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	now := c.now()
	n, err := renewSlotScript.Run(ctx, c.client, []string{c.key("slots", name)},
		now.UnixMilli(), now.Add(ttl).UnixMilli(), token, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("renewing slot %s: %w", name, err)
	}
	return n == 1, nil
}

// ReleaseSlot gives the holder's slot back. Releasing an unknown token is a no-op.
func (c *Coordinator) ReleaseSlot(ctx context.Context, name, token string) error {
	if err := c.client.ZRem(ctx, c.key("slots", name), token).Err(); err != nil {
		return fmt.Errorf("releasing slot %s: %w", name, err)
	}
	return nil
}

// SlotsInUse returns the number of unexpired holders under name.
func (c *Coordinator) SlotsInUse(ctx context.Context, name string) (int, error) {
	now := strconv.FormatInt(c.now().UnixMilli(), 10)
	n, err := c.client.ZCount(ctx, c.key("slots", name), "("+now, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("counting slots %s: %w", name, err)
	}
	return int(n), nil
}

// =============================================================================
// CHORD
// =============================================================================

// A chord is a counting barrier keyed by execution id. Each chunk stores its
// result under its own index, so a redelivered chunk overwrites nothing and
// counts once. The fired marker makes exactly one completer see done.
var completeChordScript = redis.NewScript(`
local expected = tonumber(redis.call("GET", KEYS[1]) or "-1")
if expected < 0 then
	return -1
end
redis.call("HSETNX", KEYS[2], ARGV[1], ARGV[2])
redis.call("PEXPIRE", KEYS[2], ARGV[3])
if redis.call("HLEN", KEYS[2]) < expected then
	return 0
end
if redis.call("SET", KEYS[3], "1", "NX", "PX", ARGV[3]) then
	return 1
end
return 0
`)

func (c *Coordinator) chordKeys(executionID int64) []string {
	id := strconv.FormatInt(executionID, 10)
	return []string{
		c.key("chord", id, "expected"),
		c.key("chord", id, "results"),
		c.key("chord", id, "fired"),
	}
}

// InitChord registers a barrier expecting size results.
func (c *Coordinator) InitChord(ctx context.Context, executionID int64, size int, ttl time.Duration) error {
	keys := c.chordKeys(executionID)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, keys[1], keys[2])
	pipe.Set(ctx, keys[0], size, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("initialising chord for execution %d: %w", executionID, err)
	}
	return nil
}

// CompleteChord records the result of one chunk. It returns true to exactly
// one caller: the one whose result completed the barrier.
func (c *Coordinator) CompleteChord(ctx context.Context, executionID int64, index int, result any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("encoding chord result: %w", err)
	}
	n, err := completeChordScript.Run(ctx, c.client, c.chordKeys(executionID), index, data, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("completing chord for execution %d: %w", executionID, err)
	}
	if n < 0 {
		return false, fmt.Errorf("execution %d: %w", executionID, ErrNoChord)
	}
	return n == 1, nil
}

// ChordResults returns the stored chunk results ordered by chunk index.
func (c *Coordinator) ChordResults(ctx context.Context, executionID int64) ([]json.RawMessage, error) {
	raw, err := c.client.HGetAll(ctx, c.chordKeys(executionID)[1]).Result()
	if err != nil {
		return nil, fmt.Errorf("reading chord results for execution %d: %w", executionID, err)
	}

	indices := make([]int, 0, len(raw))
	for k := range raw {
		i, err := strconv.Atoi(k)
		if err != nil {
			c.logger.Warn("skipping malformed chord field", "execution_id", executionID, "field", k)
			continue
		}
		indices = append(indices, i)
	}
	sort.Ints(indices)

	out := make([]json.RawMessage, 0, len(indices))
	for _, i := range indices {
		out = append(out, json.RawMessage(raw[strconv.Itoa(i)]))
	}
	return out, nil
}

// CleanupChord removes every key of a barrier.
func (c *Coordinator) CleanupChord(ctx context.Context, executionID int64) error {
	return c.client.Del(ctx, c.chordKeys(executionID)...).Err()
}
