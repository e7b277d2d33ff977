// Package queue provides a Redis-backed job queue shared by the server and
// poller processes.
//
// Each named queue is a pending list plus a delayed sorted set. Claimed jobs
// move into a claims hash with a visibility deadline; a job whose worker dies
// becomes visible again once the deadline passes. Failed jobs are retried
// after a delay until they exhaust their attempts, then land in a dead-letter
// list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/onu-poller/pkg/types"
)

// ErrEmpty is returned by Claim when no job is ready.
var ErrEmpty = errors.New("queue empty")

// Job is the envelope stored in Redis.
type Job struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Queue      string          `json:"queue"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload of job %s: %w", j.Kind, j.ID, err)
	}
	return nil
}

// Claim is a job leased to one consumer until VisibleAt.
type Claim struct {
	Job       Job
	Receipt   string
	VisibleAt time.Time
}

// Broker reads and writes every named queue under one key prefix.
type Broker struct {
	client      *redis.Client
	prefix      string
	maxAttempts int
	logger      *slog.Logger
}

// NewBroker creates a broker. Jobs failing maxAttempts times are dead-lettered.
func NewBroker(client *redis.Client, prefix string, maxAttempts int, logger *slog.Logger) *Broker {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Broker{
		client:      client,
		prefix:      prefix,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "queue"),
	}
}

func (b *Broker) pendingKey(q string) string    { return b.prefix + "queue:" + q + ":pending" }
func (b *Broker) delayedKey(q string) string    { return b.prefix + "queue:" + q + ":delayed" }
func (b *Broker) claimsKey(q string) string     { return b.prefix + "queue:" + q + ":claims" }
func (b *Broker) visibilityKey(q string) string { return b.prefix + "queue:" + q + ":visibility" }
func (b *Broker) deadKey(q string) string       { return b.prefix + "queue:" + q + ":dead" }

func newJob(queue string, kind Kind, payload any) (*Job, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	job := &Job{
		ID:         uuid.New().String(),
		Kind:       kind,
		Queue:      queue,
		EnqueuedAt: time.Now().UTC(),
		Payload:    body,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding job: %w", err)
	}
	return job, data, nil
}

// Enqueue makes a job ready immediately.
func (b *Broker) Enqueue(ctx context.Context, queue string, kind Kind, payload any) (*Job, error) {
	job, data, err := newJob(queue, kind, payload)
	if err != nil {
		return nil, err
	}
	if err := b.client.LPush(ctx, b.pendingKey(queue), data).Err(); err != nil {
		return nil, fmt.Errorf("failed to push %s job to redis: %w", kind, err)
	}
	return job, nil
}

// EnqueueIn makes a job ready after delay.
func (b *Broker) EnqueueIn(ctx context.Context, queue string, kind Kind, payload any, delay time.Duration) (*Job, error) {
	if delay <= 0 {
		return b.Enqueue(ctx, queue, kind, payload)
	}
	job, data, err := newJob(queue, kind, payload)
	if err != nil {
		return nil, err
	}
	due := time.Now().Add(delay).UnixMilli()
	if err := b.client.ZAdd(ctx, b.delayedKey(queue), redis.Z{Score: float64(due), Member: data}).Err(); err != nil {
		return nil, fmt.Errorf("failed to schedule %s job: %w", kind, err)
	}
	return job, nil
}

var claimScript = redis.NewScript(`
local raw = redis.call("RPOP", KEYS[1])
if not raw then
	return false
end
redis.call("HSET", KEYS[2], ARGV[1], raw)
redis.call("ZADD", KEYS[3], ARGV[2], ARGV[1])
return raw
`)

// Claim leases the oldest ready job of a queue for visibility. It returns
// ErrEmpty when nothing is ready.
func (b *Broker) Claim(ctx context.Context, queue string, visibility time.Duration) (*Claim, error) {
	receipt := uuid.New().String()
	visibleAt := time.Now().Add(visibility)

	raw, err := claimScript.Run(ctx, b.client,
		[]string{b.pendingKey(queue), b.claimsKey(queue), b.visibilityKey(queue)},
		receipt, visibleAt.UnixMilli(),
	).Text()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claiming from %s: %w", queue, err)
	}

	c := &Claim{Receipt: receipt, VisibleAt: visibleAt}
	if err := json.Unmarshal([]byte(raw), &c.Job); err != nil {
		b.logger.Warn("dead-lettering undecodable job", "queue", queue, "error", err)
		pipe := b.client.TxPipeline()
		pipe.LPush(ctx, b.deadKey(queue), raw)
		pipe.HDel(ctx, b.claimsKey(queue), receipt)
		pipe.ZRem(ctx, b.visibilityKey(queue), receipt)
		if _, perr := pipe.Exec(ctx); perr != nil {
			return nil, fmt.Errorf("dead-lettering job: %w", perr)
		}
		return nil, ErrEmpty
	}
	return c, nil
}

var extendScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("ZADD", KEYS[2], "XX", ARGV[2], ARGV[1])
return 1
`)

// Extend pushes a claim's visibility deadline to now+visibility. It returns
// false when the claim is no longer held, either settled or already handed
// back to the queue by the reaper.
func (b *Broker) Extend(ctx context.Context, c *Claim, visibility time.Duration) (bool, error) {
	q := c.Job.Queue
	visibleAt := time.Now().Add(visibility)
	n, err := extendScript.Run(ctx, b.client,
		[]string{b.claimsKey(q), b.visibilityKey(q)},
		c.Receipt, visibleAt.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("extending claim of job %s: %w", c.Job.ID, err)
	}
	if n == 0 {
		return false, nil
	}
	c.VisibleAt = visibleAt
	return true, nil
}

// Ack removes a finished job.
func (b *Broker) Ack(ctx context.Context, c *Claim) error {
	q := c.Job.Queue
	pipe := b.client.TxPipeline()
	pipe.HDel(ctx, b.claimsKey(q), c.Receipt)
	pipe.ZRem(ctx, b.visibilityKey(q), c.Receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("acking job %s: %w", c.Job.ID, err)
	}
	return nil
}

// Nack releases a failed job. It is retried after delay, or dead-lettered
// once it has used up its attempts. It reports whether the job was dead-lettered.
func (b *Broker) Nack(ctx context.Context, c *Claim, delay time.Duration) (bool, error) {
	q := c.Job.Queue
	job := c.Job
	job.Attempts++
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encoding job: %w", err)
	}

	dead := job.Attempts >= b.maxAttempts
	pipe := b.client.TxPipeline()
	if dead {
		pipe.LPush(ctx, b.deadKey(q), data)
	} else {
		due := time.Now().Add(delay).UnixMilli()
		pipe.ZAdd(ctx, b.delayedKey(q), redis.Z{Score: float64(due), Member: data})
	}
	pipe.HDel(ctx, b.claimsKey(q), c.Receipt)
	pipe.ZRem(ctx, b.visibilityKey(q), c.Receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("nacking job %s: %w", c.Job.ID, err)
	}
	return dead, nil
}

var requeueExpiredScript = redis.NewScript(`
local receipts = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, r in ipairs(receipts) do
	local raw = redis.call("HGET", KEYS[2], r)
	if raw then
		redis.call("LPUSH", KEYS[1], raw)
	end
	redis.call("HDEL", KEYS[2], r)
	redis.call("ZREM", KEYS[3], r)
end
return #receipts
`)

// RequeueExpired returns up to max claims whose visibility deadline passed
// to the pending list.
func (b *Broker) RequeueExpired(ctx context.Context, queue string, now time.Time, max int) (int, error) {
	n, err := requeueExpiredScript.Run(ctx, b.client,
		[]string{b.pendingKey(queue), b.claimsKey(queue), b.visibilityKey(queue)},
		now.UnixMilli(), max,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("requeueing expired claims on %s: %w", queue, err)
	}
	return n, nil
}

var promoteDueScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, raw in ipairs(due) do
	redis.call("ZREM", KEYS[2], raw)
	redis.call("LPUSH", KEYS[1], raw)
end
return #due
`)

// PromoteDue moves up to max delayed jobs whose time has come to the pending list.
func (b *Broker) PromoteDue(ctx context.Context, queue string, now time.Time, max int) (int, error) {
	n, err := promoteDueScript.Run(ctx, b.client,
		[]string{b.pendingKey(queue), b.delayedKey(queue)},
		now.UnixMilli(), max,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promoting delayed jobs on %s: %w", queue, err)
	}
	return n, nil
}

// Depth reports the backlog of a queue.
func (b *Broker) Depth(ctx context.Context, queue string) (types.QueueDepth, error) {
	pipe := b.client.Pipeline()
	pending := pipe.LLen(ctx, b.pendingKey(queue))
	delayed := pipe.ZCard(ctx, b.delayedKey(queue))
	inFlight := pipe.HLen(ctx, b.claimsKey(queue))
	dead := pipe.LLen(ctx, b.deadKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return types.QueueDepth{}, fmt.Errorf("reading depth of %s: %w", queue, err)
	}
	return types.QueueDepth{
		Name:       queue,
		Pending:    pending.Val(),
		Delayed:    delayed.Val(),
		InFlight:   inFlight.Val(),
		DeadLetter: dead.Val(),
	}, nil
}

// DeadLetters returns up to max dead-lettered jobs, newest first.
func (b *Broker) DeadLetters(ctx context.Context, queue string, max int) ([]Job, error) {
	raws, err := b.client.LRange(ctx, b.deadKey(queue), 0, int64(max-1)).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var j Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			b.logger.Warn("skipping undecodable dead letter", "queue", queue, "error", err)
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (c *Claim) String() string {
	return c.Job.Kind.String() + "/" + c.Job.ID + " (attempt " + strconv.Itoa(c.Job.Attempts+1) + ")"
}
