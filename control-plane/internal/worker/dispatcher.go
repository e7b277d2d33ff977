// Package worker runs the queue consumers and the background maintenance
// loops of the poller process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/pilot-net/onu-poller/control-plane/internal/queue"
)

// Handler processes one job. A returned error nacks it for redelivery.
type Handler func(ctx context.Context, job *queue.Job) error

// Broker is the subset of the queue the dispatcher consumes.
type Broker interface {
	Claim(ctx context.Context, queueName string, visibility time.Duration) (*queue.Claim, error)
	Ack(ctx context.Context, c *queue.Claim) error
	Nack(ctx context.Context, c *queue.Claim, delay time.Duration) (bool, error)
	Extend(ctx context.Context, c *queue.Claim, visibility time.Duration) (bool, error)
	RequeueExpired(ctx context.Context, queueName string, now time.Time, max int) (int, error)
	PromoteDue(ctx context.Context, queueName string, now time.Time, max int) (int, error)
}

// DispatcherConfig holds dispatcher settings.
type DispatcherConfig struct {
	// Queues maps a queue name to its number of consumer goroutines.
	Queues map[string]int

	Visibility time.Duration
	// ExtendInterval is how often a running job's claim is pushed out by
	// another Visibility. Zero means a third of Visibility.
	ExtendInterval time.Duration
	PollInterval   time.Duration
	ReapInterval   time.Duration

	// RetryDelay is the first redelivery delay; later attempts double it up
	// to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// ReapBatch bounds the jobs moved per queue per reap.
	ReapBatch int
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Queues:         map[string]int{"principal": 4, "workers": 16, "secondary": 2},
		Visibility:     5 * time.Minute,
		ExtendInterval: time.Minute,
		PollInterval:   500 * time.Millisecond,
		ReapInterval:   5 * time.Second,
		RetryDelay:     10 * time.Second,
		MaxRetryDelay:  5 * time.Minute,
		ReapBatch:      500,
	}
}

// Dispatcher claims jobs from named queues and routes them by kind.
type Dispatcher struct {
	broker   Broker
	config   DispatcherConfig
	logger   *slog.Logger
	handlers map[queue.Kind]Handler

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Handlers must be registered before Start.
func NewDispatcher(broker Broker, config DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if config.ReapBatch <= 0 {
		config.ReapBatch = 500
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if config.ExtendInterval <= 0 || config.ExtendInterval >= config.Visibility {
		config.ExtendInterval = config.Visibility / 3
	}
	return &Dispatcher{
		broker:   broker,
		config:   config,
		logger:   logger.With("component", "dispatcher"),
		handlers: make(map[queue.Kind]Handler),
		stopCh:   make(chan struct{}),
	}
}

// Register routes jobs of kind to h.
func (d *Dispatcher) Register(kind queue.Kind, h Handler) {
	d.handlers[kind] = h
}

// Start launches the consumers and the reaper.
func (d *Dispatcher) Start(ctx context.Context) {
	names := make([]string, 0, len(d.config.Queues))
	for name, n := range d.config.Queues {
		if n > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		for i := 0; i < d.config.Queues[name]; i++ {
			d.wg.Add(1)
			go d.consume(ctx, name)
		}
	}
	if d.config.ReapInterval > 0 {
		d.wg.Add(1)
		go d.reap(ctx, names)
	}

	d.logger.Info("dispatcher started", "queues", d.config.Queues, "kinds", len(d.handlers))
}

// Stop signals every goroutine and waits for in-progress jobs to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) consume(ctx context.Context, name string) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		claim, err := d.broker.Claim(ctx, name, d.config.Visibility)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				d.logger.Error("claim failed", "queue", name, "error", err)
			}
			if !d.wait(ctx, d.config.PollInterval) {
				return
			}
			continue
		}
		d.process(ctx, claim)
	}
}

// process runs one claimed job and settles it.
func (d *Dispatcher) process(ctx context.Context, claim *queue.Claim) {
	logger := d.logger.With("queue", claim.Job.Queue, "job", claim.String())
	start := time.Now()

	done := make(chan struct{})
	extended := make(chan struct{})
	go func() {
		defer close(extended)
		d.keepClaimed(ctx, claim, done, logger)
	}()
	err := d.run(ctx, claim)
	close(done)
	<-extended

	// Settle even when shutting down so the claim does not wait out its visibility.
	settleCtx := context.WithoutCancel(ctx)
	if err == nil {
		if ackErr := d.broker.Ack(settleCtx, claim); ackErr != nil {
			logger.Error("ack failed", "error", ackErr)
		}
		logger.Debug("job done", "duration", time.Since(start))
		return
	}

	delay := d.retryDelay(claim.Job.Attempts)
	dead, nackErr := d.broker.Nack(settleCtx, claim, delay)
	if nackErr != nil {
		logger.Error("nack failed", "error", nackErr)
		return
	}
	if dead {
		logger.Error("job dead-lettered", "error", err, "duration", time.Since(start))
		return
	}
	logger.Warn("job failed, will retry", "error", err, "retry_in", delay)
}

// keepClaimed extends the claim every ExtendInterval until done is closed, so
// a job that outlives Visibility is not handed to a second consumer.
func (d *Dispatcher) keepClaimed(ctx context.Context, claim *queue.Claim, done <-chan struct{}, logger *slog.Logger) {
	if d.config.ExtendInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.config.ExtendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ok, err := d.broker.Extend(context.WithoutCancel(ctx), claim, d.config.Visibility)
			if err != nil {
				logger.Error("failed to extend claim", "error", err)
				continue
			}
			if !ok {
				logger.Warn("claim lost while job was running")
				return
			}
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, claim *queue.Claim) (err error) {
	h, ok := d.handlers[claim.Job.Kind]
	if !ok {
		return fmt.Errorf("no handler for job kind %q", claim.Job.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, &claim.Job)
}

// retryDelay is the exponential delay before redelivery number attempts+1.
func (d *Dispatcher) retryDelay(attempts int) time.Duration {
	if d.config.RetryDelay <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.config.RetryDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	if d.config.MaxRetryDelay > 0 {
		b.MaxInterval = d.config.MaxRetryDelay
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (d *Dispatcher) reap(ctx context.Context, names []string) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.ReapOnce(ctx, time.Now(), names)
		}
	}
}

// ReapOnce promotes due delayed jobs and returns expired claims to their queues.
func (d *Dispatcher) ReapOnce(ctx context.Context, now time.Time, names []string) {
	for _, name := range names {
		promoted, err := d.broker.PromoteDue(ctx, name, now, d.config.ReapBatch)
		if err != nil {
			d.logger.Error("failed to promote delayed jobs", "queue", name, "error", err)
		}
		expired, err := d.broker.RequeueExpired(ctx, name, now, d.config.ReapBatch)
		if err != nil {
			d.logger.Error("failed to requeue expired claims", "queue", name, "error", err)
		}
		if expired > 0 {
			d.logger.Warn("requeued expired claims", "queue", name, "count", expired)
		}
		if promoted > 0 {
			d.logger.Debug("promoted delayed jobs", "queue", name, "count", promoted)
		}
	}
}

// wait sleeps for d or until the dispatcher stops. It reports whether to continue.
func (d *Dispatcher) wait(ctx context.Context, dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-d.stopCh:
		return false
	case <-t.C:
		return true
	}
}
