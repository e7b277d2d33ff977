package worker

import (
	"context"
	"log/slog"
	"time"
)

// RetentionStore deletes old execution history.
type RetentionStore interface {
	// DeleteExecutionsBefore removes up to limit finished executions started
	// before cutoff and returns how many were removed.
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// RetentionWorkerConfig holds configuration for the retention worker.
type RetentionWorkerConfig struct {
	Interval   time.Duration
	MaxAge     time.Duration
	BatchSize  int
	BatchPause time.Duration
}

// DefaultRetentionWorkerConfig returns sensible defaults.
func DefaultRetentionWorkerConfig() RetentionWorkerConfig {
	return RetentionWorkerConfig{
		Interval:   6 * time.Hour,
		MaxAge:     30 * 24 * time.Hour,
		BatchSize:  500,
		BatchPause: 500 * time.Millisecond,
	}
}

// RetentionWorker prunes execution history in small batches so the delete
// never holds long locks on the executions table.
type RetentionWorker struct {
	store  RetentionStore
	config RetentionWorkerConfig
	logger *slog.Logger
	stopCh chan struct{}
	now    func() time.Time
}

// NewRetentionWorker creates a new retention worker.
func NewRetentionWorker(store RetentionStore, config RetentionWorkerConfig, logger *slog.Logger) *RetentionWorker {
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	return &RetentionWorker{
		store:  store,
		config: config,
		logger: logger.With("component", "retention_worker"),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Start begins the retention worker in a goroutine.
func (w *RetentionWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop.
func (w *RetentionWorker) Stop() {
	close(w.stopCh)
}

func (w *RetentionWorker) run(ctx context.Context) {
	w.logger.Info("retention worker started",
		"interval", w.config.Interval,
		"max_age", w.config.MaxAge,
		"batch_size", w.config.BatchSize,
	)

	w.RunOnce(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("retention worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("retention worker stopping (stop signal)")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce deletes batches until one comes back short, and returns the total removed.
func (w *RetentionWorker) RunOnce(ctx context.Context) int64 {
	start := time.Now()
	cutoff := w.now().Add(-w.config.MaxAge)

	var total int64
	batches := 0
	for {
		n, err := w.store.DeleteExecutionsBefore(ctx, cutoff, w.config.BatchSize)
		if err != nil {
			w.logger.Error("failed to delete old executions", "cutoff", cutoff, "error", err)
			break
		}
		total += n
		batches++
		if n < int64(w.config.BatchSize) {
			break
		}

		select {
		case <-ctx.Done():
			return total
		case <-w.stopCh:
			return total
		case <-time.After(w.config.BatchPause):
		}
	}

	if total > 0 {
		w.logger.Info("execution history pruned",
			"deleted", total,
			"batches", batches,
			"cutoff", cutoff,
			"duration", time.Since(start),
		)
	}
	return total
}
