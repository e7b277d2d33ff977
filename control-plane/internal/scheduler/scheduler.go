// Package scheduler drives the quarter-hour polling cycle.
//
// A cron trigger enqueues the first phase of a cycle. Each phase job selects
// the due tasks of its phase, dispatches the discovery ones (their executions
// exist and their walks are queued before the job returns), fires the bulk
// ones as run-task jobs without waiting for them, and then enqueues the next
// phase. Phases of one cycle therefore never overlap in dispatch order.
//
// Every task of a phase is marked once per cycle before it is dispatched, so
// a phase job redelivered after a failed hand-over only dispatches the tasks
// the earlier delivery never reached.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pilot-net/onu-poller/control-plane/internal/queue"
	"github.com/pilot-net/onu-poller/pkg/types"
)

// Store selects due tasks.
type Store interface {
	ListDueTasks(ctx context.Context, phase types.Phase, bucket types.IntervalBucket, staleBefore time.Time) ([]types.Task, error)
}

// Discovery dispatches the executions of a discovery task.
type Discovery interface {
	DispatchDiscovery(ctx context.Context, task *types.Task) ([]int64, error)
}

// Jobs submits queue jobs.
type Jobs interface {
	Enqueue(ctx context.Context, queueName string, kind queue.Kind, payload any) (*queue.Job, error)
}

// Once guards a cycle against being started twice by concurrent servers, and
// a task against being dispatched twice within one cycle.
type Once interface {
	Once(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// Config holds scheduler settings.
type Config struct {
	// Cron is a six-field (seconds first) schedule.
	Cron string
	// StaleAfter is how old a task's last execution must be to run again.
	StaleAfter time.Duration
	// Queue receives phase and run-task jobs.
	Queue string
}

// Scheduler starts polling cycles.
type Scheduler struct {
	store     Store
	discovery Discovery
	jobs      Jobs
	once      Once
	config    Config
	logger    *slog.Logger
	cron      *cron.Cron
}

// New creates a scheduler.
func New(store Store, discovery Discovery, jobs Jobs, once Once, config Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		discovery: discovery,
		jobs:      jobs,
		once:      once,
		config:    config,
		logger:    logger.With("component", "scheduler"),
	}
}

// Start registers the cron trigger and starts it.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(s.config.Cron, func() {
		if err := s.Tick(ctx, time.Now()); err != nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("parsing schedule %q: %w", s.config.Cron, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("scheduler started", "cron", s.config.Cron, "stale_after", s.config.StaleAfter)
	return nil
}

// Stop halts the trigger and waits for a running tick to return.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Tick starts the cycle of the quarter-hour containing now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	cycleAt := now.Truncate(15 * time.Minute)
	bucket := types.BucketFor(cycleAt)

	if s.once != nil {
		first, err := s.once.Once(ctx, "cycle:"+cycleAt.UTC().Format(time.RFC3339), 15*time.Minute)
		if err != nil {
			return fmt.Errorf("claiming cycle: %w", err)
		}
		if !first {
			s.logger.Debug("cycle already started elsewhere", "cycle_at", cycleAt)
			return nil
		}
	}

	payload := queue.SchedulerPhase{CycleAt: cycleAt, Bucket: bucket, Phase: types.PhaseOrder[0]}
	if _, err := s.jobs.Enqueue(ctx, s.config.Queue, queue.KindSchedulerPhase, payload); err != nil {
		return fmt.Errorf("enqueueing first phase: %w", err)
	}
	s.logger.Info("cycle started", "cycle_at", cycleAt, "bucket", bucket)
	return nil
}

// HandlePhase runs a phase job.
func (s *Scheduler) HandlePhase(ctx context.Context, job *queue.Job) error {
	var p queue.SchedulerPhase
	if err := job.Decode(&p); err != nil {
		return err
	}
	return s.RunPhase(ctx, p)
}

// firstDispatch marks task as dispatched for the cycle and phase of p. It
// reports false when an earlier delivery of the phase already marked it.
func (s *Scheduler) firstDispatch(ctx context.Context, p queue.SchedulerPhase, taskID int64) (bool, error) {
	if s.once == nil {
		return true, nil
	}
	name := fmt.Sprintf("phase:%s:%s:task:%d", p.CycleAt.UTC().Format(time.RFC3339), p.Phase, taskID)
	first, err := s.once.Once(ctx, name, 15*time.Minute)
	if err != nil {
		return false, fmt.Errorf("marking task %d dispatched: %w", taskID, err)
	}
	return first, nil
}

// RunPhase dispatches the due tasks of one phase and hands over to the next.
func (s *Scheduler) RunPhase(ctx context.Context, p queue.SchedulerPhase) error {
	logger := s.logger.With("cycle_at", p.CycleAt, "bucket", p.Bucket, "phase", p.Phase)
	start := time.Now()

	tasks, err := s.store.ListDueTasks(ctx, p.Phase, p.Bucket, p.CycleAt.Add(-s.config.StaleAfter))
	if err != nil {
		return fmt.Errorf("listing due tasks: %w", err)
	}

	var discoveries, executions, bulk, skipped int
	for i := range tasks {
		task := &tasks[i]
		first, err := s.firstDispatch(ctx, p, task.ID)
		if err != nil {
			return err
		}
		if !first {
			skipped++
			continue
		}
		if !task.IsBulk() {
			ids, err := s.discovery.DispatchDiscovery(ctx, task)
			if err != nil {
				logger.Error("failed to dispatch discovery", "task_id", task.ID, "error", err)
				continue
			}
			discoveries++
			executions += len(ids)
			continue
		}

		payload := queue.RunTask{TaskID: task.ID}
		if _, err := s.jobs.Enqueue(ctx, s.config.Queue, queue.KindRunTask, payload); err != nil {
			logger.Error("failed to enqueue bulk task", "task_id", task.ID, "error", err)
			continue
		}
		bulk++
	}

	logger.Info("phase dispatched",
		"due", len(tasks),
		"discovery_tasks", discoveries,
		"discovery_executions", executions,
		"bulk_tasks", bulk,
		"already_dispatched", skipped,
		"duration", time.Since(start),
	)

	next, ok := p.Phase.Next()
	if !ok {
		logger.Info("cycle complete")
		return nil
	}
	payload := queue.SchedulerPhase{CycleAt: p.CycleAt, Bucket: p.Bucket, Phase: next}
	if _, err := s.jobs.Enqueue(ctx, s.config.Queue, queue.KindSchedulerPhase, payload); err != nil {
		return fmt.Errorf("enqueueing phase %s: %w", next, err)
	}
	return nil
}
