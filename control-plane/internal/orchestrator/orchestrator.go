// Package orchestrator turns tasks into executions and executions into
// chunk jobs.
//
// # Fan-out
//
// For every (task, host) pair the orchestrator creates one execution, reads
// the host's ONU indices and partitions them into chunks. A chord barrier
// keyed by the execution id is registered for the chunk count and every chunk
// is enqueued on the workers queue. The chunk that completes the barrier
// enqueues the aggregate job.
//
// # Admission
//
// A task never has more than its ceiling of chunks polling at once. A chunk
// takes a holder slot in a Redis sorted set before polling; when every slot is
// taken the chunk re-enqueues itself with a delay instead of holding a worker.
// Holders renew their slot while polling and expire on their own when they
// stop, so a crashed worker cannot leak one for good.
//
// # Retries
//
// A run job is not retried for a host that failed to dispatch. Each failure
// is logged and recorded on that host's execution, and the remaining hosts
// are still dispatched, so redelivery never duplicates executions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/pilot-net/onu-poller/control-plane/internal/aggregator"
	"github.com/pilot-net/onu-poller/control-plane/internal/config"
	"github.com/pilot-net/onu-poller/control-plane/internal/poller"
	"github.com/pilot-net/onu-poller/control-plane/internal/queue"
	"github.com/pilot-net/onu-poller/control-plane/internal/snmp"
	"github.com/pilot-net/onu-poller/pkg/types"
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrHostNotAssigned = errors.New("host not assigned to task")
)

// Store is the subset of the store the orchestrator needs.
type Store interface {
	GetTask(ctx context.Context, id int64) (*types.Task, error)
	GetHost(ctx context.Context, id int64) (*types.Host, error)
	ListIndexRefs(ctx context.Context, hostID int64) ([]types.IndexRef, error)
	UpsertDiscovered(ctx context.Context, hostID int64, onus []types.DiscoveredOnu) (int64, error)

	CreateExecution(ctx context.Context, taskID, hostID int64) (*types.Execution, error)
	MarkExecutionRunning(ctx context.Context, id int64) (bool, error)
	FinishExecution(ctx context.Context, id int64, status types.ExecutionStatus, summary *types.ExecutionSummary, errText string) (bool, error)
	FailExecution(ctx context.Context, id int64, errText string) (bool, error)
	StampTaskExecution(ctx context.Context, taskID int64, at time.Time) error
}

// Coordinator provides in-flight slots and chord barriers.
type Coordinator interface {
	AcquireSlot(ctx context.Context, name string, max int, ttl time.Duration) (string, error)
	RenewSlot(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	ReleaseSlot(ctx context.Context, name, token string) error
	InitChord(ctx context.Context, executionID int64, size int, ttl time.Duration) error
	CompleteChord(ctx context.Context, executionID int64, index int, result any, ttl time.Duration) (bool, error)
}

// Jobs submits queue jobs.
type Jobs interface {
	Enqueue(ctx context.Context, queueName string, kind queue.Kind, payload any) (*queue.Job, error)
	EnqueueIn(ctx context.Context, queueName string, kind queue.Kind, payload any, delay time.Duration) (*queue.Job, error)
}

// ChunkPoller polls one chunk.
type ChunkPoller interface {
	PollChunk(ctx context.Context, in poller.Input) (*types.ChunkOutcome, error)
}

// Aggregator finalises executions.
type Aggregator interface {
	Aggregate(ctx context.Context, in aggregator.Input) (*aggregator.Result, error)
}

// Config holds the orchestration knobs.
type Config struct {
	Polling config.PollingConfig
	SNMP    config.SNMPConfig

	// ControlQueue carries run-task, aggregate and discovery jobs.
	ControlQueue string
	// ChunkQueue carries poll-chunk jobs.
	ChunkQueue string
	// MaxJobAttempts matches the broker's delivery budget.
	MaxJobAttempts int
}

// Orchestrator dispatches executions and runs chunk, aggregate and
// discovery jobs.
type Orchestrator struct {
	store   Store
	coord   Coordinator
	jobs    Jobs
	chunks  ChunkPoller
	agg     Aggregator
	dialer  snmp.Dialer
	secrets poller.CommunityResolver
	cfg     Config
	logger  *slog.Logger
}

// New creates an orchestrator.
func New(store Store, coord Coordinator, jobs Jobs, chunks ChunkPoller, agg Aggregator, dialer snmp.Dialer, secrets poller.CommunityResolver, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:   store,
		coord:   coord,
		jobs:    jobs,
		chunks:  chunks,
		agg:     agg,
		dialer:  dialer,
		secrets: secrets,
		cfg:     cfg,
		logger:  logger.With("component", "orchestrator"),
	}
}

// RunTask dispatches one execution per host of a task, or only for hostID
// when given. Manual runs ignore the task's active flag. It returns the ids
// of the executions it created. A host that fails to dispatch is logged and
// skipped; only task-level failures are returned.
func (o *Orchestrator) RunTask(ctx context.Context, taskID int64, hostID *int64, manual bool) ([]int64, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading task %d: %w", taskID, err)
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
	}
	if !manual && !task.Active {
		o.logger.Info("skipping inactive task", "task_id", task.ID)
		return nil, nil
	}

	hostIDs := task.HostIDs
	if hostID != nil {
		if !slices.Contains(task.HostIDs, *hostID) {
			return nil, fmt.Errorf("%w: host %d, task %d", ErrHostNotAssigned, *hostID, task.ID)
		}
		hostIDs = []int64{*hostID}
	}

	var execIDs []int64
	for _, id := range hostIDs {
		host, err := o.store.GetHost(ctx, id)
		if err != nil {
			o.logger.Error("failed to load host, skipping", "task_id", task.ID, "host_id", id, "error", err)
			continue
		}
		if host == nil {
			o.logger.Warn("task references missing host", "task_id", task.ID, "host_id", id)
			continue
		}
		execID, err := o.dispatch(ctx, task, host)
		if execID != 0 {
			execIDs = append(execIDs, execID)
		}
		if err != nil {
			o.logger.Error("failed to dispatch execution",
				"task_id", task.ID,
				"host_id", host.ID,
				"execution_id", execID,
				"error", err,
			)
		}
	}
	return execIDs, nil
}

// DispatchDiscovery creates one execution per host of a discovery task and
// enqueues the walks.
func (o *Orchestrator) DispatchDiscovery(ctx context.Context, task *types.Task) ([]int64, error) {
	if task.IsBulk() {
		return nil, fmt.Errorf("task %d is not a discovery task", task.ID)
	}
	return o.RunTask(ctx, task.ID, nil, true)
}

// dispatch creates the execution of one (task, host) pair and fans it out.
func (o *Orchestrator) dispatch(ctx context.Context, task *types.Task, host *types.Host) (int64, error) {
	logger := o.logger.With("task_id", task.ID, "host", host.Name)

	exec, err := o.store.CreateExecution(ctx, task.ID, host.ID)
	if err != nil {
		return 0, fmt.Errorf("creating execution for task %d host %d: %w", task.ID, host.ID, err)
	}
	logger = logger.With("execution_id", exec.ID)

	if !host.Active {
		if _, err := o.store.FailExecution(ctx, exec.ID, "host inactive"); err != nil {
			return exec.ID, fmt.Errorf("failing execution %d: %w", exec.ID, err)
		}
		logger.Info("host inactive, execution failed without dispatch")
		return exec.ID, nil
	}

	if !task.IsBulk() {
		payload := queue.Discovery{HostID: host.ID, TaskID: task.ID, ExecutionID: exec.ID}
		if _, err := o.jobs.Enqueue(ctx, o.cfg.ControlQueue, queue.KindDiscovery, payload); err != nil {
			return exec.ID, o.abandon(ctx, exec.ID, fmt.Errorf("enqueueing discovery: %w", err))
		}
		logger.Debug("discovery enqueued")
		return exec.ID, nil
	}

	refs, err := o.store.ListIndexRefs(ctx, host.ID)
	if err != nil {
		return exec.ID, o.abandon(ctx, exec.ID, fmt.Errorf("listing indices: %w", err))
	}
	if len(refs) == 0 {
		summary := &types.ExecutionSummary{Message: "no ONU records on host"}
		if _, err := o.store.FinishExecution(ctx, exec.ID, types.ExecutionCompleted, summary, ""); err != nil {
			return exec.ID, fmt.Errorf("finishing empty execution %d: %w", exec.ID, err)
		}
		if err := o.store.StampTaskExecution(ctx, task.ID, time.Now()); err != nil {
			logger.Warn("failed to stamp task execution", "error", err)
		}
		logger.Info("host has no records, execution completed")
		return exec.ID, nil
	}

	indices := make([]string, len(refs))
	for i, r := range refs {
		indices[i] = r.Index
	}
	parts := poller.Partition(indices, task.EffectiveChunkSize(o.cfg.Polling.ChunkSize))

	if _, err := o.store.MarkExecutionRunning(ctx, exec.ID); err != nil {
		return exec.ID, o.abandon(ctx, exec.ID, fmt.Errorf("marking execution running: %w", err))
	}
	if err := o.coord.InitChord(ctx, exec.ID, len(parts), o.cfg.Polling.ChordTTL); err != nil {
		return exec.ID, o.abandon(ctx, exec.ID, err)
	}

	maxInFlight := task.EffectiveMaxConcurrentChunks(o.cfg.Polling.MaxConcurrentChunks)
	for i, part := range parts {
		payload := queue.PollChunk{
			TaskID:      task.ID,
			ExecutionID: exec.ID,
			HostID:      host.ID,
			ChunkIndex:  i,
			Indices:     part,
			MaxInFlight: maxInFlight,
		}
		if _, err := o.jobs.Enqueue(ctx, o.cfg.ChunkQueue, queue.KindPollChunk, payload); err != nil {
			return exec.ID, o.abandon(ctx, exec.ID, fmt.Errorf("enqueueing chunk %d of %d: %w", i, len(parts), err))
		}
	}

	logger.Info("execution dispatched",
		"indices", len(indices),
		"chunks", len(parts),
		"max_in_flight", maxInFlight,
	)
	return exec.ID, nil
}

// abandon fails an execution whose fan-out could not be completed and
// returns cause.
func (o *Orchestrator) abandon(ctx context.Context, execID int64, cause error) error {
	if _, err := o.store.FailExecution(context.WithoutCancel(ctx), execID, cause.Error()); err != nil {
		o.logger.Error("failed to fail execution", "execution_id", execID, "error", err)
	}
	return cause
}
