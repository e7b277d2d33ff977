package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pilot-net/onu-poller/control-plane/internal/aggregator"
	"github.com/pilot-net/onu-poller/control-plane/internal/coord"
	"github.com/pilot-net/onu-poller/control-plane/internal/poller"
	"github.com/pilot-net/onu-poller/control-plane/internal/queue"
	"github.com/pilot-net/onu-poller/pkg/types"
)

// SlotName is the in-flight slot set of a task's chunks.
func SlotName(taskID int64) string {
	return "inflight:task:" + strconv.FormatInt(taskID, 10)
}

// HandleChunk admits, polls and reports one chunk.
//
// A returned error means the chunk should be redelivered. Once the queue
// has exhausted the job's attempts the chunk reports an error outcome
// instead, so the execution still reaches its aggregate step.
func (o *Orchestrator) HandleChunk(ctx context.Context, job *queue.Job) error {
	var p queue.PollChunk
	if err := job.Decode(&p); err != nil {
		return err
	}
	logger := o.logger.With("task_id", p.TaskID, "execution_id", p.ExecutionID, "chunk", p.ChunkIndex)

	ceiling := p.MaxInFlight
	if ceiling <= 0 {
		ceiling = o.cfg.Polling.MaxConcurrentChunks
	}
	slot := SlotName(p.TaskID)

	token, err := o.coord.AcquireSlot(ctx, slot, ceiling, o.cfg.Polling.SlotTTL)
	if err != nil {
		return fmt.Errorf("acquiring chunk slot: %w", err)
	}
	if token == "" {
		return o.requeue(ctx, p)
	}

	done := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		o.holdSlot(ctx, slot, token, done, logger)
	}()
	out, err := o.chunks.PollChunk(ctx, poller.Input{
		TaskID:      p.TaskID,
		ExecutionID: p.ExecutionID,
		HostID:      p.HostID,
		ChunkIndex:  p.ChunkIndex,
		Indices:     p.Indices,
	})
	close(done)
	<-renewed
	if relErr := o.coord.ReleaseSlot(context.WithoutCancel(ctx), slot, token); relErr != nil {
		logger.Warn("failed to release chunk slot", "error", relErr)
	}
	if err != nil {
		if job.Attempts+1 < o.maxAttempts() {
			return err
		}
		logger.Error("chunk failed on its last attempt", "attempts", job.Attempts+1, "error", err)
		out = &types.ChunkOutcome{ChunkIndex: p.ChunkIndex, Requested: len(p.Indices)}
		out.AddError("chunk %d: %v", p.ChunkIndex, err)
	}

	return o.report(ctx, p, out)
}

// holdSlot renews the chunk's slot every third of SlotTTL until done is
// closed, so a slow poll keeps counting against the ceiling.
func (o *Orchestrator) holdSlot(ctx context.Context, slot, token string, done <-chan struct{}, logger *slog.Logger) {
	every := o.cfg.Polling.SlotTTL / 3
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ok, err := o.coord.RenewSlot(context.WithoutCancel(ctx), slot, token, o.cfg.Polling.SlotTTL)
			if err != nil {
				logger.Warn("failed to renew chunk slot", "error", err)
				continue
			}
			if !ok {
				logger.Warn("chunk slot expired while polling")
				return
			}
		}
	}
}

// requeue re-enqueues a chunk that found its task at the ceiling, or reports
// it as failed once the admission budget is spent.
func (o *Orchestrator) requeue(ctx context.Context, p queue.PollChunk) error {
	p.Admission++
	if p.Admission >= o.cfg.Polling.MaxAdmissionAttempts {
		o.logger.Warn("chunk never admitted",
			"task_id", p.TaskID,
			"execution_id", p.ExecutionID,
			"chunk", p.ChunkIndex,
			"attempts", p.Admission,
		)
		out := &types.ChunkOutcome{ChunkIndex: p.ChunkIndex, Requested: len(p.Indices)}
		out.AddError("chunk %d: not admitted after %d attempts, %d indices skipped", p.ChunkIndex, p.Admission, len(p.Indices))
		return o.report(ctx, p, out)
	}

	if _, err := o.jobs.EnqueueIn(ctx, o.cfg.ChunkQueue, queue.KindPollChunk, p, o.cfg.Polling.AdmissionRetryDelay); err != nil {
		return fmt.Errorf("deferring chunk %d: %w", p.ChunkIndex, err)
	}
	o.logger.Debug("chunk deferred, task at ceiling",
		"task_id", p.TaskID,
		"chunk", p.ChunkIndex,
		"admission", p.Admission,
	)
	return nil
}

// report lands a chunk outcome on the execution's chord and enqueues the
// aggregate job when it was the last one.
func (o *Orchestrator) report(ctx context.Context, p queue.PollChunk, out *types.ChunkOutcome) error {
	done, err := o.coord.CompleteChord(ctx, p.ExecutionID, p.ChunkIndex, out, o.cfg.Polling.ChordTTL)
	if errors.Is(err, coord.ErrNoChord) {
		o.logger.Info("chunk reported after execution was finalized",
			"execution_id", p.ExecutionID,
			"chunk", p.ChunkIndex,
		)
		return nil
	}
	if err != nil {
		return err
	}
	if !done {
		return nil
	}

	payload := queue.Aggregate{TaskID: p.TaskID, ExecutionID: p.ExecutionID, HostID: p.HostID}
	if _, err := o.jobs.Enqueue(ctx, o.cfg.ControlQueue, queue.KindAggregate, payload); err != nil {
		return fmt.Errorf("enqueueing aggregate for execution %d: %w", p.ExecutionID, err)
	}
	return nil
}

// HandleAggregate finalises an execution.
func (o *Orchestrator) HandleAggregate(ctx context.Context, job *queue.Job) error {
	var p queue.Aggregate
	if err := job.Decode(&p); err != nil {
		return err
	}
	_, err := o.agg.Aggregate(ctx, aggregator.Input{
		TaskID:      p.TaskID,
		ExecutionID: p.ExecutionID,
		HostID:      p.HostID,
	})
	return err
}

// HandleRunTask dispatches a manual or scheduled run.
func (o *Orchestrator) HandleRunTask(ctx context.Context, job *queue.Job) error {
	var p queue.RunTask
	if err := job.Decode(&p); err != nil {
		return err
	}
	_, err := o.RunTask(ctx, p.TaskID, p.HostID, p.Manual)
	if errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrHostNotAssigned) {
		o.logger.Warn("dropping run request", "task_id", p.TaskID, "error", err)
		return nil
	}
	return err
}

// HandleDiscovery runs a discovery walk.
func (o *Orchestrator) HandleDiscovery(ctx context.Context, job *queue.Job) error {
	var p queue.Discovery
	if err := job.Decode(&p); err != nil {
		return err
	}
	return o.Discover(ctx, p)
}

func (o *Orchestrator) maxAttempts() int {
	if o.cfg.MaxJobAttempts <= 0 {
		return 1
	}
	return o.cfg.MaxJobAttempts
}
