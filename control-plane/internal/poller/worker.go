// Package poller reads one chunk of ONU indices from an OLT and writes the
// results to the data store.
//
// # Chunk lifecycle
//
//  1. Resolve the task's OID and target field. A missing mapping fails the
//     execution outright.
//  2. Map device indices to record ids; unmapped indices are errors.
//  3. Issue one batched GET. On timeout the cascade degrades to sub-chunks,
//     then to per-index probes, and a host verification is requested once
//     per execution.
//  4. Interpret every value and write it with the field's policy.
//
// Records reporting "no such instance" are not deleted here. Their ids go
// back in the outcome and the aggregator removes them in one statement.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pilot-net/onu-poller/control-plane/internal/config"
	"github.com/pilot-net/onu-poller/control-plane/internal/queue"
	"github.com/pilot-net/onu-poller/control-plane/internal/snmp"
	"github.com/pilot-net/onu-poller/pkg/types"
)

// ErrConfiguration marks failures no retry can fix.
var ErrConfiguration = errors.New("configuration error")

// Store is the subset of the store a chunk worker needs.
type Store interface {
	GetTask(ctx context.Context, id int64) (*types.Task, error)
	GetHost(ctx context.Context, id int64) (*types.Host, error)
	MapIndices(ctx context.Context, hostID int64, indices []string) (map[string]int64, error)
	ApplyFieldWrite(ctx context.Context, w types.FieldWrite) (bool, error)
	FailExecution(ctx context.Context, id int64, errText string) (bool, error)
}

// CommunityResolver turns a stored community value into the secret itself.
type CommunityResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Coordinator provides once-markers.
type Coordinator interface {
	Once(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// Enqueuer submits jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, kind queue.Kind, payload any) (*queue.Job, error)
}

// Config holds the chunk worker knobs.
type Config struct {
	SNMP            config.SNMPConfig
	SubChunkSize    int
	ProbeRetries    int
	ProbeRetryDelay time.Duration
	MaxRetryElapsed time.Duration

	VerifyQueue string
	// MarkerTTL bounds how long the once-per-execution verify marker lives.
	MarkerTTL time.Duration
}

// Input identifies one chunk.
type Input struct {
	TaskID      int64
	ExecutionID int64
	HostID      int64
	ChunkIndex  int
	Indices     []string
}

// Worker polls chunks.
type Worker struct {
	store   Store
	dialer  snmp.Dialer
	secrets CommunityResolver
	coord   Coordinator
	jobs    Enqueuer
	cfg     Config
	logger  *slog.Logger
}

// NewWorker creates a chunk worker.
func NewWorker(store Store, dialer snmp.Dialer, secrets CommunityResolver, coord Coordinator, jobs Enqueuer, cfg Config, logger *slog.Logger) *Worker {
	return &Worker{
		store:   store,
		dialer:  dialer,
		secrets: secrets,
		coord:   coord,
		jobs:    jobs,
		cfg:     cfg,
		logger:  logger.With("component", "poller"),
	}
}

// PollChunk polls one chunk and applies the results. Device and per-record
// problems are collected on the outcome; a returned error means the store
// or coordination layer failed and the chunk should be retried.
func (w *Worker) PollChunk(ctx context.Context, in Input) (*types.ChunkOutcome, error) {
	out := &types.ChunkOutcome{ChunkIndex: in.ChunkIndex, Requested: len(in.Indices)}
	logger := w.logger.With("task_id", in.TaskID, "execution_id", in.ExecutionID, "chunk", in.ChunkIndex)

	task, err := w.store.GetTask(ctx, in.TaskID)
	if err != nil {
		return nil, fmt.Errorf("loading task %d: %w", in.TaskID, err)
	}
	if task == nil {
		return w.fatal(ctx, out, in, fmt.Errorf("%w: task %d not found", ErrConfiguration, in.TaskID))
	}
	spec, ok := types.LookupQuery(task.QueryType)
	if !ok {
		return w.fatal(ctx, out, in, fmt.Errorf("%w: no OID mapped for query type %q", ErrConfiguration, task.QueryType))
	}
	if err := spec.Validate(); err != nil {
		return w.fatal(ctx, out, in, fmt.Errorf("%w: %v", ErrConfiguration, err))
	}

	host, err := w.store.GetHost(ctx, in.HostID)
	if err != nil {
		return nil, fmt.Errorf("loading host %d: %w", in.HostID, err)
	}
	if host == nil {
		return w.fatal(ctx, out, in, fmt.Errorf("%w: host %d not found", ErrConfiguration, in.HostID))
	}
	if !host.Active {
		return w.abort(ctx, out, in, host)
	}

	ids, err := w.store.MapIndices(ctx, in.HostID, in.Indices)
	if err != nil {
		return nil, fmt.Errorf("mapping indices: %w", err)
	}
	polled := make([]string, 0, len(in.Indices))
	for _, idx := range in.Indices {
		if _, ok := ids[idx]; !ok {
			out.AddError("index %s: no record mapped", idx)
			continue
		}
		polled = append(polled, idx)
	}
	if len(polled) == 0 {
		return out, nil
	}

	community, err := w.secrets.Resolve(ctx, host.Community)
	if err != nil {
		return w.fatal(ctx, out, in, fmt.Errorf("%w: resolving community of %s: %v", ErrConfiguration, host.Name, err))
	}

	budget := w.cfg.SNMP.BudgetFor(spec)
	session, err := w.dialer.Dial(ctx, snmp.Target{
		Address:   host.Address,
		Port:      portOr(host.Port, w.cfg.SNMP.Port),
		Community: community,
		Timeout:   budget.Timeout,
		Retries:   budget.Retries,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, idx := range polled {
			out.AddError("index %s: %v", idx, err)
		}
		logger.Error("snmp dial failed", "host", host.Name, "error", err)
		return out, nil
	}
	defer session.Close()

	c := &cascade{
		session:    session,
		baseOID:    spec.OID,
		subSize:    w.cfg.SubChunkSize,
		tries:      w.cfg.ProbeRetries,
		retryDelay: w.cfg.ProbeRetryDelay,
		maxElapsed: w.cfg.MaxRetryElapsed,
		escalate: func(ctx context.Context) {
			w.requestVerification(ctx, in, host, logger)
		},
		hostActive: func(ctx context.Context) (bool, error) {
			h, err := w.store.GetHost(ctx, in.HostID)
			if err != nil {
				return false, err
			}
			return h != nil && h.Active, nil
		},
		out:    out,
		logger: logger,
	}

	values, err := c.run(ctx, polled)
	if err != nil {
		return nil, err
	}
	if out.Aborted {
		return w.abort(ctx, out, in, host)
	}

	timedOut := make(map[string]bool, len(out.TimeoutIndices))
	for _, idx := range out.TimeoutIndices {
		timedOut[idx] = true
	}
	for _, idx := range polled {
		v, ok := values[idx]
		if !ok {
			if !timedOut[idx] && !c.failed[idx] {
				out.AddError("index %s: not returned by device", idx)
			}
			continue
		}
		if err := w.apply(ctx, out, spec, ids[idx], v); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			out.AddError("index %s: write failed: %v", idx, err)
			logger.Error("record write failed", "index", idx, "error", err)
		}
	}

	logger.Info("chunk polled",
		"host", host.Name,
		"query_type", spec.Type,
		"requested", out.Requested,
		"updated", out.Updated,
		"deleted", out.Deleted,
		"preserved", out.Preserved,
		"errors", len(out.Errors),
		"protocol_used", out.ProtocolUsed,
	)
	return out, nil
}

// apply writes one reading according to the field policy.
func (w *Worker) apply(ctx context.Context, out *types.ChunkOutcome, spec types.QuerySpec, recordID int64, v snmp.Variable) error {
	r := interpret(spec.Field, v)

	write := types.FieldWrite{RecordID: recordID, Field: spec.Field, Mode: types.WriteOverwrite}
	switch {
	case r.kind == readingValid:
		write.Value = &r.value
	case r.kind == readingAbsent && !spec.Preserve:
		out.ToDelete = append(out.ToDelete, recordID)
		out.Deleted++
		return nil
	case spec.Preserve:
		write.Value = strPtr(Placeholder)
		write.Mode = types.WriteFillEmpty
	default:
		write.Value = strPtr(Placeholder)
	}

	written, err := w.store.ApplyFieldWrite(ctx, write)
	if err != nil {
		return err
	}
	if written {
		out.Updated++
	} else {
		out.Preserved++
	}
	return nil
}

// requestVerification asks for one out-of-band liveness check per execution.
func (w *Worker) requestVerification(ctx context.Context, in Input, host *types.Host, logger *slog.Logger) {
	first, err := w.coord.Once(ctx, "verify-requested:"+strconv.FormatInt(in.ExecutionID, 10), w.cfg.MarkerTTL)
	if err != nil {
		logger.Warn("could not set verify marker", "error", err)
		return
	}
	if !first {
		return
	}
	payload := queue.VerifyHost{HostID: host.ID, Reason: "chunk timeout"}
	if _, err := w.jobs.Enqueue(ctx, w.cfg.VerifyQueue, queue.KindVerifyHost, payload); err != nil {
		logger.Warn("could not request host verification", "host", host.Name, "error", err)
		return
	}
	logger.Info("host verification requested", "host", host.Name)
}

func (w *Worker) fatal(ctx context.Context, out *types.ChunkOutcome, in Input, cause error) (*types.ChunkOutcome, error) {
	out.Fatal = true
	out.AddError("%v", cause)
	if _, err := w.store.FailExecution(ctx, in.ExecutionID, cause.Error()); err != nil {
		return nil, fmt.Errorf("failing execution %d: %w", in.ExecutionID, err)
	}
	w.logger.Error("chunk failed", "execution_id", in.ExecutionID, "error", cause)
	return out, nil
}

func (w *Worker) abort(ctx context.Context, out *types.ChunkOutcome, in Input, host *types.Host) (*types.ChunkOutcome, error) {
	out.Aborted = true
	msg := fmt.Sprintf("host %s deactivated during polling", host.Name)
	out.AddError("%s", msg)
	if _, err := w.store.FailExecution(ctx, in.ExecutionID, msg); err != nil {
		return nil, fmt.Errorf("failing execution %d: %w", in.ExecutionID, err)
	}
	w.logger.Warn("chunk aborted", "execution_id", in.ExecutionID, "host", host.Name)
	return out, nil
}

func strPtr(s string) *string { return &s }

func portOr(v, def uint16) uint16 {
	if v == 0 {
		return def
	}
	return v
}
