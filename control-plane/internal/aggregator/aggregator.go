// Package aggregator finalises an execution once every chunk has reported.
//
// The aggregator is the only writer of a successful terminal status. It reads
// the chunk outcomes from the chord barrier, deletes the records the chunks
// marked as gone in one statement, classifies the run and writes one summary.
// Finalisation is a conditional forward-only update, so a duplicate
// invocation finds the execution terminal and changes nothing.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/pilot-net/onu-poller/pkg/types"
)

// maxSummaryErrors caps the error strings kept on an execution summary.
// ErrorCount always carries the full total.
const maxSummaryErrors = 200

// Store is the subset of the store the aggregator needs.
type Store interface {
	GetExecution(ctx context.Context, id int64) (*types.Execution, error)
	GetHost(ctx context.Context, id int64) (*types.Host, error)
	DeleteOnus(ctx context.Context, hostID int64, ids []int64) (int64, error)
	FinishExecution(ctx context.Context, id int64, status types.ExecutionStatus, summary *types.ExecutionSummary, errText string) (bool, error)
	StampTaskExecution(ctx context.Context, taskID int64, at time.Time) error
}

// Chords reads and clears chord barriers.
type Chords interface {
	ChordResults(ctx context.Context, executionID int64) ([]json.RawMessage, error)
	CleanupChord(ctx context.Context, executionID int64) error
}

// Input identifies the execution to finalise.
type Input struct {
	TaskID      int64
	ExecutionID int64
	HostID      int64
}

// Result reports what the aggregator did.
type Result struct {
	Status  types.ExecutionStatus
	Summary *types.ExecutionSummary
	// Finalized is false when the execution was already terminal.
	Finalized bool
}

// Aggregator merges chunk outcomes.
type Aggregator struct {
	store  Store
	chords Chords
	logger *slog.Logger
}

// New creates an aggregator.
func New(store Store, chords Chords, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		chords: chords,
		logger: logger.With("component", "aggregator"),
	}
}

// Aggregate finalises one execution.
func (a *Aggregator) Aggregate(ctx context.Context, in Input) (*Result, error) {
	logger := a.logger.With("task_id", in.TaskID, "execution_id", in.ExecutionID, "host_id", in.HostID)

	exec, err := a.store.GetExecution(ctx, in.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("loading execution %d: %w", in.ExecutionID, err)
	}
	if exec == nil {
		logger.Warn("execution vanished before aggregation")
		a.cleanup(ctx, in.ExecutionID)
		return &Result{}, nil
	}
	if exec.Status.IsTerminal() {
		logger.Info("execution already finalized", "status", exec.Status)
		a.cleanup(ctx, in.ExecutionID)
		return &Result{Status: exec.Status, Summary: exec.Summary}, nil
	}

	raw, err := a.chords.ChordResults(ctx, in.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("reading chunk results: %w", err)
	}
	outcomes := make([]types.ChunkOutcome, 0, len(raw))
	for i, r := range raw {
		var o types.ChunkOutcome
		if err := json.Unmarshal(r, &o); err != nil {
			logger.Error("discarding undecodable chunk result", "position", i, "error", err)
			continue
		}
		outcomes = append(outcomes, o)
	}

	summary, toDelete := Merge(outcomes)

	host, err := a.store.GetHost(ctx, in.HostID)
	if err != nil {
		return nil, fmt.Errorf("loading host %d: %w", in.HostID, err)
	}

	var status types.ExecutionStatus
	var errText string
	switch {
	case host == nil || !host.Active:
		// The run is invalid; no record is deleted on its evidence.
		name := strconv.FormatInt(in.HostID, 10)
		if host != nil {
			name = host.Name
		}
		status = types.ExecutionFailed
		errText = fmt.Sprintf("host %s inactive at aggregation", name)
		summary.Deleted = 0
		summary.Message = errText
	default:
		if len(toDelete) > 0 {
			n, err := a.store.DeleteOnus(ctx, in.HostID, toDelete)
			if err != nil {
				return nil, fmt.Errorf("deleting %d absent records: %w", len(toDelete), err)
			}
			if int(n) != len(toDelete) {
				logger.Warn("fewer records deleted than marked", "marked", len(toDelete), "deleted", n)
			}
		}
		status = Classify(summary, outcomes)
		summary.Message = describe(status, summary)
		if status == types.ExecutionFailed {
			errText = summary.Message
		}
	}

	finalized, err := a.store.FinishExecution(ctx, in.ExecutionID, status, summary, errText)
	if err != nil {
		return nil, fmt.Errorf("finishing execution %d: %w", in.ExecutionID, err)
	}
	if !finalized {
		logger.Info("execution finalized concurrently, dropping summary")
		a.cleanup(ctx, in.ExecutionID)
		return &Result{Status: status, Summary: summary}, nil
	}

	if err := a.store.StampTaskExecution(ctx, in.TaskID, time.Now()); err != nil {
		logger.Error("failed to stamp task execution", "error", err)
	}

	logger.Info("execution finalized",
		"status", status,
		"chunks", summary.Chunks,
		"updated", summary.Updated,
		"deleted", summary.Deleted,
		"preserved", summary.Preserved,
		"errors", summary.ErrorCount,
		"affected_batches", summary.AffectedBatches,
	)
	a.cleanup(ctx, in.ExecutionID)
	return &Result{Status: status, Summary: summary, Finalized: true}, nil
}

func (a *Aggregator) cleanup(ctx context.Context, executionID int64) {
	if err := a.chords.CleanupChord(ctx, executionID); err != nil {
		a.logger.Warn("failed to clean up chord", "execution_id", executionID, "error", err)
	}
}

// Merge sums chunk outcomes into one summary and collects the ids marked for
// deletion.
func Merge(outcomes []types.ChunkOutcome) (*types.ExecutionSummary, []int64) {
	s := &types.ExecutionSummary{Chunks: len(outcomes)}
	var toDelete []int64
	for _, o := range outcomes {
		s.Updated += o.Updated
		s.Deleted += o.Deleted
		s.Preserved += o.Preserved
		s.ErrorCount += len(o.Errors)
		for _, e := range o.Errors {
			if len(s.Errors) < maxSummaryErrors {
				s.Errors = append(s.Errors, e)
			}
		}
		s.TimeoutIndices = append(s.TimeoutIndices, o.TimeoutIndices...)
		s.DegradedSubBatches += o.DegradedSubBatches
		if o.ProtocolUsed {
			s.ProtocolUsed = true
			s.AffectedBatches++
		}
		toDelete = append(toDelete, o.ToDelete...)
	}
	return s, toDelete
}

// Classify picks the terminal status of a run whose host is still active.
//
// A run fails when no chunk produced usable work: every chunk was fatal or
// aborted, or nothing resolved and errors were reported. It is partial when
// the anti-timeout cascade ran or any index stayed unresolved, and completed
// otherwise.
func Classify(s *types.ExecutionSummary, outcomes []types.ChunkOutcome) types.ExecutionStatus {
	if len(outcomes) == 0 {
		return types.ExecutionFailed
	}
	broken := 0
	for _, o := range outcomes {
		if o.Fatal || o.Aborted {
			broken++
		}
	}
	if broken == len(outcomes) {
		return types.ExecutionFailed
	}
	if s.Updated+s.Deleted+s.Preserved == 0 && s.ErrorCount > 0 {
		return types.ExecutionFailed
	}
	if s.ProtocolUsed || s.ErrorCount > 0 || len(s.TimeoutIndices) > 0 {
		return types.ExecutionPartial
	}
	return types.ExecutionCompleted
}

func describe(status types.ExecutionStatus, s *types.ExecutionSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d updated, %d deleted, %d preserved across %d chunks",
		status, s.Updated, s.Deleted, s.Preserved, s.Chunks)
	if s.ProtocolUsed {
		fmt.Fprintf(&b, "; anti-timeout protocol on %d chunks (%d degraded sub-batches)",
			s.AffectedBatches, s.DegradedSubBatches)
	}
	if n := len(s.TimeoutIndices); n > 0 {
		fmt.Fprintf(&b, "; %d indices unresolved", n)
	}
	if other := s.ErrorCount - len(s.TimeoutIndices); other > 0 {
		fmt.Fprintf(&b, "; %d errors", other)
	}
	return b.String()
}
