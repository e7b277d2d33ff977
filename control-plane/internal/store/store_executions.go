package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pilot-net/onu-poller/pkg/types"
)

// =============================================================================
// EXECUTIONS
// =============================================================================

const executionColumns = `id, task_id, host_id, status, started_at, finished_at, summary, error`

func scanExecution(row pgx.Row) (*types.Execution, error) {
	var e types.Execution
	var status string
	var summaryJSON []byte
	if err := row.Scan(&e.ID, &e.TaskID, &e.HostID, &status, &e.StartedAt, &e.FinishedAt, &summaryJSON, &e.Error); err != nil {
		return nil, err
	}
	e.Status = types.ExecutionStatus(status)
	if len(summaryJSON) > 0 {
		var summary types.ExecutionSummary
		if err := json.Unmarshal(summaryJSON, &summary); err != nil {
			return nil, fmt.Errorf("decoding summary of execution %d: %w", e.ID, err)
		}
		e.Summary = &summary
	}
	return &e, nil
}

// CreateExecution inserts a pending execution for a (task, host) pair.
func (s *Store) CreateExecution(ctx context.Context, taskID, hostID int64) (*types.Execution, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx, `
		INSERT INTO executions (task_id, host_id, status)
		VALUES ($1, $2, 'pending')
		RETURNING `+executionColumns,
		taskID, hostID,
	))
	if err != nil {
		return nil, fmt.Errorf("creating execution: %w", err)
	}
	return e, nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id int64) (*types.Execution, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListExecutions returns the most recent executions of a task.
func (s *Store) ListExecutions(ctx context.Context, taskID int64, limit int) ([]types.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE task_id = $1
		ORDER BY started_at DESC, id DESC
		LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// MarkExecutionRunning moves a pending execution to running.
func (s *Store) MarkExecutionRunning(ctx context.Context, id int64) (bool, error) {
	return s.transitionExecution(ctx, id, types.ExecutionRunning, nil, "")
}

// FinishExecution writes the terminal status and summary. It returns false
// without writing anything when the execution is already terminal, which
// makes a repeated aggregation a no-op.
func (s *Store) FinishExecution(ctx context.Context, id int64, status types.ExecutionStatus, summary *types.ExecutionSummary, errText string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("finish execution %d: %s is not a terminal status", id, status)
	}
	return s.transitionExecution(ctx, id, status, summary, errText)
}

// FailExecution marks an execution failed with an explanatory error.
func (s *Store) FailExecution(ctx context.Context, id int64, errText string) (bool, error) {
	return s.transitionExecution(ctx, id, types.ExecutionFailed, nil, errText)
}

func (s *Store) transitionExecution(ctx context.Context, id int64, to types.ExecutionStatus, summary *types.ExecutionSummary, errText string) (bool, error) {
	var summaryJSON []byte
	if summary != nil {
		var err error
		if summaryJSON, err = json.Marshal(summary); err != nil {
			return false, fmt.Errorf("encoding summary: %w", err)
		}
	}

	from := make([]string, 0, 2)
	for _, st := range types.PredecessorsOf(to) {
		from = append(from, string(st))
	}

	var finishedAt *time.Time
	if to.IsTerminal() {
		now := time.Now()
		finishedAt = &now
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE executions SET
			status = $2,
			summary = COALESCE($3, summary),
			error = CASE WHEN $4 = '' THEN error ELSE $4 END,
			finished_at = COALESCE($5, finished_at)
		WHERE id = $1 AND status = ANY($6)
	`, id, string(to), summaryJSON, errText, finishedAt, from)
	if err != nil {
		return false, fmt.Errorf("updating execution %d to %s: %w", id, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteExecutionsBefore removes up to limit executions started before cutoff.
func (s *Store) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM executions
		WHERE id IN (
			SELECT id FROM executions
			WHERE started_at < $1 AND status IN ('completed', 'partial', 'failed')
			ORDER BY started_at
			LIMIT $2
		)
	`, cutoff, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
