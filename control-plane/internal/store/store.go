// Package store provides PostgreSQL access for hosts, tasks, executions and ONU records.
//
// # Design
//
// The store uses raw SQL with pgx. Every ONU field write is a single
// statement keyed by record id, so concurrent chunk workers never
// read-modify-write the same row. Missing rows return nil, nil.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pilot-net/onu-poller/pkg/types"
)

// Store provides database operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromURL creates a new store by connecting to the given database URL.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool for migrations.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// GetPoolStats returns connection pool statistics.
func (s *Store) GetPoolStats() types.PoolStats {
	stat := s.pool.Stat()
	return types.PoolStats{
		TotalConnections:    stat.TotalConns(),
		IdleConnections:     stat.IdleConns(),
		AcquiredConnections: stat.AcquiredConns(),
		MaxConnections:      stat.MaxConns(),
	}
}

// =============================================================================
// HOSTS
// =============================================================================

const hostColumns = `id, name, address, port, community, active, deactivated_by_timeout, last_timeout_at, created_at, updated_at`

func scanHost(row pgx.Row) (*types.Host, error) {
	var h types.Host
	var port int32
	err := row.Scan(&h.ID, &h.Name, &h.Address, &port, &h.Community, &h.Active,
		&h.DeactivatedByTimeout, &h.LastTimeoutAt, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	h.Port = uint16(port)
	return &h, nil
}

// GetHost retrieves a host by ID.
func (s *Store) GetHost(ctx context.Context, id int64) (*types.Host, error) {
	h, err := scanHost(s.pool.QueryRow(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

// ListHosts returns all hosts ordered by name.
func (s *Store) ListHosts(ctx context.Context) ([]types.Host, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []types.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, *h)
	}
	return hosts, rows.Err()
}

// DeactivateHostByTimeout marks an active host unreachable.
// Returns false when the host was already inactive.
func (s *Store) DeactivateHostByTimeout(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE hosts
		SET active = FALSE, deactivated_by_timeout = TRUE, last_timeout_at = $2, updated_at = NOW()
		WHERE id = $1 AND active
	`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReactivateHost brings back a host that was deactivated by timeout.
// Hosts disabled by an operator are left alone and false is returned.
func (s *Store) ReactivateHost(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE hosts
		SET active = TRUE, deactivated_by_timeout = FALSE, updated_at = NOW()
		WHERE id = $1 AND NOT active AND deactivated_by_timeout
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// =============================================================================
// TASKS
// =============================================================================

const taskSelect = `
	SELECT t.id, t.name, t.query_type, t.phase, t.interval_bucket, t.active,
		t.chunk_size, t.max_concurrent_chunks, t.last_execution_at, t.active_records, t.created_at,
		COALESCE(ARRAY(SELECT th.host_id FROM task_hosts th WHERE th.task_id = t.id ORDER BY th.host_id), '{}')
	FROM tasks t`

func scanTask(row pgx.Row) (*types.Task, error) {
	var t types.Task
	var queryType, phase, bucket string
	var chunkSize, maxChunks *int32
	err := row.Scan(&t.ID, &t.Name, &queryType, &phase, &bucket, &t.Active,
		&chunkSize, &maxChunks, &t.LastExecutionAt, &t.ActiveRecords, &t.CreatedAt, &t.HostIDs)
	if err != nil {
		return nil, err
	}
	t.QueryType = types.QueryType(queryType)
	t.Phase = types.Phase(phase)
	t.Interval = types.IntervalBucket(bucket)
	if chunkSize != nil {
		v := int(*chunkSize)
		t.ChunkSize = &v
	}
	if maxChunks != nil {
		v := int(*maxChunks)
		t.MaxConcurrentChunks = &v
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]types.Task, error) {
	defer rows.Close()
	var tasks []types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// GetTask retrieves a task with its host IDs.
func (s *Store) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, taskSelect+` WHERE t.id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns all tasks.
func (s *Store) ListTasks(ctx context.Context) ([]types.Task, error) {
	rows, err := s.pool.Query(ctx, taskSelect+` ORDER BY t.phase, t.interval_bucket, t.id`)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ListDueTasks returns active tasks of one phase and bucket whose last
// execution is older than staleBefore or which never ran.
func (s *Store) ListDueTasks(ctx context.Context, phase types.Phase, bucket types.IntervalBucket, staleBefore time.Time) ([]types.Task, error) {
	rows, err := s.pool.Query(ctx, taskSelect+`
		WHERE t.active AND t.phase = $1 AND t.interval_bucket = $2
			AND (t.last_execution_at IS NULL OR t.last_execution_at <= $3)
		ORDER BY t.id
	`, string(phase), string(bucket), staleBefore)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ListDiscoveryTasksForHost returns discovery tasks bound to a host.
func (s *Store) ListDiscoveryTasksForHost(ctx context.Context, hostID int64) ([]types.Task, error) {
	rows, err := s.pool.Query(ctx, taskSelect+`
		WHERE t.query_type = $1 AND EXISTS (
			SELECT 1 FROM task_hosts th WHERE th.task_id = t.id AND th.host_id = $2
		)
		ORDER BY t.active DESC, t.id
	`, string(types.QueryDiscovery), hostID)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// StampTaskExecution records when a task last finished and how many ONU
// records its hosts now hold.
func (s *Store) StampTaskExecution(ctx context.Context, taskID int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			last_execution_at = $2,
			active_records = (
				SELECT COUNT(*) FROM onu_records o
				JOIN task_hosts th ON th.host_id = o.host_id
				WHERE th.task_id = $1
			)
		WHERE id = $1
	`, taskID, at)
	return err
}
