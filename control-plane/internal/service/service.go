// Package service contains the operator-facing operations of the control
// plane: trigger calls that enqueue orchestration work and return
// immediately, and the read models behind the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/pilot-net/onu-poller/control-plane/internal/queue"
	"github.com/pilot-net/onu-poller/pkg/types"
)

var (
	// ErrNotFound is returned when a task, host or execution does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalid is returned for requests that can never succeed as made.
	ErrInvalid = errors.New("invalid request")
)

// Store is the read side of persistence the service needs.
type Store interface {
	GetTask(ctx context.Context, id int64) (*types.Task, error)
	ListTasks(ctx context.Context) ([]types.Task, error)
	GetHost(ctx context.Context, id int64) (*types.Host, error)
	ListHosts(ctx context.Context) ([]types.Host, error)
	GetExecution(ctx context.Context, id int64) (*types.Execution, error)
	ListExecutions(ctx context.Context, taskID int64, limit int) ([]types.Execution, error)
	ListDiscoveryTasksForHost(ctx context.Context, hostID int64) ([]types.Task, error)
}

// Jobs submits queue jobs.
type Jobs interface {
	Enqueue(ctx context.Context, queueName string, kind queue.Kind, payload any) (*queue.Job, error)
}

// HealthSource reports process and pipeline health.
type HealthSource interface {
	Health(ctx context.Context) *types.HealthReport
}

// Config names the queues trigger jobs land on.
type Config struct {
	ControlQueue string
	VerifyQueue  string

	// DefaultExecutionLimit and MaxExecutionLimit bound ListExecutions.
	DefaultExecutionLimit int
	MaxExecutionLimit     int
}

// Service provides trigger and read operations.
type Service struct {
	store  Store
	jobs   Jobs
	health HealthSource
	config Config
	logger *slog.Logger
}

// NewService creates a new service. health may be nil.
func NewService(store Store, jobs Jobs, health HealthSource, config Config, logger *slog.Logger) *Service {
	if config.DefaultExecutionLimit <= 0 {
		config.DefaultExecutionLimit = 50
	}
	if config.MaxExecutionLimit < config.DefaultExecutionLimit {
		config.MaxExecutionLimit = config.DefaultExecutionLimit
	}
	return &Service{
		store:  store,
		jobs:   jobs,
		health: health,
		config: config,
		logger: logger.With("component", "service"),
	}
}

// =============================================================================
// TRIGGERS
// =============================================================================

// RunTask queues a manual run of a task, over every assigned host or only
// hostID. It returns the queued job id.
func (s *Service) RunTask(ctx context.Context, taskID int64, hostID *int64) (string, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("loading task %d: %w", taskID, err)
	}
	if task == nil {
		return "", fmt.Errorf("%w: task %d", ErrNotFound, taskID)
	}
	if hostID != nil {
		if !slices.Contains(task.HostIDs, *hostID) {
			return "", fmt.Errorf("%w: host %d is not assigned to task %d", ErrInvalid, *hostID, taskID)
		}
	} else if len(task.HostIDs) == 0 {
		return "", fmt.Errorf("%w: task %d has no hosts", ErrInvalid, taskID)
	}

	job, err := s.jobs.Enqueue(ctx, s.config.ControlQueue, queue.KindRunTask, queue.RunTask{
		TaskID: taskID,
		HostID: hostID,
		Manual: true,
	})
	if err != nil {
		return "", fmt.Errorf("queueing task %d: %w", taskID, err)
	}

	s.logger.Info("task run requested", "task_id", taskID, "task", task.Name, "host_id", hostID, "job_id", job.ID)
	return job.ID, nil
}

// RunDiscovery queues a discovery walk of a host. When the host belongs to
// discovery tasks, each of them is run for this host so the walks are
// recorded as executions; otherwise a bare walk is queued.
func (s *Service) RunDiscovery(ctx context.Context, hostID int64) ([]string, error) {
	if _, err := s.requireHost(ctx, hostID); err != nil {
		return nil, err
	}

	tasks, err := s.store.ListDiscoveryTasksForHost(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("listing discovery tasks of host %d: %w", hostID, err)
	}

	var ids []string
	if len(tasks) == 0 {
		job, err := s.jobs.Enqueue(ctx, s.config.ControlQueue, queue.KindDiscovery, queue.Discovery{HostID: hostID})
		if err != nil {
			return nil, fmt.Errorf("queueing discovery of host %d: %w", hostID, err)
		}
		ids = append(ids, job.ID)
	}
	for _, t := range tasks {
		job, err := s.jobs.Enqueue(ctx, s.config.ControlQueue, queue.KindRunTask, queue.RunTask{
			TaskID: t.ID,
			HostID: &hostID,
			Manual: true,
		})
		if err != nil {
			return ids, fmt.Errorf("queueing discovery task %d: %w", t.ID, err)
		}
		ids = append(ids, job.ID)
	}

	s.logger.Info("discovery requested", "host_id", hostID, "tasks", len(tasks), "jobs", len(ids))
	return ids, nil
}

// VerifyHost queues a reachability check of a host.
func (s *Service) VerifyHost(ctx context.Context, hostID int64) (string, error) {
	host, err := s.requireHost(ctx, hostID)
	if err != nil {
		return "", err
	}
	job, err := s.jobs.Enqueue(ctx, s.config.VerifyQueue, queue.KindVerifyHost, queue.VerifyHost{
		HostID: hostID,
		Reason: "operator request",
	})
	if err != nil {
		return "", fmt.Errorf("queueing verification of host %d: %w", hostID, err)
	}
	s.logger.Info("host verification requested", "host_id", hostID, "host", host.Name, "job_id", job.ID)
	return job.ID, nil
}

func (s *Service) requireHost(ctx context.Context, hostID int64) (*types.Host, error) {
	host, err := s.store.GetHost(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("loading host %d: %w", hostID, err)
	}
	if host == nil {
		return nil, fmt.Errorf("%w: host %d", ErrNotFound, hostID)
	}
	return host, nil
}

// =============================================================================
// READ MODELS
// =============================================================================

// ListTasks returns every task.
func (s *Service) ListTasks(ctx context.Context) ([]types.Task, error) {
	return s.store.ListTasks(ctx)
}

// ListHosts returns every host.
func (s *Service) ListHosts(ctx context.Context) ([]types.Host, error) {
	return s.store.ListHosts(ctx)
}

// ListExecutions returns the most recent executions of a task, newest first.
// A non-positive limit selects the default; larger limits are clamped.
func (s *Service) ListExecutions(ctx context.Context, taskID int64, limit int) ([]types.Execution, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading task %d: %w", taskID, err)
	}
	if task == nil {
		return nil, fmt.Errorf("%w: task %d", ErrNotFound, taskID)
	}
	switch {
	case limit <= 0:
		limit = s.config.DefaultExecutionLimit
	case limit > s.config.MaxExecutionLimit:
		limit = s.config.MaxExecutionLimit
	}
	return s.store.ListExecutions(ctx, taskID, limit)
}

// GetExecution returns one execution.
func (s *Service) GetExecution(ctx context.Context, id int64) (*types.Execution, error) {
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading execution %d: %w", id, err)
	}
	if exec == nil {
		return nil, fmt.Errorf("%w: execution %d", ErrNotFound, id)
	}
	return exec, nil
}

// Health returns the current health report, or nil when no source is configured.
func (s *Service) Health(ctx context.Context) *types.HealthReport {
	if s.health == nil {
		return nil
	}
	return s.health.Health(ctx)
}
