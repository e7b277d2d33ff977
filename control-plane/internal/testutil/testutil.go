// Package testutil provides testing utilities and fixtures for the control plane.
//
// This package contains:
//   - Test loggers
//   - Fixture factories for domain types (hosts, tasks, executions, ONU records)
//   - Small generic helpers
//
// # Usage
//
// Fixtures use functional options for customization:
//
//	host := testutil.FixtureHost()
//	host := testutil.FixtureHost(func(h *types.Host) {
//		h.Name = "olt-norte"
//		h.Active = false
//	})
package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/onu-poller/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
// Use for tests where logging output is not needed.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewVerboseTestLogger returns a debug-level logger that discards output.
// Swap the writer when debugging a test.
func NewVerboseTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

var nextID atomic.Int64

// NextID returns a process-unique positive id for fixtures.
func NextID() int64 {
	return nextID.Add(1)
}

// =============================================================================
// HOST FIXTURES
// =============================================================================

// FixtureHost creates an active test OLT with sensible defaults.
func FixtureHost(overrides ...func(*types.Host)) *types.Host {
	id := NextID()
	host := &types.Host{
		ID:        id,
		Name:      "olt-" + uuid.New().String()[:8],
		Address:   fmt.Sprintf("10.20.%d.%d", (id/250)%250, id%250+1),
		Port:      161,
		Community: "public",
		Active:    true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	for _, override := range overrides {
		override(host)
	}

	return host
}

// FixtureHostTimedOut creates a host the verifier took down.
func FixtureHostTimedOut(overrides ...func(*types.Host)) *types.Host {
	return FixtureHost(append([]func(*types.Host){
		func(h *types.Host) {
			h.Active = false
			h.DeactivatedByTimeout = true
			h.LastTimeoutAt = TimeAgoPtr(10 * time.Minute)
		},
	}, overrides...)...)
}

// =============================================================================
// TASK FIXTURES
// =============================================================================

// FixtureTask creates an active principal status task in bucket "00".
func FixtureTask(overrides ...func(*types.Task)) *types.Task {
	task := &types.Task{
		ID:        NextID(),
		Name:      "task-" + uuid.New().String()[:8],
		QueryType: types.QueryStatus,
		Phase:     types.PhasePrincipal,
		Interval:  types.Bucket00,
		Active:    true,
		CreatedAt: time.Now(),
	}

	for _, override := range overrides {
		override(task)
	}

	return task
}

// FixtureDiscoveryTask creates an active discovery task.
func FixtureDiscoveryTask(overrides ...func(*types.Task)) *types.Task {
	return FixtureTask(append([]func(*types.Task){
		func(t *types.Task) {
			t.QueryType = types.QueryDiscovery
		},
	}, overrides...)...)
}

// =============================================================================
// EXECUTION FIXTURES
// =============================================================================

// FixtureExecution creates a running execution for a (task, host) pair.
func FixtureExecution(taskID, hostID int64, overrides ...func(*types.Execution)) *types.Execution {
	exec := &types.Execution{
		ID:        NextID(),
		TaskID:    taskID,
		HostID:    hostID,
		Status:    types.ExecutionRunning,
		StartedAt: time.Now(),
	}

	for _, override := range overrides {
		override(exec)
	}

	return exec
}

// =============================================================================
// ONU FIXTURES
// =============================================================================

// FixtureIndices returns n distinct ONU indices on one GPON port.
func FixtureIndices(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("4194312192.%d", i)
	}
	return out
}

// FixtureOnuRecord creates a record under hostID.
func FixtureOnuRecord(hostID int64, index string, overrides ...func(*types.OnuRecord)) *types.OnuRecord {
	rec := &types.OnuRecord{
		ID:          NextID(),
		HostID:      hostID,
		Index:       index,
		RefreshedAt: TimeAgoPtr(15 * time.Minute),
		CreatedAt:   time.Now(),
	}

	for _, override := range overrides {
		override(rec)
	}

	return rec
}

// =============================================================================
// HELPERS
// =============================================================================

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// TimeAgo returns the time d before now.
func TimeAgo(d time.Duration) time.Time {
	return time.Now().Add(-d)
}

// TimeAgoPtr returns a pointer to the time d before now.
func TimeAgoPtr(d time.Duration) *time.Time {
	t := TimeAgo(d)
	return &t
}
