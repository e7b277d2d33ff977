package queue

import (
	"time"

	"github.com/pilot-net/onu-poller/pkg/types"
)

// Kind names a job handler.
type Kind string

const (
	KindSchedulerPhase Kind = "scheduler_phase"
	KindRunTask        Kind = "run_task"
	KindPollChunk      Kind = "poll_chunk"
	KindAggregate      Kind = "aggregate"
	KindDiscovery      Kind = "discovery"
	KindVerifyHost     Kind = "verify_host"
)

func (k Kind) String() string { return string(k) }

// SchedulerPhase advances one scheduler cycle by one phase.
type SchedulerPhase struct {
	CycleAt time.Time            `json:"cycle_at"`
	Bucket  types.IntervalBucket `json:"bucket"`
	Phase   types.Phase          `json:"phase"`
}

// RunTask starts a task, on every host or only HostID.
type RunTask struct {
	TaskID int64  `json:"task_id"`
	HostID *int64 `json:"host_id,omitempty"`
	Manual bool   `json:"manual"`
}

// PollChunk polls one chunk of device indices for an execution.
type PollChunk struct {
	TaskID      int64    `json:"task_id"`
	ExecutionID int64    `json:"execution_id"`
	HostID      int64    `json:"host_id"`
	ChunkIndex  int      `json:"chunk_index"`
	Indices     []string `json:"indices"`

	// MaxInFlight is the per-task ceiling this chunk is admitted under.
	MaxInFlight int `json:"max_in_flight"`
	// Admission counts refused admissions so far.
	Admission int `json:"admission"`
}

// Aggregate finalises an execution once every chunk reported.
type Aggregate struct {
	TaskID      int64 `json:"task_id"`
	ExecutionID int64 `json:"execution_id"`
	HostID      int64 `json:"host_id"`
}

// Discovery walks a host's discovery table. TaskID and ExecutionID are zero
// for operator-triggered discovery that records no execution.
type Discovery struct {
	HostID      int64 `json:"host_id"`
	TaskID      int64 `json:"task_id,omitempty"`
	ExecutionID int64 `json:"execution_id,omitempty"`
}

// VerifyHost runs a liveness check. Recheck counts follow-up checks of a
// host that is already down.
type VerifyHost struct {
	HostID  int64  `json:"host_id"`
	Recheck int    `json:"recheck"`
	Reason  string `json:"reason,omitempty"`
}
