// Package types defines the core domain types shared by the control plane processes.
//
// # Design Principles
//
// 1. Simplicity: Types represent the domain model directly, no ORM abstractions
// 2. Serialization: All types are JSON-serializable for API transport and queue payloads
// 3. Validation: Types include Validate() methods for business rule enforcement
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// HOST
// =============================================================================

// Host is an OLT polled over SNMP.
//
// Active gates all polling. A host taken down by the verifier carries
// DeactivatedByTimeout so it can be brought back automatically; a host
// disabled by an operator never is.
type Host struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	Port      uint16 `json:"port"`
	Community string `json:"-"` // literal community or a secret reference (op://, file://)

	Active               bool       `json:"active"`
	DeactivatedByTimeout bool       `json:"deactivated_by_timeout"`
	LastTimeoutAt        *time.Time `json:"last_timeout_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ManuallyDisabled reports whether the host was switched off by an operator.
func (h *Host) ManuallyDisabled() bool {
	return !h.Active && !h.DeactivatedByTimeout
}

// Validate checks host fields.
func (h *Host) Validate() error {
	if h.Name == "" {
		return fmt.Errorf("name is required")
	}
	if h.Address == "" {
		return fmt.Errorf("address is required")
	}
	return nil
}

// =============================================================================
// TASK
// =============================================================================

// Phase orders tasks inside one scheduler cycle.
type Phase string

const (
	PhasePrincipal     Phase = "principal"
	PhaseSecondaryMode Phase = "secondary_mode"
	PhaseSecondary     Phase = "secondary"
)

// PhaseOrder is the order in which a scheduler cycle walks the phases.
var PhaseOrder = []Phase{PhasePrincipal, PhaseSecondaryMode, PhaseSecondary}

// Next returns the phase after p, or false when p is the last one.
func (p Phase) Next() (Phase, bool) {
	for i, ph := range PhaseOrder {
		if ph == p && i+1 < len(PhaseOrder) {
			return PhaseOrder[i+1], true
		}
	}
	return "", false
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	for _, ph := range PhaseOrder {
		if ph == p {
			return true
		}
	}
	return false
}

// IntervalBucket is the quarter-hour a task is scheduled in.
type IntervalBucket string

const (
	Bucket00 IntervalBucket = "00"
	Bucket15 IntervalBucket = "15"
	Bucket30 IntervalBucket = "30"
	Bucket45 IntervalBucket = "45"
)

// BucketFor returns the quarter-hour bucket containing t.
func BucketFor(t time.Time) IntervalBucket {
	return IntervalBucket(fmt.Sprintf("%02d", t.Minute()/15*15))
}

// Valid reports whether b is one of the four quarter-hour buckets.
func (b IntervalBucket) Valid() bool {
	switch b {
	case Bucket00, Bucket15, Bucket30, Bucket45:
		return true
	}
	return false
}

// Task is a polling job definition bound to one or more hosts.
type Task struct {
	ID        int64          `json:"id"`
	Name      string         `json:"name"`
	QueryType QueryType      `json:"query_type"`
	Phase     Phase          `json:"phase"`
	Interval  IntervalBucket `json:"interval"`
	Active    bool           `json:"active"`
	HostIDs   []int64        `json:"host_ids"`

	// Per-task overrides; nil means the configured default applies.
	ChunkSize           *int `json:"chunk_size,omitempty"`
	MaxConcurrentChunks *int `json:"max_concurrent_chunks,omitempty"`

	LastExecutionAt *time.Time `json:"last_execution_at,omitempty"`
	ActiveRecords   int        `json:"active_records"`

	CreatedAt time.Time `json:"created_at"`
}

// IsBulk reports whether the task polls existing ONU records rather than walking the device.
func (t *Task) IsBulk() bool {
	return t.QueryType != QueryDiscovery
}

// EffectiveChunkSize returns the task's chunk size or def when unset.
func (t *Task) EffectiveChunkSize(def int) int {
	if t.ChunkSize != nil && *t.ChunkSize > 0 {
		return *t.ChunkSize
	}
	return def
}

// EffectiveMaxConcurrentChunks returns the task's in-flight ceiling or def when unset.
func (t *Task) EffectiveMaxConcurrentChunks(def int) int {
	if t.MaxConcurrentChunks != nil && *t.MaxConcurrentChunks > 0 {
		return *t.MaxConcurrentChunks
	}
	return def
}

// Validate checks task fields.
func (t *Task) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("name is required")
	}
	if _, ok := LookupQuery(t.QueryType); !ok {
		return fmt.Errorf("unknown query type: %s", t.QueryType)
	}
	if !t.Phase.Valid() {
		return fmt.Errorf("unknown phase: %s", t.Phase)
	}
	if !t.Interval.Valid() {
		return fmt.Errorf("invalid interval bucket: %s", t.Interval)
	}
	return nil
}

// =============================================================================
// EXECUTION
// =============================================================================

// ExecutionStatus is the lifecycle state of one (task, host) run.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionPartial   ExecutionStatus = "partial"
	ExecutionFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionPartial, ExecutionFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to moves the execution forward.
func CanTransition(from, to ExecutionStatus) bool {
	switch from {
	case ExecutionPending:
		return to == ExecutionRunning || to.IsTerminal()
	case ExecutionRunning:
		return to.IsTerminal()
	}
	return false
}

// PredecessorsOf returns every status that may move to s.
func PredecessorsOf(s ExecutionStatus) []ExecutionStatus {
	var out []ExecutionStatus
	for _, from := range []ExecutionStatus{ExecutionPending, ExecutionRunning, ExecutionCompleted, ExecutionPartial, ExecutionFailed} {
		if CanTransition(from, s) {
			out = append(out, from)
		}
	}
	return out
}

// Execution is one (task, host) run.
type Execution struct {
	ID         int64             `json:"id"`
	TaskID     int64             `json:"task_id"`
	HostID     int64             `json:"host_id"`
	Status     ExecutionStatus   `json:"status"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Summary    *ExecutionSummary `json:"summary,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// ExecutionSummary is the consolidated result written when an execution finishes.
type ExecutionSummary struct {
	Updated            int      `json:"updated"`
	Deleted            int      `json:"deleted"`
	Preserved          int      `json:"preserved"`
	Errors             []string `json:"errors,omitempty"`
	ErrorCount         int      `json:"error_count"`
	TimeoutIndices     []string `json:"timeout_indices,omitempty"`
	ProtocolUsed       bool     `json:"protocol_used"`
	AffectedBatches    int      `json:"affected_batches"`
	DegradedSubBatches int      `json:"degraded_sub_batches"`
	Chunks             int      `json:"chunks"`
	Message            string   `json:"message"`
}

// ChunkOutcome is what one chunk worker reports back to the aggregator.
type ChunkOutcome struct {
	ChunkIndex int `json:"chunk_index"`
	Requested  int `json:"requested"`

	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Preserved int `json:"preserved"`

	Errors         []string `json:"errors,omitempty"`
	ToDelete       []int64  `json:"to_delete,omitempty"`
	TimeoutIndices []string `json:"timeout_indices,omitempty"`

	ProtocolUsed       bool `json:"protocol_used"`
	DegradedSubBatches int  `json:"degraded_sub_batches"`

	// Aborted is set when the host went inactive mid-chunk.
	Aborted bool `json:"aborted"`
	// Fatal is set on configuration errors that failed the execution outright.
	Fatal bool `json:"fatal"`
}

// AddError appends a formatted error to the outcome.
func (o *ChunkOutcome) AddError(format string, args ...any) {
	o.Errors = append(o.Errors, fmt.Sprintf(format, args...))
}

// =============================================================================
// ONU RECORDS
// =============================================================================

// OnuRecord is one subscriber entry under a host, keyed by (host, index).
type OnuRecord struct {
	ID     int64  `json:"id"`
	HostID int64  `json:"host_id"`
	Index  string `json:"index"`

	PonIfIndex *int64  `json:"pon_if_index,omitempty"`
	OnuID      *int    `json:"onu_id,omitempty"`
	SlotPort   *string `json:"slot_port,omitempty"`

	Description   *string `json:"description,omitempty"`
	Status        *string `json:"status,omitempty"`
	Plan          *string `json:"plan,omitempty"`
	RxPower       *string `json:"rx_power,omitempty"`
	TxPower       *string `json:"tx_power,omitempty"`
	LastDownTime  *string `json:"last_down_time,omitempty"`
	Distance      *string `json:"distance,omitempty"`
	Model         *string `json:"model,omitempty"`
	ProvisionFlag *string `json:"provision_flag,omitempty"`

	RefreshedAt *time.Time `json:"refreshed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IndexRef maps a device index to its record id.
type IndexRef struct {
	ID    int64
	Index string
}

// WriteMode selects how a field value lands on an existing record.
type WriteMode int

const (
	// WriteOverwrite replaces the value and bumps the refresh timestamp.
	WriteOverwrite WriteMode = iota
	// WriteFillEmpty writes only when the column holds no value yet.
	WriteFillEmpty
)

// FieldWrite is a single-column update of one ONU record.
type FieldWrite struct {
	RecordID int64
	Field    Field
	Value    *string
	Mode     WriteMode
}

// DiscoveredOnu is one row returned by a discovery walk.
type DiscoveredOnu struct {
	Index         string
	ProvisionFlag string
	Pon           *PonIndex
}

// OnuMeta is the decoded PON location of a record.
type OnuMeta struct {
	PonIfIndex int64
	OnuID      int
	SlotPort   string
}
