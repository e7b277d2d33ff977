package types

import "time"

// HealthReport contains process and pipeline health for the API.
type HealthReport struct {
	Timestamp time.Time      `json:"timestamp"`
	Process   ProcessHealth  `json:"process"`
	Database  DatabaseHealth `json:"database"`
	Queues    []QueueDepth   `json:"queues"`
}

// ProcessHealth contains runtime metrics of the current process.
type ProcessHealth struct {
	Status        string  `json:"status"` // healthy, degraded
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// DatabaseHealth contains database connection metrics.
type DatabaseHealth struct {
	Status    string       `json:"status"`
	Pool      PoolStats    `json:"pool"`
	SizeBytes int64        `json:"size_bytes,omitempty"`
	Tables    []TableStats `json:"tables,omitempty"`
}

// TableStats describes the on-disk footprint of one table.
type TableStats struct {
	Name          string `json:"name"`
	SizeBytes     int64  `json:"size_bytes"`
	SizeFormatted string `json:"size_formatted"`
	LiveRows      int64  `json:"live_rows"`
}

// PoolStats contains pgxpool connection pool statistics.
type PoolStats struct {
	TotalConnections    int32 `json:"total_connections"`
	IdleConnections     int32 `json:"idle_connections"`
	AcquiredConnections int32 `json:"acquired_connections"`
	MaxConnections      int32 `json:"max_connections"`
}

// QueueDepth reports the backlog of one job queue.
type QueueDepth struct {
	Name       string `json:"name"`
	Pending    int64  `json:"pending"`
	Delayed    int64  `json:"delayed"`
	InFlight   int64  `json:"in_flight"`
	DeadLetter int64  `json:"dead_letter"`
}
