// Package metrics collects process, database and queue health for the API.
package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/onu-poller/pkg/types"
)

// Database reports connection pool state.
type Database interface {
	Ping(ctx context.Context) error
	GetPoolStats() types.PoolStats
}

// StorageReporter is implemented by databases that can report their size.
type StorageReporter interface {
	GetDatabaseSize(ctx context.Context) (int64, error)
	GetTableStats(ctx context.Context) ([]types.TableStats, error)
}

// Queues reports the backlog of a named queue.
type Queues interface {
	Depth(ctx context.Context, queueName string) (types.QueueDepth, error)
}

// Collector gathers health metrics with caching.
type Collector struct {
	db     Database
	queues Queues
	names  []string

	startTime time.Time

	mu            sync.RWMutex
	cached        *types.HealthReport
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a collector reporting on the given queue names.
// queues may be nil.
func NewCollector(db Database, queues Queues, names []string) *Collector {
	return &Collector{
		db:            db,
		queues:        queues,
		names:         names,
		startTime:     time.Now(),
		cacheDuration: 10 * time.Second,
	}
}

// Health returns the current health report. Results are cached briefly so a
// polled dashboard does not hammer Redis.
func (c *Collector) Health(ctx context.Context) *types.HealthReport {
	c.mu.RLock()
	if c.cached != nil && time.Now().Before(c.cacheExpiry) {
		report := *c.cached
		c.mu.RUnlock()
		return &report
	}
	c.mu.RUnlock()

	report := c.collect(ctx)

	c.mu.Lock()
	c.cached = report
	c.cacheExpiry = time.Now().Add(c.cacheDuration)
	c.mu.Unlock()

	copied := *report
	return &copied
}

func (c *Collector) collect(ctx context.Context) *types.HealthReport {
	report := &types.HealthReport{
		Timestamp: time.Now(),
		Process:   c.collectProcess(),
		Database:  c.collectDatabase(ctx),
	}

	if c.queues != nil {
		for _, name := range c.names {
			d, err := c.queues.Depth(ctx, name)
			if err != nil {
				report.Process.Status = "degraded"
				continue
			}
			report.Queues = append(report.Queues, d)
		}
	}
	return report
}

func (c *Collector) collectProcess() types.ProcessHealth {
	health := types.ProcessHealth{
		Status:        "healthy",
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			health.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := proc.MemoryPercent(); err == nil {
			health.MemoryPercent = float64(memPct)
		}
	}

	if health.MemoryPercent > 90 || health.CPUPercent > 90 {
		health.Status = "degraded"
	}
	return health
}

func (c *Collector) collectDatabase(ctx context.Context) types.DatabaseHealth {
	if c.db == nil {
		return types.DatabaseHealth{Status: "unknown"}
	}
	health := types.DatabaseHealth{
		Status: "healthy",
		Pool:   c.db.GetPoolStats(),
	}
	if err := c.db.Ping(ctx); err != nil {
		health.Status = "error"
		return health
	}
	if health.Pool.MaxConnections > 0 && health.Pool.AcquiredConnections >= health.Pool.MaxConnections-2 {
		health.Status = "degraded"
	}

	if sr, ok := c.db.(StorageReporter); ok {
		if size, err := sr.GetDatabaseSize(ctx); err == nil {
			health.SizeBytes = size
		}
		if tables, err := sr.GetTableStats(ctx); err == nil {
			health.Tables = tables
		}
	}
	return health
}
