package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pilot-net/onu-poller/control-plane/internal/poller"
	"github.com/pilot-net/onu-poller/pkg/types"
)

// MetaStore reads and writes the decoded PON location of ONU records.
type MetaStore interface {
	ListOnusMissingMeta(ctx context.Context, limit int) ([]types.IndexRef, error)
	SetOnuMeta(ctx context.Context, id int64, meta types.OnuMeta) error
}

// MetaWorkerConfig holds configuration for the meta worker.
type MetaWorkerConfig struct {
	Interval  time.Duration
	BatchSize int
}

// PortMapping overrides the computed slot/port label of PON if-indices.
// Keys are decimal if-indices.
type PortMapping map[int64]string

// LoadPortMapping reads a YAML file of the form
//
//	4194312192: "0/1/0"
//	4194312448: "0/1/1"
func LoadPortMapping(path string) (PortMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading port mapping: %w", err)
	}
	var raw map[int64]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing port mapping: %w", err)
	}
	m := make(PortMapping, len(raw))
	for k, v := range raw {
		m[k] = strings.TrimSpace(v)
	}
	return m, nil
}

// MetaWorker backfills pon_if_index, onu_id and slot_port for records that
// discovery created without them.
type MetaWorker struct {
	store   MetaStore
	mapping PortMapping
	config  MetaWorkerConfig
	logger  *slog.Logger
	stopCh  chan struct{}
}

// NewMetaWorker creates a new meta worker. mapping may be nil.
func NewMetaWorker(store MetaStore, mapping PortMapping, config MetaWorkerConfig, logger *slog.Logger) *MetaWorker {
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	return &MetaWorker{
		store:   store,
		mapping: mapping,
		config:  config,
		logger:  logger.With("component", "meta_worker"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the meta worker in a goroutine.
func (w *MetaWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop.
func (w *MetaWorker) Stop() {
	close(w.stopCh)
}

func (w *MetaWorker) run(ctx context.Context) {
	w.logger.Info("meta worker started",
		"interval", w.config.Interval,
		"batch_size", w.config.BatchSize,
		"mapped_ports", len(w.mapping),
	)

	w.RunOnce(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("meta worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("meta worker stopping (stop signal)")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce fills one batch of records and returns how many were updated.
func (w *MetaWorker) RunOnce(ctx context.Context) int {
	refs, err := w.store.ListOnusMissingMeta(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to list records missing meta", "error", err)
		return 0
	}
	if len(refs) == 0 {
		return 0
	}

	updated, undecodable := 0, 0
	for _, ref := range refs {
		meta, ok := w.Resolve(ref.Index)
		if !ok {
			// Stamp the placeholder so the record is not selected again.
			undecodable++
			meta = types.OnuMeta{SlotPort: poller.Placeholder}
		}
		if err := w.store.SetOnuMeta(ctx, ref.ID, meta); err != nil {
			w.logger.Error("failed to store onu meta", "onu_id", ref.ID, "index", ref.Index, "error", err)
			continue
		}
		updated++
	}

	w.logger.Info("onu meta refreshed",
		"candidates", len(refs),
		"updated", updated,
		"undecodable", undecodable,
	)
	return updated
}

// Resolve decodes an ONU index, preferring the mapped slot/port label.
func (w *MetaWorker) Resolve(index string) (types.OnuMeta, bool) {
	pon, err := types.ParsePonIndex(index)
	if err != nil {
		return types.OnuMeta{}, false
	}
	label, ok := w.mapping[pon.IfIndex]
	if !ok {
		label = pon.SlotPort()
	}
	return types.OnuMeta{PonIfIndex: pon.IfIndex, OnuID: pon.OnuID, SlotPort: label}, true
}
