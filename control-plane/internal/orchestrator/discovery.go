package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pilot-net/onu-poller/control-plane/internal/queue"
	"github.com/pilot-net/onu-poller/control-plane/internal/snmp"
	"github.com/pilot-net/onu-poller/pkg/types"
)

// Discover walks a host's provisioning table and upserts one record per ONU
// index found. Walk failures end the execution; store failures are returned
// so the job is retried.
func (o *Orchestrator) Discover(ctx context.Context, p queue.Discovery) error {
	logger := o.logger.With("host_id", p.HostID, "task_id", p.TaskID, "execution_id", p.ExecutionID)
	started := time.Now()

	host, err := o.store.GetHost(ctx, p.HostID)
	if err != nil {
		return fmt.Errorf("loading host %d: %w", p.HostID, err)
	}
	if host == nil {
		logger.Warn("discovery for unknown host")
		return o.failDiscovery(ctx, p, "host not found")
	}
	if !host.Active {
		logger.Info("skipping discovery of inactive host", "host", host.Name)
		return o.failDiscovery(ctx, p, "host inactive")
	}

	spec, ok := types.LookupQuery(types.QueryDiscovery)
	if !ok {
		return o.failDiscovery(ctx, p, "no OID mapped for discovery")
	}

	if p.ExecutionID != 0 {
		if _, err := o.store.MarkExecutionRunning(ctx, p.ExecutionID); err != nil {
			return fmt.Errorf("marking execution %d running: %w", p.ExecutionID, err)
		}
	}

	community, err := o.secrets.Resolve(ctx, host.Community)
	if err != nil {
		return o.failDiscovery(ctx, p, fmt.Sprintf("resolving community of %s: %v", host.Name, err))
	}

	budget := o.cfg.SNMP.BudgetFor(spec)
	port := host.Port
	if port == 0 {
		port = o.cfg.SNMP.Port
	}
	session, err := o.dialer.Dial(ctx, snmp.Target{
		Address:   host.Address,
		Port:      port,
		Community: community,
		Timeout:   budget.Timeout,
		Retries:   budget.Retries,
	})
	if err != nil {
		return o.failDiscovery(ctx, p, fmt.Sprintf("connecting to %s: %v", host.Name, err))
	}
	defer session.Close()

	var (
		found   []types.DiscoveredOnu
		skipped int
	)
	err = session.Walk(ctx, spec.OID, func(v snmp.Variable) error {
		idx := snmp.Index(spec.OID, v.OID)
		if idx == "" || v.Type == snmp.TypeAbsent {
			return nil
		}
		onu := types.DiscoveredOnu{Index: idx, ProvisionFlag: flagValue(v)}
		if pon, err := types.ParsePonIndex(idx); err == nil {
			onu.Pon = &pon
		} else {
			skipped++
		}
		found = append(found, onu)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reason := "walk failed"
		if snmp.IsTimeout(err) {
			reason = "walk timed out"
		}
		return o.failDiscovery(ctx, p, fmt.Sprintf("%s on %s: %v", reason, host.Name, err))
	}

	n, err := o.store.UpsertDiscovered(ctx, host.ID, found)
	if err != nil {
		return fmt.Errorf("storing %d discovered ONUs: %w", len(found), err)
	}

	logger.Info("discovery completed",
		"host", host.Name,
		"found", len(found),
		"upserted", n,
		"undecoded_indices", skipped,
		"duration", time.Since(started),
	)

	if p.ExecutionID == 0 {
		return nil
	}
	summary := &types.ExecutionSummary{
		Updated: int(n),
		Message: fmt.Sprintf("completed: %d ONUs discovered", len(found)),
	}
	if _, err := o.store.FinishExecution(ctx, p.ExecutionID, types.ExecutionCompleted, summary, ""); err != nil {
		return fmt.Errorf("finishing execution %d: %w", p.ExecutionID, err)
	}
	if err := o.store.StampTaskExecution(ctx, p.TaskID, time.Now()); err != nil {
		logger.Warn("failed to stamp task execution", "error", err)
	}
	return nil
}

func (o *Orchestrator) failDiscovery(ctx context.Context, p queue.Discovery, reason string) error {
	o.logger.Warn("discovery failed", "host_id", p.HostID, "reason", reason)
	if p.ExecutionID == 0 {
		return nil
	}
	if _, err := o.store.FailExecution(ctx, p.ExecutionID, reason); err != nil {
		return fmt.Errorf("failing execution %d: %w", p.ExecutionID, err)
	}
	return nil
}

func flagValue(v snmp.Variable) string {
	if v.Type == snmp.TypeInteger {
		return strconv.FormatInt(v.Int, 10)
	}
	return strings.TrimSpace(v.String())
}
