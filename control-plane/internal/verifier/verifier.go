// Package verifier decides whether an OLT is reachable and flips its active
// flag accordingly.
//
// # State machine
//
//	active ──all probes lost──▶ inactive (deactivated_by_timeout)
//	inactive (deactivated_by_timeout) ──any probe answered──▶ active
//	inactive (operator) ──▶ never touched
//
// A host taken down is rechecked after RecheckDelay, up to MaxRechecks times.
// At most one verification per host runs at a time, guarded by a TTL lock.
package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pilot-net/onu-poller/control-plane/internal/executor"
	"github.com/pilot-net/onu-poller/control-plane/internal/queue"
	"github.com/pilot-net/onu-poller/pkg/types"
)

// HostStore is the subset of the store the verifier needs.
type HostStore interface {
	GetHost(ctx context.Context, id int64) (*types.Host, error)
	DeactivateHostByTimeout(ctx context.Context, id int64, at time.Time) (bool, error)
	ReactivateHost(ctx context.Context, id int64) (bool, error)
}

// Locker takes and releases TTL locks.
type Locker interface {
	Lock(ctx context.Context, name string, ttl time.Duration) (string, error)
	Unlock(ctx context.Context, name, token string) error
}

// Scheduler enqueues delayed jobs.
type Scheduler interface {
	EnqueueIn(ctx context.Context, queueName string, kind queue.Kind, payload any, delay time.Duration) (*queue.Job, error)
}

// Config controls probing and rechecks.
type Config struct {
	ProbeTimeouts []time.Duration
	LockTTL       time.Duration
	RecheckDelay  time.Duration
	MaxRechecks   int
	Queue         string
}

// Action is what a verification did to the host.
type Action string

const (
	ActionNone        Action = "none"
	ActionSkipped     Action = "skipped"
	ActionDeactivated Action = "deactivated"
	ActionReactivated Action = "reactivated"
)

// Result describes one verification.
type Result struct {
	HostID           int64
	Action           Action
	Reason           string
	Report           executor.Report
	RecheckScheduled bool
}

// Verifier checks host liveness.
type Verifier struct {
	store  HostStore
	locks  Locker
	sched  Scheduler
	pinger executor.Pinger
	cfg    Config
	logger *slog.Logger

	now func() time.Time
}

// New creates a verifier.
func New(store HostStore, locks Locker, sched Scheduler, pinger executor.Pinger, cfg Config, logger *slog.Logger) *Verifier {
	return &Verifier{
		store:  store,
		locks:  locks,
		sched:  sched,
		pinger: pinger,
		cfg:    cfg,
		logger: logger.With("component", "verifier"),
		now:    time.Now,
	}
}

func lockName(hostID int64) string {
	return "verify:" + strconv.FormatInt(hostID, 10)
}

// Verify probes a host and updates its liveness. recheck is the number of
// follow-up checks already made since the host went down.
func (v *Verifier) Verify(ctx context.Context, hostID int64, recheck int) (*Result, error) {
	res := &Result{HostID: hostID, Action: ActionSkipped}

	token, err := v.locks.Lock(ctx, lockName(hostID), v.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if token == "" {
		res.Reason = "verification already in progress"
		v.logger.Debug("verification skipped", "host_id", hostID, "reason", res.Reason)
		return res, nil
	}
	defer func() {
		// the lock may have expired on a slow probe series
		if err := v.locks.Unlock(context.WithoutCancel(ctx), lockName(hostID), token); err != nil {
			v.logger.Debug("verification lock already released", "host_id", hostID, "error", err)
		}
	}()

	host, err := v.store.GetHost(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("loading host %d: %w", hostID, err)
	}
	if host == nil {
		res.Reason = "host not found"
		return res, nil
	}
	if host.ManuallyDisabled() {
		res.Reason = "host disabled by operator"
		v.logger.Debug("verification skipped", "host", host.Name, "reason", res.Reason)
		return res, nil
	}

	res.Report = executor.Series(ctx, v.pinger, host.Address, v.cfg.ProbeTimeouts)
	res.Action = ActionNone

	v.logger.Info("host probed",
		"host", host.Name,
		"address", host.Address,
		"sent", res.Report.Sent,
		"received", res.Report.Received,
		"success_ratio", res.Report.SuccessRatio,
		"avg_ms", res.Report.AvgMs,
		"recheck", recheck,
	)

	switch {
	case res.Report.Sent == 0:
		res.Reason = "no probe sent"

	case res.Report.AllFailed():
		if host.Active {
			changed, err := v.store.DeactivateHostByTimeout(ctx, host.ID, v.now())
			if err != nil {
				return nil, fmt.Errorf("deactivating host %d: %w", hostID, err)
			}
			if changed {
				res.Action = ActionDeactivated
				v.logger.Warn("host deactivated: no probe answered", "host", host.Name, "address", host.Address)
			}
		}
		if recheck < v.cfg.MaxRechecks {
			next := queue.VerifyHost{HostID: host.ID, Recheck: recheck + 1, Reason: "recheck"}
			if _, err := v.sched.EnqueueIn(ctx, v.cfg.Queue, queue.KindVerifyHost, next, v.cfg.RecheckDelay); err != nil {
				v.logger.Error("failed to schedule recheck", "host", host.Name, "error", err)
			} else {
				res.RecheckScheduled = true
			}
		} else {
			v.logger.Warn("host still unreachable, rechecks exhausted", "host", host.Name, "rechecks", recheck)
		}

	case !host.Active && host.DeactivatedByTimeout:
		changed, err := v.store.ReactivateHost(ctx, host.ID)
		if err != nil {
			return nil, fmt.Errorf("reactivating host %d: %w", hostID, err)
		}
		if changed {
			res.Action = ActionReactivated
			v.logger.Info("host reactivated", "host", host.Name, "avg_ms", res.Report.AvgMs)
		}
	}

	return res, nil
}

// HandleJob runs a queued verification. Probe outcomes never fail the job;
// only store errors do, so the check is retried.
func (v *Verifier) HandleJob(ctx context.Context, job *queue.Job) error {
	var p queue.VerifyHost
	if err := job.Decode(&p); err != nil {
		return err
	}
	res, err := v.Verify(ctx, p.HostID, p.Recheck)
	if err != nil {
		return err
	}
	v.logger.Debug("verification finished",
		"host_id", p.HostID,
		"reason", p.Reason,
		"action", res.Action,
		"recheck_scheduled", res.RecheckScheduled,
	)
	return nil
}
