package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/pilot-net/onu-poller/control-plane/internal/snmp"
	"github.com/pilot-net/onu-poller/pkg/types"
)

// tier is the escalation level of a step. Steps only ever move to a higher
// tier, so a chunk of n indices runs at most 1 + n/subSize + n steps.
type tier int

const (
	tierFull tier = iota
	tierSub
	tierSingle
)

func (t tier) String() string {
	switch t {
	case tierFull:
		return "full"
	case tierSub:
		return "sub"
	}
	return "single"
}

type step struct {
	tier    tier
	indices []string
}

// cascade polls one chunk, degrading from a single batched GET to
// sub-chunks and then to per-index probes when the device times out.
type cascade struct {
	session snmp.Session
	baseOID string

	subSize    int
	tries      int
	retryDelay time.Duration
	maxElapsed time.Duration

	// escalate is called on the first full-chunk timeout.
	escalate func(ctx context.Context)
	// hostActive is consulted before every sub-chunk and probe.
	hostActive func(ctx context.Context) (bool, error)

	out    *types.ChunkOutcome
	logger *slog.Logger

	// failed holds indices already reported with a non-timeout error.
	failed map[string]bool
}

// run returns the variables it could read, keyed by index. Unresolved
// indices are recorded on the outcome. It stops early, with out.Aborted set,
// when the host goes inactive.
func (c *cascade) run(ctx context.Context, indices []string) (map[string]snmp.Variable, error) {
	values := make(map[string]snmp.Variable, len(indices))
	c.failed = make(map[string]bool)
	pending := []step{{tier: tierFull, indices: indices}}

	for len(pending) > 0 {
		s := pending[0]
		pending = pending[1:]

		if s.tier != tierFull {
			active, err := c.hostActive(ctx)
			if err != nil {
				return nil, fmt.Errorf("checking host liveness: %w", err)
			}
			if !active {
				c.out.Aborted = true
				return values, nil
			}
		}

		switch s.tier {
		case tierFull, tierSub:
			vars, err := c.session.Get(ctx, snmp.OIDs(c.baseOID, s.indices))
			if err == nil {
				c.collect(values, vars)
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !snmp.IsTimeout(err) {
				for _, idx := range s.indices {
					c.fail(idx, err)
				}
				continue
			}

			c.logger.Warn("snmp get timed out, degrading",
				"tier", s.tier.String(),
				"indices", len(s.indices),
			)
			if s.tier == tierFull {
				c.out.ProtocolUsed = true
				c.escalate(ctx)
				pending = append(pending, c.split(s.indices)...)
			} else {
				c.out.DegradedSubBatches++
				pending = append(pending, singles(s.indices)...)
			}

		case tierSingle:
			idx := s.indices[0]
			v, err := c.probe(ctx, idx)
			if err == nil {
				c.collect(values, []snmp.Variable{v})
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if snmp.IsTimeout(err) {
				c.out.TimeoutIndices = append(c.out.TimeoutIndices, idx)
				c.out.AddError("index %s: no response after %d attempts", idx, c.tries)
				continue
			}
			c.fail(idx, err)
		}
	}
	return values, nil
}

func (c *cascade) fail(idx string, err error) {
	c.failed[idx] = true
	c.out.AddError("index %s: %v", idx, err)
}

// split breaks a timed-out chunk into sub-chunks, or straight into single
// probes when the chunk is no larger than one sub-chunk.
func (c *cascade) split(indices []string) []step {
	if c.subSize <= 0 || c.subSize >= len(indices) {
		return singles(indices)
	}
	var out []step
	for _, part := range Partition(indices, c.subSize) {
		out = append(out, step{tier: tierSub, indices: part})
	}
	return out
}

func singles(indices []string) []step {
	out := make([]step, len(indices))
	for i, idx := range indices {
		out[i] = step{tier: tierSingle, indices: []string{idx}}
	}
	return out
}

var errEmptyResponse = errors.New("empty response")

// probe reads one index with a constant-delay retry budget.
func (c *cascade) probe(ctx context.Context, idx string) (snmp.Variable, error) {
	op := func() (snmp.Variable, error) {
		vars, err := c.session.Get(ctx, snmp.OIDs(c.baseOID, []string{idx}))
		if err != nil {
			if snmp.IsTimeout(err) {
				return snmp.Variable{}, err
			}
			return snmp.Variable{}, backoff.Permanent(err)
		}
		if len(vars) == 0 {
			return snmp.Variable{}, backoff.Permanent(errEmptyResponse)
		}
		return vars[0], nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryDelay)),
		backoff.WithMaxTries(uint(max(c.tries, 1))),
		backoff.WithMaxElapsedTime(c.maxElapsed),
	)
}

func (c *cascade) collect(values map[string]snmp.Variable, vars []snmp.Variable) {
	for _, v := range vars {
		idx := snmp.Index(c.baseOID, v.OID)
		if idx == "" {
			c.out.AddError("unexpected OID %s in response", v.OID)
			continue
		}
		values[idx] = v
	}
}

// Partition splits indices into consecutive chunks of at most size entries.
func Partition(indices []string, size int) [][]string {
	if size <= 0 {
		size = len(indices)
	}
	var out [][]string
	for start := 0; start < len(indices); start += size {
		end := min(start+size, len(indices))
		out = append(out, indices[start:end])
	}
	return out
}
