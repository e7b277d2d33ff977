// Package limiter bounds how hard one poller process drives a single OLT:
// a weighted semaphore caps simultaneous SNMP sessions per host address and
// a token bucket caps the request rate.
//
// A Limiter is created once per process and passed to the components that
// talk to devices. It holds no package-level state.
package limiter

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config sizes the per-host budgets.
type Config struct {
	SessionsPerHost   int
	RequestsPerSecond float64
	RequestBurst      int
}

// Limiter hands out per-host session slots and request tokens.
type Limiter struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*semaphore.Weighted
	rates    map[string]*rate.Limiter
}

// New creates a limiter. Zero values fall back to one session and an unlimited rate.
func New(cfg Config) *Limiter {
	if cfg.SessionsPerHost <= 0 {
		cfg.SessionsPerHost = 1
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = 1
	}
	return &Limiter{
		cfg:      cfg,
		sessions: make(map[string]*semaphore.Weighted),
		rates:    make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) forHost(host string) (*semaphore.Weighted, *rate.Limiter) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.sessions[host]
	if !ok {
		sem = semaphore.NewWeighted(int64(l.cfg.SessionsPerHost))
		l.sessions[host] = sem
	}
	rl, ok := l.rates[host]
	if !ok {
		limit := rate.Inf
		if l.cfg.RequestsPerSecond > 0 {
			limit = rate.Limit(l.cfg.RequestsPerSecond)
		}
		rl = rate.NewLimiter(limit, l.cfg.RequestBurst)
		l.rates[host] = rl
	}
	return sem, rl
}

// Session blocks until a session slot for host is free. The returned func
// gives the slot back and must be called exactly once.
func (l *Limiter) Session(ctx context.Context, host string) (func(), error) {
	sem, _ := l.forHost(host)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for session slot on %s: %w", host, err)
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

// Wait blocks until host may receive another request.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	_, rl := l.forHost(host)
	if err := rl.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit on %s: %w", host, err)
	}
	return nil
}

// Hosts returns how many hosts have budgets allocated.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}
