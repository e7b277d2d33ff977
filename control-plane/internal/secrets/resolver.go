// Package secrets resolves SNMP community references.
//
// A host's community is stored either as the literal string or as a
// reference into a secret backend:
//
//	op://<item>/<field>   field of a 1Password item in the configured vault
//	file://<key>          key of the local secrets file
//
// Anything else is taken literally.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	schemeOnePassword = "op://"
	schemeFile        = "file://"
)

// ErrNotFound is returned when a reference names a secret that does not exist.
var ErrNotFound = errors.New("secret not found")

// Backend looks up one secret by reference body (the part after the scheme).
type Backend interface {
	Lookup(ctx context.Context, ref string) (string, error)
}

// Resolver turns community references into values, caching backend results.
type Resolver struct {
	onePassword Backend
	file        Backend
	ttl         time.Duration
	logger      *slog.Logger

	mu    sync.RWMutex
	cache map[string]cachedSecret
	now   func() time.Time
}

type cachedSecret struct {
	value   string
	expires time.Time
}

// NewResolver creates a resolver. Either backend may be nil, in which case
// references of its scheme fail.
func NewResolver(onePassword, file Backend, ttl time.Duration, logger *slog.Logger) *Resolver {
	return &Resolver{
		onePassword: onePassword,
		file:        file,
		ttl:         ttl,
		logger:      logger.With("component", "secrets"),
		cache:       make(map[string]cachedSecret),
		now:         time.Now,
	}
}

// Resolve returns the value of ref.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	var (
		backend Backend
		body    string
	)
	switch {
	case strings.HasPrefix(ref, schemeOnePassword):
		backend, body = r.onePassword, strings.TrimPrefix(ref, schemeOnePassword)
	case strings.HasPrefix(ref, schemeFile):
		backend, body = r.file, strings.TrimPrefix(ref, schemeFile)
	default:
		return ref, nil
	}
	if backend == nil {
		return "", fmt.Errorf("no backend configured for %s", scheme(ref))
	}

	r.mu.RLock()
	if c, ok := r.cache[ref]; ok && r.now().Before(c.expires) {
		r.mu.RUnlock()
		return c.value, nil
	}
	r.mu.RUnlock()

	value, err := backend.Lookup(ctx, body)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", redact(ref), err)
	}
	if value == "" {
		return "", fmt.Errorf("resolving %s: %w", redact(ref), ErrNotFound)
	}

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[ref] = cachedSecret{value: value, expires: r.now().Add(r.ttl)}
		r.mu.Unlock()
	}
	return value, nil
}

// Flush drops every cached value.
func (r *Resolver) Flush() {
	r.mu.Lock()
	r.cache = make(map[string]cachedSecret)
	r.mu.Unlock()
}

func scheme(ref string) string {
	if i := strings.Index(ref, "://"); i >= 0 {
		return ref[:i+3]
	}
	return ref
}

// redact keeps the scheme and item name, dropping the field.
func redact(ref string) string {
	if i := strings.LastIndex(ref, "/"); i > len(scheme(ref)) {
		return ref[:i] + "/***"
	}
	return ref
}
