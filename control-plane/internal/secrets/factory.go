package secrets

import (
	"fmt"
	"log/slog"
	"time"
)

// Config holds configuration for the secrets backends.
type Config struct {
	// Backend specifies which backends to use: "1password", "local", or "auto".
	// "auto" (default) enables every backend that is configured.
	Backend string

	// LocalFile is the YAML file behind file:// references.
	LocalFile string

	OnePassword OnePasswordConfig

	// CacheTTL bounds how long a resolved value is reused.
	CacheTTL time.Duration
}

// NewResolverFromConfig builds a resolver with the configured backends.
func NewResolverFromConfig(cfg Config, logger *slog.Logger) (*Resolver, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	var op, file Backend
	switch backend {
	case "1password":
		s, err := NewOnePasswordStore(cfg.OnePassword, logger)
		if err != nil {
			return nil, err
		}
		op = s

	case "local":
		s, err := NewLocalStore(cfg.LocalFile, logger)
		if err != nil {
			return nil, err
		}
		file = s

	case "auto":
		if cfg.OnePassword.Token != "" {
			s, err := NewOnePasswordStore(cfg.OnePassword, logger)
			if err != nil {
				logger.Warn("failed to initialize 1Password, op:// references will fail", "error", err)
			} else {
				op = s
			}
		}
		if cfg.LocalFile != "" {
			s, err := NewLocalStore(cfg.LocalFile, logger)
			if err != nil {
				return nil, err
			}
			file = s
		}
		if op == nil && file == nil {
			logger.Info("no secrets backend configured, communities are used literally")
		}

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}

	return NewResolver(op, file, ttl, logger), nil
}
