package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// LocalStore reads community strings from a YAML file of key: value pairs.
// The file is re-read when its modification time changes.
//
//	olt-north-ro: "s3cret"
//	olt-south-ro: "0ther"
type LocalStore struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	values  map[string]string
	modTime int64
}

// NewLocalStore creates a file-backed store and loads it once.
func NewLocalStore(path string, logger *slog.Logger) (*LocalStore, error) {
	if path == "" {
		return nil, fmt.Errorf("local secrets file not configured")
	}
	s := &LocalStore{path: path, logger: logger.With("backend", "local")}
	if err := s.reload(); err != nil {
		return nil, err
	}
	s.logger.Info("using local secrets file", "path", path, "keys", len(s.values))
	return s, nil
}

// Lookup returns the value stored under key.
func (s *LocalStore) Lookup(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reloadIfChanged(); err != nil {
		s.logger.Warn("failed to reload secrets file, using previous contents", "error", err)
	}
	v, ok := s.values[key]
	if !ok {
		return "", fmt.Errorf("key %q: %w", key, ErrNotFound)
	}
	return v, nil
}

func (s *LocalStore) reloadIfChanged() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return err
	}
	if info.ModTime().UnixNano() == s.modTime {
		return nil
	}
	return s.reload()
}

func (s *LocalStore) reload() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("reading secrets file: %w", err)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading secrets file: %w", err)
	}
	values := make(map[string]string)
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parsing secrets file: %w", err)
	}
	s.values = values
	s.modTime = info.ModTime().UnixNano()
	return nil
}
