// Package config loads and validates control plane configuration.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags (handled by the commands)
// 2. Environment variables (ONUPOLL_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	database:
//	  url: postgres://onupoll@db/onupoll?sslmode=disable
//	redis:
//	  url: redis://redis:6379/0
//	polling:
//	  chunk_size: 200
//	  sub_chunk_size: 50
//	  max_concurrent_chunks: 10
//	snmp:
//	  sessions_per_host: 5
//	  overrides:
//	    distance: {timeout: 12s, retries: 2}
//	verifier:
//	  probe_timeouts: [1s, 2s, 3s]
//	queue:
//	  concurrency:
//	    principal: 4
//	    workers: 16
//	    secondary: 2
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pilot-net/onu-poller/pkg/types"
)

// Config is the complete configuration shared by the server and poller commands.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	API       APIConfig       `yaml:"api"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Polling   PollingConfig   `yaml:"polling"`
	SNMP      SNMPConfig      `yaml:"snmp"`
	Verifier  VerifierConfig  `yaml:"verifier"`
	Queue     QueueConfig     `yaml:"queue"`
	Retention RetentionConfig `yaml:"retention"`
	Meta      MetaConfig      `yaml:"meta"`
	Secrets   SecretsConfig   `yaml:"secrets"`
}

// DatabaseConfig locates PostgreSQL.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig locates the Redis instance used for queues and coordination.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// APIConfig controls the trigger API.
type APIConfig struct {
	Port int `yaml:"port"`
	// TokenHash is a bcrypt hash of the bearer token. Empty disables auth.
	TokenHash string `yaml:"token_hash,omitempty"`
}

// SchedulerConfig controls the quarter-hour trigger.
type SchedulerConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Cron       string        `yaml:"cron"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// PollingConfig holds chunking, admission and retry knobs.
type PollingConfig struct {
	ChunkSize            int           `yaml:"chunk_size"`
	SubChunkSize         int           `yaml:"sub_chunk_size"`
	MaxConcurrentChunks  int           `yaml:"max_concurrent_chunks"`
	SlotTTL              time.Duration `yaml:"slot_ttl"`
	AdmissionRetryDelay  time.Duration `yaml:"admission_retry_delay"`
	MaxAdmissionAttempts int           `yaml:"max_admission_attempts"`
	ChordTTL             time.Duration `yaml:"chord_ttl"`

	ProbeRetries    int           `yaml:"probe_retries"`
	ProbeRetryDelay time.Duration `yaml:"probe_retry_delay"`
	MaxRetryElapsed time.Duration `yaml:"max_retry_elapsed"`
}

// SessionBudget is the timeout and retry count for one SNMP request.
type SessionBudget struct {
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

// SNMPConfig holds SNMP session and per-host limits.
type SNMPConfig struct {
	Port           uint16        `yaml:"port"`
	Baseline       SessionBudget `yaml:"baseline"`
	Extended       SessionBudget `yaml:"extended"`
	MaxRepetitions uint32        `yaml:"max_repetitions"`

	// Overrides replaces the profile budget for individual query types.
	Overrides map[types.QueryType]SessionBudget `yaml:"overrides,omitempty"`

	SessionsPerHost   int     `yaml:"sessions_per_host"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	RequestBurst      int     `yaml:"request_burst"`
}

// BudgetFor returns the session budget for a query type.
func (c SNMPConfig) BudgetFor(spec types.QuerySpec) SessionBudget {
	if b, ok := c.Overrides[spec.Type]; ok && b.Timeout > 0 {
		return b
	}
	if spec.Profile == types.ProfileExtended {
		return c.Extended
	}
	return c.Baseline
}

// VerifierConfig controls host liveness verification.
type VerifierConfig struct {
	FpingPath     string          `yaml:"fping_path,omitempty"`
	ProbeTimeouts []time.Duration `yaml:"probe_timeouts"`
	LockTTL       time.Duration   `yaml:"lock_ttl"`
	RecheckDelay  time.Duration   `yaml:"recheck_delay"`
	MaxRechecks   int             `yaml:"max_rechecks"`
}

// QueueConfig controls job delivery.
type QueueConfig struct {
	VisibilityTimeout time.Duration  `yaml:"visibility_timeout"`
	ExtendInterval    time.Duration  `yaml:"extend_interval"`
	MaxAttempts       int            `yaml:"max_attempts"`
	RetryDelay        time.Duration  `yaml:"retry_delay"`
	ReapInterval      time.Duration  `yaml:"reap_interval"`
	PollInterval      time.Duration  `yaml:"poll_interval"`
	Concurrency       map[string]int `yaml:"concurrency"`
}

// RetentionConfig controls execution-history pruning.
type RetentionConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	MaxAge     time.Duration `yaml:"max_age"`
	BatchSize  int           `yaml:"batch_size"`
	BatchPause time.Duration `yaml:"batch_pause"`
}

// MetaConfig controls the ONU location backfill.
type MetaConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	MappingFile string        `yaml:"mapping_file,omitempty"`
}

// SecretsConfig selects how community references are resolved.
type SecretsConfig struct {
	Backend   string `yaml:"backend"` // "auto", "1password", "local"
	LocalFile string `yaml:"local_file,omitempty"`

	OnePasswordHost    string `yaml:"onepassword_host,omitempty"`
	OnePasswordToken   string `yaml:"-"`
	OnePasswordVaultID string `yaml:"onepassword_vault_id,omitempty"`
}

// DefaultConfig returns a config populated from constants.go.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{URL: "postgres://localhost:5432/onupoll?sslmode=disable"},
		Redis:    RedisConfig{URL: "redis://localhost:6379/0", KeyPrefix: "onupoll:"},
		API:      APIConfig{Port: 8080},
		Scheduler: SchedulerConfig{
			Enabled:    true,
			Cron:       DefaultScheduleCron,
			StaleAfter: DefaultStaleAfter,
		},
		Polling: PollingConfig{
			ChunkSize:            DefaultChunkSize,
			SubChunkSize:         DefaultSubChunkSize,
			MaxConcurrentChunks:  DefaultMaxConcurrentChunks,
			SlotTTL:              DefaultSlotTTL,
			AdmissionRetryDelay:  DefaultAdmissionRetryDelay,
			MaxAdmissionAttempts: DefaultMaxAdmissionAttempts,
			ChordTTL:             DefaultChordTTL,
			ProbeRetries:         DefaultProbeRetries,
			ProbeRetryDelay:      DefaultProbeRetryDelay,
			MaxRetryElapsed:      DefaultMaxRetryElapsed,
		},
		SNMP: SNMPConfig{
			Port:              DefaultSNMPPort,
			Baseline:          SessionBudget{Timeout: BaselineTimeout, Retries: BaselineRetries},
			Extended:          SessionBudget{Timeout: ExtendedTimeout, Retries: ExtendedRetries},
			MaxRepetitions:    DefaultMaxRepetitions,
			SessionsPerHost:   DefaultSessionsPerHost,
			RequestsPerSecond: DefaultRequestsPerSecond,
			RequestBurst:      DefaultRequestBurst,
		},
		Verifier: VerifierConfig{
			FpingPath:     DefaultFpingPath,
			ProbeTimeouts: append([]time.Duration(nil), DefaultProbeTimeouts...),
			LockTTL:       DefaultVerifyLockTTL,
			RecheckDelay:  DefaultRecheckDelay,
			MaxRechecks:   DefaultMaxRechecks,
		},
		Queue: QueueConfig{
			VisibilityTimeout: DefaultVisibilityTimeout,
			ExtendInterval:    DefaultClaimExtendInterval,
			MaxAttempts:       DefaultMaxJobAttempts,
			RetryDelay:        DefaultJobRetryDelay,
			ReapInterval:      DefaultReapInterval,
			PollInterval:      DefaultClaimPollInterval,
			Concurrency: map[string]int{
				QueuePrincipal: 4,
				QueueWorkers:   16,
				QueueSecondary: 2,
			},
		},
		Retention: RetentionConfig{
			Enabled:    true,
			Interval:   DefaultRetentionInterval,
			MaxAge:     DefaultRetentionMaxAge,
			BatchSize:  DefaultRetentionBatchSize,
			BatchPause: DefaultRetentionPause,
		},
		Meta: MetaConfig{
			Enabled:   true,
			Interval:  DefaultMetaInterval,
			BatchSize: DefaultMetaBatchSize,
		},
		Secrets: SecretsConfig{Backend: "auto"},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Load reads path when non-empty, applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	p := c.Polling
	if p.ChunkSize <= 0 {
		return fmt.Errorf("polling.chunk_size must be positive")
	}
	if p.SubChunkSize <= 0 || p.SubChunkSize > p.ChunkSize {
		return fmt.Errorf("polling.sub_chunk_size must be between 1 and chunk_size (%d)", p.ChunkSize)
	}
	if p.MaxConcurrentChunks <= 0 {
		return fmt.Errorf("polling.max_concurrent_chunks must be positive")
	}
	if p.ProbeRetries < 1 {
		return fmt.Errorf("polling.probe_retries must be at least 1")
	}
	if p.MaxAdmissionAttempts < 1 {
		return fmt.Errorf("polling.max_admission_attempts must be at least 1")
	}
	if p.SlotTTL <= 0 || p.ChordTTL <= 0 {
		return fmt.Errorf("polling.slot_ttl and polling.chord_ttl must be positive")
	}
	if c.SNMP.Baseline.Timeout <= 0 || c.SNMP.Extended.Timeout <= 0 {
		return fmt.Errorf("snmp timeouts must be positive")
	}
	for qt := range c.SNMP.Overrides {
		if _, ok := types.LookupQuery(qt); !ok {
			return fmt.Errorf("snmp.overrides: unknown query type %q", qt)
		}
	}
	if c.SNMP.SessionsPerHost <= 0 {
		return fmt.Errorf("snmp.sessions_per_host must be positive")
	}
	if c.SNMP.RequestsPerSecond <= 0 || c.SNMP.RequestBurst <= 0 {
		return fmt.Errorf("snmp.requests_per_second and snmp.request_burst must be positive")
	}
	if len(c.Verifier.ProbeTimeouts) == 0 {
		return fmt.Errorf("verifier.probe_timeouts must not be empty")
	}
	for i := 1; i < len(c.Verifier.ProbeTimeouts); i++ {
		if c.Verifier.ProbeTimeouts[i] < c.Verifier.ProbeTimeouts[i-1] {
			return fmt.Errorf("verifier.probe_timeouts must be non-decreasing")
		}
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue.visibility_timeout must be positive")
	}
	if c.Queue.ExtendInterval <= 0 || c.Queue.ExtendInterval >= c.Queue.VisibilityTimeout {
		return fmt.Errorf("queue.extend_interval must be positive and shorter than queue.visibility_timeout (%s)", c.Queue.VisibilityTimeout)
	}
	for name, n := range c.Queue.Concurrency {
		if n < 0 {
			return fmt.Errorf("queue.concurrency.%s must not be negative", name)
		}
	}
	if c.Retention.Enabled && (c.Retention.MaxAge <= 0 || c.Retention.BatchSize <= 0) {
		return fmt.Errorf("retention.max_age and retention.batch_size must be positive")
	}
	switch c.Secrets.Backend {
	case "", "auto", "1password", "local":
	default:
		return fmt.Errorf("unknown secrets backend: %s", c.Secrets.Backend)
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the ONUPOLL_ prefix:
//   - ONUPOLL_DATABASE_URL
//   - ONUPOLL_REDIS_URL
//   - ONUPOLL_API_PORT
//   - ONUPOLL_API_TOKEN_HASH
//   - ONUPOLL_CHUNK_SIZE
//   - ONUPOLL_SUB_CHUNK_SIZE
//   - ONUPOLL_MAX_CONCURRENT_CHUNKS
//   - ONUPOLL_SESSIONS_PER_HOST
//   - ONUPOLL_SCHEDULER_ENABLED
//   - ONUPOLL_POLLER_QUEUES (e.g. "workers=32,secondary=4")
//   - ONUPOLL_SECRETS_BACKEND, OP_CONNECT_HOST, OP_CONNECT_TOKEN, OP_VAULT_ID
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("ONUPOLL_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("ONUPOLL_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("ONUPOLL_API_TOKEN_HASH"); v != "" {
		c.API.TokenHash = v
	}
	if v := os.Getenv("ONUPOLL_SECRETS_BACKEND"); v != "" {
		c.Secrets.Backend = v
	}
	if v := os.Getenv("OP_CONNECT_HOST"); v != "" {
		c.Secrets.OnePasswordHost = v
	}
	if v := os.Getenv("OP_CONNECT_TOKEN"); v != "" {
		c.Secrets.OnePasswordToken = v
	}
	if v := os.Getenv("OP_VAULT_ID"); v != "" {
		c.Secrets.OnePasswordVaultID = v
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"ONUPOLL_API_PORT", &c.API.Port},
		{"ONUPOLL_CHUNK_SIZE", &c.Polling.ChunkSize},
		{"ONUPOLL_SUB_CHUNK_SIZE", &c.Polling.SubChunkSize},
		{"ONUPOLL_MAX_CONCURRENT_CHUNKS", &c.Polling.MaxConcurrentChunks},
		{"ONUPOLL_SESSIONS_PER_HOST", &c.SNMP.SessionsPerHost},
	}
	for _, o := range ints {
		v := os.Getenv(o.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", o.env, err)
		}
		*o.dst = n
	}

	if v := os.Getenv("ONUPOLL_SCHEDULER_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ONUPOLL_SCHEDULER_ENABLED: %w", err)
		}
		c.Scheduler.Enabled = b
	}

	if v := os.Getenv("ONUPOLL_POLLER_QUEUES"); v != "" {
		queues, err := ParseQueueConcurrency(v)
		if err != nil {
			return fmt.Errorf("ONUPOLL_POLLER_QUEUES: %w", err)
		}
		c.Queue.Concurrency = queues
	}
	return nil
}

// ParseQueueConcurrency parses "name=n,name=n" into a concurrency map.
// A bare name gets a concurrency of 1.
func ParseQueueConcurrency(s string) (map[string]int, error) {
	out := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, count, found := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("empty queue name in %q", s)
		}
		n := 1
		if found {
			var err error
			if n, err = strconv.Atoi(strings.TrimSpace(count)); err != nil || n < 0 {
				return nil, fmt.Errorf("invalid concurrency for queue %s: %q", name, count)
			}
		}
		out[name] = n
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no queues in %q", s)
	}
	return out, nil
}
