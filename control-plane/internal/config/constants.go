package config

// Literal defaults. Every value here can be overridden from the YAML file
// or the environment; see config.go.

import "time"

// Chunking and fan-out.
const (
	// DefaultChunkSize is the number of ONU indices a single chunk worker polls.
	DefaultChunkSize = 200

	// DefaultSubChunkSize is the slice size used once a full chunk times out.
	DefaultSubChunkSize = 50

	// DefaultMaxConcurrentChunks caps in-flight chunk workers per task.
	DefaultMaxConcurrentChunks = 10

	// DefaultSlotTTL bounds how long a crashed worker can hold an in-flight slot.
	DefaultSlotTTL = 10 * time.Minute

	// DefaultAdmissionRetryDelay is how long a refused chunk waits before asking again.
	DefaultAdmissionRetryDelay = 5 * time.Second

	// DefaultMaxAdmissionAttempts bounds the admission loop (120 x 5s = 10m).
	DefaultMaxAdmissionAttempts = 120

	// DefaultChordTTL is the lifetime of fan-in bookkeeping in Redis.
	DefaultChordTTL = 6 * time.Hour
)

// Single-index probing once a sub-chunk times out.
const (
	DefaultProbeRetries    = 3
	DefaultProbeRetryDelay = 2 * time.Second
	DefaultMaxRetryElapsed = 2 * time.Minute
)

// SNMP session budgets per timeout profile.
const (
	DefaultSNMPPort = 161

	BaselineTimeout = 6 * time.Second
	BaselineRetries = 1

	ExtendedTimeout = 10 * time.Second
	ExtendedRetries = 2

	// DefaultSessionsPerHost is the number of simultaneous SNMP sessions allowed per OLT.
	DefaultSessionsPerHost = 5

	// DefaultRequestsPerSecond and DefaultRequestBurst shape PDUs sent to one OLT.
	DefaultRequestsPerSecond = 20.0
	DefaultRequestBurst      = 5

	DefaultMaxRepetitions = 25
)

// Scheduling.
const (
	// DefaultScheduleCron fires at the start of every quarter hour.
	DefaultScheduleCron = "0 0,15,30,45 * * * *"

	// DefaultStaleAfter is how old a task's last execution must be to run again.
	DefaultStaleAfter = 14 * time.Minute
)

// Host verification.
const (
	DefaultVerifyLockTTL = 2 * time.Minute
	DefaultRecheckDelay  = 15 * time.Minute
	DefaultMaxRechecks   = 4
	DefaultFpingPath     = "fping"
)

// DefaultProbeTimeouts are the per-probe ICMP timeouts, increasing.
var DefaultProbeTimeouts = []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second}

// Queueing.
const (
	QueuePrincipal = "principal"
	QueueWorkers   = "workers"
	QueueSecondary = "secondary"

	DefaultVisibilityTimeout = 5 * time.Minute
	// DefaultClaimExtendInterval is how often a running job pushes its
	// visibility deadline out; it must stay below the visibility timeout.
	DefaultClaimExtendInterval = time.Minute
	DefaultMaxJobAttempts      = 3
	DefaultJobRetryDelay       = 10 * time.Second
	DefaultReapInterval        = 5 * time.Second
	DefaultClaimPollInterval   = 500 * time.Millisecond
)

// Maintenance.
const (
	DefaultRetentionInterval  = 6 * time.Hour
	DefaultRetentionMaxAge    = 30 * 24 * time.Hour
	DefaultRetentionBatchSize = 500
	DefaultRetentionPause     = 500 * time.Millisecond

	DefaultMetaInterval  = 2 * time.Minute
	DefaultMetaBatchSize = 1000
)

// Connectivity checks.
const (
	DatabasePingTimeout    = 5 * time.Second
	RedisConnectionTimeout = 5 * time.Second
)

// Pagination defaults for API list endpoints.
const (
	DefaultPaginationLimit = 50
	MaxPaginationLimit     = 500
)
