package config

import "time"

// QueueBackend selects the run queue implementation.
type QueueBackend string

const (
	// QueueBackendLocal is the in-process FIFO. Runs skip the queued state.
	QueueBackendLocal QueueBackend = "local"

	// QueueBackendPostgres claims runs from the runs table with
	// SELECT ... FOR UPDATE SKIP LOCKED. No extra infrastructure.
	QueueBackendPostgres QueueBackend = "postgres"

	// QueueBackendRedis uses Redis Streams consumer groups.
	QueueBackendRedis QueueBackend = "redis"
)

// Valid reports whether the backend is a known value.
func (b QueueBackend) Valid() bool {
	switch b {
	case QueueBackendLocal, QueueBackendPostgres, QueueBackendRedis:
		return true
	}
	return false
}

// Distributed reports whether runs pass through a durable queue shared
// across replicas. Local mode dispatches in-process and skips `queued`.
func (b QueueBackend) Distributed() bool {
	return b == QueueBackendPostgres || b == QueueBackendRedis
}

// QueueConfig contains run queue and worker pool configuration.
// These values control how runs are enqueued, claimed, and processed.
type QueueConfig struct {
	// Backend selects the queue implementation.
	Backend QueueBackend `yaml:"backend"`

	// Endpoint is the queue service address. Required for the redis
	// backend (redis://host:port/db); unused otherwise.
	Endpoint string `yaml:"endpoint"`

	// Stream is the Redis stream key runs are published to.
	Stream string `yaml:"stream"`

	// Group is the Redis consumer group shared by all replicas.
	Group string `yaml:"group"`

	// WorkerCount is the number of worker goroutines per replica.
	// Each worker independently claims and executes runs.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentRuns is the per-replica limit of runs being executed
	// at once. Worker claims stop while the limit is reached.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// PollInterval is the base interval for checking queued runs.
	PollInterval Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter Duration `yaml:"poll_interval_jitter"`

	// LeaseTTL is how long a claim remains valid without a heartbeat.
	// Expired leases make the run claimable again (at-least-once).
	LeaseTTL Duration `yaml:"lease_ttl"`

	// HeartbeatInterval is how often workers extend their leases.
	// Must be well under LeaseTTL.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// OrphanDetectionInterval is how often to scan for runs whose worker
	// stopped heartbeating.
	OrphanDetectionInterval Duration `yaml:"orphan_detection_interval"`

	// GracefulShutdownTimeout is the max time to wait for active runs to
	// finish during shutdown. Runs still active after it are released for
	// another replica to resume from checkpoint.
	GracefulShutdownTimeout Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		Backend:                 QueueBackendLocal,
		Stream:                  "caphub:runs",
		Group:                   "caphub-workers",
		WorkerCount:             5,
		MaxConcurrentRuns:       5,
		PollInterval:            Duration(1 * time.Second),
		PollIntervalJitter:      Duration(500 * time.Millisecond),
		LeaseTTL:                Duration(1 * time.Minute),
		HeartbeatInterval:       Duration(15 * time.Second),
		OrphanDetectionInterval: Duration(1 * time.Minute),
		GracefulShutdownTimeout: Duration(30 * time.Second),
	}
}
