package newsletter

import "time"

const (
	DefaultBatchSize        = 10
	DefaultProcessingDelay  = 1000 * time.Millisecond
	DefaultBatchDelay       = 5000 * time.Millisecond
	DefaultMaxAttempts      = 3
	DefaultSendTimeout      = 30 * time.Second
	DefaultIdlePollInterval = time.Minute
	DefaultRetentionDays    = 7
)

// Config holds the queue tunables. Zero values are replaced by the defaults
// above, so a zero Config is a valid production config.
type Config struct {
	// BatchSize is the maximum number of jobs fetched per cycle.
	BatchSize int
	// ProcessingDelay is the pause between two jobs of the same batch.
	ProcessingDelay time.Duration
	// BatchDelay is the pause after a batch before the next fetch.
	BatchDelay time.Duration
	// MaxAttempts is the attempt ceiling stamped on newly enqueued jobs.
	MaxAttempts int
	// SendTimeout bounds a single dispatcher call.
	SendTimeout time.Duration
	// IdlePollInterval is how often the supervisor wakes an idle processor
	// so that backed-off jobs are retried without a new enqueue.
	IdlePollInterval time.Duration
	// RetentionDays is the default window used by the retention sweeper.
	RetentionDays int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ProcessingDelay <= 0 {
		c.ProcessingDelay = DefaultProcessingDelay
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = DefaultBatchDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.IdlePollInterval <= 0 {
		c.IdlePollInterval = DefaultIdlePollInterval
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	return c
}

// lookupTimeout bounds the store and attachment reads that build a message.
const lookupTimeout = 15 * time.Second

// MaxJobDuration is the longest a claimed job can stay PROCESSING while its
// processor is alive: message lookups, the send and the outcome writes.
// Requeueing PROCESSING jobs younger than this can send an email twice.
func (c Config) MaxJobDuration() time.Duration {
	c = c.withDefaults()
	return lookupTimeout + c.SendTimeout + outcomeWriteTimeout
}

// Backoff returns the delay before retrying a job that has failed attempts
// times: 2^attempts minutes (2m, 4m, 8m, ...).
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 20 {
		attempts = 20
	}
	return time.Duration(1<<uint(attempts)) * time.Minute
}
