package outbox

import (
	"time"

	"github.com/velmie/sqlbus"
)

const (
	defaultBatchSize       = 100
	defaultForwardInterval = 5 * time.Second
	defaultCleanInterval   = 2 * time.Minute
	defaultCleanBatch      = 1000
	defaultCleanRetention  = 7 * 24 * time.Hour
	defaultEagerTimeout    = 30 * time.Second
	maxBatchRestarts       = 3
)

// ForwarderConfig defines how the Forwarder polls, retries and cleans.
type ForwarderConfig struct {
	BatchSize       int
	ForwardInterval time.Duration
	CleanInterval   time.Duration
	CleanBatch      int
	CleanRetention  time.Duration
	DisableCleaner  bool
	EagerTimeout    time.Duration
	RetryDelays     []time.Duration
	retryDelaysSet  bool
	Clock           sqlbus.Clock
	Logger          sqlbus.Logger
	Metrics         sqlbus.Metrics
}

func (c ForwarderConfig) withDefaults() ForwarderConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.ForwardInterval <= 0 {
		c.ForwardInterval = defaultForwardInterval
	}
	if c.CleanInterval <= 0 {
		c.CleanInterval = defaultCleanInterval
	}
	if c.CleanBatch <= 0 {
		c.CleanBatch = defaultCleanBatch
	}
	if c.CleanRetention <= 0 {
		c.CleanRetention = defaultCleanRetention
	}
	if c.EagerTimeout <= 0 {
		c.EagerTimeout = defaultEagerTimeout
	}
	if !c.retryDelaysSet {
		c.RetryDelays = DefaultRetryDelays
	}
	if c.Clock == nil {
		c.Clock = sqlbus.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = sqlbus.DefaultLogger()
	}
	if c.Metrics == nil {
		c.Metrics = sqlbus.NopMetrics{}
	}

	return c
}

// ForwarderOption configures Forwarder behavior.
type ForwarderOption func(*ForwarderConfig)

// WithBatchSize sets how many messages one batch locks.
func WithBatchSize(size int) ForwarderOption {
	return func(c *ForwarderConfig) {
		c.BatchSize = size
	}
}

// WithForwardInterval sets the delay between sweeps of unsent messages.
func WithForwardInterval(interval time.Duration) ForwarderOption {
	return func(c *ForwarderConfig) {
		c.ForwardInterval = interval
	}
}

// WithCleanInterval sets the delay between deletions of sent messages.
func WithCleanInterval(interval time.Duration) ForwarderOption {
	return func(c *ForwarderConfig) {
		c.CleanInterval = interval
	}
}

// WithCleanBatch sets how many sent messages one DELETE removes.
func WithCleanBatch(n int) ForwarderOption {
	return func(c *ForwarderConfig) {
		c.CleanBatch = n
	}
}

// WithCleanRetention sets how long sent messages are kept before the cleaner may delete them.
// Redeliveries arriving after that are no longer recognized as already handled.
func WithCleanRetention(retention time.Duration) ForwarderOption {
	return func(c *ForwarderConfig) {
		c.CleanRetention = retention
	}
}

// WithoutCleaner keeps sent messages, for example for auditing.
func WithoutCleaner() ForwarderOption {
	return func(c *ForwarderConfig) {
		c.DisableCleaner = true
	}
}

// WithEagerTimeout bounds how long one eager forward may run.
func WithEagerTimeout(timeout time.Duration) ForwarderOption {
	return func(c *ForwarderConfig) {
		c.EagerTimeout = timeout
	}
}

// WithRetryDelays replaces the wait schedule between send attempts. No delays means a single attempt.
func WithRetryDelays(delays ...time.Duration) ForwarderOption {
	return func(c *ForwarderConfig) {
		c.RetryDelays = delays
		c.retryDelaysSet = true
	}
}

// WithClock sets the forwarder clock.
func WithClock(clock sqlbus.Clock) ForwarderOption {
	return func(c *ForwarderConfig) {
		c.Clock = clock
	}
}

// WithLogger sets the forwarder logger.
func WithLogger(logger sqlbus.Logger) ForwarderOption {
	return func(c *ForwarderConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the forwarder metrics recorder.
func WithMetrics(metrics sqlbus.Metrics) ForwarderOption {
	return func(c *ForwarderConfig) {
		c.Metrics = metrics
	}
}
