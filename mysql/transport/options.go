package transport

import (
	"os"
	"time"

	"github.com/velmie/sqlbus"
	"github.com/velmie/sqlbus/mysql"
)

const (
	defaultMaxConcurrency   = 20
	defaultCleanupInterval  = 20 * time.Second
	defaultCleanupBatchSize = 1
	defaultLeaseInterval    = 5 * time.Minute
	defaultLeaseTolerance   = 30 * time.Second
	unknownClaimant         = "unknown"
)

// Config defines transport behavior. Lease settings only apply to LeaseTransport.
type Config struct {
	MaxConcurrency         int
	ExpiredCleanupInterval time.Duration
	ExpiredCleanupBatch    int
	NativeDeferral         bool
	nativeDeferralSet      bool
	AutoCreateQueue        bool
	autoCreateQueueSet     bool
	Gate                   *mysql.Gate
	Migrator               *mysql.Migrator
	Clock                  sqlbus.Clock
	Logger                 sqlbus.Logger
	Metrics                sqlbus.Metrics

	LeaseInterval         time.Duration
	LeaseTolerance        time.Duration
	AutomaticLeaseRenewal bool
	LeaseRenewalInterval  time.Duration
	LeasedByFactory       func() string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaultMaxConcurrency
	}
	if c.ExpiredCleanupInterval <= 0 {
		c.ExpiredCleanupInterval = defaultCleanupInterval
	}
	if c.ExpiredCleanupBatch <= 0 {
		c.ExpiredCleanupBatch = defaultCleanupBatchSize
	}
	if !c.nativeDeferralSet {
		c.NativeDeferral = true
	}
	if !c.autoCreateQueueSet {
		c.AutoCreateQueue = true
	}
	if c.Gate == nil {
		c.Gate = mysql.DefaultGate
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
	if c.LeaseInterval <= 0 {
		c.LeaseInterval = defaultLeaseInterval
	}
	if c.LeaseTolerance < 0 {
		c.LeaseTolerance = 0
	} else if c.LeaseTolerance == 0 {
		c.LeaseTolerance = defaultLeaseTolerance
	}
	if c.LeaseRenewalInterval <= 0 {
		c.LeaseRenewalInterval = c.LeaseInterval / 2
	}
	if c.LeasedByFactory == nil {
		c.LeasedByFactory = hostnameClaimant
	}

	return c
}

func hostnameClaimant() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return unknownClaimant
	}

	return host
}

// Option configures a transport.
type Option func(*Config)

// WithMaxConcurrency caps the number of simultaneous database operations issued by Send and Receive.
func WithMaxConcurrency(n int) Option {
	return func(c *Config) {
		c.MaxConcurrency = n
	}
}

// WithExpiredCleanupInterval sets how often the janitor purges expired rows.
func WithExpiredCleanupInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.ExpiredCleanupInterval = interval
	}
}

// WithExpiredCleanupBatch sets how many expired rows one janitor DELETE removes.
func WithExpiredCleanupBatch(n int) Option {
	return func(c *Config) {
		c.ExpiredCleanupBatch = n
	}
}

// WithNativeDeferral enables or disables deferred delivery through the visible column.
// When disabled, the deferred-until header is ignored and an external timeout manager must be used.
func WithNativeDeferral(enabled bool) Option {
	return func(c *Config) {
		c.NativeDeferral = enabled
		c.nativeDeferralSet = true
	}
}

// WithAutoCreateQueue controls whether Init creates the input queue table.
func WithAutoCreateQueue(enabled bool) Option {
	return func(c *Config) {
		c.AutoCreateQueue = enabled
		c.autoCreateQueueSet = true
	}
}

// WithGate sets the gate serializing statements on a shared transaction.
func WithGate(gate *mysql.Gate) Option {
	return func(c *Config) {
		c.Gate = gate
	}
}

// WithMigrator sets the migrator used by CreateQueue.
func WithMigrator(migrator *mysql.Migrator) Option {
	return func(c *Config) {
		c.Migrator = migrator
	}
}

// WithClock sets the time source used to compute visibility delays.
func WithClock(clock sqlbus.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithLogger sets the transport logger.
func WithLogger(logger sqlbus.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics sqlbus.Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithLeaseInterval sets how long a received message stays leased.
func WithLeaseInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.LeaseInterval = interval
	}
}

// WithLeaseTolerance sets how long after leaseduntil a lease is still honored. Negative disables it.
func WithLeaseTolerance(tolerance time.Duration) Option {
	return func(c *Config) {
		c.LeaseTolerance = tolerance
	}
}

// WithAutomaticLeaseRenewal extends leases of messages being processed every interval.
// A zero interval renews at half the lease interval.
func WithAutomaticLeaseRenewal(interval time.Duration) Option {
	return func(c *Config) {
		c.AutomaticLeaseRenewal = true
		c.LeaseRenewalInterval = interval
	}
}

// WithLeasedByFactory sets how the claimant identity stored in leasedby is produced.
func WithLeasedByFactory(factory func() string) Option {
	return func(c *Config) {
		c.LeasedByFactory = factory
	}
}
