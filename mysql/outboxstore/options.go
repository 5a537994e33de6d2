package outboxstore

import (
	"github.com/velmie/sqlbus"
	"github.com/velmie/sqlbus/mysql"
)

const (
	defaultTable           = "sqlbus_outbox"
	defaultCleanLockPrefix = "sqlbus:outbox:clean:"
)

// Config defines MySQL outbox store behavior.
type Config struct {
	Table    string
	LockName string
	Gate     *mysql.Gate
	Migrator *mysql.Migrator
	Logger   sqlbus.Logger
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.Gate == nil {
		c.Gate = mysql.DefaultGate
	}
	if c.Logger == nil {
		c.Logger = sqlbus.DefaultLogger()
	}

	return c
}

// Option configures the MySQL outbox store.
type Option func(*Config)

// WithTable sets the outbox table name. Use schema.table for a non-default schema.
func WithTable(name string) Option {
	return func(c *Config) {
		c.Table = name
	}
}

// WithLockName sets the advisory lock serializing DeleteSent. Defaults to sqlbus:outbox:clean:<table>.
func WithLockName(name string) Option {
	return func(c *Config) {
		c.LockName = name
	}
}

// WithGate sets the gate serializing statements on caller-supplied executors.
func WithGate(gate *mysql.Gate) Option {
	return func(c *Config) {
		c.Gate = gate
	}
}

// WithMigrator sets the migrator used by EnsureTable.
func WithMigrator(migrator *mysql.Migrator) Option {
	return func(c *Config) {
		c.Migrator = migrator
	}
}

// WithLogger sets the store logger.
func WithLogger(logger sqlbus.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
