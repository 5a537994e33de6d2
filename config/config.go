// Package config loads process configuration for the sqlbus command line tool.
//
// Values come from an optional JSON file and are overridden by SQLBUS_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/velmie/sqlbus/mysql"
)

const (
	DefaultConfigFile  = "sqlbus.json"
	DefaultOutboxTable = "sqlbus_outbox"
	DefaultLogLevel    = "info"
	envPrefix          = "sqlbus"
)

// DefaultCleanRetention keeps sent outbox rows for a week, in seconds.
const DefaultCleanRetention = 7 * 24 * 60 * 60

// ErrNotLoaded is returned by Fetch before a configuration was stored.
var ErrNotLoaded = errors.New("sqlbus config: configuration not loaded")

var ConfigStore atomic.Value

type DataSourceConfig struct {
	DSN             string `json:"dsn" envconfig:"SQLBUS_DATA_SOURCE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" envconfig:"SQLBUS_DATA_SOURCE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" envconfig:"SQLBUS_DATA_SOURCE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_sec" envconfig:"SQLBUS_DATA_SOURCE_CONN_MAX_LIFETIME_SEC"`
	ConnMaxIdleTime int    `json:"conn_max_idle_time_sec" envconfig:"SQLBUS_DATA_SOURCE_CONN_MAX_IDLE_TIME_SEC"`
}

// Pool converts the data source settings into pool settings, falling back to the defaults.
func (c DataSourceConfig) Pool() mysql.PoolConfig {
	pool := mysql.DefaultPoolConfig()
	if c.MaxOpenConns > 0 {
		pool.MaxOpenConns = c.MaxOpenConns
	}
	if c.MaxIdleConns > 0 {
		pool.MaxIdleConns = c.MaxIdleConns
	}
	if c.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = time.Duration(c.ConnMaxLifetime) * time.Second
	}
	if c.ConnMaxIdleTime > 0 {
		pool.ConnMaxIdleTime = time.Duration(c.ConnMaxIdleTime) * time.Second
	}

	return pool
}

type QueueConfig struct {
	Address                string `json:"address" envconfig:"SQLBUS_QUEUE_ADDRESS"`
	Lease                  bool   `json:"lease" envconfig:"SQLBUS_QUEUE_LEASE"`
	MaxConcurrency         int    `json:"max_concurrency" envconfig:"SQLBUS_QUEUE_MAX_CONCURRENCY"`
	ExpiredCleanupInterval int    `json:"expired_cleanup_interval_sec" envconfig:"SQLBUS_QUEUE_EXPIRED_CLEANUP_INTERVAL_SEC"`
	ExpiredCleanupBatch    int    `json:"expired_cleanup_batch" envconfig:"SQLBUS_QUEUE_EXPIRED_CLEANUP_BATCH"`
	LeaseInterval          int    `json:"lease_interval_sec" envconfig:"SQLBUS_QUEUE_LEASE_INTERVAL_SEC"`
	LeaseTolerance         int    `json:"lease_tolerance_sec" envconfig:"SQLBUS_QUEUE_LEASE_TOLERANCE_SEC"`
}

type OutboxConfig struct {
	Table           string `json:"table" envconfig:"SQLBUS_OUTBOX_TABLE"`
	BatchSize       int    `json:"batch_size" envconfig:"SQLBUS_OUTBOX_BATCH_SIZE"`
	ForwardInterval int    `json:"forward_interval_sec" envconfig:"SQLBUS_OUTBOX_FORWARD_INTERVAL_SEC"`
	CleanInterval   int    `json:"clean_interval_sec" envconfig:"SQLBUS_OUTBOX_CLEAN_INTERVAL_SEC"`
	CleanBatch      int    `json:"clean_batch" envconfig:"SQLBUS_OUTBOX_CLEAN_BATCH"`
	CleanRetention  int    `json:"clean_retention_sec" envconfig:"SQLBUS_OUTBOX_CLEAN_RETENTION_SEC"`
}

type Configuration struct {
	LogLevel   string           `json:"log_level" envconfig:"SQLBUS_LOG_LEVEL"`
	DataSource DataSourceConfig `json:"data_source"`
	Queue      QueueConfig      `json:"queue"`
	Outbox     OutboxConfig     `json:"outbox"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := json.NewDecoder(f).Decode(&cnf); err != nil {
			return fmt.Errorf("sqlbus config: decode %s: %w", file, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		logrus.Debugf("config file %s not found, using environment variables", file)
	}

	// override config from environment variables
	if err := envconfig.Process(envPrefix, &cnf); err != nil {
		return fmt.Errorf("sqlbus config: environment: %w", err)
	}

	if err := cnf.validateAndAddDefaults(); err != nil {
		return err
	}

	ConfigStore.Store(&cnf)

	return nil
}

// InitConfig loads configFile (if present) plus environment overrides and stores the result.
func InitConfig(configFile string) error {
	return loadConfigFromFile(configFile)
}

// Fetch returns the stored configuration.
func Fetch() (*Configuration, error) {
	c, ok := ConfigStore.Load().(*Configuration)
	if !ok {
		return nil, ErrNotLoaded
	}

	return c, nil
}

// MockConfig stores cnf as is, for tests.
func MockConfig(cnf *Configuration) {
	ConfigStore.Store(cnf)
}

func (cnf *Configuration) validateAndAddDefaults() error {
	cnf.DataSource.DSN = strings.TrimSpace(cnf.DataSource.DSN)
	cnf.Queue.Address = strings.TrimSpace(cnf.Queue.Address)
	cnf.Outbox.Table = strings.TrimSpace(cnf.Outbox.Table)
	cnf.LogLevel = strings.TrimSpace(cnf.LogLevel)

	if cnf.DataSource.DSN == "" {
		return errors.New("data source DSN is required")
	}

	if cnf.LogLevel == "" {
		cnf.LogLevel = DefaultLogLevel
	}
	if _, err := logrus.ParseLevel(cnf.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", cnf.LogLevel)
	}

	if cnf.Queue.Address != "" {
		if _, err := mysql.ParseTableName(cnf.Queue.Address); err != nil {
			return fmt.Errorf("queue address: %w", err)
		}
	}
	if cnf.Queue.MaxConcurrency < 0 {
		return errors.New("queue max concurrency must not be negative")
	}

	if cnf.Outbox.Table == "" {
		cnf.Outbox.Table = DefaultOutboxTable
	}
	if _, err := mysql.ParseTableName(cnf.Outbox.Table); err != nil {
		return fmt.Errorf("outbox table: %w", err)
	}
	if cnf.Outbox.BatchSize < 0 {
		return errors.New("outbox batch size must not be negative")
	}
	if cnf.Outbox.CleanRetention < 0 {
		return errors.New("outbox clean retention must not be negative")
	}
	if cnf.Outbox.CleanRetention == 0 {
		cnf.Outbox.CleanRetention = DefaultCleanRetention
	}

	return nil
}

// Logger builds the process logger at the configured level.
func (cnf *Configuration) Logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cnf.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	return logger
}

// Seconds converts a whole number of seconds into a duration, zero stays zero.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
