package transport

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/velmie/sqlbus"
	"github.com/velmie/sqlbus/mysql"
)

// Janitor periodically deletes expired messages of one queue table.
type Janitor struct {
	db        *sql.DB
	table     mysql.TableName
	query     string
	interval  time.Duration
	batchSize int
	logger    sqlbus.Logger
	metrics   sqlbus.Metrics
	clock     sqlbus.Clock
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithJanitorLogger sets the janitor logger.
func WithJanitorLogger(logger sqlbus.Logger) JanitorOption {
	return func(j *Janitor) {
		j.logger = logger
	}
}

// WithJanitorMetrics sets the janitor metrics recorder.
func WithJanitorMetrics(metrics sqlbus.Metrics) JanitorOption {
	return func(j *Janitor) {
		j.metrics = metrics
	}
}

// NewJanitor creates a janitor for table. Non-positive interval and batch size fall back to defaults.
func NewJanitor(db *sql.DB, table mysql.TableName, interval time.Duration, batchSize int, opts ...JanitorOption) *Janitor {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	if batchSize <= 0 {
		batchSize = defaultCleanupBatchSize
	}

	j := &Janitor{
		db:        db,
		table:     table,
		query:     newQueries(table).purgeExpired,
		interval:  interval,
		batchSize: batchSize,
		logger:    sqlbus.NopLogger{},
		metrics:   sqlbus.NopMetrics{},
		clock:     sqlbus.SystemClock{},
	}
	for _, opt := range opts {
		opt(j)
	}

	return j
}

// Run purges expired messages every interval until the context is canceled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := j.PurgeOnce(ctx); err != nil && ctx.Err() == nil {
				j.logger.Warn("sqlbus expired message cleanup failed", "table", j.table.String(), "err", err)
			}
		}
	}
}

// PurgeOnce deletes expired messages batch by batch until a batch comes back short.
func (j *Janitor) PurgeOnce(ctx context.Context) (int64, error) {
	started := j.clock.Now()

	var total int64
	for {
		res, err := j.db.ExecContext(ctx, j.query, j.batchSize)
		if err != nil {
			return total, fmt.Errorf("sqlbus transport: purge %s: %w", j.table, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("sqlbus transport: purge %s: %w", j.table, err)
		}
		total += affected
		if affected < int64(j.batchSize) {
			break
		}
	}

	if total > 0 {
		j.metrics.AddPurged(int(total))
		j.logger.Info("sqlbus expired messages purged",
			"table", j.table.String(),
			"count", total,
			"elapsed", j.clock.Now().Sub(started).String(),
		)
	}

	return total, nil
}
