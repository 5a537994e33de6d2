package outbox

import (
	"context"
	"database/sql"
	"time"
)

// Executor runs statements. *sql.DB, *sql.Tx and *sql.Conn satisfy it.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Storage persists outbox messages.
type Storage interface {
	// Save inserts msgs in a transaction of its own.
	Save(ctx context.Context, msgs []OutgoingMessage, identity Identity) error
	// SaveWith inserts msgs through exec, typically the caller's business transaction.
	SaveWith(ctx context.Context, exec Executor, msgs []OutgoingMessage, identity Identity) error
	// NextBatch locks up to maxBatchSize unsent messages, oldest first. A non-empty correlationID
	// restricts the batch to that correlation id. The returned batch must always be closed.
	NextBatch(ctx context.Context, correlationID string, maxBatchSize int) (Batch, error)
	// HasMessages reports whether messages produced while handling (messageID, sourceQueue) exist.
	HasMessages(ctx context.Context, exec Executor, messageID, sourceQueue string) (bool, error)
	// DeleteSent removes messages sent more than retention ago, limit rows per statement.
	DeleteSent(ctx context.Context, retention time.Duration, limit int) (int64, error)
}

// Batch is a locked set of unsent messages.
type Batch interface {
	// Messages returns the locked messages.
	Messages() []Message
	// Complete marks the messages sent and releases the locks.
	Complete(ctx context.Context) error
	// Close releases the locks without marking anything. It is safe after Complete.
	Close() error
}
