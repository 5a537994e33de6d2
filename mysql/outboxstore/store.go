package outboxstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/velmie/sqlbus"
	"github.com/velmie/sqlbus/mysql"
	"github.com/velmie/sqlbus/outbox"
)

var tracer = otel.Tracer("github.com/velmie/sqlbus/mysql/outboxstore")

// Store implements outbox.Storage on a MySQL table.
type Store struct {
	db       *sql.DB
	cfg      Config
	table    mysql.TableName
	queries  queries
	migrator *mysql.Migrator
}

var _ outbox.Storage = (*Store)(nil)

// NewStore constructs a MySQL outbox store.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, mysql.ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	table, err := mysql.ParseTableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	if cfg.LockName == "" {
		cfg.LockName = defaultCleanLockPrefix + table.Key()
	}

	migrator := cfg.Migrator
	if migrator == nil {
		migrator, err = mysql.NewMigrator(db, mysql.WithMigratorLogger(cfg.Logger))
		if err != nil {
			return nil, err
		}
	}

	return &Store{
		db:       db,
		cfg:      cfg,
		table:    table,
		queries:  newQueries(table),
		migrator: migrator,
	}, nil
}

// MustNewStore constructs a MySQL outbox store or panics on error.
func MustNewStore(db *sql.DB, opts ...Option) *Store {
	store, err := NewStore(db, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

// Table returns the outbox table.
func (s *Store) Table() mysql.TableName {
	return s.table
}

// EnsureTable creates the outbox table when it does not exist yet.
func (s *Store) EnsureTable(ctx context.Context) error {
	return s.migrator.EnsureTable(ctx, SchemaKind, s.table, Schema(s.table))
}

// Save inserts msgs in a transaction of its own.
func (s *Store) Save(ctx context.Context, msgs []outbox.OutgoingMessage, identity outbox.Identity) (err error) {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlbus outbox: begin tx failed: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.SaveWith(ctx, tx, msgs, identity); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlbus outbox: commit failed: %w", err)
	}

	return nil
}

// SaveWith inserts msgs through exec. Statements on the same executor are serialized by the gate,
// since a transaction shared with business code must never run two statements at once.
func (s *Store) SaveWith(ctx context.Context, exec outbox.Executor, msgs []outbox.OutgoingMessage, identity outbox.Identity) error {
	if len(msgs) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "sqlbus.outbox.save", trace.WithAttributes(
		attribute.String("sqlbus.outbox.table", s.table.String()),
		attribute.String("sqlbus.correlation_id", identity.CorrelationID),
		attribute.Int("sqlbus.messages", len(msgs)),
	))
	defer span.End()

	rows := make([][]any, 0, len(msgs))
	for _, msg := range msgs {
		args, err := insertArgs(msg, identity)
		if err != nil {
			recordError(span, err)

			return err
		}
		rows = append(rows, args)
	}

	err := s.cfg.Gate.Do(ctx, exec, func() error {
		for _, args := range rows {
			if _, err := exec.ExecContext(ctx, s.queries.insert, args...); err != nil {
				return fmt.Errorf("sqlbus outbox: insert failed: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		recordError(span, err)
	}

	return err
}

func insertArgs(msg outbox.OutgoingMessage, identity outbox.Identity) ([]any, error) {
	if err := msg.Message.Validate(); err != nil {
		return nil, err
	}
	if msg.DestinationAddress == "" {
		return nil, sqlbus.ErrDestinationRequired
	}

	headers, err := json.Marshal(msg.Message.Headers)
	if err != nil {
		return nil, fmt.Errorf("sqlbus outbox: encode headers: %w", err)
	}

	return []any{
		mysql.NullString(identity.CorrelationID),
		mysql.NullString(identity.MessageID),
		mysql.NullString(identity.SourceQueue),
		msg.DestinationAddress,
		string(headers),
		msg.Message.Body,
	}, nil
}

// NextBatch locks up to maxBatchSize unsent messages using READ COMMITTED + SKIP LOCKED.
// A batch without messages holds no transaction.
func (s *Store) NextBatch(ctx context.Context, correlationID string, maxBatchSize int) (outbox.Batch, error) {
	if maxBatchSize <= 0 {
		return nil, ErrInvalidBatchSize
	}

	ctx, span := tracer.Start(ctx, "sqlbus.outbox.next_batch", trace.WithAttributes(
		attribute.String("sqlbus.outbox.table", s.table.String()),
		attribute.String("sqlbus.correlation_id", correlationID),
	))
	defer span.End()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		recordError(span, err)

		return nil, fmt.Errorf("sqlbus outbox: begin tx failed: %w", err)
	}

	messages, err := s.selectBatch(ctx, tx, correlationID, maxBatchSize)
	if err != nil {
		recordError(span, err)
		rollbackErr := tx.Rollback()

		return nil, errors.Join(err, rollbackErr)
	}
	if len(messages) == 0 {
		_ = tx.Rollback()

		return &batch{store: s}, nil
	}
	span.SetAttributes(attribute.Int("sqlbus.messages", len(messages)))

	return &batch{tx: tx, store: s, messages: messages}, nil
}

func (s *Store) selectBatch(ctx context.Context, tx *sql.Tx, correlationID string, limit int) ([]outbox.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if correlationID == "" {
		rows, err = tx.QueryContext(ctx, s.queries.selectPending, limit)
	} else {
		rows, err = tx.QueryContext(ctx, s.queries.selectPendingCorrelation, correlationID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlbus outbox: select failed: %w", err)
	}
	defer rows.Close()

	messages := make([]outbox.Message, 0, limit)
	for rows.Next() {
		var (
			id          int64
			correlation sql.NullString
			messageID   sql.NullString
			sourceQueue sql.NullString
			destination string
			headers     sql.NullString
			body        []byte
		)
		if err := rows.Scan(&id, &correlation, &messageID, &sourceQueue, &destination, &headers, &body); err != nil {
			return nil, fmt.Errorf("sqlbus outbox: scan failed: %w", err)
		}

		decoded := sqlbus.Headers{}
		if headers.Valid && headers.String != "" {
			if err := json.Unmarshal([]byte(headers.String), &decoded); err != nil {
				return nil, fmt.Errorf("sqlbus outbox: decode headers of message %d: %w", id, err)
			}
		}

		messages = append(messages, outbox.Message{
			ID:                 id,
			CorrelationID:      correlation.String,
			MessageID:          messageID.String,
			SourceQueue:        sourceQueue.String,
			DestinationAddress: destination,
			Headers:            decoded,
			Body:               body,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlbus outbox: rows failed: %w", err)
	}

	return messages, nil
}

// HasMessages reports whether the outbox holds messages produced while handling (messageID, sourceQueue).
func (s *Store) HasMessages(ctx context.Context, exec outbox.Executor, messageID, sourceQueue string) (bool, error) {
	if exec == nil {
		exec = s.db
	}

	var exists bool
	err := s.cfg.Gate.Do(ctx, exec, func() error {
		return exec.QueryRowContext(ctx, s.queries.hasMessages, messageID, sourceQueue).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("sqlbus outbox: lookup failed: %w", err)
	}

	return exists, nil
}

// PendingCount returns the number of unsent messages.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, s.queries.countPending).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlbus outbox: pending count failed: %w", err)
	}

	return count, nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
