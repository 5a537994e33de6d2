package outboxstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/velmie/sqlbus/outbox"
)

type batch struct {
	tx       *sql.Tx
	store    *Store
	messages []outbox.Message
}

// Messages returns the messages locked by this batch.
func (b *batch) Messages() []outbox.Message {
	return b.messages
}

// Complete marks the messages sent and commits the batch transaction.
func (b *batch) Complete(ctx context.Context) error {
	if b.tx == nil {
		return nil
	}

	ids := make([]any, 0, len(b.messages))
	for _, msg := range b.messages {
		ids = append(ids, msg.ID)
	}
	if _, err := b.tx.ExecContext(ctx, buildMarkSentQuery(b.store.table, len(ids)), ids...); err != nil {
		return fmt.Errorf("sqlbus outbox: mark sent failed: %w", err)
	}
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("sqlbus outbox: commit failed: %w", err)
	}

	return nil
}

// Close releases the locks without applying any changes.
func (b *batch) Close() error {
	if b.tx == nil {
		return nil
	}
	err := b.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}

	return err
}
