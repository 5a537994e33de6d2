package transport

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/velmie/sqlbus"
	"github.com/velmie/sqlbus/mysql"
)

var _ sqlbus.Transport = (*Transport)(nil)

// Transport is the row-lock queue transport. Everything done within one TransactionContext runs in
// a single database transaction that commits when the context completes.
type Transport struct {
	*base
	txKey   *sqlbus.Key[*sql.Tx]
	lostKey *sqlbus.Key[error]
}

// NewTransport creates a transport receiving from address. An empty address creates a send-only transport.
func NewTransport(db *sql.DB, address string, opts ...Option) (*Transport, error) {
	b, err := newBase(db, address, QueueSchemaKind, QueueSchema, opts)
	if err != nil {
		return nil, err
	}

	return &Transport{
		base:    b,
		txKey:   sqlbus.NewKey[*sql.Tx]("sqlbus.mysql.transaction"),
		lostKey: sqlbus.NewKey[error]("sqlbus.mysql.transaction.lost"),
	}, nil
}

// Send inserts msg into the destination queue. With a TransactionContext the row is written in the
// context transaction and becomes visible when it commits; without one it is committed right away.
func (t *Transport) Send(ctx context.Context, destination string, msg *sqlbus.TransportMessage, tc *sqlbus.TransactionContext) error {
	out, err := t.prepare(destination, msg)
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "sqlbus.send", trace.WithAttributes(
		attribute.String("sqlbus.queue", out.address),
		attribute.String("sqlbus.message_id", msg.MessageID()),
	))
	defer span.End()

	release, err := t.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if tc == nil {
		_, err = t.db.ExecContext(ctx, out.queue.queries.insert, out.args()...)
	} else {
		err = t.inTransaction(ctx, tc, func(tx *sql.Tx) error {
			_, execErr := tx.ExecContext(ctx, out.queue.queries.insert, out.args()...)

			return execErr
		})
	}
	if err != nil {
		recordError(span, err)
		if errors.Is(err, sqlbus.ErrTransactionContextDone) {
			return err
		}

		return &sqlbus.TransportError{Op: "send", Address: out.address, Err: err}
	}

	return nil
}

// Receive locks the best eligible message of the input queue and deletes it in the context transaction.
// The deletion is rolled back, and the message becomes receivable again, when the context aborts.
func (t *Transport) Receive(ctx context.Context, tc *sqlbus.TransactionContext) (*sqlbus.TransportMessage, error) {
	if tc == nil {
		return nil, sqlbus.ErrTransactionContextRequired
	}
	if t.input == nil {
		return nil, ErrNoInputQueue
	}

	ctx, span := tracer.Start(ctx, "sqlbus.receive", trace.WithAttributes(attribute.String("sqlbus.queue", t.address)))
	defer span.End()

	release, err := t.acquire(ctx)
	if err != nil {
		return nil, t.receiveError(ctx, err)
	}
	defer release()

	var msg *sqlbus.TransportMessage
	err = t.inTransaction(ctx, tc, func(tx *sql.Tx) error {
		id, received, scanErr := scanMessage(tx.QueryRowContext(ctx, t.input.queries.receive))
		if scanErr != nil || received == nil {
			return scanErr
		}
		if _, delErr := tx.ExecContext(ctx, t.input.queries.deleteByID, id); delErr != nil {
			return delErr
		}
		msg = received

		return nil
	})
	if err != nil {
		recordError(span, err)
		if errors.Is(err, sqlbus.ErrTransactionContextDone) {
			return nil, err
		}

		return nil, t.receiveError(ctx, err)
	}
	if msg != nil {
		span.SetAttributes(attribute.String("sqlbus.message_id", msg.MessageID()))
	}

	return msg, nil
}

// inTransaction runs fn on the transaction bound to tc while holding its gate stripe.
func (t *Transport) inTransaction(ctx context.Context, tc *sqlbus.TransactionContext, fn func(tx *sql.Tx) error) error {
	tx, err := t.transaction(ctx, tc)
	if err != nil {
		return err
	}

	err = t.cfg.Gate.Do(ctx, tx, func() error {
		return fn(tx)
	})
	if err != nil && mysql.IsErrorNumber(err, mysql.ErrNumDeadlock) {
		// the server rolled the whole transaction back, later statements would autocommit
		_ = sqlbus.StoreNew(tc, t.lostKey, err)

		return fmt.Errorf("%w: %w", sqlbus.ErrTransactionRolledBack, err)
	}

	return err
}

func (t *Transport) lost(tc *sqlbus.TransactionContext) error {
	if cause, ok := sqlbus.Load(tc, t.lostKey); ok {
		return fmt.Errorf("%w: %w", sqlbus.ErrTransactionRolledBack, cause)
	}

	return nil
}

// transaction returns the transaction bound to tc, beginning it on first use.
func (t *Transport) transaction(ctx context.Context, tc *sqlbus.TransactionContext) (*sql.Tx, error) {
	if tc.Completed() || tc.Aborted() {
		return nil, sqlbus.ErrTransactionContextDone
	}
	if err := t.lost(tc); err != nil {
		return nil, err
	}

	tx, created, err := sqlbus.LoadOrStore(tc, t.txKey, func() (*sql.Tx, error) {
		// The transaction outlives the call that opened it; only the context decides its fate.
		return t.db.BeginTx(context.WithoutCancel(ctx), &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	})
	if err != nil {
		return nil, err
	}
	if created {
		t.bind(tc, tx)
	}

	return tx, nil
}

func (t *Transport) bind(tc *sqlbus.TransactionContext, tx *sql.Tx) {
	gate := t.cfg.Gate
	tc.OnCommit(func(ctx context.Context) error {
		if err := t.lost(tc); err != nil {
			return err
		}

		return gate.Do(ctx, tx, tx.Commit)
	})
	tc.OnAbort(func(context.Context) {
		t.rollback(tx)
	})
	tc.OnDispose(func() {
		t.rollback(tx)
	})
}

func (t *Transport) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		t.cfg.Logger.Warn("sqlbus transaction rollback failed", "queue", t.address, "err", err)
	}
}
