package transport

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/velmie/sqlbus"
)

var _ sqlbus.Transport = (*LeaseTransport)(nil)

// LeaseTransport is the lease queue transport. A received row stays in the table, leased to this
// claimant, until the TransactionContext completes (row deleted) or aborts (lease cleared).
// An expired lease makes the row receivable by anyone again.
type LeaseTransport struct {
	*base
	outboxKey *sqlbus.Key[*pendingSends]
}

type pendingSends struct {
	mu    sync.Mutex
	items []outgoing
}

func (p *pendingSends) add(out outgoing) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, out)
}

func (p *pendingSends) drain() []outgoing {
	p.mu.Lock()
	defer p.mu.Unlock()
	items := p.items
	p.items = nil

	return items
}

// NewLeaseTransport creates a lease transport receiving from address. An empty address creates a
// send-only transport.
func NewLeaseTransport(db *sql.DB, address string, opts ...Option) (*LeaseTransport, error) {
	b, err := newBase(db, address, LeaseQueueSchemaKind, LeaseQueueSchema, opts)
	if err != nil {
		return nil, err
	}

	return &LeaseTransport{
		base:      b,
		outboxKey: sqlbus.NewKey[*pendingSends]("sqlbus.mysql.lease.outgoing"),
	}, nil
}

// Send buffers msg in tc and inserts every buffered message in one transaction when tc commits.
// Without a TransactionContext the message is inserted right away. The flush uses its own
// transaction, so lease sends never join a business transaction; use the outbox for that.
func (t *LeaseTransport) Send(ctx context.Context, destination string, msg *sqlbus.TransportMessage, tc *sqlbus.TransactionContext) error {
	out, err := t.prepare(destination, msg)
	if err != nil {
		return err
	}

	if tc == nil {
		return t.insert(ctx, []outgoing{out})
	}
	if tc.Completed() || tc.Aborted() {
		return sqlbus.ErrTransactionContextDone
	}

	pending, created, err := sqlbus.LoadOrStore(tc, t.outboxKey, func() (*pendingSends, error) {
		return &pendingSends{}, nil
	})
	if err != nil {
		return err
	}
	if created {
		tc.OnCommit(func(ctx context.Context) error {
			return t.insert(ctx, pending.drain())
		})
	}
	pending.add(out)

	return nil
}

func (t *LeaseTransport) insert(ctx context.Context, items []outgoing) (err error) {
	if len(items) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "sqlbus.send", trace.WithAttributes(attribute.Int("sqlbus.messages", len(items))))
	defer span.End()

	release, err := t.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx, err := t.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		recordError(span, err)

		return &sqlbus.TransportError{Op: "send", Address: items[0].address, Err: err}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, out := range items {
		if _, err = tx.ExecContext(ctx, out.queue.queries.insert, out.args()...); err != nil {
			recordError(span, err)

			return &sqlbus.TransportError{Op: "send", Address: out.address, Err: err}
		}
	}
	if err = tx.Commit(); err != nil {
		recordError(span, err)

		return &sqlbus.TransportError{Op: "send", Address: items[0].address, Err: err}
	}

	return nil
}

// Receive leases the best eligible message of the input queue to this claimant.
func (t *LeaseTransport) Receive(ctx context.Context, tc *sqlbus.TransactionContext) (*sqlbus.TransportMessage, error) {
	if tc == nil {
		return nil, sqlbus.ErrTransactionContextRequired
	}
	if t.input == nil {
		return nil, ErrNoInputQueue
	}
	// a finished context never runs the callbacks that delete or release the lease
	if tc.Completed() || tc.Aborted() {
		return nil, sqlbus.ErrTransactionContextDone
	}

	ctx, span := tracer.Start(ctx, "sqlbus.receive", trace.WithAttributes(attribute.String("sqlbus.queue", t.address)))
	defer span.End()

	release, err := t.acquire(ctx)
	if err != nil {
		return nil, t.receiveError(ctx, err)
	}
	defer release()

	leasedBy := t.cfg.LeasedByFactory()
	id, msg, err := t.claim(ctx, leasedBy)
	if err != nil {
		recordError(span, err)

		return nil, t.receiveError(ctx, err)
	}
	if msg == nil {
		return nil, nil
	}
	span.SetAttributes(attribute.String("sqlbus.message_id", msg.MessageID()))

	l := &lease{transport: t, id: id, leasedBy: leasedBy}
	if t.cfg.AutomaticLeaseRenewal {
		l.startRenewal(t.cfg.LeaseRenewalInterval)
	}
	tc.OnCompleted(func(ctx context.Context) error {
		l.stop()

		return l.delete(ctx)
	})
	tc.OnAbort(func(ctx context.Context) {
		l.stop()
		l.release(ctx)
	})
	tc.OnDispose(l.stop)
	if tc.Completed() || tc.Aborted() {
		// finished while the row was being claimed
		l.stop()
		l.release(ctx)

		return nil, sqlbus.ErrTransactionContextDone
	}

	return msg, nil
}

// claim selects and stamps the next eligible row in a short transaction of its own.
func (t *LeaseTransport) claim(ctx context.Context, leasedBy string) (_ int64, _ *sqlbus.TransportMessage, err error) {
	q := t.input.queries

	tx, err := t.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				t.cfg.Logger.Warn("sqlbus lease rollback failed", "queue", t.address, "err", rbErr)
			}
		}
	}()

	id, msg, err := scanMessage(tx.QueryRowContext(ctx, q.receiveLeased, t.cfg.LeaseTolerance.Microseconds()))
	if err != nil {
		return 0, nil, err
	}
	if msg == nil {
		if err = tx.Commit(); err != nil {
			return 0, nil, err
		}

		return 0, nil, nil
	}
	if _, err = tx.ExecContext(ctx, q.stampLease, t.cfg.LeaseInterval.Microseconds(), leasedBy, id); err != nil {
		return 0, nil, fmt.Errorf("stamp lease: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, nil, err
	}

	return id, msg, nil
}
