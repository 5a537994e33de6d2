package outbox

import (
	"context"
	"database/sql"

	"github.com/velmie/sqlbus"
)

var connectionKey = sqlbus.NewKey[*Connection]("sqlbus.outbox.connection")

var _ sqlbus.Transport = (*Transport)(nil)

// Transport decorates a transport: sends made while an outbox Connection is attached to the
// TransactionContext go to the outbox instead of the decorated transport.
type Transport struct {
	inner     sqlbus.Transport
	storage   Storage
	forwarder *Forwarder
	logger    sqlbus.Logger
}

// TransportOption configures the outbox Transport.
type TransportOption func(*Transport)

// WithEagerForwarder makes managed transactions hand their correlation id to forwarder after commit.
func WithEagerForwarder(forwarder *Forwarder) TransportOption {
	return func(t *Transport) {
		t.forwarder = forwarder
	}
}

// WithTransportLogger sets the decorator logger.
func WithTransportLogger(logger sqlbus.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport decorates inner with the outbox backed by storage.
func NewTransport(inner sqlbus.Transport, storage Storage, opts ...TransportOption) *Transport {
	if inner == nil {
		panic("outbox: nil Transport")
	}
	if storage == nil {
		panic("outbox: nil Storage")
	}

	t := &Transport{inner: inner, storage: storage, logger: sqlbus.DefaultLogger()}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Address returns the address of the decorated transport.
func (t *Transport) Address() string {
	return t.inner.Address()
}

// CreateQueue delegates to the decorated transport.
func (t *Transport) CreateQueue(ctx context.Context, address string) error {
	return t.inner.CreateQueue(ctx, address)
}

// Receive delegates to the decorated transport.
func (t *Transport) Receive(ctx context.Context, tc *sqlbus.TransactionContext) (*sqlbus.TransportMessage, error) {
	return t.inner.Receive(ctx, tc)
}

// Send queues a copy of msg on the outbox connection of tc, or passes it to the decorated transport
// when tc has none.
func (t *Transport) Send(ctx context.Context, destination string, msg *sqlbus.TransportMessage, tc *sqlbus.TransactionContext) error {
	conn, ok := ConnectionFrom(tc)
	if !ok {
		return t.inner.Send(ctx, destination, msg, tc)
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if destination == "" {
		return sqlbus.ErrDestinationRequired
	}
	if tc.Completed() || tc.Aborted() || !conn.enqueue(OutgoingMessage{DestinationAddress: destination, Message: msg.Clone()}) {
		return sqlbus.ErrTransactionContextDone
	}

	return nil
}

// ConnectionFrom returns the outbox connection attached to tc.
func ConnectionFrom(tc *sqlbus.TransactionContext) (*Connection, bool) {
	if tc == nil {
		return nil, false
	}

	return sqlbus.Load(tc, connectionKey)
}

// Enlist attaches an externally managed transaction to tc. The queued messages are saved through exec
// when tc commits; committing exec itself stays with the caller and must happen after tc completed.
func (t *Transport) Enlist(tc *sqlbus.TransactionContext, exec Executor) (*Connection, error) {
	if tc == nil {
		return nil, sqlbus.ErrTransactionContextRequired
	}
	if exec == nil {
		return nil, ErrExecutorRequired
	}

	conn := &Connection{exec: exec, identity: Identity{CorrelationID: NewCorrelationID()}}
	if err := t.attach(tc, conn); err != nil {
		return nil, err
	}
	tc.OnCommit(func(ctx context.Context) error {
		return conn.save(ctx, t.storage)
	})

	return conn, nil
}

// Begin starts a transaction on db and attaches it to tc. When tc commits, the queued messages are
// saved in that transaction and it is committed; when tc aborts or is disposed, it is rolled back.
// After tc completed the saved messages are forwarded eagerly if an eager forwarder is configured.
func (t *Transport) Begin(ctx context.Context, tc *sqlbus.TransactionContext, db *sql.DB, identity Identity) (*Connection, error) {
	if tc == nil {
		return nil, sqlbus.ErrTransactionContextRequired
	}
	if db == nil {
		return nil, ErrDBRequired
	}
	if _, ok := ConnectionFrom(tc); ok {
		return nil, ErrAlreadyEnlisted
	}

	tx, err := db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, err
	}
	if identity.CorrelationID == "" {
		identity.CorrelationID = NewCorrelationID()
	}

	conn := &Connection{exec: tx, tx: tx, identity: identity}
	if err := t.attach(tc, conn); err != nil {
		_ = tx.Rollback()

		return nil, err
	}

	tc.OnCommit(func(ctx context.Context) error {
		return conn.flush(ctx, t.storage)
	})
	tc.OnAbort(func(context.Context) {
		t.rollback(conn)
	})
	tc.OnDispose(func() {
		t.rollback(conn)
	})
	tc.OnCompleted(func(context.Context) error {
		if t.forwarder != nil && conn.savedCount() > 0 {
			t.forwarder.TryForwardEager(conn.identity.CorrelationID)
		}

		return nil
	})

	return conn, nil
}

// WithinTransaction runs fn in a managed outbox transaction: messages sent through this transport
// with the given TransactionContext are committed together with the writes fn makes through
// conn.Executor(). An error from fn rolls everything back.
func (t *Transport) WithinTransaction(
	ctx context.Context,
	db *sql.DB,
	fn func(ctx context.Context, tc *sqlbus.TransactionContext, conn *Connection) error,
) error {
	tc := sqlbus.NewTransactionContext()
	defer tc.Dispose()

	conn, err := t.Begin(ctx, tc, db, Identity{})
	if err != nil {
		return err
	}
	if err := fn(ctx, tc, conn); err != nil {
		tc.Abort(ctx)

		return err
	}

	return tc.Complete(ctx)
}

func (t *Transport) attach(tc *sqlbus.TransactionContext, conn *Connection) error {
	_, created, err := sqlbus.LoadOrStore(tc, connectionKey, func() (*Connection, error) {
		return conn, nil
	})
	if err != nil {
		return err
	}
	if !created {
		return ErrAlreadyEnlisted
	}

	return nil
}

func (t *Transport) rollback(conn *Connection) {
	if err := conn.rollback(); err != nil {
		t.logger.Warn("outbox transaction rollback failed", "correlation_id", conn.identity.CorrelationID, "err", err)
	}
}
