package outbox

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/velmie/sqlbus"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db, mock
}

func newDecorator(inner sqlbus.Transport, storage Storage, opts ...TransportOption) *Transport {
	return NewTransport(inner, storage, append([]TransportOption{WithTransportLogger(sqlbus.NopLogger{})}, opts...)...)
}

func body(s string) *sqlbus.TransportMessage {
	return sqlbus.NewTransportMessage(nil, []byte(s))
}

func TestSendWithoutConnectionPassesThrough(t *testing.T) {
	inner := newRecordingTransport()
	storage := &memStorage{}
	tr := newDecorator(inner, storage)

	if err := tr.Send(context.Background(), "orders", body("a"), nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	tc := sqlbus.NewTransactionContext()
	if err := tr.Send(context.Background(), "orders", body("b"), tc); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := tc.Complete(context.Background()); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if got := inner.bodies("orders"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected deliveries: %v", got)
	}
	if len(storage.rows) != 0 {
		t.Fatal("nothing must reach the outbox")
	}
}

func TestEnlistSavesQueueOnCommit(t *testing.T) {
	db, mock := newMockDB(t)
	inner := newRecordingTransport()
	storage := &memStorage{}
	tr := newDecorator(inner, storage)

	mock.ExpectBegin()
	business, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	ctx := context.Background()
	tc := sqlbus.NewTransactionContext()
	conn, err := tr.Enlist(tc, business)
	if err != nil {
		t.Fatalf("enlist: %v", err)
	}
	if len(conn.Identity().CorrelationID) != 16 {
		t.Fatalf("expected a 16 char correlation id, got %q", conn.Identity().CorrelationID)
	}

	for _, b := range []string{"a", "b"} {
		if err := tr.Send(ctx, "orders", body(b), tc); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if conn.Pending() != 2 || len(storage.rows) != 0 {
		t.Fatal("messages must stay queued until commit")
	}

	if err := tc.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(storage.rows) != 2 || len(storage.saves) != 1 {
		t.Fatalf("expected one save of 2 rows, got %d saves and %d rows", len(storage.saves), len(storage.rows))
	}
	if storage.execs[0] != Executor(business) {
		t.Fatal("queue must be saved through the enlisted transaction")
	}
	if len(inner.bodies("orders")) != 0 {
		t.Fatal("outbox sends must not reach the transport directly")
	}
}

func TestSendQueuesACopy(t *testing.T) {
	db, mock := newMockDB(t)
	storage := &memStorage{}
	tr := newDecorator(newRecordingTransport(), storage)

	mock.ExpectBegin()
	business, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	ctx := context.Background()
	tc := sqlbus.NewTransactionContext()
	if _, err := tr.Enlist(tc, business); err != nil {
		t.Fatalf("enlist: %v", err)
	}
	msg := sqlbus.NewTransportMessage(sqlbus.Headers{"kind": "created"}, []byte("v1"))
	if err := tr.Send(ctx, "orders", msg, tc); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg.Headers["kind"] = "changed"
	msg.Body[1] = '2'

	if err := tc.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
	saved := storage.rows[0].msg
	if saved.Headers["kind"] != "created" || string(saved.Body) != "v1" {
		t.Fatalf("saved message follows later changes: %v %q", saved.Headers, saved.Body)
	}
}

func TestEnlistTwiceFails(t *testing.T) {
	db, _ := newMockDB(t)
	tr := newDecorator(newRecordingTransport(), &memStorage{})

	tc := sqlbus.NewTransactionContext()
	if _, err := tr.Enlist(tc, db); err != nil {
		t.Fatalf("enlist: %v", err)
	}
	if _, err := tr.Enlist(tc, db); !errors.Is(err, ErrAlreadyEnlisted) {
		t.Fatalf("expected ErrAlreadyEnlisted, got %v", err)
	}
	if _, err := tr.Begin(context.Background(), tc, db, Identity{}); !errors.Is(err, ErrAlreadyEnlisted) {
		t.Fatalf("expected ErrAlreadyEnlisted from Begin, got %v", err)
	}
}

func TestEnlistValidation(t *testing.T) {
	db, _ := newMockDB(t)
	tr := newDecorator(newRecordingTransport(), &memStorage{})

	if _, err := tr.Enlist(nil, db); !errors.Is(err, sqlbus.ErrTransactionContextRequired) {
		t.Fatalf("expected ErrTransactionContextRequired, got %v", err)
	}
	if _, err := tr.Enlist(sqlbus.NewTransactionContext(), nil); !errors.Is(err, ErrExecutorRequired) {
		t.Fatalf("expected ErrExecutorRequired, got %v", err)
	}
}

func TestBeginCommitsAndForwardsEagerly(t *testing.T) {
	db, mock := newMockDB(t)
	inner := newRecordingTransport()
	storage := &memStorage{}
	forwarder := newTestForwarder(storage, inner)
	tr := newDecorator(inner, storage, WithEagerForwarder(forwarder))

	mock.ExpectBegin()
	mock.ExpectCommit()

	ctx := context.Background()
	err := tr.WithinTransaction(ctx, db, func(ctx context.Context, tc *sqlbus.TransactionContext, conn *Connection) error {
		if conn.Tx() == nil {
			t.Fatal("managed connection must own a transaction")
		}

		return tr.Send(ctx, "orders", body("a"), tc)
	})
	if err != nil {
		t.Fatalf("within transaction: %v", err)
	}
	forwarder.Wait()

	if got := inner.bodies("orders"); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("expected eager delivery, got %v", got)
	}
	if storage.unsent() != 0 {
		t.Fatal("eagerly forwarded message must be marked sent")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWithinTransactionRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	inner := newRecordingTransport()
	storage := &memStorage{}
	tr := newDecorator(inner, storage)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("business failure")
	err := tr.WithinTransaction(context.Background(), db, func(ctx context.Context, tc *sqlbus.TransactionContext, _ *Connection) error {
		if err := tr.Send(ctx, "orders", body("a"), tc); err != nil {
			return err
		}

		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected business error, got %v", err)
	}
	if len(storage.rows) != 0 || len(inner.bodies("orders")) != 0 {
		t.Fatal("rolled back scope must not produce messages")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestBeginSaveFailureAbortsContext(t *testing.T) {
	db, mock := newMockDB(t)
	storage := &memStorage{saveErr: errors.New("disk full")}
	tr := newDecorator(newRecordingTransport(), storage)

	mock.ExpectBegin()
	mock.ExpectRollback()

	ctx := context.Background()
	tc := sqlbus.NewTransactionContext()
	if _, err := tr.Begin(ctx, tc, db, Identity{}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tr.Send(ctx, "orders", body("a"), tc); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := tc.Complete(ctx); err == nil {
		t.Fatal("expected save failure")
	}
	if !tc.Aborted() {
		t.Fatal("context must be aborted")
	}
	tc.Dispose()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSendAfterFlushIsRejected(t *testing.T) {
	db, mock := newMockDB(t)
	tr := newDecorator(newRecordingTransport(), &memStorage{})
	mock.ExpectBegin()
	mock.ExpectCommit()

	ctx := context.Background()
	tc := sqlbus.NewTransactionContext()
	conn, err := tr.Begin(ctx, tc, db, Identity{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := conn.flush(ctx, tr.storage); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := tr.Send(ctx, "orders", body("late"), tc); !errors.Is(err, sqlbus.ErrTransactionContextDone) {
		t.Fatalf("expected ErrTransactionContextDone, got %v", err)
	}
	tc.Dispose()
}
