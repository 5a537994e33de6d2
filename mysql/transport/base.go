package transport

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/velmie/sqlbus"
	"github.com/velmie/sqlbus/mysql"
)

var tracer = otel.Tracer("github.com/velmie/sqlbus/mysql/transport")

// queue is a resolved destination.
type queue struct {
	table   mysql.TableName
	queries queries
}

// base holds what both transport strategies share: the input queue, the resolved destination cache,
// the admission semaphore and the janitor.
type base struct {
	db      *sql.DB
	cfg     Config
	address string
	input   *queue
	kind    string
	schema  func(mysql.TableName) string
	admit   *semaphore.Weighted
	queues  sync.Map
	janitor *Janitor
}

func newBase(db *sql.DB, address, kind string, schema func(mysql.TableName) string, opts []Option) (*base, error) {
	if db == nil {
		return nil, mysql.ErrDBRequired
	}

	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	if cfg.Migrator == nil {
		migrator, err := mysql.NewMigrator(db, mysql.WithMigratorLogger(cfg.Logger))
		if err != nil {
			return nil, err
		}
		cfg.Migrator = migrator
	}

	b := &base{
		db:      db,
		cfg:     cfg,
		address: address,
		kind:    kind,
		schema:  schema,
		admit:   semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
	}

	if address != "" {
		input, err := b.resolve(address)
		if err != nil {
			return nil, err
		}
		b.input = input
		b.janitor = NewJanitor(db, input.table, cfg.ExpiredCleanupInterval, cfg.ExpiredCleanupBatch,
			WithJanitorLogger(cfg.Logger),
			WithJanitorMetrics(cfg.Metrics),
		)
	}

	return b, nil
}

// Address returns the input queue address.
func (b *base) Address() string {
	return b.address
}

// CreateQueue creates the table of address when it does not exist yet.
func (b *base) CreateQueue(ctx context.Context, address string) error {
	q, err := b.resolve(address)
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "sqlbus.create_queue", trace.WithAttributes(attribute.String("sqlbus.queue", q.table.String())))
	defer span.End()

	if err := b.cfg.Migrator.EnsureTable(ctx, b.kind, q.table, b.schema(q.table)); err != nil {
		recordError(span, err)

		return &sqlbus.TransportError{Op: "create queue", Address: address, Err: err}
	}

	return nil
}

// Init creates the input queue when automatic creation is enabled.
func (b *base) Init(ctx context.Context) error {
	if b.address == "" || !b.cfg.AutoCreateQueue {
		return nil
	}

	return b.CreateQueue(ctx, b.address)
}

// Run purges expired messages of the input queue until ctx is canceled.
func (b *base) Run(ctx context.Context) error {
	if b.janitor == nil {
		<-ctx.Done()

		return ctx.Err()
	}

	return b.janitor.Run(ctx)
}

// PurgeExpired deletes expired messages of the input queue once.
func (b *base) PurgeExpired(ctx context.Context) (int64, error) {
	if b.janitor == nil {
		return 0, ErrNoInputQueue
	}

	return b.janitor.PurgeOnce(ctx)
}

func (b *base) resolve(address string) (*queue, error) {
	if cached, ok := b.queues.Load(address); ok {
		return cached.(*queue), nil
	}

	table, err := mysql.ParseTableName(address)
	if err != nil {
		return nil, err
	}
	q := &queue{table: table, queries: newQueries(table)}
	actual, _ := b.queues.LoadOrStore(address, q)

	return actual.(*queue), nil
}

func (b *base) acquire(ctx context.Context) (func(), error) {
	if err := b.admit.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	return func() { b.admit.Release(1) }, nil
}

// outgoing is a message ready to be inserted.
type outgoing struct {
	queue    *queue
	address  string
	priority int
	delay    time.Duration
	ttl      *time.Duration
	headers  []byte
	body     []byte
}

func (o outgoing) args() []any {
	var ttl any
	if o.ttl != nil {
		ttl = o.ttl.Microseconds()
	}

	return []any{o.priority, o.delay.Microseconds(), ttl, o.headers, o.body}
}

// prepare resolves the destination and turns the special headers into column values.
func (b *base) prepare(destination string, msg *sqlbus.TransportMessage) (outgoing, error) {
	if err := msg.Validate(); err != nil {
		return outgoing{}, err
	}
	address, err := sqlbus.ResolveDestination(destination, msg)
	if err != nil {
		return outgoing{}, err
	}
	q, err := b.resolve(address)
	if err != nil {
		return outgoing{}, err
	}

	headers := msg.Headers.Clone()
	out := outgoing{queue: q, address: address, body: msg.Body}

	if raw, ok := headers[sqlbus.HeaderDeferredUntil]; ok && b.cfg.NativeDeferral {
		until, err := sqlbus.ParseDeferredUntil(raw)
		if err != nil {
			return outgoing{}, err
		}
		if delay := until.Sub(b.cfg.Clock.Now()); delay > 0 {
			out.delay = delay
		}
		delete(headers, sqlbus.HeaderDeferredUntil)
	}
	if raw, ok := headers[sqlbus.HeaderTimeToBeReceived]; ok {
		ttl, err := sqlbus.ParseTimeToBeReceived(raw)
		if err != nil {
			return outgoing{}, err
		}
		out.ttl = &ttl
	}
	if raw, ok := headers[sqlbus.HeaderPriority]; ok {
		priority, err := sqlbus.ParsePriority(raw)
		if err != nil {
			return outgoing{}, err
		}
		out.priority = priority
	}
	if out.body == nil {
		out.body = []byte{}
	}

	encoded, err := encodeHeaders(headers)
	if err != nil {
		return outgoing{}, err
	}
	out.headers = encoded

	return out, nil
}

func encodeHeaders(headers sqlbus.Headers) ([]byte, error) {
	if headers == nil {
		headers = sqlbus.Headers{}
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("sqlbus transport: encode headers: %w", err)
	}

	return data, nil
}

func decodeHeaders(data []byte) (sqlbus.Headers, error) {
	headers := sqlbus.Headers{}
	if len(data) == 0 {
		return headers, nil
	}
	if err := json.Unmarshal(data, &headers); err != nil {
		return nil, fmt.Errorf("sqlbus transport: decode headers: %w", err)
	}

	return headers, nil
}

// scanMessage reads one "id, headers, body" row. A missing row yields a nil message.
func scanMessage(row *sql.Row) (int64, *sqlbus.TransportMessage, error) {
	var (
		id      int64
		headers []byte
		body    []byte
	)
	if err := row.Scan(&id, &headers, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, nil
		}

		return 0, nil, err
	}
	decoded, err := decodeHeaders(headers)
	if err != nil {
		return id, nil, err
	}

	return id, sqlbus.NewTransportMessage(decoded, body), nil
}

// receiveError maps a failure while receiving: cancellation becomes ErrReceiveCanceled.
func (b *base) receiveError(ctx context.Context, err error) error {
	if mysql.IsCanceled(ctx, err) {
		return fmt.Errorf("%w: %w", sqlbus.ErrReceiveCanceled, err)
	}

	return &sqlbus.TransportError{Op: "receive", Address: b.address, Err: err}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// cleanupContext detaches ctx from cancellation for work that must run after the caller gave up.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}
