package outbox

import (
	"context"
	"database/sql"

	"github.com/velmie/sqlbus"
)

// IncomingStep wraps the handling of incoming messages in a managed outbox transaction tagged with
// the message id and the input queue.
type IncomingStep struct {
	transport *Transport
	db        *sql.DB
}

// NewIncomingStep creates the step. Messages are saved through transport's storage in transactions on db.
func NewIncomingStep(transport *Transport, db *sql.DB) *IncomingStep {
	return &IncomingStep{transport: transport, db: db}
}

// Process runs next with an outbox connection attached to tc. When the outbox already holds messages
// produced by an earlier handling of msg, next is skipped: the message is a redelivery. The outbox
// transaction commits as soon as next succeeded, before tc completes, so a failure to acknowledge
// msg afterwards leads to a redelivery that is recognized.
func (s *IncomingStep) Process(
	ctx context.Context,
	tc *sqlbus.TransactionContext,
	msg *sqlbus.TransportMessage,
	next func(ctx context.Context) error,
) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	identity := Identity{MessageID: msg.MessageID(), SourceQueue: s.transport.Address()}
	conn, err := s.transport.Begin(ctx, tc, s.db, identity)
	if err != nil {
		return err
	}

	if identity.MessageID != "" {
		handled, err := s.transport.storage.HasMessages(ctx, conn.Executor(), identity.MessageID, identity.SourceQueue)
		if err != nil {
			return err
		}
		if handled {
			s.transport.logger.Info("outbox message already handled, skipping",
				"message_id", identity.MessageID,
				"source_queue", identity.SourceQueue,
			)

			return nil
		}
	}

	if err := next(ctx); err != nil {
		return err
	}

	return conn.flush(ctx, s.transport.storage)
}
