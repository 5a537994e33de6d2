package sqlbus

import (
	"errors"
	"fmt"
)

var (
	// ErrReceiveCanceled is returned by Receive when the context was canceled mid-operation.
	// It is never returned for an empty queue, which yields a nil message and a nil error.
	ErrReceiveCanceled = errors.New("sqlbus: receive canceled")
	// ErrTransactionContextRequired is returned when an operation needs a TransactionContext.
	ErrTransactionContextRequired = errors.New("sqlbus: transaction context is required")
	// ErrTransactionContextDone is returned when callbacks are registered on a finished context.
	ErrTransactionContextDone = errors.New("sqlbus: transaction context is already completed or aborted")
	// ErrItemExists is returned by StoreNew when the slot is already occupied.
	ErrItemExists = errors.New("sqlbus: transaction context item already exists")
	// ErrDestinationRequired is returned by Send when the destination is empty.
	ErrDestinationRequired = errors.New("sqlbus: destination address is required")
	// ErrMessageRequired is returned by Send when the message is nil.
	ErrMessageRequired = errors.New("sqlbus: message is required")
	// ErrDeferredRecipientMissing is returned when a message is sent to the timeout manager address
	// without HeaderDeferredRecipient.
	ErrDeferredRecipientMissing = errors.New("sqlbus: deferred message has no recipient header")
	// ErrTransactionRolledBack is returned when the database rolled back the transaction of a
	// TransactionContext on its own, for example to resolve a deadlock. Nothing done in it persists.
	ErrTransactionRolledBack = errors.New("sqlbus: transaction was rolled back by the database")
	// ErrInvalidHeader is returned when a well-known header cannot be parsed.
	ErrInvalidHeader = errors.New("sqlbus: invalid header value")
)

// TransportError wraps a failure of a transport operation with its context.
type TransportError struct {
	Op      string
	Address string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("sqlbus: %s %q failed: %v", e.Op, e.Address, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
