package sqlbus

import "context"

// Transport sends and receives transport messages.
type Transport interface {
	// Address returns the input queue of this transport (empty for send-only transports).
	Address() string
	// CreateQueue makes sure the queue exists. It is idempotent and safe to call concurrently.
	CreateQueue(ctx context.Context, address string) error
	// Send enlists the message in tc. It becomes visible to receivers when tc completes.
	// A nil tc sends immediately.
	Send(ctx context.Context, destination string, msg *TransportMessage, tc *TransactionContext) error
	// Receive claims the next eligible message of the input queue within tc.
	// It returns a nil message and a nil error when no message is available.
	Receive(ctx context.Context, tc *TransactionContext) (*TransportMessage, error)
}

// ResolveDestination returns the queue a message sent to destination must be stored in.
// The timeout manager address is resolved through HeaderDeferredRecipient.
func ResolveDestination(destination string, msg *TransportMessage) (string, error) {
	if destination == "" {
		return "", ErrDestinationRequired
	}
	if destination != MagicExternalTimeoutManagerAddress {
		return destination, nil
	}
	recipient := msg.Headers[HeaderDeferredRecipient]
	if recipient == "" {
		return "", ErrDeferredRecipientMissing
	}

	return recipient, nil
}
