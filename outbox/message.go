package outbox

import (
	"strings"

	"github.com/google/uuid"

	"github.com/velmie/sqlbus"
)

const correlationIDLength = 16

// OutgoingMessage is a message waiting to be saved to the outbox.
type OutgoingMessage struct {
	DestinationAddress string
	Message            *sqlbus.TransportMessage
}

// Identity tags the rows saved by one outbox transaction.
// MessageID and SourceQueue name the incoming message being handled, if any.
type Identity struct {
	MessageID     string
	SourceQueue   string
	CorrelationID string
}

// Message is a saved outbox row.
type Message struct {
	ID                 int64
	CorrelationID      string
	MessageID          string
	SourceQueue        string
	DestinationAddress string
	Headers            sqlbus.Headers
	Body               []byte
}

// TransportMessage returns the message to hand to the transport.
func (m Message) TransportMessage() *sqlbus.TransportMessage {
	return sqlbus.NewTransportMessage(m.Headers.Clone(), m.Body)
}

// NewCorrelationID returns a random 16 character correlation id.
func NewCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:correlationIDLength]
}
