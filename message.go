package sqlbus

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Well-known header keys read by the transports. Any other header is passed through opaquely.
const (
	// HeaderMessageID carries the unique id of the message.
	HeaderMessageID = "msg-id"
	// HeaderContentType describes how the body is encoded.
	HeaderContentType = "content-type"
	// HeaderCorrelationID carries the id of the conversation the message belongs to.
	HeaderCorrelationID = "msg-corr-id"
	// HeaderDeferredUntil holds an ISO-8601 timestamp before which the message must not be received.
	HeaderDeferredUntil = "msg-deferred-until"
	// HeaderDeferredRecipient names the queue a deferred message must eventually be delivered to.
	HeaderDeferredRecipient = "msg-defer-recipient"
	// HeaderTimeToBeReceived limits how long the message may wait in a queue.
	HeaderTimeToBeReceived = "msg-time-to-be-received"
	// HeaderPriority is an integer; higher values are received first.
	HeaderPriority = "msg-priority"
)

// MagicExternalTimeoutManagerAddress is the destination used by the bus when a message is deferred.
// Transports with native deferral resolve it to the queue named by HeaderDeferredRecipient.
const MagicExternalTimeoutManagerAddress = "##### MagicExternalTimeoutManagerAddress #####"

// Headers is the string-keyed header map of a transport message.
type Headers map[string]string

// Clone returns a shallow copy of the headers.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}

	return out
}

// TransportMessage is the unit exchanged with a Transport.
type TransportMessage struct {
	Headers Headers
	Body    []byte
}

// NewTransportMessage builds a message from headers and body.
func NewTransportMessage(headers Headers, body []byte) *TransportMessage {
	if headers == nil {
		headers = Headers{}
	}

	return &TransportMessage{Headers: headers, Body: body}
}

// Clone returns a copy sharing neither headers nor body with m.
func (m *TransportMessage) Clone() *TransportMessage {
	var body []byte
	if m.Body != nil {
		body = append(make([]byte, 0, len(m.Body)), m.Body...)
	}

	return NewTransportMessage(m.Headers.Clone(), body)
}

// MessageID returns the value of HeaderMessageID or an empty string.
func (m *TransportMessage) MessageID() string {
	if m == nil {
		return ""
	}

	return m.Headers[HeaderMessageID]
}

// Validate checks that the message can be sent.
func (m *TransportMessage) Validate() error {
	if m == nil {
		return ErrMessageRequired
	}

	return nil
}

// ParseDeferredUntil parses the value of HeaderDeferredUntil.
func ParseDeferredUntil(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.9999999Z07:00", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, strings.TrimSpace(value)); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidHeader, value)
}

// ParseTimeToBeReceived parses the value of HeaderTimeToBeReceived.
// Both Go durations ("90s") and clock notation ("hh:mm:ss", "d.hh:mm:ss") are accepted.
func ParseTimeToBeReceived(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}

	var days int
	clock := value
	if dot := strings.Index(value, "."); dot >= 0 && dot < strings.Index(value, ":") {
		n, err := strconv.Atoi(value[:dot])
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidHeader, value)
		}
		days = n
		clock = value[dot+1:]
	}

	parts := strings.Split(clock, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHeader, value)
	}
	hours, errH := strconv.Atoi(parts[0])
	minutes, errM := strconv.Atoi(parts[1])
	seconds, errS := strconv.ParseFloat(parts[2], 64)
	if errH != nil || errM != nil || errS != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHeader, value)
	}

	total := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))

	return total, nil
}

// ParsePriority parses the value of HeaderPriority.
func ParsePriority(value string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHeader, value)
	}

	return p, nil
}
