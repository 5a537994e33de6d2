package sqlbus

import (
	"errors"
	"testing"
	"time"
)

func TestParseTimeToBeReceived(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{in: "90s", want: 90 * time.Second},
		{in: "00:00:30", want: 30 * time.Second},
		{in: "01:02:03", want: time.Hour + 2*time.Minute + 3*time.Second},
		{in: "2.00:00:01", want: 48*time.Hour + time.Second},
		{in: "00:00:01.5", want: 1500 * time.Millisecond},
	}
	for _, test := range tests {
		got, err := ParseTimeToBeReceived(test.in)
		if err != nil {
			t.Fatalf("parse %q: %v", test.in, err)
		}
		if got != test.want {
			t.Fatalf("parse %q: got %s, want %s", test.in, got, test.want)
		}
	}

	for _, in := range []string{"", "soon", "1:2", "x.00:00:01"} {
		if _, err := ParseTimeToBeReceived(in); !errors.Is(err, ErrInvalidHeader) {
			t.Fatalf("parse %q: expected ErrInvalidHeader, got %v", in, err)
		}
	}
}

func TestParseDeferredUntil(t *testing.T) {
	got, err := ParseDeferredUntil("2024-03-01T12:00:00.5Z")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !got.Equal(time.Date(2024, 3, 1, 12, 0, 0, 500_000_000, time.UTC)) {
		t.Fatalf("unexpected time %s", got)
	}

	got, err = ParseDeferredUntil("2024-03-01T12:00:00")
	if err != nil {
		t.Fatalf("parse without zone: %v", err)
	}
	if got.Location() != time.UTC {
		t.Fatalf("expected UTC, got %s", got.Location())
	}

	if _, err := ParseDeferredUntil("tomorrow"); !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("expected ErrInvalidHeader, got %v", err)
	}
}

func TestParsePriority(t *testing.T) {
	if p, err := ParsePriority(" 7 "); err != nil || p != 7 {
		t.Fatalf("got %d, %v", p, err)
	}
	if _, err := ParsePriority("high"); !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("expected ErrInvalidHeader, got %v", err)
	}
}

func TestResolveDestination(t *testing.T) {
	msg := NewTransportMessage(Headers{HeaderDeferredRecipient: "orders"}, nil)

	if got, err := ResolveDestination("billing", msg); err != nil || got != "billing" {
		t.Fatalf("got %q, %v", got, err)
	}
	if got, err := ResolveDestination(MagicExternalTimeoutManagerAddress, msg); err != nil || got != "orders" {
		t.Fatalf("got %q, %v", got, err)
	}
	if _, err := ResolveDestination(MagicExternalTimeoutManagerAddress, NewTransportMessage(nil, nil)); !errors.Is(err, ErrDeferredRecipientMissing) {
		t.Fatalf("expected ErrDeferredRecipientMissing, got %v", err)
	}
	if _, err := ResolveDestination("", msg); !errors.Is(err, ErrDestinationRequired) {
		t.Fatalf("expected ErrDestinationRequired, got %v", err)
	}
}

func TestHeadersCloneIsIndependent(t *testing.T) {
	h := Headers{HeaderMessageID: "1"}
	c := h.Clone()
	c[HeaderMessageID] = "2"
	if h[HeaderMessageID] != "1" {
		t.Fatalf("clone shares storage")
	}
	if NewTransportMessage(h, nil).MessageID() != "1" {
		t.Fatalf("unexpected message id")
	}

	var nilMsg *TransportMessage
	if !errors.Is(nilMsg.Validate(), ErrMessageRequired) {
		t.Fatalf("expected ErrMessageRequired")
	}
}

func TestTransportMessageCloneIsIndependent(t *testing.T) {
	msg := NewTransportMessage(Headers{HeaderMessageID: "1"}, []byte("body"))
	c := msg.Clone()
	msg.Headers[HeaderMessageID] = "2"
	msg.Body[0] = 'X'
	if c.MessageID() != "1" || string(c.Body) != "body" {
		t.Fatalf("clone shares storage: %q %q", c.MessageID(), c.Body)
	}
	if NewTransportMessage(nil, nil).Clone().Body != nil {
		t.Fatalf("nil body must stay nil")
	}
}
