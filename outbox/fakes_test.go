package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/velmie/sqlbus"
)

// memStorage is an in-memory Storage. Locked rows are skipped like SKIP LOCKED does.
type memStorage struct {
	mu      sync.Mutex
	nextID  int64
	rows    []*memRow
	saveErr error
	saves   []Identity
	execs   []Executor
}

type memRow struct {
	msg    Message
	sent   bool
	sentAt time.Time
	locked bool
}

func (s *memStorage) Save(ctx context.Context, msgs []OutgoingMessage, identity Identity) error {
	return s.SaveWith(ctx, nil, msgs, identity)
}

func (s *memStorage) SaveWith(_ context.Context, exec Executor, msgs []OutgoingMessage, identity Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves = append(s.saves, identity)
	s.execs = append(s.execs, exec)
	for _, m := range msgs {
		s.nextID++
		s.rows = append(s.rows, &memRow{msg: Message{
			ID:                 s.nextID,
			CorrelationID:      identity.CorrelationID,
			MessageID:          identity.MessageID,
			SourceQueue:        identity.SourceQueue,
			DestinationAddress: m.DestinationAddress,
			Headers:            m.Message.Headers.Clone(),
			Body:               m.Message.Body,
		}})
	}

	return nil
}

func (s *memStorage) NextBatch(_ context.Context, correlationID string, maxBatchSize int) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := &memBatch{storage: s}
	for _, row := range s.rows {
		if len(b.rows) == maxBatchSize {
			break
		}
		if row.sent || row.locked || (correlationID != "" && row.msg.CorrelationID != correlationID) {
			continue
		}
		row.locked = true
		b.rows = append(b.rows, row)
	}

	return b, nil
}

func (s *memStorage) HasMessages(_ context.Context, _ Executor, messageID, sourceQueue string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.msg.MessageID == messageID && row.msg.SourceQueue == sourceQueue {
			return true, nil
		}
	}

	return false, nil
}

func (s *memStorage) DeleteSent(_ context.Context, retention time.Duration, _ int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rows[:0]
	var deleted int64
	for _, row := range s.rows {
		if row.sent && time.Since(row.sentAt) > retention {
			deleted++

			continue
		}
		kept = append(kept, row)
	}
	s.rows = kept

	return deleted, nil
}

func (s *memStorage) unsent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.rows {
		if !row.sent {
			n++
		}
	}

	return n
}

type memBatch struct {
	storage *memStorage
	rows    []*memRow
	done    bool
}

func (b *memBatch) Messages() []Message {
	out := make([]Message, 0, len(b.rows))
	for _, row := range b.rows {
		out = append(out, row.msg)
	}

	return out
}

func (b *memBatch) Complete(context.Context) error {
	b.storage.mu.Lock()
	defer b.storage.mu.Unlock()
	for _, row := range b.rows {
		row.sent = true
		row.sentAt = time.Now()
		row.locked = false
	}
	b.done = true

	return nil
}

func (b *memBatch) Close() error {
	b.storage.mu.Lock()
	defer b.storage.mu.Unlock()
	if !b.done {
		for _, row := range b.rows {
			row.locked = false
		}
	}
	b.done = true

	return nil
}

// recordingTransport delivers messages sent within a TransactionContext when it commits.
type recordingTransport struct {
	mu        sync.Mutex
	address   string
	failures  int
	rollbacks int
	attempts  int
	delivered map[string][]*sqlbus.TransportMessage
	direct    int
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{delivered: map[string][]*sqlbus.TransportMessage{}}
}

func (t *recordingTransport) Address() string { return t.address }

func (t *recordingTransport) CreateQueue(context.Context, string) error { return nil }

func (t *recordingTransport) Receive(context.Context, *sqlbus.TransactionContext) (*sqlbus.TransportMessage, error) {
	return nil, nil
}

func (t *recordingTransport) Send(_ context.Context, destination string, msg *sqlbus.TransportMessage, tc *sqlbus.TransactionContext) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	if t.rollbacks > 0 {
		t.rollbacks--

		return fmt.Errorf("%w: deadlock", sqlbus.ErrTransactionRolledBack)
	}
	if t.failures > 0 {
		t.failures--

		return errTransient
	}
	if tc == nil {
		t.direct++
		t.delivered[destination] = append(t.delivered[destination], msg)

		return nil
	}
	tc.OnCommit(func(context.Context) error {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.delivered[destination] = append(t.delivered[destination], msg)

		return nil
	})

	return nil
}

func (t *recordingTransport) bodies(destination string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.delivered[destination]))
	for _, m := range t.delivered[destination] {
		out = append(out, string(m.Body))
	}
	sort.Strings(out)

	return out
}
