package outbox

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// Connection is the outbox state attached to one TransactionContext: the executor that saves the
// queued messages and, for managed connections, the transaction it owns.
type Connection struct {
	exec     Executor
	tx       *sql.Tx
	identity Identity

	mu      sync.Mutex
	queue   []OutgoingMessage
	saved   int
	flushed bool
}

// Executor returns the executor outbox rows are written with. Business writes that must commit
// atomically with the outgoing messages go through it too.
func (c *Connection) Executor() Executor {
	return c.exec
}

// Tx returns the transaction of a managed connection, nil for an enlisted one.
func (c *Connection) Tx() *sql.Tx {
	return c.tx
}

// Identity returns the tags of the rows saved by this connection.
func (c *Connection) Identity() Identity {
	return c.identity
}

// Pending returns the number of queued messages not saved yet.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.queue)
}

func (c *Connection) enqueue(msg OutgoingMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushed {
		return false
	}
	c.queue = append(c.queue, msg)

	return true
}

// save writes the queued messages through the connection executor and empties the queue.
func (c *Connection) save(ctx context.Context, storage Storage) error {
	c.mu.Lock()
	msgs := c.queue
	c.queue = nil
	c.mu.Unlock()

	if len(msgs) == 0 {
		return nil
	}
	if err := storage.SaveWith(ctx, c.exec, msgs, c.identity); err != nil {
		return err
	}

	c.mu.Lock()
	c.saved += len(msgs)
	c.mu.Unlock()

	return nil
}

// flush saves the queue and commits a managed transaction. Later calls do nothing.
func (c *Connection) flush(ctx context.Context, storage Storage) error {
	c.mu.Lock()
	if c.flushed {
		c.mu.Unlock()

		return nil
	}
	c.flushed = true
	c.mu.Unlock()

	if err := c.save(ctx, storage); err != nil {
		return err
	}
	if c.tx == nil {
		return nil
	}

	return c.tx.Commit()
}

func (c *Connection) savedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.saved
}

func (c *Connection) rollback() error {
	if c.tx == nil {
		return nil
	}
	if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}

	return nil
}
