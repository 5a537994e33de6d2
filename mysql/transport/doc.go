// Package transport implements sqlbus.Transport on MySQL 8.0+ tables, one table per queue.
//
// Transport (row-lock strategy) binds a READ COMMITTED transaction to each sqlbus.TransactionContext:
// Receive locks the best eligible row with SELECT ... FOR UPDATE SKIP LOCKED and deletes it inside that
// transaction, Send inserts inside it, and completing the context commits both.
//
// LeaseTransport (lease strategy) claims a row by stamping leaseduntil/leasedby/leasedat in a short
// transaction of its own, deletes the row after the context completed and clears the lease when it
// was aborted. Its sends are buffered and flushed when the context commits.
//
// Both order eligible rows by priority DESC, visible ASC, id ASC, implement deferred delivery through
// the visible column and purge expired rows with a Janitor.
package transport
