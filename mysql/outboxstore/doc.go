// Package outboxstore is the MySQL 8.0+ implementation of outbox.Storage.
//
// Batches are claimed with:
//   - READ COMMITTED isolation (to avoid gap locks)
//   - SELECT ... FOR UPDATE SKIP LOCKED
//   - ORDER BY id ASC (oldest first)
//   - LIMIT for batching
//
// so concurrent forwarders never lock the same rows. Sent rows are flagged and stamped with sent_at,
// not deleted; DeleteSent removes them once they are older than a retention, under an advisory lock.
package outboxstore
