// Package outbox implements the transactional outbox on top of a sqlbus.Transport.
//
// Messages sent while an outbox Connection is attached to a TransactionContext are queued in memory
// and saved to Storage inside the caller's database transaction when the context commits, so business
// writes and outgoing messages commit or roll back together. A Forwarder later moves saved messages to
// the real transport and marks them sent; it is also poked eagerly right after a managed outbox
// transaction commits.
package outbox
