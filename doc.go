// Package sqlbus turns MySQL tables into durable message queues for a message bus.
//
// Typical flow:
//  1. Create a transport (mysql/transport) and make sure its input queue exists with CreateQueue.
//  2. Within a TransactionContext, Receive a message, handle it and Send derived messages.
//  3. Complete the context to commit (the received row is deleted, sends become visible) or Abort it
//     to make the received message available again.
//
// Two transports are provided: a row-lock transport that keeps a database transaction open for the
// duration of the context, and a lease transport that claims rows by stamping a time-bounded lease.
// The outbox package adds atomic "business data + outgoing messages" semantics on top of any Transport.
package sqlbus
