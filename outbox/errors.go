package outbox

import "errors"

var (
	// ErrAlreadyEnlisted is returned when a TransactionContext already carries an outbox connection.
	ErrAlreadyEnlisted = errors.New("outbox: transaction context already has an outbox connection")
	// ErrExecutorRequired is returned when a connection is enlisted without an executor.
	ErrExecutorRequired = errors.New("outbox: executor is required")
	// ErrDBRequired is returned when a managed transaction is requested without a database.
	ErrDBRequired = errors.New("outbox: db is required")
	// ErrWorkerPanic reports a panic recovered in a forwarder loop.
	ErrWorkerPanic = errors.New("outbox: worker panic")
)
