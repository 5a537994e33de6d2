package outboxstore

import "errors"

var (
	// ErrInvalidBatchSize is returned when NextBatch is asked for no rows.
	ErrInvalidBatchSize = errors.New("sqlbus outbox: batch size must be positive")
	// ErrInvalidLimit is returned when DeleteSent is given a non-positive limit.
	ErrInvalidLimit = errors.New("sqlbus outbox: limit must be positive")
	// ErrInvalidRetention is returned when DeleteSent is given a non-positive retention.
	ErrInvalidRetention = errors.New("sqlbus outbox: retention must be positive")
)
