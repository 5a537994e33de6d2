package transport

import "errors"

var (
	// ErrNoInputQueue is returned by Receive on a send-only transport.
	ErrNoInputQueue = errors.New("sqlbus transport: transport has no input queue")
	// ErrLeaseLost is reported when a renewal finds the row no longer leased by this claimant.
	ErrLeaseLost = errors.New("sqlbus transport: lease is no longer held")
)
