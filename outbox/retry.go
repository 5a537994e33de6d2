package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/velmie/sqlbus"
)

// DefaultRetryDelays is the wait schedule between forwarding attempts.
var DefaultRetryDelays = []time.Duration{
	100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond,
	200 * time.Millisecond, 200 * time.Millisecond, 200 * time.Millisecond,
	500 * time.Millisecond, 500 * time.Millisecond, 500 * time.Millisecond,
	time.Second, time.Second, time.Second, time.Second, time.Second, time.Second,
}

// Retrier runs an action again after each delay of a fixed list.
type Retrier struct {
	delays []time.Duration
}

// NewRetrier creates a retrier. Without delays the action runs once.
func NewRetrier(delays ...time.Duration) *Retrier {
	return &Retrier{delays: append([]time.Duration(nil), delays...)}
}

// Do runs fn until it succeeds or the delays are used up, then returns the last error.
// When ctx is canceled it returns the context error instead, without running fn again.
// sqlbus.ErrTransactionRolledBack is returned right away: the transaction fn ran in is gone.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return backoff.Retry(func() error {
		err := fn(ctx)
		if errors.Is(err, sqlbus.ErrTransactionRolledBack) {
			return backoff.Permanent(err)
		}

		return err
	}, backoff.WithContext(&delayList{delays: r.delays}, ctx))
}

// delayList is a backoff.BackOff walking a fixed list of delays.
type delayList struct {
	delays []time.Duration
	next   int
}

func (d *delayList) NextBackOff() time.Duration {
	if d.next >= len(d.delays) {
		return backoff.Stop
	}
	delay := d.delays[d.next]
	d.next++

	return delay
}

func (d *delayList) Reset() {
	d.next = 0
}
