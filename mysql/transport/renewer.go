package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// lease tracks one claimed row until its TransactionContext finishes.
type lease struct {
	transport *LeaseTransport
	id        int64
	leasedBy  string

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// startRenewal extends the lease every interval until stop is called.
func (l *lease) startRenewal(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.renew(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					l.transport.cfg.Logger.Warn("sqlbus lease renewal failed",
						"queue", l.transport.address,
						"id", l.id,
						"err", err,
					)

					continue
				}
				l.transport.cfg.Metrics.AddRenewals(1)
			}
		}
	}()
}

// stop cancels the renewal loop and waits for it to exit. It is safe to call more than once.
func (l *lease) stop() {
	l.stopOnce.Do(func() {
		if l.cancel == nil {
			return
		}
		l.cancel()
		<-l.done
	})
}

func (l *lease) renew(ctx context.Context) error {
	t := l.transport
	res, err := t.db.ExecContext(ctx, t.input.queries.renewLease, t.cfg.LeaseInterval.Microseconds(), l.id, l.leasedBy)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: row %d", ErrLeaseLost, l.id)
	}

	return nil
}

// delete removes the row once the message was handled.
func (l *lease) delete(ctx context.Context) error {
	t := l.transport
	ctx, cancel := cleanupContext(ctx)
	defer cancel()

	if _, err := t.db.ExecContext(ctx, t.input.queries.deleteByID, l.id); err != nil {
		return fmt.Errorf("sqlbus transport: delete leased message %d: %w", l.id, err)
	}

	return nil
}

// release clears the lease so the row becomes receivable again right away.
func (l *lease) release(ctx context.Context) {
	t := l.transport
	ctx, cancel := cleanupContext(ctx)
	defer cancel()

	if _, err := t.db.ExecContext(ctx, t.input.queries.releaseLease, l.id); err != nil {
		t.cfg.Logger.Warn("sqlbus lease release failed", "queue", t.address, "id", l.id, "err", err)
	}
}
