package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/velmie/sqlbus"
)

// Forwarder moves saved outbox messages to the real transport.
type Forwarder struct {
	storage   Storage
	transport sqlbus.Transport
	retrier   *Retrier
	cfg       ForwarderConfig

	eagerMu   sync.Mutex
	eagerIdle *sync.Cond
	inFlight  int
	stopped   bool
}

// NewForwarder constructs a Forwarder with defaults and optional settings.
func NewForwarder(storage Storage, transport sqlbus.Transport, opts ...ForwarderOption) *Forwarder {
	if storage == nil {
		panic("outbox: nil Storage")
	}
	if transport == nil {
		panic("outbox: nil Transport")
	}

	var cfg ForwarderConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	f := &Forwarder{
		storage:   storage,
		transport: transport,
		retrier:   NewRetrier(cfg.RetryDelays...),
		cfg:       cfg,
	}
	f.eagerIdle = sync.NewCond(&f.eagerMu)

	return f
}

// Run sweeps unsent messages and deletes sent ones periodically until ctx is canceled.
// Once Run returned, eager forwards are no longer started and in-flight ones have finished.
func (f *Forwarder) Run(ctx context.Context) error {
	f.eagerMu.Lock()
	f.stopped = false
	f.eagerMu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return f.loop(ctx, "forwarder", f.cfg.ForwardInterval, func(ctx context.Context) error {
			_, err := f.ForwardPending(ctx)

			return err
		})
	})
	if !f.cfg.DisableCleaner {
		g.Go(func() error {
			return f.loop(ctx, "cleaner", f.cfg.CleanInterval, func(ctx context.Context) error {
				_, err := f.Clean(ctx)

				return err
			})
		})
	}

	err := g.Wait()
	f.eagerMu.Lock()
	f.stopped = true
	f.eagerMu.Unlock()
	f.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// loop runs pass every interval. Failures are logged and retried at the next tick; a panic stops the loop.
func (f *Forwarder) loop(ctx context.Context, name string, interval time.Duration, pass func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, rec)
			f.cfg.Logger.Error("outbox worker panic", "worker", name, "panic", rec)
		}
	}()

	for {
		if err := f.sleep(ctx, interval); err != nil {
			return err
		}
		if passErr := pass(ctx); passErr != nil && ctx.Err() == nil {
			f.cfg.Logger.Warn("outbox pass failed", "worker", name, "err", passErr)
		}
	}
}

// ForwardPending forwards unsent messages of any correlation id until none is left.
func (f *Forwarder) ForwardPending(ctx context.Context) (int, error) {
	return f.drain(ctx, "")
}

// ForwardCorrelation forwards the unsent messages saved under correlationID.
func (f *Forwarder) ForwardCorrelation(ctx context.Context, correlationID string) (int, error) {
	if correlationID == "" {
		return 0, nil
	}

	return f.drain(ctx, correlationID)
}

// TryForwardEager forwards correlationID in the background. Failures are only logged; the periodic
// sweep picks up whatever is left.
func (f *Forwarder) TryForwardEager(correlationID string) {
	if correlationID == "" {
		return
	}

	f.eagerMu.Lock()
	if f.stopped {
		f.eagerMu.Unlock()
		f.cfg.Logger.Debug("outbox eager forward skipped, forwarder stopped", "correlation_id", correlationID)

		return
	}
	f.inFlight++
	f.eagerMu.Unlock()

	go func() {
		defer f.eagerDone()
		defer func() {
			if rec := recover(); rec != nil {
				f.cfg.Logger.Error("outbox eager forward panic", "correlation_id", correlationID, "panic", rec)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), f.cfg.EagerTimeout)
		defer cancel()

		if _, err := f.ForwardCorrelation(ctx, correlationID); err != nil {
			f.cfg.Logger.Debug("outbox eager forward failed", "correlation_id", correlationID, "err", err)
		}
	}()
}

// Wait blocks until no eager forward is in flight. Forwards started meanwhile are waited for too.
func (f *Forwarder) Wait() {
	f.eagerMu.Lock()
	defer f.eagerMu.Unlock()
	for f.inFlight > 0 {
		f.eagerIdle.Wait()
	}
}

func (f *Forwarder) eagerDone() {
	f.eagerMu.Lock()
	defer f.eagerMu.Unlock()
	f.inFlight--
	if f.inFlight == 0 {
		f.eagerIdle.Broadcast()
	}
}

// Clean deletes messages sent longer ago than the clean retention. Younger ones stay so that
// redeliveries of the incoming messages that produced them are still recognized.
func (f *Forwarder) Clean(ctx context.Context) (int64, error) {
	n, err := f.storage.DeleteSent(ctx, f.cfg.CleanRetention, f.cfg.CleanBatch)
	if err != nil {
		return n, err
	}
	if n > 0 {
		f.cfg.Logger.Debug("outbox sent messages deleted", "count", n)
	}

	return n, nil
}

func (f *Forwarder) drain(ctx context.Context, correlationID string) (int, error) {
	total, restarts := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		batch, err := f.storage.NextBatch(ctx, correlationID, f.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		n, err := f.processBatch(ctx, batch)
		if err != nil {
			if errors.Is(err, sqlbus.ErrTransactionRolledBack) && restarts < maxBatchRestarts {
				restarts++
				f.cfg.Logger.Debug("outbox batch transaction rolled back, restarting batch",
					"correlation_id", correlationID,
					"err", err,
				)

				continue
			}

			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
}

// processBatch sends every message of batch within one TransactionContext and marks the batch sent
// once that context committed. On failure the batch is released unmarked.
func (f *Forwarder) processBatch(ctx context.Context, batch Batch) (_ int, err error) {
	defer func() {
		if closeErr := batch.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("outbox batch close failed: %w", closeErr))
		}
	}()

	msgs := batch.Messages()
	if len(msgs) == 0 {
		return 0, nil
	}

	start := f.cfg.Clock.Now()
	defer func() {
		f.cfg.Metrics.ObserveBatchDuration(f.cfg.Clock.Now().Sub(start))
	}()

	tc := sqlbus.NewTransactionContext()
	defer tc.Dispose()

	for _, msg := range msgs {
		sendErr := f.retrier.Do(ctx, func(ctx context.Context) error {
			return f.transport.Send(ctx, msg.DestinationAddress, msg.TransportMessage(), tc)
		})
		if sendErr != nil {
			tc.Abort(ctx)
			f.cfg.Metrics.AddForwardErrors(1)

			return 0, fmt.Errorf("outbox forward of message %d to %q failed: %w", msg.ID, msg.DestinationAddress, sendErr)
		}
	}

	if err := tc.Complete(ctx); err != nil {
		f.cfg.Metrics.AddForwardErrors(1)

		return 0, fmt.Errorf("outbox forward commit failed: %w", err)
	}
	if err := batch.Complete(ctx); err != nil {
		return 0, fmt.Errorf("outbox batch complete failed: %w", err)
	}
	f.cfg.Metrics.AddForwarded(len(msgs))

	return len(msgs), nil
}

func (f *Forwarder) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
