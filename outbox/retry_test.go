package outbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/velmie/sqlbus"
)

var errTransient = errors.New("transient")

func TestRetrierSucceedsAfterFailures(t *testing.T) {
	r := NewRetrier(time.Millisecond, time.Millisecond, time.Millisecond)

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}

		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetrierExhaustionReturnsLastError(t *testing.T) {
	r := NewRetrier(time.Millisecond, time.Millisecond)

	calls := 0
	last := errors.New("third")
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 3 {
			return last
		}

		return errTransient
	})
	if !errors.Is(err, last) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected one attempt per delay plus one, got %d", calls)
	}
}

func TestRetrierCancellationDuringWait(t *testing.T) {
	r := NewRetrier(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, func(context.Context) error {
			calls++

			return errTransient
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if errors.Is(err, errTransient) {
			t.Fatalf("cancellation must not surface the action error")
		}
	case <-time.After(time.Second):
		t.Fatal("retrier did not stop on cancellation")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetrierWithoutDelaysRunsOnce(t *testing.T) {
	calls := 0
	err := NewRetrier().Do(context.Background(), func(context.Context) error {
		calls++

		return errTransient
	})
	if !errors.Is(err, errTransient) || calls != 1 {
		t.Fatalf("expected single failing call, got %d calls and %v", calls, err)
	}
}

func TestDefaultRetryDelays(t *testing.T) {
	if len(DefaultRetryDelays) != 15 {
		t.Fatalf("expected 15 delays, got %d", len(DefaultRetryDelays))
	}
	if DefaultRetryDelays[0] != 100*time.Millisecond || DefaultRetryDelays[14] != time.Second {
		t.Fatalf("unexpected schedule bounds: %v", DefaultRetryDelays)
	}
}

func TestRetrierDoesNotRetryRolledBackTransaction(t *testing.T) {
	r := NewRetrier(time.Millisecond, time.Millisecond)

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++

		return fmt.Errorf("send: %w", sqlbus.ErrTransactionRolledBack)
	})
	if !errors.Is(err, sqlbus.ErrTransactionRolledBack) {
		t.Fatalf("expected ErrTransactionRolledBack, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}
