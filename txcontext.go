package sqlbus

import (
	"context"
	"errors"
	"sync"
)

// CommitFunc runs while a TransactionContext completes.
type CommitFunc func(ctx context.Context) error

// AbortFunc runs when a TransactionContext is aborted.
type AbortFunc func(ctx context.Context)

type txState int

const (
	txActive txState = iota
	txCompleting
	txCompleted
	txAborted
)

// Key identifies a typed item slot of a TransactionContext.
// Keys are compared by identity, so each component declares its own package-level key.
type Key[T any] struct {
	name string
}

// NewKey creates a new item key. The name is only used for diagnostics.
func NewKey[T any](name string) *Key[T] {
	return &Key[T]{name: name}
}

// String returns the key name.
func (k *Key[T]) String() string {
	return k.name
}

// TransactionContext is the unit of work shared by the operations of one message handling or one
// business transaction. Transports bind their connection, buffered sends and leases to it.
type TransactionContext struct {
	mu          sync.Mutex
	state       txState
	disposed    bool
	items       map[any]any
	onCommit    []CommitFunc
	onCompleted []CommitFunc
	onAbort     []AbortFunc
	onDispose   []func()
}

// NewTransactionContext creates an active context.
func NewTransactionContext() *TransactionContext {
	return &TransactionContext{items: make(map[any]any)}
}

// OnCommit registers fn to run, in registration order, when the context completes.
// A failing commit callback aborts the context.
func (tc *TransactionContext) OnCommit(fn CommitFunc) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.onCommit = append(tc.onCommit, fn)
}

// OnCompleted registers fn to run after every commit callback succeeded.
func (tc *TransactionContext) OnCompleted(fn CommitFunc) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.onCompleted = append(tc.onCompleted, fn)
}

// OnAbort registers fn to run when the context is aborted.
func (tc *TransactionContext) OnAbort(fn AbortFunc) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.onAbort = append(tc.onAbort, fn)
}

// OnDispose registers fn to run once when the context is disposed.
func (tc *TransactionContext) OnDispose(fn func()) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.onDispose = append(tc.onDispose, fn)
}

// Complete runs the commit callbacks and then the completed callbacks.
// If a commit callback fails, the context is aborted and the error is returned.
// Errors of completed callbacks are joined and returned, the context stays completed.
// Only the first of concurrent Complete calls runs the callbacks; Abort is ignored while they run.
func (tc *TransactionContext) Complete(ctx context.Context) error {
	tc.mu.Lock()
	if tc.state != txActive {
		tc.mu.Unlock()

		return ErrTransactionContextDone
	}
	tc.state = txCompleting
	tc.mu.Unlock()

	// commit callbacks may register further callbacks, so the list is re-read on every step
	for i := 0; ; i++ {
		tc.mu.Lock()
		if i >= len(tc.onCommit) {
			tc.mu.Unlock()

			break
		}
		fn := tc.onCommit[i]
		tc.mu.Unlock()

		if err := fn(ctx); err != nil {
			tc.abort(ctx, txCompleting)

			return err
		}
	}

	tc.mu.Lock()
	tc.state = txCompleted
	completed := append([]CommitFunc(nil), tc.onCompleted...)
	tc.mu.Unlock()

	var errs []error
	for _, fn := range completed {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Abort runs the abort callbacks. Aborting a finished or completing context does nothing.
func (tc *TransactionContext) Abort(ctx context.Context) {
	tc.abort(ctx, txActive)
}

func (tc *TransactionContext) abort(ctx context.Context, from txState) {
	tc.mu.Lock()
	if tc.state != from {
		tc.mu.Unlock()

		return
	}
	tc.state = txAborted
	aborts := append([]AbortFunc(nil), tc.onAbort...)
	tc.mu.Unlock()

	for _, fn := range aborts {
		fn(ctx)
	}
}

// Dispose aborts an unfinished context and runs the dispose callbacks exactly once.
func (tc *TransactionContext) Dispose() {
	tc.Abort(context.Background())

	tc.mu.Lock()
	if tc.disposed {
		tc.mu.Unlock()

		return
	}
	tc.disposed = true
	disposers := append([]func(){}, tc.onDispose...)
	tc.mu.Unlock()

	for _, fn := range disposers {
		fn()
	}
}

// Completed reports whether the context completed successfully.
func (tc *TransactionContext) Completed() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	return tc.state == txCompleted
}

// Aborted reports whether the context was aborted.
func (tc *TransactionContext) Aborted() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	return tc.state == txAborted
}

// Load returns the item stored under key.
func Load[T any](tc *TransactionContext, key *Key[T]) (T, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	v, ok := tc.items[key]
	if !ok {
		var zero T

		return zero, false
	}

	return v.(T), true
}

// LoadOrStore returns the item stored under key, creating it with create when absent.
// create runs under the context lock, it must not call back into tc.
// The boolean result reports whether the item was created by this call.
func LoadOrStore[T any](tc *TransactionContext, key *Key[T], create func() (T, error)) (T, bool, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if v, ok := tc.items[key]; ok {
		return v.(T), false, nil
	}
	if tc.state != txActive {
		var zero T

		return zero, false, ErrTransactionContextDone
	}
	v, err := create()
	if err != nil {
		var zero T

		return zero, false, err
	}
	tc.items[key] = v

	return v, true, nil
}

// StoreNew stores value under key and fails with ErrItemExists when the slot is taken.
func StoreNew[T any](tc *TransactionContext, key *Key[T], value T) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if _, ok := tc.items[key]; ok {
		return ErrItemExists
	}
	if tc.state != txActive {
		return ErrTransactionContextDone
	}
	tc.items[key] = value

	return nil
}
