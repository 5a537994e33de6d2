package mysql

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"
)

const (
	defaultGateStripes = 256
	defaultGateTimeout = 30 * time.Second
)

// Gate serializes use of a shared connection or transaction without serializing unrelated ones.
// Keys are hashed onto a fixed number of stripes, each admitting one holder at a time.
type Gate struct {
	stripes []*semaphore.Weighted
	timeout time.Duration
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateStripes sets the number of stripes.
func WithGateStripes(n int) GateOption {
	return func(g *Gate) {
		if n > 0 {
			g.stripes = make([]*semaphore.Weighted, n)
		}
	}
}

// WithGateTimeout sets how long Lock waits before failing with ErrGateTimeout.
func WithGateTimeout(timeout time.Duration) GateOption {
	return func(g *Gate) {
		if timeout > 0 {
			g.timeout = timeout
		}
	}
}

// NewGate creates a gate with 256 stripes and a 30s timeout unless configured otherwise.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{
		stripes: make([]*semaphore.Weighted, defaultGateStripes),
		timeout: defaultGateTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	for i := range g.stripes {
		g.stripes[i] = semaphore.NewWeighted(1)
	}

	return g
}

// DefaultGate is the process-wide gate shared by the transports and the outbox store.
var DefaultGate = NewGate()

// Lock acquires the stripe of key. Keys are either strings or pointers (compared by identity).
func (g *Gate) Lock(ctx context.Context, key any) (func(), error) {
	stripe := g.stripes[g.index(key)]

	waitCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := stripe.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrGateTimeout, g.timeout)
		}

		return nil, err
	}

	return func() { stripe.Release(1) }, nil
}

// Do runs fn while holding the stripe of key.
func (g *Gate) Do(ctx context.Context, key any, fn func() error) error {
	unlock, err := g.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	return fn()
}

func (g *Gate) index(key any) int {
	return int(hashKey(key) % uint64(len(g.stripes)))
}

func hashKey(key any) uint64 {
	if s, ok := key.(string); ok {
		return xxhash.Sum64String(s)
	}

	v := reflect.ValueOf(key)
	switch v.Kind() {
	case reflect.Pointer, reflect.UnsafePointer, reflect.Map, reflect.Chan, reflect.Func:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(v.Pointer()))

		return xxhash.Sum64(buf[:])
	default:
		return xxhash.Sum64String(fmt.Sprintf("%T:%v", key, key))
	}
}
