//go:build integration

package transport_test

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/sqlbus"
	"github.com/velmie/sqlbus/internal/testutil"
	"github.com/velmie/sqlbus/mysql/transport"
)

func newRowLock(t *testing.T, ctx context.Context, env testutil.MySQL, address string, opts ...transport.Option) *transport.Transport {
	t.Helper()
	opts = append([]transport.Option{transport.WithLogger(sqlbus.NopLogger{})}, opts...)
	tr, err := transport.NewTransport(env.DB, address, opts...)
	require.NoError(t, err)
	require.NoError(t, tr.Init(ctx))

	return tr
}

func newLease(t *testing.T, ctx context.Context, env testutil.MySQL, address string, opts ...transport.Option) *transport.LeaseTransport {
	t.Helper()
	opts = append([]transport.Option{transport.WithLogger(sqlbus.NopLogger{})}, opts...)
	tr, err := transport.NewLeaseTransport(env.DB, address, opts...)
	require.NoError(t, err)
	require.NoError(t, tr.Init(ctx))

	return tr
}

func tagged(tag string, headers sqlbus.Headers) *sqlbus.TransportMessage {
	if headers == nil {
		headers = sqlbus.Headers{}
	}
	headers[sqlbus.HeaderMessageID] = tag

	return sqlbus.NewTransportMessage(headers, []byte(tag))
}

// receiveOne receives in its own context and commits it.
func receiveOne(t *testing.T, ctx context.Context, tr sqlbus.Transport) *sqlbus.TransportMessage {
	t.Helper()
	tc := sqlbus.NewTransactionContext()
	defer tc.Dispose()

	msg, err := tr.Receive(ctx, tc)
	require.NoError(t, err)
	require.NoError(t, tc.Complete(ctx))

	return msg
}

func drain(t *testing.T, ctx context.Context, tr sqlbus.Transport) []string {
	t.Helper()
	var tags []string
	for {
		msg := receiveOne(t, ctx, tr)
		if msg == nil {
			return tags
		}
		tags = append(tags, msg.MessageID())
	}
}

func TestConcurrentReceiversNeverShareMessages(t *testing.T) {
	ctx := context.Background()
	env := testutil.StartMySQL(t, ctx)
	tr := newRowLock(t, ctx, env, "claims")

	const total = 200
	for i := 0; i < total; i++ {
		require.NoError(t, tr.Send(ctx, "claims", tagged(strconv.Itoa(i), nil), nil))
	}
	time.Sleep(10 * time.Millisecond)

	var (
		mu       sync.Mutex
		received = make(map[string]int)
		wg       sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				tc := sqlbus.NewTransactionContext()
				msg, err := tr.Receive(ctx, tc)
				if !assert.NoError(t, err) {
					tc.Dispose()

					return
				}
				assert.NoError(t, tc.Complete(ctx))
				tc.Dispose()
				if msg == nil {
					return
				}
				mu.Lock()
				received[msg.MessageID()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, received, total)
	for tag, n := range received {
		assert.Equal(t, 1, n, "message %s received %d times", tag, n)
	}
}

func TestOpenReceiveHidesMessageFromOtherReceivers(t *testing.T) {
	ctx := context.Background()
	env := testutil.StartMySQL(t, ctx)
	tr := newRowLock(t, ctx, env, "snapshot")
	require.NoError(t, tr.Send(ctx, "snapshot", tagged("only", nil), nil))
	time.Sleep(10 * time.Millisecond)

	first := sqlbus.NewTransactionContext()
	defer first.Dispose()
	msg, err := tr.Receive(ctx, first)
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Nil(t, receiveOne(t, ctx, tr))

	first.Abort(ctx)
	again := receiveOne(t, ctx, tr)
	require.NotNil(t, again)
	assert.Equal(t, "only", again.MessageID())
}

func TestReceiveOrdersByPriorityThenInsertion(t *testing.T) {
	ctx := context.Background()
	env := testutil.StartMySQL(t, ctx)
	tr := newRowLock(t, ctx, env, "prio")

	type sent struct {
		tag      string
		priority int
	}
	var all []sent
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 30; i++ {
		s := sent{tag: fmt.Sprintf("m%02d", i), priority: rng.Intn(5)}
		all = append(all, s)
		require.NoError(t, tr.Send(ctx, "prio", tagged(s.tag, sqlbus.Headers{sqlbus.HeaderPriority: strconv.Itoa(s.priority)}), nil))
	}

	var want []string
	for p := 4; p >= 0; p-- {
		for _, s := range all {
			if s.priority == p {
				want = append(want, s.tag)
			}
		}
	}

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, want, drain(t, ctx, tr))
}

func TestVisibleTimeOverridesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	env := testutil.StartMySQL(t, ctx)
	tr := newRowLock(t, ctx, env, "deferred")

	now := time.Now().UTC()
	for i, tag := range []string{"first", "second", "third"} {
		until := now.Add(time.Duration(3-i) * 500 * time.Millisecond).Format(time.RFC3339Nano)
		require.NoError(t, tr.Send(ctx, "deferred", tagged(tag, sqlbus.Headers{sqlbus.HeaderDeferredUntil: until}), nil))
	}

	assert.Nil(t, receiveOne(t, ctx, tr))
	time.Sleep(2 * time.Second)
	assert.Equal(t, []string{"third", "second", "first"}, drain(t, ctx, tr))
}

func TestExpiredMessagesAreNeverReceivedAndPurged(t *testing.T) {
	ctx := context.Background()
	env := testutil.StartMySQL(t, ctx)
	tr := newRowLock(t, ctx, env, "expiring",
		transport.WithExpiredCleanupInterval(200*time.Millisecond),
	)

	for i := 0; i < 5; i++ {
		msg := tagged(strconv.Itoa(i), sqlbus.Headers{sqlbus.HeaderTimeToBeReceived: "100ms"})
		require.NoError(t, tr.Send(ctx, "expiring", msg, nil))
	}
	time.Sleep(300 * time.Millisecond)
	assert.Nil(t, receiveOne(t, ctx, tr))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- tr.Run(runCtx) }()

	require.Eventually(t, func() bool {
		return testutil.Count(t, ctx, env.DB, "expiring", "") == 0
	}, 10*time.Second, 100*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRoundTripKeepsHeadersAndBody(t *testing.T) {
	ctx := context.Background()
	env := testutil.StartMySQL(t, ctx)

	body := make([]byte, 4096)
	for i := range body {
		body[i] = byte(i)
	}
	headers := sqlbus.Headers{
		sqlbus.HeaderMessageID:   "rt-1",
		sqlbus.HeaderContentType: "application/octet-stream",
		"x-unicode":              "żółw ✓",
		"x-empty":                "",
	}

	for _, tr := range []sqlbus.Transport{
		newRowLock(t, ctx, env, "roundtrip"),
		newLease(t, ctx, env, "roundtrip_lease"),
	} {
		require.NoError(t, tr.Send(ctx, tr.Address(), sqlbus.NewTransportMessage(headers.Clone(), body), nil))
		time.Sleep(10 * time.Millisecond)

		got := receiveOne(t, ctx, tr)
		require.NotNil(t, got, tr.Address())
		assert.Equal(t, headers, got.Headers)
		assert.True(t, bytes.Equal(body, got.Body))
	}
}

func TestSendsCommitWithReceive(t *testing.T) {
	ctx := context.Background()
	env := testutil.StartMySQL(t, ctx)
	in := newRowLock(t, ctx, env, "inbound")
	out := newRowLock(t, ctx, env, "outbound")
	require.NoError(t, in.Send(ctx, "inbound", tagged("cmd", nil), nil))
	time.Sleep(10 * time.Millisecond)

	tc := sqlbus.NewTransactionContext()
	msg, err := in.Receive(ctx, tc)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NoError(t, in.Send(ctx, "outbound", tagged("event", nil), tc))
	tc.Abort(ctx)
	tc.Dispose()

	assert.Equal(t, 0, testutil.Count(t, ctx, env.DB, "outbound", ""))
	assert.Equal(t, 1, testutil.Count(t, ctx, env.DB, "inbound", ""))

	tc = sqlbus.NewTransactionContext()
	defer tc.Dispose()
	_, err = in.Receive(ctx, tc)
	require.NoError(t, err)
	require.NoError(t, in.Send(ctx, "outbound", tagged("event", nil), tc))
	require.NoError(t, tc.Complete(ctx))

	assert.Equal(t, 1, testutil.Count(t, ctx, env.DB, "outbound", ""))
	assert.Equal(t, 0, testutil.Count(t, ctx, env.DB, "inbound", ""))
	assert.NotNil(t, receiveOne(t, ctx, out))
}

func TestLeaseRedeliveryAfterExpiry(t *testing.T) {
	ctx := context.Background()
	env := testutil.StartMySQL(t, ctx)
	opts := []transport.Option{
		transport.WithLeaseInterval(time.Second),
		transport.WithLeaseTolerance(500 * time.Millisecond),
	}
	workerA := newLease(t, ctx, env, "leased", append(opts, transport.WithLeasedByFactory(func() string { return "a" }))...)
	workerB := newLease(t, ctx, env, "leased", append(opts, transport.WithLeasedByFactory(func() string { return "b" }))...)
	require.NoError(t, workerA.Send(ctx, "leased", tagged("job", nil), nil))
	time.Sleep(10 * time.Millisecond)

	tcA := sqlbus.NewTransactionContext()
	msg, err := workerA.Receive(ctx, tcA)
	require.NoError(t, err)
	require.NotNil(t, msg)

	var leasedBy string
	require.NoError(t, env.DB.QueryRowContext(ctx, "SELECT leasedby FROM leased").Scan(&leasedBy))
	assert.Equal(t, "a", leasedBy)

	assert.Nil(t, receiveOne(t, ctx, workerB))

	time.Sleep(1600 * time.Millisecond)
	tcB := sqlbus.NewTransactionContext()
	defer tcB.Dispose()
	again, err := workerB.Receive(ctx, tcB)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "job", again.MessageID())
	require.NoError(t, tcB.Complete(ctx))

	assert.Equal(t, 0, testutil.Count(t, ctx, env.DB, "leased", ""))
}

func TestLeaseAbortReleasesImmediately(t *testing.T) {
	ctx := context.Background()
	env := testutil.StartMySQL(t, ctx)
	tr := newLease(t, ctx, env, "released")
	require.NoError(t, tr.Send(ctx, "released", tagged("job", nil), nil))
	time.Sleep(10 * time.Millisecond)

	tc := sqlbus.NewTransactionContext()
	msg, err := tr.Receive(ctx, tc)
	require.NoError(t, err)
	require.NotNil(t, msg)
	tc.Abort(ctx)
	tc.Dispose()

	assert.Equal(t, 1, testutil.Count(t, ctx, env.DB, "released", "leasedby IS NULL AND leaseduntil IS NULL"))
	assert.NotNil(t, receiveOne(t, ctx, tr))
}

func TestLeaseRenewalKeepsMessageClaimed(t *testing.T) {
	ctx := context.Background()
	env := testutil.StartMySQL(t, ctx)
	holder := newLease(t, ctx, env, "renewed",
		transport.WithLeaseInterval(time.Second),
		transport.WithLeaseTolerance(-1),
		transport.WithAutomaticLeaseRenewal(300*time.Millisecond),
	)
	other := newLease(t, ctx, env, "renewed", transport.WithLeaseTolerance(-1))
	require.NoError(t, holder.Send(ctx, "renewed", tagged("long", nil), nil))
	time.Sleep(10 * time.Millisecond)

	tc := sqlbus.NewTransactionContext()
	defer tc.Dispose()
	msg, err := holder.Receive(ctx, tc)
	require.NoError(t, err)
	require.NotNil(t, msg)

	time.Sleep(2500 * time.Millisecond)
	assert.Nil(t, receiveOne(t, ctx, other))

	require.NoError(t, tc.Complete(ctx))
	assert.Equal(t, 0, testutil.Count(t, ctx, env.DB, "renewed", ""))
}

func TestCreateQueueRacesAreTolerated(t *testing.T) {
	ctx := context.Background()
	env := testutil.StartMySQL(t, ctx)
	tr := newRowLock(t, ctx, env, "")

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- tr.CreateQueue(ctx, "raced")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	require.NoError(t, tr.CreateQueue(ctx, "raced"))
}
