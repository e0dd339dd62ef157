package ipc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Assembler-IPC/internal/core/request"
)

const testPoll = 20 * time.Millisecond

func inprocAddr(t *testing.T) string {
	return "inproc://" + t.Name()
}

// recorder is a callback that logs "ACTION#id" for every request.
type recorder struct {
	mu  sync.Mutex
	log []string
}

func (r *recorder) callback(req request.Request) error {
	id, _ := request.DefinitionID(req)
	r.mu.Lock()
	r.log = append(r.log, fmt.Sprintf("%s#%d", req.Action(), id))
	r.mu.Unlock()
	return nil
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func jwtCreate(id int64, name string) *request.JWTCreate {
	return &request.JWTCreate{
		SecurityDef: request.SecurityDef{ID: id, ClusterID: 1, Name: name, SecType: request.SecDefTypeJWT},
		IsActive:    true,
		Username:    name,
	}
}

func jwtDelete(id int64, name string) *request.JWTDelete {
	return &request.JWTDelete{
		SecurityDef: request.SecurityDef{ID: id, ClusterID: 1, Name: name, SecType: request.SecDefTypeJWT},
	}
}

func newTestPublisher(t *testing.T, addr string, opts ...Option) *Publisher {
	t.Helper()
	pub, err := NewPublisher(context.Background(), addr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })
	return pub
}

// startSubscriber runs a subscriber in the background and waits until it is
// receiving, so that anything published afterwards reaches it.
func startSubscriber(t *testing.T, addr string, cb Callback, opts ...Option) (*Subscriber, <-chan error) {
	t.Helper()
	opts = append([]Option{WithPollInterval(testPoll)}, opts...)
	sub, err := NewSubscriber(context.Background(), cb, addr, opts...)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- sub.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		return sub.State() == StateReceiving
	}, 2*time.Second, 5*time.Millisecond)
	t.Cleanup(func() { _ = sub.Shutdown() })
	return sub, runErr
}

func waitRun(t *testing.T, runErr <-chan error, within time.Duration) error {
	t.Helper()
	select {
	case err := <-runErr:
		return err
	case <-time.After(within):
		t.Fatalf("run did not return within %s", within)
		return nil
	}
}

func TestCreateThenDeleteDispatchedInOrder(t *testing.T) {
	addr := inprocAddr(t)
	pub := newTestPublisher(t, addr)
	rec := &recorder{}
	sub, runErr := startSubscriber(t, addr, rec.callback)

	require.NoError(t, pub.Publish(jwtCreate(7, "svc1")))
	require.NoError(t, pub.Publish(jwtDelete(7, "svc1")))

	require.Eventually(t, func() bool { return len(rec.entries()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"JWT_CREATE#7", "JWT_DELETE#7"}, rec.entries())

	start := time.Now()
	require.NoError(t, sub.Stop())
	assert.LessOrEqual(t, time.Since(start), 2*testPoll+50*time.Millisecond)
	require.NoError(t, waitRun(t, runErr, time.Second))
	assert.Equal(t, StateClosed, sub.State())
}

func TestDeliveredRequestEqualsPublished(t *testing.T) {
	addr := inprocAddr(t)
	pub := newTestPublisher(t, addr)

	got := make(chan request.Request, 4)
	startSubscriber(t, addr, func(req request.Request) error {
		got <- req
		return nil
	})

	sent := jwtCreate(42, "svc42")
	require.NoError(t, pub.Publish(sent))

	select {
	case req := <-got:
		assert.Equal(t, sent, req)
	case <-time.After(2 * time.Second):
		t.Fatal("request was not delivered")
	}
	select {
	case req := <-got:
		t.Fatalf("request delivered twice: %v", req)
	case <-time.After(5 * testPoll):
	}
}

func TestLateSubscriberMissesEarlierMessages(t *testing.T) {
	addr := inprocAddr(t)
	pub := newTestPublisher(t, addr)
	require.NoError(t, pub.Publish(jwtCreate(1, "early")))

	rec := &recorder{}
	sub, _ := startSubscriber(t, addr, rec.callback)
	require.NoError(t, pub.Publish(jwtCreate(2, "late")))

	require.Eventually(t, func() bool { return len(rec.entries()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(3 * testPoll)
	assert.Equal(t, []string{"JWT_CREATE#2"}, rec.entries())
	assert.Equal(t, uint64(1), sub.Stats().Received)
}

func TestOrderPreservedFromSinglePublisher(t *testing.T) {
	addr := inprocAddr(t)
	pub := newTestPublisher(t, addr)
	rec := &recorder{}
	startSubscriber(t, addr, rec.callback)

	// Stays under the transport's per-subscriber buffer.
	const n = 40
	want := make([]string, 0, n)
	for i := int64(1); i <= n; i++ {
		require.NoError(t, pub.Publish(jwtCreate(i, "svc")))
		want = append(want, fmt.Sprintf("JWT_CREATE#%d", i))
	}
	require.Eventually(t, func() bool { return len(rec.entries()) == n }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, rec.entries())
}

func TestDecodeFailureIsReportedAndSkipped(t *testing.T) {
	addr := inprocAddr(t)
	pub := newTestPublisher(t, addr)
	rec := &recorder{}
	reports := NewChannelReporter(8)
	sub, _ := startSubscriber(t, addr, rec.callback, WithErrorReporter(reports))

	require.NoError(t, pub.PublishRaw("JWT_CREATE", []byte("garbage")))
	require.NoError(t, pub.Publish(jwtDelete(9, "svc9")))

	require.Eventually(t, func() bool { return len(rec.entries()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"JWT_DELETE#9"}, rec.entries())

	require.Len(t, reports.C(), 1)
	f := <-reports.C()
	assert.Equal(t, KindDecode, f.Kind)
	assert.Equal(t, addr, f.Address)
	assert.Error(t, f.Cause)

	stats := sub.Stats()
	assert.Equal(t, uint64(2), stats.Received)
	assert.Equal(t, uint64(1), stats.DecodeErrors)
	assert.Equal(t, uint64(1), stats.Dispatched)
	assert.True(t, sub.Running())
}

func TestCallbackFailuresDoNotStopTheLoop(t *testing.T) {
	addr := inprocAddr(t)
	pub := newTestPublisher(t, addr)
	reports := NewChannelReporter(8)

	var (
		mu   sync.Mutex
		seen []int64
	)
	cb := func(req request.Request) error {
		id, _ := request.DefinitionID(req)
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
		switch id {
		case 1:
			return errors.New("database unavailable")
		case 2:
			panic("nil map")
		}
		return nil
	}
	sub, _ := startSubscriber(t, addr, cb, WithErrorReporter(reports))

	for id := int64(1); id <= 3; id++ {
		require.NoError(t, pub.Publish(jwtCreate(id, "svc")))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 5*time.Millisecond)

	first := <-reports.C()
	second := <-reports.C()
	assert.Equal(t, KindCallback, first.Kind)
	assert.True(t, IsCallbackError(first.Cause))
	var cerr *CallbackError
	require.ErrorAs(t, second.Cause, &cerr)
	assert.Equal(t, "nil map", cerr.Panic)
	assert.Equal(t, request.ActionJWTCreate, cerr.Action)

	assert.Equal(t, uint64(2), sub.Stats().CallbackErrors)
	assert.Equal(t, StateReceiving, sub.State())
}

func TestStopUnblocksIdleReceive(t *testing.T) {
	addr := inprocAddr(t)
	newTestPublisher(t, addr)
	sub, runErr := startSubscriber(t, addr, (&recorder{}).callback)

	start := time.Now()
	require.NoError(t, sub.Stop())
	require.NoError(t, waitRun(t, runErr, 2*testPoll))
	assert.LessOrEqual(t, time.Since(start), 2*testPoll+50*time.Millisecond)

	require.NoError(t, sub.Close())
	assert.True(t, sub.Closed())
	assert.False(t, sub.Running())
	<-sub.Done()
}

func TestStopTimesOutWhileCallbackBlocks(t *testing.T) {
	addr := inprocAddr(t)
	pub := newTestPublisher(t, addr)

	entered := make(chan struct{})
	release := make(chan struct{})
	sub, runErr := startSubscriber(t, addr, func(request.Request) error {
		close(entered)
		<-release
		return nil
	}, WithShutdownTimeout(30*time.Millisecond))

	require.NoError(t, pub.Publish(jwtCreate(1, "slow")))
	<-entered
	assert.Equal(t, StateDispatching, sub.State())

	assert.ErrorIs(t, sub.Stop(), ErrShutdownTimeout)
	assert.Equal(t, StateStopping, sub.State())

	close(release)
	require.NoError(t, waitRun(t, runErr, time.Second))
	assert.Equal(t, StateClosed, sub.State())
	require.NoError(t, sub.Stop())
}

func TestContextCancelEndsRun(t *testing.T) {
	addr := inprocAddr(t)
	newTestPublisher(t, addr)
	sub, err := NewSubscriber(context.Background(), (&recorder{}).callback, addr, WithPollInterval(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sub.Run(ctx) }()
	require.Eventually(t, func() bool { return sub.State() == StateReceiving }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitRun(t, runErr, time.Second))
	assert.True(t, sub.Closed())
}

func TestSubscriberIsNotRestartable(t *testing.T) {
	addr := inprocAddr(t)
	newTestPublisher(t, addr)
	sub, runErr := startSubscriber(t, addr, (&recorder{}).callback)

	require.NoError(t, sub.Stop())
	require.NoError(t, waitRun(t, runErr, time.Second))
	assert.ErrorIs(t, sub.Run(context.Background()), ErrNotRestartable)
}

func TestStopBeforeRun(t *testing.T) {
	addr := inprocAddr(t)
	newTestPublisher(t, addr)
	sub, err := NewSubscriber(context.Background(), (&recorder{}).callback, addr)
	require.NoError(t, err)

	require.NoError(t, sub.Stop())
	assert.Equal(t, StateClosed, sub.State())
	assert.True(t, sub.Closed())
	assert.ErrorIs(t, sub.Run(context.Background()), ErrNotRestartable)
}

func TestCloseWhileRunningReturnsNil(t *testing.T) {
	addr := inprocAddr(t)
	newTestPublisher(t, addr)
	sub, runErr := startSubscriber(t, addr, (&recorder{}).callback, WithPollInterval(time.Hour))

	require.NoError(t, sub.Close())
	require.NoError(t, waitRun(t, runErr, time.Second))
}

func TestConnectToUnboundAddressFails(t *testing.T) {
	_, err := NewSubscriber(context.Background(), (&recorder{}).callback, inprocAddr(t))
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, RoleConnect, cerr.Role)
	assert.Equal(t, inprocAddr(t), cerr.Address)
	assert.True(t, strings.HasPrefix(cerr.Error(), "connect inproc://"))
}

func TestPublisherGoingAwayEndsRunWithConnectionError(t *testing.T) {
	addr := inprocAddr(t)
	pub := newTestPublisher(t, addr)
	reports := NewChannelReporter(4)
	sub, runErr := startSubscriber(t, addr, (&recorder{}).callback, WithErrorReporter(reports))

	require.NoError(t, pub.Close())
	err := waitRun(t, runErr, time.Second)
	assert.True(t, IsConnectionError(err))
	assert.ErrorIs(t, err, ErrEndpointClosed)

	f := <-reports.C()
	assert.Equal(t, KindConnection, f.Kind)
	assert.Equal(t, StateClosed, sub.State())
}

func TestTopicFilter(t *testing.T) {
	addr := inprocAddr(t)
	pub := newTestPublisher(t, addr)
	rec := &recorder{}
	startSubscriber(t, addr, rec.callback, WithTopics("JWT_DELETE"))

	require.NoError(t, pub.Publish(jwtCreate(1, "a")))
	require.NoError(t, pub.Publish(jwtDelete(2, "b")))

	require.Eventually(t, func() bool { return len(rec.entries()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(3 * testPoll)
	assert.Equal(t, []string{"JWT_DELETE#2"}, rec.entries())
}

func TestNewSubscriberRejectsNilCallback(t *testing.T) {
	_, err := NewSubscriber(context.Background(), nil, inprocAddr(t))
	assert.ErrorIs(t, err, ErrNilCallback)
}

func TestSubscriberOverNATS(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded nats server")
	}
	pub, err := NewPublisher(context.Background(), "nats://127.0.0.1:0")
	require.NoError(t, err)
	defer pub.Close()

	rec := &recorder{}
	sub, runErr := startSubscriber(t, pub.LocalAddrs()[0], rec.callback)

	require.NoError(t, pub.Publish(jwtCreate(7, "svc1")))
	require.NoError(t, pub.Publish(jwtDelete(7, "svc1")))
	require.Eventually(t, func() bool { return len(rec.entries()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"JWT_CREATE#7", "JWT_DELETE#7"}, rec.entries())

	require.NoError(t, sub.Shutdown())
	require.NoError(t, waitRun(t, runErr, time.Second))
}

func TestNullBodyIsReportedAsDecodeFailure(t *testing.T) {
	addr := inprocAddr(t)
	pub := newTestPublisher(t, addr)
	rec := &recorder{}
	reports := NewChannelReporter(4)
	sub, _ := startSubscriber(t, addr, rec.callback, WithErrorReporter(reports))

	// A well formed envelope whose body is CBOR null.
	payload, err := cbor.Marshal([]any{string(request.ActionJWTDelete), cbor.RawMessage{0xf6}})
	require.NoError(t, err)
	require.NoError(t, pub.PublishRaw(string(request.ActionJWTDelete), payload))
	require.NoError(t, pub.Publish(jwtDelete(7, "svc1")))

	require.Eventually(t, func() bool { return len(rec.entries()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"JWT_DELETE#7"}, rec.entries())

	require.Len(t, reports.C(), 1)
	f := <-reports.C()
	assert.Equal(t, KindDecode, f.Kind)
	assert.Equal(t, uint64(1), sub.Stats().DecodeErrors)
}

func TestCallbackCanStopItsOwnSubscriber(t *testing.T) {
	addr := inprocAddr(t)
	pub := newTestPublisher(t, addr)

	var sub *Subscriber
	rec := &recorder{}
	cb := func(req request.Request) error {
		_ = rec.callback(req)
		sub.RequestStop()
		return nil
	}
	sub, runErr := startSubscriber(t, addr, cb, WithShutdownTimeout(time.Hour))

	require.NoError(t, pub.Publish(jwtCreate(1, "a")))
	require.NoError(t, waitRun(t, runErr, time.Second))
	assert.Equal(t, StateClosed, sub.State())
	assert.Equal(t, []string{"JWT_CREATE#1"}, rec.entries())

	// Publishing again reaches nobody; the loop is gone.
	require.NoError(t, pub.Publish(jwtCreate(2, "b")))
	assert.Equal(t, []string{"JWT_CREATE#1"}, rec.entries())
	require.NoError(t, sub.Stop())
}

func TestRequestStopBeforeRun(t *testing.T) {
	addr := inprocAddr(t)
	newTestPublisher(t, addr)
	sub, err := NewSubscriber(context.Background(), (&recorder{}).callback, addr)
	require.NoError(t, err)

	sub.RequestStop()
	<-sub.Done()
	assert.Equal(t, StateClosed, sub.State())
	assert.ErrorIs(t, sub.Run(context.Background()), ErrNotRestartable)
}
