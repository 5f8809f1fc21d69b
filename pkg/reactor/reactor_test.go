package reactor

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/hive/pkg/framing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoConn struct {
	ConnContext
	received []string
}

type closeRecorder struct {
	mu     sync.Mutex
	calls  int
	causes []error
	done   chan struct{}
}

func newCloseRecorder() *closeRecorder {
	return &closeRecorder{done: make(chan struct{}, 16)}
}

func (r *closeRecorder) hook(_ *echoConn, err error) {
	r.mu.Lock()
	r.calls++
	r.causes = append(r.causes, err)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *closeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func echoProtocol(rec *closeRecorder) Protocol[*echoConn] {
	return Protocol[*echoConn]{
		Name: "echo",
		Handlers: map[State]Handler[*echoConn]{
			StateIdle: func(c *echoConn) (Transition, error) {
				payload, ok, err := c.ReadMessageLocked()
				if err != nil {
					return Transition{}, err
				}
				if !ok {
					return To(StateIdle, InterestRead), nil
				}
				if string(payload) == "boom" {
					return Transition{}, errors.New("boom requested")
				}
				c.received = append(c.received, string(payload))
				c.EnqueueLocked(framing.NewMessage(payload))
				return To(StateSend, InterestWrite), nil
			},
			StateSend: func(c *echoConn) (Transition, error) {
				done, err := c.FlushLocked()
				if err != nil {
					return Transition{}, err
				}
				if !done {
					return To(StateSend, InterestWrite), nil
				}
				return To(StateIdle, InterestRead), nil
			},
		},
		OnClose: rec.hook,
	}
}

func startEcho(t *testing.T) (*Reactor[*echoConn], *closeRecorder, *Pool) {
	t.Helper()
	rec := newCloseRecorder()
	pool := NewPool("test", 2, 8)
	r := New(echoProtocol(rec), pool)
	r.Start()
	t.Cleanup(func() {
		r.Stop()
		pool.Stop()
	})
	return r, rec, pool
}

func waitClosed(t *testing.T, rec *closeRecorder) {
	t.Helper()
	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestReactorEcho(t *testing.T) {
	r, _, _ := startEcho(t)
	server, client := net.Pipe()
	defer client.Close()

	c := &echoConn{}
	require.NoError(t, r.Register(c, server, To(StateIdle, InterestRead)))

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, framing.WriteFrame(client, []byte(msg)))
		reply, err := framing.ReadFrame(client)
		require.NoError(t, err)
		assert.Equal(t, msg, string(reply))
	}

	assert.Equal(t, 1, r.Len())
	assert.Eventually(t, func() bool { return c.State() == StateIdle }, time.Second, 5*time.Millisecond)
}

func TestReactorHandlerErrorClosesOnce(t *testing.T) {
	r, rec, _ := startEcho(t)
	server, client := net.Pipe()
	defer client.Close()

	c := &echoConn{}
	require.NoError(t, r.Register(c, server, To(StateIdle, InterestRead)))
	require.NoError(t, framing.WriteFrame(client, []byte("boom")))

	waitClosed(t, rec)
	assert.True(t, c.Closed())
	assert.Equal(t, StateClosed, c.State())
	assert.Zero(t, r.Len())

	// Further closes are no-ops.
	r.Close(c, errors.New("again"))
	assert.Equal(t, 1, rec.count())
}

func TestReactorPeerClosed(t *testing.T) {
	r, rec, _ := startEcho(t)
	server, client := net.Pipe()

	c := &echoConn{}
	require.NoError(t, r.Register(c, server, To(StateIdle, InterestRead)))
	client.Close()

	waitClosed(t, rec)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.causes, 1)
	assert.ErrorIs(t, rec.causes[0], framing.ErrPeerClosed)
}

func TestReactorPeerClosedWithoutReadInterest(t *testing.T) {
	r, rec, _ := startEcho(t)
	server, client := net.Pipe()

	c := &echoConn{}
	require.NoError(t, r.Register(c, server, To(StateIdle, InterestNone)))
	client.Close()

	waitClosed(t, rec)
	assert.True(t, c.Closed())
}

func TestReactorConcurrentCloseRunsHookOnce(t *testing.T) {
	r, rec, _ := startEcho(t)
	server, client := net.Pipe()
	defer client.Close()

	c := &echoConn{}
	require.NoError(t, r.Register(c, server, To(StateIdle, InterestRead)))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Close(c, errors.New("racing close"))
		}()
	}
	wg.Wait()

	waitClosed(t, rec)
	assert.Equal(t, 1, rec.count())
}

func TestReactorDeliverAndRearm(t *testing.T) {
	r, _, _ := startEcho(t)
	server, client := net.Pipe()
	defer client.Close()

	c := &echoConn{}
	require.NoError(t, r.Register(c, server, To(StateIdle, InterestNone)))

	rearmed := c.Deliver(framing.NewMessage([]byte("pushed")), StateIdle, To(StateSend, InterestWrite))
	assert.True(t, rearmed)

	reply, err := framing.ReadFrame(client)
	require.NoError(t, err)
	assert.Equal(t, "pushed", string(reply))
}

func TestReactorDeliverWaitsOutsideIdle(t *testing.T) {
	c := &echoConn{}
	c.state = StateWaitResponse

	rearmed := c.Deliver(framing.NewMessage([]byte("later")), StateIdle, To(StateSend, InterestWrite))
	assert.False(t, rearmed)
	assert.Equal(t, StateWaitResponse, c.State())

	c.Lock()
	assert.True(t, c.HasOutgoingLocked())
	c.Unlock()
}

func TestReactorDeliverFromAnyRestingState(t *testing.T) {
	tests := []struct {
		state   State
		rearmed bool
	}{
		{state: StateIdle, rearmed: true},
		{state: StateWaitResponse, rearmed: true},
		{state: StateSend, rearmed: false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			c := &echoConn{}
			c.state = tt.state
			rearmed := c.DeliverFrom(framing.NewMessage([]byte("x")),
				[]State{StateIdle, StateWaitResponse}, To(StateSend, InterestReadWrite))
			assert.Equal(t, tt.rearmed, rearmed)
			if tt.rearmed {
				assert.Equal(t, StateSend, c.State())
				assert.Equal(t, InterestReadWrite, c.Interest())
			}
		})
	}
}

func TestReactorMissingHandler(t *testing.T) {
	r, rec, _ := startEcho(t)
	server, client := net.Pipe()
	defer client.Close()

	c := &echoConn{}
	require.NoError(t, r.Register(c, server, To(StateWaitInitialResponse, InterestWrite)))

	waitClosed(t, rec)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.ErrorIs(t, rec.causes[0], ErrNoHandler)
}

func TestReactorStopClosesConnections(t *testing.T) {
	rec := newCloseRecorder()
	r := New(echoProtocol(rec), nil)
	r.Start()

	server, client := net.Pipe()
	defer client.Close()
	require.NoError(t, r.Register(&echoConn{}, server, To(StateIdle, InterestRead)))

	r.Stop()
	assert.Equal(t, 1, rec.count())
	assert.ErrorIs(t, r.Register(&echoConn{}, server, To(StateIdle, InterestRead)), ErrStopped)
	assert.ErrorIs(t, r.Execute(func() {}), ErrPoolStopped)
}

func TestPool(t *testing.T) {
	pool := NewPool("test", 2, 4)

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(func() {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(4), ran.Load())

	// A panicking task does not kill the worker.
	wg.Add(1)
	require.NoError(t, pool.Submit(func() {
		defer wg.Done()
		panic("boom")
	}))
	wg.Wait()

	pool.Stop()
	assert.ErrorIs(t, pool.Submit(func() {}), ErrPoolStopped)
}

func TestPoolFull(t *testing.T) {
	pool := NewPool("test", 1, 1)
	defer pool.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(func() {
		close(started)
		<-block
	}))
	<-started
	require.NoError(t, pool.Submit(func() {}))

	assert.ErrorIs(t, pool.Submit(func() {}), ErrPoolFull)
	close(block)
}

func TestInterestString(t *testing.T) {
	assert.Equal(t, "none", InterestNone.String())
	assert.Equal(t, "read", InterestRead.String())
	assert.Equal(t, "read|write", InterestReadWrite.String())
}
