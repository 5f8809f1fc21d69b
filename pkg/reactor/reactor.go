package reactor

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cuemby/hive/pkg/framing"
	"github.com/cuemby/hive/pkg/log"
	"github.com/rs/zerolog"
)

var (
	// ErrStopped is returned when registering on a stopped reactor.
	ErrStopped = errors.New("reactor stopped")

	// ErrNoHandler is a protocol violation: the connection reached a state
	// the protocol has no handler for.
	ErrNoHandler = errors.New("no handler for state")
)

// Reactor runs one readiness loop for one protocol family. Handlers of
// different connections run back to back on the loop goroutine, never
// concurrently.
type Reactor[C Conn] struct {
	protocol Protocol[C]
	pool     *Pool
	logger   zerolog.Logger

	mu     sync.RWMutex
	conns  map[uint64]C
	nextID atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]struct{}
	signal    chan struct{}

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// New creates a reactor for protocol. pool runs hand-off work off the loop
// goroutine; it may be shared between reactors.
func New[C Conn](protocol Protocol[C], pool *Pool) *Reactor[C] {
	return &Reactor[C]{
		protocol: protocol,
		pool:     pool,
		logger:   log.WithComponent("reactor").With().Str("protocol", protocol.Name).Logger(),
		conns:    make(map[uint64]C),
		pending:  make(map[uint64]struct{}),
		signal:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Name returns the protocol family name.
func (r *Reactor[C]) Name() string {
	return r.protocol.Name
}

// Start launches the readiness loop.
func (r *Reactor[C]) Start() {
	if r.started.CompareAndSwap(false, true) {
		go r.run()
	}
}

// Stop terminates the loop and closes every connection.
func (r *Reactor[C]) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.started.Load() {
			<-r.doneCh
		}
		for _, c := range r.Connections() {
			r.Close(c, nil)
		}
	})
}

// Register attaches conn to the context c and starts watching it in the
// given state.
func (r *Reactor[C]) Register(c C, conn net.Conn, t Transition) error {
	select {
	case <-r.stopCh:
		conn.Close()
		return ErrStopped
	default:
	}

	base := c.Base()
	id := r.nextID.Add(1)

	base.mu.Lock()
	base.id = id
	base.state = t.Next
	base.interest = t.Interest
	base.wake = r.wake
	base.ch = NewConnChannel(conn, func() { r.wake(id) })
	base.mu.Unlock()

	r.mu.Lock()
	r.conns[id] = c
	r.mu.Unlock()

	r.logger.Debug().Uint64("conn_id", id).Str("remote", base.RemoteAddr()).Msg("connection registered")
	r.wake(id)
	return nil
}

// Get returns a registered connection by id.
func (r *Reactor[C]) Get(id uint64) (C, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Connections returns a snapshot of the registered connections.
func (r *Reactor[C]) Connections() []C {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]C, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Reactor[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Execute runs fn on the hand-off pool. fn must re-arm connections through
// their locking methods when done.
func (r *Reactor[C]) Execute(fn func()) error {
	if r.pool == nil {
		return ErrPoolStopped
	}
	return r.pool.Submit(fn)
}

// Close removes c from the reactor, releases its socket and runs the
// protocol's close hook. Only the first call for a connection has an effect,
// whichever goroutine makes it.
func (r *Reactor[C]) Close(c C, cause error) {
	base := c.Base()
	if !base.markClosed() {
		return
	}

	base.mu.Lock()
	base.state = StateClosed
	base.interest = InterestNone
	ch := base.ch
	base.mu.Unlock()

	r.mu.Lock()
	delete(r.conns, base.id)
	r.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}

	ev := r.logger.Debug()
	if cause != nil && !errors.Is(cause, framing.ErrPeerClosed) {
		ev = r.logger.Warn().Err(cause)
	}
	ev.Uint64("conn_id", base.id).Msg("connection closed")

	if r.protocol.OnClose != nil {
		r.protocol.OnClose(c, cause)
	}
}

func (r *Reactor[C]) wake(id uint64) {
	r.pendingMu.Lock()
	r.pending[id] = struct{}{}
	r.pendingMu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *Reactor[C]) run() {
	defer close(r.doneCh)
	r.logger.Debug().Msg("reactor loop started")

	for {
		select {
		case <-r.stopCh:
			return
		case <-r.signal:
		}

		r.pendingMu.Lock()
		selected := r.pending
		r.pending = make(map[uint64]struct{}, len(selected))
		r.pendingMu.Unlock()

		for id := range selected {
			c, ok := r.Get(id)
			if !ok {
				continue
			}
			r.process(c)
		}
	}
}

// process runs the current state's handler once if the connection's ready
// set intersects its interest, then applies the returned transition.
func (r *Reactor[C]) process(c C) {
	base := c.Base()
	if base.Closed() {
		return
	}

	ready := base.ch.Ready()
	base.mu.Lock()
	interest := base.interest
	if ready&interest == 0 {
		base.mu.Unlock()
		if interest&InterestRead == 0 && base.ch.PeerClosed() {
			r.Close(c, framing.ErrPeerClosed)
		}
		return
	}

	state := base.state
	t, err := r.invoke(c, state)
	if err == nil {
		base.state = t.Next
		base.interest = t.Interest
	}
	base.mu.Unlock()

	if err != nil {
		r.Close(c, err)
		return
	}
	if t.Next == StateClosed {
		r.Close(c, nil)
		return
	}
	if base.ch.Ready()&t.Interest != 0 {
		r.wake(base.id)
	}
}

func (r *Reactor[C]) invoke(c C, state State) (t Transition, err error) {
	h, ok := r.protocol.Handlers[state]
	if !ok {
		return t, fmt.Errorf("%w %s", ErrNoHandler, state)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler for state %s panicked: %v", state, p)
		}
	}()
	return h(c)
}
