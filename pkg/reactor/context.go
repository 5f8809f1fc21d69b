package reactor

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cuemby/hive/pkg/framing"
)

// ConnContext is the per-connection state shared by every protocol family.
// Concrete contexts embed it. The reactor holds the context lock while a
// state handler runs; code running elsewhere must go through the locking
// methods (Deliver, SetInterest, Transition, Lock/Unlock).
type ConnContext struct {
	mu sync.Mutex

	id       uint64
	uuid     string
	state    State
	interest Interest
	ch       *ConnChannel
	wake     func(id uint64)

	readMsg       framing.Message
	readComposite framing.Composite
	writing       framing.Frame
	outbox        []framing.Frame

	closed atomic.Bool
}

// Base implements Conn.
func (b *ConnContext) Base() *ConnContext {
	return b
}

// Lock acquires the connection monitor.
func (b *ConnContext) Lock() { b.mu.Lock() }

// Unlock releases the connection monitor.
func (b *ConnContext) Unlock() { b.mu.Unlock() }

// ID returns the reactor-assigned connection id.
func (b *ConnContext) ID() uint64 {
	return b.id
}

// UUID returns the identity announced by the peer, if any.
func (b *ConnContext) UUID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uuid
}

// SetUUIDLocked records the peer identity. The caller holds the lock.
func (b *ConnContext) SetUUIDLocked(id string) {
	b.uuid = id
}

// UUIDLocked returns the peer identity. The caller holds the lock.
func (b *ConnContext) UUIDLocked() string {
	return b.uuid
}

// State returns the current protocol state.
func (b *ConnContext) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// StateLocked returns the current state. The caller holds the lock.
func (b *ConnContext) StateLocked() State {
	return b.state
}

// Interest returns the readiness the connection is watched for.
func (b *ConnContext) Interest() Interest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interest
}

// Closed reports whether the connection left the reactor.
func (b *ConnContext) Closed() bool {
	return b.closed.Load()
}

// RemoteAddr returns the peer address.
func (b *ConnContext) RemoteAddr() string {
	if b.ch == nil {
		return ""
	}
	return b.ch.RemoteAddr()
}

// markClosed flips the closed flag. Only the first caller gets true.
func (b *ConnContext) markClosed() bool {
	return b.closed.CompareAndSwap(false, true)
}

func (b *ConnContext) notify() {
	if b.wake != nil && !b.closed.Load() {
		b.wake(b.id)
	}
}

// SetInterest re-arms the connection with a new interest.
func (b *ConnContext) SetInterest(interest Interest) {
	b.mu.Lock()
	b.interest = interest
	b.mu.Unlock()
	b.notify()
}

// Transition moves the connection to a new state from outside a handler.
func (b *ConnContext) Transition(t Transition) {
	b.mu.Lock()
	b.state = t.Next
	b.interest = t.Interest
	b.mu.Unlock()
	b.notify()
}

// Deliver queues a frame for sending and re-arms the connection: when the
// connection currently sits in state from, it moves to the transition to.
// Otherwise the frame waits in the outbox until the protocol's handlers pick
// it up. It returns whether the connection was re-armed. Deliver is the only
// way for code outside the reactor, or a handler of another connection, to
// hand a message to this connection.
func (b *ConnContext) Deliver(frame framing.Frame, from State, to Transition) bool {
	return b.DeliverFrom(frame, []State{from}, to)
}

// DeliverFrom is Deliver for protocols with more than one resting state.
func (b *ConnContext) DeliverFrom(frame framing.Frame, from []State, to Transition) bool {
	if b.closed.Load() {
		return false
	}
	b.mu.Lock()
	b.outbox = append(b.outbox, frame)
	rearmed := slices.Contains(from, b.state)
	if rearmed {
		b.state = to.Next
		b.interest = to.Interest
	}
	b.mu.Unlock()
	if rearmed {
		b.notify()
	}
	return rearmed
}

// EnqueueLocked queues a frame from inside a handler.
func (b *ConnContext) EnqueueLocked(frame framing.Frame) {
	b.outbox = append(b.outbox, frame)
}

// HasOutgoingLocked reports whether a frame is queued or partially written.
func (b *ConnContext) HasOutgoingLocked() bool {
	return b.writing != nil || len(b.outbox) > 0
}

// FlushLocked writes queued frames, in order, until the outbox is empty or
// the channel stops accepting bytes. It returns true when everything queued
// has been handed to the channel.
func (b *ConnContext) FlushLocked() (bool, error) {
	for {
		if b.writing == nil {
			if len(b.outbox) == 0 {
				return true, nil
			}
			b.writing = b.outbox[0]
			b.outbox[0] = nil
			b.outbox = b.outbox[1:]
		}
		done, err := b.writing.Write(b.ch)
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
		b.writing = nil
	}
}

// ReadMessageLocked advances the pending read frame. It returns the payload
// once a complete message is available.
func (b *ConnContext) ReadMessageLocked() ([]byte, bool, error) {
	ok, err := b.readMsg.Read(b.ch)
	if err != nil || !ok {
		return nil, false, err
	}
	return b.readMsg.Take(), true, nil
}

// ReadCompositeLocked advances the pending composite read frame.
func (b *ConnContext) ReadCompositeLocked() ([][]byte, bool, error) {
	ok, err := b.readComposite.Read(b.ch)
	if err != nil || !ok {
		return nil, false, err
	}
	return b.readComposite.Take(), true, nil
}

// ReadableLocked reports whether bytes, or the end of stream, are waiting.
func (b *ConnContext) ReadableLocked() bool {
	return b.ch != nil && b.ch.Ready()&InterestRead != 0
}
