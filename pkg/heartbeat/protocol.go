package heartbeat

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/hive/pkg/framing"
	"github.com/cuemby/hive/pkg/reactor"
	"github.com/cuemby/hive/pkg/wire"
)

// Context is the driver side of a heartbeat connection. It implements
// Prober: every probe is delivered to the connection and waits for the
// response carrying the same message id.
type Context struct {
	reactor.ConnContext

	cfg Config

	// Guarded by the connection lock.
	nodeUUID   string
	seq        uint64
	configSent bool
	waiters    map[uint64]chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewContext creates the context of an accepted heartbeat connection. The
// settings are echoed to the node with the first probe.
func NewContext(cfg Config) *Context {
	return &Context{
		cfg:     cfg,
		waiters: make(map[uint64]chan struct{}),
		done:    make(chan struct{}),
	}
}

// NodeUUID returns the uuid announced in the handshake.
func (c *Context) NodeUUID() string {
	c.Lock()
	defer c.Unlock()
	return c.nodeUUID
}

// Done is closed when the connection is closed.
func (c *Context) Done() <-chan struct{} {
	return c.done
}

// Probe sends a heartbeat and waits for its response.
func (c *Context) Probe(ctx context.Context, messageID uint64) error {
	wait := make(chan struct{})

	c.Lock()
	c.seq++
	msg := wire.HeartbeatMessage{MessageID: messageID, Seq: c.seq}
	if !c.configSent {
		msg.Timeout = c.cfg.Timeout
		msg.MaxRetries = c.cfg.MaxRetries
		c.configSent = true
	}
	c.waiters[messageID] = wait
	c.Unlock()

	defer func() {
		c.Lock()
		delete(c.waiters, messageID)
		c.Unlock()
	}()

	frame, err := wire.Frame(msg)
	if err != nil {
		return err
	}
	c.Deliver(frame, reactor.StateIdle, reactor.To(reactor.StateSend, reactor.InterestWrite))

	select {
	case <-wait:
		return nil
	case <-c.done:
		return framing.ErrPeerClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: message %d", ErrProbeTimeout, messageID)
	}
}

func (c *Context) markDone() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Handlers is the callback set of the heartbeat protocol.
type Handlers struct {
	// OnHandshake binds the connection to the node that opened it.
	// Returning an error closes the connection.
	OnHandshake func(c *Context, hs *wire.Handshake) error

	// OnClose runs once when the connection closes.
	OnClose func(c *Context, err error)
}

// NewProtocol returns the reactor protocol of heartbeat connections. A new
// connection starts in WAIT_INITIAL_RESPONSE, reading the node's handshake.
// It then sits in IDLE until a probe is delivered, goes through SEND and
// WAIT_RESPONSE, and returns to IDLE.
func NewProtocol(h Handlers) reactor.Protocol[*Context] {
	return reactor.Protocol[*Context]{
		Name: "heartbeat",
		Handlers: map[reactor.State]reactor.Handler[*Context]{
			reactor.StateWaitInitialResponse: func(c *Context) (reactor.Transition, error) {
				data, ok, err := c.ReadMessageLocked()
				if err != nil {
					return reactor.Transition{}, err
				}
				if !ok {
					return reactor.To(reactor.StateWaitInitialResponse, reactor.InterestRead), nil
				}
				hs, err := wire.DecodeAs[*wire.Handshake](data)
				if err != nil {
					return reactor.Transition{}, err
				}
				c.nodeUUID = hs.UUID
				c.SetUUIDLocked(hs.UUID)
				if h.OnHandshake != nil {
					if err := h.OnHandshake(c, hs); err != nil {
						return reactor.Transition{}, err
					}
				}
				return nextLocked(c), nil
			},
			reactor.StateIdle: func(c *Context) (reactor.Transition, error) {
				return nextLocked(c), nil
			},
			reactor.StateSend: func(c *Context) (reactor.Transition, error) {
				done, err := c.FlushLocked()
				if err != nil {
					return reactor.Transition{}, err
				}
				if !done {
					return reactor.To(reactor.StateSend, reactor.InterestWrite), nil
				}
				return reactor.To(reactor.StateWaitResponse, reactor.InterestRead), nil
			},
			reactor.StateWaitResponse: func(c *Context) (reactor.Transition, error) {
				data, ok, err := c.ReadMessageLocked()
				if err != nil {
					return reactor.Transition{}, err
				}
				if !ok {
					return reactor.To(reactor.StateWaitResponse, reactor.InterestRead), nil
				}
				resp, err := wire.DecodeAs[*wire.HeartbeatMessage](data)
				if err != nil {
					return reactor.Transition{}, err
				}
				if !resp.Response {
					return reactor.Transition{}, fmt.Errorf("%w: heartbeat request from node", wire.ErrProtocol)
				}
				if wait, ok := c.waiters[resp.MessageID]; ok {
					close(wait)
					delete(c.waiters, resp.MessageID)
				}
				return nextLocked(c), nil
			},
		},
		OnClose: func(c *Context, err error) {
			c.markDone()
			if h.OnClose != nil {
				h.OnClose(c, err)
			}
		},
	}
}

// nextLocked goes on with a probe that was delivered while the connection
// was busy, or goes idle.
func nextLocked(c *Context) reactor.Transition {
	if c.HasOutgoingLocked() {
		return reactor.To(reactor.StateSend, reactor.InterestWrite)
	}
	return reactor.To(reactor.StateIdle, reactor.InterestNone)
}

// Respond answers heartbeat probes on a blocking connection until it fails.
// It is the node side of the protocol; the handshake must already have been
// sent. onConfig receives the settings echoed with the first probe.
func Respond(rw io.ReadWriter, onConfig func(Config)) error {
	for {
		msg, err := wire.ReadAs[*wire.HeartbeatMessage](rw)
		if err != nil {
			return err
		}
		if msg.Timeout > 0 && onConfig != nil {
			onConfig(Config{Timeout: msg.Timeout, MaxRetries: msg.MaxRetries})
		}
		reply := wire.HeartbeatMessage{MessageID: msg.MessageID, Seq: msg.Seq, Response: true}
		if err := wire.Write(rw, reply); err != nil {
			return err
		}
	}
}
