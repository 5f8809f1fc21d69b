package reactor

import (
	"errors"
	"io"
	"net"
	"sync"
)

const (
	readChunk        = 32 << 10
	defaultInboundHW = 1 << 20
	defaultOutCap    = 1 << 20
)

// errChannelClosed is reported by a channel that was closed locally.
var errChannelClosed = errors.New("channel closed")

// ConnChannel turns a blocking net.Conn into a non-blocking framing.Channel.
// A reader goroutine buffers incoming bytes and a writer goroutine drains
// the outbound buffer; both signal readiness changes through notify.
type ConnChannel struct {
	conn   net.Conn
	notify func()

	mu       sync.Mutex
	readCond *sync.Cond
	outCond  *sync.Cond
	in       []byte
	inErr    error
	out      []byte
	outErr   error
	writing  bool
	closed   bool
	inHigh   int
	outCap   int
}

// NewConnChannel wraps conn. notify is called, from the pump goroutines,
// every time the channel's readiness may have changed.
func NewConnChannel(conn net.Conn, notify func()) *ConnChannel {
	c := &ConnChannel{
		conn:   conn,
		notify: notify,
		inHigh: defaultInboundHW,
		outCap: defaultOutCap,
	}
	c.readCond = sync.NewCond(&c.mu)
	c.outCond = sync.NewCond(&c.mu)
	go c.readLoop()
	go c.writeLoop()
	return c
}

// RemoteAddr returns the peer address.
func (c *ConnChannel) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *ConnChannel) signal() {
	if c.notify != nil {
		c.notify()
	}
}

func (c *ConnChannel) readLoop() {
	buf := make([]byte, readChunk)
	for {
		c.mu.Lock()
		for len(c.in) >= c.inHigh && !c.closed {
			c.readCond.Wait()
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		n, err := c.conn.Read(buf)

		c.mu.Lock()
		if n > 0 {
			c.in = append(c.in, buf[:n]...)
		}
		if err != nil && c.inErr == nil {
			c.inErr = err
		}
		c.mu.Unlock()
		c.signal()
		if err != nil {
			return
		}
	}
}

func (c *ConnChannel) writeLoop() {
	for {
		c.mu.Lock()
		for len(c.out) == 0 && !c.closed {
			c.outCond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		data := c.out
		c.out = nil
		c.writing = true
		c.mu.Unlock()

		_, err := c.conn.Write(data)

		c.mu.Lock()
		c.writing = false
		if err != nil && c.outErr == nil {
			c.outErr = err
		}
		c.outCond.Broadcast()
		c.mu.Unlock()
		c.signal()
		if err != nil {
			return
		}
	}
}

// Read implements framing.Channel.
func (c *ConnChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.in) == 0 {
		if c.closed {
			return 0, errChannelClosed
		}
		if c.inErr != nil {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(p, c.in)
	c.in = c.in[n:]
	if len(c.in) == 0 {
		c.in = nil
	}
	c.readCond.Signal()
	return n, nil
}

// Write implements framing.Channel.
func (c *ConnChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, errChannelClosed
	}
	if c.outErr != nil {
		return 0, c.outErr
	}
	room := c.outCap - len(c.out)
	if room <= 0 {
		return 0, nil
	}
	n := min(room, len(p))
	c.out = append(c.out, p[:n]...)
	c.outCond.Signal()
	return n, nil
}

// Ready returns the readiness currently available on the channel.
func (c *ConnChannel) Ready() Interest {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ready Interest
	if len(c.in) > 0 || c.inErr != nil || c.closed {
		ready |= InterestRead
	}
	if len(c.out) < c.outCap || c.outErr != nil || c.closed {
		ready |= InterestWrite
	}
	return ready
}

// PeerClosed reports whether the peer closed the stream and every received
// byte has been consumed.
func (c *ConnChannel) PeerClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inErr != nil && len(c.in) == 0
}

// Flushed reports whether every written byte has been handed to the socket.
func (c *ConnChannel) Flushed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.out) == 0 && !c.writing
}

// Close releases the socket and stops the pumps.
func (c *ConnChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.readCond.Broadcast()
	c.outCond.Broadcast()
	c.mu.Unlock()
	return c.conn.Close()
}
