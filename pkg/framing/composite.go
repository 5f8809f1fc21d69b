package framing

import (
	"encoding/binary"
	"fmt"
)

// Composite is a batch frame: a count followed by that many standard frames.
// It is used to coalesce independent requests into one round trip and is
// only reported complete once every sub-frame has arrived.
type Composite struct {
	countBuf [HeaderSize]byte
	countN   int
	count    int
	current  Message
	frames   [][]byte
	done     bool

	out    []byte
	outOff int
}

// NewComposite returns a composite frame ready to be written.
func NewComposite(frames [][]byte) *Composite {
	c := &Composite{}
	c.SetFrames(frames)
	return c
}

// SetFrames prepares the composite to write frames.
func (c *Composite) SetFrames(frames [][]byte) {
	c.Reset()
	c.frames = frames
	c.out = EncodeComposite(frames)
}

// Read advances the composite frame with the bytes currently available.
func (c *Composite) Read(ch Channel) (bool, error) {
	if c.done {
		return true, nil
	}
	if c.countN < HeaderSize {
		ok, err := readHeader(ch, &c.countBuf, &c.countN)
		if !ok || err != nil {
			return false, err
		}
		count := binary.BigEndian.Uint32(c.countBuf[:])
		if count > MaxCompositeCount {
			return false, fmt.Errorf("%w: %d sub-frames", ErrFrameTooLarge, count)
		}
		c.count = int(count)
		c.frames = make([][]byte, 0, c.count)
	}
	for len(c.frames) < c.count {
		ok, err := c.current.Read(ch)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		c.frames = append(c.frames, c.current.Take())
	}
	c.done = true
	return true, nil
}

// Write sends as much of the composite frame as ch accepts.
func (c *Composite) Write(ch Channel) (bool, error) {
	return writeBuffer(ch, c.out, &c.outOff)
}

// Complete reports whether every sub-frame has been read.
func (c *Composite) Complete() bool {
	return c.done
}

// Frames returns the sub-frame payloads.
func (c *Composite) Frames() [][]byte {
	return c.frames
}

// Take returns the sub-frames of a completely read composite and resets it.
func (c *Composite) Take() [][]byte {
	f := c.frames
	c.Reset()
	return f
}

// Reset clears all progress.
func (c *Composite) Reset() {
	*c = Composite{}
}
