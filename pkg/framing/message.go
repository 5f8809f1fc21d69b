package framing

import (
	"encoding/binary"
	"fmt"
)

// Message is a reusable, resumable single frame. The same value is used for
// reading and writing; Reset prepares it for the next message.
type Message struct {
	header  [HeaderSize]byte
	headerN int
	payload []byte
	readN   int
	length  int
	done    bool

	out    []byte
	outOff int
}

// NewMessage returns a message ready to be written.
func NewMessage(payload []byte) *Message {
	m := &Message{}
	m.SetPayload(payload)
	return m
}

// SetPayload prepares the message to write payload.
func (m *Message) SetPayload(payload []byte) {
	m.Reset()
	m.payload = payload
	m.out = Encode(payload)
}

// Read advances a partially received frame using only the bytes currently
// available on ch. It returns true once the whole frame arrived.
func (m *Message) Read(ch Channel) (bool, error) {
	if m.done {
		return true, nil
	}
	if m.headerN < HeaderSize {
		ok, err := readHeader(ch, &m.header, &m.headerN)
		if !ok || err != nil {
			return false, err
		}
		length := binary.BigEndian.Uint32(m.header[:])
		if length > MaxFrameSize {
			return false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
		}
		m.length = int(length)
		m.payload = make([]byte, m.length)
	}
	for m.readN < m.length {
		n, err := ch.Read(m.payload[m.readN:])
		m.readN += n
		if err != nil {
			return false, translate(err)
		}
		if n == 0 {
			return false, nil
		}
	}
	m.done = true
	return true, nil
}

// Write sends as much of the frame as ch accepts. It returns true once the
// whole frame has been handed to the channel.
func (m *Message) Write(ch Channel) (bool, error) {
	return writeBuffer(ch, m.out, &m.outOff)
}

// Complete reports whether a full frame has been read.
func (m *Message) Complete() bool {
	return m.done
}

// Payload returns the frame payload.
func (m *Message) Payload() []byte {
	return m.payload
}

// Take returns the payload of a completely read frame and resets the message
// for the next one.
func (m *Message) Take() []byte {
	p := m.payload
	m.Reset()
	return p
}

// Reset clears all read and write progress.
func (m *Message) Reset() {
	*m = Message{}
}
