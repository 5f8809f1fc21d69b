package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of a frame length prefix and of a composite count.
	HeaderSize = 4

	// MaxFrameSize bounds the payload length accepted from a peer.
	MaxFrameSize = 64 << 20

	// MaxCompositeCount bounds the number of sub-frames in a composite frame.
	MaxCompositeCount = 1 << 16
)

var (
	// ErrPeerClosed signals that the remote end closed the stream, possibly
	// in the middle of a frame. A read that merely finds no data is not an
	// error.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrFrameTooLarge is a protocol violation: the announced length or count
	// exceeds the configured maximum.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Channel is a non-blocking byte stream. Read returns 0, nil when no bytes
// are available yet and io.EOF once the peer closed and every buffered byte
// was consumed. Write returns 0, nil when the channel cannot accept more
// bytes right now.
type Channel interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Frame is an outgoing frame that can be written incrementally.
type Frame interface {
	Write(ch Channel) (bool, error)
}

// Encode returns the length-prefixed form of payload.
func Encode(payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}

// EncodeComposite returns a count-prefixed sequence of standard frames.
func EncodeComposite(frames [][]byte) []byte {
	size := HeaderSize
	for _, f := range frames {
		size += HeaderSize + len(f)
	}
	out := make([]byte, HeaderSize, size)
	binary.BigEndian.PutUint32(out, uint32(len(frames)))
	for _, f := range frames {
		out = append(out, Encode(f)...)
	}
	return out
}

// readHeader advances a 4-byte header. It reports completion.
func readHeader(ch Channel, buf *[HeaderSize]byte, n *int) (bool, error) {
	for *n < HeaderSize {
		read, err := ch.Read(buf[*n:])
		*n += read
		if err != nil {
			return false, translate(err)
		}
		if read == 0 {
			return false, nil
		}
	}
	return true, nil
}

// writeBuffer advances a pending write. It reports completion.
func writeBuffer(ch Channel, buf []byte, off *int) (bool, error) {
	for *off < len(buf) {
		n, err := ch.Write(buf[*off:])
		*off += n
		if err != nil {
			return false, translate(err)
		}
		if n == 0 {
			return false, nil
		}
	}
	return true, nil
}

func translate(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return ErrPeerClosed
	}
	return err
}

// WriteFrame writes one length-prefixed frame to a blocking writer.
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := w.Write(Encode(payload)); err != nil {
		return translate(err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from a blocking reader.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, translate(err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, translate(err)
	}
	return payload, nil
}

// WriteComposite writes one composite frame to a blocking writer.
func WriteComposite(w io.Writer, frames [][]byte) error {
	if _, err := w.Write(EncodeComposite(frames)); err != nil {
		return translate(err)
	}
	return nil
}

// ReadComposite reads one composite frame from a blocking reader.
func ReadComposite(r io.Reader) ([][]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, translate(err)
	}
	count := binary.BigEndian.Uint32(header[:])
	if count > MaxCompositeCount {
		return nil, fmt.Errorf("%w: %d sub-frames", ErrFrameTooLarge, count)
	}
	frames := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		f, err := ReadFrame(r)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}
