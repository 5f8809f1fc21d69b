package framing

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubChannel hands out queued bytes and reports nothing available once they
// are consumed, unless closed.
type stubChannel struct {
	in       []byte
	closed   bool
	out      bytes.Buffer
	capacity int
}

func (s *stubChannel) feed(p []byte) {
	s.in = append(s.in, p...)
}

func (s *stubChannel) Read(p []byte) (int, error) {
	if len(s.in) == 0 {
		if s.closed {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(p, s.in)
	s.in = s.in[n:]
	return n, nil
}

func (s *stubChannel) Write(p []byte) (int, error) {
	if s.capacity <= 0 {
		return 0, nil
	}
	n := len(p)
	if n > s.capacity {
		n = s.capacity
	}
	s.capacity -= n
	s.out.Write(p[:n])
	return n, nil
}

func TestMessageReadWhole(t *testing.T) {
	ch := &stubChannel{}
	ch.feed(Encode([]byte("hello")))

	var m Message
	ok, err := m.Read(ch)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("hello"), m.Payload())
}

func TestMessageReadResumable(t *testing.T) {
	frame := Encode([]byte("resumable payload"))
	ch := &stubChannel{}
	var m Message

	for i := 0; i < len(frame)-1; i++ {
		ch.feed(frame[i : i+1])
		ok, err := m.Read(ch)
		require.NoError(t, err)
		require.False(t, ok, "reported complete after %d bytes", i+1)
	}

	ch.feed(frame[len(frame)-1:])
	ok, err := m.Read(ch)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("resumable payload"), m.Take())
	assert.False(t, m.Complete())
}

func TestMessageReuse(t *testing.T) {
	ch := &stubChannel{}
	ch.feed(Encode([]byte("one")))
	ch.feed(Encode([]byte("two")))

	var m Message
	ok, _ := m.Read(ch)
	require.True(t, ok)
	assert.Equal(t, []byte("one"), m.Take())

	ok, _ = m.Read(ch)
	require.True(t, ok)
	assert.Equal(t, []byte("two"), m.Take())
}

func TestMessageEmptyPayload(t *testing.T) {
	ch := &stubChannel{}
	ch.feed(Encode(nil))

	var m Message
	ok, err := m.Read(ch)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, m.Payload())
}

func TestMessagePeerClosed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "closed before header", data: nil},
		{name: "closed inside header", data: []byte{0, 0}},
		{name: "closed inside payload", data: Encode([]byte("truncated"))[:7]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &stubChannel{closed: true}
			ch.feed(tt.data)

			var m Message
			ok, err := m.Read(ch)
			assert.False(t, ok)
			assert.ErrorIs(t, err, ErrPeerClosed)
		})
	}
}

func TestMessageSlowSocketIsNotAnError(t *testing.T) {
	ch := &stubChannel{}
	var m Message

	ok, err := m.Read(ch)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestMessageTooLarge(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header, MaxFrameSize+1)
	ch := &stubChannel{}
	ch.feed(header)

	var m Message
	_, err := m.Read(ch)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestMessageWritePartial(t *testing.T) {
	m := NewMessage([]byte("abcdef"))
	ch := &stubChannel{capacity: 3}

	ok, err := m.Write(ch)
	require.NoError(t, err)
	assert.False(t, ok)

	ch.capacity = 100
	ok, err = m.Write(ch)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Encode([]byte("abcdef")), ch.out.Bytes())
}

func TestCompositeRoundTrip(t *testing.T) {
	frames := [][]byte{[]byte("a"), {}, []byte("ccc")}
	c := NewComposite(frames)
	ch := &stubChannel{capacity: 1 << 10}

	ok, err := c.Write(ch)
	require.NoError(t, err)
	require.True(t, ok)

	in := &stubChannel{}
	in.feed(ch.out.Bytes())
	var r Composite
	ok, err = r.Read(in)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, r.Frames(), 3)
	assert.Equal(t, []byte("ccc"), r.Frames()[2])
}

// TestCompositeSplitAcrossTwoReads covers a batch of three sub-requests whose
// count prefix arrives first and whose body arrives later.
func TestCompositeSplitAcrossTwoReads(t *testing.T) {
	data := EncodeComposite([][]byte{[]byte("first"), []byte("second"), []byte("third")})
	ch := &stubChannel{}
	var c Composite

	ch.feed(data[:HeaderSize])
	ok, err := c.Read(ch)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, c.Complete())

	ch.feed(data[HeaderSize:])
	ok, err = c.Read(ch)
	require.NoError(t, err)
	assert.True(t, ok)

	frames := c.Take()
	require.Len(t, frames, 3)
	assert.Equal(t, "first", string(frames[0]))
	assert.Equal(t, "second", string(frames[1]))
	assert.Equal(t, "third", string(frames[2]))
}

func TestCompositeNeverPartiallyComplete(t *testing.T) {
	data := EncodeComposite([][]byte{[]byte("x"), []byte("yy"), []byte("zzz")})
	ch := &stubChannel{}
	var c Composite

	for i := 0; i < len(data)-1; i++ {
		ch.feed(data[i : i+1])
		ok, err := c.Read(ch)
		require.NoError(t, err)
		require.False(t, ok)
	}
	ch.feed(data[len(data)-1:])
	ok, err := c.Read(ch)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, c.Frames(), 3)
}

func TestBlockingHelpers(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, WriteFrame(&buf, []byte("ping")))
	require.NoError(t, WriteComposite(&buf, [][]byte{[]byte("a"), []byte("b")}))

	p, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), p)

	frames, err := ReadComposite(&buf)
	require.NoError(t, err)
	assert.Len(t, frames, 2)

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, ErrPeerClosed)
}
