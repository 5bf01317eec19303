package proc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chunkRecorder struct {
	streams []string
	chunks  [][]byte
}

func (r *chunkRecorder) record(stream string, chunk []byte) {
	r.streams = append(r.streams, stream)
	r.chunks = append(r.chunks, append([]byte(nil), chunk...))
}

func TestSink_Write(t *testing.T) {
	t.Run("buffers output in arrival order", func(t *testing.T) {
		s := NewSink(64, nil)

		s.Write(StreamStdout, []byte("one\n"))
		s.Write(StreamStderr, []byte("two\n"))
		s.Write(StreamStdout, []byte("three\n"))

		assert.Equal(t, "one\ntwo\nthree\n", s.String())
		assert.False(t, s.Truncated())
	})

	t.Run("caps the buffer and appends a truncation marker", func(t *testing.T) {
		s := NewSink(10, nil)

		s.Write(StreamStdout, []byte("0123456789abc"))

		assert.Equal(t, "0123456789"+TruncationMarker, s.String())
		assert.True(t, s.Truncated())

		// Capture has stopped; later writes change nothing.
		s.Write(StreamStdout, []byte("more"))
		assert.Equal(t, "0123456789"+TruncationMarker, s.String())
	})

	t.Run("marks truncation only past the cap", func(t *testing.T) {
		s := NewSink(4, nil)

		s.Write(StreamStdout, []byte("abcd"))
		assert.False(t, s.Truncated())
		assert.Equal(t, "abcd", s.String())

		s.Write(StreamStdout, []byte("e"))
		assert.True(t, s.Truncated())
		assert.Equal(t, "abcd"+TruncationMarker, s.String())
	})

	t.Run("keeps forwarding after truncation", func(t *testing.T) {
		rec := &chunkRecorder{}
		s := NewSink(5, rec.record)

		s.Write(StreamStdout, []byte("aaaa"))
		s.Write(StreamStdout, []byte("bbbb"))
		s.Write(StreamStderr, []byte("cccc"))

		require.Len(t, rec.chunks, 3)
		assert.Equal(t, []string{StreamStdout, StreamStdout, StreamStderr}, rec.streams)
		assert.Equal(t, []byte("cccc"), rec.chunks[2])
		assert.Equal(t, "aaaab"+TruncationMarker, s.String())
	})

	t.Run("skips empty chunks", func(t *testing.T) {
		rec := &chunkRecorder{}
		s := NewSink(16, rec.record)

		s.Write(StreamStdout, nil)
		s.Write(StreamStdout, []byte{})

		assert.Empty(t, rec.chunks)
		assert.Empty(t, s.String())
	})

	t.Run("defaults the cap when unset", func(t *testing.T) {
		s := NewSink(0, nil)

		s.Write(StreamStdout, bytes.Repeat([]byte("x"), DefaultMaxOutputBytes+1))

		assert.True(t, s.Truncated())
		assert.Len(t, s.String(), DefaultMaxOutputBytes+len(TruncationMarker))
	})
}

func TestSink_StreamWriter(t *testing.T) {
	rec := &chunkRecorder{}
	s := NewSink(64, rec.record)

	w := s.StreamWriter(StreamStderr)
	n, err := w.Write([]byte("oops"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.Len(t, rec.streams, 1)
	assert.Equal(t, StreamStderr, rec.streams[0])
	assert.Equal(t, "oops", s.String())
}
