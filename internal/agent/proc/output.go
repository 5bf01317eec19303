package proc

import (
	"io"
	"sync"
)

// Stream labels for captured output.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// DefaultMaxOutputBytes caps captured output when the job sets no limit.
const DefaultMaxOutputBytes = 1 << 20

// TruncationMarker is appended once when the capture cap is reached.
const TruncationMarker = "\n[output truncated]"

// Sink captures a process's combined output up to a byte cap. Once the
// cap is reached the marker is appended and capture stops; forwarding
// to the live stream consumer continues regardless, since the receiver
// keeps its own bounded tail.
type Sink struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
	forward   func(stream string, chunk []byte)
}

// NewSink creates a sink capturing up to maxBytes. A non-nil forward
// receives every chunk as it arrives and must not block.
func NewSink(maxBytes int64, forward func(stream string, chunk []byte)) *Sink {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxOutputBytes
	}
	return &Sink{
		max:     int(maxBytes),
		forward: forward,
	}
}

// Write appends a chunk observed on the given stream.
func (s *Sink) Write(stream string, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if s.forward != nil {
		s.forward(stream, chunk)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.truncated {
		return
	}
	if room := s.max - len(s.buf); room < len(chunk) {
		s.buf = append(s.buf, chunk[:room]...)
		s.buf = append(s.buf, TruncationMarker...)
		s.truncated = true
		return
	}
	s.buf = append(s.buf, chunk...)
}

// String returns the captured output.
func (s *Sink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buf)
}

// Truncated reports whether the capture cap was reached.
func (s *Sink) Truncated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncated
}

// StreamWriter returns an io.Writer feeding the sink's given stream.
func (s *Sink) StreamWriter(stream string) io.Writer {
	return &streamWriter{sink: s, stream: stream}
}

type streamWriter struct {
	sink   *Sink
	stream string
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.sink.Write(w.stream, p)
	return len(p), nil
}
