package audio

import (
	"context"
	"io"

	"github.com/bridge-voice-lab/internal/logging"
)

// Source yields raw PCM16LE chunks for the endpointer. Read blocks until a
// chunk is available or the context is done. Reinit recovers from a read
// failure by discarding any buffered input.
type Source interface {
	Read(ctx context.Context) ([]byte, error)
	Reinit() error
}

// StreamSource adapts chunks pushed from the transport (the client's
// microphone stream) into a Source. Pushes never block: when the buffer is
// full the chunk is dropped, which throttles a client sending faster than
// the pipeline consumes.
type StreamSource struct {
	ch chan []byte
}

func NewStreamSource(buffer int) *StreamSource {
	if buffer <= 0 {
		buffer = 64
	}
	return &StreamSource{ch: make(chan []byte, buffer)}
}

// Push enqueues one PCM chunk. Returns false if the chunk was dropped.
func (s *StreamSource) Push(chunk []byte) bool {
	select {
	case s.ch <- chunk:
		return true
	default:
		logging.Warnw("dropping audio chunk; source buffer full", "bytes", len(chunk))
		return false
	}
}

func (s *StreamSource) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case chunk, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	}
}

// Reinit drains whatever is buffered so the next read starts fresh.
func (s *StreamSource) Reinit() error {
	for {
		select {
		case _, ok := <-s.ch:
			if !ok {
				return io.EOF
			}
		default:
			return nil
		}
	}
}

// Close stops the source; pending reads return io.EOF.
func (s *StreamSource) Close() { close(s.ch) }
