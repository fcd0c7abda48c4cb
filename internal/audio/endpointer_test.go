package audio

import (
	"context"
	"io"
	"testing"
	"time"
)

// scriptSource plays back a fixed chunk sequence and advances a fake clock by
// one chunk's duration per read, so silence timing is deterministic.
type scriptSource struct {
	chunks  [][]byte
	pos     int
	clock   *time.Time
	perRead time.Duration
	reinits int
	failAt  int // read index that returns an error once; -1 to disable
}

func (s *scriptSource) Read(ctx context.Context) ([]byte, error) {
	if s.failAt >= 0 && s.pos == s.failAt {
		s.failAt = -1
		return nil, io.ErrUnexpectedEOF
	}
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	*s.clock = s.clock.Add(s.perRead)
	return c, nil
}

func (s *scriptSource) Reinit() error {
	s.reinits++
	if s.pos >= len(s.chunks) {
		return io.EOF
	}
	return nil
}

// probScorer scores chunks by their first byte: 0 => silence, 1 => speech.
type probScorer struct{}

func (probScorer) Score(_ context.Context, pcm []byte) (float64, error) {
	if len(pcm) > 0 && pcm[0] == 1 {
		return 0.9, nil
	}
	return 0.1, nil
}

func chunkOf(tag byte, samples int) []byte {
	c := make([]byte, samples*2)
	c[0] = tag
	return c
}

func newTestEndpointer(src Source) (*Endpointer, *Gate) {
	gate := NewGate()
	e := NewEndpointer(DefaultConfig(), src, probScorer{}, gate)
	e.sleep = func(time.Duration) {}
	return e, gate
}

func seq(counts ...int) [][]byte {
	// alternating silence/speech runs starting with silence
	var out [][]byte
	tag := byte(0)
	for _, n := range counts {
		for i := 0; i < n; i++ {
			out = append(out, chunkOf(tag, 512))
		}
		tag ^= 1
	}
	return out
}

// TestListenSegmentsOneUtterance covers the scenario from the endpointing
// contract: 0.5s silence, 1.0s speech, 1.6s silence yields exactly one
// utterance spanning the pre-buffer, the speech, and the trailing silence up
// to the cutoff.
func TestListenSegmentsOneUtterance(t *testing.T) {
	clock := time.Unix(0, 0)
	// 512 samples at 16kHz = 32ms per chunk.
	chunks := seq(16, 32, 50) // ~0.51s silence, ~1.02s speech, ~1.6s silence
	src := &scriptSource{chunks: chunks, clock: &clock, perRead: 32 * time.Millisecond, failAt: -1}
	e, _ := newTestEndpointer(src)
	e.now = func() time.Time { return clock }

	utt, err := e.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if utt == nil {
		t.Fatal("expected an utterance")
	}

	// Pre-buffer holds at most 15 chunks (0.5s); speech is 32 chunks; the
	// trailing silence runs until just past 1.5s (~47-48 chunks).
	gotChunks := len(utt) / 1024
	if gotChunks < 15+32+46 || gotChunks > 15+32+50 {
		t.Fatalf("utterance spans %d chunks, want ~93-97", gotChunks)
	}
}

func TestListenForcedCutoff(t *testing.T) {
	clock := time.Unix(0, 0)
	// Continuous speech far beyond the 30s cap: 1000 chunks = 32s.
	var chunks [][]byte
	for i := 0; i < 1000; i++ {
		chunks = append(chunks, chunkOf(1, 512))
	}
	src := &scriptSource{chunks: chunks, clock: &clock, perRead: 32 * time.Millisecond, failAt: -1}
	e, _ := newTestEndpointer(src)
	e.now = func() time.Time { return clock }

	utt, err := e.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	// Cut just past 30s => ~938 chunks consumed.
	gotChunks := len(utt) / 1024
	if gotChunks < 900 || gotChunks > 960 {
		t.Fatalf("forced cutoff after %d chunks, want ~938", gotChunks)
	}
}

// TestListenDiscardsStateOnReadFailure verifies a device error mid-utterance
// reinitializes the source and does not emit a partial utterance.
func TestListenDiscardsStateOnReadFailure(t *testing.T) {
	clock := time.Unix(0, 0)
	// speech, then a read failure at index 10, then a fresh full utterance
	chunks := seq(0, 10) // 10 speech chunks before the failure
	chunks = append(chunks, seq(2, 32, 50)...)
	src := &scriptSource{chunks: chunks, clock: &clock, perRead: 32 * time.Millisecond, failAt: 10}
	e, _ := newTestEndpointer(src)
	e.now = func() time.Time { return clock }

	utt, err := e.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if src.reinits != 1 {
		t.Fatalf("reinits = %d, want 1", src.reinits)
	}
	// The 10 pre-failure speech chunks must not leak into the utterance:
	// expect ~(2 prebuffer + 32 speech + ~47 silence).
	gotChunks := len(utt) / 1024
	if gotChunks > 90 {
		t.Fatalf("utterance spans %d chunks; pre-failure audio leaked", gotChunks)
	}
	if gotChunks < 32 {
		t.Fatalf("utterance spans %d chunks, too short", gotChunks)
	}
}

func TestListenMutedYieldsWithoutConsuming(t *testing.T) {
	clock := time.Unix(0, 0)
	src := &scriptSource{chunks: seq(0, 10), clock: &clock, perRead: 32 * time.Millisecond, failAt: -1}
	e, gate := newTestEndpointer(src)
	e.now = func() time.Time { return clock }

	gate.Mute()
	utt, err := e.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if utt != nil {
		t.Fatal("muted Listen must not return audio")
	}
	if src.pos != 0 {
		t.Fatalf("muted Listen consumed %d chunks", src.pos)
	}
}

func TestGateToggles(t *testing.T) {
	g := NewGate()
	if g.Muted() {
		t.Fatal("gate must start open")
	}
	g.Mute()
	g.Mute()
	if !g.Muted() {
		t.Fatal("gate should be closed")
	}
	g.Unmute()
	if g.Muted() {
		t.Fatal("gate should be open")
	}
}
