package audio

import (
	"context"
	"time"

	"github.com/bridge-voice-lab/internal/logging"
)

// Config holds the endpointing parameters. Defaults match the tuned values
// for long sentences: generous mid-sentence pauses, hard cap on run-on speech.
type Config struct {
	SampleRate      int
	ChunkSamples    int
	SpeechThreshold float64
	// SilenceDuration is how long a trailing pause must last before the
	// utterance is cut.
	SilenceDuration time.Duration
	// MaxSpeechDuration force-cuts an utterance that never goes quiet.
	MaxSpeechDuration time.Duration
	// PreBufferDuration of audio kept from before speech onset so the first
	// word is not clipped.
	PreBufferDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		SampleRate:        16000,
		ChunkSamples:      512,
		SpeechThreshold:   0.5,
		SilenceDuration:   1500 * time.Millisecond,
		MaxSpeechDuration: 30 * time.Second,
		PreBufferDuration: 500 * time.Millisecond,
	}
}

// Endpointer segments a continuous chunk stream into utterances. It is a
// two-state machine (idle / speaking): in idle, sub-threshold chunks roll
// through a fixed-capacity pre-buffer; the first chunk at or above threshold
// starts an utterance seeded with the pre-buffer. In speaking, every chunk is
// kept and the utterance ends on a long enough silence or on the forced
// maximum-duration cutoff.
type Endpointer struct {
	cfg    Config
	src    Source
	scorer Scorer
	gate   *Gate

	preBuffer       [][]byte
	preBufferFrames int

	// now and sleep are swappable for tests.
	now   func() time.Time
	sleep func(time.Duration)
}

func NewEndpointer(cfg Config, src Source, scorer Scorer, gate *Gate) *Endpointer {
	frames := int(float64(cfg.SampleRate) * cfg.PreBufferDuration.Seconds() / float64(cfg.ChunkSamples))
	if frames < 1 {
		frames = 1
	}
	return &Endpointer{
		cfg:             cfg,
		src:             src,
		scorer:          scorer,
		gate:            gate,
		preBufferFrames: frames,
		now:             time.Now,
		sleep:           time.Sleep,
	}
}

// Listen blocks until one complete utterance has been segmented and returns
// its PCM bytes. It returns (nil, nil) when the gate is muted so the caller
// can re-check its own state, and an error only when the context is done or
// the source is closed.
func (e *Endpointer) Listen(ctx context.Context) ([]byte, error) {
	// While muted: consume nothing, yield quickly.
	if e.gate != nil && e.gate.Muted() {
		e.sleep(100 * time.Millisecond)
		return nil, nil
	}

	var frames [][]byte
	var silenceStart time.Time
	var speechStart time.Time
	speaking := false

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.gate != nil && e.gate.Muted() {
			// Muted mid-listen: discard in-flight state and yield.
			e.resetPreBuffer()
			e.sleep(100 * time.Millisecond)
			return nil, nil
		}

		chunk, err := e.src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Device-level failure: reinitialize the input and drop the
			// partial utterance rather than emit corrupt audio.
			logging.Warnw("endpointer: source read failed, reinitializing", "err", err)
			if rerr := e.src.Reinit(); rerr != nil {
				return nil, rerr
			}
			frames = nil
			e.resetPreBuffer()
			speaking = false
			silenceStart = time.Time{}
			e.sleep(500 * time.Millisecond)
			continue
		}

		prob, serr := e.scorer.Score(ctx, chunk)
		if serr != nil {
			// Model hiccup: treat the chunk as silence and move on.
			logging.Debugw("endpointer: score failed", "err", serr)
			prob = 0
		}

		if prob > e.cfg.SpeechThreshold {
			if !speaking {
				speaking = true
				speechStart = e.now()
				frames = append(frames, e.preBuffer...)
				e.resetPreBuffer()
			}
			silenceStart = time.Time{}
			frames = append(frames, chunk)
		} else {
			if speaking {
				// Keep the pause inside the utterance.
				frames = append(frames, chunk)
				if silenceStart.IsZero() {
					silenceStart = e.now()
				}
				if e.now().Sub(silenceStart) > e.cfg.SilenceDuration {
					return join(frames), nil
				}
			} else {
				e.pushPreBuffer(chunk)
			}
		}

		if speaking && !speechStart.IsZero() && e.now().Sub(speechStart) > e.cfg.MaxSpeechDuration {
			logging.Warnw("endpointer: forced cutoff, max speech duration exceeded",
				"max", e.cfg.MaxSpeechDuration)
			return join(frames), nil
		}
	}
}

func (e *Endpointer) pushPreBuffer(chunk []byte) {
	e.preBuffer = append(e.preBuffer, chunk)
	if len(e.preBuffer) > e.preBufferFrames {
		e.preBuffer = e.preBuffer[len(e.preBuffer)-e.preBufferFrames:]
	}
}

func (e *Endpointer) resetPreBuffer() {
	e.preBuffer = e.preBuffer[:0]
}

func join(frames [][]byte) []byte {
	total := 0
	for _, f := range frames {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}
