package audio

import (
	"sync/atomic"

	"github.com/bridge-voice-lab/internal/logging"
)

// Gate is the shared mic mute switch. It starts open. The voice pipeline
// closes it for the span of a turn so the assistant's own playback is not
// captured as input; every path that closes it must reopen it.
type Gate struct {
	muted atomic.Bool
}

func NewGate() *Gate { return &Gate{} }

// Mute closes the gate. Idempotent.
func (g *Gate) Mute() {
	if !g.muted.Swap(true) {
		logging.Debugw("mic gate closed")
	}
}

// Unmute reopens the gate. Idempotent.
func (g *Gate) Unmute() {
	if g.muted.Swap(false) {
		logging.Debugw("mic gate opened")
	}
}

func (g *Gate) Muted() bool { return g.muted.Load() }
