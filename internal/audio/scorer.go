package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/bridge-voice-lab/internal/logging"
)

// Scorer assigns a speech probability in [0,1] to one PCM chunk. The
// endpointer compares it against its configured threshold.
type Scorer interface {
	Score(ctx context.Context, pcm []byte) (float64, error)
}

// EnergyScorer maps chunk RMS energy to a pseudo-probability. It is the
// fallback when no VAD model service is configured: a chunk at exactly the
// RMS threshold scores 0.5, louder chunks score higher.
type EnergyScorer struct {
	// RMSThreshold is the int16 RMS level considered "speech".
	RMSThreshold int
}

func NewEnergyScorer(rmsThreshold int) *EnergyScorer {
	if rmsThreshold <= 0 {
		rmsThreshold = 500
	}
	return &EnergyScorer{RMSThreshold: rmsThreshold}
}

func (e *EnergyScorer) Score(_ context.Context, pcm []byte) (float64, error) {
	rms := RMS(pcm)
	p := rms / float64(e.RMSThreshold) * 0.5
	if p > 1 {
		p = 1
	}
	return p, nil
}

// RMS computes the root-mean-square level of PCM16LE samples.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sumSq int64
	for i := 0; i < n; i++ {
		v := int64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sumSq += v * v
	}
	return math.Sqrt(float64(sumSq / int64(n)))
}

// MeanVolume is the mean absolute sample amplitude, used to drop near-silent
// utterances before transcription.
func MeanVolume(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < n; i++ {
		v := int64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return float64(sum) / float64(n)
}

// HTTPScorer posts raw PCM chunks to an external VAD model service and reads
// back {"probability": 0.87}.
type HTTPScorer struct {
	URL    string
	Client *http.Client
}

func NewHTTPScorer(url string) *HTTPScorer {
	return &HTTPScorer{
		URL:    url,
		Client: &http.Client{Timeout: 2 * time.Second},
	}
}

func (h *HTTPScorer) Score(ctx context.Context, pcm []byte) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", h.URL, bytes.NewReader(pcm))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := h.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("vad service returned status %d", resp.StatusCode)
	}
	var out struct {
		Probability float64 `json:"probability"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		logging.Debugw("vad: failed to decode response", "err", err)
		return 0, err
	}
	return out.Probability, nil
}
