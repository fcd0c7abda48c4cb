// Package speech holds the spoken-language clients: transcription, voice
// emotion, and synthesis.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bridge-voice-lab/internal/audio"
	"github.com/bridge-voice-lab/internal/logging"
)

const (
	// MinUtteranceBytes is 0.8s of PCM16 at 16kHz. Shorter clips are almost
	// always breath or keyboard noise and only waste an STT round trip.
	MinUtteranceBytes = 25600
	// MinMeanVolume rejects clips whose average absolute amplitude is too low
	// to carry speech.
	MinMeanVolume = 50.0
)

// STTClient wraps raw PCM16LE into a WAV and posts it to the transcription
// service. Utterances that fail the quality gates transcribe to "".
type STTClient struct {
	url        string
	sampleRate int
	client     *http.Client
	timeoutMs  int
	attempts   int
}

func NewSTTClient(url string, sampleRate, timeoutMs, attempts int) *STTClient {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if timeoutMs <= 0 {
		timeoutMs = 15000
	}
	if attempts <= 0 {
		attempts = 3
	}
	return &STTClient{
		url:        url,
		sampleRate: sampleRate,
		client:     &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		timeoutMs:  timeoutMs,
		attempts:   attempts,
	}
}

// Transcribe returns the transcript text, or "" when the clip is too short,
// too quiet, or produced no words.
func (c *STTClient) Transcribe(ctx context.Context, pcm []byte, correlationID string) (string, error) {
	if c.url == "" {
		return "", fmt.Errorf("stt url not configured")
	}
	if len(pcm) < MinUtteranceBytes {
		logging.Debugw("stt: clip too short, skipping", "bytes", len(pcm), "correlation_id", correlationID)
		return "", nil
	}
	if vol := audio.MeanVolume(pcm); vol < MinMeanVolume {
		logging.Debugw("stt: clip too quiet, skipping", "mean_volume", vol, "correlation_id", correlationID)
		return "", nil
	}

	wav := audio.BuildWAV(pcm, c.sampleRate, 1, 16)

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(c.timeoutMs)*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, "POST", c.url, bytes.NewReader(wav))
		if err != nil {
			cancel()
			return "", err
		}
		req.Header.Set("Content-Type", "audio/wav")
		if correlationID != "" {
			req.Header.Set("X-Correlation-ID", correlationID)
		}

		sendTs := time.Now()
		resp, err := c.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
			logging.Warnw("stt: request failed", "attempt", attempt, "err", err, "correlation_id", correlationID)
			time.Sleep(time.Duration(1<<attempt) * time.Second)
			continue
		}
		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("stt server status=%d", resp.StatusCode)
			logging.Warnw("stt: server error", "status", resp.StatusCode, "attempt", attempt, "correlation_id", correlationID)
			time.Sleep(time.Duration(1<<attempt) * time.Second)
			continue
		}

		var out struct {
			Text string `json:"text"`
		}
		derr := json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if derr != nil {
			return "", derr
		}
		transcript := strings.TrimSpace(out.Text)
		logging.Infow("stt: transcript received",
			"correlation_id", correlationID,
			"bytes", len(pcm),
			"duration_ms", audio.Duration(len(pcm), c.sampleRate).Milliseconds(),
			"latency_ms", time.Since(sendTs).Milliseconds(),
			"chars", len(transcript))
		return transcript, nil
	}
	return "", lastErr
}
