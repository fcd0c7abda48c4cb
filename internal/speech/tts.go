package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bridge-voice-lab/internal/logging"
)

// TTSClient synthesizes speech for assistant replies. Synthesis is
// best-effort: on failure the reply still reaches the client as text, so
// Speak returns (nil, nil) rather than an error for service hiccups.
type TTSClient struct {
	url      string
	voice    string
	apiKey   string
	client   *http.Client
	attempts int
}

func NewTTSClient(url, voice, apiKey string, timeoutMs, attempts int) *TTSClient {
	if timeoutMs <= 0 {
		timeoutMs = 20000
	}
	if attempts <= 0 {
		attempts = 2
	}
	return &TTSClient{
		url:      url,
		voice:    voice,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		attempts: attempts,
	}
}

// Speak returns encoded audio for text, or nil when synthesis is unavailable.
func (c *TTSClient) Speak(ctx context.Context, text string) ([]byte, error) {
	if c.url == "" || text == "" {
		return nil, nil
	}
	payload, err := json.Marshal(map[string]string{
		"text":  text,
		"voice": c.voice,
	})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		req, rerr := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(payload))
		if rerr != nil {
			return nil, rerr
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, derr := c.client.Do(req)
		if derr != nil {
			lastErr = derr
			logging.Warnw("tts: request failed", "attempt", attempt, "err", derr)
			time.Sleep(time.Duration(200*(1<<attempt)) * time.Millisecond)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("tts status=%d", resp.StatusCode)
			logging.Warnw("tts: bad status", "status", resp.StatusCode, "attempt", attempt)
			time.Sleep(time.Duration(200*(1<<attempt)) * time.Millisecond)
			continue
		}
		data, ioerr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if ioerr != nil {
			lastErr = ioerr
			continue
		}
		logging.Debugw("tts: synthesized", "chars", len(text), "audio_bytes", len(data))
		return data, nil
	}
	logging.Warnw("tts: giving up, reply stays text-only", "err", lastErr)
	return nil, nil
}
