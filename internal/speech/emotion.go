package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/bridge-voice-lab/internal/audio"
	"github.com/bridge-voice-lab/internal/logging"
)

// VoiceEmotionClient classifies the speaker's tone from an utterance. Like the
// facial classifier it is advisory and degrades to "neutral".
type VoiceEmotionClient struct {
	url        string
	sampleRate int
	client     *http.Client
}

func NewVoiceEmotionClient(url string, sampleRate, timeoutMs int) *VoiceEmotionClient {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	return &VoiceEmotionClient{
		url:        url,
		sampleRate: sampleRate,
		client:     &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
	}
}

func (c *VoiceEmotionClient) Emotion(ctx context.Context, pcm []byte) string {
	if c.url == "" || len(pcm) == 0 {
		return "neutral"
	}
	wav := audio.BuildWAV(pcm, c.sampleRate, 1, 16)
	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(wav))
	if err != nil {
		return "neutral"
	}
	req.Header.Set("Content-Type", "audio/wav")
	resp, err := c.client.Do(req)
	if err != nil {
		logging.Debugw("voice emotion: request failed", "err", err)
		return "neutral"
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "neutral"
	}
	var out struct {
		Emotion string `json:"emotion"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Emotion == "" {
		return "neutral"
	}
	return out.Emotion
}
