package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/bridge-voice-lab/internal/logging"
)

// EmotionClient classifies the dominant facial emotion in a JPEG frame.
// Failures degrade to "neutral" because emotion is advisory, never blocking.
type EmotionClient struct {
	url    string
	client *http.Client
}

func NewEmotionClient(url string, timeoutMs int) *EmotionClient {
	if timeoutMs <= 0 {
		timeoutMs = 3000
	}
	return &EmotionClient{
		url:    url,
		client: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
	}
}

func (c *EmotionClient) Emotion(ctx context.Context, jpeg []byte) string {
	if c.url == "" {
		return "neutral"
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(jpeg))
	if err != nil {
		return "neutral"
	}
	req.Header.Set("Content-Type", "image/jpeg")
	resp, err := c.client.Do(req)
	if err != nil {
		logging.Debugw("emotion: request failed", "err", err)
		return "neutral"
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		logging.Debugw("emotion: bad status", "status", resp.StatusCode)
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
