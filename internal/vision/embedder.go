// Package vision holds the face pipeline: embedding extraction over HTTP,
// in-process identity matching, and facial emotion classification.
package vision

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

// Embedder extracts a face embedding from a JPEG frame. A frame with no
// detectable face yields (nil, nil).
type Embedder interface {
	Embed(ctx context.Context, jpeg []byte) ([]float64, error)
}

// HTTPEmbedder calls the face model sidecar. The sidecar owns the model; this
// process only compares vectors.
type HTTPEmbedder struct {
	url       string
	client    *http.Client
	timeoutMs int
	attempts  int
}

func NewHTTPEmbedder(url string, timeoutMs, attempts int) *HTTPEmbedder {
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	if attempts <= 0 {
		attempts = 2
	}
	return &HTTPEmbedder{
		url:       url,
		client:    &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		timeoutMs: timeoutMs,
		attempts:  attempts,
	}
}

func (e *HTTPEmbedder) Embed(ctx context.Context, jpeg []byte) ([]float64, error) {
	if e.url == "" {
		return nil, fmt.Errorf("face embed url not configured")
	}
	var lastErr error
	for attempt := 0; attempt < e.attempts; attempt++ {
		emb, err := e.embedOnce(ctx, jpeg)
		if err == nil {
			return emb, nil
		}
		lastErr = err
		logging.Debugw("embedder: request failed", "attempt", attempt, "err", err)
		time.Sleep(time.Duration(200*(1<<attempt)) * time.Millisecond)
	}
	return nil, lastErr
}

func (e *HTTPEmbedder) embedOnce(ctx context.Context, jpeg []byte) ([]float64, error) {
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(e.timeoutMs)*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, "POST", e.url, bytes.NewReader(jpeg))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("embed service status=%d", resp.StatusCode)
	}
	var out struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	// Empty embedding means the frame had no detectable face.
	if len(out.Embedding) == 0 {
		return nil, nil
	}
	return out.Embedding, nil
}
