// Package llm talks to the chat completion worker that backs the assistant's
// replies and conversation titles.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bridge-voice-lab/internal/logging"
)

// systemPrompt sets the assistant's register: short, casual, upbeat.
const systemPrompt = `You are Bridge, a cheerful and playful AI buddy who loves to chat!

PERSONALITY:
- Fun, witty, and a bit cheeky (but never rude)
- Use casual language like you're texting a friend
- Throw in light humor, wordplay, or funny observations
- Be enthusiastic and energetic!
- Use expressions like "haha", "lol", "oh man", "dude", "honestly"

CRITICAL RULES:
- Respond ONLY in English
- Keep it SHORT (1-2 sentences max)
- Be helpful despite the playful tone
- If user seems sad/stressed, be supportive but still uplifting
- NEVER be mean or sarcastic in a hurtful way`

// emotionHints steers the tone per detected user emotion.
var emotionHints = map[string]string{
	"happy":    "They're in a good mood - match that energy!",
	"sad":      "They seem down - be supportive but keep it light",
	"angry":    "They're frustrated - acknowledge it but help them chill",
	"stressed": "They're stressed - be encouraging and uplifting",
	"neutral":  "Normal vibes - just be your fun self",
	"fear":     "They're worried - reassure them with some humor",
	"surprise": "They're surprised - play along with the energy!",
}

// Apology strings stand in for a reply when the worker is unreachable, so the
// user always hears something.
const (
	apologyConnect = "Sorry, I'm having trouble connecting. Please try again."
	apologyTimeout = "Sorry, the response took too long. Please try again."
	apologyWarmup  = "I'm waking up, please try again in a moment."
)

const DefaultTitle = "New Chat"

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

// Message is one turn of conversation context in worker wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Client struct {
	WorkerURL string
	APIKey    string
	HTTP      *http.Client
	// HistoryTurns caps how many prior turns ride along with each request.
	HistoryTurns int
}

func NewClient(workerURL, apiKey string) *Client {
	if workerURL != "" && !strings.HasPrefix(workerURL, "http") {
		workerURL = "https://" + workerURL
	}
	return &Client{
		WorkerURL:    workerURL,
		APIKey:       apiKey,
		HTTP:         &http.Client{Timeout: 10 * time.Second},
		HistoryTurns: 2,
	}
}

// Reply generates the assistant's answer to userText. Worker failures never
// propagate as errors: the user gets an apology line instead and the turn
// completes normally.
func (c *Client) Reply(ctx context.Context, userText, userEmotion, userName string, history []Message) (string, error) {
	system := systemPrompt
	if userEmotion != "" || userName != "" {
		system += "\n\nCURRENT VIBE CHECK:\n"
		if userName != "" {
			system += fmt.Sprintf("- Chatting with: %s (use their name casually!)\n", userName)
		}
		if userEmotion != "" {
			hint, ok := emotionHints[userEmotion]
			if !ok {
				hint = "Just be yourself!"
			}
			system += fmt.Sprintf("- User emotion: %s (%s)\n", userEmotion, hint)
		}
	}

	if c.HistoryTurns > 0 && len(history) > c.HistoryTurns {
		history = history[len(history)-c.HistoryTurns:]
	}
	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: "system", Content: system})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: userText})

	start := time.Now()
	reply, err := c.complete(ctx, messages, 40, 0.7)
	if err != nil {
		logging.Warnw("llm: reply failed", "err", err)
		if errors.Is(err, context.DeadlineExceeded) {
			return apologyTimeout, nil
		}
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusServiceUnavailable {
			return apologyWarmup, nil
		}
		return apologyConnect, nil
	}
	logging.Infow("llm: reply generated", "latency_ms", time.Since(start).Milliseconds(), "chars", len(reply))
	return reply, nil
}

// GenerateTitle condenses the opening of a conversation into a 3-5 word
// title. Any failure yields DefaultTitle so callers can retry on a later
// turn.
func (c *Client) GenerateTitle(ctx context.Context, messages []Message) string {
	sample := messages
	if len(sample) > 4 {
		sample = sample[:4]
	}
	var b strings.Builder
	for _, m := range sample {
		content := m.Content
		if len(content) > 100 {
			content = content[:100]
		}
		fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(m.Role), content)
	}

	prompt := fmt.Sprintf("Based on this conversation, create a SHORT title (3-5 words max):\n\n%s\nTitle (3-5 words, no quotes):", b.String())
	title, err := c.complete(ctx, []Message{
		{Role: "system", Content: "You create short, catchy conversation titles. Respond with ONLY the title, no quotes or extra text."},
		{Role: "user", Content: prompt},
	}, 15, 0.7)
	if err != nil {
		logging.Warnw("llm: title generation failed", "err", err)
		return DefaultTitle
	}
	title = strings.Trim(strings.TrimSpace(title), `"'`)
	if title == "" {
		return DefaultTitle
	}
	if len(title) > 50 {
		title = title[:50] + "..."
	}
	logging.Infow("llm: generated title", "title", title)
	return title
}

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("worker status %d", e.code) }

func (c *Client) complete(ctx context.Context, messages []Message, maxTokens int, temperature float64) (string, error) {
	if c.WorkerURL == "" {
		return "", fmt.Errorf("%w: worker url not configured", ErrPermanent)
	}
	payload, err := json.Marshal(map[string]interface{}{
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": temperature,
		"top_p":       0.9,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.WorkerURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: %w", ErrTransient, &statusError{code: resp.StatusCode})
		}
		return "", fmt.Errorf("%w: %w", ErrPermanent, &statusError{code: resp.StatusCode})
	}

	// The worker answers in one of a few shapes depending on the backing
	// model: {"response": ...}, {"result": {"response": ...}}, or OpenAI
	// chat-completions.
	var out struct {
		Response string `json:"response"`
		Result   struct {
			Response string `json:"response"`
		} `json:"result"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode error: %v", ErrTransient, err)
	}
	switch {
	case out.Response != "":
		return strings.TrimSpace(out.Response), nil
	case out.Result.Response != "":
		return strings.TrimSpace(out.Result.Response), nil
	case len(out.Choices) > 0:
		return strings.TrimSpace(out.Choices[0].Message.Content), nil
	}
	return "", fmt.Errorf("%w: empty completion", ErrTransient)
}
