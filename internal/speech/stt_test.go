package speech

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loudPCM builds n samples of alternating +/-amp PCM16LE.
func loudPCM(n int, amp int16) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func TestTranscribeSkipsShortClips(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := NewSTTClient(srv.URL, 16000, 0, 0)
	text, err := c.Transcribe(context.Background(), loudPCM(1000, 3000), "cid")
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.False(t, called, "short clips must not hit the service")
}

func TestTranscribeSkipsQuietClips(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := NewSTTClient(srv.URL, 16000, 0, 0)
	// Long enough but nearly silent.
	text, err := c.Transcribe(context.Background(), loudPCM(20000, 5), "cid")
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.False(t, called, "quiet clips must not hit the service")
}

func TestTranscribeReturnsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "audio/wav", r.Header.Get("Content-Type"))
		assert.Equal(t, "cid-1", r.Header.Get("X-Correlation-ID"))
		w.Write([]byte(`{"text":"  hello there  "}`))
	}))
	defer srv.Close()

	c := NewSTTClient(srv.URL, 16000, 0, 1)
	text, err := c.Transcribe(context.Background(), loudPCM(20000, 3000), "cid-1")
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
}

func TestTranscribeRetriesServerErrors(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	c := NewSTTClient(srv.URL, 16000, 0, 3)
	text, err := c.Transcribe(context.Background(), loudPCM(20000, 3000), "")
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, 2, hits)
}

func TestSpeakBestEffort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewTTSClient(srv.URL, "bridge", "", 0, 1)
	data, err := c.Speak(context.Background(), "hi")
	require.NoError(t, err)
	assert.Nil(t, data, "failed synthesis must degrade to text-only")

	// Unconfigured client is a no-op.
	c = NewTTSClient("", "", "", 0, 1)
	data, err = c.Speak(context.Background(), "hi")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestVoiceEmotionDegradesToNeutral(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"emotion":"excited"}`))
	}))
	defer srv.Close()

	c := NewVoiceEmotionClient(srv.URL, 16000, 0)
	assert.Equal(t, "excited", c.Emotion(context.Background(), loudPCM(100, 100)))

	c = NewVoiceEmotionClient("", 16000, 0)
	assert.Equal(t, "neutral", c.Emotion(context.Background(), loudPCM(100, 100)))
}
