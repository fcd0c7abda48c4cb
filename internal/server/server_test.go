package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridge-voice-lab/internal/config"
	"github.com/bridge-voice-lab/internal/presence"
	"github.com/bridge-voice-lab/internal/store"
)

type recordingSender struct {
	messages []map[string]interface{}
	binaries [][]byte
}

func (r *recordingSender) Send(v interface{}) error {
	if m, ok := v.(map[string]interface{}); ok {
		r.messages = append(r.messages, m)
	}
	return nil
}

func (r *recordingSender) SendBinary(data []byte) error {
	r.binaries = append(r.binaries, data)
	return nil
}

func TestDeliverReminderToOnlineUser(t *testing.T) {
	tts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("spoken-reminder"))
	}))
	defer tts.Close()

	reg := presence.NewRegistry()
	srv := New(config.Config{TTSURL: tts.URL}, nil, reg)

	sender := &recordingSender{}
	reg.Set(7, sender)

	srv.DeliverReminder(&store.Reminder{
		ID: 1, UserID: 7, Title: "take medicine", ReminderTime: time.Now(),
	})

	require.NotEmpty(t, sender.messages)
	first := sender.messages[0]
	assert.Equal(t, "reminder_notification", first["type"])
	assert.Equal(t, false, first["is_missed"])
	rem, ok := first["reminder"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "take medicine", rem["title"])

	// Spoken delivery follows: audio marker then one binary payload.
	require.Len(t, sender.messages, 2)
	assert.Equal(t, "audio", sender.messages[1]["type"])
	require.Len(t, sender.binaries, 1)
	assert.Equal(t, []byte("spoken-reminder"), sender.binaries[0])
}

func TestDeliverReminderToOfflineUserIsSilent(t *testing.T) {
	reg := presence.NewRegistry()
	srv := New(config.Config{}, nil, reg)

	online := &recordingSender{}
	reg.Set(7, online)

	// Reminder for somebody else entirely: nobody may receive anything.
	srv.DeliverReminder(&store.Reminder{ID: 2, UserID: 8, Title: "call mom", ReminderTime: time.Now()})

	assert.Empty(t, online.messages)
	assert.Empty(t, online.binaries)
}
