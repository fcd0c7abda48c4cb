// Package session runs one client connection: the command handler, the face
// loop, and the voice loop share a single Session.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/bridge-voice-lab/internal/audio"
	"github.com/bridge-voice-lab/internal/logging"
	"github.com/bridge-voice-lab/internal/presence"
	"github.com/bridge-voice-lab/internal/store"
	"github.com/bridge-voice-lab/llm"
)

// frameQueueCap bounds buffered camera frames. When it is full the producer
// waits, so a fast camera is delayed rather than having frames dropped.
const frameQueueCap = 2

// FrameSizeThreshold splits binary payloads: larger is a JPEG camera frame,
// smaller is a microphone audio chunk.
const FrameSizeThreshold = 5000

// Playback pacing: the client plays synthesized audio at roughly this much
// wall time per character of text.
const (
	playbackPerChar = 50 * time.Millisecond
	greetingPerChar = 80 * time.Millisecond
	greetingPad     = 500 * time.Millisecond
)

// Conn is the connection surface a session writes to.
type Conn interface {
	Send(v interface{}) error
	SendBinary(data []byte) error
}

// Store is the persistence slice the session uses.
type Store interface {
	CreateUser(ctx context.Context, u *store.User) (int64, error)
	UpdateLastLogin(ctx context.Context, userID int64) error
	CreateConversation(ctx context.Context, userID int64, title string) (int64, error)
	Conversations(ctx context.Context, userID int64, limit int) ([]*store.Conversation, error)
	ConversationByID(ctx context.Context, id int64) (*store.Conversation, error)
	AddMessage(ctx context.Context, conversationID int64, role, content string, userEmotion *string) error
	Messages(ctx context.Context, conversationID int64) ([]*store.Message, error)
	UpdateConversationTitle(ctx context.Context, conversationID int64, title string) error
	CreateReminder(ctx context.Context, userID int64, title, description string, at time.Time) (int64, error)
	Reminders(ctx context.Context, userID int64, includeCompleted bool) ([]*store.Reminder, error)
	MissedReminders(ctx context.Context, userID int64) ([]*store.Reminder, error)
	CompleteReminder(ctx context.Context, reminderID int64) error
	DeleteReminder(ctx context.Context, reminderID int64) error
}

type Recognizer interface {
	Recognize(ctx context.Context, embedding []float64) (*store.User, float64, error)
}

type Embedder interface {
	Embed(ctx context.Context, jpeg []byte) ([]float64, error)
}

type FaceEmotionClassifier interface {
	Emotion(ctx context.Context, jpeg []byte) string
}

type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, correlationID string) (string, error)
}

type VoiceEmotionClassifier interface {
	Emotion(ctx context.Context, pcm []byte) string
}

type ReplyGenerator interface {
	Reply(ctx context.Context, userText, userEmotion, userName string, history []llm.Message) (string, error)
	GenerateTitle(ctx context.Context, messages []llm.Message) string
}

type Synthesizer interface {
	Speak(ctx context.Context, text string) ([]byte, error)
}

// Listener blocks until one utterance is available. A (nil, nil) result means
// the microphone is gated and the caller should loop.
type Listener interface {
	Listen(ctx context.Context) ([]byte, error)
}

// Config wires one session's collaborators.
type Config struct {
	Conn        Conn
	Store       Store
	Recognizer  Recognizer
	Embedder    Embedder
	FaceEmotion FaceEmotionClassifier
	Transcriber Transcriber
	VoiceEmo    VoiceEmotionClassifier
	LLM         ReplyGenerator
	TTS         Synthesizer
	Presence    *presence.Registry
	Listener    Listener
	Gate        *audio.Gate
	Mic         *audio.StreamSource
	// Decoder converts opus mic packets to PCM. Nil means the client sends
	// raw PCM16.
	Decoder *audio.OpusDecoder

	AvatarDir string
	// FaceInterval throttles the face loop.
	FaceInterval time.Duration
}

// Session is the per-connection state shared by the three loops.
type Session struct {
	cfg Config

	mu                     sync.Mutex
	userID                 int64
	username               string
	fullName               string
	conversationID         int64
	userChecked            bool
	faceGreeted            bool
	isProcessing           bool
	registrationPromptSent bool
	manualMute             bool
	faceEmotion            string
	lastFrame              []byte

	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// sleep is swappable for tests.
	sleep func(time.Duration)
}

func New(cfg Config) *Session {
	if cfg.FaceInterval <= 0 {
		cfg.FaceInterval = 500 * time.Millisecond
	}
	return &Session{
		cfg:         cfg,
		faceEmotion: "neutral",
		frames:      make(chan []byte, frameQueueCap),
		done:        make(chan struct{}),
		sleep:       time.Sleep,
	}
}

// Run starts the face and voice loops and blocks until both exit. Commands
// arrive via HandleCommand/HandleBinary on the connection's read goroutine.
func (s *Session) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.faceLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.voiceLoop(ctx)
	}()
	wg.Wait()
}

// HandleBinary routes a binary websocket payload: large frames are camera
// JPEGs, small ones are microphone audio.
func (s *Session) HandleBinary(data []byte) {
	if len(data) > FrameSizeThreshold {
		s.pushFrame(data)
		return
	}
	pcm := data
	if s.cfg.Decoder != nil {
		decoded, err := s.cfg.Decoder.Decode(data)
		if err != nil {
			logging.Debugw("session: opus decode failed", "bytes", len(data), "err", err)
			return
		}
		pcm = decoded
	}
	if s.cfg.Mic != nil {
		s.cfg.Mic.Push(pcm)
	}
}

// pushFrame enqueues one camera frame. When the queue is full the reader
// blocks until the face loop catches up: frames are delayed, never dropped or
// duplicated. Close unblocks a stuck push during teardown.
func (s *Session) pushFrame(frame []byte) {
	s.mu.Lock()
	s.lastFrame = frame
	s.mu.Unlock()
	select {
	case s.frames <- frame:
	case <-s.done:
	}
}

// Close tears the session down: the mic source stops feeding the voice loop
// and presence forgets the user.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		uid := s.userID
		s.mu.Unlock()
		if uid != 0 && s.cfg.Presence != nil {
			if sender, ok := s.cfg.Conn.(presence.Sender); ok {
				s.cfg.Presence.Remove(uid, sender)
			}
		}
		if s.cfg.Mic != nil {
			s.cfg.Mic.Close()
		}
		logging.Infow("session: closed", "user_id", uid)
	})
}

func (s *Session) setProcessing(v bool) {
	s.mu.Lock()
	s.isProcessing = v
	s.mu.Unlock()
}

func (s *Session) processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isProcessing
}

func (s *Session) loggedIn() (int64, string, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.fullName, s.conversationID, s.userChecked && s.userID != 0
}

// readyForVoice reports whether voice turns may run: someone is logged in and
// their greeting has finished playing.
func (s *Session) readyForVoice() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userChecked && s.userID != 0 && s.faceGreeted
}

func (s *Session) send(v interface{}) {
	if err := s.cfg.Conn.Send(v); err != nil {
		logging.Debugw("session: send failed", "err", err)
	}
}

func (s *Session) sendLog(msg string) {
	s.send(map[string]interface{}{"type": "log", "content": msg})
}
