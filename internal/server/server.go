// Package server accepts websocket connections and assembles a session per
// client.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/bridge-voice-lab/internal/audio"
	"github.com/bridge-voice-lab/internal/config"
	"github.com/bridge-voice-lab/internal/logging"
	"github.com/bridge-voice-lab/internal/presence"
	"github.com/bridge-voice-lab/internal/session"
	"github.com/bridge-voice-lab/internal/speech"
	"github.com/bridge-voice-lab/internal/store"
	"github.com/bridge-voice-lab/internal/vision"
	"github.com/bridge-voice-lab/llm"
)

type Server struct {
	cfg      config.Config
	store    *store.Store
	presence *presence.Registry

	llmClient  *llm.Client
	stt        *speech.STTClient
	tts        *speech.TTSClient
	voiceEmo   *speech.VoiceEmotionClient
	embedder   *vision.HTTPEmbedder
	recognizer *vision.Recognizer
	faceEmo    *vision.EmotionClient

	upgrader websocket.Upgrader
}

func New(cfg config.Config, st *store.Store, reg *presence.Registry) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		presence:   reg,
		llmClient:  llm.NewClient(cfg.LLMWorkerURL, cfg.LLMAPIKey),
		stt:        speech.NewSTTClient(cfg.STTURL, cfg.SampleRate, 0, 0),
		tts:        speech.NewTTSClient(cfg.TTSURL, cfg.TTSVoice, cfg.TTSAPIKey, 0, 0),
		voiceEmo:   speech.NewVoiceEmotionClient(cfg.VoiceEmotionURL, cfg.SampleRate, 0),
		embedder:   vision.NewHTTPEmbedder(cfg.FaceEmbedURL, 0, 0),
		recognizer: vision.NewRecognizer(st, 0),
		faceEmo:    vision.NewEmotionClient(cfg.FaceEmotionURL, 0),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Clients are browsers on the local network; origin is not a
			// trust boundary here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.Handle("/uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir("uploads"))))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// serveWS owns one client: it upgrades, builds the audio chain and session,
// and pumps the read loop until the socket dies.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("server: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn := newWSConn(ws)
	defer conn.Close()
	logging.Infow("server: client connected", "remote", r.RemoteAddr)

	mic := audio.NewStreamSource(0)
	gate := audio.NewGate()

	var scorer audio.Scorer
	if s.cfg.VADURL != "" {
		scorer = audio.NewHTTPScorer(s.cfg.VADURL)
	} else {
		scorer = audio.NewEnergyScorer(int(s.cfg.RMSThreshold))
	}

	epCfg := audio.DefaultConfig()
	epCfg.SampleRate = s.cfg.SampleRate
	epCfg.SpeechThreshold = s.cfg.SpeechThreshold
	epCfg.SilenceDuration = s.cfg.SilenceTimeout
	epCfg.MaxSpeechDuration = s.cfg.MaxSpeech
	epCfg.PreBufferDuration = s.cfg.PreBuffer
	endpointer := audio.NewEndpointer(epCfg, mic, scorer, gate)

	var decoder *audio.OpusDecoder
	if s.cfg.AudioCodec == "opus" {
		decoder, err = audio.NewOpusDecoder(s.cfg.SampleRate)
		if err != nil {
			logging.Errorw("server: opus decoder init failed", "err", err)
			return
		}
	}

	sess := session.New(session.Config{
		Conn:        conn,
		Store:       s.store,
		Recognizer:  s.recognizer,
		Embedder:    s.embedder,
		FaceEmotion: s.faceEmo,
		Transcriber: s.stt,
		VoiceEmo:    s.voiceEmo,
		LLM:         s.llmClient,
		TTS:         s.tts,
		Presence:    s.presence,
		Listener:    endpointer,
		Gate:        gate,
		Mic:         mic,
		Decoder:     decoder,
		AvatarDir:   s.cfg.AvatarDir,
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer sess.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run(ctx)
	}()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			logging.Infow("server: client disconnected", "remote", r.RemoteAddr, "err", err)
			break
		}
		switch msgType {
		case websocket.TextMessage:
			sess.HandleCommand(ctx, data)
		case websocket.BinaryMessage:
			sess.HandleBinary(data)
		}
	}

	cancel()
	sess.Close()
	<-done
}

// DeliverReminder routes a due reminder to its owner if they are online and
// speaks it best-effort.
func (s *Server) DeliverReminder(r *store.Reminder) {
	sender, ok := s.presence.Get(r.UserID)
	if !ok {
		logging.Infow("server: reminder owner offline, will surface at next login",
			"reminder_id", r.ID, "user_id", r.UserID)
		return
	}
	err := sender.Send(map[string]interface{}{
		"type":      "reminder_notification",
		"is_missed": false,
		"reminder": map[string]interface{}{
			"id":            r.ID,
			"title":         r.Title,
			"description":   r.Description,
			"reminder_time": r.ReminderTime,
		},
	})
	if err != nil {
		logging.Warnw("server: reminder delivery failed", "reminder_id", r.ID, "err", err)
		return
	}
	logging.Infow("server: reminder delivered", "reminder_id", r.ID, "user_id", r.UserID)

	if bin, ok := sender.(interface{ SendBinary([]byte) error }); ok {
		text := fmt.Sprintf("Hey, quick reminder: %s", r.Title)
		data, err := s.tts.Speak(context.Background(), text)
		if err == nil && data != nil {
			sender.Send(map[string]interface{}{"type": "audio", "content": "audio_data"})
			bin.SendBinary(data)
		}
	}
}
