package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bridge-voice-lab/internal/logging"
	"github.com/bridge-voice-lab/llm"
)

const replyApology = "Sorry, I'm having trouble connecting. Please try again."

// voiceLoop pulls utterances from the endpointer and runs one turn at a time.
func (s *Session) voiceLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		pcm, err := s.cfg.Listener.Listen(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logging.Infow("session: voice loop stopping", "reason", err)
			}
			return
		}
		if pcm == nil {
			// Gated; the endpointer already yielded.
			continue
		}
		// Voice stays paused until the user is logged in and greeted.
		if !s.readyForVoice() {
			continue
		}
		if s.processing() {
			continue
		}
		s.runTurn(ctx, pcm)
	}
}

// runTurn is one conversation turn: transcribe, persist, reply, speak. The
// mic stays gated for the whole turn including estimated playback, and
// is_processing is cleared on every exit path.
func (s *Session) runTurn(ctx context.Context, pcm []byte) {
	s.setProcessing(true)
	defer s.setProcessing(false)

	if s.cfg.Gate != nil {
		s.cfg.Gate.Mute()
	}
	defer s.maybeUnmute()

	userID, fullName, convID, _ := s.loggedIn()
	cid := uuid.NewString()

	text, err := s.cfg.Transcriber.Transcribe(ctx, pcm, cid)
	if err != nil {
		logging.Warnw("session: transcription failed", "correlation_id", cid, "err", err)
		s.sendLog("Transcription failed, please try again.")
		return
	}
	if text == "" {
		return
	}
	logging.Infow("session: heard", "user_id", userID, "correlation_id", cid, "text", text)

	emotion := s.currentEmotion(ctx, pcm)

	history := s.history(ctx, convID)

	if err := s.cfg.Store.AddMessage(ctx, convID, "user", text, &emotion); err != nil {
		logging.Warnw("session: persist user message failed", "conversation_id", convID, "err", err)
	}
	s.send(map[string]interface{}{"type": "user_text", "content": text, "emotion": emotion})

	reply, err := s.cfg.LLM.Reply(ctx, text, emotion, fullName, history)
	if err != nil {
		logging.Warnw("session: reply generation failed", "correlation_id", cid, "err", err)
		reply = replyApology
	}

	if err := s.cfg.Store.AddMessage(ctx, convID, "assistant", reply, nil); err != nil {
		logging.Warnw("session: persist reply failed", "conversation_id", convID, "err", err)
	}
	s.send(map[string]interface{}{"type": "text", "content": reply})

	s.maybeGenerateTitle(ctx, convID)

	s.speak(ctx, reply)
}

// currentEmotion prefers the voice classifier for this utterance and falls
// back to the last facial emotion.
func (s *Session) currentEmotion(ctx context.Context, pcm []byte) string {
	if s.cfg.VoiceEmo != nil {
		if e := s.cfg.VoiceEmo.Emotion(ctx, pcm); e != "" && e != "neutral" {
			return e
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faceEmotion
}

// history returns the conversation so far in worker wire format.
func (s *Session) history(ctx context.Context, convID int64) []llm.Message {
	msgs, err := s.cfg.Store.Messages(ctx, convID)
	if err != nil {
		logging.Debugw("session: history load failed", "conversation_id", convID, "err", err)
		return nil
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// maybeGenerateTitle titles a conversation exactly once, after it has a real
// exchange. A conversation whose title already moved off the default is left
// alone.
func (s *Session) maybeGenerateTitle(ctx context.Context, convID int64) {
	conv, err := s.cfg.Store.ConversationByID(ctx, convID)
	if err != nil || conv == nil {
		return
	}
	if conv.Title != llm.DefaultTitle {
		return
	}
	// The conversation needs a real exchange first: title only once the
	// third message is persisted.
	msgs, err := s.cfg.Store.Messages(ctx, convID)
	if err != nil || len(msgs) < 3 {
		return
	}
	wire := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		wire = append(wire, llm.Message{Role: m.Role, Content: m.Content})
	}
	title := s.cfg.LLM.GenerateTitle(ctx, wire)
	if title == llm.DefaultTitle {
		// Generation failed; a later turn will retry.
		return
	}
	if err := s.cfg.Store.UpdateConversationTitle(ctx, convID, title); err != nil {
		logging.Warnw("session: title update failed", "conversation_id", convID, "err", err)
		return
	}
	s.send(map[string]interface{}{"type": "title_updated", "conversation_id": convID, "title": title})
}

// speak synthesizes the reply and holds the turn open for the estimated
// playback time so the mic does not pick the assistant up.
func (s *Session) speak(ctx context.Context, text string) {
	if s.cfg.TTS == nil {
		return
	}
	data, err := s.cfg.TTS.Speak(ctx, text)
	if err != nil {
		logging.Warnw("session: synthesis failed", "err", err)
		return
	}
	if data == nil {
		return
	}
	s.send(map[string]interface{}{"type": "audio", "content": "audio_data"})
	if err := s.cfg.Conn.SendBinary(data); err != nil {
		logging.Debugw("session: audio send failed", "err", err)
		return
	}
	s.sleep(time.Duration(len(text)) * playbackPerChar)
}
