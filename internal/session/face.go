package session

import (
	"context"
	"fmt"
	"time"

	"github.com/bridge-voice-lab/internal/logging"
	"github.com/bridge-voice-lab/internal/presence"
	"github.com/bridge-voice-lab/internal/store"
)

// faceLoop consumes camera frames one at a time: recognition until someone
// logs in, then emotion tracking only.
func (s *Session) faceLoop(ctx context.Context) {
	for {
		var frame []byte
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case frame = <-s.frames:
		}

		s.mu.Lock()
		checked := s.userChecked
		s.mu.Unlock()

		if !checked {
			s.tryRecognize(ctx, frame)
		} else {
			s.trackEmotion(ctx, frame)
		}
		s.sleep(s.cfg.FaceInterval)
	}
}

func (s *Session) tryRecognize(ctx context.Context, frame []byte) {
	if s.cfg.Embedder == nil || s.cfg.Recognizer == nil {
		return
	}
	emb, err := s.cfg.Embedder.Embed(ctx, frame)
	if err != nil {
		logging.Debugw("session: embed failed", "err", err)
		return
	}
	if emb == nil {
		// No face in frame.
		return
	}
	user, sim, err := s.cfg.Recognizer.Recognize(ctx, emb)
	if err != nil {
		logging.Warnw("session: recognition failed", "err", err)
		return
	}
	if user == nil {
		// A face is present but nobody matches. Prompt registration once.
		s.mu.Lock()
		prompt := !s.registrationPromptSent
		s.registrationPromptSent = true
		s.mu.Unlock()
		if prompt {
			logging.Infow("session: unknown face, prompting registration", "best_similarity", sim)
			s.send(map[string]interface{}{"type": "show_registration"})
		}
		return
	}
	s.login(ctx, user)
}

// login transitions the session to a recognized user and runs the greeting
// flow.
func (s *Session) login(ctx context.Context, user *store.User) {
	s.mu.Lock()
	if s.userChecked {
		s.mu.Unlock()
		return
	}
	s.userID = user.ID
	s.username = user.Username
	s.fullName = user.FullName
	s.userChecked = true
	greet := !s.faceGreeted
	s.mu.Unlock()

	logging.Infow("session: user logged in", "user_id", user.ID, "username", user.Username)

	if err := s.cfg.Store.UpdateLastLogin(ctx, user.ID); err != nil {
		logging.Warnw("session: update last login failed", "user_id", user.ID, "err", err)
	}
	if s.cfg.Presence != nil {
		if sender, ok := s.cfg.Conn.(presence.Sender); ok {
			s.cfg.Presence.Set(user.ID, sender)
		}
	}

	convID, err := s.cfg.Store.CreateConversation(ctx, user.ID, "")
	if err != nil {
		logging.Errorw("session: create conversation failed", "user_id", user.ID, "err", err)
	} else {
		s.mu.Lock()
		s.conversationID = convID
		s.mu.Unlock()
	}

	s.send(map[string]interface{}{"type": "hide_registration"})
	s.send(map[string]interface{}{
		"type": "user_logged_in",
		"user": map[string]interface{}{
			"id":         user.ID,
			"username":   user.Username,
			"full_name":  user.FullName,
			"avatar_url": user.AvatarURL,
		},
	})

	s.deliverMissedReminders(ctx, user.ID)

	if greet {
		s.greet(ctx, user.FullName)
	}
	// Voice turns stay paused until this flips.
	s.mu.Lock()
	s.faceGreeted = true
	s.mu.Unlock()
}

// resetGreeting pauses voice, replays the greeting for the current user, and
// resumes. Before login it only clears the flag so the next login greets.
func (s *Session) resetGreeting(ctx context.Context) {
	s.mu.Lock()
	s.faceGreeted = false
	name := s.fullName
	ready := s.userChecked && s.userID != 0
	s.mu.Unlock()
	if !ready {
		return
	}
	s.greet(ctx, name)
	s.mu.Lock()
	s.faceGreeted = true
	s.mu.Unlock()
}

func (s *Session) deliverMissedReminders(ctx context.Context, userID int64) {
	missed, err := s.cfg.Store.MissedReminders(ctx, userID)
	if err != nil {
		logging.Warnw("session: missed reminders lookup failed", "user_id", userID, "err", err)
		return
	}
	for _, r := range missed {
		s.send(map[string]interface{}{
			"type":      "reminder_notification",
			"is_missed": true,
			"reminder": map[string]interface{}{
				"id":            r.ID,
				"title":         r.Title,
				"description":   r.Description,
				"reminder_time": r.ReminderTime,
			},
		})
	}
	if len(missed) > 0 {
		logging.Infow("session: delivered missed reminders", "user_id", userID, "count", len(missed))
	}
}

// greet speaks a welcome line with the mic gated so the assistant does not
// hear itself.
func (s *Session) greet(ctx context.Context, name string) {
	text := fmt.Sprintf("Welcome back, %s! Great to see you!", name)
	s.send(map[string]interface{}{"type": "greeting", "content": text})

	if s.cfg.TTS == nil {
		return
	}
	if s.cfg.Gate != nil {
		s.cfg.Gate.Mute()
		defer s.maybeUnmute()
	}
	data, err := s.cfg.TTS.Speak(ctx, text)
	if err != nil || data == nil {
		return
	}
	s.send(map[string]interface{}{"type": "audio", "content": "audio_data"})
	if err := s.cfg.Conn.SendBinary(data); err != nil {
		logging.Debugw("session: greeting audio send failed", "err", err)
		return
	}
	s.sleep(time.Duration(len(text))*greetingPerChar + greetingPad)
}

func (s *Session) trackEmotion(ctx context.Context, frame []byte) {
	if s.cfg.FaceEmotion == nil {
		return
	}
	emotion := s.cfg.FaceEmotion.Emotion(ctx, frame)
	s.mu.Lock()
	changed := emotion != s.faceEmotion
	s.faceEmotion = emotion
	s.mu.Unlock()
	if changed {
		s.send(map[string]interface{}{"type": "emotion_update", "emotion": emotion})
	}
}

// maybeUnmute reopens the gate unless the user muted the mic themselves.
func (s *Session) maybeUnmute() {
	s.mu.Lock()
	manual := s.manualMute
	s.mu.Unlock()
	if !manual && s.cfg.Gate != nil {
		s.cfg.Gate.Unmute()
	}
}
