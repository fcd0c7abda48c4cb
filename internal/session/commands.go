package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bridge-voice-lab/internal/logging"
	"github.com/bridge-voice-lab/internal/store"
	"github.com/bridge-voice-lab/llm"
)

// command is the envelope every client JSON message shares.
type command struct {
	Type           string `json:"type"`
	Username       string `json:"username"`
	FullName       string `json:"full_name"`
	Gender         string `json:"gender"`
	BirthYear      *int   `json:"birth_year"`
	Avatar         string `json:"avatar"`
	ConversationID int64  `json:"conversation_id"`
	ReminderID     int64  `json:"reminder_id"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	ReminderTime   string `json:"reminder_time"`
}

// HandleCommand processes one JSON message from the client. It runs on the
// connection's read goroutine.
func (s *Session) HandleCommand(ctx context.Context, raw []byte) {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		logging.Debugw("session: bad command json", "err", err)
		return
	}
	logging.Debugw("session: command", "type", cmd.Type)

	switch cmd.Type {
	case "register_user":
		s.registerUser(ctx, cmd)
	case "mute_mic":
		s.setManualMute(true)
	case "unmute_mic":
		s.setManualMute(false)
	case "reset_greeting":
		s.resetGreeting(ctx)
	case "get_conversations":
		s.sendConversations(ctx)
	case "create_conversation", "new_conversation":
		s.createConversation(ctx)
	case "get_messages":
		s.sendMessages(ctx, cmd.ConversationID)
	case "generate_title":
		s.generateTitle(ctx, cmd.ConversationID)
	case "create_reminder":
		s.createReminder(ctx, cmd)
	case "get_reminders":
		s.sendReminders(ctx)
	case "complete_reminder":
		s.completeReminder(ctx, cmd.ReminderID)
	case "delete_reminder":
		s.deleteReminder(ctx, cmd.ReminderID)
	default:
		logging.Debugw("session: unknown command", "type", cmd.Type)
	}
}

func (s *Session) setManualMute(mute bool) {
	s.mu.Lock()
	s.manualMute = mute
	s.mu.Unlock()
	if s.cfg.Gate == nil {
		return
	}
	if mute {
		s.cfg.Gate.Mute()
	} else if !s.processing() {
		// While a turn is in flight the turn's own unmute decides.
		s.cfg.Gate.Unmute()
	}
}

// registerUser enrolls the face currently in frame under a new account and
// logs it in.
func (s *Session) registerUser(ctx context.Context, cmd command) {
	fail := func(reason string) {
		logging.Warnw("session: registration failed", "reason", reason)
		s.send(map[string]interface{}{"type": "registration_failed", "reason": reason})
	}

	if cmd.Username == "" || cmd.FullName == "" {
		fail("username and full name are required")
		return
	}

	s.mu.Lock()
	frame := s.lastFrame
	s.mu.Unlock()
	if frame == nil {
		fail("no camera frame available")
		return
	}
	if s.cfg.Embedder == nil {
		fail("face service unavailable")
		return
	}
	emb, err := s.cfg.Embedder.Embed(ctx, frame)
	if err != nil {
		fail("face service unavailable")
		return
	}
	if emb == nil {
		fail("no face detected, please face the camera")
		return
	}

	var avatarURL *string
	if cmd.Avatar != "" {
		if url, err := s.saveAvatar(cmd.Avatar); err != nil {
			logging.Warnw("session: avatar save failed", "err", err)
		} else {
			avatarURL = &url
		}
	}

	gender := cmd.Gender
	if gender == "" {
		gender = "other"
	}
	var age *int
	if cmd.BirthYear != nil {
		a := time.Now().Year() - *cmd.BirthYear
		age = &a
	}

	user := &store.User{
		Username:      cmd.Username,
		FullName:      cmd.FullName,
		Gender:        gender,
		BirthYear:     cmd.BirthYear,
		Age:           age,
		AvatarURL:     avatarURL,
		FaceEmbedding: emb,
	}
	id, err := s.cfg.Store.CreateUser(ctx, user)
	if err != nil {
		fail("could not create account")
		return
	}
	user.ID = id

	s.login(ctx, user)

	_, _, convID, _ := s.loggedIn()
	s.send(map[string]interface{}{
		"type": "registration_success",
		"user": map[string]interface{}{
			"id":         user.ID,
			"username":   user.Username,
			"full_name":  user.FullName,
			"gender":     user.Gender,
			"avatar_url": user.AvatarURL,
		},
		"conversation_id": convID,
	})
}

// saveAvatar decodes a base64 data URL and writes it under the avatar dir.
func (s *Session) saveAvatar(dataURL string) (string, error) {
	b64 := dataURL
	if i := strings.Index(b64, ","); i >= 0 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decode avatar: %w", err)
	}
	dir := s.cfg.AvatarDir
	if dir == "" {
		dir = filepath.Join("uploads", "avatars")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	name := uuid.NewString() + ".jpg"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return "/" + filepath.ToSlash(path), nil
}

func (s *Session) sendConversations(ctx context.Context) {
	uid, _, _, ok := s.loggedIn()
	if !ok {
		return
	}
	convs, err := s.cfg.Store.Conversations(ctx, uid, 0)
	if err != nil {
		logging.Warnw("session: list conversations failed", "err", err)
		return
	}
	items := make([]map[string]interface{}, 0, len(convs))
	for _, c := range convs {
		items = append(items, map[string]interface{}{
			"id":         c.ID,
			"title":      c.Title,
			"created_at": c.CreatedAt,
			"updated_at": c.UpdatedAt,
		})
	}
	s.send(map[string]interface{}{"type": "conversations", "conversations": items})
}

func (s *Session) createConversation(ctx context.Context) {
	uid, _, _, ok := s.loggedIn()
	if !ok {
		return
	}
	id, err := s.cfg.Store.CreateConversation(ctx, uid, "")
	if err != nil {
		logging.Warnw("session: create conversation failed", "err", err)
		return
	}
	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()
	s.send(map[string]interface{}{"type": "conversation_created", "conversation_id": id, "title": llm.DefaultTitle})
}

func (s *Session) sendMessages(ctx context.Context, convID int64) {
	if convID == 0 {
		_, _, convID, _ = s.loggedIn()
	}
	msgs, err := s.cfg.Store.Messages(ctx, convID)
	if err != nil {
		logging.Warnw("session: list messages failed", "conversation_id", convID, "err", err)
		return
	}
	items := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, map[string]interface{}{
			"role":       m.Role,
			"content":    m.Content,
			"emotion":    m.UserEmotion,
			"created_at": m.CreatedAt,
		})
	}
	// Switch the active conversation to the one being viewed.
	s.mu.Lock()
	s.conversationID = convID
	s.mu.Unlock()
	s.send(map[string]interface{}{"type": "messages", "conversation_id": convID, "messages": items})
}

// generateTitle is the explicit client request; it reuses the once-only turn
// logic, so a conversation that is already titled just echoes its title.
func (s *Session) generateTitle(ctx context.Context, convID int64) {
	if convID == 0 {
		_, _, convID, _ = s.loggedIn()
	}
	conv, err := s.cfg.Store.ConversationByID(ctx, convID)
	if err != nil || conv == nil {
		return
	}
	if conv.Title != llm.DefaultTitle {
		s.send(map[string]interface{}{"type": "title_updated", "conversation_id": convID, "title": conv.Title})
		return
	}
	s.maybeGenerateTitle(ctx, convID)
}

func (s *Session) createReminder(ctx context.Context, cmd command) {
	uid, _, _, ok := s.loggedIn()
	if !ok {
		return
	}
	if cmd.Title == "" {
		s.sendLog("Reminder needs a title.")
		return
	}
	at, err := parseReminderTime(cmd.ReminderTime)
	if err != nil {
		s.sendLog("Could not understand the reminder time.")
		return
	}
	id, err := s.cfg.Store.CreateReminder(ctx, uid, cmd.Title, cmd.Description, at)
	if err != nil {
		logging.Warnw("session: create reminder failed", "err", err)
		return
	}
	s.send(map[string]interface{}{
		"type": "reminder_created",
		"reminder": map[string]interface{}{
			"id":            id,
			"title":         cmd.Title,
			"description":   cmd.Description,
			"reminder_time": at,
		},
	})
}

func parseReminderTime(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", v)
}

func (s *Session) sendReminders(ctx context.Context) {
	uid, _, _, ok := s.loggedIn()
	if !ok {
		return
	}
	rems, err := s.cfg.Store.Reminders(ctx, uid, false)
	if err != nil {
		logging.Warnw("session: list reminders failed", "err", err)
		return
	}
	items := make([]map[string]interface{}, 0, len(rems))
	for _, r := range rems {
		items = append(items, map[string]interface{}{
			"id":            r.ID,
			"title":         r.Title,
			"description":   r.Description,
			"reminder_time": r.ReminderTime,
			"is_notified":   r.IsNotified,
		})
	}
	s.send(map[string]interface{}{"type": "reminders", "reminders": items})
}

func (s *Session) completeReminder(ctx context.Context, id int64) {
	if err := s.cfg.Store.CompleteReminder(ctx, id); err != nil {
		logging.Warnw("session: complete reminder failed", "reminder_id", id, "err", err)
		return
	}
	s.send(map[string]interface{}{"type": "reminder_completed", "reminder_id": id})
}

func (s *Session) deleteReminder(ctx context.Context, id int64) {
	if err := s.cfg.Store.DeleteReminder(ctx, id); err != nil {
		logging.Warnw("session: delete reminder failed", "reminder_id", id, "err", err)
		return
	}
	s.send(map[string]interface{}{"type": "reminder_deleted", "reminder_id": id})
}
