// Package store persists users, conversations, messages and reminders in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bridge-voice-lab/internal/logging"
)

const DefaultConversationTitle = "New Chat"

type User struct {
	ID            int64
	Username      string
	FullName      string
	Gender        string
	BirthYear     *int
	Age           *int
	AvatarURL     *string
	FaceEmbedding []float64
	CreatedAt     time.Time
	LastLogin     *time.Time
}

type Conversation struct {
	ID        int64
	UserID    int64
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	ID             int64
	ConversationID int64
	Role           string
	Content        string
	UserEmotion    *string
	CreatedAt      time.Time
}

type Reminder struct {
	ID           int64
	UserID       int64
	Username     string
	Title        string
	Description  string
	ReminderTime time.Time
	IsNotified   bool
	IsCompleted  bool
}

type Config struct {
	Path        string
	BusyTimeout int
}

// Store wraps the SQLite connection.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database and applies the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/bridge.db"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=ON&_loc=UTC", cfg.Path, cfg.BusyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	logging.Infow("store: opened", "path", cfg.Path)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ---- users ----

func (s *Store) CreateUser(ctx context.Context, u *User) (int64, error) {
	emb, err := json.Marshal(u.FaceEmbedding)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, full_name, gender, birth_year, age, avatar_url, face_embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.Username, u.FullName, u.Gender, u.BirthYear, u.Age, u.AvatarURL, string(emb))
	if err != nil {
		return 0, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	logging.Infow("store: created user", "user_id", id, "username", u.Username)
	return id, nil
}

func (s *Store) UserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, full_name, gender, birth_year, age, avatar_url, face_embedding, created_at, last_login
		FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// AllUsers returns every user, embeddings included, for recognition matching.
func (s *Store) AllUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, full_name, gender, birth_year, age, avatar_url, face_embedding, created_at, last_login
		FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateLastLogin(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = CURRENT_TIMESTAMP WHERE id = ?`, userID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (*User, error) {
	var u User
	var emb sql.NullString
	var birthYear, age sql.NullInt64
	var avatar sql.NullString
	var lastLogin sql.NullTime
	err := r.Scan(&u.ID, &u.Username, &u.FullName, &u.Gender, &birthYear, &age, &avatar, &emb, &u.CreatedAt, &lastLogin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if birthYear.Valid {
		v := int(birthYear.Int64)
		u.BirthYear = &v
	}
	if age.Valid {
		v := int(age.Int64)
		u.Age = &v
	}
	if avatar.Valid {
		u.AvatarURL = &avatar.String
	}
	if lastLogin.Valid {
		u.LastLogin = &lastLogin.Time
	}
	if emb.Valid && emb.String != "" {
		if uerr := json.Unmarshal([]byte(emb.String), &u.FaceEmbedding); uerr != nil {
			logging.Warnw("store: bad face embedding json", "user_id", u.ID, "err", uerr)
		}
	}
	return &u, nil
}

// ---- conversations & messages ----

func (s *Store) CreateConversation(ctx context.Context, userID int64, title string) (int64, error) {
	if title == "" {
		title = DefaultConversationTitle
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO conversations (user_id, title) VALUES (?, ?)`, userID, title)
	if err != nil {
		return 0, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	logging.Infow("store: created conversation", "conversation_id", id, "user_id", userID)
	return id, nil
}

func (s *Store) Conversations(ctx context.Context, userID int64, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations WHERE user_id = ?
		ORDER BY updated_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	var convs []*Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, &c)
	}
	return convs, rows.Err()
}

func (s *Store) ConversationByID(ctx context.Context, id int64) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AddMessage appends a message and bumps the conversation's updated_at so the
// conversation list sorts by recency.
func (s *Store) AddMessage(ctx context.Context, conversationID int64, role, content string, userEmotion *string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, user_emotion) VALUES (?, ?, ?, ?)`,
		conversationID, role, content, userEmotion)
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, conversationID)
	return err
}

func (s *Store) Messages(ctx context.Context, conversationID int64) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, user_emotion, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var msgs []*Message
	for rows.Next() {
		var m Message
		var emotion sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &emotion, &m.CreatedAt); err != nil {
			return nil, err
		}
		if emotion.Valid {
			m.UserEmotion = &emotion.String
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func (s *Store) UpdateConversationTitle(ctx context.Context, conversationID int64, title string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, conversationID)
	return err
}

func (s *Store) DeleteConversation(ctx context.Context, conversationID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID)
	return err
}

// ---- reminders ----

func (s *Store) CreateReminder(ctx context.Context, userID int64, title, description string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reminders (user_id, title, description, reminder_time) VALUES (?, ?, ?, ?)`,
		userID, title, description, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("create reminder: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	logging.Infow("store: created reminder", "reminder_id", id, "user_id", userID)
	return id, nil
}

// Reminders lists a user's reminders; completed ones are excluded unless
// includeCompleted is set.
func (s *Store) Reminders(ctx context.Context, userID int64, includeCompleted bool) ([]*Reminder, error) {
	q := `SELECT id, user_id, '', title, COALESCE(description,''), reminder_time, is_notified, is_completed
		FROM reminders WHERE user_id = ?`
	if !includeCompleted {
		q += ` AND is_completed = 0`
	}
	q += ` ORDER BY reminder_time ASC`
	return s.queryReminders(ctx, q, userID)
}

// DueReminders returns reminders past their scheduled time that have not been
// notified or completed, joined with the owner's username.
func (s *Store) DueReminders(ctx context.Context, now time.Time) ([]*Reminder, error) {
	return s.queryReminders(ctx, `
		SELECT r.id, r.user_id, u.username, r.title, COALESCE(r.description,''), r.reminder_time, r.is_notified, r.is_completed
		FROM reminders r JOIN users u ON r.user_id = u.id
		WHERE r.is_completed = 0 AND r.is_notified = 0 AND r.reminder_time <= ?`, now.UTC())
}

// MissedReminders are notified-but-never-completed reminders, surfaced at the
// owner's next login.
func (s *Store) MissedReminders(ctx context.Context, userID int64) ([]*Reminder, error) {
	return s.queryReminders(ctx, `
		SELECT id, user_id, '', title, COALESCE(description,''), reminder_time, is_notified, is_completed
		FROM reminders
		WHERE user_id = ? AND is_completed = 0 AND is_notified = 1
		ORDER BY reminder_time DESC`, userID)
}

func (s *Store) queryReminders(ctx context.Context, q string, args ...any) ([]*Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()
	var out []*Reminder
	for rows.Next() {
		var r Reminder
		if err := rows.Scan(&r.ID, &r.UserID, &r.Username, &r.Title, &r.Description, &r.ReminderTime, &r.IsNotified, &r.IsCompleted); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) MarkReminderNotified(ctx context.Context, reminderID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE reminders SET is_notified = 1 WHERE id = ?`, reminderID)
	return err
}

func (s *Store) CompleteReminder(ctx context.Context, reminderID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE reminders SET is_completed = 1 WHERE id = ?`, reminderID)
	return err
}

func (s *Store) DeleteReminder(ctx context.Context, reminderID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, reminderID)
	return err
}
