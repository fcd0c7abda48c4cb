// Package presence tracks which users currently have a live connection, so
// reminder delivery can route to them.
package presence

import (
	"sync"

	"github.com/bridge-voice-lab/internal/logging"
)

// Sender is the minimal connection surface presence needs: deliver a JSON
// payload to the user's client.
type Sender interface {
	Send(v interface{}) error
}

// Registry maps logged-in user ids to their connection. A user reconnecting
// replaces the previous entry.
type Registry struct {
	mu    sync.RWMutex
	conns map[int64]Sender
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[int64]Sender)}
}

func (r *Registry) Set(userID int64, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[userID] = s
	logging.Infow("presence: user online", "user_id", userID)
}

// Remove drops the entry only if it still belongs to the given connection, so
// a stale teardown cannot evict a newer session for the same user.
func (r *Registry) Remove(userID int64, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[userID]; ok && cur == s {
		delete(r.conns, userID)
		logging.Infow("presence: user offline", "user_id", userID)
	}
}

func (r *Registry) Get(userID int64) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.conns[userID]
	return s, ok
}

func (r *Registry) Online(userID int64) bool {
	_, ok := r.Get(userID)
	return ok
}
