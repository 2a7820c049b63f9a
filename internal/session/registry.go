package session

import (
	"context"
	"sync"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"roomchat/internal/delivery"
	"roomchat/internal/presence"
	"roomchat/internal/storage"
	"roomchat/internal/timers"
)

// Registry creates sessions over shared dependencies and keeps them addressable by id
type Registry struct {
	logger    *zap.SugaredLogger
	store     *storage.Store
	tracker   *presence.Tracker
	transport delivery.Transport
	sched     timers.Scheduler
	cfg       Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns Registry. Nil sched means timers.Real.
func NewRegistry(logger *zap.SugaredLogger, store *storage.Store, tracker *presence.Tracker,
	transport delivery.Transport, sched timers.Scheduler, cfg Config) *Registry {
	if cfg.DefaultRoomName == "" {
		cfg.DefaultRoomName = "General Chat"
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = presence.TypingTimeout
	}

	return &Registry{
		logger:    logger,
		store:     store,
		tracker:   tracker,
		transport: transport,
		sched:     sched,
		cfg:       cfg,
		sessions:  make(map[string]*Session),
	}
}

// Open starts a session of user in roomID
func (r *Registry) Open(ctx context.Context, roomID string, user presence.User) *Session {
	id := xid.New().String()
	s := newSession(ctx, id, r, roomID, user)

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.logger.Infof("Session %s opened for user (%s) in room (id: %s)", id, user.Name, roomID)

	return s
}

// Get returns session by id
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotExist
	}
	return s, nil
}

// Close tears down the session and forgets it
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotExist
	}

	s.Close()
	r.logger.Infof("Session %s closed", id)
	return nil
}

// CloseAll tears down every open session
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// ClearRoom clears the room log and the views of the sessions open in it
func (r *Registry) ClearRoom(ctx context.Context, roomID string) {
	var open *Session

	r.mu.RLock()
	for _, s := range r.sessions {
		if s.roomID == roomID {
			open = s
			break
		}
	}
	r.mu.RUnlock()

	if open != nil {
		open.ClearMessages(ctx)
		return
	}
	r.store.ClearMessages(ctx, roomID)
}

// Len returns the number of open sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
