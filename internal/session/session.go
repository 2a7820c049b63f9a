// Package session binds storage, presence and a transport for one (user, room) pair.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"roomchat/internal/delivery"
	"roomchat/internal/presence"
	"roomchat/internal/storage"
	"roomchat/internal/storage/zapadapter"
	"roomchat/internal/timers"
)

var ErrSessionNotExist = errors.New("session does not exist")

// eventBuffer is the capacity of Session.Events; events beyond it are dropped
const eventBuffer = 64

// Config defines session defaults. It is parsed from environment variables.
type Config struct {
	DefaultRoomName string        `env:"DEFAULT_ROOM_NAME" envDefault:"General Chat"`
	TypingTimeout   time.Duration `env:"TYPING_TIMEOUT" envDefault:"2s"`
}

// Session is the API the UI layer consumes for one user in one room
type Session struct {
	id      string
	ctx     context.Context
	logger  *zap.SugaredLogger
	store   *storage.Store
	tracker *presence.Tracker
	roomID  string
	user    presence.User
	cfg     Config

	conn   delivery.Conn
	timers *timers.Group

	mu          sync.Mutex
	closed      bool
	messages    []storage.Message
	typing      bool
	typingTimer *timers.Handle
	events      chan delivery.Event
}

func newSession(ctx context.Context, id string, d *Registry, roomID string, user presence.User) *Session {
	ctx = zapadapter.NewContextWithSession(context.WithoutCancel(ctx), id)

	s := &Session{
		id:      id,
		ctx:     ctx,
		logger:  d.logger.With("session_id", id, "room_id", roomID),
		store:   d.store,
		tracker: d.tracker,
		roomID:  roomID,
		user:    user,
		cfg:     d.cfg,
		timers:  timers.NewGroup(d.sched),
		events:  make(chan delivery.Event, eventBuffer),
	}

	s.store.InitializeDefaultRoom(ctx, roomID, d.cfg.DefaultRoomName)
	s.store.AddParticipant(ctx, roomID, user.ID)
	s.tracker.MarkOnline(roomID, user)

	// the log is loaded before joining so events delivered on join are appended after it
	s.messages = s.store.Messages(ctx, roomID)
	s.logger.Debugf("Loaded %d messages from storage", len(s.messages))

	s.conn = d.transport.Join(ctx, roomID, user, s.receive)

	return s
}

func (s *Session) ID() string          { return s.id }
func (s *Session) RoomID() string      { return s.roomID }
func (s *Session) User() presence.User { return s.user }

// Events streams notifications for this session. The channel is closed by Close.
func (s *Session) Events() <-chan delivery.Event {
	return s.events
}

func (s *Session) receive(ev delivery.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	switch ev.Type {
	case delivery.EventNewMessage:
		if m, ok := ev.Payload.(storage.Message); ok {
			s.insert(m)
		}
	case delivery.EventMessagesCleared:
		s.messages = []storage.Message{}
	}

	select {
	case s.events <- ev:
	default:
		s.logger.Warnf("Dropping %s event: buffer is full", ev.Type)
	}
}

// insert keeps the view ascending by CreatedAt, equal CreatedAt in delivery order,
// and bounded like the persisted log
func (s *Session) insert(m storage.Message) {
	i := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].CreatedAt > m.CreatedAt
	})
	s.messages = append(s.messages, storage.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m

	if len(s.messages) > storage.MaxMessagesPerRoom {
		s.messages = s.messages[len(s.messages)-storage.MaxMessagesPerRoom:]
	}
}

// SendMessage sends trimmed text. Blank text is ignored and reported as false.
// Sending ends the local typing state.
func (s *Session) SendMessage(ctx context.Context, text string) bool {
	if s.isClosed() {
		return false
	}

	s.stopTyping(ctx)

	_, ok := s.conn.SendMessage(ctx, text)
	return ok
}

// SetTyping starts or ends the local typing state. While typing, every call restarts the typing timeout.
func (s *Session) SetTyping(ctx context.Context, isTyping bool) {
	if !isTyping {
		s.stopTyping(ctx)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	started := !s.typing
	s.typing = true
	s.typingTimer.Cancel()
	s.typingTimer = s.timers.After(s.cfg.TypingTimeout, func() {
		s.stopTyping(s.ctx)
	})
	s.mu.Unlock()

	s.tracker.SetTyping(s.roomID, s.user.ID)
	if started {
		s.conn.Typing(ctx, true)
	}
}

func (s *Session) stopTyping(ctx context.Context) {
	s.mu.Lock()
	if !s.typing {
		s.mu.Unlock()
		return
	}
	s.typing = false
	s.typingTimer.Cancel()
	s.typingTimer = nil
	closed := s.closed
	s.mu.Unlock()

	s.tracker.ClearTyping(s.roomID, s.user.ID)
	if !closed {
		s.conn.Typing(ctx, false)
	}
}

// OnlineUsers returns users online in the room, the local user included
func (s *Session) OnlineUsers() []presence.User {
	return s.tracker.Online(s.roomID)
}

// TypingUsers returns ids of users currently typing in the room
func (s *Session) TypingUsers() []string {
	return s.tracker.TypingUsers(s.roomID)
}

// Messages returns the active view: the log loaded on start plus everything delivered since
func (s *Session) Messages() []storage.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Session) SearchMessages(ctx context.Context, query string) []storage.Message {
	return s.store.SearchMessages(ctx, s.roomID, query)
}

func (s *Session) Stats(ctx context.Context) storage.Stats {
	return s.store.MessageStats(ctx, s.roomID)
}

// ClearMessages clears the persisted log and the active view of every session in the room
func (s *Session) ClearMessages(ctx context.Context) {
	s.store.ClearMessages(ctx, s.roomID)

	s.mu.Lock()
	s.messages = []storage.Message{}
	closed := s.closed
	s.mu.Unlock()

	if !closed {
		s.conn.Cleared(ctx)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close marks the user offline and cancels every timer the session scheduled, directly or through its connection.
// No event reaches Events after Close returns.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	s.timers.Close()
	s.conn.Close()

	s.tracker.ClearTyping(s.roomID, s.user.ID)
	s.tracker.MarkOffline(s.roomID, s.user.ID)

	s.logger.Debug("Session closed")
}
