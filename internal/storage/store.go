package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Top-level collection keys of the persisted documents
const (
	MessagesKey = "chat-messages"
	RoomsKey    = "chat-rooms"
)

// MaxMessagesPerRoom is the retention cap of a room log
const MaxMessagesPerRoom = 1000

const (
	day  = 24 * time.Hour
	week = 7 * day
)

var (
	ErrEmptyRoomID      = errors.New("empty room id")
	ErrDuplicateMessage = errors.New("message already exists")
	ErrCorruptDocument  = errors.New("corrupt document")
	ErrBackendClosed    = errors.New("backend is closed")
)

// Store is the per-room message log and room registry. Public methods never return
// persistence errors: faults are logged and the call degrades to an empty result.
type Store struct {
	logger    *zap.SugaredLogger
	backend   Backend
	now       func() time.Time
	retention int
	locks     roomLocks
}

// NewStore returns Store persisting to backend
func NewStore(logger *zap.SugaredLogger, backend Backend, opts ...StoreOption) *Store {
	s := &Store{
		logger:    logger,
		backend:   backend,
		now:       time.Now,
		retention: MaxMessagesPerRoom,
	}

	for _, opt := range opts {
		opt.applyStore(s)
	}

	return s
}

// Close closes underlying backend
func (s *Store) Close() {
	s.backend.Close()
}

// SaveMessage appends m to the log of m.RoomID, keeps the log sorted by CreatedAt and evicts the oldest
// entries above the retention cap. The room's LastMessage and LastActivity are updated on success.
func (s *Store) SaveMessage(ctx context.Context, m Message) {
	err := s.saveMessage(ctx, m)
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateMessage):
		s.logger.Warnf("Skipping message (id: %s) in room (id: %s): %v", m.ID, m.RoomID, err)
	default:
		s.logger.Errorf("Saving message (id: %s) in room (id: %s): %v", m.ID, m.RoomID, err)
	}
}

func (s *Store) saveMessage(ctx context.Context, m Message) error {
	if m.RoomID == "" {
		return ErrEmptyRoomID
	}

	s.logger.Debugf("Saving message (id: %s) in room (id: %s)", m.ID, m.RoomID)

	unlock := s.locks.lock(m.RoomID)
	defer unlock()

	log, err := s.loadLog(ctx, m.RoomID)
	if err != nil {
		return err
	}

	for _, existing := range log {
		if existing.ID == m.ID {
			return ErrDuplicateMessage
		}
	}

	// stable sort keeps insertion order between equal CreatedAt,
	// so eviction from the head drops the earliest inserted first
	log = append(log, m)
	sort.SliceStable(log, func(i, j int) bool {
		return log[i].CreatedAt < log[j].CreatedAt
	})

	if len(log) > s.retention {
		evicted := len(log) - s.retention
		log = log[evicted:]
		s.logger.Debugf("Evicted %d messages from room (id: %s)", evicted, m.RoomID)
	}

	if err := s.storeDoc(ctx, MessagesKey, m.RoomID, log); err != nil {
		return err
	}

	return s.touchRoom(ctx, m.RoomID, log[len(log)-1])
}

// Messages returns the retained log of the room in ascending CreatedAt order
func (s *Store) Messages(ctx context.Context, roomID string) []Message {
	log, err := s.loadLog(ctx, roomID)
	if err != nil {
		s.logger.Errorf("Loading messages of room (id: %s): %v", roomID, err)
		return []Message{}
	}

	s.logger.Debugf("Retrieved %d messages", len(log))

	return log
}

// SearchMessages returns messages whose text or sender name contains query, ignoring case.
// Empty query matches nothing.
func (s *Store) SearchMessages(ctx context.Context, roomID, query string) []Message {
	found := []Message{}
	if query == "" {
		return found
	}

	q := strings.ToLower(query)
	for _, m := range s.Messages(ctx, roomID) {
		if strings.Contains(strings.ToLower(m.Text), q) || strings.Contains(strings.ToLower(m.SenderName), q) {
			found = append(found, m)
		}
	}

	s.logger.Debugf("Found %d messages for query %q in room (id: %s)", len(found), query, roomID)

	return found
}

// MessageStats counts messages of the room created within the last 24 hours and the last 7 days
func (s *Store) MessageStats(ctx context.Context, roomID string) Stats {
	log, err := s.loadLog(ctx, roomID)
	if err != nil {
		s.logger.Errorf("Counting messages of room (id: %s): %v", roomID, err)
		return Stats{}
	}

	now := s.now()
	dayAgo := EpochMillis(now.Add(-day))
	weekAgo := EpochMillis(now.Add(-week))

	stats := Stats{Total: len(log)}
	for _, m := range log {
		if m.CreatedAt > dayAgo {
			stats.Today++
		}
		if m.CreatedAt > weekAgo {
			stats.ThisWeek++
		}
	}

	return stats
}

// ClearMessages removes the room log. Room name and participants are kept, LastMessage is reset
// since it would point at a deleted message.
func (s *Store) ClearMessages(ctx context.Context, roomID string) {
	if err := s.clearMessages(ctx, roomID); err != nil {
		s.logger.Errorf("Clearing messages of room (id: %s): %v", roomID, err)
	}
}

func (s *Store) clearMessages(ctx context.Context, roomID string) error {
	if roomID == "" {
		return ErrEmptyRoomID
	}

	unlock := s.locks.lock(roomID)
	defer unlock()

	if err := s.backend.Delete(ctx, MessagesKey, roomID); err != nil {
		return err
	}

	room, ok, err := s.loadRoom(ctx, roomID)
	if err != nil || !ok {
		return err
	}

	room.LastMessage = nil

	s.logger.Debugf("Messages cleared for room (id: %s)", roomID)

	return s.storeDoc(ctx, RoomsKey, roomID, room)
}

// InitializeDefaultRoom creates room with empty participants unless a room with the same id exists
func (s *Store) InitializeDefaultRoom(ctx context.Context, roomID, name string) {
	created, err := s.initializeDefaultRoom(ctx, roomID, name)
	if err != nil {
		s.logger.Errorf("Initializing room (id: %s): %v", roomID, err)
		return
	}

	if created {
		s.logger.Debugf("Default room (%s) initialized with id %s", name, roomID)
	}
}

func (s *Store) initializeDefaultRoom(ctx context.Context, roomID, name string) (bool, error) {
	if roomID == "" {
		return false, ErrEmptyRoomID
	}

	unlock := s.locks.lock(roomID)
	defer unlock()

	_, ok, err := s.loadRoom(ctx, roomID)
	if err != nil || ok {
		return false, err
	}

	room := Room{
		ID:           roomID,
		Name:         name,
		Participants: []string{},
		LastActivity: EpochMillis(s.now()),
	}

	return true, s.storeDoc(ctx, RoomsKey, roomID, room)
}

// AddParticipant records userID as a participant of an existing room
func (s *Store) AddParticipant(ctx context.Context, roomID, userID string) {
	if err := s.addParticipant(ctx, roomID, userID); err != nil {
		s.logger.Errorf("Adding participant (id: %s) to room (id: %s): %v", userID, roomID, err)
	}
}

func (s *Store) addParticipant(ctx context.Context, roomID, userID string) error {
	unlock := s.locks.lock(roomID)
	defer unlock()

	room, ok, err := s.loadRoom(ctx, roomID)
	if err != nil || !ok {
		return err
	}

	for _, p := range room.Participants {
		if p == userID {
			return nil
		}
	}

	room.Participants = append(room.Participants, userID)
	return s.storeDoc(ctx, RoomsKey, roomID, room)
}

// Room returns room metadata
func (s *Store) Room(ctx context.Context, roomID string) (Room, bool) {
	room, ok, err := s.loadRoom(ctx, roomID)
	if err != nil {
		s.logger.Errorf("Loading room (id: %s): %v", roomID, err)
		return Room{}, false
	}
	return room, ok
}

// Export returns both collections in their whole-document shape, keyed by MessagesKey and RoomsKey
func (s *Store) Export(ctx context.Context) (map[string]map[string]json.RawMessage, error) {
	out := make(map[string]map[string]json.RawMessage, 2)
	for _, key := range []string{MessagesKey, RoomsKey} {
		entries, err := s.backend.Dump(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("dump %s: %w", key, err)
		}
		out[key] = entries
	}
	return out, nil
}

// touchRoom is the only writer of LastMessage/LastActivity. Rooms that were never initialized are left alone.
func (s *Store) touchRoom(ctx context.Context, roomID string, last Message) error {
	room, ok, err := s.loadRoom(ctx, roomID)
	if err != nil || !ok {
		return err
	}

	room.LastMessage = &last
	room.LastActivity = EpochMillis(s.now())

	return s.storeDoc(ctx, RoomsKey, roomID, room)
}

func (s *Store) loadLog(ctx context.Context, roomID string) ([]Message, error) {
	log := []Message{}
	ok, err := s.loadDoc(ctx, MessagesKey, roomID, &log)
	if err != nil {
		return nil, err
	}
	if !ok || log == nil {
		return []Message{}, nil
	}
	return log, nil
}

func (s *Store) loadRoom(ctx context.Context, roomID string) (Room, bool, error) {
	var room Room
	ok, err := s.loadDoc(ctx, RoomsKey, roomID, &room)
	if err != nil || !ok {
		return Room{}, false, err
	}
	if room.Participants == nil {
		room.Participants = []string{}
	}
	return room, true, nil
}

func (s *Store) loadDoc(ctx context.Context, collection, id string, v interface{}) (bool, error) {
	doc, err := s.backend.Load(ctx, collection, id)
	if err != nil {
		return false, fmt.Errorf("load %s/%s: %w", collection, id, err)
	}
	if doc == nil {
		return false, nil
	}

	if err := json.Unmarshal(doc, v); err != nil {
		return false, fmt.Errorf("%w %s/%s: %v", ErrCorruptDocument, collection, id, err)
	}
	return true, nil
}

func (s *Store) storeDoc(ctx context.Context, collection, id string, v interface{}) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return err
	}

	if err := s.backend.Store(ctx, collection, id, doc); err != nil {
		return fmt.Errorf("store %s/%s: %w", collection, id, err)
	}
	return nil
}

// roomLocks hands out one mutex per room id; a save or clear holds it for its whole read-modify-write.
// An entry lives only while some caller holds or waits for it.
type roomLocks struct {
	mu    sync.Mutex
	rooms map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func (l *roomLocks) lock(roomID string) func() {
	l.mu.Lock()
	if l.rooms == nil {
		l.rooms = make(map[string]*roomLock)
	}
	rl, ok := l.rooms[roomID]
	if !ok {
		rl = &roomLock{}
		l.rooms[roomID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.rooms, roomID)
		}
		l.mu.Unlock()
	}
}
