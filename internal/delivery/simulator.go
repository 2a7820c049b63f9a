// Package delivery stands in for the real-time transport: it fans events out to the
// sessions joined to a room and synthesizes a peer that replies and types at random.
package delivery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"roomchat/internal/presence"
	"roomchat/internal/storage"
	"roomchat/internal/timers"
)

// Peer is the identity of the simulated counterpart
var Peer = presence.User{
	ID:       "demo-user",
	Name:     "Creative Director",
	Avatar:   "/placeholder.svg?key=c8tcx",
	IsOnline: true,
}

// Replies is the pool simulated replies are drawn from
var Replies = []string{
	"Got it! This response is also saved.",
	"Sounds good! Message history is working.",
	"Perfect, thanks! All messages are persistent now.",
	"Let me check on that. Storage is active.",
	"Great work! Chat history is maintained.",
	"I agree with that approach. Messages saved!",
}

// WelcomeText is what the peer may say shortly after a session joins
const WelcomeText = "Thanks for testing the chat! This message will be saved."

const peerIDPrefix = "demo-"

// MessageStore persists delivered messages. Implementations must not fail outward.
type MessageStore interface {
	SaveMessage(ctx context.Context, m storage.Message)
}

type Option interface {
	apply(*Simulator)
}

type optionFunc func(s *Simulator)

func (f optionFunc) apply(s *Simulator) { f(s) }

// WithConfig replaces DefaultConfig
func WithConfig(cfg Config) Option {
	return optionFunc(func(s *Simulator) {
		s.cfg = cfg
	})
}

// WithRandom sets the source of random decisions
func WithRandom(r Random) Option {
	return optionFunc(func(s *Simulator) {
		s.rand = r
	})
}

// WithScheduler sets the scheduler of delayed peer actions
func WithScheduler(sched timers.Scheduler) Option {
	return optionFunc(func(s *Simulator) {
		s.sched = sched
	})
}

// WithClock sets the source of CreatedAt for built messages
func WithClock(now func() time.Time) Option {
	return optionFunc(func(s *Simulator) {
		s.now = now
	})
}

// Simulator is an in-process Transport
type Simulator struct {
	logger  *zap.SugaredLogger
	store   MessageStore
	tracker *presence.Tracker
	sched   timers.Scheduler
	rand    Random
	now     func() time.Time
	cfg     Config

	mu    sync.RWMutex
	rooms map[string]map[*simConn]struct{}
}

var _ Transport = (*Simulator)(nil)

// NewSimulator returns Simulator writing messages to store and peer presence to tracker
func NewSimulator(logger *zap.SugaredLogger, store MessageStore, tracker *presence.Tracker, opts ...Option) *Simulator {
	s := &Simulator{
		logger:  logger,
		store:   store,
		tracker: tracker,
		sched:   timers.Real,
		rand:    NewRandom(time.Now().UnixNano()),
		now:     time.Now,
		cfg:     DefaultConfig(),
		rooms:   make(map[string]map[*simConn]struct{}),
	}

	for _, opt := range opts {
		opt.apply(s)
	}

	return s
}

// Join registers sub in the room, announces user to the other members and the peer to user
func (s *Simulator) Join(ctx context.Context, roomID string, user presence.User, sub Subscriber) Conn {
	c := &simConn{
		sim:    s,
		ctx:    context.WithoutCancel(ctx),
		roomID: roomID,
		user:   user,
		sub:    sub,
		timers: timers.NewGroup(s.sched),
	}

	s.mu.Lock()
	members, ok := s.rooms[roomID]
	if !ok {
		members = make(map[*simConn]struct{})
		s.rooms[roomID] = members
	}
	members[c] = struct{}{}
	s.mu.Unlock()

	s.logger.Debugf("User (%s) joined room (id: %s)", user.Name, roomID)

	s.broadcast(roomID, Event{Type: EventUserJoined, Payload: user}, c)

	// the peer is online while the room has members; leave releases the mark of the last one
	if !ok {
		s.tracker.MarkOnline(roomID, Peer)
	}
	c.deliver(Event{Type: EventUserJoined, Payload: Peer})

	if chance(s.rand, s.cfg.WelcomeProbability) {
		c.timers.After(s.cfg.WelcomeDelay, func() {
			c.peerSays(WelcomeText)
		})
	}

	return c
}

// Members returns the number of connections joined to the room
func (s *Simulator) Members(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[roomID])
}

// broadcast delivers ev to every member of the room except skip
func (s *Simulator) broadcast(roomID string, ev Event, skip *simConn) {
	s.mu.RLock()
	targets := make([]*simConn, 0, len(s.rooms[roomID]))
	for c := range s.rooms[roomID] {
		if c != skip {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		c.deliver(ev)
	}
}

func (s *Simulator) leave(c *simConn) (empty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.rooms[c.roomID]
	delete(members, c)
	if len(members) == 0 {
		delete(s.rooms, c.roomID)
		return true
	}
	return false
}

func (s *Simulator) newMessage(id, roomID string, sender presence.User, text string) storage.Message {
	now := s.now()
	return storage.Message{
		ID:           id,
		Text:         text,
		Timestamp:    storage.DisplayTimestamp(now),
		Sender:       sender.ID,
		SenderName:   sender.Name,
		SenderAvatar: sender.Avatar,
		RoomID:       roomID,
		CreatedAt:    storage.EpochMillis(now),
	}
}

type simConn struct {
	sim    *Simulator
	ctx    context.Context
	roomID string
	user   presence.User
	sub    Subscriber
	timers *timers.Group

	mu         sync.Mutex
	closed     bool
	peerTyping *timers.Handle

	deliverMu sync.Mutex
	gone      bool
}

func (c *simConn) deliver(ev Event) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	if c.gone {
		return
	}
	c.sub(ev)
}

func (c *simConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *simConn) SendMessage(ctx context.Context, text string) (storage.Message, bool) {
	text = strings.TrimSpace(text)
	if text == "" || c.isClosed() {
		return storage.Message{}, false
	}

	s := c.sim
	m := s.newMessage(uuid.New().String(), c.roomID, c.user, text)

	s.logger.Debugf("Sending message (id: %s) to room (id: %s)", m.ID, c.roomID)
	s.store.SaveMessage(ctx, m)
	s.broadcast(c.roomID, Event{Type: EventNewMessage, Payload: m}, nil)

	if chance(s.rand, s.cfg.ReplyProbability) {
		delay := uniform(s.rand, s.cfg.ReplyMinDelay, s.cfg.ReplyMaxDelay)
		c.timers.After(delay, func() {
			c.peerSays(Replies[s.rand.Intn(len(Replies))])
		})
		s.logger.Debugf("Peer reply scheduled in %v for room (id: %s)", delay, c.roomID)
	}

	return m, true
}

func (c *simConn) Typing(_ context.Context, isTyping bool) {
	if c.isClosed() {
		return
	}

	s := c.sim
	s.broadcast(c.roomID, Event{
		Type:    EventUserTyping,
		Payload: TypingData{RoomID: c.roomID, UserName: c.user.Name, IsTyping: isTyping},
	}, c)

	if isTyping && chance(s.rand, s.cfg.PeerTypingProbability) {
		c.peerStartsTyping()
	}
}

// Cleared tells every member of the room, c included, that the room log was cleared
func (c *simConn) Cleared(_ context.Context) {
	if c.isClosed() {
		return
	}

	c.sim.broadcast(c.roomID, Event{Type: EventMessagesCleared, Payload: ClearedData{RoomID: c.roomID}}, nil)
}

func (c *simConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.timers.Close()

	c.deliverMu.Lock()
	c.gone = true
	c.deliverMu.Unlock()

	s := c.sim
	empty := s.leave(c)

	c.mu.Lock()
	wasPeerTyping := c.peerTyping != nil
	c.peerTyping = nil
	c.mu.Unlock()

	if wasPeerTyping {
		s.tracker.ClearTyping(c.roomID, Peer.ID)
		s.broadcast(c.roomID, peerTypingEvent(c.roomID, false), nil)
	}

	s.broadcast(c.roomID, Event{Type: EventUserLeft, Payload: c.user}, nil)
	if empty {
		s.tracker.MarkOffline(c.roomID, Peer.ID)
	}

	s.logger.Debugf("User (%s) left room (id: %s)", c.user.Name, c.roomID)
}

// peerSays persists and fans out a message from the simulated peer
func (c *simConn) peerSays(text string) {
	s := c.sim
	c.peerStopsTyping()

	m := s.newMessage(peerIDPrefix+uuid.New().String(), c.roomID, Peer, text)
	s.store.SaveMessage(c.ctx, m)
	s.broadcast(c.roomID, Event{Type: EventNewMessage, Payload: m}, nil)
}

// peerStartsTyping puts the peer in Typing for PeerTypingDuration; a repeated start restarts the window
func (c *simConn) peerStartsTyping() {
	s := c.sim

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	started := c.peerTyping == nil
	c.peerTyping.Cancel()
	c.peerTyping = c.timers.After(s.cfg.PeerTypingDuration, c.peerStopsTyping)
	c.mu.Unlock()

	s.tracker.SetTypingFor(c.roomID, Peer.ID, s.cfg.PeerTypingDuration)
	if started {
		s.broadcast(c.roomID, peerTypingEvent(c.roomID, true), nil)
	}
}

func (c *simConn) peerStopsTyping() {
	c.mu.Lock()
	if c.peerTyping == nil {
		c.mu.Unlock()
		return
	}
	c.peerTyping.Cancel()
	c.peerTyping = nil
	c.mu.Unlock()

	c.sim.tracker.ClearTyping(c.roomID, Peer.ID)
	c.sim.broadcast(c.roomID, peerTypingEvent(c.roomID, false), nil)
}

func peerTypingEvent(roomID string, isTyping bool) Event {
	return Event{
		Type:    EventUserTyping,
		Payload: TypingData{RoomID: roomID, UserName: Peer.Name, IsTyping: isTyping},
	}
}
