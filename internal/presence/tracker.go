// Package presence keeps session-scoped online users and typing indicators per room.
package presence

import (
	"sort"
	"sync"
	"time"
)

// TypingTimeout is the lifetime of a typing signal that is not refreshed
const TypingTimeout = 2000 * time.Millisecond

// User is a presence entry
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar,omitempty"`
	IsOnline bool   `json:"isOnline"`
}

type room struct {
	online []User
	marks  map[string]int       // userID -> number of MarkOnline calls not yet matched by MarkOffline
	typing map[string]time.Time // userID -> expiry
}

// Tracker is safe for concurrent use
type Tracker struct {
	mu      sync.Mutex
	now     func() time.Time
	timeout time.Duration
	rooms   map[string]*room
}

// NewTracker returns Tracker reading time from now. Zero timeout means TypingTimeout.
func NewTracker(now func() time.Time, timeout time.Duration) *Tracker {
	if now == nil {
		now = time.Now
	}
	if timeout <= 0 {
		timeout = TypingTimeout
	}
	return &Tracker{
		now:     now,
		timeout: timeout,
		rooms:   make(map[string]*room),
	}
}

func (t *Tracker) room(roomID string) *room {
	r, ok := t.rooms[roomID]
	if !ok {
		r = &room{marks: make(map[string]int), typing: make(map[string]time.Time)}
		t.rooms[roomID] = r
	}
	return r
}

// MarkOnline adds u to the online set of the room. It reports false if u was already online.
// Marks are counted: a user marked online twice stays online until marked offline twice.
func (t *Tracker) MarkOnline(roomID string, u User) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.room(roomID)
	r.marks[u.ID]++
	if r.marks[u.ID] > 1 {
		return false
	}

	u.IsOnline = true
	r.online = append(r.online, u)
	return true
}

// MarkOffline releases one online mark of the user. The last release removes the user
// from the online set and drops its typing entry; only then it reports true.
func (t *Tracker) MarkOffline(roomID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rooms[roomID]
	if !ok || r.marks[userID] == 0 {
		return false
	}

	r.marks[userID]--
	if r.marks[userID] > 0 {
		return false
	}

	delete(r.marks, userID)
	delete(r.typing, userID)
	for i, u := range r.online {
		if u.ID == userID {
			r.online = append(r.online[:i], r.online[i+1:]...)
			return true
		}
	}
	return false
}

// Online returns online users of the room in the order they joined
func (t *Tracker) Online(roomID string) []User {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := []User{}
	if r, ok := t.rooms[roomID]; ok {
		out = append(out, r.online...)
	}
	return out
}

// SetTyping sets the typing expiry of the user to now+timeout. Refreshing replaces the expiry.
// It reports true only on the NotTyping -> Typing transition.
func (t *Tracker) SetTyping(roomID, userID string) bool {
	return t.SetTypingFor(roomID, userID, t.timeout)
}

// SetTypingFor is SetTyping with an entry lifetime of d instead of the tracker timeout
func (t *Tracker) SetTypingFor(roomID, userID string, d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	r := t.room(roomID)
	expiry, ok := r.typing[userID]
	r.typing[userID] = now.Add(d)

	return !ok || !now.Before(expiry)
}

// ClearTyping drops the typing entry regardless of its expiry.
// It reports true if the user was typing.
func (t *Tracker) ClearTyping(roomID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rooms[roomID]
	if !ok {
		return false
	}

	expiry, ok := r.typing[userID]
	delete(r.typing, userID)
	return ok && t.now().Before(expiry)
}

// IsTyping reports whether the user has an unexpired typing entry
func (t *Tracker) IsTyping(roomID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rooms[roomID]
	if !ok {
		return false
	}

	expiry, ok := r.typing[userID]
	return ok && t.now().Before(expiry)
}

// TypingUsers returns sorted ids of users whose typing entry has not expired.
// Expired entries are purged on read.
func (t *Tracker) TypingUsers(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := []string{}
	r, ok := t.rooms[roomID]
	if !ok {
		return out
	}

	now := t.now()
	for userID, expiry := range r.typing {
		if !now.Before(expiry) {
			delete(r.typing, userID)
			continue
		}
		out = append(out, userID)
	}

	sort.Strings(out)
	return out
}
