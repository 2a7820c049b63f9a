package testing

import (
	"sort"
	"sync"
	"time"

	"roomchat/internal/timers"
)

// ManualScheduler is a timers.Scheduler with a virtual clock moved by Advance
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	at      time.Time
	seq     int
	f       func()
	stopped bool
}

// NewManualScheduler returns scheduler with the clock set to start
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

func (s *ManualScheduler) AfterFunc(d time.Duration, f func()) timers.Stopper {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	t := &manualTimer{at: s.now.Add(d), seq: s.seq, f: f}
	s.timers = append(s.timers, t)
	return &manualStopper{s: s, t: t}
}

// Now returns virtual time
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Scheduled returns the number of timers neither fired nor stopped
func (s *ManualScheduler) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves the clock by d, running due callbacks in deadline order with the clock set to each deadline
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		next := s.nextDue(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		next.stopped = true
		s.now = next.at
		s.mu.Unlock()

		next.f()
	}
}

func (s *ManualScheduler) nextDue(target time.Time) *manualTimer {
	live := s.timers[:0]
	for _, t := range s.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	s.timers = live

	sort.SliceStable(s.timers, func(i, j int) bool {
		if s.timers[i].at.Equal(s.timers[j].at) {
			return s.timers[i].seq < s.timers[j].seq
		}
		return s.timers[i].at.Before(s.timers[j].at)
	})

	if len(s.timers) == 0 || s.timers[0].at.After(target) {
		return nil
	}
	return s.timers[0]
}

type manualStopper struct {
	s *ManualScheduler
	t *manualTimer
}

func (m *manualStopper) Stop() bool {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if m.t.stopped {
		return false
	}
	m.t.stopped = true
	return true
}
