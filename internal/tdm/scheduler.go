package tdm

import (
	"sync"
	"time"
)

type timerID uint64

// scheduler runs one-shot timers and lets them be cancelled by id.
type scheduler struct {
	mu     sync.Mutex
	next   timerID
	timers map[timerID]*time.Timer
	closed bool
}

func newScheduler() *scheduler {
	return &scheduler{timers: make(map[timerID]*time.Timer)}
}

// schedule runs fn after d. It returns 0 once the scheduler is stopped.
func (s *scheduler) schedule(d time.Duration, fn func()) timerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	s.next++
	id := s.next
	s.timers[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if live {
			fn()
		}
	})
	return id
}

// cancel stops a pending timer. It reports whether the timer had not yet
// fired.
func (s *scheduler) cancel(id timerID) bool {
	if id == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return false
	}
	delete(s.timers, id)
	return t.Stop()
}

func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
