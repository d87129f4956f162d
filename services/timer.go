package services

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/batnet/ledger/protocol"
)

// WallClockScheduler implements protocol.TimerScheduler over time.AfterFunc.
type WallClockScheduler struct {
	next atomic.Uint32

	mu     sync.Mutex
	timers map[protocol.TimerID]*time.Timer
}

// NewWallClockScheduler creates a scheduler with no pending timers.
func NewWallClockScheduler() *WallClockScheduler {
	return &WallClockScheduler{timers: make(map[protocol.TimerID]*time.Timer)}
}

// Set implements protocol.TimerScheduler. The callback runs on its own
// goroutine after delay unless killed first.
func (s *WallClockScheduler) Set(delay time.Duration, fn func()) protocol.TimerID {
	id := protocol.TimerID(s.next.Inc())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		fn()
	})
	return id
}

// Kill implements protocol.TimerScheduler. Killing an already-fired or
// unknown timer is a no-op.
func (s *WallClockScheduler) Kill(id protocol.TimerID) {
	s.mu.Lock()
	timer, ok := s.timers[id]
	delete(s.timers, id)
	s.mu.Unlock()

	if ok {
		timer.Stop()
	}
}

// Shutdown stops every pending timer.
func (s *WallClockScheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}
