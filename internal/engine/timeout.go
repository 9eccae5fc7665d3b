package engine

import (
	"sync"
	"time"
)

// Clock provides time operations, injectable for deterministic tests.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is a stoppable one-shot timer with a receive channel.
type Timer interface {
	Stop() bool
	C() <-chan time.Time
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTimer(d time.Duration) Timer {
	return &realTimer{timer: time.NewTimer(d)}
}

type realTimer struct{ timer *time.Timer }

func (t *realTimer) Stop() bool          { return t.timer.Stop() }
func (t *realTimer) C() <-chan time.Time { return t.timer.C }

// TimeoutSupervisor schedules one expiry timer per in-flight command id.
// Start on an id with an existing timer supersedes the prior one; the
// superseded timer's fire is guarded by pointer identity against the
// current entries[id] so it can never invoke a stale onExpire.
type TimeoutSupervisor struct {
	clock Clock

	mu      sync.Mutex
	entries map[string]*timeoutEntry
}

type timeoutEntry struct {
	timer      Timer
	submitAt   time.Time
	onExpire   func()
	stopSignal chan struct{}
}

// NewTimeoutSupervisor creates a supervisor using clock (RealClock if nil).
func NewTimeoutSupervisor(clock Clock) *TimeoutSupervisor {
	if clock == nil {
		clock = RealClock{}
	}
	return &TimeoutSupervisor{
		clock:   clock,
		entries: make(map[string]*timeoutEntry),
	}
}

// Start schedules a one-shot timer for id. If id already has an active
// timer, it is superseded: the old timer is stopped and its goroutine will
// find it is no longer entries[id] and skip invoking onExpire.
func (s *TimeoutSupervisor) Start(id string, duration time.Duration, onExpire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[id]; ok {
		old.timer.Stop()
		close(old.stopSignal)
	}

	entry := &timeoutEntry{
		timer:      s.clock.NewTimer(duration),
		submitAt:   s.clock.Now(),
		onExpire:   onExpire,
		stopSignal: make(chan struct{}),
	}
	s.entries[id] = entry

	go s.waitAndFire(id, entry)
}

func (s *TimeoutSupervisor) waitAndFire(id string, entry *timeoutEntry) {
	select {
	case <-entry.timer.C():
		s.mu.Lock()
		current, ok := s.entries[id]
		isCurrent := ok && current == entry
		if isCurrent {
			delete(s.entries, id)
		}
		s.mu.Unlock()
		if isCurrent {
			entry.onExpire()
		}
	case <-entry.stopSignal:
		return
	}
}

// Cancel stops id's timer without invoking onExpire. Idempotent and safe
// on unknown ids.
func (s *TimeoutSupervisor) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return
	}
	entry.timer.Stop()
	close(entry.stopSignal)
	delete(s.entries, id)
}

// Extend replaces id's active timer with a new one that expires extra after
// the call, preserving the original submit timestamp. A no-op if id has no
// active timer.
func (s *TimeoutSupervisor) Extend(id string, extra time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return
	}
	entry.timer.Stop()
	close(entry.stopSignal)

	newEntry := &timeoutEntry{
		timer:      s.clock.NewTimer(extra),
		submitAt:   entry.submitAt,
		onExpire:   entry.onExpire,
		stopSignal: make(chan struct{}),
	}
	s.entries[id] = newEntry
	go s.waitAndFire(id, newEntry)
}

// Active reports whether id currently has a running timer (for tests).
func (s *TimeoutSupervisor) Active(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}
