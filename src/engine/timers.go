package engine

import (
	"sync"
	"time"
)

// timerSet tracks one grace timer and one serialization mutex per
// application. The mutex keeps vote handling and timer fires for the same
// application from interleaving; different applications run concurrently.
// Each scheduled timer carries a generation number so a fire that waited
// out a disarm and re-arm can tell it no longer owns the deadline.
type timerSet struct {
	mu     sync.Mutex
	seq    uint64
	locks  map[uint64]*sync.Mutex
	timers map[uint64]timerEntry
}

type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

func newTimerSet() *timerSet {
	return &timerSet{
		locks:  make(map[uint64]*sync.Mutex),
		timers: make(map[uint64]timerEntry),
	}
}

// lock acquires the per-application mutex and returns its unlock func.
func (s *timerSet) lock(appID uint64) func() {
	s.mu.Lock()
	m, ok := s.locks[appID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[appID] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// release drops the per-application mutex once the application is terminal.
// A holder of the old mutex finishes against the stored status; a later
// late vote allocates a fresh one on demand.
func (s *timerSet) release(appID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, appID)
}

// schedule arms the grace timer for an application, replacing any timer
// already running for it. The callback receives the generation it was
// scheduled under.
func (s *timerSet) schedule(appID uint64, d time.Duration, fire func(gen uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.timers[appID]; ok {
		e.timer.Stop()
	}
	s.seq++
	gen := s.seq
	s.timers[appID] = timerEntry{
		timer: time.AfterFunc(d, func() { fire(gen) }),
		gen:   gen,
	}
}

// generation returns the generation of the live timer, if one is tracked.
func (s *timerSet) generation(appID uint64) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[appID]
	return e.gen, ok
}

// cancel stops and forgets the timer. Best effort: a fire already past
// Stop fails the generation check and no-ops on its own.
func (s *timerSet) cancel(appID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.timers[appID]; ok {
		e.timer.Stop()
		delete(s.timers, appID)
	}
}

// forget drops the entry of a timer that has fired, but only while it is
// still the live generation.
func (s *timerSet) forget(appID uint64, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.timers[appID]; ok && e.gen == gen {
		delete(s.timers, appID)
	}
}

func (s *timerSet) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
}
