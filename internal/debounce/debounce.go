// Package debounce collapses bursts of events into a single deferred call
// per key.
package debounce

import (
	"sync"
	"time"
)

// Scheduler is a registry of at most one pending timer per key. It is owned
// by a single binding; Close cancels everything still pending so no callback
// fires after the owner is gone.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*entry
	closed bool
	wg     sync.WaitGroup
}

type entry struct {
	timer *time.Timer
	gen   uint64
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{timers: make(map[string]*entry)}
}

// Schedule (re)starts the timer for key. When the timer fires without being
// restarted, fn runs on its own goroutine. Scheduling on a closed Scheduler
// is a no-op and reports false.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	e := s.timers[key]
	if e == nil {
		e = &entry{}
		s.timers[key] = e
	} else if e.timer != nil && e.timer.Stop() {
		s.wg.Done()
	}
	e.gen++
	gen := e.gen
	s.wg.Add(1)
	e.timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		cur := s.timers[key]
		if s.closed || cur == nil || cur.gen != gen {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
	return true
}

// Cancel stops the pending timer for key, if any.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(key)
}

func (s *Scheduler) cancelLocked(key string) {
	e := s.timers[key]
	if e == nil {
		return
	}
	if e.timer.Stop() {
		s.wg.Done()
	}
	delete(s.timers, key)
}

// Pending reports whether key has a timer that has not fired yet.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Close cancels all pending timers and waits for callbacks already running.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for key := range s.timers {
		s.cancelLocked(key)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
