// Package mock provides a deterministic, manually advanced implementation of
// [timing.Scheduler] for unit tests.
//
// Callbacks never run on their own: tests call [Scheduler.Advance] to move the
// virtual clock forward, which runs every callback that became due in
// deadline order (ties in scheduling order) on the calling goroutine.
//
//	sched := mock.NewScheduler()
//	sched.AfterFunc(time.Second, func() { fired = true })
//	sched.Advance(time.Second) // fired == true
package mock

import (
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/tutorvoice/internal/timing"
)

// epoch is the virtual clock's starting point.
var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type entry struct {
	at        time.Time
	seq       uint64
	f         func()
	cancelled bool
}

// Scheduler is a manually advanced [timing.Scheduler].
type Scheduler struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	entries []*entry
}

// NewScheduler returns a Scheduler whose clock starts at a fixed epoch.
func NewScheduler() *Scheduler {
	return &Scheduler{now: epoch}
}

// Now implements [timing.Scheduler].
func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Elapsed returns the virtual time passed since the epoch.
func (s *Scheduler) Elapsed() time.Duration {
	return s.Now().Sub(epoch)
}

// AfterFunc implements [timing.Scheduler].
func (s *Scheduler) AfterFunc(d time.Duration, f func()) timing.Cancel {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	s.seq++
	e := &entry{at: s.now.Add(d), seq: s.seq, f: f}
	s.entries = append(s.entries, e)
	s.mu.Unlock()

	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if e.cancelled {
			return false
		}
		e.cancelled = true
		return true
	}
}

// Pending returns the number of callbacks that are scheduled and not
// cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if !e.cancelled {
			n++
		}
	}
	return n
}

// Flush runs every callback that is already due without moving the clock.
func (s *Scheduler) Flush() {
	s.Advance(0)
}

// Advance moves the clock forward by d, running due callbacks in order. A
// callback scheduled by another callback runs in the same call if its
// deadline falls inside the advanced window.
func (s *Scheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		e := s.next(target)
		if e == nil {
			break
		}
		e.f()
	}

	s.mu.Lock()
	s.now = target
	s.mu.Unlock()
}

// AdvanceTo moves the clock to epoch+elapsed. It is a no-op if that point is
// already in the past.
func (s *Scheduler) AdvanceTo(elapsed time.Duration) {
	d := elapsed - s.Elapsed()
	if d < 0 {
		return
	}
	s.Advance(d)
}

// next pops the earliest live entry due at or before target and moves the
// clock to its deadline.
func (s *Scheduler) next(target time.Time) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.entries[:0]
	for _, e := range s.entries {
		if !e.cancelled {
			live = append(live, e)
		}
	}
	s.entries = live
	if len(s.entries) == 0 {
		return nil
	}
	sort.SliceStable(s.entries, func(i, j int) bool {
		if s.entries[i].at.Equal(s.entries[j].at) {
			return s.entries[i].seq < s.entries[j].seq
		}
		return s.entries[i].at.Before(s.entries[j].at)
	})
	e := s.entries[0]
	if e.at.After(target) {
		return nil
	}
	s.entries = s.entries[1:]
	e.cancelled = true
	if e.at.After(s.now) {
		s.now = e.at
	}
	return e
}

var _ timing.Scheduler = (*Scheduler)(nil)
