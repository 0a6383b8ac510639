package timing

import (
	"sync"
	"time"
)

// Cancel stops a scheduled callback. It reports whether the callback was
// still pending. Calling it more than once is safe.
type Cancel func() bool

// Scheduler arms one-shot callbacks. Implementations decide on which
// goroutine callbacks run; the conversation session runs all of them on its
// event loop so components never need their own locking.
type Scheduler interface {
	// Now returns the scheduler's notion of the current time.
	Now() time.Time

	// AfterFunc runs f once d has elapsed unless the returned Cancel is
	// called first. A zero d runs f as soon as possible, never synchronously.
	AfterFunc(d time.Duration, f func()) Cancel
}

// Timer is a single re-armable deadline. Arming always cancels the previous
// deadline, so at most one callback is pending at a time.
//
// Timer is not safe for concurrent use; it is meant to be owned by a single
// event loop.
type Timer struct {
	sched  Scheduler
	cancel Cancel
	seq    uint64
}

// NewTimer returns an unarmed Timer backed by s.
func NewTimer(s Scheduler) *Timer {
	return &Timer{sched: s}
}

// Arm cancels any pending deadline and schedules f after d.
func (t *Timer) Arm(d time.Duration, f func()) {
	t.Stop()
	t.seq++
	seq := t.seq
	t.cancel = t.sched.AfterFunc(d, func() {
		// A stale callback from a replaced deadline must not run even if the
		// scheduler already dequeued it.
		if seq != t.seq || t.cancel == nil {
			return
		}
		t.cancel = nil
		f()
	})
}

// Stop cancels the pending deadline, if any.
func (t *Timer) Stop() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// Pending reports whether a deadline is armed.
func (t *Timer) Pending() bool {
	return t.cancel != nil
}

// PostFunc delivers a callback to an event loop. It returns false when the
// loop no longer accepts work.
type PostFunc func(func()) bool

// LoopScheduler is a [Scheduler] backed by the wall clock whose callbacks are
// handed to an event loop through post instead of running on timer
// goroutines.
type LoopScheduler struct {
	post PostFunc
}

// NewLoopScheduler returns a LoopScheduler delivering callbacks via post.
func NewLoopScheduler(post PostFunc) *LoopScheduler {
	return &LoopScheduler{post: post}
}

// Now implements [Scheduler].
func (s *LoopScheduler) Now() time.Time { return time.Now() }

// AfterFunc implements [Scheduler].
func (s *LoopScheduler) AfterFunc(d time.Duration, f func()) Cancel {
	var (
		mu        sync.Mutex
		cancelled bool
	)
	run := func() {
		s.post(func() {
			mu.Lock()
			c := cancelled
			cancelled = true
			mu.Unlock()
			if !c {
				f()
			}
		})
	}
	t := time.AfterFunc(d, run)
	return func() bool {
		t.Stop()
		mu.Lock()
		defer mu.Unlock()
		was := !cancelled
		cancelled = true
		return was
	}
}

var _ Scheduler = (*LoopScheduler)(nil)
