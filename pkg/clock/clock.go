// Package clock abstracts timers so that connect timeouts and origin fallbacks
// can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a pending callback.
type Timer interface {
	// Stop prevents the callback from running and reports whether it was
	// still pending.
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Serialized returns a clock whose callbacks are handed to post instead of
// running on the timer goroutine. The node uses it to run every timer on its
// event loop.
func Serialized(c Clock, post func(func())) Clock {
	return &serialized{clock: c, post: post}
}

type serialized struct {
	clock Clock
	post  func(func())
}

func (s *serialized) Now() time.Time { return s.clock.Now() }

func (s *serialized) AfterFunc(d time.Duration, f func()) Timer {
	t := &serializedTimer{}
	t.inner = s.clock.AfterFunc(d, func() {
		s.post(func() {
			// Stop may have been called after the timer fired but before the
			// loop picked the callback up.
			if t.stopped() {
				return
			}
			f()
		})
	})
	return t
}

type serializedTimer struct {
	mu    sync.Mutex
	stop  bool
	inner Timer
}

func (t *serializedTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop {
		return false
	}
	t.stop = true
	t.inner.Stop()
	return true
}

func (t *serializedTimer) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop
}

// Fake is a manually advanced clock. Callbacks run synchronously inside
// Advance, in deadline order, on the caller's goroutine.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

func NewFake() *Fake {
	return &Fake{now: time.Date(2014, time.January, 1, 0, 0, 0, 0, time.UTC)}
}

type fakeTimer struct {
	clock *Fake
	when  time.Time
	seq   int
	fn    func()
	done  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{clock: f, when: f.now.Add(d), seq: f.seq, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves time forward by d, firing every timer that comes due,
// including timers scheduled by callbacks within the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		t := f.next(target)
		if t == nil {
			break
		}
		t.fn()
	}

	f.mu.Lock()
	f.now = target
	f.mu.Unlock()
}

// Pending reports how many timers are scheduled and not yet fired or stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.done {
			n++
		}
	}
	return n
}

func (f *Fake) next(target time.Time) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()

	live := f.timers[:0]
	for _, t := range f.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	f.timers = live

	sort.SliceStable(f.timers, func(i, j int) bool {
		if f.timers[i].when.Equal(f.timers[j].when) {
			return f.timers[i].seq < f.timers[j].seq
		}
		return f.timers[i].when.Before(f.timers[j].when)
	})
	if len(f.timers) == 0 || f.timers[0].when.After(target) {
		return nil
	}
	t := f.timers[0]
	t.done = true
	if t.when.After(f.now) {
		f.now = t.when
	}
	return t
}
