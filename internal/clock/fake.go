// internal/clock/fake.go
package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for tests. Timers and tickers fire
// synchronously inside Advance, in scheduled order, so tests never sleep.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int
	pending []*fakeEntry
}

type fakeEntry struct {
	clk      *Fake
	id       int
	at       time.Time
	interval time.Duration // zero for one-shot timers
	fn       func()
	stopped  bool
}

// NewFake returns a fake clock anchored at a fixed, arbitrary instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEntry{clk: f, id: f.nextID, at: f.now.Add(d), fn: fn}
	f.nextID++
	f.pending = append(f.pending, e)
	return e
}

func (f *Fake) NewTicker(interval time.Duration, fn func()) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEntry{clk: f, id: f.nextID, at: f.now.Add(interval), interval: interval, fn: fn}
	f.nextID++
	f.pending = append(f.pending, e)
	return fakeTicker{e}
}

// fakeTicker adapts a fakeEntry to the Ticker interface, whose Stop has no
// return value.
type fakeTicker struct{ e *fakeEntry }

func (t fakeTicker) Stop() { t.e.Stop() }

// Advance moves the clock forward by d, firing every due timer and ticker in
// order. Callbacks run without the clock lock held, so they may schedule new
// timers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	deadline := f.now.Add(d)
	for {
		e := f.nextDue(deadline)
		if e == nil {
			break
		}
		f.now = e.at
		fn := e.fn
		if e.interval > 0 {
			e.at = e.at.Add(e.interval)
		} else {
			e.stopped = true
		}
		f.mu.Unlock()
		fn()
		f.mu.Lock()
	}
	f.now = deadline
	f.compact()
	f.mu.Unlock()
}

// nextDue returns the earliest unstopped entry at or before deadline.
// Caller holds the lock.
func (f *Fake) nextDue(deadline time.Time) *fakeEntry {
	var best *fakeEntry
	for _, e := range f.pending {
		if e.stopped || e.at.After(deadline) {
			continue
		}
		if best == nil || e.at.Before(best.at) || (e.at.Equal(best.at) && e.id < best.id) {
			best = e
		}
	}
	return best
}

func (f *Fake) compact() {
	live := f.pending[:0]
	for _, e := range f.pending {
		if !e.stopped {
			live = append(live, e)
		}
	}
	f.pending = live
	sort.Slice(f.pending, func(i, j int) bool { return f.pending[i].id < f.pending[j].id })
}

// PendingCount returns how many timers or tickers are still scheduled.
func (f *Fake) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.pending {
		if !e.stopped {
			n++
		}
	}
	return n
}

func (e *fakeEntry) Stop() bool {
	e.clk.mu.Lock()
	defer e.clk.mu.Unlock()
	if e.stopped {
		return false
	}
	e.stopped = true
	return true
}
