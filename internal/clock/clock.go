// internal/clock/clock.go
package clock

import (
	"sync"
	"time"
)

// Clock abstracts wall time and timer scheduling so that retry chains and
// periodic sweeps can run against a virtual clock in tests. Every component
// that schedules work takes a Clock instead of calling the time package
// directly.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules fn to run once d has elapsed. The returned Timer's
	// Stop cancels the callback if it has not fired yet.
	AfterFunc(d time.Duration, fn func()) Timer
	// NewTicker fires fn every interval until the returned Ticker is stopped.
	NewTicker(interval time.Duration, fn func()) Ticker
}

// Timer is a cancellable single-shot timer.
type Timer interface {
	// Stop cancels the timer. Returns false if it already fired or was
	// already stopped.
	Stop() bool
}

// Ticker is a cancellable periodic callback.
type Ticker interface {
	Stop()
}

// Real is the production Clock backed by the time package.
type Real struct{}

// New returns the real clock.
func New() Real { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{t: time.AfterFunc(d, fn)}
}

func (Real) NewTicker(interval time.Duration, fn func()) Ticker {
	t := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-t.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	return &realTicker{t: t, done: done}
}

type realTimer struct{ t *time.Timer }

func (rt realTimer) Stop() bool { return rt.t.Stop() }

type realTicker struct {
	t    *time.Ticker
	done chan struct{}
	once sync.Once
}

func (rt *realTicker) Stop() {
	rt.once.Do(func() {
		rt.t.Stop()
		close(rt.done)
	})
}
