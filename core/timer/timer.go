// Package timer implements the generic one-shot/periodic scheduler that
// core/sub relies on for its batched signal notification (see
// SPEC_FULL.md §4.3). It purposefully knows nothing about
// subscriptions: it only calls back into whatever closure was
// registered, and lets the caller decide whether to reschedule.
package timer

import (
	"sync"
	"time"
)

// FireFunc is invoked every time the timer fires. The closure passed to
// New is handed back unchanged so callers don't need to capture it a
// second time.
type FireFunc func(t *Timer)

// StopFunc is invoked exactly once, after the timer has been stopped
// and will never fire again. This is where a caller releases whatever
// reference it took out to keep the timer's target alive.
type StopFunc func(t *Timer)

// Timer is a re-armable, stoppable one-shot timer. Unlike time.Ticker,
// the interval can be changed between fires (Reset), which core/sub
// uses to widen its interval back out to the idle value and narrow it
// back in when messages start arriving.
type Timer struct {
	onFire FireFunc
	onStop StopFunc
	closure interface{}

	mu       sync.Mutex
	interval time.Duration
	t        *time.Timer
	stopped  bool
}

// New creates and starts a timer that first fires after intervalMs
// milliseconds. onFire is called from its own goroutine per fire; it
// must reschedule itself (via Reset) if periodic behavior is wanted —
// the timer does not automatically repeat.
func New(onFire FireFunc, onStop StopFunc, intervalMs int64, closure interface{}) *Timer {
	tm := &Timer{
		onFire:   onFire,
		onStop:   onStop,
		closure:  closure,
		interval: time.Duration(intervalMs) * time.Millisecond,
	}
	tm.t = time.AfterFunc(tm.interval, tm.fire)
	return tm
}

// Closure returns the opaque value passed to New, mirroring the
// closure-pointer convention used throughout the core.
func (tm *Timer) Closure() interface{} { return tm.closure }

func (tm *Timer) fire() {
	tm.mu.Lock()
	if tm.stopped {
		tm.mu.Unlock()
		return
	}
	tm.mu.Unlock()

	tm.onFire(tm)
}

// Reset rearms the timer to fire intervalMs from now. A no-op if the
// timer has already been stopped.
func (tm *Timer) Reset(intervalMs int64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.stopped {
		return
	}

	tm.interval = time.Duration(intervalMs) * time.Millisecond
	tm.t.Reset(tm.interval)
}

// Stop halts future fires and invokes onStop exactly once, from its own
// goroutine. Safe to call more than once; only the first call has any
// effect.
//
// onStop runs asynchronously, never on the calling goroutine, mirroring
// the real NATS C client's timer thread: there, natsTimer_Stop signals
// the timer's own background thread to exit and that thread invokes the
// stop callback itself, so a caller holding the target's lock while
// calling Stop can never deadlock against its own stop callback trying
// to reacquire that same lock (see core/sub.Subscription.Close and
// NoDeliveryDelay, both of which call Stop while holding s.mu).
func (tm *Timer) Stop() {
	tm.mu.Lock()
	if tm.stopped {
		tm.mu.Unlock()
		return
	}
	tm.stopped = true
	tm.t.Stop()
	tm.mu.Unlock()

	if tm.onStop != nil {
		go tm.onStop(tm)
	}
}
