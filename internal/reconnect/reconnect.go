// Package reconnect provides the backoff policy and timer plumbing shared by
// every channel that recovers from network drops.
//
// Each channel owns its own [Policy] instance and attempt counter; channels
// never share backoff state, so a flapping camera relay cannot starve the AI
// session of reconnect attempts (or vice versa).
package reconnect

import (
	"sync"
	"time"
)

// Default backoff parameters, used when a Policy field is zero.
const (
	defaultBase = 1 * time.Second
	defaultMax  = 30 * time.Second
)

// Policy describes bounded exponential backoff for one channel.
//
// The delay for attempt n is min(Max, Base * 2^n). The growth is
// deterministic; jitter is deliberately absent so the schedule stays
// testable, and would be added here if retry storms became a concern.
type Policy struct {
	// Base is the delay before the first retry. Defaults to 1s if zero.
	Base time.Duration

	// Max caps the delay regardless of attempt count. Defaults to 30s if zero.
	Max time.Duration

	// MaxAttempts is the number of retries before giving up. Zero or
	// negative means unlimited.
	MaxAttempts int
}

func (p Policy) base() time.Duration {
	if p.Base <= 0 {
		return defaultBase
	}
	return p.Base
}

func (p Policy) max() time.Duration {
	if p.Max <= 0 {
		return defaultMax
	}
	return p.Max
}

// DelayFor returns the backoff delay for the given zero-based attempt count.
func (p Policy) DelayFor(attempt int) time.Duration {
	base, max := p.base(), p.max()
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			// Capped, or the doubling overflowed.
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Exhausted reports whether the given zero-based attempt count has reached
// the policy's attempt limit.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Timer schedules a single pending callback. Starting a new callback
// replaces any previously scheduled one atomically, so at most one fire is
// ever outstanding per Timer. The zero value is ready to use.
//
// A callback that has already started running is not interrupted by a
// subsequent Start or Cancel; callers that need stronger guarantees should
// re-check their own state inside the callback.
type Timer struct {
	mu    sync.Mutex
	timer *time.Timer
}

// Start schedules fn to run after d, cancelling any previously scheduled
// callback that has not yet fired.
func (t *Timer) Start(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, fn)
}

// Cancel stops the pending callback, if any. It does not wait for a callback
// that is already executing.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
