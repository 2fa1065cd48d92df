package session

import (
	"sync"
	"time"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/backoff"
)

// stopper is the part of *time.Timer the reconnector needs.
type stopper interface {
	Stop() bool
}

// reconnector schedules reconnect attempts with exponential backoff. At most
// one timer is live; scheduling replaces the previous one.
type reconnector struct {
	policy    backoff.Policy
	afterFunc func(time.Duration, func()) stopper

	mu       sync.Mutex
	attempts int
	timer    stopper
	delay    time.Duration
	// gen invalidates timers that fire after being stopped.
	gen uint64
}

func newReconnector(policy backoff.Policy) *reconnector {
	return &reconnector{
		policy: policy,
		afterFunc: func(d time.Duration, fn func()) stopper {
			return time.AfterFunc(d, fn)
		},
	}
}

// Schedule bumps the attempt counter and arms fn after the backoff delay.
// Past the cap it arms nothing and returns ErrReconnectExhausted; the
// counter stays at the cap.
func (r *reconnector) Schedule(fn func()) (int, time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()
	r.attempts++
	if r.policy.Exhausted(r.attempts) {
		r.attempts = r.policy.Cap
		return r.attempts, 0, ErrReconnectExhausted
	}

	r.delay = r.policy.Delay(r.attempts)
	gen := r.gen
	r.timer = r.afterFunc(r.delay, func() {
		r.mu.Lock()
		live := r.gen == gen
		if live {
			r.timer = nil
			r.delay = 0
		}
		r.mu.Unlock()
		if live {
			fn()
		}
	})
	return r.attempts, r.delay, nil
}

// Reset cancels any pending attempt and zeroes the counter.
func (r *reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.attempts = 0
}

// Attempts returns the attempt counter of the current episode.
func (r *reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Pending returns the delay of the armed timer, and false when none is armed.
func (r *reconnector) Pending() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delay, r.timer != nil
}

func (r *reconnector) stopLocked() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
		r.delay = 0
	}
}
