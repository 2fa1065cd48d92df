// Package backoff provides the retry policy shared by the reconnector,
// outbound redelivery and persistence retries.
package backoff

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy is an exponential backoff: attempt n (1-based) waits
// min(Base * 2^(n-1), Max), and attempts beyond Cap are refused.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration `yaml:"base"`

	// Max bounds a single delay.
	Max time.Duration `yaml:"max"`

	// Cap is the maximum number of attempts per episode. 0 means unlimited.
	Cap int `yaml:"cap"`

	// Jitter adds up to Jitter*delay of random extra wait. 0 disables it.
	Jitter float64 `yaml:"jitter"`
}

// Default returns the reconnect defaults: 2s, 2s, 4s, ... up to 5m, 10 attempts.
func Default() Policy {
	return Policy{
		Base: 2 * time.Second,
		Max:  5 * time.Minute,
		Cap:  10,
	}
}

// Normalize fills zero fields from Default.
func (p Policy) Normalize() Policy {
	def := Default()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Cap < 0 {
		p.Cap = 0
	}
	return p
}

// Delay returns the wait before attempt (1-based). Attempts below 1 are
// treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max || d <= 0 {
			d = p.Max
			break
		}
	}
	d = min(d, p.Max)

	if p.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(float64(d)*p.Jitter) + 1))
	}
	return d
}

// Exhausted reports whether attempt exceeds the cap.
func (p Policy) Exhausted(attempt int) bool {
	return p.Cap > 0 && attempt > p.Cap
}

// Retry runs op once and then retries it up to Cap times, waiting Delay
// between tries. It returns nil on the first success, ctx.Err() when the
// context ends while waiting, and otherwise the last error.
func (p Policy) Retry(ctx context.Context, op func(ctx context.Context) error) error {
	err := op(ctx)
	for attempt := 1; err != nil && !p.Exhausted(attempt); attempt++ {
		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		err = op(ctx)
	}
	if err != nil {
		return fmt.Errorf("after %d retries: %w", p.Cap, err)
	}
	return nil
}
