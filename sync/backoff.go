package sync

import (
	"math/rand"
	"time"
)

// Default backoff tuning. These are the only reconnect tunables; attempts
// are unbounded while a session is active.
const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second
)

// Backoff computes reconnect delays: doubling from Base, capped at Max.
// Owned exclusively by the Controller; reset on every successful connect.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
}

// NewBackoff creates a backoff with the given bounds, falling back to
// defaults for non-positive values.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	return &Backoff{Base: base, Max: max}
}

// DelayFor returns the pre-jitter delay for a given attempt number.
// Pure function: min(Base * 2^attempt, Max).
func (b *Backoff) DelayFor(attempt int) time.Duration {
	delay := b.Base
	for i := 0; i < attempt && delay < b.Max; i++ {
		delay *= 2
	}
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}

// Next returns the pre-jitter delay for the current attempt and advances
// the attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := b.DelayFor(b.attempt)
	b.attempt++
	return delay
}

// Attempt returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset zeroes the attempt counter. Called on every successful connect.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Jitter adds a random component in [0, delay/10] so a fleet of sessions
// does not reconnect in lockstep.
func Jitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(int64(delay)/10+1))
}
