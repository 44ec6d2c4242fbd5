package entitystore

import "sync/atomic"

// DefaultFailureThreshold is the number of consecutive recovery fetch
// failures that trips the breaker.
const DefaultFailureThreshold = 5

// Breaker stops recovery point fetches for the rest of the session once they
// have failed threshold times in a row. Once tripped it stays tripped until
// Reset. It is safe for concurrent use.
type Breaker struct {
	threshold int64
	failures  atomic.Int64
	tripped   atomic.Bool
}

// NewBreaker creates a breaker that trips after threshold failures.
func NewBreaker(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Breaker{threshold: int64(threshold)}
}

// Allow reports whether a fetch may be attempted.
func (b *Breaker) Allow() bool { return !b.tripped.Load() }

// Tripped reports whether the breaker has opened.
func (b *Breaker) Tripped() bool { return b.tripped.Load() }

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int { return int(b.failures.Load()) }

// Success resets the consecutive failure count.
func (b *Breaker) Success() {
	if !b.tripped.Load() {
		b.failures.Store(0)
	}
}

// Failure records a failed fetch and reports whether this call tripped the
// breaker.
func (b *Breaker) Failure() bool {
	if b.failures.Add(1) < b.threshold {
		return false
	}
	return b.tripped.CompareAndSwap(false, true)
}

// Reset closes the breaker and clears the count.
func (b *Breaker) Reset() {
	b.failures.Store(0)
	b.tripped.Store(false)
}
