// Package ratelimit implements a lazily-refilling token bucket: a burst of
// N acquisitions is always free, after which the bucket empties and the
// next acquire blocks until a full refill delay has elapsed since the
// bucket was last refilled. There is no background refill goroutine —
// refill happens on demand, inside the first post-burst Acquire call.
//
// This is deliberately not golang.org/x/time/rate: that limiter refills
// continuously (a trickle of tokens spread across the window), while this
// one gives a hard burst followed by a hard floor of exactly N admissions
// per D once the burst is spent. The two have different admission curves
// and the second is what the upstream API's shared rate limit expects.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter gates callers to N acquisitions per refill window, after an
// initial burst of N. It is safe for concurrent use; Acquire serializes
// all callers through a single mutex, so one slow caller blocks every
// other caller — this is intentional, the limit is shared process-wide.
type Limiter struct {
	mu          sync.Mutex
	bucketSize  int
	refillDelay time.Duration
	tokens      int
	lastRefill  time.Time

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
	// sleep is overridable in tests; defaults to time.Sleep.
	sleep func(time.Duration)
}

// New constructs a Limiter with the given burst size and refill delay.
func New(bucketSize int, refillDelay time.Duration) *Limiter {
	return &Limiter{
		bucketSize:  bucketSize,
		refillDelay: refillDelay,
		tokens:      bucketSize,
		lastRefill:  time.Now(),
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// Acquire blocks until the caller has consumed exactly one token, then
// returns. See the package doc for the admission curve this implements.
func (l *Limiter) Acquire() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tokens > 0 {
		l.tokens--
		return
	}

	elapsed := l.now().Sub(l.lastRefill)
	if wait := l.refillDelay - elapsed; wait > 0 {
		l.sleep(wait)
	}

	l.tokens = l.bucketSize - 1
	l.lastRefill = l.now()
}

// BucketSize returns the configured burst size.
func (l *Limiter) BucketSize() int {
	return l.bucketSize
}
