// Package ratelimit implements a token bucket used to throttle bursty,
// self-inflicted retry storms in the gossip layer: outbound dial attempts
// from Babblemouth's 60-second supervision loop (spec.md §4.D).
//
// Cost model: callers assign a flat cost per action (dial = 1 token by
// default). Refill is a full reset to capacity on a fixed period, not an
// incremental trickle — simple to reason about and sufficient to prevent a
// peer table full of unreachable entries from producing a dial storm every
// supervision tick.
//
// Invariants:
//   - tokens ∈ [0, capacity] at all times.
//   - Consume() is atomic under mutex.
//   - Refill goroutine runs for the lifetime of the Bucket.

package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bucket is a thread-safe token bucket rate limiter.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	// consumedTotal tracks lifetime tokens consumed (for metrics).
	consumedTotal atomic.Uint64

	// refillCount tracks number of refill cycles (for metrics).
	refillCount atomic.Uint64

	// stop channel for graceful shutdown of the refill goroutine.
	stop chan struct{}
}

// New creates a Bucket with the given capacity and starts the refill
// goroutine. capacity must be > 0. refillPeriod must be > 0.
// Call Close() to stop the refill goroutine.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("ratelimit.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("ratelimit.Bucket: refillPeriod must be > 0")
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

// refillLoop runs in a dedicated goroutine and refills the bucket to full
// capacity every refillPeriod. Exits when Close() is called.
func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Consume attempts to consume `cost` tokens from the bucket.
// Returns true if the tokens were available and consumed.
// Returns false if insufficient tokens remain (action must be deferred).
// Thread-safe.
func (b *Bucket) Consume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= cost {
		b.tokens -= cost
		b.consumedTotal.Add(uint64(cost))
		return true
	}
	return false
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the maximum token capacity.
func (b *Bucket) Capacity() int {
	return b.capacity // Immutable after construction.
}

// ConsumedTotal returns the lifetime total of tokens consumed.
func (b *Bucket) ConsumedTotal() uint64 {
	return b.consumedTotal.Load()
}

// RefillCount returns the number of refill cycles completed.
func (b *Bucket) RefillCount() uint64 {
	return b.refillCount.Load()
}

// Close stops the refill goroutine. Safe to call once.
func (b *Bucket) Close() {
	close(b.stop)
}
