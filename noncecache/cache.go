// Package noncecache provides an advisory, in-memory cache over payment
// freshness, so payment hashes already known to be settled skip the
// on-chain isPaymentUsed round-trip, and concurrent settle requests for the
// same payment hash collapse into one submission instead of racing each
// other. The cache is never authoritative for freshness: a cache miss
// always falls through to the chain's view call (§5 shared-resource
// policy), and a "used" entry is only recorded from a chain result.
//
// Adapted from the pack's SettlementCache, which serves the identical role
// for a single EIP-3009 signature scheme; here the cache is keyed by the
// payment hash (owner‖recipient‖value‖deadline‖nonce) rather than a hash of
// the raw wire payload.
package noncecache

import (
	"context"
	"sync"
	"time"
)

// Status reports the result of checking the cache for a payment hash.
type Status int

const (
	// StatusNotFound means no cached result and no in-flight submission;
	// the caller should proceed and is now marked in-flight.
	StatusNotFound Status = iota
	// StatusUsed means a prior submission for this hash already succeeded.
	StatusUsed
	// StatusInFlight means another request is currently settling this
	// payment hash; the caller should wait on the returned channel.
	StatusInFlight
)

// Cache tracks which payment hashes have been successfully settled and
// which are currently in flight, with a bounded TTL so memory doesn't grow
// unbounded across the service's lifetime.
type Cache struct {
	mu       sync.Mutex
	used     map[string]time.Time // payment hash -> expiry
	inFlight map[string]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

// New creates a cache with the given TTL. now defaults to time.Now; tests
// inject a fixed-time function for deterministic expiry.
func New(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		used:     make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		now:      now,
	}
}

// CheckAndMark atomically checks whether paymentHash is known-used or
// in-flight, and if neither, marks it in-flight for this caller.
func (c *Cache) CheckAndMark(paymentHash string) (Status, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, ok := c.used[paymentHash]; ok {
		if c.now().Before(expiry) {
			return StatusUsed, nil
		}
		delete(c.used, paymentHash)
	}

	if done, ok := c.inFlight[paymentHash]; ok {
		return StatusInFlight, done
	}

	done := make(chan struct{})
	c.inFlight[paymentHash] = done
	return StatusNotFound, done
}

// WaitForResult blocks until an in-flight submission for paymentHash
// completes or ctx is cancelled.
func (c *Cache) WaitForResult(ctx context.Context, done chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkUsed records paymentHash as successfully settled and releases
// waiters. Subsequent CheckAndMark calls return StatusUsed until the TTL
// elapses, after which the chain remains the authoritative source.
func (c *Cache) MarkUsed(paymentHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.used[paymentHash] = c.now().Add(c.ttl)
	if done, ok := c.inFlight[paymentHash]; ok {
		delete(c.inFlight, paymentHash)
		close(done)
	}
	c.cleanupExpiredLocked()
}

// Release clears the in-flight marker without recording a used entry,
// allowing paymentHash to be retried after a failed submission.
func (c *Cache) Release(paymentHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if done, ok := c.inFlight[paymentHash]; ok {
		delete(c.inFlight, paymentHash)
		close(done)
	}
}

func (c *Cache) cleanupExpiredLocked() {
	now := c.now()
	for hash, expiry := range c.used {
		if now.After(expiry) {
			delete(c.used, hash)
		}
	}
}
