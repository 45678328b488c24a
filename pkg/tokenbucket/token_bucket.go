// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package tokenbucket

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements the basic token bucket rate limiting algorithm.
// It is safe for use by multiple goroutines at once.
type TokenBucket struct {
	lock     sync.Mutex
	rate     float64
	capacity float64
	current  float64
	last     time.Time
}

// New returns a new token bucket that fills at the given rate
// (tokens per second) and has the given capacity (tokens). The bucket
// starts full.
func New(rate float64, capacity float64) *TokenBucket {
	return &TokenBucket{
		rate:     rate,
		capacity: capacity,
		current:  capacity,
		last:     time.Now(),
	}
}

// Take consumes n tokens from the bucket and sleeps until those tokens are replenished.
func (tb *TokenBucket) Take(n float64) {
	if d := tb.TakeAndUpdate(n, time.Now()); d > 0 {
		time.Sleep(d)
	}
}

// Wait is like Take, but gives up early if ctx is done. The tokens stay
// consumed either way.
func (tb *TokenBucket) Wait(ctx context.Context, n float64) error {
	d := tb.TakeAndUpdate(n, time.Now())
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TakeAndUpdate updates the state of the bucket to a new time, consumes n tokens, leaving
// a negative balance if necessary, and returns how long the caller should sleep until
// there's a non-negative balance again (may be negative if there was enough capacity).
func (tb *TokenBucket) TakeAndUpdate(n float64, now time.Time) (sleepTime time.Duration) {
	tb.lock.Lock()
	defer tb.lock.Unlock()

	tb.refill(now)
	tb.current -= n
	return time.Duration(-tb.current / tb.rate * float64(time.Second))
}

// Available returns the number of tokens in the bucket at 'now'. It may be
// negative if callers have borrowed against the future.
func (tb *TokenBucket) Available(now time.Time) float64 {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	tb.refill(now)
	return tb.current
}

// SetRate allows you to change the rate and capacity of this TokenBucket after it's created.
func (tb *TokenBucket) SetRate(rate, capacity float64) {
	tb.lock.Lock()
	tb.rate = rate
	tb.capacity = capacity
	if tb.current > capacity {
		tb.current = capacity
	}
	tb.lock.Unlock()
}

// refill adds capacity based on elapsed time, capped at capacity. Must be
// called with lock held.
func (tb *TokenBucket) refill(now time.Time) {
	if now.After(tb.last) {
		tb.current += tb.rate * now.Sub(tb.last).Seconds()
		tb.last = now
	}
	if tb.current > tb.capacity {
		tb.current = tb.capacity
	}
}
