// Copyright 2026 The Bastion Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package policy

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// resetInterval is how often the hourly counters are cleared. The reset is
// lazy: every check compares the last reset timestamp instead of running a
// background timer, which keeps behavior deterministic under test clocks.
const resetInterval = time.Hour

// RateLimiter enforces per-key hourly caps and a minimum inter-request
// delay. Keys are Operation.RateKey() values ("type:user").
//
// This is a periodic-clear counter, not a sliding window: all keys reset
// together once the interval elapses. It is safe for concurrent use; the
// mutex preserves the at-most-N-per-hour invariant under parallel callers.
type RateLimiter struct {
	mu          sync.Mutex
	counts      map[string]int
	lastRequest map[string]time.Time
	lastReset   time.Time
	now         func() time.Time
}

// NewRateLimiter creates a limiter using the given clock (nil = time.Now).
func NewRateLimiter(now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		counts:      make(map[string]int),
		lastRequest: make(map[string]time.Time),
		lastReset:   now(),
		now:         now,
	}
}

// Check reports whether an approval for key is currently allowed.
// It never updates tracking state: denied decisions must not consume
// budget, so the engine calls Track separately after an approval.
func (l *RateLimiter) Check(key string, maxPerHour int, minDelay time.Duration) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.maybeResetLocked(now)

	if maxPerHour > 0 && l.counts[key] >= maxPerHour {
		return false, fmt.Sprintf("Auto-approval rate limit reached (%d per hour)", maxPerHour)
	}

	if minDelay > 0 {
		if last, ok := l.lastRequest[key]; ok {
			if elapsed := now.Sub(last); elapsed < minDelay {
				wait := int(math.Ceil((minDelay - elapsed).Seconds()))
				return false, fmt.Sprintf("Too soon since the last auto-approval: wait %ds", wait)
			}
		}
	}

	return true, ""
}

// Track records one approved request for key, consuming hourly budget and
// refreshing the delay timestamp.
func (l *RateLimiter) Track(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.maybeResetLocked(now)

	l.counts[key]++
	l.lastRequest[key] = now
}

// Count returns the current hourly count for key.
func (l *RateLimiter) Count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeResetLocked(l.now())
	return l.counts[key]
}

func (l *RateLimiter) maybeResetLocked(now time.Time) {
	if now.Sub(l.lastReset) < resetInterval {
		return
	}
	clear(l.counts)
	clear(l.lastRequest)
	l.lastReset = now
}
