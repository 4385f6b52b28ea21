// Copyright (c) Hivegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token-bucket admission throttling for inbound
// connections. The proxy core accepts an unbounded number of connections;
// this limiter is the opt-in extension point for deployments that want to
// shed connection floods before any handshake byte is read.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a token bucket rate limiter.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a token bucket with the given capacity and refill
// rate in tokens per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow consumes one token, reporting whether the request is admitted.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	added := int64(elapsed * float64(tb.refillRate))
	if added > 0 {
		tb.tokens = min(tb.tokens+added, tb.capacity)
		tb.lastRefill = now
	}
}

// SourceLimiter tracks one token bucket per connection source (remote IP).
type SourceLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*TokenBucket
	capacity   int64
	refillRate int64
	maxSources int
}

// NewSourceLimiter creates a per-source connection-rate limiter. maxSources
// bounds the tracking map; sources beyond the bound are rejected outright
// until the map is swept.
func NewSourceLimiter(capacity, refillRate int64, maxSources int) *SourceLimiter {
	if maxSources == 0 {
		maxSources = 10000
	}
	return &SourceLimiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxSources: maxSources,
	}
}

// Allow reports whether a new connection from source is admitted.
func (l *SourceLimiter) Allow(source string) bool {
	l.mu.Lock()
	tb, ok := l.buckets[source]
	if !ok {
		if len(l.buckets) >= l.maxSources {
			l.sweep()
		}
		if len(l.buckets) >= l.maxSources {
			l.mu.Unlock()
			return false
		}
		tb = NewTokenBucket(l.capacity, l.refillRate)
		l.buckets[source] = tb
	}
	l.mu.Unlock()

	return tb.Allow()
}

// sweep drops buckets that have refilled to capacity; an idle source loses
// nothing by being forgotten. Callers hold l.mu.
func (l *SourceLimiter) sweep() {
	for src, tb := range l.buckets {
		tb.mu.Lock()
		tb.refill()
		full := tb.tokens == tb.capacity
		tb.mu.Unlock()
		if full {
			delete(l.buckets, src)
		}
	}
}

// Sources returns the number of tracked sources.
func (l *SourceLimiter) Sources() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
