package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a classic token bucket: rate tokens per second refilled
// lazily, up to capacity.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int
	lastRefill time.Time
}

func NewTokenBucket(rate, capacity int) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Limiter admits public requests globally and per tunnel subdomain.
// A rate of 0 disables that dimension.
type Limiter struct {
	mu         sync.Mutex
	global     *TokenBucket
	perTunnel  map[string]*TokenBucket
	tunnelRate int
	burst      int
}

// NewLimiter builds a request limiter. globalRate bounds all public requests
// together; tunnelRate bounds each subdomain separately. burst is the bucket
// capacity for both.
func NewLimiter(globalRate, tunnelRate, burst int) *Limiter {
	l := &Limiter{
		perTunnel:  make(map[string]*TokenBucket),
		tunnelRate: tunnelRate,
		burst:      burst,
	}
	if globalRate > 0 {
		l.global = NewTokenBucket(globalRate, burst)
	}
	return l
}

// AllowRequest checks the global bucket, then the subdomain's bucket.
func (l *Limiter) AllowRequest(subdomain string) bool {
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.tunnelRate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, exists := l.perTunnel[subdomain]
	if !exists {
		bucket = NewTokenBucket(l.tunnelRate, l.burst)
		l.perTunnel[subdomain] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Cleanup drops buckets for subdomains that no longer have a live tunnel.
func (l *Limiter) Cleanup(active map[string]bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name := range l.perTunnel {
		if !active[name] {
			delete(l.perTunnel, name)
		}
	}
}
