// Package ratelimit enforces per-key requests-per-minute and
// tokens-per-minute limits over a 60 second sliding window, implemented as
// a ring of one-second buckets for bounded memory.
package ratelimit

import (
	"sync"
	"time"
)

const (
	windowSeconds = 60
	// Idle rings are reclaimed after this long without a check.
	idleTTL = 2 * time.Minute
	// Reclaim sweeps run every this many checks.
	sweepEvery = 256
)

// Limits are a key's per-minute caps. Zero means unlimited.
type Limits struct {
	RPM int
	TPM int64
}

// Decision is the limiter verdict for one request.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// ring holds one key's sliding window. Slot i covers unix second s where
// s % 60 == i; the sec field detects stale slots without clearing sweeps.
type ring struct {
	sec      [windowSeconds]int64
	requests [windowSeconds]int
	tokens   [windowSeconds]int64
	lastSeen time.Time
}

// Limiter tracks all keys. A single mutex suffices; the critical section is
// a fixed-size array scan.
type Limiter struct {
	mu     sync.Mutex
	keys   map[string]*ring
	checks int
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates an empty Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		keys: make(map[string]*ring),
		now:  time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Check admits or rejects a request costing the given token weight
// (estimated input tokens plus max_tokens). Admission records the request
// into the window; rejection does not.
func (l *Limiter) Check(keyID string, limits Limits, tokenWeight int64) Decision {
	if limits.RPM <= 0 && limits.TPM <= 0 {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.checks++
	if l.checks%sweepEvery == 0 {
		l.sweepLocked()
	}

	now := l.now()
	r, ok := l.keys[keyID]
	if !ok {
		r = &ring{}
		l.keys[keyID] = r
	}
	r.lastSeen = now

	nowSec := now.Unix()
	windowStart := nowSec - windowSeconds + 1

	var reqSum int
	var tokSum int64
	oldest := int64(0)
	for i := 0; i < windowSeconds; i++ {
		if r.sec[i] < windowStart {
			continue
		}
		reqSum += r.requests[i]
		tokSum += r.tokens[i]
		if r.requests[i] > 0 && (oldest == 0 || r.sec[i] < oldest) {
			oldest = r.sec[i]
		}
	}

	if limits.RPM > 0 && reqSum+1 > limits.RPM {
		return Decision{
			Allowed:      false,
			Reason:       "request rate limit exceeded",
			RetryAfterMs: retryAfterMs(now, oldest),
		}
	}
	if limits.TPM > 0 && tokSum+tokenWeight > limits.TPM {
		return Decision{
			Allowed:      false,
			Reason:       "token rate limit exceeded",
			RetryAfterMs: retryAfterMs(now, oldest),
		}
	}

	slot := nowSec % windowSeconds
	if r.sec[slot] != nowSec {
		r.sec[slot] = nowSec
		r.requests[slot] = 0
		r.tokens[slot] = 0
	}
	r.requests[slot]++
	r.tokens[slot] += tokenWeight
	return Decision{Allowed: true}
}

// retryAfterMs is the time until the oldest occupied bucket slides out of
// the window.
func retryAfterMs(now time.Time, oldestSec int64) int64 {
	if oldestSec == 0 {
		return 1000
	}
	expiry := time.Unix(oldestSec+windowSeconds, 0)
	ms := expiry.Sub(now).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

func (l *Limiter) sweepLocked() {
	cutoff := l.now().Add(-idleTTL)
	for k, r := range l.keys {
		if r.lastSeen.Before(cutoff) {
			delete(l.keys, k)
		}
	}
}

// TrackedKeys reports how many keys currently hold a window.
func (l *Limiter) TrackedKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
