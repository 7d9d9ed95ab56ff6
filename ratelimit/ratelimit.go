// Package ratelimit provides the admission gate run before any other
// resource is spent on a call.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ef-rpc/policy"
)

// Limiter admits or rejects a single call. Rejection never blocks.
type Limiter interface {
	Allow() bool
}

// TokenBucket holds threshold tokens and refills threshold/window tokens per
// second, computed lazily on each check. A fresh bucket is full.
type TokenBucket struct {
	l *rate.Limiter
}

func NewTokenBucket(threshold int, window time.Duration) *TokenBucket {
	r := rate.Limit(float64(threshold) / window.Seconds())
	return &TokenBucket{l: rate.NewLimiter(r, threshold)}
}

func (b *TokenBucket) Allow() bool { return b.l.Allow() }

// AllowAt is Allow as of t.
func (b *TokenBucket) AllowAt(t time.Time) bool { return b.l.AllowN(t, 1) }

// Tokens returns the tokens currently available.
func (b *TokenBucket) Tokens() float64 { return b.l.Tokens() }

// FixedWindow admits up to threshold calls per window, the window starting
// at the first call after the previous one ended.
type FixedWindow struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	start     time.Time
	count     int
	now       func() time.Time
}

func NewFixedWindow(threshold int, window time.Duration) *FixedWindow {
	return &FixedWindow{threshold: threshold, window: window, now: time.Now}
}

func (w *FixedWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if now.Sub(w.start) >= w.window {
		w.start = now
		w.count = 0
	}
	if w.count >= w.threshold {
		return false
	}
	w.count++
	return true
}

// New builds the limiter selected by p.Strategy; token bucket by default.
func New(p policy.RateLimit) (Limiter, error) {
	if p.Threshold <= 0 || p.Window <= 0 {
		return nil, fmt.Errorf("ratelimit: threshold and window must be positive")
	}
	switch p.Strategy {
	case "", policy.StrategyTokenBucket:
		return NewTokenBucket(p.Threshold, p.Window), nil
	case policy.StrategyFixedWindow:
		return NewFixedWindow(p.Threshold, p.Window), nil
	}
	return nil, fmt.Errorf("ratelimit: unknown strategy %q", p.Strategy)
}

// Group keeps one limiter per key, created on first use from the policy in
// force at that time.
type Group struct {
	mu       sync.RWMutex
	limiters map[string]Limiter
}

func NewGroup() *Group {
	return &Group{limiters: make(map[string]Limiter)}
}

// Allow admits one call on key.
func (g *Group) Allow(key string, p policy.RateLimit) (bool, error) {
	g.mu.RLock()
	l, ok := g.limiters[key]
	g.mu.RUnlock()
	if !ok {
		var err error
		if l, err = g.create(key, p); err != nil {
			return false, err
		}
	}
	return l.Allow(), nil
}

func (g *Group) create(key string, p policy.RateLimit) (Limiter, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.limiters[key]; ok {
		return l, nil
	}
	l, err := New(p)
	if err != nil {
		return nil, err
	}
	g.limiters[key] = l
	return l, nil
}
