// Package policy holds the per-method dispatch policy: timeout, retry, cache,
// circuit breaker and rate limit parameters.
//
// A Set is attached to a service at registration time (server side) or to a
// Proxy at construction time (client side) and never changes afterwards;
// replacing a policy means registering again.
package policy

import (
	"fmt"
	"maps"
	"time"
)

// Backoff selects how the retry interval grows between attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// Scope selects the breaker key.
type Scope string

const (
	ScopeService Scope = "service" // service:version
	ScopeMethod  Scope = "method"  // service.method:version
)

const (
	StrategyTokenBucket = "token_bucket"
	StrategyFixedWindow = "fixed_window"
	StrategyLRU         = "lru"
)

type Retry struct {
	Enabled  bool
	Count    int // additional attempts after the first
	Interval time.Duration
	Backoff  Backoff
	// MaxInterval caps exponential backoff. Zero means no cap.
	MaxInterval time.Duration
}

type Cache struct {
	Enabled  bool
	TTL      time.Duration
	MaxSize  int
	Strategy string
}

type CircuitBreaker struct {
	Enabled          bool
	FailureThreshold int
	RecoveryTime     time.Duration
	// HalfOpenTimeout bounds a trial call. A trial that has not reported back
	// within it counts as failed.
	HalfOpenTimeout time.Duration
	Scope           Scope
	// IgnoreApplicationErrors stops callee failures from counting toward
	// the threshold. By default they count.
	IgnoreApplicationErrors bool
}

type RateLimit struct {
	Enabled   bool
	Threshold int
	Window    time.Duration
	Strategy  string
}

// Method is the policy of a single method.
type Method struct {
	Timeout time.Duration
	Async   bool
	// NonIdempotent marks a method whose repeated execution has side effects.
	// It forces a single attempt regardless of Retry.
	NonIdempotent  bool
	Retry          Retry
	Cache          Cache
	CircuitBreaker CircuitBreaker
	RateLimit      RateLimit
}

// Default returns the built-in method policy.
func Default() Method {
	return Method{
		Timeout: 5 * time.Second,
		Retry: Retry{
			Enabled:  true,
			Count:    3,
			Interval: time.Second,
			Backoff:  BackoffFixed,
		},
		Cache: Cache{
			TTL:      300 * time.Second,
			MaxSize:  1000,
			Strategy: StrategyLRU,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 5,
			RecoveryTime:     60 * time.Second,
			HalfOpenTimeout:  30 * time.Second,
			Scope:            ScopeService,
		},
		RateLimit: RateLimit{
			Threshold: 1000,
			Window:    time.Second,
			Strategy:  StrategyTokenBucket,
		},
	}
}

// Attempts returns the maximum number of transport attempts for one call.
func (m Method) Attempts() int {
	if !m.Retry.Enabled || m.NonIdempotent || m.Retry.Count < 0 {
		return 1
	}
	return m.Retry.Count + 1
}

// Validate checks the enabled sections for values that would make the
// dispatch core misbehave.
func (m Method) Validate() error {
	if m.Timeout <= 0 {
		return fmt.Errorf("policy: timeout must be positive, got %v", m.Timeout)
	}
	if m.Retry.Enabled {
		if m.Retry.Count < 0 {
			return fmt.Errorf("policy: negative retry count %d", m.Retry.Count)
		}
		if m.Retry.Interval < 0 {
			return fmt.Errorf("policy: negative retry interval %v", m.Retry.Interval)
		}
		switch m.Retry.Backoff {
		case "", BackoffFixed, BackoffExponential:
		default:
			return fmt.Errorf("policy: unknown backoff %q", m.Retry.Backoff)
		}
	}
	if m.Cache.Enabled {
		if m.Cache.TTL <= 0 || m.Cache.MaxSize <= 0 {
			return fmt.Errorf("policy: cache needs positive ttl and size")
		}
		if m.Cache.Strategy != "" && m.Cache.Strategy != StrategyLRU {
			return fmt.Errorf("policy: unknown cache strategy %q", m.Cache.Strategy)
		}
	}
	if m.CircuitBreaker.Enabled {
		cb := m.CircuitBreaker
		if cb.FailureThreshold <= 0 || cb.RecoveryTime <= 0 {
			return fmt.Errorf("policy: breaker needs positive threshold and recovery time")
		}
		switch cb.Scope {
		case "", ScopeService, ScopeMethod:
		default:
			return fmt.Errorf("policy: unknown breaker scope %q", cb.Scope)
		}
	}
	if m.RateLimit.Enabled {
		if m.RateLimit.Threshold <= 0 || m.RateLimit.Window <= 0 {
			return fmt.Errorf("policy: rate limit needs positive threshold and window")
		}
		switch m.RateLimit.Strategy {
		case "", StrategyTokenBucket, StrategyFixedWindow:
		default:
			return fmt.Errorf("policy: unknown rate limit strategy %q", m.RateLimit.Strategy)
		}
	}
	return nil
}

// Set is an immutable collection of method policies: a default plus
// per-method overrides keyed by method name.
type Set struct {
	def     Method
	methods map[string]Method
}

// NewSet builds a Set. overrides may be nil.
func NewSet(def Method, overrides map[string]Method) Set {
	return Set{def: def, methods: maps.Clone(overrides)}
}

// Uniform returns a Set applying m to every method.
func Uniform(m Method) Set {
	return Set{def: m}
}

// DefaultSet applies Default to every method.
func DefaultSet() Set {
	return Uniform(Default())
}

// For returns the policy of the named method.
func (s Set) For(method string) Method {
	if m, ok := s.methods[method]; ok {
		return m
	}
	return s.def
}

// Default returns the policy applied to methods without an override.
func (s Set) Default() Method { return s.def }

// IsZero reports whether s was never built.
func (s Set) IsZero() bool {
	return s.def == (Method{}) && len(s.methods) == 0
}

// Validate validates the default and every override.
func (s Set) Validate() error {
	if err := s.def.Validate(); err != nil {
		return fmt.Errorf("default: %w", err)
	}
	for name, m := range s.methods {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
