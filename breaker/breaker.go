// Package breaker implements the per-key circuit breaker.
//
//	          failures ≥ threshold
//	Closed ───────────────────────► Open
//	  ▲                              │ next call after recoveryTime
//	  │ trial ok                     ▼
//	  └─────────────────────────── HalfOpen ── trial failed ──► Open
//
// Transitions are lazy: Open becomes HalfOpen on the first Allow after the
// recovery time, never from a background timer.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ef-rpc/policy"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Settings struct {
	FailureThreshold int
	RecoveryTime     time.Duration
	// HalfOpenTimeout bounds the trial call. Zero waits forever.
	HalfOpenTimeout time.Duration
}

// SettingsFrom extracts breaker settings from a method policy.
func SettingsFrom(p policy.CircuitBreaker) Settings {
	return Settings{
		FailureThreshold: p.FailureThreshold,
		RecoveryTime:     p.RecoveryTime,
		HalfOpenTimeout:  p.HalfOpenTimeout,
	}
}

// Ticket is handed out by Allow and given back to Report. It ties the
// outcome to the breaker generation that admitted the call, so a result
// from before a transition cannot move the breaker again.
type Ticket struct {
	gen   uint64
	trial bool
}

// Trial reports whether the ticket admitted the half-open trial call.
func (t Ticket) Trial() bool { return t.trial }

// Breaker guards a single key. Safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	settings Settings
	state    State
	failures int
	openedAt time.Time
	trialAt  time.Time
	gen      uint64

	now      func() time.Time
	onChange func(from, to State)
}

func New(s Settings) *Breaker {
	return &Breaker{settings: s, now: time.Now}
}

// Allow decides whether a call may proceed. A rejected call must not reach
// the transport.
func (b *Breaker) Allow() (Ticket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case Closed:
		return Ticket{gen: b.gen}, true
	case Open:
		if now.Sub(b.openedAt) < b.settings.RecoveryTime {
			return Ticket{}, false
		}
		b.setState(HalfOpen, now)
		b.trialAt = now
		return Ticket{gen: b.gen, trial: true}, true
	default: // HalfOpen: a trial is outstanding
		if b.settings.HalfOpenTimeout > 0 && now.Sub(b.trialAt) >= b.settings.HalfOpenTimeout {
			// The trial never reported back. Count it as failed.
			b.setState(Open, now)
		}
		return Ticket{}, false
	}
}

// Report records the outcome of a call admitted by Allow.
func (b *Breaker) Report(t Ticket, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.gen != b.gen {
		return
	}
	now := b.now()
	switch b.state {
	case Closed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.setState(Open, now)
		}
	case HalfOpen:
		if !t.trial {
			return
		}
		if success {
			b.setState(Closed, now)
		} else {
			b.setState(Open, now)
		}
	}
}

// Release hands back a ticket whose call ended without a verdict, such as
// a caller cancellation. A released trial lets the next call try again.
func (b *Breaker) Release(t Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.gen != b.gen || !t.trial || b.state != HalfOpen {
		return
	}
	// back to Open with the old openedAt: recovery time has already passed
	b.state = Open
	b.gen++
	if b.onChange != nil {
		b.onChange(HalfOpen, Open)
	}
}

// setState must be called with mu held.
func (b *Breaker) setState(to State, now time.Time) {
	from := b.state
	b.state = to
	b.gen++
	b.failures = 0
	if to == Open {
		b.openedAt = now
	}
	if b.onChange != nil && from != to {
		b.onChange(from, to)
	}
}

// State returns the current state without triggering a lazy transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count while Closed.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Key builds the breaker key for a call under the given scope.
func Key(scope policy.Scope, service, method, version string) string {
	if scope == policy.ScopeMethod {
		return service + "." + method + ":" + version
	}
	return service + ":" + version
}

// Group holds one lazily created breaker per key. Unrelated keys never
// share a lock once their breakers exist.
type Group struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	logger   *zap.Logger
	now      func() time.Time
}

type GroupOption func(*Group)

func WithLogger(l *zap.Logger) GroupOption {
	return func(g *Group) { g.logger = l }
}

// WithClock replaces time.Now for every breaker of the group.
func WithClock(now func() time.Time) GroupOption {
	return func(g *Group) { g.now = now }
}

func NewGroup(opts ...GroupOption) *Group {
	g := &Group{
		breakers: make(map[string]*Breaker),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Get returns the breaker of key, creating it with s on first use. Settings
// of an existing breaker are not changed.
func (g *Group) Get(key string, s Settings) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[key]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok = g.breakers[key]; ok {
		return b
	}
	b = New(s)
	b.now = g.now
	b.onChange = func(from, to State) {
		g.logger.Info("circuit breaker state changed",
			zap.String("key", key),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	}
	g.breakers[key] = b
	return b
}

// States returns a snapshot of every breaker's state.
func (g *Group) States() map[string]State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]State, len(g.breakers))
	for k, b := range g.breakers {
		out[k] = b.State()
	}
	return out
}
