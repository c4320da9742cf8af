// Package circuitbreaker guards upstream providers: after a run of
// consecutive failures a provider's circuit opens and dispatch skips it
// until a cooldown passes, after which a single trial request may close it.
package circuitbreaker

import (
	"sync"
	"time"
)

// State of one circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

type breaker struct {
	state        State
	failures     int
	openedAt     time.Time
	trialPending bool
}

// Group holds one circuit per provider id.
type Group struct {
	mu        sync.Mutex
	breakers  map[string]*breaker
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// Option configures a Group.
type Option func(*Group)

// WithFailureThreshold sets consecutive failures before opening.
func WithFailureThreshold(n int) Option {
	return func(g *Group) { g.threshold = n }
}

// WithCooldown sets how long a circuit stays open.
func WithCooldown(d time.Duration) Option {
	return func(g *Group) { g.cooldown = d }
}

// WithClock injects the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(g *Group) { g.now = now }
}

// NewGroup creates an empty Group.
func NewGroup(opts ...Option) *Group {
	g := &Group{
		breakers:  make(map[string]*breaker),
		threshold: DefaultFailureThreshold,
		cooldown:  DefaultCooldown,
		now:       time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Group) get(name string) *breaker {
	b, ok := g.breakers[name]
	if !ok {
		b = &breaker{}
		g.breakers[name] = b
	}
	return b
}

// Allow reports whether a request may be sent to name. In the open state it
// admits exactly one trial request once the cooldown has elapsed.
func (g *Group) Allow(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	b := g.get(name)

	switch b.state {
	case Closed:
		return true
	case Open:
		if g.now().Sub(b.openedAt) < g.cooldown {
			return false
		}
		b.state = HalfOpen
		b.trialPending = true
		return true
	default: // HalfOpen
		if b.trialPending {
			return false
		}
		b.trialPending = true
		return true
	}
}

// RecordSuccess closes the circuit and clears the failure run.
func (g *Group) RecordSuccess(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b := g.get(name)
	b.state = Closed
	b.failures = 0
	b.trialPending = false
}

// RecordFailure counts a failure; at the threshold (or on a failed trial)
// the circuit opens.
func (g *Group) RecordFailure(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b := g.get(name)
	b.failures++
	if b.state == HalfOpen || b.failures >= g.threshold {
		b.state = Open
		b.openedAt = g.now()
		b.trialPending = false
	}
}

// StateOf returns the current state for name.
func (g *Group) StateOf(name string) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.get(name).state
}
