// Package stats tracks in-flight requests and aggregate latency for the
// health and admin endpoints.
package stats

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time view of request activity.
type Snapshot struct {
	Active            int           `json:"active"`
	Completed         int64         `json:"completed"`
	AvgResponseTimeMs float64       `json:"avgResponseTimeMs"`
	Uptime            time.Duration `json:"-"`
}

// Tracker counts active requests and accumulates response times.
type Tracker struct {
	mu        sync.Mutex
	active    map[string]time.Time
	completed int64
	totalTime time.Duration
	startedAt time.Time
	now       func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock injects the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		active: make(map[string]time.Time),
		now:    time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	t.startedAt = t.now()
	return t
}

// Track marks a request as in flight.
func (t *Tracker) Track(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[id] = t.now()
}

// Complete finishes a tracked request and returns its duration. Completing
// an id that was never tracked is a no-op returning zero.
func (t *Tracker) Complete(id string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	start, ok := t.active[id]
	if !ok {
		return 0
	}
	delete(t.active, id)
	d := t.now().Sub(start)
	t.completed++
	t.totalTime += d
	return d
}

// ActiveCount returns the number of in-flight requests.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// AvgResponseTime returns the mean duration of completed requests.
func (t *Tracker) AvgResponseTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed == 0 {
		return 0
	}
	return t.totalTime / time.Duration(t.completed)
}

// Stats returns a snapshot.
func (t *Tracker) Stats() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		Active:    len(t.active),
		Completed: t.completed,
		Uptime:    t.now().Sub(t.startedAt),
	}
	if t.completed > 0 {
		s.AvgResponseTimeMs = float64(t.totalTime.Milliseconds()) / float64(t.completed)
	}
	return s
}
