package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances manually.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter() (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New(WithClock(clock.now)), clock
}

func TestNoLimitsAlwaysAllowed(t *testing.T) {
	l, _ := newTestLimiter()
	for i := 0; i < 1000; i++ {
		assert.True(t, l.Check("k", Limits{}, 100).Allowed)
	}
}

func TestRPMEnforced(t *testing.T) {
	l, _ := newTestLimiter()
	limits := Limits{RPM: 3}

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("k", limits, 0).Allowed)
	}
	d := l.Check("k", limits, 0)
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "request rate")
	assert.Positive(t, d.RetryAfterMs)
	assert.LessOrEqual(t, d.RetryAfterMs, int64(60_000))
}

func TestTPMEnforced(t *testing.T) {
	l, _ := newTestLimiter()
	limits := Limits{TPM: 1000}

	require.True(t, l.Check("k", limits, 600).Allowed)
	d := l.Check("k", limits, 600)
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "token rate")
}

func TestWindowSlides(t *testing.T) {
	l, clock := newTestLimiter()
	limits := Limits{RPM: 2}

	require.True(t, l.Check("k", limits, 0).Allowed)
	require.True(t, l.Check("k", limits, 0).Allowed)
	require.False(t, l.Check("k", limits, 0).Allowed)

	clock.advance(61 * time.Second)
	assert.True(t, l.Check("k", limits, 0).Allowed)
}

func TestRejectionDoesNotConsumeBudget(t *testing.T) {
	l, clock := newTestLimiter()
	limits := Limits{RPM: 1}

	require.True(t, l.Check("k", limits, 0).Allowed)
	for i := 0; i < 5; i++ {
		require.False(t, l.Check("k", limits, 0).Allowed)
	}
	clock.advance(61 * time.Second)
	assert.True(t, l.Check("k", limits, 0).Allowed)
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter()
	limits := Limits{RPM: 1}

	require.True(t, l.Check("a", limits, 0).Allowed)
	require.False(t, l.Check("a", limits, 0).Allowed)
	assert.True(t, l.Check("b", limits, 0).Allowed)
}

func TestRetryAfterTracksOldestBucket(t *testing.T) {
	l, clock := newTestLimiter()
	limits := Limits{RPM: 2}

	require.True(t, l.Check("k", limits, 0).Allowed)
	clock.advance(30 * time.Second)
	require.True(t, l.Check("k", limits, 0).Allowed)

	d := l.Check("k", limits, 0)
	require.False(t, d.Allowed)
	// Oldest bucket is 30s old, so it expires in about 30s.
	assert.InDelta(t, 30_000, d.RetryAfterMs, 1500)
}

func TestIdleKeysReclaimed(t *testing.T) {
	l, clock := newTestLimiter()
	limits := Limits{RPM: 100}

	for i := 0; i < 10; i++ {
		l.Check(fmt.Sprintf("key-%d", i), limits, 0)
	}
	require.Equal(t, 10, l.TrackedKeys())

	clock.advance(3 * time.Minute)
	// Sweeps run every sweepEvery checks.
	for i := 0; i < sweepEvery; i++ {
		l.Check("fresh", limits, 0)
	}
	assert.Equal(t, 1, l.TrackedKeys())
}
