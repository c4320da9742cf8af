package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGroup() (*Group, *time.Time) {
	clock := time.Unix(0, 0)
	g := NewGroup(
		WithFailureThreshold(3),
		WithCooldown(10*time.Second),
		WithClock(func() time.Time { return clock }),
	)
	return g, &clock
}

func TestOpensAfterThreshold(t *testing.T) {
	g, _ := newTestGroup()

	for i := 0; i < 2; i++ {
		g.RecordFailure("openai")
		require.True(t, g.Allow("openai"))
	}
	g.RecordFailure("openai")

	assert.Equal(t, Open, g.StateOf("openai"))
	assert.False(t, g.Allow("openai"))
}

func TestSuccessResetsFailureRun(t *testing.T) {
	g, _ := newTestGroup()
	g.RecordFailure("openai")
	g.RecordFailure("openai")
	g.RecordSuccess("openai")
	g.RecordFailure("openai")
	g.RecordFailure("openai")

	assert.Equal(t, Closed, g.StateOf("openai"))
	assert.True(t, g.Allow("openai"))
}

func TestHalfOpenTrial(t *testing.T) {
	g, clock := newTestGroup()
	for i := 0; i < 3; i++ {
		g.RecordFailure("openai")
	}
	require.False(t, g.Allow("openai"))

	*clock = clock.Add(11 * time.Second)
	require.True(t, g.Allow("openai")) // trial request
	assert.False(t, g.Allow("openai")) // only one trial at a time

	g.RecordSuccess("openai")
	assert.Equal(t, Closed, g.StateOf("openai"))
	assert.True(t, g.Allow("openai"))
}

func TestFailedTrialReopens(t *testing.T) {
	g, clock := newTestGroup()
	for i := 0; i < 3; i++ {
		g.RecordFailure("openai")
	}
	*clock = clock.Add(11 * time.Second)
	require.True(t, g.Allow("openai"))

	g.RecordFailure("openai")
	assert.Equal(t, Open, g.StateOf("openai"))
	assert.False(t, g.Allow("openai"))
}

func TestProvidersIndependent(t *testing.T) {
	g, _ := newTestGroup()
	for i := 0; i < 3; i++ {
		g.RecordFailure("openai")
	}
	assert.False(t, g.Allow("openai"))
	assert.True(t, g.Allow("anthropic"))
}
