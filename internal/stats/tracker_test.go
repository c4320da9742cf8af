package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestActiveCountTracksInFlight(t *testing.T) {
	tr := New()
	tr.Track("a")
	tr.Track("b")
	assert.Equal(t, 2, tr.ActiveCount())

	tr.Complete("a")
	assert.Equal(t, 1, tr.ActiveCount())
	tr.Complete("b")
	assert.Equal(t, 0, tr.ActiveCount())
}

func TestCompleteUnknownIsNoOp(t *testing.T) {
	tr := New()
	assert.Zero(t, tr.Complete("ghost"))
	assert.Equal(t, 0, tr.ActiveCount())
	assert.Zero(t, tr.Stats().Completed)
}

func TestAvgResponseTime(t *testing.T) {
	clock := time.Unix(0, 0)
	tr := New(WithClock(func() time.Time { return clock }))

	tr.Track("a")
	clock = clock.Add(100 * time.Millisecond)
	tr.Complete("a")

	tr.Track("b")
	clock = clock.Add(300 * time.Millisecond)
	tr.Complete("b")

	assert.Equal(t, 200*time.Millisecond, tr.AvgResponseTime())
	assert.InDelta(t, 200, tr.Stats().AvgResponseTimeMs, 0.001)
}
