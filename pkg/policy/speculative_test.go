package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoSpeculativeExecution(t *testing.T) {
	_, ok := NoSpeculativeExecution{}.NextDelay(fakeStatement{idempotent: true}, 1)
	assert.False(t, ok)
}

func TestConstantSpeculativeExecution(t *testing.T) {
	p := &ConstantSpeculativeExecution{MaxAttempts: 2, Delay: 10 * time.Millisecond}

	d, ok := p.NextDelay(fakeStatement{idempotent: true}, 1)
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, d)

	_, ok = p.NextDelay(fakeStatement{idempotent: true}, 2)
	assert.True(t, ok)

	_, ok = p.NextDelay(fakeStatement{idempotent: true}, 3)
	assert.False(t, ok, "attempts beyond the cap must not be scheduled")

	_, ok = p.NextDelay(fakeStatement{idempotent: false}, 1)
	assert.False(t, ok, "non-idempotent statements must never run speculatively")
}

func TestLatencyTracker(t *testing.T) {
	tr := NewLatencyTracker(8)

	_, ok := tr.Percentile(99)
	assert.False(t, ok, "empty window has no percentile")

	for i := 1; i <= 10; i++ {
		tr.Record(time.Duration(i) * time.Millisecond)
	}

	// window holds the last 8 samples: 3ms..10ms
	p50, ok := tr.Percentile(50)
	require.True(t, ok)
	assert.GreaterOrEqual(t, p50, 3*time.Millisecond)
	assert.LessOrEqual(t, p50, 10*time.Millisecond)

	p99, ok := tr.Percentile(99)
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, p99)
}

func TestPercentileSpeculativeExecution(t *testing.T) {
	tr := NewLatencyTracker(16)
	p := &PercentileSpeculativeExecution{
		MaxAttempts:   1,
		Percentile:    99,
		FallbackDelay: 50 * time.Millisecond,
		Tracker:       tr,
	}

	d, ok := p.NextDelay(fakeStatement{idempotent: true}, 1)
	require.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, d, "without samples the fallback delay applies")

	for i := 0; i < 16; i++ {
		tr.Record(2 * time.Millisecond)
	}

	d, ok = p.NextDelay(fakeStatement{idempotent: true}, 1)
	require.True(t, ok)
	assert.Equal(t, 2*time.Millisecond, d)

	_, ok = p.NextDelay(fakeStatement{idempotent: true}, 2)
	assert.False(t, ok)
}

func TestMonotonicTimestampGenerator(t *testing.T) {
	g := NewMonotonicTimestampGenerator(nil)

	prev := g.Next()
	for i := 0; i < 10000; i++ {
		ts := g.Next()
		require.Greater(t, ts, prev)
		prev = ts
	}
}
