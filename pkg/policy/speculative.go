package policy

import (
	"sort"
	"sync"
	"time"
)

// SpeculativeExecutionPolicy decides when additional parallel attempts are
// launched for a pending query. NextDelay returns the wait before attempt
// number attemptIdx (1 = first speculative attempt) and false when no more
// attempts should be launched. Timer state belongs to the coordinator, not
// the policy.
type SpeculativeExecutionPolicy interface {
	NextDelay(stmt RetryableStatement, attemptIdx int) (time.Duration, bool)
}

// NoSpeculativeExecution never launches extra attempts. This is the default.
type NoSpeculativeExecution struct{}

func (NoSpeculativeExecution) NextDelay(RetryableStatement, int) (time.Duration, bool) {
	return 0, false
}

// ConstantSpeculativeExecution launches up to MaxAttempts extra attempts,
// each Delay after the previous launch, for idempotent statements only.
type ConstantSpeculativeExecution struct {
	MaxAttempts int
	Delay       time.Duration
}

func (p *ConstantSpeculativeExecution) NextDelay(stmt RetryableStatement, attemptIdx int) (time.Duration, bool) {
	if !stmt.IsIdempotent() || attemptIdx > p.MaxAttempts {
		return 0, false
	}
	return p.Delay, true
}

// LatencyTracker keeps a bounded window of observed attempt latencies and
// answers percentile queries over it. Safe for concurrent use.
type LatencyTracker struct {
	mtx     sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func NewLatencyTracker(windowSize int) *LatencyTracker {
	if windowSize <= 0 {
		windowSize = 1024
	}
	return &LatencyTracker{samples: make([]time.Duration, windowSize)}
}

// Record adds one successful attempt latency to the window.
func (t *LatencyTracker) Record(d time.Duration) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	t.samples[t.next] = d
	t.next++
	if t.next == len(t.samples) {
		t.next = 0
		t.full = true
	}
}

// Percentile returns the given latency percentile over the current window,
// or false while the window is empty.
func (t *LatencyTracker) Percentile(p float64) (time.Duration, bool) {
	t.mtx.Lock()
	n := t.next
	if t.full {
		n = len(t.samples)
	}
	if n == 0 {
		t.mtx.Unlock()
		return 0, false
	}
	sorted := make([]time.Duration, n)
	copy(sorted, t.samples[:n])
	t.mtx.Unlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(n) * p / 100)
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx], true
}

// PercentileSpeculativeExecution derives the speculative delay from the
// tracked latency distribution of past attempts: a new attempt is launched
// when the pending one has outlived the configured percentile. Until enough
// samples exist, FallbackDelay is used.
type PercentileSpeculativeExecution struct {
	MaxAttempts   int
	Percentile    float64
	FallbackDelay time.Duration
	Tracker       *LatencyTracker
}

func (p *PercentileSpeculativeExecution) NextDelay(stmt RetryableStatement, attemptIdx int) (time.Duration, bool) {
	if !stmt.IsIdempotent() || attemptIdx > p.MaxAttempts {
		return 0, false
	}
	if d, ok := p.Tracker.Percentile(p.Percentile); ok {
		return d, true
	}
	return p.FallbackDelay, true
}
