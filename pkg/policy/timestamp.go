package policy

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// TimestampGenerator produces client-side write timestamps in microseconds.
type TimestampGenerator interface {
	Next() int64
}

// MonotonicTimestampGenerator returns strictly increasing timestamps even
// when the wall clock stalls or steps backwards, by incrementing the last
// issued value. Sustained clock drift beyond the warn threshold is logged at
// most once per second.
type MonotonicTimestampGenerator struct {
	logger        log.Logger
	warnThreshold time.Duration

	last     atomic.Int64
	lastWarn atomic.Int64
}

func NewMonotonicTimestampGenerator(logger log.Logger) *MonotonicTimestampGenerator {
	return &MonotonicTimestampGenerator{
		logger:        logger,
		warnThreshold: time.Second,
	}
}

func (g *MonotonicTimestampGenerator) Next() int64 {
	for {
		now := time.Now().UnixMicro()
		last := g.last.Load()
		if now > last {
			if g.last.CompareAndSwap(last, now) {
				return now
			}
			continue
		}

		g.maybeWarn(time.Duration(last-now) * time.Microsecond)
		if g.last.CompareAndSwap(last, last+1) {
			return last + 1
		}
	}
}

func (g *MonotonicTimestampGenerator) maybeWarn(drift time.Duration) {
	if drift < g.warnThreshold || g.logger == nil {
		return
	}
	now := time.Now().Unix()
	warned := g.lastWarn.Load()
	if now > warned && g.lastWarn.CompareAndSwap(warned, now) {
		level.Warn(g.logger).Log("msg", "clock is running behind issued timestamps, generating artificial values", "drift", drift)
	}
}
