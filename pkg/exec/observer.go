package exec

import (
	"runtime/debug"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/casskit/pkg/policy"
)

// Observer receives execution lifecycle events. Implementations must be
// safe for concurrent use; callbacks may fire from multiple goroutines.
// Callbacks are invoked synchronously on the execution path, so they
// should return quickly.
type Observer interface {
	OnQueryStart(ctx *ExecutionContext)
	OnAttemptStart(attempt *NodeAttempt)
	OnAttemptSuccess(attempt *NodeAttempt, latency time.Duration)
	OnAttemptFailure(attempt *NodeAttempt, latency time.Duration, err error)
	// OnAttemptAborted fires when an attempt is cut short because the
	// query already finalized through another attempt.
	OnAttemptAborted(attempt *NodeAttempt)
	OnRetryDecision(attempt *NodeAttempt, err error, decision policy.Decision)
	OnSpeculativeStart(execIndex int, delay time.Duration)
	OnQuerySuccess(ctx *ExecutionContext, latency time.Duration)
	OnQueryError(ctx *ExecutionContext, latency time.Duration, err error)
}

// NoopObserver discards all events.
type NoopObserver struct{}

func (NoopObserver) OnQueryStart(*ExecutionContext)                       {}
func (NoopObserver) OnAttemptStart(*NodeAttempt)                          {}
func (NoopObserver) OnAttemptSuccess(*NodeAttempt, time.Duration)         {}
func (NoopObserver) OnAttemptFailure(*NodeAttempt, time.Duration, error)  {}
func (NoopObserver) OnAttemptAborted(*NodeAttempt)                        {}
func (NoopObserver) OnRetryDecision(*NodeAttempt, error, policy.Decision) {}
func (NoopObserver) OnSpeculativeStart(int, time.Duration)                {}
func (NoopObserver) OnQuerySuccess(*ExecutionContext, time.Duration)      {}
func (NoopObserver) OnQueryError(*ExecutionContext, time.Duration, error) {}

// safeObserver isolates the engine from observer panics: a panicking
// callback is logged and swallowed so it can never wedge a query.
type safeObserver struct {
	obs    Observer
	logger log.Logger
}

func newSafeObserver(obs Observer, logger log.Logger) Observer {
	if obs == nil {
		obs = NoopObserver{}
	}
	return &safeObserver{obs: obs, logger: logger}
}

func (s *safeObserver) guard(callback string) {
	if p := recover(); p != nil {
		level.Error(s.logger).Log("msg", "observer panicked", "callback", callback, "panic", p, "stack", string(debug.Stack()))
	}
}

func (s *safeObserver) OnQueryStart(ctx *ExecutionContext) {
	defer s.guard("OnQueryStart")
	s.obs.OnQueryStart(ctx)
}

func (s *safeObserver) OnAttemptStart(a *NodeAttempt) {
	defer s.guard("OnAttemptStart")
	s.obs.OnAttemptStart(a)
}

func (s *safeObserver) OnAttemptSuccess(a *NodeAttempt, latency time.Duration) {
	defer s.guard("OnAttemptSuccess")
	s.obs.OnAttemptSuccess(a, latency)
}

func (s *safeObserver) OnAttemptFailure(a *NodeAttempt, latency time.Duration, err error) {
	defer s.guard("OnAttemptFailure")
	s.obs.OnAttemptFailure(a, latency, err)
}

func (s *safeObserver) OnAttemptAborted(a *NodeAttempt) {
	defer s.guard("OnAttemptAborted")
	s.obs.OnAttemptAborted(a)
}

func (s *safeObserver) OnRetryDecision(a *NodeAttempt, err error, d policy.Decision) {
	defer s.guard("OnRetryDecision")
	s.obs.OnRetryDecision(a, err, d)
}

func (s *safeObserver) OnSpeculativeStart(execIndex int, delay time.Duration) {
	defer s.guard("OnSpeculativeStart")
	s.obs.OnSpeculativeStart(execIndex, delay)
}

func (s *safeObserver) OnQuerySuccess(ctx *ExecutionContext, latency time.Duration) {
	defer s.guard("OnQuerySuccess")
	s.obs.OnQuerySuccess(ctx, latency)
}

func (s *safeObserver) OnQueryError(ctx *ExecutionContext, latency time.Duration, err error) {
	defer s.guard("OnQueryError")
	s.obs.OnQueryError(ctx, latency, err)
}

// LoggingObserver logs attempt and query lifecycle at debug level, errors
// and retries at warn.
type LoggingObserver struct {
	Logger log.Logger
}

func (o LoggingObserver) OnQueryStart(ctx *ExecutionContext) {
	level.Debug(o.Logger).Log("msg", "query started", "keyspace", ctx.Keyspace)
}

func (o LoggingObserver) OnAttemptStart(a *NodeAttempt) {
	level.Debug(o.Logger).Log("msg", "attempt started", "execution_id", a.ID, "host", a.Host.HostPort(), "speculative", a.Speculative)
}

func (o LoggingObserver) OnAttemptSuccess(a *NodeAttempt, latency time.Duration) {
	level.Debug(o.Logger).Log("msg", "attempt succeeded", "execution_id", a.ID, "host", a.Host.HostPort(), "latency", latency)
}

func (o LoggingObserver) OnAttemptFailure(a *NodeAttempt, latency time.Duration, err error) {
	level.Warn(o.Logger).Log("msg", "attempt failed", "execution_id", a.ID, "host", a.Host.HostPort(), "latency", latency, "err", err)
}

func (o LoggingObserver) OnAttemptAborted(a *NodeAttempt) {
	level.Debug(o.Logger).Log("msg", "attempt aborted", "execution_id", a.ID, "host", a.Host.HostPort())
}

func (o LoggingObserver) OnRetryDecision(a *NodeAttempt, err error, d policy.Decision) {
	level.Warn(o.Logger).Log("msg", "retry decision", "execution_id", a.ID, "host", a.Host.HostPort(), "decision", d.Type, "err", err)
}

func (o LoggingObserver) OnSpeculativeStart(execIndex int, delay time.Duration) {
	level.Debug(o.Logger).Log("msg", "speculative execution launched", "index", execIndex, "delay", delay)
}

func (o LoggingObserver) OnQuerySuccess(ctx *ExecutionContext, latency time.Duration) {
	level.Debug(o.Logger).Log("msg", "query succeeded", "attempts", len(ctx.Attempts()), "latency", latency)
}

func (o LoggingObserver) OnQueryError(ctx *ExecutionContext, latency time.Duration, err error) {
	level.Warn(o.Logger).Log("msg", "query failed", "attempts", len(ctx.Attempts()), "latency", latency, "err", err)
}

// MetricsObserver exports lifecycle events as Prometheus metrics.
type MetricsObserver struct {
	Metrics *Metrics
}

func (o MetricsObserver) OnQueryStart(*ExecutionContext) {}

func (o MetricsObserver) OnAttemptStart(a *NodeAttempt) {
	o.Metrics.attempts.WithLabelValues(boolLabel(a.Speculative)).Inc()
}

func (o MetricsObserver) OnAttemptSuccess(a *NodeAttempt, latency time.Duration) {
	o.Metrics.attemptDuration.WithLabelValues("success").Observe(latency.Seconds())
}

func (o MetricsObserver) OnAttemptFailure(a *NodeAttempt, latency time.Duration, err error) {
	o.Metrics.attemptDuration.WithLabelValues("error").Observe(latency.Seconds())
}

func (o MetricsObserver) OnAttemptAborted(a *NodeAttempt) {
	o.Metrics.abortedAttempts.Inc()
}

func (o MetricsObserver) OnRetryDecision(a *NodeAttempt, err error, d policy.Decision) {
	o.Metrics.retries.WithLabelValues(d.Type.String()).Inc()
}

func (o MetricsObserver) OnSpeculativeStart(int, time.Duration) {
	o.Metrics.speculativeExecutions.Inc()
}

func (o MetricsObserver) OnQuerySuccess(ctx *ExecutionContext, latency time.Duration) {
	o.Metrics.queries.WithLabelValues("success").Inc()
	o.Metrics.queryDuration.Observe(latency.Seconds())
}

func (o MetricsObserver) OnQueryError(ctx *ExecutionContext, latency time.Duration, err error) {
	o.Metrics.queries.WithLabelValues("error").Inc()
	o.Metrics.queryDuration.Observe(latency.Seconds())
}

// CompositeObserver fans every event out to all children in order.
type CompositeObserver []Observer

func (c CompositeObserver) OnQueryStart(ctx *ExecutionContext) {
	for _, o := range c {
		o.OnQueryStart(ctx)
	}
}

func (c CompositeObserver) OnAttemptStart(a *NodeAttempt) {
	for _, o := range c {
		o.OnAttemptStart(a)
	}
}

func (c CompositeObserver) OnAttemptSuccess(a *NodeAttempt, latency time.Duration) {
	for _, o := range c {
		o.OnAttemptSuccess(a, latency)
	}
}

func (c CompositeObserver) OnAttemptFailure(a *NodeAttempt, latency time.Duration, err error) {
	for _, o := range c {
		o.OnAttemptFailure(a, latency, err)
	}
}

func (c CompositeObserver) OnAttemptAborted(a *NodeAttempt) {
	for _, o := range c {
		o.OnAttemptAborted(a)
	}
}

func (c CompositeObserver) OnRetryDecision(a *NodeAttempt, err error, d policy.Decision) {
	for _, o := range c {
		o.OnRetryDecision(a, err, d)
	}
}

func (c CompositeObserver) OnSpeculativeStart(execIndex int, delay time.Duration) {
	for _, o := range c {
		o.OnSpeculativeStart(execIndex, delay)
	}
}

func (c CompositeObserver) OnQuerySuccess(ctx *ExecutionContext, latency time.Duration) {
	for _, o := range c {
		o.OnQuerySuccess(ctx, latency)
	}
}

func (c CompositeObserver) OnQueryError(ctx *ExecutionContext, latency time.Duration, err error) {
	for _, o := range c {
		o.OnQueryError(ctx, latency, err)
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
