package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/multierror"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/grafana/casskit/pkg/cluster"
	"github.com/grafana/casskit/pkg/policy"
	"github.com/grafana/casskit/pkg/proto"
)

// Conn is one leased connection, ready for a single request.
type Conn interface {
	Execute(ctx context.Context, params proto.QueryParams) (*proto.Result, error)
	// Release returns the connection to its pool.
	Release()
	// Interrupt force-closes the connection, unblocking a pending read.
	Interrupt()
}

// Connector leases connections to hosts. Implemented by pool.Manager.
type Connector interface {
	Acquire(ctx context.Context, host *cluster.Host) (Conn, error)
}

// DriverError reports client-side misuse: no server was ever contacted.
type DriverError struct {
	Message string
}

func (e *DriverError) Error() string { return e.Message }

// QueryError is the terminal failure of a query: every host the plan offered
// was tried and failed, or the retry policy gave up. HostErrors keeps the
// last error per host for diagnostics.
type QueryError struct {
	Err        error
	HostErrors map[string]error
	Attempts   int
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Coordinator drives the full lifecycle of a query: host selection, attempt
// dispatch, retry decisions, speculative executions and exactly-once
// finalization. A single Coordinator serves any number of concurrent queries.
type Coordinator struct {
	policies  policy.Bundle
	connector Connector
	observer  Observer
	logger    log.Logger
}

func NewCoordinator(policies policy.Bundle, connector Connector, observer Observer, logger log.Logger) *Coordinator {
	return &Coordinator{
		policies:  policies,
		connector: connector,
		observer:  newSafeObserver(observer, logger),
		logger:    logger,
	}
}

// attemptResult is what an attempt goroutine reports back to the query loop.
type attemptResult struct {
	attempt *NodeAttempt
	result  *proto.Result
	err     error
}

// Execute runs the statement to a single terminal outcome. It blocks until
// the query finalizes and every attempt goroutine has drained; at return,
// every attempt is in a terminal state and exactly one of the terminal
// observer callbacks has fired.
func (c *Coordinator) Execute(ctx context.Context, stmt Statement) (*proto.Result, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Coordinator.Execute")
	defer span.Finish()
	span.SetTag("idempotent", stmt.IsIdempotent())
	span.SetTag("consistency", stmt.Consistency().String())

	ts := stmt.Timestamp()
	if ts == 0 && c.policies.Timestamp != nil {
		ts = c.policies.Timestamp.Next()
	}
	ec := newExecutionContext(stmt, stmt.Keyspace(), ts)
	c.observer.OnQueryStart(ec)

	if !stmt.valid() {
		err := &DriverError{Message: "empty statement"}
		c.observer.OnQueryError(ec, 0, err)
		return nil, err
	}

	q := &query{
		coordinator: c,
		ec:          ec,
		span:        span,
		consistency: stmt.Consistency(),
		plan:        c.policies.LoadBalancing.QueryPlan(stmt),
		suspects:    make(map[*cluster.Host]struct{}),
		outcomes:    make(chan attemptResult),
		hostErrors:  make(map[string]error),
	}
	return q.run(ctx)
}

// query is the per-Execute state machine. All fields are owned by the run
// loop goroutine; attempt goroutines communicate only through the outcomes
// channel and the context's done gate.
type query struct {
	coordinator *Coordinator
	ec          *ExecutionContext
	span        opentracing.Span

	consistency proto.Consistency
	plan        policy.NextHost
	// suspects are hosts that produced a transport error during this query;
	// the plan never offers them again for this query.
	suspects map[*cluster.Host]struct{}

	outcomes   chan attemptResult
	wg         sync.WaitGroup
	live       int
	failCount  int
	merr       multierror.MultiError
	hostErrors map[string]error
}

func (q *query) run(ctx context.Context) (*proto.Result, error) {
	host := q.nextHost()
	if host == nil {
		return q.finishError(&QueryError{
			Err:        errors.New("no hosts available"),
			HostErrors: q.hostErrors,
		})
	}
	q.live = 1
	q.launch(ctx, host, false)

	specIdx := 1
	var specTimer *time.Timer
	var specCh <-chan time.Time
	var specDelay time.Duration
	arm := func() {
		if d, ok := q.coordinator.policies.Speculative.NextDelay(q.ec.Statement, specIdx); ok {
			specDelay = d
			specTimer = time.NewTimer(d)
			specCh = specTimer.C
		} else {
			specCh = nil
		}
	}
	arm()
	defer func() {
		if specTimer != nil {
			specTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return q.finishError(errors.Wrap(ctx.Err(), "query aborted"))

		case <-specCh:
			if h := q.nextHost(); h != nil {
				q.coordinator.observer.OnSpeculativeStart(specIdx, specDelay)
				q.live++
				q.launch(ctx, h, true)
				specIdx++
				arm()
			} else {
				// plan exhausted, stop scheduling
				specCh = nil
			}

		case out := <-q.outcomes:
			if res, err, done := q.handleOutcome(ctx, out); done {
				if err != nil {
					return q.finishError(err)
				}
				return q.finishSuccess(res)
			}
		}
	}
}

// handleOutcome applies one attempt result to the state machine. done is
// true when the query reached its terminal outcome.
func (q *query) handleOutcome(ctx context.Context, out attemptResult) (*proto.Result, error, bool) {
	obs := q.coordinator.observer
	latency := time.Since(out.attempt.StartedAt)

	if out.err == nil {
		out.attempt.transition(AttemptSucceeded)
		obs.OnAttemptSuccess(out.attempt, latency)
		q.recordLatency(latency)
		return out.result, nil, true
	}

	q.failCount++
	out.attempt.transition(AttemptFailed)
	obs.OnAttemptFailure(out.attempt, latency, out.err)
	q.recordFailure(out.attempt.Host, out.err)
	if policy.IsConnectionError(out.err) {
		q.suspects[out.attempt.Host] = struct{}{}
	}

	decision := q.coordinator.policies.Retry.Decide(out.err, q.ec.Statement, q.failCount, out.attempt.Speculative)
	obs.OnRetryDecision(out.attempt, out.err, decision)
	if decision.Consistency != nil {
		q.consistency = *decision.Consistency
	}

	switch decision.Type {
	case policy.Ignore:
		return &proto.Result{}, nil, true

	case policy.RetrySameHost:
		q.launch(ctx, out.attempt.Host, out.attempt.Speculative)
		return nil, nil, false

	case policy.RetryNextHost:
		if h := q.nextHost(); h != nil {
			q.launch(ctx, h, out.attempt.Speculative)
			return nil, nil, false
		}
		// this execution chain is out of hosts; others may still win
		q.live--
		if q.live > 0 {
			return nil, nil, false
		}
		return nil, q.queryError(), true

	default: // Rethrow
		return nil, q.queryError(), true
	}
}

// nextHost pulls the next candidate from the plan, skipping hosts this query
// already failed against at the transport level.
func (q *query) nextHost() *cluster.Host {
	for {
		h := q.plan()
		if h == nil {
			return nil
		}
		if _, suspect := q.suspects[h]; suspect {
			continue
		}
		return h
	}
}

// launch issues one attempt against host. The goroutine reports through the
// outcomes channel unless the query finalized first, in which case the
// result is dropped: the finalize gate already closed and the attempt will
// be marked aborted by the run loop.
func (q *query) launch(ctx context.Context, host *cluster.Host, speculative bool) {
	attempt := newAttempt(host, speculative)
	q.ec.attempts = append(q.ec.attempts, attempt)
	q.coordinator.observer.OnAttemptStart(attempt)

	params := proto.QueryParams{
		Statement:         q.ec.Statement.Query(),
		PreparedID:        q.ec.Statement.PreparedID(),
		Values:            q.ec.Statement.Values(),
		Consistency:       q.consistency,
		PageSize:          q.ec.Statement.PageSize(),
		SerialConsistency: q.ec.Statement.serialConsistency,
		DefaultTimestamp:  q.ec.Timestamp,
		Keyspace:          q.ec.Keyspace,
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		conn, err := q.coordinator.connector.Acquire(ctx, host)
		if err != nil {
			q.report(attemptResult{attempt: attempt, err: err})
			return
		}
		attempt.setConn(conn)
		res, err := conn.Execute(ctx, params)
		attempt.clearConn()
		conn.Release()
		q.report(attemptResult{attempt: attempt, result: res, err: err})
	}()
}

func (q *query) report(out attemptResult) {
	select {
	case q.outcomes <- out:
	case <-q.ec.done:
	}
}

func (q *query) recordFailure(host *cluster.Host, err error) {
	if host != nil {
		q.merr.Add(errors.Wrapf(err, "host %s", host.HostPort()))
		q.hostErrors[host.HostPort()] = err
	} else {
		q.merr.Add(err)
	}
}

// recordLatency feeds successful attempt latencies back into the percentile
// speculative policy, if that is the one configured.
func (q *query) recordLatency(d time.Duration) {
	if p, ok := q.coordinator.policies.Speculative.(*policy.PercentileSpeculativeExecution); ok && p.Tracker != nil {
		p.Tracker.Record(d)
	}
}

func (q *query) queryError() error {
	return &QueryError{
		Err:        q.merr.Err(),
		HostErrors: q.hostErrors,
		Attempts:   len(q.ec.attempts),
	}
}

// finishSuccess finalizes the query with a result. The first finalization
// wins; by construction only the run loop calls finish, so the gate swap
// always succeeds here, but the gate is still what the done channel and any
// external readers key off.
func (q *query) finishSuccess(res *proto.Result) (*proto.Result, error) {
	q.ec.finalize(&outcome{result: res})
	q.drain()
	latency := time.Since(q.ec.CreatedAt)
	q.span.SetTag("attempts", len(q.ec.attempts))
	q.coordinator.observer.OnQuerySuccess(q.ec, latency)
	return res, nil
}

func (q *query) finishError(err error) (*proto.Result, error) {
	q.ec.finalize(&outcome{err: err})
	q.drain()
	latency := time.Since(q.ec.CreatedAt)
	q.span.SetTag("attempts", len(q.ec.attempts))
	q.span.SetTag("error", true)
	q.span.LogKV("event", "error", "message", err.Error())
	q.coordinator.observer.OnQueryError(q.ec, latency, err)
	return nil, err
}

// drain aborts every attempt still in flight and waits for their goroutines.
// Interrupting the connection unblocks reads; the goroutines' reports fall
// into the closed done gate and are discarded.
func (q *query) drain() {
	for _, a := range q.ec.attempts {
		if a.transition(AttemptAborted) {
			a.interrupt()
			q.coordinator.observer.OnAttemptAborted(a)
		}
	}
	q.wg.Wait()
}
