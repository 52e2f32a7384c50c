package exec

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/grafana/casskit/pkg/cluster"
	"github.com/grafana/casskit/pkg/proto"
)

// AttemptState is the lifecycle state of one NodeAttempt.
type AttemptState int32

const (
	AttemptStarted AttemptState = iota
	AttemptSucceeded
	AttemptFailed
	// AttemptAborted marks an attempt whose response was no longer needed
	// because another attempt already finalized the query.
	AttemptAborted
)

func (s AttemptState) String() string {
	switch s {
	case AttemptStarted:
		return "started"
	case AttemptSucceeded:
		return "succeeded"
	case AttemptFailed:
		return "failed"
	case AttemptAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// NodeAttempt is one try of the statement against one host. Attempts are
// created by the coordinator and transition Started -> exactly one of
// Succeeded, Failed or Aborted.
type NodeAttempt struct {
	ID          uuid.UUID
	Host        *cluster.Host
	Speculative bool
	StartedAt   time.Time

	state atomic.Int32
	conn  atomic.Pointer[connRef]
}

// connRef wraps the connection pointer so atomic.Pointer has a concrete
// element type independent of the Conn interface.
type connRef struct{ c Conn }

func newAttempt(host *cluster.Host, speculative bool) *NodeAttempt {
	return &NodeAttempt{
		ID:          uuid.New(),
		Host:        host,
		Speculative: speculative,
		StartedAt:   time.Now(),
	}
}

func (a *NodeAttempt) State() AttemptState {
	return AttemptState(a.state.Load())
}

// transition moves the attempt out of Started exactly once. It reports
// whether this call performed the transition.
func (a *NodeAttempt) transition(to AttemptState) bool {
	return a.state.CompareAndSwap(int32(AttemptStarted), int32(to))
}

func (a *NodeAttempt) setConn(c Conn) {
	a.conn.Store(&connRef{c: c})
}

// clearConn drops the connection reference once the attempt no longer owns
// it. interrupt must never touch a connection that went back to the pool.
func (a *NodeAttempt) clearConn() {
	a.conn.Store(nil)
}

// interrupt closes the attempt's in-flight connection, if any, so a hung
// read unblocks. Safe to call from any goroutine.
func (a *NodeAttempt) interrupt() {
	if ref := a.conn.Load(); ref != nil && ref.c != nil {
		ref.c.Interrupt()
	}
}

// outcome is the single terminal result of a query. Exactly one of result
// and err is set.
type outcome struct {
	result *proto.Result
	err    error
}

// ExecutionContext carries the per-query state shared by the coordinator
// loop and its attempt goroutines. The outcome gate makes finalization a
// single-assignment: the first CompareAndSwap wins, every later attempt is
// stale by definition.
type ExecutionContext struct {
	Statement Statement
	Keyspace  string
	Timestamp int64
	CreatedAt time.Time

	attempts []*NodeAttempt
	done     chan struct{}
	gate     atomic.Pointer[outcome]
}

func newExecutionContext(stmt Statement, keyspace string, timestamp int64) *ExecutionContext {
	return &ExecutionContext{
		Statement: stmt,
		Keyspace:  keyspace,
		Timestamp: timestamp,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Attempts returns the attempts issued so far, oldest first. Only safe to
// read after the query finalized.
func (e *ExecutionContext) Attempts() []*NodeAttempt {
	return e.attempts
}

// finalize installs the terminal outcome. It returns true for the single
// winning call; losers observe false and must discard their result.
func (e *ExecutionContext) finalize(o *outcome) bool {
	if e.gate.CompareAndSwap(nil, o) {
		close(e.done)
		return true
	}
	return false
}

func (e *ExecutionContext) finalized() bool {
	return e.gate.Load() != nil
}

func (e *ExecutionContext) outcome() *outcome {
	return e.gate.Load()
}
