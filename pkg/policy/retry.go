package policy

import (
	"github.com/grafana/casskit/pkg/proto"
)

// DecisionType enumerates what to do with a failed attempt.
type DecisionType int

const (
	// DecisionUnset means the policy declined to decide. Only meaningful
	// from user policies wrapped by ExtendedRetryPolicy; the coordinator
	// never sees it.
	DecisionUnset DecisionType = iota
	// Rethrow finalizes the query with the error.
	Rethrow
	// RetrySameHost reissues the statement on the host that just failed.
	RetrySameHost
	// RetryNextHost reissues the statement on the next host in the plan.
	RetryNextHost
	// Ignore treats the error as a success with an empty result.
	Ignore
)

func (d DecisionType) String() string {
	switch d {
	case Rethrow:
		return "rethrow"
	case RetrySameHost:
		return "retry_same_host"
	case RetryNextHost:
		return "retry_next_host"
	case Ignore:
		return "ignore"
	default:
		return "unset"
	}
}

// Decision is the outcome of consulting a retry policy. Consistency, when
// non-nil, replaces the statement's consistency level on the retried attempt.
type Decision struct {
	Type        DecisionType
	Consistency *proto.Consistency
}

func withConsistency(t DecisionType, c proto.Consistency) Decision {
	return Decision{Type: t, Consistency: &c}
}

// RetryableStatement is the slice of a statement retry decisions need.
type RetryableStatement interface {
	// IsIdempotent reports whether the statement is safe to execute more
	// than once with the same effect.
	IsIdempotent() bool
}

// RetryPolicy maps a failed attempt to a decision. Implementations must be
// pure and stateless: the same inputs always produce the same decision.
//
// attempts counts terminal attempt errors seen so far for this query, the
// failing one included, starting at 1. speculative is true when the failing
// attempt was launched by the speculative execution scheduler.
type RetryPolicy interface {
	Decide(err error, stmt RetryableStatement, attempts int, speculative bool) Decision
}

// connectionError matches transport-level failures (dial refused, closed
// connection, local timeout, pool exhaustion) across package boundaries.
type connectionError interface {
	ConnectionError() bool
}

// IsConnectionError reports whether err is a transport-level failure rather
// than a server-reported one.
func IsConnectionError(err error) bool {
	ce, ok := err.(connectionError)
	return ok && ce.ConnectionError()
}

// DefaultRetryPolicy is the documented default: conservative single retries
// that never re-execute a write unless it is provably safe to do so.
type DefaultRetryPolicy struct {
	// MaxRetries caps how many times one query may be retried. Once
	// attempts exceeds it every decision is forced to Rethrow.
	MaxRetries int
}

func NewDefaultRetryPolicy() *DefaultRetryPolicy {
	return &DefaultRetryPolicy{MaxRetries: 1}
}

func (p *DefaultRetryPolicy) Decide(err error, stmt RetryableStatement, attempts int, speculative bool) Decision {
	if attempts > p.MaxRetries {
		return Decision{Type: Rethrow}
	}

	// speculative attempts are only ever launched for idempotent work
	idempotent := speculative || stmt.IsIdempotent()

	if IsConnectionError(err) {
		return Decision{Type: RetryNextHost}
	}

	switch e := err.(type) {
	case *proto.ErrUnavailable:
		return Decision{Type: RetryNextHost}
	case *proto.ErrReadTimeout:
		// enough replicas answered but the coordinator node lost the
		// race; the read is plausibly still completing and a replay is
		// cheap
		if e.Received >= e.BlockFor && !e.DataPresent {
			return Decision{Type: RetrySameHost}
		}
		return Decision{Type: Rethrow}
	case *proto.ErrWriteTimeout:
		// a batch log write is a preparatory step, replaying it cannot
		// duplicate the actual mutation
		if idempotent || e.WriteType == "BATCH_LOG" {
			return Decision{Type: RetrySameHost}
		}
		return Decision{Type: Rethrow}
	case *proto.ErrServer:
		if e.IsBootstrapping() {
			return Decision{Type: RetryNextHost}
		}
		if e.IsOverloaded() && idempotent {
			return Decision{Type: RetryNextHost}
		}
		return Decision{Type: Rethrow}
	default:
		return Decision{Type: Rethrow}
	}
}

// FallthroughRetryPolicy never retries. Useful when the caller handles
// failures at a higher level.
type FallthroughRetryPolicy struct{}

func (FallthroughRetryPolicy) Decide(error, RetryableStatement, int, bool) Decision {
	return Decision{Type: Rethrow}
}

// DowngradingConsistencyRetryPolicy trades consistency for availability: when
// the requested level cannot be met it retries once at the highest level the
// alive or acknowledged replica count can satisfy. Use only when reading
// potentially stale data is acceptable.
type DowngradingConsistencyRetryPolicy struct {
	MaxRetries int
}

func NewDowngradingConsistencyRetryPolicy() *DowngradingConsistencyRetryPolicy {
	return &DowngradingConsistencyRetryPolicy{MaxRetries: 1}
}

func downgrade(replicas int) (proto.Consistency, bool) {
	switch {
	case replicas >= 3:
		return proto.Three, true
	case replicas == 2:
		return proto.Two, true
	case replicas == 1:
		return proto.One, true
	default:
		return 0, false
	}
}

func (p *DowngradingConsistencyRetryPolicy) Decide(err error, stmt RetryableStatement, attempts int, speculative bool) Decision {
	if attempts > p.MaxRetries {
		return Decision{Type: Rethrow}
	}

	if IsConnectionError(err) {
		return Decision{Type: RetryNextHost}
	}

	switch e := err.(type) {
	case *proto.ErrUnavailable:
		if cl, ok := downgrade(e.Alive); ok {
			return withConsistency(RetrySameHost, cl)
		}
		return Decision{Type: Rethrow}
	case *proto.ErrReadTimeout:
		if e.Received >= e.BlockFor && !e.DataPresent {
			return Decision{Type: RetrySameHost}
		}
		if cl, ok := downgrade(e.Received); ok {
			return withConsistency(RetrySameHost, cl)
		}
		return Decision{Type: Rethrow}
	case *proto.ErrWriteTimeout:
		switch e.WriteType {
		case "SIMPLE", "BATCH":
			// the write reached at least one replica and will be
			// repaired eventually; surfacing a timeout would only
			// mislead
			if e.Received > 0 {
				return Decision{Type: Ignore}
			}
			return Decision{Type: Rethrow}
		case "UNLOGGED_BATCH":
			if cl, ok := downgrade(e.Received); ok {
				return withConsistency(RetrySameHost, cl)
			}
			return Decision{Type: Rethrow}
		case "BATCH_LOG":
			return Decision{Type: RetrySameHost}
		default:
			return Decision{Type: Rethrow}
		}
	default:
		return NewDefaultRetryPolicy().Decide(err, stmt, attempts, speculative)
	}
}

// ExtendedRetryPolicy wraps a user-supplied policy and guarantees the
// coordinator always receives a concrete decision: whenever the wrapped
// policy returns DecisionUnset, the default policy's answer is used instead.
type ExtendedRetryPolicy struct {
	wrapped  RetryPolicy
	fallback RetryPolicy
}

func NewExtendedRetryPolicy(wrapped RetryPolicy) *ExtendedRetryPolicy {
	return &ExtendedRetryPolicy{
		wrapped:  wrapped,
		fallback: NewDefaultRetryPolicy(),
	}
}

func (p *ExtendedRetryPolicy) Decide(err error, stmt RetryableStatement, attempts int, speculative bool) Decision {
	d := p.wrapped.Decide(err, stmt, attempts, speculative)
	if d.Type == DecisionUnset {
		return p.fallback.Decide(err, stmt, attempts, speculative)
	}
	return d
}
