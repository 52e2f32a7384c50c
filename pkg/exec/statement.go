// Package exec contains the execution engine: it turns one Statement into a
// routed, retried and optionally speculatively parallelized sequence of node
// attempts, and finalizes exactly one outcome per query.
package exec

import (
	"github.com/grafana/casskit/pkg/proto"
)

// Statement is an immutable description of one unit of work. The With
// methods return modified copies; a Statement is never mutated after
// creation and is safe to share and re-execute.
type Statement struct {
	query      string
	preparedID []byte
	values     [][]byte
	keyspace   string

	consistency       proto.Consistency
	serialConsistency proto.Consistency
	idempotent        bool
	routingKey        []byte
	pageSize          int
	// timestamp is a custom write timestamp in microseconds, zero means
	// the session's generator assigns one
	timestamp int64
}

func NewStatement(query string) Statement {
	return Statement{
		query:       query,
		consistency: proto.LocalQuorum,
	}
}

// NewPreparedStatement builds a statement executing a previously prepared
// statement id.
func NewPreparedStatement(id []byte) Statement {
	return Statement{
		preparedID:  id,
		consistency: proto.LocalQuorum,
	}
}

func (s Statement) WithValues(values ...[]byte) Statement {
	s.values = values
	return s
}

func (s Statement) WithKeyspace(keyspace string) Statement {
	s.keyspace = keyspace
	return s
}

func (s Statement) WithConsistency(c proto.Consistency) Statement {
	s.consistency = c
	return s
}

func (s Statement) WithSerialConsistency(c proto.Consistency) Statement {
	s.serialConsistency = c
	return s
}

// WithIdempotent marks the statement safe to execute more than once with the
// same effect, unlocking automatic write retries and speculative execution.
func (s Statement) WithIdempotent(idempotent bool) Statement {
	s.idempotent = idempotent
	return s
}

// WithRoutingKey sets the partition key bytes used for token-aware routing.
func (s Statement) WithRoutingKey(key []byte) Statement {
	s.routingKey = key
	return s
}

func (s Statement) WithPageSize(n int) Statement {
	s.pageSize = n
	return s
}

// WithTimestamp sets a custom write timestamp in microseconds.
func (s Statement) WithTimestamp(micros int64) Statement {
	s.timestamp = micros
	return s
}

func (s Statement) Query() string                  { return s.query }
func (s Statement) PreparedID() []byte             { return s.preparedID }
func (s Statement) Values() [][]byte               { return s.values }
func (s Statement) Keyspace() string               { return s.keyspace }
func (s Statement) Consistency() proto.Consistency { return s.consistency }
func (s Statement) IsIdempotent() bool             { return s.idempotent }
func (s Statement) RoutingKey() []byte             { return s.routingKey }
func (s Statement) PageSize() int                  { return s.pageSize }
func (s Statement) Timestamp() int64               { return s.timestamp }

// valid reports whether the statement describes any work at all.
func (s Statement) valid() bool {
	return s.query != "" || len(s.preparedID) > 0
}
