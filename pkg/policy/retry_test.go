package policy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/casskit/pkg/proto"
)

type fakeStatement struct {
	idempotent bool
}

func (s fakeStatement) IsIdempotent() bool { return s.idempotent }

type fakeConnError struct{}

func (fakeConnError) Error() string         { return "connection refused" }
func (fakeConnError) ConnectionError() bool { return true }

func TestDefaultRetryPolicy(t *testing.T) {
	p := NewDefaultRetryPolicy()

	tests := map[string]struct {
		err        error
		idempotent bool
		attempts   int
		expected   DecisionType
	}{
		"unavailable retries on the next host": {
			err:      &proto.ErrUnavailable{Required: 3, Alive: 1},
			attempts: 1,
			expected: RetryNextHost,
		},
		"unavailable past the retry cap rethrows": {
			err:      &proto.ErrUnavailable{Required: 3, Alive: 1},
			attempts: 2,
			expected: Rethrow,
		},
		"read timeout with enough acks retries the same host": {
			err:      &proto.ErrReadTimeout{Received: 2, BlockFor: 2, DataPresent: false},
			attempts: 1,
			expected: RetrySameHost,
		},
		"read timeout with data present rethrows": {
			err:      &proto.ErrReadTimeout{Received: 2, BlockFor: 2, DataPresent: true},
			attempts: 1,
			expected: Rethrow,
		},
		"read timeout short of acks rethrows": {
			err:      &proto.ErrReadTimeout{Received: 1, BlockFor: 2},
			attempts: 1,
			expected: Rethrow,
		},
		"write timeout on a non-idempotent statement rethrows": {
			err:      &proto.ErrWriteTimeout{Received: 1, BlockFor: 2, WriteType: "SIMPLE"},
			attempts: 1,
			expected: Rethrow,
		},
		"write timeout on an idempotent statement retries the same host": {
			err:        &proto.ErrWriteTimeout{Received: 1, BlockFor: 2, WriteType: "SIMPLE"},
			idempotent: true,
			attempts:   1,
			expected:   RetrySameHost,
		},
		"batch log write timeout is safe to replay regardless": {
			err:      &proto.ErrWriteTimeout{Received: 0, BlockFor: 2, WriteType: "BATCH_LOG"},
			attempts: 1,
			expected: RetrySameHost,
		},
		"connection error retries on the next host": {
			err:      fakeConnError{},
			attempts: 1,
			expected: RetryNextHost,
		},
		"unknown error rethrows": {
			err:      errors.New("something else"),
			attempts: 1,
			expected: Rethrow,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			d := p.Decide(tc.err, fakeStatement{idempotent: tc.idempotent}, tc.attempts, false)
			assert.Equal(t, tc.expected, d.Type)
		})
	}
}

func TestDefaultRetryPolicy_SpeculativeImpliesIdempotent(t *testing.T) {
	p := NewDefaultRetryPolicy()

	err := &proto.ErrWriteTimeout{Received: 1, BlockFor: 2, WriteType: "SIMPLE"}
	d := p.Decide(err, fakeStatement{idempotent: false}, 1, true)
	assert.Equal(t, RetrySameHost, d.Type)
}

func TestDowngradingConsistencyRetryPolicy(t *testing.T) {
	p := NewDowngradingConsistencyRetryPolicy()

	d := p.Decide(&proto.ErrUnavailable{Required: 3, Alive: 2}, fakeStatement{}, 1, false)
	assert.Equal(t, RetrySameHost, d.Type)
	require.NotNil(t, d.Consistency)
	assert.Equal(t, proto.Two, *d.Consistency)

	d = p.Decide(&proto.ErrUnavailable{Required: 3, Alive: 0}, fakeStatement{}, 1, false)
	assert.Equal(t, Rethrow, d.Type)

	d = p.Decide(&proto.ErrWriteTimeout{Received: 1, BlockFor: 2, WriteType: "SIMPLE"}, fakeStatement{}, 1, false)
	assert.Equal(t, Ignore, d.Type)

	d = p.Decide(&proto.ErrWriteTimeout{Received: 0, BlockFor: 2, WriteType: "SIMPLE"}, fakeStatement{}, 1, false)
	assert.Equal(t, Rethrow, d.Type)
}

type undecidedPolicy struct{}

func (undecidedPolicy) Decide(error, RetryableStatement, int, bool) Decision {
	return Decision{}
}

func TestExtendedRetryPolicy_FallsBackToDefault(t *testing.T) {
	p := NewExtendedRetryPolicy(undecidedPolicy{})

	d := p.Decide(&proto.ErrUnavailable{}, fakeStatement{}, 1, false)
	assert.Equal(t, RetryNextHost, d.Type, "an undecided policy must fall back to the default answer")

	d = p.Decide(fakeConnError{}, fakeStatement{}, 1, false)
	assert.Equal(t, RetryNextHost, d.Type)
}

func TestExtendedRetryPolicy_PreservesWrappedDecision(t *testing.T) {
	p := NewExtendedRetryPolicy(FallthroughRetryPolicy{})

	d := p.Decide(&proto.ErrUnavailable{}, fakeStatement{}, 1, false)
	assert.Equal(t, Rethrow, d.Type)
}
