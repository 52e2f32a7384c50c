package policy

import (
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"

	"github.com/grafana/casskit/pkg/cluster"
)

// Bundle is the immutable composition of every policy the execution engine
// consults. Build one with Defaults, override individual fields, then hand it
// to the session; the session copies it and never mutates it afterwards.
type Bundle struct {
	LoadBalancing HostSelector
	Retry         RetryPolicy
	Speculative   SpeculativeExecutionPolicy
	Reconnection  backoff.Config
	Timestamp     TimestampGenerator
}

// Defaults returns the documented default bundle: token-aware selection over
// a DC-aware round robin child, the default retry policy, no speculative
// execution, exponential reconnection between 1s and 10min, and a monotonic
// timestamp generator.
func Defaults(topo *cluster.Topology, localDC string, logger log.Logger) Bundle {
	return Bundle{
		LoadBalancing: NewTokenAware(topo, NewDCAwareRoundRobin(topo, localDC)),
		Retry:         NewDefaultRetryPolicy(),
		Speculative:   NoSpeculativeExecution{},
		Reconnection:  ExponentialReconnection(time.Second, 10*time.Minute),
		Timestamp:     NewMonotonicTimestampGenerator(logger),
	}
}
