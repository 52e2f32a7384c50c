// Package session is the user-facing entry point: it assembles the cluster
// topology, connection pools, policies and the execution coordinator into one
// object queries are issued through.
package session

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/casskit/pkg/cluster"
	"github.com/grafana/casskit/pkg/exec"
	"github.com/grafana/casskit/pkg/policy"
	"github.com/grafana/casskit/pkg/pool"
	"github.com/grafana/casskit/pkg/proto"
)

// Option customizes a Session at construction time.
type Option func(*Session)

// WithPolicies replaces the default policy bundle.
func WithPolicies(b policy.Bundle) Option {
	return func(s *Session) { s.policies = &b }
}

// WithPolicyOverride adjusts the default bundle after it has been built
// around the session's topology. Useful to swap a single policy while
// keeping the rest at their defaults.
func WithPolicyOverride(fn func(policy.Bundle) policy.Bundle) Option {
	return func(s *Session) { s.policyOverride = fn }
}

// WithObserver attaches a user observer next to the built-in metrics one.
func WithObserver(obs exec.Observer) Option {
	return func(s *Session) { s.userObserver = obs }
}

// Session issues statements against a cluster. Safe for concurrent use.
type Session struct {
	services.Service

	cfg      Config
	logger   log.Logger
	topology *cluster.Topology
	pools    *pool.Manager

	policies       *policy.Bundle
	policyOverride func(policy.Bundle) policy.Bundle
	userObserver   exec.Observer
	coordinator    *exec.Coordinator
}

func New(cfg Config, logger log.Logger, reg prometheus.Registerer, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid session config")
	}

	s := &Session{
		cfg:      cfg,
		logger:   logger,
		topology: cluster.NewTopology(cfg.ReplicationFactor),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.policies == nil {
		b := policy.Defaults(s.topology, cfg.LocalDC, logger)
		if len(cfg.ExcludedDCs) > 0 {
			child := policy.NewDCAwareRoundRobin(s.topology, cfg.LocalDC, cfg.ExcludedDCs...)
			b.LoadBalancing = policy.NewTokenAware(s.topology, child)
		}
		s.policies = &b
	}
	if s.policyOverride != nil {
		b := s.policyOverride(*s.policies)
		s.policies = &b
	}

	// contact points get evenly spaced synthetic tokens until real token
	// metadata replaces them
	for i, addr := range cfg.Addresses {
		tok := uint64(i) * (^uint64(0) / uint64(len(cfg.Addresses)))
		h := cluster.NewHost(addr, cfg.Port, cfg.LocalDC, "", []uint64{tok})
		h.SetState(cluster.HostUp)
		s.topology.AddHost(h)
	}

	poolCfg := cfg.Pool
	poolCfg.Reconnection = s.policies.Reconnection
	s.pools = pool.NewManager(poolCfg, logger, pool.NewMetrics(reg))

	observers := exec.CompositeObserver{
		exec.MetricsObserver{Metrics: exec.NewMetrics(reg)},
		exec.LoggingObserver{Logger: logger},
	}
	if s.userObserver != nil {
		observers = append(observers, s.userObserver)
	}
	s.coordinator = exec.NewCoordinator(*s.policies, connector{s.pools}, observers, logger)

	s.Service = services.NewIdleService(s.starting, s.stopping)
	return s, nil
}

func (s *Session) starting(ctx context.Context) error {
	level.Info(s.logger).Log("msg", "starting session", "contact_points", len(s.cfg.Addresses), "keyspace", s.cfg.Keyspace)
	return services.StartAndAwaitRunning(ctx, s.pools)
}

func (s *Session) stopping(_ error) error {
	return services.StopAndAwaitTerminated(context.Background(), s.pools)
}

// Topology exposes the host registry so callers can feed in cluster
// metadata changes.
func (s *Session) Topology() *cluster.Topology { return s.topology }

// Execute runs a statement to its terminal outcome. A statement without a
// keyspace of its own runs against the session's default keyspace.
func (s *Session) Execute(ctx context.Context, stmt exec.Statement) (*proto.Result, error) {
	if stmt.Keyspace() == "" {
		stmt = stmt.WithKeyspace(s.cfg.Keyspace)
	}
	return s.coordinator.Execute(ctx, stmt)
}

// Query is shorthand for executing CQL text with positional values at the
// session's default consistency.
func (s *Session) Query(ctx context.Context, cql string, values ...[]byte) (*proto.Result, error) {
	stmt := exec.NewStatement(cql).
		WithKeyspace(s.cfg.Keyspace).
		WithConsistency(s.cfg.consistency()).
		WithValues(values...)
	return s.Execute(ctx, stmt)
}

// Prepare registers the CQL text with the cluster and returns a statement
// that executes the prepared id. Preparation walks the host plan directly;
// a statement that cannot be prepared anywhere is a hard failure, not a
// retryable one.
func (s *Session) Prepare(ctx context.Context, cql string) (exec.Statement, error) {
	next := s.policies.LoadBalancing.QueryPlan(exec.NewStatement(cql))

	var lastErr error
	for h := next(); h != nil; h = next() {
		conn, err := s.pools.Acquire(ctx, h)
		if err != nil {
			lastErr = err
			continue
		}
		res, err := conn.Prepare(ctx, cql)
		conn.Release()
		if err != nil {
			lastErr = err
			continue
		}
		return exec.NewPreparedStatement(res.PreparedID).
			WithKeyspace(s.cfg.Keyspace).
			WithConsistency(s.cfg.consistency()), nil
	}
	if lastErr == nil {
		lastErr = errors.New("no hosts available")
	}
	return exec.Statement{}, errors.Wrap(lastErr, "preparing statement")
}

// connector adapts the pool manager to the coordinator's interface. The
// indirection keeps the interface satisfied with a concrete non-nil value
// even though Acquire returns a concrete *pool.Conn.
type connector struct {
	pools *pool.Manager
}

func (c connector) Acquire(ctx context.Context, host *cluster.Host) (exec.Conn, error) {
	conn, err := c.pools.Acquire(ctx, host)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
