package pool

import (
	"context"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/grafana/casskit/pkg/cluster"
	"github.com/grafana/casskit/pkg/proto"
)

// Config for a connection pool Manager.
type Config struct {
	Size           int           `yaml:"size"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	Compression    bool          `yaml:"compression"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Keyspace       string        `yaml:"keyspace"`

	ProtoVersion proto.ProtoVersion `yaml:"-"`
	Reconnection backoff.Config     `yaml:"-"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.Size, "pool.size", 2, "Connections to open per host.")
	f.DurationVar(&cfg.ConnectTimeout, "pool.connect-timeout", 5*time.Second, "Timeout for dialing and handshaking one connection.")
	f.DurationVar(&cfg.RequestTimeout, "pool.request-timeout", 600*time.Millisecond, "Per-attempt request timeout.")
	f.DurationVar(&cfg.AcquireTimeout, "pool.acquire-timeout", 100*time.Millisecond, "How long an attempt may wait for a free connection before the pool reports exhaustion.")
	f.BoolVar(&cfg.Compression, "pool.compression", false, "Compress frame bodies with snappy.")
	f.StringVar(&cfg.Username, "pool.username", "", "Username for password authentication.")
	f.StringVar(&cfg.Password, "pool.password", "", "Password for password authentication.")
}

func (cfg *Config) Validate() error {
	if cfg.Size < 1 {
		return errors.New("pool size must be at least 1")
	}
	if cfg.ProtoVersion < proto.ProtoVersion3 || cfg.ProtoVersion > proto.ProtoVersion5 {
		return errors.Errorf("unsupported protocol version: %d", cfg.ProtoVersion)
	}
	return nil
}

// hostPool holds the connections of a single host. Idle connections wait in a
// buffered channel; the total open count is bounded by the configured size.
type hostPool struct {
	host    *cluster.Host
	cfg     Config
	logger  log.Logger
	metrics *Metrics

	idle chan *Conn

	mtx    sync.Mutex
	open   int
	closed bool
}

func newHostPool(host *cluster.Host, cfg Config, logger log.Logger, metrics *Metrics) *hostPool {
	return &hostPool{
		host:    host,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		idle:    make(chan *Conn, cfg.Size),
	}
}

// acquire hands out an idle connection, dials a new one while below the size
// limit, or waits up to the acquire timeout for one to be released.
func (p *hostPool) acquire(ctx context.Context) (*Conn, error) {
	for {
		select {
		case c := <-p.idle:
			if !c.usable() {
				p.dispose(c)
				continue
			}
			return c, nil
		default:
		}
		break
	}

	if p.reserve() {
		c, err := p.dial(ctx)
		if err != nil {
			p.unreserve()
			return nil, err
		}
		return c, nil
	}

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		select {
		case c := <-p.idle:
			if !c.usable() {
				p.dispose(c)
				continue
			}
			return c, nil
		case <-timer.C:
			p.metrics.acquireFailures.WithLabelValues("exhausted").Inc()
			return nil, &ConnError{Addr: p.host.HostPort(), Reason: "connection pool exhausted"}
		case <-ctx.Done():
			return nil, &ConnError{Addr: p.host.HostPort(), Reason: "acquire cancelled", Err: ctx.Err()}
		}
	}
}

func (p *hostPool) reserve() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.closed || p.open >= p.cfg.Size {
		return false
	}
	p.open++
	return true
}

func (p *hostPool) unreserve() {
	p.mtx.Lock()
	p.open--
	p.mtx.Unlock()
}

func (p *hostPool) dial(ctx context.Context) (*Conn, error) {
	c, err := dialConn(ctx, p.host, p.cfg, p)
	if err != nil {
		p.metrics.dialFailures.WithLabelValues(p.host.HostPort()).Inc()
		return nil, err
	}
	p.host.ConnOpened()
	p.metrics.openConns.WithLabelValues(p.host.HostPort()).Inc()
	return c, nil
}

// put takes a connection back. Broken or mid-request-abandoned connections
// are closed; healthy ones return to the idle set.
func (p *hostPool) put(c *Conn) {
	p.mtx.Lock()
	closed := p.closed
	p.mtx.Unlock()

	if closed || !c.usable() {
		p.dispose(c)
		return
	}

	select {
	case p.idle <- c:
	default:
		p.dispose(c)
	}
}

func (p *hostPool) dispose(c *Conn) {
	c.close()
	p.unreserve()
	p.host.ConnClosed()
	p.metrics.openConns.WithLabelValues(p.host.HostPort()).Dec()
}

func (p *hostPool) shutdown() {
	p.mtx.Lock()
	p.closed = true
	p.mtx.Unlock()

	for {
		select {
		case c := <-p.idle:
			p.dispose(c)
		default:
			return
		}
	}
}

// Manager owns one hostPool per known host and the background reconnection
// loops for hosts marked down. It runs as a dskit service; acquisition fails
// cleanly once the service stops.
type Manager struct {
	services.Service

	cfg     Config
	logger  log.Logger
	metrics *Metrics

	mtx          sync.Mutex
	pools        map[*cluster.Host]*hostPool
	reconnecting map[*cluster.Host]struct{}

	svcCtx context.Context
	wg     sync.WaitGroup
}

func NewManager(cfg Config, logger log.Logger, metrics *Metrics) *Manager {
	m := &Manager{
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		pools:        map[*cluster.Host]*hostPool{},
		reconnecting: map[*cluster.Host]struct{}{},
	}
	m.Service = services.NewBasicService(m.starting, m.running, m.stopping)
	return m
}

func (m *Manager) starting(ctx context.Context) error {
	m.svcCtx = ctx
	return nil
}

func (m *Manager) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (m *Manager) stopping(_ error) error {
	m.mtx.Lock()
	pools := make([]*hostPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = map[*cluster.Host]*hostPool{}
	m.mtx.Unlock()

	for _, p := range pools {
		p.shutdown()
	}
	m.wg.Wait()
	return nil
}

func (m *Manager) poolFor(host *cluster.Host) *hostPool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	p, ok := m.pools[host]
	if !ok {
		p = newHostPool(host, m.cfg, m.logger, m.metrics)
		m.pools[host] = p
	}
	return p
}

// Acquire returns a connection to the host, waiting at most the configured
// acquire timeout. Failures are transport-level errors the retry policy
// treats as retryable on the next host; a host that cannot be dialed is
// marked down and handed to the reconnection loop.
func (m *Manager) Acquire(ctx context.Context, host *cluster.Host) (*Conn, error) {
	m.metrics.acquires.Inc()

	if !host.IsUp() {
		m.metrics.acquireFailures.WithLabelValues("host_down").Inc()
		return nil, &ConnError{Addr: host.HostPort(), Reason: "host is down"}
	}

	c, err := m.poolFor(host).acquire(ctx)
	if err != nil {
		var cerr *ConnError
		if errors.As(err, &cerr) && cerr.Reason == "dial failed" {
			m.markDown(host)
		}
		return nil, err
	}
	return c, nil
}

// markDown flips the host to down and starts a reconnection loop that probes
// it on the configured backoff schedule until a dial succeeds.
func (m *Manager) markDown(host *cluster.Host) {
	if host.State() == cluster.HostIgnored {
		return
	}
	host.SetState(cluster.HostDown)
	level.Warn(m.logger).Log("msg", "marking host down", "host", host.HostPort())

	m.mtx.Lock()
	if _, running := m.reconnecting[host]; running || m.svcCtx == nil {
		m.mtx.Unlock()
		return
	}
	m.reconnecting[host] = struct{}{}
	m.mtx.Unlock()

	m.wg.Add(1)
	go m.reconnect(host)
}

func (m *Manager) reconnect(host *cluster.Host) {
	defer m.wg.Done()
	defer func() {
		m.mtx.Lock()
		delete(m.reconnecting, host)
		m.mtx.Unlock()
	}()

	bo := backoff.New(m.svcCtx, m.cfg.Reconnection)
	for bo.Ongoing() {
		bo.Wait()
		if m.svcCtx.Err() != nil {
			return
		}

		p := m.poolFor(host)
		if !p.reserve() {
			// pool already at capacity, treat the host as reachable
			host.SetState(cluster.HostUp)
			return
		}
		c, err := p.dial(m.svcCtx)
		if err != nil {
			p.unreserve()
			level.Debug(m.logger).Log("msg", "reconnect attempt failed", "host", host.HostPort(), "retry_in", bo.NextDelay(), "err", err)
			continue
		}

		host.SetState(cluster.HostUp)
		p.put(c)
		level.Info(m.logger).Log("msg", "host is back up", "host", host.HostPort(), "attempts", bo.NumRetries())
		return
	}
}
