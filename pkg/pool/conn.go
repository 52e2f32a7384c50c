// Package pool owns per-host connection pools: dialing and handshaking wire
// connections, health-aware acquisition with a bounded wait, and background
// reconnection to hosts that went down.
package pool

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/grafana/casskit/pkg/cluster"
	"github.com/grafana/casskit/pkg/proto"
)

// ConnError is a transport-level failure: refused or dropped connections,
// local request timeouts and pool exhaustion. It is always retryable on
// another host, which the retry policy discovers through ConnectionError.
type ConnError struct {
	Addr   string
	Reason string
	Err    error
}

func (e *ConnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection error to %s: %s: %v", e.Addr, e.Reason, e.Err)
	}
	return fmt.Sprintf("connection error to %s: %s", e.Addr, e.Reason)
}

func (e *ConnError) Unwrap() error { return e.Err }

// ConnectionError marks the error as transport-level for the retry policy.
func (e *ConnError) ConnectionError() bool { return true }

// Conn is one wire connection to one host, serving a single request at a
// time. The pool hands a Conn to exactly one query attempt; it must be given
// back with Release when the attempt reaches a terminal state.
type Conn struct {
	host   *cluster.Host
	netc   net.Conn
	framer *proto.Framer
	owner  *hostPool

	requestTimeout time.Duration
	stream         int16

	headBuf  [9]byte
	broken   atomic.Bool
	inflight atomic.Bool
}

// dialConn opens, handshakes and optionally switches a connection to the
// session keyspace.
func dialConn(ctx context.Context, host *cluster.Host, cfg Config, owner *hostPool) (*Conn, error) {
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	netc, err := d.DialContext(ctx, "tcp", host.HostPort())
	if err != nil {
		return nil, &ConnError{Addr: host.HostPort(), Reason: "dial failed", Err: err}
	}

	var compressor proto.Compressor
	if cfg.Compression {
		compressor = proto.SnappyCompressor{}
	}

	c := &Conn{
		host:           host,
		netc:           netc,
		framer:         proto.NewFramer(cfg.ProtoVersion, compressor),
		owner:          owner,
		requestTimeout: cfg.RequestTimeout,
	}

	if err := c.startup(cfg); err != nil {
		c.close()
		return nil, err
	}

	if cfg.Keyspace != "" && cfg.ProtoVersion < proto.ProtoVersion5 {
		// v5 carries the keyspace per request, earlier versions bind it
		// to the connection
		if _, err := c.Execute(ctx, proto.QueryParams{
			Statement:   "USE " + cfg.Keyspace,
			Consistency: proto.One,
		}); err != nil {
			c.close()
			return nil, errors.Wrap(err, "switching keyspace")
		}
	}

	return c, nil
}

func (c *Conn) startup(cfg Config) error {
	deadline := time.Now().Add(cfg.ConnectTimeout)
	_ = c.netc.SetDeadline(deadline)
	defer c.netc.SetDeadline(time.Time{})

	if err := c.framer.WriteStartup(c.netc, c.nextStream()); err != nil {
		return &ConnError{Addr: c.Addr(), Reason: "startup write failed", Err: err}
	}

	for {
		head, err := proto.ReadHeader(c.netc, c.headBuf[:])
		if err != nil {
			return &ConnError{Addr: c.Addr(), Reason: "startup read failed", Err: err}
		}
		if err := c.framer.ReadFrame(c.netc, head); err != nil {
			return &ConnError{Addr: c.Addr(), Reason: "startup read failed", Err: err}
		}

		switch head.Op {
		case proto.OpReady, proto.OpAuthSuccess:
			return nil
		case proto.OpAuthenticate:
			if cfg.Username == "" {
				return &ConnError{Addr: c.Addr(), Reason: "server requires authentication and no credentials are configured"}
			}
			token := make([]byte, 0, len(cfg.Username)+len(cfg.Password)+2)
			token = append(token, 0)
			token = append(token, cfg.Username...)
			token = append(token, 0)
			token = append(token, cfg.Password...)
			if err := c.framer.WriteAuthResponse(c.netc, c.nextStream(), token); err != nil {
				return &ConnError{Addr: c.Addr(), Reason: "auth write failed", Err: err}
			}
		case proto.OpError:
			reqErr, err := c.framer.ParseError()
			if err != nil {
				return &ConnError{Addr: c.Addr(), Reason: "malformed error frame", Err: err}
			}
			return errors.Wrap(reqErr, "server rejected startup")
		default:
			return &ConnError{Addr: c.Addr(), Reason: fmt.Sprintf("unexpected frame during startup: %s", head.Op)}
		}
	}
}

func (c *Conn) Host() *cluster.Host { return c.host }

func (c *Conn) Addr() string { return c.host.HostPort() }

func (c *Conn) nextStream() int16 {
	// single in-flight request per conn, the id only pairs a response with
	// its request and flushes out stale frames
	c.stream++
	if c.stream < 0 {
		c.stream = 1
	}
	return c.stream
}

// Execute runs one request on the connection and blocks for its response.
// The attempt deadline is the sooner of the context deadline and the
// configured request timeout; exceeding it is reported as a transport-level
// error, not a server one.
func (c *Conn) Execute(ctx context.Context, params proto.QueryParams) (*proto.Result, error) {
	return c.roundTrip(ctx, func(stream int16) error {
		return c.framer.WriteQuery(c.netc, stream, params)
	})
}

// Prepare registers the statement with the host and returns the result
// carrying the prepared id.
func (c *Conn) Prepare(ctx context.Context, statement string) (*proto.Result, error) {
	return c.roundTrip(ctx, func(stream int16) error {
		return c.framer.WritePrepare(c.netc, stream, statement)
	})
}

func (c *Conn) roundTrip(ctx context.Context, write func(stream int16) error) (*proto.Result, error) {
	if c.broken.Load() {
		return nil, &ConnError{Addr: c.Addr(), Reason: "connection is closed"}
	}

	c.inflight.Store(true)
	defer c.inflight.Store(false)

	deadline := time.Now().Add(c.requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.netc.SetDeadline(deadline)

	// unblock pending reads promptly when the attempt is cancelled
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			c.Interrupt()
		case <-watchDone:
		}
	}()

	stream := c.nextStream()
	if err := write(stream); err != nil {
		c.broken.Store(true)
		return nil, c.transportError("request write failed", err, ctx)
	}

	for {
		head, err := proto.ReadHeader(c.netc, c.headBuf[:])
		if err != nil {
			c.broken.Store(true)
			return nil, c.transportError("response read failed", err, ctx)
		}
		if err := c.framer.ReadFrame(c.netc, head); err != nil {
			c.broken.Store(true)
			return nil, c.transportError("response read failed", err, ctx)
		}

		if head.Stream != stream {
			// stale response from an abandoned earlier request, drop it
			c.framer.Reset()
			continue
		}

		switch head.Op {
		case proto.OpResult:
			return c.framer.ParseResult()
		case proto.OpError:
			reqErr, err := c.framer.ParseError()
			if err != nil {
				c.broken.Store(true)
				return nil, &ConnError{Addr: c.Addr(), Reason: "malformed error frame", Err: err}
			}
			return nil, reqErr
		default:
			c.broken.Store(true)
			return nil, &ConnError{Addr: c.Addr(), Reason: fmt.Sprintf("unexpected response frame: %s", head.Op)}
		}
	}
}

func (c *Conn) transportError(reason string, err error, ctx context.Context) error {
	var nerr net.Error
	switch {
	case ctx.Err() != nil:
		reason = "request cancelled"
	case errors.As(err, &nerr) && nerr.Timeout():
		reason = "request timeout"
	}
	return &ConnError{Addr: c.Addr(), Reason: reason, Err: err}
}

// Interrupt aborts whatever the connection is doing by closing the socket.
// The conn is unusable afterwards; Release disposes of it.
func (c *Conn) Interrupt() {
	if c.broken.CompareAndSwap(false, true) {
		_ = c.netc.Close()
	}
}

// Release returns the connection to its pool. Broken connections and
// connections abandoned mid-request are closed rather than reused.
func (c *Conn) Release() {
	if c.owner == nil {
		c.close()
		return
	}
	c.owner.put(c)
}

func (c *Conn) usable() bool {
	return !c.broken.Load() && !c.inflight.Load()
}

func (c *Conn) close() {
	c.broken.Store(true)
	_ = c.netc.Close()
}
