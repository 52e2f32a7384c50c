// Package cluster models the node topology the execution engine routes
// against: hosts with liveness state, the token ring, and replica lookup.
// Topology discovery (gossip, system tables) is an external concern; hosts
// are fed in by whoever owns cluster metadata.
package cluster

import (
	"fmt"
	"net"
	"strconv"

	"go.uber.org/atomic"
)

// HostState is the liveness state of a host. Only the pool and health
// subsystem mutate it; the execution engine treats it as read-only.
type HostState int32

const (
	HostUp HostState = iota
	HostDown
	// HostIgnored hosts are administratively excluded from all query plans.
	HostIgnored
)

func (s HostState) String() string {
	switch s {
	case HostUp:
		return "up"
	case HostDown:
		return "down"
	case HostIgnored:
		return "ignored"
	default:
		return fmt.Sprintf("unknown_state_%d", int32(s))
	}
}

// Host is one node of the cluster. Hosts are shared across all concurrent
// queries; every mutable field is accessed atomically.
type Host struct {
	addr       string
	port       int
	datacenter string
	rack       string
	tokens     []uint64

	state       atomic.Int32
	activeConns atomic.Int32
}

func NewHost(addr string, port int, datacenter, rack string, tokens []uint64) *Host {
	return &Host{
		addr:       addr,
		port:       port,
		datacenter: datacenter,
		rack:       rack,
		tokens:     tokens,
	}
}

func (h *Host) Addr() string       { return h.addr }
func (h *Host) Port() int          { return h.port }
func (h *Host) Datacenter() string { return h.datacenter }
func (h *Host) Rack() string       { return h.rack }

// Tokens returns the token positions this host owns. The slice is immutable
// after construction.
func (h *Host) Tokens() []uint64 { return h.tokens }

// HostPort returns the dialable address of the host.
func (h *Host) HostPort() string {
	return net.JoinHostPort(h.addr, strconv.Itoa(h.port))
}

func (h *Host) State() HostState { return HostState(h.state.Load()) }

func (h *Host) SetState(s HostState) { h.state.Store(int32(s)) }

// IsUp reports whether the host is usable for new attempts.
func (h *Host) IsUp() bool { return h.State() == HostUp }

func (h *Host) ActiveConns() int { return int(h.activeConns.Load()) }

func (h *Host) incConns() { h.activeConns.Inc() }
func (h *Host) decConns() { h.activeConns.Dec() }

// ConnOpened and ConnClosed keep the per-host connection count, maintained by
// the pool layer.
func (h *Host) ConnOpened() { h.incConns() }
func (h *Host) ConnClosed() { h.decConns() }

func (h *Host) String() string {
	return fmt.Sprintf("%s (dc=%s rack=%s state=%s)", h.HostPort(), h.datacenter, h.rack, h.State())
}
