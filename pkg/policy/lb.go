// Package policy holds the swappable pieces of the execution engine: host
// selection, retry decisions, speculative execution scheduling, reconnection
// backoff and timestamp generation. Policies are composed, not subclassed; the
// token-aware selector wraps a child selector, the extended retry policy wraps
// a user policy.
package policy

import (
	"math/rand"
	"sync"

	"go.uber.org/atomic"

	"github.com/grafana/casskit/pkg/cluster"
)

// RoutedStatement is the slice of a statement host selection needs.
type RoutedStatement interface {
	// RoutingKey returns the partition key bytes, or nil when routing
	// information is unknown.
	RoutingKey() []byte
	Keyspace() string
}

// NextHost lazily yields candidate hosts for one query, in order. It returns
// nil when the plan is exhausted. Each call to QueryPlan produces a fresh,
// independent iterator.
type NextHost func() *cluster.Host

// HostSelector produces per-query host orderings.
type HostSelector interface {
	QueryPlan(stmt RoutedStatement) NextHost
}

// usable reports whether a host may receive new attempts right now. Checked
// at iteration time so plans react to liveness flips without rebuilding the
// selector.
func usable(h *cluster.Host) bool {
	return h != nil && h.State() == cluster.HostUp
}

// DCAwareRoundRobin rotates through hosts of the local datacenter first, then
// through the remaining datacenters. Hosts in excluded datacenters are never
// emitted.
type DCAwareRoundRobin struct {
	topo     *cluster.Topology
	localDC  string
	excluded map[string]struct{}
	counter  atomic.Uint64
}

func NewDCAwareRoundRobin(topo *cluster.Topology, localDC string, excludedDCs ...string) *DCAwareRoundRobin {
	excluded := make(map[string]struct{}, len(excludedDCs))
	for _, dc := range excludedDCs {
		excluded[dc] = struct{}{}
	}
	return &DCAwareRoundRobin{
		topo:     topo,
		localDC:  localDC,
		excluded: excluded,
	}
}

func (p *DCAwareRoundRobin) allows(h *cluster.Host) bool {
	_, skip := p.excluded[h.Datacenter()]
	return !skip
}

func (p *DCAwareRoundRobin) QueryPlan(_ RoutedStatement) NextHost {
	var local, remote []*cluster.Host
	for _, h := range p.topo.Hosts() {
		if !p.allows(h) {
			continue
		}
		if h.Datacenter() == p.localDC {
			local = append(local, h)
		} else {
			remote = append(remote, h)
		}
	}

	// one shared rotation offset so consecutive queries spread load
	off := int(p.counter.Inc() - 1)
	candidates := make([]*cluster.Host, 0, len(local)+len(remote))
	for i := range local {
		candidates = append(candidates, local[(off+i)%len(local)])
	}
	for i := range remote {
		candidates = append(candidates, remote[(off+i)%len(remote)])
	}

	i := 0
	return func() *cluster.Host {
		for i < len(candidates) {
			h := candidates[i]
			i++
			if usable(h) {
				return h
			}
		}
		return nil
	}
}

// TokenAware wraps a child selector and promotes the replicas owning the
// statement's routing token to the front of the plan. Local-DC replicas are
// emitted first in randomized order; replicas in other datacenters are
// demoted behind them. Statements without a routing key fall through to the
// child plan untouched.
type TokenAware struct {
	topo    *cluster.Topology
	child   HostSelector
	localDC string
	// allows lets the wrapper honor the child's datacenter exclusions
	allows func(*cluster.Host) bool

	mtx sync.Mutex
	rnd *rand.Rand
}

func NewTokenAware(topo *cluster.Topology, child *DCAwareRoundRobin) *TokenAware {
	return &TokenAware{
		topo:    topo,
		child:   child,
		localDC: child.localDC,
		allows:  child.allows,
		rnd:     rand.New(rand.NewSource(rand.Int63())),
	}
}

func (p *TokenAware) QueryPlan(stmt RoutedStatement) NextHost {
	key := stmt.RoutingKey()
	if key == nil {
		return p.child.QueryPlan(stmt)
	}

	replicas := p.topo.ReplicasFor(cluster.Token(key))

	var local, remote []*cluster.Host
	for _, h := range replicas {
		if !p.allows(h) {
			continue
		}
		if h.Datacenter() == p.localDC {
			local = append(local, h)
		} else {
			remote = append(remote, h)
		}
	}

	p.mtx.Lock()
	p.rnd.Shuffle(len(local), func(i, j int) { local[i], local[j] = local[j], local[i] })
	p.mtx.Unlock()

	preferred := append(local, remote...)
	seen := make(map[*cluster.Host]struct{}, len(preferred))
	for _, h := range preferred {
		seen[h] = struct{}{}
	}

	i := 0
	rest := p.child.QueryPlan(stmt)
	return func() *cluster.Host {
		for i < len(preferred) {
			h := preferred[i]
			i++
			if usable(h) {
				return h
			}
		}
		for {
			h := rest()
			if h == nil {
				return nil
			}
			if _, dup := seen[h]; !dup {
				return h
			}
		}
	}
}
