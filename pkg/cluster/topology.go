package cluster

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Token computes the partitioning token for a routing key. The partitioner is
// pinned to xxhash64 for the whole cluster; all hosts' token assignments must
// come from the same space.
func Token(routingKey []byte) uint64 {
	return xxhash.Sum64(routingKey)
}

type ringEntry struct {
	token uint64
	host  *Host
}

// Topology is the read-mostly registry of cluster hosts and token ownership.
// Mutations come from the metadata owner (host added/removed) and from the
// health subsystem (liveness, via Host.SetState); query plans only read.
type Topology struct {
	mtx               sync.RWMutex
	hosts             []*Host
	ring              []ringEntry
	replicationFactor int
}

func NewTopology(replicationFactor int) *Topology {
	if replicationFactor < 1 {
		replicationFactor = 1
	}
	return &Topology{replicationFactor: replicationFactor}
}

// AddHost registers a host and splices its tokens into the ring.
func (t *Topology) AddHost(h *Host) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	t.hosts = append(t.hosts, h)
	for _, tok := range h.Tokens() {
		t.ring = append(t.ring, ringEntry{token: tok, host: h})
	}
	sort.Slice(t.ring, func(i, j int) bool { return t.ring[i].token < t.ring[j].token })
}

// RemoveHost drops a host and its token ranges.
func (t *Topology) RemoveHost(h *Host) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	hosts := t.hosts[:0]
	for _, other := range t.hosts {
		if other != h {
			hosts = append(hosts, other)
		}
	}
	t.hosts = hosts

	ring := t.ring[:0]
	for _, e := range t.ring {
		if e.host != h {
			ring = append(ring, e)
		}
	}
	t.ring = ring
}

// Hosts returns a snapshot of all registered hosts.
func (t *Topology) Hosts() []*Host {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	out := make([]*Host, len(t.hosts))
	copy(out, t.hosts)
	return out
}

// ReplicasFor returns the hosts owning the given token: the owner of the
// first token range at or after it, plus the next replicationFactor-1
// distinct hosts walking the ring clockwise.
func (t *Topology) ReplicasFor(token uint64) []*Host {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	if len(t.ring) == 0 {
		return nil
	}

	start := sort.Search(len(t.ring), func(i int) bool { return t.ring[i].token >= token })
	if start == len(t.ring) {
		start = 0 // wrap around
	}

	replicas := make([]*Host, 0, t.replicationFactor)
	for i := 0; i < len(t.ring) && len(replicas) < t.replicationFactor; i++ {
		h := t.ring[(start+i)%len(t.ring)].host
		if !containsHost(replicas, h) {
			replicas = append(replicas, h)
		}
	}
	return replicas
}

func containsHost(hosts []*Host, h *Host) bool {
	for _, other := range hosts {
		if other == h {
			return true
		}
	}
	return false
}
