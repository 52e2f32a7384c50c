package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/casskit/pkg/cluster"
)

type routedStatement struct {
	key      []byte
	keyspace string
}

func (s routedStatement) RoutingKey() []byte { return s.key }
func (s routedStatement) Keyspace() string   { return s.keyspace }

func collect(next NextHost) []*cluster.Host {
	var hosts []*cluster.Host
	for h := next(); h != nil; h = next() {
		hosts = append(hosts, h)
	}
	return hosts
}

func TestDCAwareRoundRobin_LocalFirst(t *testing.T) {
	topo := cluster.NewTopology(1)
	local1 := cluster.NewHost("10.0.0.1", 9042, "dc1", "r1", nil)
	local2 := cluster.NewHost("10.0.0.2", 9042, "dc1", "r2", nil)
	remote := cluster.NewHost("10.1.0.1", 9042, "dc2", "r1", nil)
	for _, h := range []*cluster.Host{local1, local2, remote} {
		topo.AddHost(h)
	}

	p := NewDCAwareRoundRobin(topo, "dc1")
	hosts := collect(p.QueryPlan(routedStatement{}))

	require.Len(t, hosts, 3)
	assert.Equal(t, "dc1", hosts[0].Datacenter())
	assert.Equal(t, "dc1", hosts[1].Datacenter())
	assert.Equal(t, "dc2", hosts[2].Datacenter())
}

func TestDCAwareRoundRobin_RotatesAcrossQueries(t *testing.T) {
	topo := cluster.NewTopology(1)
	a := cluster.NewHost("10.0.0.1", 9042, "dc1", "r1", nil)
	b := cluster.NewHost("10.0.0.2", 9042, "dc1", "r2", nil)
	topo.AddHost(a)
	topo.AddHost(b)

	p := NewDCAwareRoundRobin(topo, "dc1")
	first := collect(p.QueryPlan(routedStatement{}))
	second := collect(p.QueryPlan(routedStatement{}))

	require.Len(t, first, 2)
	require.Len(t, second, 2)
	assert.NotSame(t, first[0], second[0], "consecutive plans should rotate the starting host")
}

func TestDCAwareRoundRobin_SkipsDownAndExcluded(t *testing.T) {
	topo := cluster.NewTopology(1)
	up := cluster.NewHost("10.0.0.1", 9042, "dc1", "r1", nil)
	down := cluster.NewHost("10.0.0.2", 9042, "dc1", "r2", nil)
	down.SetState(cluster.HostDown)
	excluded := cluster.NewHost("10.2.0.1", 9042, "dc3", "r1", nil)
	for _, h := range []*cluster.Host{up, down, excluded} {
		topo.AddHost(h)
	}

	p := NewDCAwareRoundRobin(topo, "dc1", "dc3")
	hosts := collect(p.QueryPlan(routedStatement{}))

	require.Len(t, hosts, 1)
	assert.Same(t, up, hosts[0])
}

func TestDCAwareRoundRobin_ReactsToLivenessWithoutRebuild(t *testing.T) {
	topo := cluster.NewTopology(1)
	a := cluster.NewHost("10.0.0.1", 9042, "dc1", "r1", nil)
	b := cluster.NewHost("10.0.0.2", 9042, "dc1", "r2", nil)
	topo.AddHost(a)
	topo.AddHost(b)

	p := NewDCAwareRoundRobin(topo, "dc1")

	next := p.QueryPlan(routedStatement{})
	first := next()
	require.NotNil(t, first)

	// the other host goes down between yields of the same plan
	other := a
	if first == a {
		other = b
	}
	other.SetState(cluster.HostDown)

	assert.Nil(t, next(), "a host marked down mid-plan must not be emitted")
}

func TestTokenAware_ReplicasFirstLocalOnly(t *testing.T) {
	// token space: a and b are local replicas for the key, c is a remote
	// replica in an excluded DC and must never appear
	key := []byte("user:42")
	tok := cluster.Token(key)

	topo := cluster.NewTopology(3)
	a := cluster.NewHost("10.0.0.1", 9042, "dc1", "r1", []uint64{tok})
	b := cluster.NewHost("10.0.0.2", 9042, "dc1", "r2", []uint64{tok + 1})
	c := cluster.NewHost("10.1.0.1", 9042, "dc2", "r1", []uint64{tok + 2})
	for _, h := range []*cluster.Host{a, b, c} {
		topo.AddHost(h)
	}

	p := NewTokenAware(topo, NewDCAwareRoundRobin(topo, "dc1", "dc2"))

	for i := 0; i < 20; i++ {
		hosts := collect(p.QueryPlan(routedStatement{key: key}))
		require.Len(t, hosts, 2)
		assert.ElementsMatch(t, []*cluster.Host{a, b}, hosts)
		assert.NotContains(t, hosts, c)
	}
}

func TestTokenAware_LocalReplicaOrderIsRandomized(t *testing.T) {
	key := []byte("user:42")
	tok := cluster.Token(key)

	topo := cluster.NewTopology(2)
	a := cluster.NewHost("10.0.0.1", 9042, "dc1", "r1", []uint64{tok})
	b := cluster.NewHost("10.0.0.2", 9042, "dc1", "r2", []uint64{tok + 1})
	topo.AddHost(a)
	topo.AddHost(b)

	p := NewTokenAware(topo, NewDCAwareRoundRobin(topo, "dc1"))

	seen := map[*cluster.Host]bool{}
	for i := 0; i < 100; i++ {
		hosts := collect(p.QueryPlan(routedStatement{key: key}))
		require.NotEmpty(t, hosts)
		seen[hosts[0]] = true
	}
	assert.True(t, seen[a] && seen[b], "both replicas should lead the plan across 100 queries")
}

func TestTokenAware_RemoteReplicasDemoted(t *testing.T) {
	key := []byte("user:42")
	tok := cluster.Token(key)

	topo := cluster.NewTopology(2)
	local := cluster.NewHost("10.0.0.1", 9042, "dc1", "r1", []uint64{tok})
	remote := cluster.NewHost("10.1.0.1", 9042, "dc2", "r1", []uint64{tok + 1})
	topo.AddHost(local)
	topo.AddHost(remote)

	p := NewTokenAware(topo, NewDCAwareRoundRobin(topo, "dc1"))
	hosts := collect(p.QueryPlan(routedStatement{key: key}))

	require.Len(t, hosts, 2)
	assert.Same(t, local, hosts[0])
	assert.Same(t, remote, hosts[1])
}

func TestTokenAware_NoRoutingKeyFallsThrough(t *testing.T) {
	topo := cluster.NewTopology(1)
	a := cluster.NewHost("10.0.0.1", 9042, "dc1", "r1", []uint64{100})
	topo.AddHost(a)

	p := NewTokenAware(topo, NewDCAwareRoundRobin(topo, "dc1"))
	hosts := collect(p.QueryPlan(routedStatement{}))

	require.Len(t, hosts, 1)
	assert.Same(t, a, hosts[0])
}

func TestTokenAware_NonReplicasFollowWithoutDuplicates(t *testing.T) {
	key := []byte("user:42")
	tok := cluster.Token(key)

	topo := cluster.NewTopology(1)
	replica := cluster.NewHost("10.0.0.1", 9042, "dc1", "r1", []uint64{tok})
	other := cluster.NewHost("10.0.0.2", 9042, "dc1", "r2", []uint64{tok + 1 + 1<<32})
	topo.AddHost(replica)
	topo.AddHost(other)

	p := NewTokenAware(topo, NewDCAwareRoundRobin(topo, "dc1"))
	hosts := collect(p.QueryPlan(routedStatement{key: key}))

	require.Len(t, hosts, 2)
	assert.Same(t, replica, hosts[0])
	assert.Same(t, other, hosts[1])
}
