package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplicasFor(t *testing.T) {
	topo := NewTopology(2)

	a := NewHost("10.0.0.1", 9042, "dc1", "r1", []uint64{100, 400})
	b := NewHost("10.0.0.2", 9042, "dc1", "r2", []uint64{200, 500})
	c := NewHost("10.0.0.3", 9042, "dc2", "r1", []uint64{300, 600})
	for _, h := range []*Host{a, b, c} {
		topo.AddHost(h)
	}

	// token 150 lands on b's range at 200, next distinct host is c
	replicas := topo.ReplicasFor(150)
	require.Len(t, replicas, 2)
	assert.Same(t, b, replicas[0])
	assert.Same(t, c, replicas[1])

	// past the highest token wraps to the start of the ring
	replicas = topo.ReplicasFor(700)
	require.Len(t, replicas, 2)
	assert.Same(t, a, replicas[0])
	assert.Same(t, b, replicas[1])
}

func TestReplicasFor_DistinctHosts(t *testing.T) {
	topo := NewTopology(3)

	a := NewHost("10.0.0.1", 9042, "dc1", "r1", []uint64{100, 110, 120})
	b := NewHost("10.0.0.2", 9042, "dc1", "r2", []uint64{200})
	topo.AddHost(a)
	topo.AddHost(b)

	// a owns three consecutive ranges but must appear only once
	replicas := topo.ReplicasFor(90)
	require.Len(t, replicas, 2)
	assert.Same(t, a, replicas[0])
	assert.Same(t, b, replicas[1])
}

func TestRemoveHost(t *testing.T) {
	topo := NewTopology(1)

	a := NewHost("10.0.0.1", 9042, "dc1", "r1", []uint64{100})
	b := NewHost("10.0.0.2", 9042, "dc1", "r2", []uint64{200})
	topo.AddHost(a)
	topo.AddHost(b)

	topo.RemoveHost(a)

	require.Len(t, topo.Hosts(), 1)
	replicas := topo.ReplicasFor(50)
	require.Len(t, replicas, 1)
	assert.Same(t, b, replicas[0])
}

func TestTokenIsStable(t *testing.T) {
	k := []byte("partition-key")
	assert.Equal(t, Token(k), Token(k))
	assert.NotEqual(t, Token(k), Token([]byte("other-key")))
}

func TestHostState(t *testing.T) {
	h := NewHost("10.0.0.1", 9042, "dc1", "r1", nil)
	assert.True(t, h.IsUp())

	h.SetState(HostDown)
	assert.False(t, h.IsUp())
	assert.Equal(t, "down", h.State().String())

	h.ConnOpened()
	h.ConnOpened()
	h.ConnClosed()
	assert.Equal(t, 1, h.ActiveConns())
}
