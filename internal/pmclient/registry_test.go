package pmclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPURegistryRoundTrip(t *testing.T) {
	r := APURegistry()
	require.Equal(t, 4, r.Len())

	for cpu := 0; cpu < r.Len(); cpu++ {
		p, ok := r.Proc(cpu)
		require.True(t, ok)
		assert.Equal(t, cpu, r.CPUID(p.Node))

		byNode, ok := r.ProcByNode(p.Node)
		require.True(t, ok)
		assert.Equal(t, p, byNode)
		assert.Equal(t, uint32(1)<<cpu, p.PwrDnMask)
		assert.Equal(t, *r.Primary().IPI, *p.IPI)
	}
}

func TestRegistryDescriptorsAreCopies(t *testing.T) {
	r := APURegistry()

	p, ok := r.Proc(0)
	require.True(t, ok)
	p.IPI.Base = 0xDEAD0000
	p.IPI.Mask = 0x80

	byNode, _ := r.ProcByNode(NodeAPU1)
	byNode.IPI.BufferBase = 0
	r.Primary().IPI.Mask = 0x40
	r.Procs()[2].IPI.Base = 0xBEEF0000

	for cpu := 0; cpu < r.Len(); cpu++ {
		got, _ := r.Proc(cpu)
		assert.Equal(t, IPIChannel{Mask: IPIAPUMask, Base: IPIBaseAddr, BufferBase: IPIBufferAPUBase}, *got.IPI, "cpu %d", cpu)
	}
}

func TestNewRegistryCopiesChannels(t *testing.T) {
	ch := &IPIChannel{Mask: 1, Base: 0x1000, BufferBase: 0x2000}
	r, err := NewRegistry([]Proc{{NodeRPU0, 1, ch}, {NodeRPU1, 2, ch}}, 0, NodeRPU)
	require.NoError(t, err)

	ch.Base = 0x9000
	p, _ := r.Proc(1)
	assert.Equal(t, uint64(0x1000), p.IPI.Base)
}

func TestRegistryOutOfRange(t *testing.T) {
	r := APURegistry()
	for _, cpu := range []int{-1, 4, 5, 1 << 20} {
		_, ok := r.Proc(cpu)
		assert.False(t, ok, "cpu %d", cpu)
	}
}

func TestRegistryUnknownNode(t *testing.T) {
	r := APURegistry()
	for _, node := range []NodeID{NodeUnknown, NodeAPU, NodeRPU0, NodeID(999)} {
		_, ok := r.ProcByNode(node)
		assert.False(t, ok, "node %s", node)
		assert.Equal(t, UndefinedCPUID, r.CPUID(node), "node %s", node)
	}
}

func TestRegistryNodesDistinct(t *testing.T) {
	procs := APURegistry().Procs()
	for i := range procs {
		for j := i + 1; j < len(procs); j++ {
			assert.NotEqual(t, procs[i].Node, procs[j].Node)
			assert.Zero(t, procs[i].PwrDnMask&procs[j].PwrDnMask)
		}
	}
}

func TestRegistryDesignatedDefaults(t *testing.T) {
	r := APURegistry()
	assert.Equal(t, NodeAPU0, r.Primary().Node)
	assert.Equal(t, NodeAPU, r.Subsystem())
}

func TestNewRegistryValidation(t *testing.T) {
	ch := &IPIChannel{Mask: 1, Base: 0x1000, BufferBase: 0x2000}

	tests := []struct {
		name    string
		procs   []Proc
		primary int
		sub     NodeID
	}{
		{"empty", nil, 0, NodeAPU},
		{"primary out of range", []Proc{{NodeAPU0, 1, ch}}, 1, NodeAPU},
		{"unknown subsystem", []Proc{{NodeAPU0, 1, ch}}, 0, NodeUnknown},
		{"unknown node", []Proc{{NodeUnknown, 1, ch}}, 0, NodeAPU},
		{"no channel", []Proc{{NodeAPU0, 1, nil}}, 0, NodeAPU},
		{"multi-bit mask", []Proc{{NodeAPU0, 3, ch}}, 0, NodeAPU},
		{"zero mask", []Proc{{NodeAPU0, 0, ch}}, 0, NodeAPU},
		{"shared mask", []Proc{{NodeAPU0, 1, ch}, {NodeAPU1, 1, ch}}, 0, NodeAPU},
		{"duplicate node", []Proc{{NodeAPU0, 1, ch}, {NodeAPU0, 2, ch}}, 0, NodeAPU},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.procs, tt.primary, tt.sub)
			assert.Error(t, err)
		})
	}

	procs := []Proc{{NodeRPU0, 1, ch}, {NodeRPU1, 2, ch}}
	r, err := NewRegistry(procs, 1, NodeRPU)
	require.NoError(t, err)
	procs[0].Node = NodeAPU0
	p, ok := r.Proc(0)
	require.True(t, ok)
	assert.Equal(t, NodeRPU0, p.Node, "registry must not alias the caller's slice")
	assert.Equal(t, NodeRPU1, r.Primary().Node)
}

func TestNodeNames(t *testing.T) {
	assert.Equal(t, "apu2", NodeAPU2.String())
	assert.Equal(t, "node(99)", NodeID(99).String())

	id, err := ParseNodeID("rpu1")
	require.NoError(t, err)
	assert.Equal(t, NodeRPU1, id)

	_, err = ParseNodeID("unknown")
	assert.Error(t, err)
	_, err = ParseNodeID("gpu")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusErr(t *testing.T) {
	assert.NoError(t, StatusSuccess.Err())

	err := StatusErrInvalidNode.Err()
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StatusErrInvalidNode, se.Status)
	assert.Contains(t, err.Error(), "invalid node")
	assert.Equal(t, "status(77)", Status(77).String())
}
