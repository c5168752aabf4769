package pmclient

import (
	"fmt"
	"math/bits"
)

// UndefinedCPUID is returned by Registry.CPUID for nodes outside the registry.
const UndefinedCPUID = -1

// IPIChannel describes the mailbox device shared by every processor of a cluster.
type IPIChannel struct {
	// Mask is this channel's bit in the IPI interrupt controller.
	Mask uint32
	// Base is the address of the channel's TRIG/OBS/ISR register block.
	Base uint64
	// BufferBase is the address of the channel's message buffer area.
	BufferBase uint64
}

// Proc describes one logical processor of the subsystem.
type Proc struct {
	Node NodeID
	// PwrDnMask is this processor's bit in the power-control register.
	PwrDnMask uint32
	IPI       *IPIChannel
}

// detached returns p with a private copy of its channel, so changes made by
// the holder never reach the registry.
func (p Proc) detached() Proc {
	if p.IPI != nil {
		ch := *p.IPI
		p.IPI = &ch
	}
	return p
}

// Registry is the fixed, read-only processor table of a subsystem. Index i
// describes logical CPU i. Descriptors handed out carry their own copy of the
// channel.
type Registry struct {
	procs     []Proc
	primary   int
	subsystem NodeID
}

// NewRegistry validates procs and returns a registry over a private copy.
func NewRegistry(procs []Proc, primary int, subsystem NodeID) (*Registry, error) {
	if len(procs) == 0 {
		return nil, fmt.Errorf("pmclient: registry has no processors")
	}
	if primary < 0 || primary >= len(procs) {
		return nil, fmt.Errorf("pmclient: primary cpu %d out of range [0,%d)", primary, len(procs))
	}
	if subsystem == NodeUnknown {
		return nil, fmt.Errorf("pmclient: subsystem node is unknown")
	}

	var seenMasks uint32
	for i, p := range procs {
		if p.Node == NodeUnknown {
			return nil, fmt.Errorf("pmclient: cpu %d has unknown node", i)
		}
		if p.IPI == nil {
			return nil, fmt.Errorf("pmclient: cpu %d (%s) has no IPI channel", i, p.Node)
		}
		if bits.OnesCount32(p.PwrDnMask) != 1 {
			return nil, fmt.Errorf("pmclient: cpu %d (%s) power-down mask 0x%x is not a single bit", i, p.Node, p.PwrDnMask)
		}
		if seenMasks&p.PwrDnMask != 0 {
			return nil, fmt.Errorf("pmclient: cpu %d (%s) power-down mask 0x%x already used", i, p.Node, p.PwrDnMask)
		}
		seenMasks |= p.PwrDnMask
		for j := 0; j < i; j++ {
			if procs[j].Node == p.Node {
				return nil, fmt.Errorf("pmclient: node %s registered for cpu %d and cpu %d", p.Node, j, i)
			}
		}
	}

	// Processors sharing a channel keep sharing one private copy of it.
	owned := make([]Proc, len(procs))
	copies := make(map[*IPIChannel]*IPIChannel)
	for i, p := range procs {
		ch, ok := copies[p.IPI]
		if !ok {
			c := *p.IPI
			ch = &c
			copies[p.IPI] = ch
		}
		p.IPI = ch
		owned[i] = p
	}

	return &Registry{
		procs:     owned,
		primary:   primary,
		subsystem: subsystem,
	}, nil
}

// Len returns the number of processors.
func (r *Registry) Len() int {
	return len(r.procs)
}

// Proc returns the descriptor of logical CPU cpu.
func (r *Registry) Proc(cpu int) (Proc, bool) {
	if cpu < 0 || cpu >= len(r.procs) {
		return Proc{}, false
	}
	return r.procs[cpu].detached(), true
}

// ProcByNode returns the descriptor registered for node.
func (r *Registry) ProcByNode(node NodeID) (Proc, bool) {
	for _, p := range r.procs {
		if p.Node == node {
			return p.detached(), true
		}
	}
	return Proc{}, false
}

// CPUID translates node into a logical CPU index, or UndefinedCPUID.
func (r *Registry) CPUID(node NodeID) int {
	for i, p := range r.procs {
		if p.Node == node {
			return i
		}
	}
	return UndefinedCPUID
}

// Primary returns the designated primary processor.
func (r *Registry) Primary() Proc {
	return r.procs[r.primary].detached()
}

// Subsystem returns the node that represents the subsystem as a whole.
func (r *Registry) Subsystem() NodeID {
	return r.subsystem
}

// Procs returns a copy of the table in logical CPU order.
func (r *Registry) Procs() []Proc {
	out := make([]Proc, len(r.procs))
	for i, p := range r.procs {
		out[i] = p.detached()
	}
	return out
}

// ZynqMP APU defaults.
const (
	IPIBaseAddr      = 0xFF300000
	IPIAPUMask       = 0x00000001
	IPIBufferAPUBase = 0xFF990400

	APUPwrCtl = 0xFD5C0090
)

var apuIPI = IPIChannel{
	Mask:       IPIAPUMask,
	Base:       IPIBaseAddr,
	BufferBase: IPIBufferAPUBase,
}

var apuRegistry = &Registry{
	procs: []Proc{
		{Node: NodeAPU0, PwrDnMask: 1 << 0, IPI: &apuIPI},
		{Node: NodeAPU1, PwrDnMask: 1 << 1, IPI: &apuIPI},
		{Node: NodeAPU2, PwrDnMask: 1 << 2, IPI: &apuIPI},
		{Node: NodeAPU3, PwrDnMask: 1 << 3, IPI: &apuIPI},
	},
	primary:   0,
	subsystem: NodeAPU,
}

// APURegistry returns the four-core APU table with APU0 as primary.
func APURegistry() *Registry {
	return apuRegistry
}
