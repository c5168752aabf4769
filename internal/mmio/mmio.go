// Package mmio defines the 32-bit memory-mapped register access primitives
// shared by the power-management client, its drivers and the emulated SoC.
package mmio

import (
	"sort"
	"sync"
)

// Bus performs single 32-bit register accesses at physical addresses.
type Bus interface {
	Read32(addr uint64) uint32
	Write32(addr uint64, value uint32)
}

// Op identifies the direction of a recorded access.
type Op uint8

const (
	OpRead Op = iota + 1
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return "invalid"
	}
}

// Access is one recorded register access.
type Access struct {
	Op    Op
	Addr  uint64
	Value uint32
}

// Recorder wraps a Bus and keeps an ordered log of every access.
type Recorder struct {
	bus Bus

	mu  sync.Mutex
	log []Access
}

// NewRecorder returns a Recorder forwarding to bus.
func NewRecorder(bus Bus) *Recorder {
	return &Recorder{bus: bus}
}

// Read32 implements Bus.
func (r *Recorder) Read32(addr uint64) uint32 {
	v := r.bus.Read32(addr)
	r.mu.Lock()
	r.log = append(r.log, Access{Op: OpRead, Addr: addr, Value: v})
	r.mu.Unlock()
	return v
}

// Write32 implements Bus.
func (r *Recorder) Write32(addr uint64, value uint32) {
	r.mu.Lock()
	r.log = append(r.log, Access{Op: OpWrite, Addr: addr, Value: value})
	r.mu.Unlock()
	r.bus.Write32(addr, value)
}

// Accesses returns a copy of the access log.
func (r *Recorder) Accesses() []Access {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Access(nil), r.log...)
}

// Writes returns only the recorded writes, in order.
func (r *Recorder) Writes() []Access {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Access
	for _, a := range r.log {
		if a.Op == OpWrite {
			out = append(out, a)
		}
	}
	return out
}

// Reset discards the access log.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = r.log[:0]
}

// Memory is a sparse register space. Unwritten addresses read as zero.
type Memory struct {
	mu   sync.Mutex
	regs map[uint64]uint32
}

// NewMemory returns an empty register space.
func NewMemory() *Memory {
	return &Memory{regs: make(map[uint64]uint32)}
}

// Read32 implements Bus.
func (m *Memory) Read32(addr uint64) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[addr]
}

// Write32 implements Bus.
func (m *Memory) Write32(addr uint64, value uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[addr] = value
}

// Addresses returns every address that has been written, sorted.
func (m *Memory) Addresses() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, 0, len(m.regs))
	for addr := range m.regs {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var (
	_ Bus = (*Recorder)(nil)
	_ Bus = (*Memory)(nil)
)
