// Package regfile implements a plain block of 32-bit read/write registers,
// used for the APU power-control block and the GIC CPU interfaces of the
// emulated cluster.
package regfile

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/zynqpm/internal/chipset"
)

// RegFile is a block of word-aligned registers with reset values.
type RegFile struct {
	mu sync.Mutex

	base  uint64
	size  uint64
	reset map[uint64]uint32
	regs  map[uint64]uint32

	reads  uint64
	writes uint64
}

// New creates a register block of size bytes at base. Registers read as zero
// unless given a reset value with SetReset.
func New(base, size uint64) *RegFile {
	return &RegFile{
		base:  base,
		size:  size,
		reset: make(map[uint64]uint32),
		regs:  make(map[uint64]uint32),
	}
}

// SetReset sets the value the register at offset takes on Reset and
// immediately loads it.
func (r *RegFile) SetReset(offset uint64, value uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset[offset] = value
	r.regs[offset] = value
}

// Start implements chipset.ChangeDeviceState.
func (r *RegFile) Start() error {
	return nil
}

// Stop implements chipset.ChangeDeviceState.
func (r *RegFile) Stop() error {
	return nil
}

// Reset implements chipset.ChangeDeviceState.
func (r *RegFile) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs = make(map[uint64]uint32, len(r.reset))
	for off, v := range r.reset {
		r.regs[off] = v
	}
	r.reads = 0
	r.writes = 0
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (r *RegFile) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MMIORegion{{Address: r.base, Size: r.size}},
		Handler: r,
	}
}

// SupportsPollDevice implements chipset.ChipsetDevice.
func (r *RegFile) SupportsPollDevice() *chipset.PollDevice {
	return nil
}

// ReadMMIO implements chipset.MmioHandler.
func (r *RegFile) ReadMMIO(addr uint64, data []byte) error {
	offset, err := r.check(addr, data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	binary.LittleEndian.PutUint32(data, r.regs[offset])
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (r *RegFile) WriteMMIO(addr uint64, data []byte) error {
	offset, err := r.check(addr, data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	r.regs[offset] = binary.LittleEndian.Uint32(data)
	return nil
}

func (r *RegFile) check(addr uint64, data []byte) (uint64, error) {
	if addr < r.base || addr+uint64(len(data)) > r.base+r.size {
		return 0, fmt.Errorf("regfile: address 0x%x out of bounds", addr)
	}
	if len(data) != 4 || addr%4 != 0 {
		return 0, fmt.Errorf("regfile: unsupported %d-byte access at 0x%x", len(data), addr)
	}
	return addr - r.base, nil
}

// Peek returns the register at offset without counting an access.
func (r *RegFile) Peek(offset uint64) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regs[offset]
}

// Poke sets the register at offset without counting an access.
func (r *RegFile) Poke(offset uint64, value uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[offset] = value
}

// Counts returns the number of bus reads and writes served.
func (r *RegFile) Counts() (reads, writes uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads, r.writes
}

// Base returns the MMIO base address.
func (r *RegFile) Base() uint64 {
	return r.base
}

var (
	_ chipset.ChipsetDevice     = (*RegFile)(nil)
	_ chipset.MmioHandler       = (*RegFile)(nil)
	_ chipset.ChangeDeviceState = (*RegFile)(nil)
)
