// Package devmem exposes physical registers through /dev/mem as an mmio.Bus.
package devmem

import (
	"errors"
	"fmt"
)

// DefaultPath is the physical memory device on Linux.
const DefaultPath = "/dev/mem"

const pageSize = 0x1000

// ErrUnsupported is returned by Open on platforms without /dev/mem.
var ErrUnsupported = errors.New("devmem: not supported on this platform")

func pageOf(addr uint64) uint64 { return addr &^ (pageSize - 1) }

func checkAligned(addr uint64) error {
	if addr&3 != 0 {
		return fmt.Errorf("devmem: unaligned 32-bit access at 0x%x", addr)
	}
	return nil
}
