package chipset

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/tinyrange/zynqpm/internal/mmio"
)

// Chipset represents the built dispatch tables for chipset devices. It is the
// mmio.Bus seen by code running against the emulated SoC.
type Chipset struct {
	devices map[string]ChipsetDevice
	mmio    []mmioBinding
	polls   []PollHandler
	logger  *slog.Logger

	faults atomic.Uint64
}

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Device returns the device registered under name.
func (c *Chipset) Device(name string) (ChipsetDevice, bool) {
	dev, ok := c.devices[name]
	return dev, ok
}

// HandleMMIO dispatches an MMIO access to the registered device.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	for _, binding := range c.mmio {
		if binding.region.Contains(addr, len(data)) {
			if isWrite {
				return binding.handler.WriteMMIO(addr, data)
			}
			return binding.handler.ReadMMIO(addr, data)
		}
	}

	return fmt.Errorf("chipset: no handler for MMIO address 0x%016x", addr)
}

// Read32 implements mmio.Bus. A failed access reads as zero and is counted
// as a bus fault.
func (c *Chipset) Read32(addr uint64) uint32 {
	var buf [4]byte
	if err := c.HandleMMIO(addr, buf[:], false); err != nil {
		c.fault(addr, false, err)
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// Write32 implements mmio.Bus. A failed access is dropped and counted as a
// bus fault.
func (c *Chipset) Write32(addr uint64, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := c.HandleMMIO(addr, buf[:], true); err != nil {
		c.fault(addr, true, err)
	}
}

// Faults returns the number of accesses no device accepted.
func (c *Chipset) Faults() uint64 {
	return c.faults.Load()
}

func (c *Chipset) fault(addr uint64, isWrite bool, err error) {
	c.faults.Add(1)
	c.logger.Warn("bus fault", "addr", fmt.Sprintf("0x%016x", addr), "write", isWrite, "err", err)
}

// Poll executes Poll on all poll-capable devices.
func (c *Chipset) Poll(ctx context.Context) error {
	for _, handler := range c.polls {
		if err := handler.Poll(ctx); err != nil {
			return fmt.Errorf("chipset: poll: %w", err)
		}
	}
	return nil
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ mmio.Bus = (*Chipset)(nil)
