// Package gic drives the GICv2 CPU interface of the calling core.
package gic

import "github.com/tinyrange/zynqpm/internal/mmio"

// GICv2 CPU interface register offsets
const (
	GICC_CTLR = 0x0000
	GICC_PMR  = 0x0004
	GICC_BPR  = 0x0008
	GICC_IAR  = 0x000C
	GICC_EOIR = 0x0010
)

// GICC_CTLR bits
const (
	CTLR_ENABLE_GRP0      = 1 << 0
	CTLR_ENABLE_GRP1      = 1 << 1
	CTLR_FIQ_EN           = 1 << 3
	CTLR_FIQ_BYP_DIS_GRP0 = 1 << 5
	CTLR_IRQ_BYP_DIS_GRP0 = 1 << 6
	CTLR_FIQ_BYP_DIS_GRP1 = 1 << 7
	CTLR_IRQ_BYP_DIS_GRP1 = 1 << 8

	bypassDisable = CTLR_FIQ_BYP_DIS_GRP0 | CTLR_IRQ_BYP_DIS_GRP0 |
		CTLR_FIQ_BYP_DIS_GRP1 | CTLR_IRQ_BYP_DIS_GRP1
)

// PriorityMaskLowest lets every priority through GICC_PMR.
const PriorityMaskLowest = 0xFF

// CPUInterface is the banked CPU interface seen by one core.
type CPUInterface struct {
	bus  mmio.Bus
	base uint64
}

// NewCPUInterface returns a driver for the CPU interface at base.
func NewCPUInterface(bus mmio.Bus, base uint64) *CPUInterface {
	return &CPUInterface{bus: bus, base: base}
}

// Deactivate disables both interrupt groups and stops the legacy bypass
// signals from reaching the core.
func (c *CPUInterface) Deactivate() {
	v := c.bus.Read32(c.base + GICC_CTLR)
	v &^= CTLR_ENABLE_GRP0 | CTLR_ENABLE_GRP1
	v |= bypassDisable
	c.bus.Write32(c.base+GICC_CTLR, v)
}

// Setup opens the priority mask and enables group 0 as FIQ, with bypass disabled.
func (c *CPUInterface) Setup() {
	c.bus.Write32(c.base+GICC_PMR, PriorityMaskLowest)
	c.bus.Write32(c.base+GICC_CTLR, CTLR_ENABLE_GRP0|CTLR_FIQ_EN|bypassDisable)
}

// Enabled reports whether any interrupt group is enabled.
func (c *CPUInterface) Enabled() bool {
	return c.bus.Read32(c.base+GICC_CTLR)&(CTLR_ENABLE_GRP0|CTLR_ENABLE_GRP1) != 0
}

// Base returns the MMIO base address.
func (c *CPUInterface) Base() uint64 {
	return c.base
}
