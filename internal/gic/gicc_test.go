package gic

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tinyrange/zynqpm/internal/mmio"
)

func TestDeactivateKeepsUnrelatedBits(t *testing.T) {
	mem := mmio.NewMemory()
	const base = 0xF9020000
	mem.Write32(base+GICC_CTLR, CTLR_ENABLE_GRP0|CTLR_ENABLE_GRP1|CTLR_FIQ_EN)

	c := NewCPUInterface(mem, base)
	assert.True(t, c.Enabled())

	c.Deactivate()
	assert.False(t, c.Enabled())
	assert.Equal(t, uint32(CTLR_FIQ_EN|bypassDisable), mem.Read32(base+GICC_CTLR))
}

func TestSetupEnablesGroup0(t *testing.T) {
	mem := mmio.NewMemory()
	const base = 0xF9020000

	c := NewCPUInterface(mem, base)
	c.Deactivate()
	c.Setup()

	assert.True(t, c.Enabled())
	assert.Equal(t, uint32(PriorityMaskLowest), mem.Read32(base+GICC_PMR))
	assert.Equal(t, uint32(CTLR_ENABLE_GRP0|CTLR_FIQ_EN|bypassDisable), mem.Read32(base+GICC_CTLR))
	assert.Equal(t, uint64(base), c.Base())
}
