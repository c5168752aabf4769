package pmclient

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/zynqpm/internal/mmio"
)

func TestWakeClearsTargetBit(t *testing.T) {
	s := newSoC(t)
	c, _ := newTestClient(t, s, 0, &sync.Mutex{}, nil)

	s.setPwrctl(0xF)
	p, ok := c.Proc(2)
	require.True(t, ok)
	c.Wake(p)
	assert.Equal(t, uint32(0xB), s.pwrctl())
}

func TestPrepareSuspendSetsOwnBit(t *testing.T) {
	s := newSoC(t)
	c, _ := newTestClient(t, s, 0, &sync.Mutex{}, nil)

	p, _ := c.Proc(0)
	c.PrepareSuspend(p)
	assert.Equal(t, uint32(0x1), s.pwrctl())
}

func TestPrepareSuspendPreservesOtherBits(t *testing.T) {
	s := newSoC(t)
	c, _ := newTestClient(t, s, 1, &sync.Mutex{}, nil)

	s.setPwrctl(0xF0000005)
	p, _ := c.Proc(1)
	c.PrepareSuspend(p)
	assert.Equal(t, uint32(0xF0000007), s.pwrctl())
}

func TestPrepareSuspendDeactivatesInterfaceFirst(t *testing.T) {
	s := newSoC(t)
	c, fc := newTestClient(t, s, 3, &sync.Mutex{}, nil)

	p, _ := c.Proc(3)
	c.PrepareSuspend(p)

	calls := fc.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "deactivate", calls[0].name)
	assert.Zero(t, calls[0].writesBefore, "interface must go down before the power-down bit is written")

	writes := s.rec.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, mmio.Access{Op: mmio.OpWrite, Addr: APUPwrCtl, Value: 0x8}, writes[0])
}

// AbortSuspend always targets the primary processor's bit. This asymmetry is
// part of the controller contract; change it only on purpose.
func TestAbortSuspendAlwaysClearsPrimaryBit(t *testing.T) {
	for cpu := 0; cpu < 4; cpu++ {
		s := newSoC(t)
		c, fc := newTestClient(t, s, cpu, &sync.Mutex{}, nil)

		s.setPwrctl(0xF)
		c.AbortSuspend()
		assert.Equal(t, uint32(0xE), s.pwrctl(), "called from cpu %d", cpu)

		calls := fc.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "setup", calls[0].name)
	}
}

func TestAbortSuspendFollowsConfiguredPrimary(t *testing.T) {
	s := newSoC(t)
	r, err := NewRegistry(APURegistry().Procs(), 2, NodeAPU)
	require.NoError(t, err)
	c, _ := newTestClient(t, s, 0, &sync.Mutex{}, func(cfg *Config) { cfg.Registry = r })

	s.setPwrctl(0xF)
	c.AbortSuspend()
	assert.Equal(t, uint32(0xB), s.pwrctl())
}

func TestWakeUnregisteredNodeWritesNothing(t *testing.T) {
	s := newSoC(t)
	c, fc := newTestClient(t, s, 0, &sync.Mutex{}, nil)

	s.setPwrctl(0xF)
	c.Wake(Proc{Node: NodeRPU0, PwrDnMask: 0x1, IPI: APURegistry().Primary().IPI})

	assert.Empty(t, s.rec.Accesses())
	assert.Empty(t, fc.Calls())
	assert.Equal(t, uint32(0xF), s.pwrctl())
}

func TestConcurrentHooksDoNotLoseBits(t *testing.T) {
	s := newSoC(t)
	lock := &sync.Mutex{}

	var wg sync.WaitGroup
	for cpu := 0; cpu < 4; cpu++ {
		c, _ := newTestClient(t, s, cpu, lock, nil)
		p, _ := c.Proc(cpu)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.PrepareSuspend(p)
				c.Wake(p)
			}
			c.PrepareSuspend(p)
		}()
	}
	wg.Wait()

	assert.Equal(t, uint32(0xF), s.pwrctl())
}

func TestPwrCtlReadsRegister(t *testing.T) {
	s := newSoC(t)
	c, _ := newTestClient(t, s, 0, &sync.Mutex{}, nil)
	s.setPwrctl(0x6)
	assert.Equal(t, uint32(0x6), c.PwrCtl())
}
