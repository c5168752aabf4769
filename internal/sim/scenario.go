package sim

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/zynqpm/internal/pmclient"
)

// SuspendWalk drives every power hook once and checks the power-control
// register after each step: the secondaries suspend themselves, the primary
// wakes them, then the primary suspends and aborts.
func (c *Cluster) SuspendWalk() error {
	primary := c.registry.Primary()
	pcpu := c.registry.CPUID(primary.Node)
	pc := c.clients[pcpu]

	for cpu, client := range c.clients {
		if cpu == pcpu {
			continue
		}
		proc, _ := c.registry.Proc(cpu)
		before := c.PwrCtl()
		client.PrepareSuspend(proc)
		if got, want := c.PwrCtl(), before|proc.PwrDnMask; got != want {
			return fmt.Errorf("cpu %d suspend: pwrctl 0x%x, want 0x%x", cpu, got, want)
		}
		if c.gics[cpu].Enabled() {
			return fmt.Errorf("cpu %d suspend: interrupt interface still enabled", cpu)
		}
		c.log.Info("suspended", "cpu", cpu, "node", proc.Node, "pwrctl", fmt.Sprintf("0x%x", c.PwrCtl()))
	}

	for cpu := range c.clients {
		if cpu == pcpu {
			continue
		}
		proc, _ := c.registry.Proc(cpu)
		pc.Wake(proc)
		if c.PwrCtl()&proc.PwrDnMask != 0 {
			return fmt.Errorf("cpu %d wake: bit 0x%x still set", cpu, proc.PwrDnMask)
		}
		c.gics[cpu].Setup()
		c.log.Info("woken", "cpu", cpu, "node", proc.Node)
	}

	pc.PrepareSuspend(primary)
	if c.PwrCtl()&primary.PwrDnMask == 0 {
		return fmt.Errorf("primary suspend: bit 0x%x not set", primary.PwrDnMask)
	}
	pc.AbortSuspend()
	if got := c.PwrCtl(); got != 0 {
		return fmt.Errorf("primary abort: pwrctl 0x%x, want 0", got)
	}
	if !c.gics[pcpu].Enabled() {
		return fmt.Errorf("primary abort: interrupt interface not re-enabled")
	}
	c.log.Info("suspend aborted", "cpu", pcpu)
	return nil
}

// Report summarizes a stress run.
type Report struct {
	// Calls counts completed exchanges per CPU.
	Calls      []int
	Served     int
	Overwrites uint64
	Faults     uint64
	Elapsed    time.Duration
}

// Total returns the number of completed exchanges.
func (r Report) Total() int {
	n := 0
	for _, c := range r.Calls {
		n += c
	}
	return n
}

// Run has every CPU perform iterations echo exchanges concurrently and checks
// that each one gets the answer to its own request. progress, if non-nil, is
// called after every exchange from the CPU's goroutine.
func (c *Cluster) Run(ctx context.Context, iterations int, progress func(cpu int)) (Report, error) {
	report := Report{Calls: make([]int, len(c.clients))}
	start := time.Now()
	servedBefore := len(c.ipi.Served())

	g, ctx := errgroup.WithContext(ctx)
	for cpu, client := range c.clients {
		proc, _ := c.registry.Proc(cpu)
		g.Go(func() error {
			for i := 0; i < iterations; i++ {
				payload := pmclient.Payload{APIEcho, uint32(proc.Node), uint32(cpu), uint32(i), uint32(iterations)}
				resp, err := client.Call(ctx, proc, payload, true)
				if err != nil {
					return fmt.Errorf("cpu %d call %d: %w", cpu, i, err)
				}
				if err := resp.Status.Err(); err != nil {
					return fmt.Errorf("cpu %d call %d: %w", cpu, i, err)
				}
				if want := Digest(payload); resp.Value != want {
					return fmt.Errorf("cpu %d call %d: value 0x%x, want 0x%x", cpu, i, resp.Value, want)
				}
				report.Calls[cpu]++
				if progress != nil {
					progress(cpu)
				}
			}
			return nil
		})
	}
	err := g.Wait()

	report.Served = len(c.ipi.Served()) - servedBefore
	report.Overwrites = c.ipi.Overwrites()
	report.Faults = c.chipset.Faults()
	report.Elapsed = time.Since(start)
	return report, err
}
