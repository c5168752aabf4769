// Package sim assembles an emulated client cluster around the mailbox driver
// and exercises it the way firmware would.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/zynqpm/internal/bakery"
	"github.com/tinyrange/zynqpm/internal/chipset"
	"github.com/tinyrange/zynqpm/internal/devices/ipi"
	"github.com/tinyrange/zynqpm/internal/devices/regfile"
	"github.com/tinyrange/zynqpm/internal/gic"
	"github.com/tinyrange/zynqpm/internal/mmio"
	"github.com/tinyrange/zynqpm/internal/platform"
	"github.com/tinyrange/zynqpm/internal/pmclient"
	"github.com/tinyrange/zynqpm/internal/trace"
)

const (
	pageSize = 0x1000

	// defaultGICStride spreads banked CPU interfaces apart so each emulated
	// core gets its own register file.
	defaultGICStride = 0x1000
)

// Options configures a Cluster.
type Options struct {
	Platform *platform.Config

	// BusyPolls is how many OBS reads observe a request pending before the
	// controller answers inline. A negative value hands servicing to
	// RunController instead.
	BusyPolls int

	// Responder answers requests; Controller{} when nil.
	Responder ipi.Responder

	// Trace, when set, records every access made by the clients.
	Trace *trace.Log

	Logger *slog.Logger
}

// Cluster is an emulated subsystem: one client per processor sharing a
// bakery lock, an IPI block, the power-control register and a GIC CPU
// interface per core.
type Cluster struct {
	platform *platform.Config
	registry *pmclient.Registry
	layout   pmclient.Layout

	chipset *chipset.Chipset
	ipi     *ipi.Device
	pwrctl  *regfile.RegFile
	lock    *bakery.Lock

	clients []*pmclient.Client
	gics    []*gic.CPUInterface

	doorbell chan struct{}
	log      *slog.Logger
}

// New builds a cluster from opts.
func New(opts Options) (*Cluster, error) {
	cfg := opts.Platform
	if cfg == nil {
		cfg = platform.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry, layout, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}
	if layout.RequestOffset != ipi.RequestOffset || layout.ResponseOffset != ipi.ResponseOffset || layout.PayloadArgSize != 4 {
		return nil, fmt.Errorf("sim: emulated IPI block needs request/response slots at 0x%x/0x%x with 4-byte words",
			ipi.RequestOffset, ipi.ResponseOffset)
	}

	c := &Cluster{
		platform: cfg,
		registry: registry,
		layout:   layout,
		doorbell: make(chan struct{}, 1),
		log:      logger,
	}

	c.ipi, err = ipi.New(
		ipi.Channel{Name: cfg.Name, Mask: uint32(cfg.IPI.Mask), Base: uint64(cfg.IPI.Base), BufferBase: uint64(cfg.IPI.BufferBase)},
		ipi.Channel{Name: "controller", Mask: layout.TargetMask, Base: uint64(cfg.Controller.Base), SlotOffset: layout.BufferTargetOffset},
	)
	if err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}
	c.ipi.SetLogger(logger.With("device", "ipi"))

	responder := opts.Responder
	if responder == nil {
		responder = Controller{}
	}
	ring := chipset.LineInterruptFromFunc(func(high bool) {
		if !high {
			return
		}
		select {
		case c.doorbell <- struct{}{}:
		default:
		}
	})
	if err := c.ipi.Attach(layout.TargetMask, responder, opts.BusyPolls, ring); err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}

	b := chipset.NewBuilder().WithLogger(logger.With("component", "chipset"))
	if err := b.RegisterDevice("ipi", c.ipi); err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}
	c.pwrctl = regfile.New(layout.PwrCtl&^(pageSize-1), pageSize)
	if err := b.RegisterDevice("pwrctl", c.pwrctl); err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}

	stride := uint64(cfg.GIC.CPUStride)
	if stride == 0 {
		stride = defaultGICStride
	}
	gicBases := make([]uint64, registry.Len())
	for cpu := range gicBases {
		gicBases[cpu] = uint64(cfg.GIC.CPUBase) + uint64(cpu)*stride
		if err := b.RegisterDevice(fmt.Sprintf("gicc%d", cpu), regfile.New(gicBases[cpu], stride)); err != nil {
			return nil, fmt.Errorf("sim: %w", err)
		}
	}

	c.chipset, err = b.Build()
	if err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}

	c.lock, err = bakery.New(registry.Len())
	if err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}

	for cpu := 0; cpu < registry.Len(); cpu++ {
		var bus mmio.Bus = c.chipset
		if opts.Trace != nil {
			bus = trace.Wrap(c.chipset, opts.Trace, cpu)
		}
		locker, err := c.lock.ForCPU(cpu)
		if err != nil {
			return nil, fmt.Errorf("sim: %w", err)
		}
		iface := gic.NewCPUInterface(bus, gicBases[cpu])
		client, err := pmclient.New(pmclient.Config{
			Bus:      bus,
			Registry: registry,
			Layout:   layout,
			Lock:     locker,
			CPU:      iface,
			CPUID:    cpu,
			Wait:     cfg.WaitPolicy(),
			Breaker:  cfg.BreakerPolicy(),
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("sim: cpu %d: %w", cpu, err)
		}
		iface.Setup()
		c.gics = append(c.gics, iface)
		c.clients = append(c.clients, client)
	}

	logger.Debug("cluster ready", "platform", cfg.Name, "cpus", registry.Len(), "busyPolls", opts.BusyPolls)
	return c, nil
}

// CPUs returns the number of emulated cores.
func (c *Cluster) CPUs() int { return len(c.clients) }

// Client returns the driver instance running on cpu.
func (c *Cluster) Client(cpu int) *pmclient.Client { return c.clients[cpu] }

// GIC returns the interrupt interface of cpu.
func (c *Cluster) GIC(cpu int) *gic.CPUInterface { return c.gics[cpu] }

// Registry returns the processor registry shared by every client.
func (c *Cluster) Registry() *pmclient.Registry { return c.registry }

// PwrCtl reads the power-control register without going through a client.
func (c *Cluster) PwrCtl() uint32 {
	return c.pwrctl.Peek(c.layout.PwrCtl - c.pwrctl.Base())
}

// IPI returns the emulated IPI block.
func (c *Cluster) IPI() *ipi.Device { return c.ipi }

// Faults returns the number of accesses that hit no device.
func (c *Cluster) Faults() uint64 { return c.chipset.Faults() }

// RunController services pending requests whenever the controller's
// interrupt fires, and at least every interval, until ctx is done.
func (c *Cluster) RunController(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.doorbell:
		case <-ticker.C:
		}
		if err := c.chipset.Poll(ctx); err != nil {
			return err
		}
	}
}
