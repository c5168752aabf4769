// Package platform loads the YAML description of a power-management client
// platform: where the IPI channel and controller slots live, which
// processors exist in which order, and how long to wait for the controller.
package platform

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/zynqpm/internal/pmclient"
)

// Hex is an address or mask written as a 0x-prefixed YAML integer.
type Hex uint64

// MarshalYAML implements yaml.Marshaler.
func (h Hex) MarshalYAML() (interface{}, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprintf("0x%x", uint64(h))}, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (h *Hex) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected integer, got %s", node.Line, node.ShortTag())
	}
	v, err := strconv.ParseUint(node.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*h = Hex(v)
	return nil
}

// Config describes one client subsystem.
type Config struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name"`

	IPI        IPIConfig        `yaml:"ipi"`
	Controller ControllerConfig `yaml:"controller"`
	PwrCtl     Hex              `yaml:"pwrctl"`
	GIC        GICConfig        `yaml:"gic"`

	// Processors are listed in logical CPU order.
	Processors []ProcessorConfig `yaml:"processors"`
	Primary    int               `yaml:"primary"`
	Subsystem  string            `yaml:"subsystem"`

	Wait    WaitConfig    `yaml:"wait"`
	Breaker BreakerConfig `yaml:"breaker,omitempty"`
}

// IPIConfig is the channel shared by the subsystem's processors.
type IPIConfig struct {
	Mask       Hex `yaml:"mask"`
	Base       Hex `yaml:"base"`
	BufferBase Hex `yaml:"bufferBase"`
}

// ControllerConfig locates the controller's side of the channel.
type ControllerConfig struct {
	Mask         Hex `yaml:"mask"`
	Base         Hex `yaml:"base"`
	TrigOffset   Hex `yaml:"trigOffset"`
	ObsOffset    Hex `yaml:"obsOffset"`
	BufferOffset Hex `yaml:"bufferOffset"`
	Request      Hex `yaml:"requestOffset"`
	Response     Hex `yaml:"responseOffset"`
	WordSize     Hex `yaml:"wordSize"`
}

// GICConfig locates the GIC CPU interface. A zero stride means the interface
// is banked at the same address for every core.
type GICConfig struct {
	CPUBase   Hex `yaml:"cpuBase"`
	CPUStride Hex `yaml:"cpuStride,omitempty"`
}

// ProcessorConfig is one registry entry.
type ProcessorConfig struct {
	Node      string `yaml:"node"`
	PwrDnMask Hex    `yaml:"pwrdnMask"`
}

// WaitConfig bounds the busy-wait on the controller.
type WaitConfig struct {
	MaxPolls int           `yaml:"maxPolls"`
	Interval time.Duration `yaml:"interval,omitempty"`
}

// BreakerConfig enables fail-fast after repeated controller timeouts.
type BreakerConfig struct {
	TripAfter uint32        `yaml:"tripAfter,omitempty"`
	Cooldown  time.Duration `yaml:"cooldown,omitempty"`
}

// Default returns the Zynq UltraScale+ APU description.
func Default() *Config {
	layout := pmclient.DefaultLayout()
	cfg := &Config{
		Version: 1,
		Name:    "zynqmp-apu",
		IPI: IPIConfig{
			Mask:       pmclient.IPIAPUMask,
			Base:       pmclient.IPIBaseAddr,
			BufferBase: pmclient.IPIBufferAPUBase,
		},
		Controller: ControllerConfig{
			Mask:         Hex(layout.TargetMask),
			Base:         0xFF330000,
			TrigOffset:   Hex(layout.TrigOffset),
			ObsOffset:    Hex(layout.ObsOffset),
			BufferOffset: Hex(layout.BufferTargetOffset),
			Request:      Hex(layout.RequestOffset),
			Response:     Hex(layout.ResponseOffset),
			WordSize:     Hex(layout.PayloadArgSize),
		},
		PwrCtl: Hex(layout.PwrCtl),
		GIC: GICConfig{
			CPUBase: 0xF9020000,
		},
		Primary:   0,
		Subsystem: pmclient.NodeAPU.String(),
		Wait: WaitConfig{
			MaxPolls: 1 << 20,
		},
	}
	for _, p := range pmclient.APURegistry().Procs() {
		cfg.Processors = append(cfg.Processors, ProcessorConfig{Node: p.Node.String(), PwrDnMask: Hex(p.PwrDnMask)})
	}
	return cfg
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Name == "" {
		c.Name = "unnamed"
	}
	if c.Controller.WordSize == 0 {
		c.Controller.WordSize = 4
	}
	if c.Subsystem == "" {
		c.Subsystem = pmclient.NodeAPU.String()
	}
}

// Load reads and validates a platform file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("platform: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("platform: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a platform description.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse platform: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal encodes the description as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks that the description builds a usable registry and layout.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported platform version %d", c.Version)
	}
	if c.Wait.MaxPolls < 0 || c.Wait.Interval < 0 {
		return fmt.Errorf("wait policy must not be negative")
	}
	if _, _, err := c.Build(); err != nil {
		return err
	}
	return nil
}

// Layout returns the controller addressing.
func (c *Config) Layout() pmclient.Layout {
	return pmclient.Layout{
		TargetMask:         uint32(c.Controller.Mask),
		TrigOffset:         uint64(c.Controller.TrigOffset),
		ObsOffset:          uint64(c.Controller.ObsOffset),
		BufferTargetOffset: uint64(c.Controller.BufferOffset),
		RequestOffset:      uint64(c.Controller.Request),
		ResponseOffset:     uint64(c.Controller.Response),
		PayloadArgSize:     uint64(c.Controller.WordSize),
		PwrCtl:             uint64(c.PwrCtl),
	}
}

// Build turns the description into a registry and layout.
func (c *Config) Build() (*pmclient.Registry, pmclient.Layout, error) {
	layout := c.Layout()
	if err := layout.Validate(); err != nil {
		return nil, pmclient.Layout{}, err
	}
	if c.IPI.Mask > 0xFFFFFFFF || c.Controller.Mask > 0xFFFFFFFF {
		return nil, pmclient.Layout{}, fmt.Errorf("ipi masks must fit in 32 bits")
	}

	ch := &pmclient.IPIChannel{
		Mask:       uint32(c.IPI.Mask),
		Base:       uint64(c.IPI.Base),
		BufferBase: uint64(c.IPI.BufferBase),
	}
	procs := make([]pmclient.Proc, 0, len(c.Processors))
	for i, pc := range c.Processors {
		node, err := pmclient.ParseNodeID(pc.Node)
		if err != nil {
			return nil, pmclient.Layout{}, fmt.Errorf("processor %d: %w", i, err)
		}
		if pc.PwrDnMask > 0xFFFFFFFF {
			return nil, pmclient.Layout{}, fmt.Errorf("processor %d: power-down mask 0x%x exceeds 32 bits", i, uint64(pc.PwrDnMask))
		}
		procs = append(procs, pmclient.Proc{Node: node, PwrDnMask: uint32(pc.PwrDnMask), IPI: ch})
	}
	subsystem, err := pmclient.ParseNodeID(c.Subsystem)
	if err != nil {
		return nil, pmclient.Layout{}, fmt.Errorf("subsystem: %w", err)
	}
	reg, err := pmclient.NewRegistry(procs, c.Primary, subsystem)
	if err != nil {
		return nil, pmclient.Layout{}, err
	}
	return reg, layout, nil
}

// WaitPolicy returns the configured busy-wait bound.
func (c *Config) WaitPolicy() pmclient.WaitPolicy {
	return pmclient.WaitPolicy{MaxPolls: c.Wait.MaxPolls, Interval: c.Wait.Interval}
}

// BreakerPolicy returns the configured fail-fast policy.
func (c *Config) BreakerPolicy() pmclient.BreakerPolicy {
	return pmclient.BreakerPolicy{TripAfter: c.Breaker.TripAfter, Cooldown: c.Breaker.Cooldown}
}

// GICCPUBase returns the CPU interface address used by logical cpu.
func (c *Config) GICCPUBase(cpu int) uint64 {
	return uint64(c.GIC.CPUBase) + uint64(cpu)*uint64(c.GIC.CPUStride)
}
