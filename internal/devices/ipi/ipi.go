// Package ipi emulates the Zynq UltraScale+ inter-processor interrupt block:
// per-channel TRIG/OBS/ISR registers plus the message buffers that carry
// request and response words between channels.
//
// A channel triggers a target by writing the target's mask to its own TRIG
// register. That sets the target bit in the source's OBS and the source bit in
// the target's ISR. The target acknowledges by writing the source bit back to
// its ISR, which clears both. Targets with an attached Responder are serviced
// by the device itself, either inline after a number of busy OBS polls or from
// Poll.
package ipi

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/tinyrange/zynqpm/internal/chipset"
)

// Channel register offsets
const (
	IPI_TRIG = 0x00 // Trigger (WO)
	IPI_OBS  = 0x04 // Observation (RO)
	IPI_ISR  = 0x10 // Interrupt status (W1C)
	IPI_IMR  = 0x14 // Interrupt mask (RO)
	IPI_IER  = 0x18 // Interrupt enable (WO)
	IPI_IDR  = 0x1C // Interrupt disable (WO)

	RegisterBlockSize = 0x20
)

// Message buffer geometry
const (
	BufferSize     = 0x200
	SlotSize       = 0x40
	RequestOffset  = 0x00
	ResponseOffset = 0x20
	MessageWords   = 8
)

// Message is the content of one request or response slot.
type Message [MessageWords]uint32

// Responder services requests addressed to a target channel. It runs with the
// device locked and must not access the bus.
type Responder interface {
	Respond(source uint32, req Message) Message
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(source uint32, req Message) Message

// Respond implements Responder.
func (f ResponderFunc) Respond(source uint32, req Message) Message {
	return f(source, req)
}

// Channel describes one IPI agent.
type Channel struct {
	Name string
	// Mask is the agent's bit in every TRIG/OBS/ISR register.
	Mask uint32
	// Base is the address of the agent's register block.
	Base uint64
	// BufferBase is the address of the agent's message buffer; zero for
	// agents without one.
	BufferBase uint64
	// SlotOffset locates the slot pair addressed to this agent inside every
	// other agent's buffer.
	SlotOffset uint64
}

// Request is a serviced request as seen by the responder.
type Request struct {
	Source uint32
	Target uint32
	Words  Message
}

type target struct {
	responder Responder
	busyPolls int
	line      chipset.LineInterrupt
}

type channelState struct {
	Channel
	obs    uint32
	isr    uint32
	imr    uint32
	target *target
}

type pending struct {
	source    *channelState
	target    *channelState
	remaining int
}

// Device is the emulated IPI block.
type Device struct {
	mu sync.Mutex

	channels []*channelState
	byMask   map[uint32]*channelState
	buffers  map[uint64]uint32
	pending  []*pending

	served     []Request
	triggers   uint64
	overwrites uint64

	logger *slog.Logger
}

// New creates an IPI block serving the given channels.
func New(channels ...Channel) (*Device, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("ipi: no channels")
	}
	d := &Device{
		byMask:  make(map[uint32]*channelState, len(channels)),
		buffers: make(map[uint64]uint32),
		logger:  slog.Default(),
	}
	for _, ch := range channels {
		if bits.OnesCount32(ch.Mask) != 1 {
			return nil, fmt.Errorf("ipi: channel %q mask 0x%x is not a single bit", ch.Name, ch.Mask)
		}
		if _, exists := d.byMask[ch.Mask]; exists {
			return nil, fmt.Errorf("ipi: channel %q reuses mask 0x%x", ch.Name, ch.Mask)
		}
		if ch.SlotOffset%SlotSize != 0 || ch.SlotOffset+SlotSize > BufferSize {
			return nil, fmt.Errorf("ipi: channel %q slot offset 0x%x outside buffer", ch.Name, ch.SlotOffset)
		}
		st := &channelState{Channel: ch}
		d.channels = append(d.channels, st)
		d.byMask[ch.Mask] = st
	}
	return d, nil
}

// SetLogger replaces the device logger.
func (d *Device) SetLogger(logger *slog.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if logger != nil {
		d.logger = logger
	}
}

// Attach makes the device service requests addressed to targetMask with r.
// Inline servicing happens on the source's OBS read after busyPolls reads
// have observed the request pending; a negative busyPolls leaves servicing
// to Poll. line, if non-nil, is pulsed on every trigger of the target.
func (d *Device) Attach(targetMask uint32, r Responder, busyPolls int, line chipset.LineInterrupt) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.byMask[targetMask]
	if !ok {
		return fmt.Errorf("ipi: no channel with mask 0x%x", targetMask)
	}
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	ch.target = &target{responder: r, busyPolls: busyPolls, line: line}
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (d *Device) Start() error {
	return nil
}

// Stop implements chipset.ChangeDeviceState.
func (d *Device) Stop() error {
	return nil
}

// Reset implements chipset.ChangeDeviceState.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.channels {
		ch.obs, ch.isr, ch.imr = 0, 0, 0
	}
	d.buffers = make(map[uint64]uint32)
	d.pending = nil
	d.served = nil
	d.triggers = 0
	d.overwrites = 0
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (d *Device) SupportsMmio() *chipset.MmioIntercept {
	var regions []chipset.MMIORegion
	for _, ch := range d.channels {
		regions = append(regions, chipset.MMIORegion{Address: ch.Base, Size: RegisterBlockSize})
		if ch.BufferBase != 0 {
			regions = append(regions, chipset.MMIORegion{Address: ch.BufferBase, Size: BufferSize})
		}
	}
	return &chipset.MmioIntercept{Regions: regions, Handler: d}
}

// SupportsPollDevice implements chipset.ChipsetDevice.
func (d *Device) SupportsPollDevice() *chipset.PollDevice {
	return &chipset.PollDevice{Handler: d}
}

// Poll services every pending request whose target has a responder.
func (d *Device) Poll(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.pending[:0]
	for _, p := range d.pending {
		if err := ctx.Err(); err != nil {
			kept = append(kept, p)
			continue
		}
		if p.target.target != nil && p.target.target.responder != nil {
			d.serviceLocked(p)
			continue
		}
		kept = append(kept, p)
	}
	d.pending = kept
	return nil
}

// ReadMMIO implements chipset.MmioHandler.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	if len(data) != 4 || addr%4 != 0 {
		return fmt.Errorf("ipi: unsupported %d-byte read at 0x%x", len(data), addr)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if ch, off, ok := d.registerAt(addr); ok {
		var value uint32
		switch off {
		case IPI_OBS:
			d.pollLocked(ch)
			value = ch.obs
		case IPI_ISR:
			value = ch.isr
		case IPI_IMR:
			value = ch.imr
		}
		binary.LittleEndian.PutUint32(data, value)
		return nil
	}
	if d.bufferAt(addr) != nil {
		binary.LittleEndian.PutUint32(data, d.buffers[addr])
		return nil
	}
	return fmt.Errorf("ipi: address 0x%x out of bounds", addr)
}

// WriteMMIO implements chipset.MmioHandler.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	if len(data) != 4 || addr%4 != 0 {
		return fmt.Errorf("ipi: unsupported %d-byte write at 0x%x", len(data), addr)
	}
	value := binary.LittleEndian.Uint32(data)

	var pulse []chipset.LineInterrupt
	err := func() error {
		d.mu.Lock()
		defer d.mu.Unlock()

		if ch, off, ok := d.registerAt(addr); ok {
			switch off {
			case IPI_TRIG:
				pulse = d.triggerLocked(ch, value)
			case IPI_ISR:
				d.ackLocked(ch, value)
			case IPI_IER:
				ch.imr &^= value
			case IPI_IDR:
				ch.imr |= value
			}
			return nil
		}
		if owner := d.bufferAt(addr); owner != nil {
			d.noteBufferWriteLocked(owner, addr)
			d.buffers[addr] = value
			return nil
		}
		return fmt.Errorf("ipi: address 0x%x out of bounds", addr)
	}()

	for _, line := range pulse {
		line.PulseInterrupt()
	}
	return err
}

func (d *Device) registerAt(addr uint64) (*channelState, uint64, bool) {
	for _, ch := range d.channels {
		if addr >= ch.Base && addr < ch.Base+RegisterBlockSize {
			return ch, addr - ch.Base, true
		}
	}
	return nil, 0, false
}

func (d *Device) bufferAt(addr uint64) *channelState {
	for _, ch := range d.channels {
		if ch.BufferBase != 0 && addr >= ch.BufferBase && addr < ch.BufferBase+BufferSize {
			return ch
		}
	}
	return nil
}

func (d *Device) triggerLocked(src *channelState, value uint32) []chipset.LineInterrupt {
	var pulse []chipset.LineInterrupt
	for value != 0 {
		bit := value & -value
		value &^= bit

		dst, ok := d.byMask[bit]
		if !ok || dst == src {
			continue
		}
		d.triggers++
		src.obs |= bit
		dst.isr |= src.Mask
		if d.findPending(src, dst) == nil {
			remaining := 0
			if dst.target != nil {
				remaining = dst.target.busyPolls
			}
			d.pending = append(d.pending, &pending{source: src, target: dst, remaining: remaining})
		}
		if dst.target != nil && dst.imr&src.Mask == 0 {
			pulse = append(pulse, dst.target.line)
		}
	}
	return pulse
}

func (d *Device) ackLocked(dst *channelState, value uint32) {
	cleared := dst.isr & value
	dst.isr &^= value
	for cleared != 0 {
		bit := cleared & -cleared
		cleared &^= bit
		if src, ok := d.byMask[bit]; ok {
			src.obs &^= dst.Mask
			d.dropPending(src, dst)
		}
	}
}

// pollLocked advances inline servicing for requests raised by src.
func (d *Device) pollLocked(src *channelState) {
	kept := d.pending[:0]
	for _, p := range d.pending {
		t := p.target.target
		if p.source != src || t == nil || t.responder == nil || t.busyPolls < 0 {
			kept = append(kept, p)
			continue
		}
		if p.remaining > 0 {
			p.remaining--
			kept = append(kept, p)
			continue
		}
		d.serviceLocked(p)
	}
	d.pending = kept
}

// serviceLocked runs the responder for p and acknowledges it. The caller
// removes p from the pending list.
func (d *Device) serviceLocked(p *pending) {
	slot := p.source.BufferBase + p.target.SlotOffset
	var req Message
	for i := range req {
		req[i] = d.buffers[slot+RequestOffset+uint64(i)*4]
	}
	resp := p.target.target.responder.Respond(p.source.Mask, req)
	for i, w := range resp {
		d.buffers[slot+ResponseOffset+uint64(i)*4] = w
	}
	d.served = append(d.served, Request{Source: p.source.Mask, Target: p.target.Mask, Words: req})

	p.target.isr &^= p.source.Mask
	p.source.obs &^= p.target.Mask
	d.logger.Debug("ipi request serviced", "source", p.source.Name, "target", p.target.Name, "word0", req[0])
}

func (d *Device) noteBufferWriteLocked(owner *channelState, addr uint64) {
	off := addr - owner.BufferBase
	for _, p := range d.pending {
		if p.source != owner {
			continue
		}
		start := p.target.SlotOffset + RequestOffset
		if off >= start && off < start+ResponseOffset {
			d.overwrites++
			d.logger.Warn("ipi request slot written while pending", "source", owner.Name, "target", p.target.Name, "addr", fmt.Sprintf("0x%x", addr))
		}
	}
}

func (d *Device) findPending(src, dst *channelState) *pending {
	for _, p := range d.pending {
		if p.source == src && p.target == dst {
			return p
		}
	}
	return nil
}

func (d *Device) dropPending(src, dst *channelState) {
	kept := d.pending[:0]
	for _, p := range d.pending {
		if p.source != src || p.target != dst {
			kept = append(kept, p)
		}
	}
	d.pending = kept
}

// Served returns every request serviced by an attached responder, in order.
func (d *Device) Served() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.served...)
}

// Pending returns the number of raised but unacknowledged requests.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Triggers returns the number of source/target pairs raised through TRIG.
func (d *Device) Triggers() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggers
}

// Overwrites returns how many request-slot writes landed while that slot's
// request was still pending.
func (d *Device) Overwrites() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overwrites
}

// PokeResponse fills the response slot addressed from source to target
// without going through a responder.
func (d *Device) PokeResponse(sourceMask, targetMask uint32, resp Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	src, ok := d.byMask[sourceMask]
	if !ok || src.BufferBase == 0 {
		return fmt.Errorf("ipi: no buffered channel with mask 0x%x", sourceMask)
	}
	dst, ok := d.byMask[targetMask]
	if !ok {
		return fmt.Errorf("ipi: no channel with mask 0x%x", targetMask)
	}
	slot := src.BufferBase + dst.SlotOffset + ResponseOffset
	for i, w := range resp {
		d.buffers[slot+uint64(i)*4] = w
	}
	return nil
}

var (
	_ chipset.ChipsetDevice     = (*Device)(nil)
	_ chipset.MmioHandler       = (*Device)(nil)
	_ chipset.ChangeDeviceState = (*Device)(nil)
	_ chipset.PollHandler       = (*Device)(nil)
)
