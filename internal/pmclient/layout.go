package pmclient

import (
	"fmt"
	"math/bits"
)

const (
	// PayloadArgCount is the number of words in a request.
	PayloadArgCount = 5
	// ResponseArgCount is the number of words in the response slot. Only the
	// first two are used.
	ResponseArgCount = 4
)

// Payload is an opaque request written into the request slot.
type Payload [PayloadArgCount]uint32

// Layout holds the controller-side addressing shared by all channels.
type Layout struct {
	// TargetMask is the controller's bit in TRIG and OBS.
	TargetMask uint32
	TrigOffset uint64
	ObsOffset  uint64

	// BufferTargetOffset selects the controller's slot pair within a channel buffer.
	BufferTargetOffset uint64
	RequestOffset      uint64
	ResponseOffset     uint64
	PayloadArgSize     uint64

	// PwrCtl is the address of the shared power-control register.
	PwrCtl uint64
}

// DefaultLayout returns the ZynqMP APU to PMU addressing.
func DefaultLayout() Layout {
	return Layout{
		TargetMask:         0x00010000,
		TrigOffset:         0x00,
		ObsOffset:          0x04,
		BufferTargetOffset: 0x1C0,
		RequestOffset:      0x00,
		ResponseOffset:     0x20,
		PayloadArgSize:     4,
		PwrCtl:             APUPwrCtl,
	}
}

// Validate checks the layout for values the protocol cannot work with.
func (l Layout) Validate() error {
	if bits.OnesCount32(l.TargetMask) != 1 {
		return fmt.Errorf("pmclient: target mask 0x%x is not a single bit", l.TargetMask)
	}
	if l.TrigOffset == l.ObsOffset {
		return fmt.Errorf("pmclient: TRIG and OBS share offset 0x%x", l.TrigOffset)
	}
	if l.PayloadArgSize < 4 {
		return fmt.Errorf("pmclient: payload word size %d is below 4 bytes", l.PayloadArgSize)
	}
	reqEnd := l.RequestOffset + PayloadArgCount*l.PayloadArgSize
	respEnd := l.ResponseOffset + ResponseArgCount*l.PayloadArgSize
	if l.RequestOffset < respEnd && l.ResponseOffset < reqEnd {
		return fmt.Errorf("pmclient: request slot 0x%x-0x%x overlaps response slot 0x%x-0x%x",
			l.RequestOffset, reqEnd, l.ResponseOffset, respEnd)
	}
	if l.PwrCtl == 0 {
		return fmt.Errorf("pmclient: power-control register address not set")
	}
	return nil
}

func (l Layout) requestBase(ch *IPIChannel) uint64 {
	return ch.BufferBase + l.BufferTargetOffset + l.RequestOffset
}

func (l Layout) responseBase(ch *IPIChannel) uint64 {
	return ch.BufferBase + l.BufferTargetOffset + l.ResponseOffset
}
