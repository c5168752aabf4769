package ipi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/zynqpm/internal/chipset"
)

const (
	apuMask = 0x00000001
	pmuMask = 0x00010000

	apuBase   = 0xFF300000
	pmuBase   = 0xFF330000
	apuBuffer = 0xFF990400
	pmuSlot   = 0x1C0
)

type testLine struct {
	pulses int
}

func (l *testLine) SetLevel(bool)   {}
func (l *testLine) PulseInterrupt() { l.pulses++ }

func newTestChipset(t *testing.T) (*chipset.Chipset, *Device) {
	t.Helper()
	dev, err := New(
		Channel{Name: "apu", Mask: apuMask, Base: apuBase, BufferBase: apuBuffer},
		Channel{Name: "pmu", Mask: pmuMask, Base: pmuBase, SlotOffset: pmuSlot},
	)
	require.NoError(t, err)

	b := chipset.NewBuilder()
	require.NoError(t, b.RegisterDevice("ipi", dev))
	cs, err := b.Build()
	require.NoError(t, err)
	return cs, dev
}

func echo(source uint32, req Message) Message {
	return Message{0, req[1] + 1}
}

func TestNewValidatesChannels(t *testing.T) {
	_, err := New()
	assert.Error(t, err)

	_, err = New(Channel{Name: "a", Mask: 0x3})
	assert.Error(t, err)

	_, err = New(Channel{Name: "a", Mask: 1}, Channel{Name: "b", Mask: 1})
	assert.Error(t, err)

	_, err = New(Channel{Name: "a", Mask: 1, SlotOffset: 0x200})
	assert.Error(t, err)
}

func TestTriggerAndManualAck(t *testing.T) {
	cs, dev := newTestChipset(t)

	cs.Write32(apuBase+IPI_TRIG, pmuMask)
	assert.Equal(t, uint32(pmuMask), cs.Read32(apuBase+IPI_OBS))
	assert.Equal(t, uint32(apuMask), cs.Read32(pmuBase+IPI_ISR))
	assert.Equal(t, 1, dev.Pending())

	// Target acknowledges by writing the source bit to its ISR.
	cs.Write32(pmuBase+IPI_ISR, apuMask)
	assert.Equal(t, uint32(0), cs.Read32(apuBase+IPI_OBS))
	assert.Equal(t, uint32(0), cs.Read32(pmuBase+IPI_ISR))
	assert.Equal(t, 0, dev.Pending())
	assert.Equal(t, uint64(1), dev.Triggers())
	assert.Zero(t, cs.Faults())
}

func TestInlineServiceAfterBusyPolls(t *testing.T) {
	cs, dev := newTestChipset(t)
	line := &testLine{}
	require.NoError(t, dev.Attach(pmuMask, ResponderFunc(echo), 2, line))

	req := uint64(apuBuffer + pmuSlot + RequestOffset)
	cs.Write32(req, 0xA)
	cs.Write32(req+4, 41)
	cs.Write32(apuBase+IPI_TRIG, pmuMask)
	assert.Equal(t, 1, line.pulses)

	assert.NotZero(t, cs.Read32(apuBase+IPI_OBS))
	assert.NotZero(t, cs.Read32(apuBase+IPI_OBS))
	assert.Zero(t, cs.Read32(apuBase+IPI_OBS))

	resp := uint64(apuBuffer + pmuSlot + ResponseOffset)
	assert.Equal(t, uint32(0), cs.Read32(resp))
	assert.Equal(t, uint32(42), cs.Read32(resp+4))

	served := dev.Served()
	require.Len(t, served, 1)
	assert.Equal(t, uint32(apuMask), served[0].Source)
	assert.Equal(t, uint32(pmuMask), served[0].Target)
	assert.Equal(t, uint32(0xA), served[0].Words[0])
}

func TestPollServicesDeferredRequests(t *testing.T) {
	cs, dev := newTestChipset(t)
	require.NoError(t, dev.Attach(pmuMask, ResponderFunc(echo), -1, nil))

	cs.Write32(apuBase+IPI_TRIG, pmuMask)
	for i := 0; i < 10; i++ {
		assert.NotZero(t, cs.Read32(apuBase+IPI_OBS))
	}

	require.NoError(t, cs.Poll(context.Background()))
	assert.Zero(t, cs.Read32(apuBase+IPI_OBS))
	assert.Len(t, dev.Served(), 1)
}

func TestUnattachedTargetStaysBusy(t *testing.T) {
	cs, dev := newTestChipset(t)
	cs.Write32(apuBase+IPI_TRIG, pmuMask)
	require.NoError(t, cs.Poll(context.Background()))
	assert.NotZero(t, cs.Read32(apuBase+IPI_OBS))
	assert.Empty(t, dev.Served())
}

func TestOverwriteWhilePendingIsCounted(t *testing.T) {
	cs, dev := newTestChipset(t)
	cs.Write32(apuBase+IPI_TRIG, pmuMask)
	cs.Write32(apuBuffer+pmuSlot+RequestOffset, 1)
	assert.Equal(t, uint64(1), dev.Overwrites())

	// The response half of the slot is not part of the request.
	cs.Write32(apuBuffer+pmuSlot+ResponseOffset, 1)
	assert.Equal(t, uint64(1), dev.Overwrites())
}

func TestInterruptMaskSuppressesLine(t *testing.T) {
	cs, dev := newTestChipset(t)
	line := &testLine{}
	require.NoError(t, dev.Attach(pmuMask, nil, 0, line))

	cs.Write32(pmuBase+IPI_IDR, apuMask)
	assert.Equal(t, uint32(apuMask), cs.Read32(pmuBase+IPI_IMR))
	cs.Write32(apuBase+IPI_TRIG, pmuMask)
	assert.Zero(t, line.pulses)

	cs.Write32(pmuBase+IPI_ISR, apuMask)
	cs.Write32(pmuBase+IPI_IER, apuMask)
	cs.Write32(apuBase+IPI_TRIG, pmuMask)
	assert.Equal(t, 1, line.pulses)
}

func TestResetClearsState(t *testing.T) {
	cs, dev := newTestChipset(t)
	require.NoError(t, dev.PokeResponse(apuMask, pmuMask, Message{7}))
	cs.Write32(apuBase+IPI_TRIG, pmuMask)

	require.NoError(t, cs.Reset())
	assert.Zero(t, cs.Read32(apuBase+IPI_OBS))
	assert.Zero(t, cs.Read32(apuBuffer+pmuSlot+ResponseOffset))
	assert.Zero(t, dev.Pending())
}
