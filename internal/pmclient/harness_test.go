package pmclient

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/zynqpm/internal/chipset"
	"github.com/tinyrange/zynqpm/internal/devices/ipi"
	"github.com/tinyrange/zynqpm/internal/devices/regfile"
	"github.com/tinyrange/zynqpm/internal/mmio"
)

const (
	pmuChannelBase = 0xFF330000
	apuBlockBase   = 0xFD5C0000
)

// fakeCPU records interrupt-interface calls together with the number of bus
// writes seen at the time of the call.
type fakeCPU struct {
	mu    sync.Mutex
	rec   *mmio.Recorder
	calls []cpuCall
}

type cpuCall struct {
	name         string
	writesBefore int
}

func (f *fakeCPU) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	if f.rec != nil {
		n = len(f.rec.Writes())
	}
	f.calls = append(f.calls, cpuCall{name: name, writesBefore: n})
}

func (f *fakeCPU) Deactivate() { f.record("deactivate") }
func (f *fakeCPU) Setup()      { f.record("setup") }

func (f *fakeCPU) Calls() []cpuCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cpuCall(nil), f.calls...)
}

type soc struct {
	chipset *chipset.Chipset
	ipi     *ipi.Device
	apu     *regfile.RegFile
	rec     *mmio.Recorder
}

func newSoC(t *testing.T) *soc {
	t.Helper()
	layout := DefaultLayout()

	dev, err := ipi.New(
		ipi.Channel{Name: "apu", Mask: IPIAPUMask, Base: IPIBaseAddr, BufferBase: IPIBufferAPUBase},
		ipi.Channel{Name: "pmu", Mask: layout.TargetMask, Base: pmuChannelBase, SlotOffset: layout.BufferTargetOffset},
	)
	require.NoError(t, err)
	apu := regfile.New(apuBlockBase, 0x100)

	b := chipset.NewBuilder()
	require.NoError(t, b.RegisterDevice("ipi", dev))
	require.NoError(t, b.RegisterDevice("apu", apu))
	cs, err := b.Build()
	require.NoError(t, err)

	return &soc{chipset: cs, ipi: dev, apu: apu, rec: mmio.NewRecorder(cs)}
}

func (s *soc) pwrctl() uint32 {
	return s.apu.Peek(APUPwrCtl - apuBlockBase)
}

func (s *soc) setPwrctl(v uint32) {
	s.apu.Poke(APUPwrCtl-apuBlockBase, v)
}

func (s *soc) respond(status Status, value uint32, busyPolls int) {
	err := s.ipi.Attach(DefaultLayout().TargetMask, ipi.ResponderFunc(func(uint32, ipi.Message) ipi.Message {
		return ipi.Message{uint32(status), value}
	}), busyPolls, nil)
	if err != nil {
		panic(err)
	}
}

func newTestClient(t *testing.T, s *soc, cpu int, lock sync.Locker, mutate func(*Config)) (*Client, *fakeCPU) {
	t.Helper()
	fc := &fakeCPU{rec: s.rec}
	cfg := Config{
		Bus:      s.rec,
		Registry: APURegistry(),
		Lock:     lock,
		CPU:      fc,
		CPUID:    cpu,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c, fc
}
