package sim

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/zynqpm/internal/mmio"
	"github.com/tinyrange/zynqpm/internal/platform"
	"github.com/tinyrange/zynqpm/internal/pmclient"
	"github.com/tinyrange/zynqpm/internal/trace"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSuspendWalk(t *testing.T) {
	c, err := New(Options{BusyPolls: 1, Logger: quietLogger()})
	require.NoError(t, err)
	require.Equal(t, 4, c.CPUs())

	require.NoError(t, c.SuspendWalk())
	assert.Zero(t, c.PwrCtl())
	assert.Zero(t, c.Faults())
	for cpu := 0; cpu < c.CPUs(); cpu++ {
		assert.True(t, c.GIC(cpu).Enabled(), "cpu %d", cpu)
	}
}

func TestRunInline(t *testing.T) {
	c, err := New(Options{BusyPolls: 2, Logger: quietLogger()})
	require.NoError(t, err)

	var mu sync.Mutex
	ticks := 0
	report, err := c.Run(context.Background(), 100, func(int) {
		mu.Lock()
		ticks++
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.Equal(t, []int{100, 100, 100, 100}, report.Calls)
	assert.Equal(t, 400, report.Total())
	assert.Equal(t, 400, ticks)
	assert.Equal(t, 400, report.Served)
	assert.Zero(t, report.Overwrites)
	assert.Zero(t, report.Faults)
}

func TestRunWithControllerLoop(t *testing.T) {
	c, err := New(Options{BusyPolls: -1, Logger: quietLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.RunController(ctx, time.Millisecond) }()

	report, err := c.Run(context.Background(), 25, nil)
	cancel()
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, 100, report.Total())
	assert.Zero(t, report.Overwrites)
	assert.Zero(t, c.IPI().Pending())
}

func TestRunTimesOutWithoutController(t *testing.T) {
	cfg := platform.Default()
	cfg.Wait.MaxPolls = 50
	c, err := New(Options{Platform: cfg, BusyPolls: -1, Logger: quietLogger()})
	require.NoError(t, err)

	_, err = c.Run(context.Background(), 2, nil)
	assert.ErrorIs(t, err, pmclient.ErrTimeout)
}

func TestRPUPlatform(t *testing.T) {
	cfg, err := platform.Load(filepath.Join("..", "platform", "testdata", "rpu.yaml"))
	require.NoError(t, err)
	c, err := New(Options{Platform: cfg, BusyPolls: 0, Logger: quietLogger()})
	require.NoError(t, err)
	require.Equal(t, 2, c.CPUs())

	require.NoError(t, c.SuspendWalk())
	report, err := c.Run(context.Background(), 20, nil)
	require.NoError(t, err)
	assert.Equal(t, 40, report.Total())
}

func TestUnknownAPIReturnsStatus(t *testing.T) {
	c, err := New(Options{BusyPolls: 0, Logger: quietLogger()})
	require.NoError(t, err)

	proc, _ := c.Registry().Proc(1)
	resp, err := c.Client(1).Call(context.Background(), proc, pmclient.Payload{0x7F}, true)
	require.NoError(t, err)
	assert.Equal(t, pmclient.StatusErrNotSupported, resp.Status)
}

func TestTraceRecordsTrigger(t *testing.T) {
	buf := &trace.Buffer{}
	log := trace.New(buf)
	c, err := New(Options{BusyPolls: 0, Trace: log, Logger: quietLogger()})
	require.NoError(t, err)

	proc, _ := c.Registry().Proc(2)
	_, err = c.Client(2).Call(context.Background(), proc, pmclient.Payload{APIEcho}, true)
	require.NoError(t, err)

	r, err := trace.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	n, err := r.Count(trace.SearchOptions{Addrs: []uint64{pmclient.IPIBaseAddr}, CPUs: []int{2}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var trig trace.Record
	require.NoError(t, r.Search(trace.SearchOptions{Addrs: []uint64{pmclient.IPIBaseAddr}}, func(rec trace.Record) error {
		trig = rec
		return nil
	}))
	assert.Equal(t, mmio.OpWrite, trig.Op)
	assert.Equal(t, pmclient.DefaultLayout().TargetMask, trig.Value)
}

func TestRejectsUnsupportedSlots(t *testing.T) {
	cfg := platform.Default()
	cfg.Controller.Response = 0x30
	_, err := New(Options{Platform: cfg})
	assert.Error(t, err)
}
