package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/tinyrange/zynqpm/internal/devmem"
	"github.com/tinyrange/zynqpm/internal/gic"
	"github.com/tinyrange/zynqpm/internal/platform"
	"github.com/tinyrange/zynqpm/internal/pmclient"
)

const usage = `pmctl - talk to the power-management controller through /dev/mem

USAGE:
  pmctl [flags] <command> [args]

COMMANDS:
  wait                 Wait until the controller has drained the channel
  send W0 [W1..W4]     Write a request and raise the doorbell
  read                 Read the response slot (status and value)
  call W0 [W1..W4]     send followed by read, under one lock hold
  pwrctl               Print the power-control register

Words accept Go integer syntax (0x1f, 0b101, 17).

FLAGS:
`

func parsePayload(args []string) (pmclient.Payload, error) {
	var p pmclient.Payload
	if len(args) == 0 || len(args) > len(p) {
		return p, fmt.Errorf("expected 1 to %d payload words, got %d", len(p), len(args))
	}
	for i, a := range args {
		v, err := strconv.ParseUint(a, 0, 32)
		if err != nil {
			return p, fmt.Errorf("word %d: %w", i, err)
		}
		p[i] = uint32(v)
	}
	return p, nil
}

func printResponse(resp pmclient.Response) {
	fmt.Printf("status %d (%s)\n", uint32(resp.Status), resp.Status)
	if resp.HasValue {
		fmt.Printf("value  0x%08x\n", resp.Value)
	}
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("config", "", "platform description (YAML); the ZynqMP APU when empty")
	memPath := fs.String("mem", devmem.DefaultPath, "physical memory device")
	cpu := fs.Int("cpu", -1, "logical CPU to act as (default: the primary)")
	timeout := fs.Duration("timeout", time.Second, "give up waiting for the controller after this long")
	noValue := fs.Bool("no-value", false, "read only the status word of the response")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := platform.Default()
	if *configPath != "" {
		var err error
		if cfg, err = platform.Load(*configPath); err != nil {
			return err
		}
	}
	registry, layout, err := cfg.Build()
	if err != nil {
		return err
	}
	if *cpu < 0 {
		*cpu = registry.CPUID(registry.Primary().Node)
	}
	proc, ok := registry.Proc(*cpu)
	if !ok {
		return fmt.Errorf("cpu %d is not in platform %s", *cpu, cfg.Name)
	}

	bus, err := devmem.Open(*memPath)
	if err != nil {
		return err
	}
	defer bus.Close()
	bus.WithLogger(logger)

	regions := []struct{ addr, size uint64 }{
		{proc.IPI.Base, 0x20},
		{proc.IPI.BufferBase + layout.BufferTargetOffset, layout.ResponseOffset + pmclient.ResponseArgCount*layout.PayloadArgSize},
		{layout.PwrCtl, 4},
		{cfg.GICCPUBase(*cpu), 0x10},
	}
	for _, r := range regions {
		if err := bus.Map(r.addr, r.size); err != nil {
			return err
		}
	}

	client, err := pmclient.New(pmclient.Config{
		Bus:      bus,
		Registry: registry,
		Layout:   layout,
		Lock:     &sync.Mutex{},
		CPU:      gic.NewCPUInterface(bus, cfg.GICCPUBase(*cpu)),
		CPUID:    *cpu,
		Wait:     cfg.WaitPolicy(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	args := fs.Args()[1:]
	switch cmd := fs.Arg(0); cmd {
	case "wait":
		err = client.Wait(ctx, proc)
	case "send":
		var p pmclient.Payload
		if p, err = parsePayload(args); err == nil {
			err = client.Send(ctx, proc, p)
		}
	case "read":
		var resp pmclient.Response
		if resp, err = client.ReadResponse(ctx, proc, !*noValue); err == nil {
			printResponse(resp)
		}
	case "call":
		var p pmclient.Payload
		if p, err = parsePayload(args); err == nil {
			var resp pmclient.Response
			if resp, err = client.Call(ctx, proc, p, !*noValue); err == nil {
				printResponse(resp)
			}
		}
	case "pwrctl":
		fmt.Printf("0x%08x\n", client.PwrCtl())
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		return err
	}
	return bus.Err()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pmctl: %v\n", err)
		os.Exit(1)
	}
}
