package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/zynqpm/internal/platform"
	"github.com/tinyrange/zynqpm/internal/sim"
	"github.com/tinyrange/zynqpm/internal/trace"
)

func run() error {
	configPath := flag.String("config", "", "platform description (YAML); the ZynqMP APU when empty")
	dumpConfig := flag.Bool("dump-config", false, "print the platform description and exit")
	iterations := flag.Int("iterations", 1000, "echo exchanges per CPU")
	busy := flag.Int("busy", 4, "OBS reads before the controller answers inline; negative runs a controller goroutine")
	tracePath := flag.String("trace", "", "write a binary bus trace to this file")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := platform.Default()
	if *configPath != "" {
		var err error
		cfg, err = platform.Load(*configPath)
		if err != nil {
			return err
		}
	}
	if *dumpConfig {
		data, err := cfg.Marshal()
		if err != nil {
			return fmt.Errorf("marshal platform: %w", err)
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	var tlog *trace.Log
	if *tracePath != "" {
		var err error
		tlog, err = trace.OpenFile(*tracePath)
		if err != nil {
			return err
		}
		defer tlog.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cluster, err := sim.New(sim.Options{
		Platform:  cfg,
		BusyPolls: *busy,
		Trace:     tlog,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if *busy < 0 {
		ctrlCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := cluster.RunController(ctrlCtx, time.Millisecond); err != nil {
				logger.Error("controller stopped", "err", err)
			}
		}()
	}

	if err := cluster.SuspendWalk(); err != nil {
		return fmt.Errorf("suspend walk: %w", err)
	}

	var progress func(int)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		pb := progressbar.Default(int64(*iterations*cluster.CPUs()), "exchanges")
		defer pb.Close()
		progress = func(int) { pb.Add(1) }
	}

	report, err := cluster.Run(ctx, *iterations, progress)
	if err != nil {
		return fmt.Errorf("stress: %w", err)
	}

	logger.Info("stress complete",
		"platform", cfg.Name,
		"exchanges", report.Total(),
		"served", report.Served,
		"overwrites", report.Overwrites,
		"faults", report.Faults,
		"elapsed", report.Elapsed,
	)
	for cpu, n := range report.Calls {
		fmt.Printf("cpu%d %d\n", cpu, n)
	}
	if tlog != nil {
		if err := tlog.Err(); err != nil {
			return fmt.Errorf("trace: %w", err)
		}
		logger.Info("trace written", "path", *tracePath, "records", tlog.Len())
	}
	if report.Overwrites != 0 || report.Faults != 0 {
		return fmt.Errorf("%d buffer overwrites, %d bus faults", report.Overwrites, report.Faults)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pmsim: %v\n", err)
		os.Exit(1)
	}
}
