package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tinyrange/zynqpm/internal/trace"
)

func parseAddrs(s string) ([]uint64, error) {
	if s == "" {
		return nil, nil
	}
	var out []uint64
	for _, field := range strings.Split(s, ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(field), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", field, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func run() error {
	addr := flag.String("addr", "", "comma-separated addresses to keep (e.g. 0xff300000,0xff300004)")
	cpu := flag.Int("cpu", -1, "only show accesses made by this CPU")
	limit := flag.Int("limit", 100, "limit the number of entries (0 for unlimited)")
	tail := flag.Bool("tail", false, "show last N entries instead of first N")
	count := flag.Bool("count", false, "print the number of matching entries")
	timeRange := flag.Bool("range", false, "print the earliest and latest timestamps")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `pmtrace - inspect binary bus traces

USAGE:
  pmtrace [flags] <filename>

FLAGS:
  -addr LIST   Only show accesses to these addresses
  -cpu N       Only show accesses made by CPU N
  -limit N     Max entries to print (default: 100, 0 for unlimited)
  -tail        Show last N entries instead of first N
  -count       Print the number of matching entries
  -range       Show earliest/latest timestamps and total duration

OUTPUT FORMAT:
  TIMESTAMP cpuN OP ADDRESS = VALUE
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	addrs, err := parseAddrs(*addr)
	if err != nil {
		return err
	}

	reader, err := trace.NewReaderFromFile(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open trace: %w", err)
	}

	if *timeRange {
		earliest, latest := reader.TimeRange()
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\n", earliest, latest, latest.Sub(earliest))
		return nil
	}

	opts := trace.SearchOptions{Addrs: addrs}
	if *cpu >= 0 {
		opts.CPUs = []int{*cpu}
	}

	if *count {
		n, err := reader.Count(opts)
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	}

	if *limit > 0 {
		if *tail {
			opts.LimitEnd = *limit
		} else {
			opts.LimitStart = *limit
		}
	}

	return reader.Search(opts, func(r trace.Record) error {
		_, err := fmt.Println(r)
		return err
	})
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pmtrace: %v\n", err)
		os.Exit(1)
	}
}
