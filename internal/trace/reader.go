package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// SearchOptions narrows the records visited by Search.
type SearchOptions struct {
	// Start and End bound record timestamps when non-zero.
	Start time.Time
	End   time.Time

	// Addrs keeps only records touching one of these addresses.
	Addrs []uint64

	// CPUs keeps only records made by these CPUs.
	CPUs []int

	// LimitStart keeps the first N matches, LimitEnd the last N. Setting both
	// is an error.
	LimitStart int
	LimitEnd   int
}

func (o SearchOptions) validate() error {
	if o.LimitStart > 0 && o.LimitEnd > 0 {
		return fmt.Errorf("cannot set both LimitStart and LimitEnd")
	}
	return nil
}

// Reader holds a decoded trace ordered by timestamp.
type Reader struct {
	records []Record
}

// NewReader decodes every record in r. A trailing partial record is an
// error.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	ret := &Reader{}
	var buf [RecordSize]byte
	for i := 0; ; i++ {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			if err == io.EOF {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("record %d: truncated", i)
			}
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		rec, err := decode(&buf)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		ret.records = append(ret.records, rec)
	}
	sort.SliceStable(ret.records, func(i, j int) bool {
		return ret.records[i].Time.Before(ret.records[j].Time)
	})
	return ret, nil
}

// NewReaderFromFile decodes the trace stored in filename.
func NewReaderFromFile(filename string) (*Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return NewReader(f)
}

// Len returns the number of records.
func (r *Reader) Len() int { return len(r.records) }

// TimeRange returns the earliest and latest timestamps.
func (r *Reader) TimeRange() (time.Time, time.Time) {
	if len(r.records) == 0 {
		return time.Time{}, time.Time{}
	}
	return r.records[0].Time, r.records[len(r.records)-1].Time
}

// Each visits every record in timestamp order.
func (r *Reader) Each(fn func(Record) error) error {
	return r.Search(SearchOptions{}, fn)
}

func (r *Reader) match(opts SearchOptions) []Record {
	addrs := make(map[uint64]struct{}, len(opts.Addrs))
	for _, a := range opts.Addrs {
		addrs[a] = struct{}{}
	}
	cpus := make(map[int]struct{}, len(opts.CPUs))
	for _, c := range opts.CPUs {
		cpus[c] = struct{}{}
	}

	var out []Record
	for _, rec := range r.records {
		if !opts.Start.IsZero() && rec.Time.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && rec.Time.After(opts.End) {
			continue
		}
		if len(addrs) > 0 {
			if _, ok := addrs[rec.Addr]; !ok {
				continue
			}
		}
		if len(cpus) > 0 {
			if _, ok := cpus[rec.CPU]; !ok {
				continue
			}
		}
		out = append(out, rec)
	}

	if opts.LimitStart > 0 && len(out) > opts.LimitStart {
		out = out[:opts.LimitStart]
	}
	if opts.LimitEnd > 0 && len(out) > opts.LimitEnd {
		out = out[len(out)-opts.LimitEnd:]
	}
	return out
}

// Search visits matching records in timestamp order.
func (r *Reader) Search(opts SearchOptions, fn func(Record) error) error {
	if err := opts.validate(); err != nil {
		return err
	}
	for _, rec := range r.match(opts) {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of records Search would visit.
func (r *Reader) Count(opts SearchOptions) (int, error) {
	if err := opts.validate(); err != nil {
		return 0, err
	}
	return len(r.match(opts)), nil
}
