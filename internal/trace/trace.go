// Package trace records bus accesses in a compact binary log.
package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/zynqpm/internal/mmio"
)

// A trace is a sequence of fixed-size little-endian records:
//   - 2 bytes kind (0 = invalid, 1 = read, 2 = write)
//   - 2 bytes cpu
//   - 4 bytes value
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - 8 bytes address
//
// Concurrent writers reserve space by atomically advancing the log offset, so
// records land in reservation order but may be completed out of order.

// RecordSize is the encoded size of one record.
const RecordSize = 24

// Kind identifies a record.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindRead
	KindWrite
)

func kindOf(op mmio.Op) Kind {
	if op == mmio.OpWrite {
		return KindWrite
	}
	return KindRead
}

// Record is one traced bus access.
type Record struct {
	Time  time.Time
	CPU   int
	Op    mmio.Op
	Addr  uint64
	Value uint32
}

func (r Record) String() string {
	return fmt.Sprintf("%s cpu%d %-5s 0x%08x = 0x%08x", r.Time.Format(time.RFC3339Nano), r.CPU, r.Op, r.Addr, r.Value)
}

func encode(buf *[RecordSize]byte, r Record) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(kindOf(r.Op)))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(r.CPU))
	binary.LittleEndian.PutUint32(buf[4:8], r.Value)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.Time.UnixNano()))
	binary.LittleEndian.PutUint64(buf[16:24], r.Addr)
}

func decode(buf *[RecordSize]byte) (Record, error) {
	var r Record
	switch Kind(binary.LittleEndian.Uint16(buf[0:2])) {
	case KindRead:
		r.Op = mmio.OpRead
	case KindWrite:
		r.Op = mmio.OpWrite
	default:
		return Record{}, fmt.Errorf("invalid record kind %d", binary.LittleEndian.Uint16(buf[0:2]))
	}
	r.CPU = int(binary.LittleEndian.Uint16(buf[2:4]))
	r.Value = binary.LittleEndian.Uint32(buf[4:8])
	r.Time = time.Unix(0, int64(binary.LittleEndian.Uint64(buf[8:16])))
	r.Addr = binary.LittleEndian.Uint64(buf[16:24])
	return r, nil
}

// Writer is the destination of a Log.
type Writer interface {
	io.WriterAt
	io.Closer
}

// Log appends records to a Writer from any number of goroutines.
type Log struct {
	w      Writer
	offset atomic.Int64
	now    func() time.Time

	err atomic.Pointer[error]
}

// New returns a log writing to w from offset zero.
func New(w Writer) *Log {
	return &Log{w: w, now: time.Now}
}

// OpenFile truncates filename and logs into it.
func OpenFile(filename string) (*Log, error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	return New(f), nil
}

// Append writes one record. The first write error is kept and returned by
// Err; later records are still attempted.
func (l *Log) Append(r Record) {
	if r.Time.IsZero() {
		r.Time = l.now()
	}
	var buf [RecordSize]byte
	encode(&buf, r)
	off := l.offset.Add(RecordSize) - RecordSize
	if _, err := l.w.WriteAt(buf[:], off); err != nil {
		l.err.CompareAndSwap(nil, &err)
	}
}

// Len returns the number of records reserved so far.
func (l *Log) Len() int {
	return int(l.offset.Load() / RecordSize)
}

// Err returns the first write error.
func (l *Log) Err() error {
	if p := l.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Close closes the underlying writer.
func (l *Log) Close() error {
	return l.w.Close()
}

// Buffer is an in-memory Writer.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

// WriteAt implements io.WriterAt.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("trace: negative offset %d", off)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(b.data)) {
		b.data = append(b.data, make([]byte, end-int64(len(b.data)))...)
	}
	return copy(b.data[off:], p), nil
}

// Close implements io.Closer.
func (b *Buffer) Close() error { return nil }

// Bytes returns a copy of the buffer contents.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

// Bus records every access made through it on behalf of one CPU.
type Bus struct {
	next mmio.Bus
	log  *Log
	cpu  int
}

var _ mmio.Bus = (*Bus)(nil)

// Wrap returns a bus that forwards to next and records into log.
func Wrap(next mmio.Bus, log *Log, cpu int) *Bus {
	return &Bus{next: next, log: log, cpu: cpu}
}

// Read32 implements mmio.Bus.
func (b *Bus) Read32(addr uint64) uint32 {
	v := b.next.Read32(addr)
	b.log.Append(Record{CPU: b.cpu, Op: mmio.OpRead, Addr: addr, Value: v})
	return v
}

// Write32 implements mmio.Bus.
func (b *Bus) Write32(addr uint64, value uint32) {
	b.next.Write32(addr, value)
	b.log.Append(Record{CPU: b.cpu, Op: mmio.OpWrite, Addr: addr, Value: value})
}
