//go:build linux

package devmem

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/zynqpm/internal/mmio"
)

// Bus maps /dev/mem one page at a time and caches the mappings until Close.
type Bus struct {
	f      *os.File
	logger *slog.Logger

	mu    sync.Mutex
	pages map[uint64][]byte

	err atomic.Pointer[error]
}

var _ mmio.Bus = (*Bus)(nil)

// Open opens path (DefaultPath when empty) for synchronous read/write access.
func Open(path string) (*Bus, error) {
	if path == "" {
		path = DefaultPath
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("devmem: open %s: %w", path, err)
	}
	return &Bus{f: f, logger: slog.Default(), pages: make(map[uint64][]byte)}, nil
}

// WithLogger sets the logger used to report mapping failures.
func (b *Bus) WithLogger(l *slog.Logger) *Bus {
	if l != nil {
		b.logger = l
	}
	return b
}

// Map maps every page covering [addr, addr+size) so later accesses cannot
// fail.
func (b *Bus) Map(addr, size uint64) error {
	if size == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for page := pageOf(addr); page < addr+size; page += pageSize {
		if _, err := b.pageLocked(page); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) pageLocked(page uint64) ([]byte, error) {
	if mem, ok := b.pages[page]; ok {
		return mem, nil
	}
	if b.f == nil {
		return nil, fmt.Errorf("devmem: closed")
	}
	mem, err := unix.Mmap(int(b.f.Fd()), int64(page), pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("devmem: map page 0x%x: %w", page, err)
	}
	b.pages[page] = mem
	return mem, nil
}

func (b *Bus) word(addr uint64) *uint32 {
	if err := checkAligned(addr); err != nil {
		b.fail(err)
		return nil
	}
	b.mu.Lock()
	mem, err := b.pageLocked(pageOf(addr))
	b.mu.Unlock()
	if err != nil {
		b.fail(err)
		return nil
	}
	return (*uint32)(unsafe.Pointer(&mem[addr-pageOf(addr)]))
}

func (b *Bus) fail(err error) {
	b.err.CompareAndSwap(nil, &err)
	b.logger.Error("devmem access failed", "err", err)
}

// Read32 implements mmio.Bus. Failed accesses read as all ones.
func (b *Bus) Read32(addr uint64) uint32 {
	p := b.word(addr)
	if p == nil {
		return 0xFFFFFFFF
	}
	return atomic.LoadUint32(p)
}

// Write32 implements mmio.Bus. Failed accesses are dropped.
func (b *Bus) Write32(addr uint64, value uint32) {
	if p := b.word(addr); p != nil {
		atomic.StoreUint32(p, value)
	}
}

// Err returns the first access failure, if any.
func (b *Bus) Err() error {
	if p := b.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Close unmaps every page and closes the device.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for page, mem := range b.pages {
		if err := unix.Munmap(mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("devmem: unmap page 0x%x: %w", page, err)
		}
		delete(b.pages, page)
	}
	if b.f != nil {
		if err := b.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.f = nil
	}
	return firstErr
}
