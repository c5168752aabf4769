//go:build !linux

package devmem

import (
	"log/slog"

	"github.com/tinyrange/zynqpm/internal/mmio"
)

// Bus is unavailable on this platform.
type Bus struct{}

var _ mmio.Bus = (*Bus)(nil)

// Open always fails with ErrUnsupported.
func Open(string) (*Bus, error) { return nil, ErrUnsupported }

func (b *Bus) WithLogger(*slog.Logger) *Bus { return b }

func (b *Bus) Map(addr, size uint64) error { return ErrUnsupported }

func (b *Bus) Read32(uint64) uint32 { return 0xFFFFFFFF }

func (b *Bus) Write32(uint64, uint32) {}

func (b *Bus) Err() error { return ErrUnsupported }

func (b *Bus) Close() error { return nil }
