// Package bakery implements Lamport's bakery lock for a fixed set of cores.
//
// It only needs ordinary loads and stores of per-core slots, which is what
// early-boot code has before the exclusive monitors are usable. Go's
// sync/atomic operations are sequentially consistent, which is the ordering
// the algorithm assumes.
package bakery

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// Lock is a bakery lock over a fixed number of participants.
type Lock struct {
	choosing []atomic.Bool
	number   []atomic.Uint32
}

// New returns a lock for cpus participants.
func New(cpus int) (*Lock, error) {
	if cpus <= 0 {
		return nil, fmt.Errorf("bakery: need at least one participant, got %d", cpus)
	}
	return &Lock{
		choosing: make([]atomic.Bool, cpus),
		number:   make([]atomic.Uint32, cpus),
	}, nil
}

// Participants returns the number of cores the lock was built for.
func (l *Lock) Participants() int {
	return len(l.number)
}

// Acquire takes the lock on behalf of cpu.
func (l *Lock) Acquire(cpu int) {
	l.choosing[cpu].Store(true)
	var highest uint32
	for i := range l.number {
		if n := l.number[i].Load(); n > highest {
			highest = n
		}
	}
	ticket := highest + 1
	l.number[cpu].Store(ticket)
	l.choosing[cpu].Store(false)

	for j := range l.number {
		if j == cpu {
			continue
		}
		for l.choosing[j].Load() {
			runtime.Gosched()
		}
		for {
			other := l.number[j].Load()
			if other == 0 || other > ticket || (other == ticket && j > cpu) {
				break
			}
			runtime.Gosched()
		}
	}
}

// Release drops the lock held by cpu.
func (l *Lock) Release(cpu int) {
	l.number[cpu].Store(0)
}

// ForCPU adapts the lock to sync.Locker for a single core.
func (l *Lock) ForCPU(cpu int) (sync.Locker, error) {
	if cpu < 0 || cpu >= len(l.number) {
		return nil, fmt.Errorf("bakery: cpu %d out of range [0,%d)", cpu, len(l.number))
	}
	return &cpuLocker{lock: l, cpu: cpu}, nil
}

type cpuLocker struct {
	lock *Lock
	cpu  int
}

func (c *cpuLocker) Lock()   { c.lock.Acquire(c.cpu) }
func (c *cpuLocker) Unlock() { c.lock.Release(c.cpu) }

var _ sync.Locker = (*cpuLocker)(nil)
