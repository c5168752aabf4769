package bakery

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsEmpty(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
}

func TestForCPURange(t *testing.T) {
	l, err := New(2)
	require.NoError(t, err)
	assert.Equal(t, 2, l.Participants())

	_, err = l.ForCPU(2)
	assert.Error(t, err)
	_, err = l.ForCPU(-1)
	assert.Error(t, err)

	locker, err := l.ForCPU(1)
	require.NoError(t, err)
	locker.Lock()
	locker.Unlock()
}

func TestMutualExclusion(t *testing.T) {
	const cpus = 4
	const rounds = 500

	l, err := New(cpus)
	require.NoError(t, err)

	counter := 0
	inside := 0
	overlap := false

	var wg sync.WaitGroup
	for cpu := 0; cpu < cpus; cpu++ {
		locker, err := l.ForCPU(cpu)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				locker.Lock()
				inside++
				if inside != 1 {
					overlap = true
				}
				counter++
				inside--
				locker.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.False(t, overlap)
	assert.Equal(t, cpus*rounds, counter)
}
