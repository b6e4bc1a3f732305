package sync

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpinlock(t *testing.T) {
	// Substitute the yieldFn with runtime.Gosched to avoid deadlocks while testing
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
		counter    int
	)

	sl.Acquire()
	require.False(t, sl.TryToAcquire(), "expected TryToAcquire to return false when lock is held")

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			sl.Acquire()
			counter++
			sl.Release()
		}()
	}

	<-time.After(100 * time.Millisecond)
	sl.Release()
	wg.Wait()

	assert.Equal(t, numWorkers, counter)
	assert.True(t, sl.TryToAcquire(), "expected TryToAcquire to succeed once all workers released the lock")
}
