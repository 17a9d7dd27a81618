package util

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferKeepsInsertionOrder(t *testing.T) {
	r := NewRingBuffer[int](5)
	assert.Empty(t, r.Snapshot())
	assert.Equal(t, 0, r.Len())

	r.Push(1)
	r.Push(2)
	r.Push(3)
	assert.Equal(t, []int{1, 2, 3}, r.Snapshot())
	assert.Equal(t, 3, r.Len())
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
	assert.Equal(t, 3, r.Len())
}

func TestRingBufferTail(t *testing.T) {
	r := NewRingBuffer[string](4)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		r.Push(s)
	}
	// Buffer now holds b..e.
	assert.Equal(t, []string{"d", "e"}, r.Tail(2))
	assert.Equal(t, []string{"b", "c", "d", "e"}, r.Tail(0))
	assert.Equal(t, []string{"b", "c", "d", "e"}, r.Tail(100))
}

func TestRingBufferSnapshotIsACopy(t *testing.T) {
	r := NewRingBuffer[int](3)
	r.Push(1)
	snap := r.Snapshot()
	snap[0] = 99
	assert.Equal(t, []int{1}, r.Snapshot())
}

func TestRingBufferConcurrentPushes(t *testing.T) {
	r := NewRingBuffer[int](64)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Push(i)
				_ = r.Snapshot()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 64, r.Len())
	assert.Len(t, r.Snapshot(), 64)
}
