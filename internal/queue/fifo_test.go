package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOPutGetOrder(t *testing.T) {
	q := NewFIFO[int]()
	q.Put(1)
	q.Put(2)
	q.Put(3)
	require.Equal(t, 3, q.Len())

	for _, want := range []int{1, 2, 3} {
		got, ok := q.Get()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 0, q.Len())
}

func TestFIFOTryGet(t *testing.T) {
	q := NewFIFO[string]()
	_, ok := q.TryGet()
	assert.False(t, ok)

	q.Put("a")
	v, ok := q.TryGet()
	require.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestFIFOGetBlocksUntilPut(t *testing.T) {
	q := NewFIFO[int]()
	done := make(chan int, 1)
	go func() {
		v, ok := q.Get()
		if ok {
			done <- v
		} else {
			done <- -1
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Put(42)

	select {
	case v := <-done:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("Get never returned")
	}
}

func TestFIFOCloseWakesBlockedConsumers(t *testing.T) {
	q := NewFIFO[int]()
	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok := q.Get()
			results[i] = ok
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()

	waitWithTimeout(t, &wg, time.Second)
	for _, ok := range results {
		assert.False(t, ok)
	}
}

func TestFIFODrainsBeforeClosing(t *testing.T) {
	q := NewFIFO[int]()
	q.Put(1)
	q.Close()

	v, ok := q.Get()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = q.Get()
	assert.False(t, ok)
}

func TestFIFOPutAfterCloseIsNoop(t *testing.T) {
	q := NewFIFO[int]()
	q.Close()
	q.Put(1)
	assert.Equal(t, 0, q.Len())
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for goroutines")
	}
}
