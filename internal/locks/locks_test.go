package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireRelease(t *testing.T) {
	r := NewRegistry()

	assert.True(t, r.TryAcquire("acct-a"))
	assert.False(t, r.TryAcquire("acct-a"))
	// Other accounts are independent.
	assert.True(t, r.TryAcquire("acct-b"))

	r.Release("acct-a")
	assert.True(t, r.TryAcquire("acct-a"))
}

func TestAcquireTimeout(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.TryAcquire("acct"))

	start := time.Now()
	err := r.Acquire(context.Background(), "acct", 20*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.TryAcquire("acct"))

	done := make(chan error, 1)
	go func() {
		done <- r.Acquire(context.Background(), "acct", time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	r.Release("acct")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire did not complete after release")
	}
}

func TestAcquireContextCancel(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.TryAcquire("acct"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := r.Acquire(ctx, "acct", 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReleaseUnheldPanics(t *testing.T) {
	r := NewRegistry()
	assert.Panics(t, func() { r.Release("never-taken") })
}

func TestConcurrentExclusion(t *testing.T) {
	r := NewRegistry()
	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, r.Acquire(context.Background(), "shared", time.Second))
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			r.Release("shared")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxActive)
}
