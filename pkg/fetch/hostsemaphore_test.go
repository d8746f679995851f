package fetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/lead-scraper/pkg/utils"
)

func TestHostSemaphore_LimitAndTimeout(t *testing.T) {
	pool := NewHostSemaphorePool(2, testLogger())

	r1, err := pool.Acquire(context.Background(), "mairie.fr", 0)
	require.NoError(t, err)
	r2, err := pool.Acquire(context.Background(), "www.MAIRIE.fr", 0)
	require.NoError(t, err, "www. and case map to the same host")

	_, err = pool.Acquire(context.Background(), "mairie.fr", 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrSemaphoreTimeout))

	r1()
	r1() // Idempotent
	r3, err := pool.Acquire(context.Background(), "mairie.fr", 30*time.Millisecond)
	require.NoError(t, err, "a double release must not free two slots")
	_, err = pool.Acquire(context.Background(), "mairie.fr", 10*time.Millisecond)
	assert.Error(t, err)

	r2()
	r3()
	assert.Equal(t, 1, pool.Len())
}

func TestHostSemaphore_CancelledContext(t *testing.T) {
	pool := NewHostSemaphorePool(1, testLogger())
	release, err := pool.Acquire(context.Background(), "a.fr", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx, "a.fr", time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	release()
	time.Sleep(5 * time.Millisecond)
	pool.evictIdle(time.Millisecond)
	assert.Zero(t, pool.Len(), "a failed acquire leaves no active count behind")
}

func TestHostSemaphore_EvictIdle(t *testing.T) {
	pool := NewHostSemaphorePool(1, testLogger())

	held, err := pool.Acquire(context.Background(), "held.fr", 0)
	require.NoError(t, err)
	for _, host := range []string{"a.fr", "b.fr"} {
		release, err := pool.Acquire(context.Background(), host, 0)
		require.NoError(t, err)
		release()
	}
	require.Equal(t, 3, pool.Len())

	time.Sleep(5 * time.Millisecond)
	pool.evictIdle(time.Millisecond)
	assert.Equal(t, 1, pool.Len(), "only the host with a held permit survives")
	held()
}

func TestHostSemaphore_RunEvictionStops(t *testing.T) {
	pool := NewHostSemaphorePool(1, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		pool.RunEviction(ctx, time.Minute)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunEviction did not respect context cancellation")
	}
}

func TestHostSemaphore_Concurrent(t *testing.T) {
	pool := NewHostSemaphorePool(3, testLogger())
	var inFlight, peak atomic.Int32

	var wg sync.WaitGroup
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := pool.Acquire(context.Background(), "busy.fr", 0)
			if !assert.NoError(t, err) {
				return
			}
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			release()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(3))
}
