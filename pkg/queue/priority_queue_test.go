package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/lead-scraper/pkg/utils"
)

// testLogger returns a logger that discards output.
func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func next(t *testing.T, q *TaskQueue) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := q.Next(ctx)
	require.NoError(t, err)
	return d.TaskID
}

func TestTaskQueue_PriorityThenAge(t *testing.T) {
	q := NewTaskQueue(testLogger(), nil)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	q.clock = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, q.Submit(ctx, "low", 3))
	now = now.Add(time.Second)
	require.NoError(t, q.Submit(ctx, "high-late", 1))
	now = now.Add(-time.Minute)
	require.NoError(t, q.Submit(ctx, "high-early", 1))
	require.NoError(t, q.Submit(ctx, "high-early-2", 1)) // Same instant, submission order
	require.NoError(t, q.Submit(ctx, "mid", 2))

	var got []string
	for q.Len() > 0 {
		got = append(got, next(t, q))
	}
	assert.Equal(t, []string{"high-early", "high-early-2", "high-late", "mid", "low"}, got)
}

func TestTaskQueue_QueuedOnce(t *testing.T) {
	q := NewTaskQueue(testLogger(), nil)
	ctx := context.Background()
	require.NoError(t, q.Submit(ctx, "t1", 2))
	require.NoError(t, q.Submit(ctx, "t1", 1))
	assert.Equal(t, 1, q.Len())

	assert.Equal(t, "t1", next(t, q))
	require.NoError(t, q.Submit(ctx, "t1", 2), "a dequeued task may be queued again")
	assert.Equal(t, 1, q.Len())
}

func TestTaskQueue_BlocksUntilSubmit(t *testing.T) {
	q := NewTaskQueue(testLogger(), nil)
	got := make(chan string, 1)
	go func() {
		d, err := q.Next(context.Background())
		if err == nil {
			got <- d.TaskID
		}
	}()

	select {
	case <-got:
		t.Fatal("Next returned before anything was queued")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, q.Submit(context.Background(), "t1", 1))
	select {
	case id := <-got:
		assert.Equal(t, "t1", id)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestTaskQueue_ContextCancel(t *testing.T) {
	q := NewTaskQueue(testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Next(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Next ignored context cancellation")
	}
}

func TestTaskQueue_CloseDrains(t *testing.T) {
	var mu sync.Mutex
	var depths []int
	q := NewTaskQueue(testLogger(), func(d int) {
		mu.Lock()
		depths = append(depths, d)
		mu.Unlock()
	})
	ctx := context.Background()
	require.NoError(t, q.Submit(ctx, "t1", 1))
	require.NoError(t, q.Close())

	err := q.Submit(ctx, "t2", 1)
	assert.ErrorIs(t, err, utils.ErrQueue)

	assert.Equal(t, "t1", next(t, q), "queued tasks survive Close")
	_, err = q.Next(ctx)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Equal(t, []int{1, 0}, depths)
}

func TestTaskQueue_ConcurrentConsumers(t *testing.T) {
	q := NewTaskQueue(testLogger(), nil)
	const n = 200
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]int)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				d, err := q.Next(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[d.TaskID]++
				mu.Unlock()
			}
		}()
	}
	for i := range n {
		require.NoError(t, q.Submit(ctx, fmt.Sprintf("t%03d", i), i%3+1))
	}
	require.NoError(t, q.Close())
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
}

func TestDelivery_SettlesOnce(t *testing.T) {
	acks, rejects := 0, 0
	d := &Delivery{
		TaskID: "t1",
		ack:    func() error { acks++; return nil },
		reject: func() error { rejects++; return nil },
	}
	require.NoError(t, d.Ack())
	require.NoError(t, d.Reject())
	require.NoError(t, d.Ack())
	assert.Equal(t, 1, acks)
	assert.Zero(t, rejects)

	inProcess := &Delivery{TaskID: "t2"}
	assert.NoError(t, inProcess.Ack())
}

func TestBrokerPriority(t *testing.T) {
	assert.Equal(t, uint8(3), brokerPriority(1))
	assert.Equal(t, uint8(2), brokerPriority(2))
	assert.Equal(t, uint8(1), brokerPriority(3))
	assert.Equal(t, uint8(3), brokerPriority(0), "out of range values are clamped")
	assert.Equal(t, uint8(0), brokerPriority(9))
}
