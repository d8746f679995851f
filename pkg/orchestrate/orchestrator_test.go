package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/queue"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type fakeRunner struct {
	mu       sync.Mutex
	ran      map[string]string // taskID -> workerID
	active   atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	failWith map[string]error
	block    bool
}

func (r *fakeRunner) Run(ctx context.Context, taskID, workerID string) (*models.Task, error) {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if r.block {
		<-ctx.Done()
		return &models.Task{ID: taskID, Status: models.TaskStatusPaused, CurrentStep: models.StepInterrupted}, nil
	}
	time.Sleep(r.delay)

	r.mu.Lock()
	r.ran[taskID] = workerID
	r.mu.Unlock()
	if err := r.failWith[taskID]; err != nil {
		return nil, err
	}
	return &models.Task{ID: taskID, Status: models.TaskStatusCompleted, TaskCounters: models.TaskCounters{UniqueLeads: 2, PagesExplored: 3}}, nil
}

type fakeTracker struct {
	mu      sync.Mutex
	begun   []string
	pending int
}

func (t *fakeTracker) Begin(ctx context.Context, taskID string) (context.Context, func()) {
	t.mu.Lock()
	t.begun = append(t.begun, taskID)
	t.pending++
	t.mu.Unlock()
	return ctx, func() {
		t.mu.Lock()
		t.pending--
		t.mu.Unlock()
	}
}

// settlingConsumer wraps deliveries to observe how they are settled.
type settlingConsumer struct {
	*queue.TaskQueue
	mu       sync.Mutex
	acked    []string
	rejected []string
}

func (c *settlingConsumer) Next(ctx context.Context) (*queue.Delivery, error) {
	d, err := c.TaskQueue.Next(ctx)
	if err != nil {
		return nil, err
	}
	id := d.TaskID
	return queue.NewDelivery(id, d.Priority,
		func() error { c.mu.Lock(); c.acked = append(c.acked, id); c.mu.Unlock(); return nil },
		func() error { c.mu.Lock(); c.rejected = append(c.rejected, id); c.mu.Unlock(); return nil },
	), nil
}

func TestOrchestrator_DrainsQueue(t *testing.T) {
	q := queue.NewTaskQueue(testLogger(), nil)
	ctx := context.Background()
	for i := range 12 {
		require.NoError(t, q.Submit(ctx, fmt.Sprintf("t%02d", i), i%3+1))
	}
	require.NoError(t, q.Close())

	runner := &fakeRunner{ran: map[string]string{}, delay: 5 * time.Millisecond}
	tracker := &fakeTracker{}
	o := NewOrchestrator(3, q, runner, tracker, testLogger())

	results, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 12)
	assert.Len(t, runner.ran, 12)
	assert.LessOrEqual(t, runner.peak.Load(), int32(3), "never more tasks than workers")
	assert.Len(t, tracker.begun, 12)
	assert.Zero(t, tracker.pending, "every Begin is paired with done")

	for _, r := range results {
		assert.Equal(t, models.TaskStatusCompleted, r.Status)
		assert.Equal(t, 2, r.UniqueLeads)
		assert.NotEmpty(t, r.WorkerID)
	}
}

func TestOrchestrator_SettlesDeliveries(t *testing.T) {
	c := &settlingConsumer{TaskQueue: queue.NewTaskQueue(testLogger(), nil)}
	ctx := context.Background()
	require.NoError(t, c.Submit(ctx, "ok", 1))
	require.NoError(t, c.Submit(ctx, "gone", 1))
	require.NoError(t, c.Close())

	runner := &fakeRunner{
		ran:      map[string]string{},
		failWith: map[string]error{"gone": fmt.Errorf("loading task 'gone': %w", utils.ErrNotFound)},
	}
	results, err := NewOrchestrator(1, c, runner, nil, testLogger()).Run(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, []string{"ok"}, c.acked)
	assert.Equal(t, []string{"gone"}, c.rejected)
	for _, r := range results {
		if r.TaskID == "gone" {
			assert.ErrorIs(t, r.Error, utils.ErrNotFound)
		}
	}
}

func TestOrchestrator_CancelInterruptsRunningTasks(t *testing.T) {
	q := queue.NewTaskQueue(testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Submit(ctx, "t1", 1))
	require.NoError(t, q.Submit(ctx, "t2", 1))

	runner := &fakeRunner{ran: map[string]string{}, block: true}
	o := NewOrchestrator(2, q, runner, nil, testLogger())

	done := make(chan []TaskResult, 1)
	go func() {
		results, _ := o.Run(ctx)
		done <- results
	}()
	require.Eventually(t, func() bool { return runner.active.Load() == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case results := <-done:
		require.Len(t, results, 2)
		for _, r := range results {
			assert.Equal(t, models.TaskStatusPaused, r.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop on cancellation")
	}
}

type brokenConsumer struct{}

func (brokenConsumer) Next(context.Context) (*queue.Delivery, error) {
	return nil, errors.New("channel closed by broker")
}
func (brokenConsumer) Close() error { return nil }

func TestOrchestrator_ConsumerFailure(t *testing.T) {
	runner := &fakeRunner{ran: map[string]string{}}
	_, err := NewOrchestrator(2, brokenConsumer{}, runner, nil, testLogger()).Run(context.Background())
	assert.ErrorContains(t, err, "channel closed")
}
