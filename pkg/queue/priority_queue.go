package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/leadforge/lead-scraper/pkg/utils"
)

// --- Priority Queue Implementation ---

// pqItem is one queued task reference.
type pqItem struct {
	taskID   string
	priority int       // Lower value = served first (1 high .. 3 low)
	queued   time.Time // Ties on priority are served oldest first
	seq      uint64    // Final tie-breaker, submission order
	index    int       // Position in the heap, maintained by Swap/Push/Pop
}

// priorityQueue implements heap.Interface.
type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	a, b := pq[i], pq[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if !a.queued.Equal(b.queued) {
		return a.queued.Before(b.queued)
	}
	return a.seq < b.seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}

// TaskQueue is the in-process Dispatcher and Consumer: a blocking priority
// queue of task ids. A task id is queued at most once at a time.
type TaskQueue struct {
	pq       priorityQueue
	mu       sync.Mutex
	cond     *sync.Cond // Signalled on push and on close
	closed   bool
	queued   map[string]bool
	seq      uint64
	clock    func() time.Time
	onChange func(depth int)
	log      *logrus.Entry
}

// NewTaskQueue creates an empty queue. onChange, when set, receives the depth
// after every push and pop.
func NewTaskQueue(log *logrus.Entry, onChange func(depth int)) *TaskQueue {
	q := &TaskQueue{
		queued:   make(map[string]bool),
		clock:    time.Now,
		onChange: onChange,
		log:      log,
	}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.pq)
	return q
}

// Submit implements Dispatcher.
func (q *TaskQueue) Submit(_ context.Context, taskID string, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("%w: queue closed, task '%s' not queued", utils.ErrQueue, taskID)
	}
	if q.queued[taskID] {
		q.log.Debugf("Task %s already queued", taskID)
		return nil
	}
	q.seq++
	heap.Push(&q.pq, &pqItem{taskID: taskID, priority: priority, queued: q.clock(), seq: q.seq})
	q.queued[taskID] = true
	q.notify()
	q.cond.Signal() // Wake one waiting worker
	return nil
}

// Next implements Consumer. It blocks until a task is available, the queue is
// closed and drained (ErrClosed) or ctx is done.
func (q *TaskQueue) Next(ctx context.Context) (*Delivery, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pq) == 0 {
		if q.closed {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.cond.Wait()
	}
	item := heap.Pop(&q.pq).(*pqItem)
	delete(q.queued, item.taskID)
	q.notify()
	return &Delivery{TaskID: item.taskID, Priority: item.priority}, nil
}

// Close stops accepting tasks. Tasks already queued are still handed out.
func (q *TaskQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast() // Wake ALL waiting workers so they can check the closed status
	}
	return nil
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}

// notify must be called with mu held.
func (q *TaskQueue) notify() {
	if q.onChange != nil {
		q.onChange(len(q.pq))
	}
}
