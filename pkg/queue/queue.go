package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Consumer.Next once the source is closed and drained.
var ErrClosed = errors.New("task queue closed")

// Message is the persisted body of a queued task reference.
type Message struct {
	TaskID   string `json:"task_id"`
	Priority int    `json:"priority"`
}

// Dispatcher hands a task over for execution by some worker.
type Dispatcher interface {
	Submit(ctx context.Context, taskID string, priority int) error
}

// Consumer is the worker side of a task source.
type Consumer interface {
	Next(ctx context.Context) (*Delivery, error)
	Close() error
}

// Delivery is one dequeued task. Brokered deliveries must be settled exactly once;
// in-process deliveries need no settlement and both calls are no-ops.
type Delivery struct {
	TaskID   string
	Priority int

	once   sync.Once
	ack    func() error
	reject func() error
}

// NewDelivery builds a delivery settled through ack and reject. Either may be nil.
func NewDelivery(taskID string, priority int, ack, reject func() error) *Delivery {
	return &Delivery{TaskID: taskID, Priority: priority, ack: ack, reject: reject}
}

// Ack confirms the task was handled, whatever its outcome.
func (d *Delivery) Ack() error {
	return d.settle(d.ack)
}

// Reject drops the delivery without requeueing it. Brokers route it to the dead-letter exchange.
func (d *Delivery) Reject() error {
	return d.settle(d.reject)
}

func (d *Delivery) settle(fn func() error) error {
	var err error
	d.once.Do(func() {
		if fn != nil {
			err = fn()
		}
	})
	return err
}
