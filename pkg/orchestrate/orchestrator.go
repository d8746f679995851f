package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/queue"
)

// TaskRunner executes one task to a terminal or parked state. *pipeline.Runner satisfies it.
type TaskRunner interface {
	Run(ctx context.Context, taskID, workerID string) (*models.Task, error)
}

// Tracker registers the tasks running in this process. *jobs.Manager satisfies it.
type Tracker interface {
	Begin(ctx context.Context, taskID string) (context.Context, func())
}

// TaskResult contains the outcome of one delivery handled by a worker.
type TaskResult struct {
	TaskID        string
	WorkerID      string
	Status        models.TaskStatus
	PagesExplored int
	UniqueLeads   int
	Error         error
	Duration      time.Duration
}

// Orchestrator runs a fixed pool of workers pulling tasks from a Consumer.
type Orchestrator struct {
	workers  int
	consumer queue.Consumer
	runner   TaskRunner
	tracker  Tracker
	log      *logrus.Entry

	results   []TaskResult
	resultsMu sync.Mutex
}

// NewOrchestrator creates a pool of numWorkers workers. tracker may be nil.
func NewOrchestrator(numWorkers int, consumer queue.Consumer, runner TaskRunner, tracker Tracker, log *logrus.Entry) *Orchestrator {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Orchestrator{
		workers:  numWorkers,
		consumer: consumer,
		runner:   runner,
		tracker:  tracker,
		log:      log,
	}
}

// Run starts the workers and blocks until the consumer is closed and drained
// or ctx is done. A cancelled ctx interrupts running tasks, which park
// themselves for a later resume. The returned error reports a consumer failure.
func (o *Orchestrator) Run(ctx context.Context) ([]TaskResult, error) {
	startTime := time.Now()
	o.log.Infof("Starting %d workers", o.workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := range o.workers {
		workerID := fmt.Sprintf("worker-%d", i+1)
		g.Go(func() error {
			return o.work(gctx, workerID)
		})
	}
	err := g.Wait()

	o.logSummary(time.Since(startTime))
	o.resultsMu.Lock()
	defer o.resultsMu.Unlock()
	return append([]TaskResult(nil), o.results...), err
}

func (o *Orchestrator) work(ctx context.Context, workerID string) error {
	workerLog := o.log.WithField("worker_id", workerID)
	for {
		d, err := o.consumer.Next(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				workerLog.Debug("Worker exiting")
				return nil
			}
			workerLog.WithError(err).Error("Task source failed")
			return err
		}
		result := o.handle(ctx, d, workerID, workerLog)

		o.resultsMu.Lock()
		o.results = append(o.results, result)
		o.resultsMu.Unlock()
	}
}

// handle runs one delivery. Deliveries whose task could not be loaded or
// written are rejected; every other outcome, failures included, is
// acknowledged since it is persisted on the task.
func (o *Orchestrator) handle(ctx context.Context, d *queue.Delivery, workerID string, workerLog *logrus.Entry) TaskResult {
	startTime := time.Now()
	result := TaskResult{TaskID: d.TaskID, WorkerID: workerID}

	runCtx, done := ctx, func() {}
	if o.tracker != nil {
		runCtx, done = o.tracker.Begin(ctx, d.TaskID)
	}
	task, err := o.runner.Run(runCtx, d.TaskID, workerID)
	done()
	result.Duration = time.Since(startTime)

	if task != nil {
		result.Status = task.Status
		result.PagesExplored = task.PagesExplored
		result.UniqueLeads = task.UniqueLeads
	}
	if err != nil {
		result.Error = err
		workerLog.WithError(err).Errorf("Task %s could not be run, rejecting delivery", d.TaskID)
		if rejectErr := d.Reject(); rejectErr != nil {
			workerLog.WithError(rejectErr).Warn("Failed to reject delivery")
		}
		return result
	}
	if ackErr := d.Ack(); ackErr != nil {
		workerLog.WithError(ackErr).Warn("Failed to acknowledge delivery")
	}
	return result
}

// logSummary logs a summary of the tasks handled by the pool.
func (o *Orchestrator) logSummary(totalDuration time.Duration) {
	o.resultsMu.Lock()
	defer o.resultsMu.Unlock()

	o.log.Info("============================================")
	o.log.Infof("Workers stopped after %v", totalDuration)
	if len(o.results) == 0 {
		o.log.Info("No tasks handled")
		o.log.Info("============================================")
		return
	}
	o.log.Info("Task Results:")

	byStatus := make(map[models.TaskStatus]int)
	totalPages, totalLeads, errCount := 0, 0, 0
	for _, r := range o.results {
		status := r.Status.String()
		if r.Error != nil {
			status = "ERROR"
			errCount++
		} else {
			byStatus[r.Status]++
		}
		totalPages += r.PagesExplored
		totalLeads += r.UniqueLeads

		o.log.Infof("  %s (%s): %s - %d leads, %d pages in %v",
			r.TaskID, r.WorkerID, status, r.UniqueLeads, r.PagesExplored, r.Duration)
		if r.Error != nil {
			o.log.Infof("    Error: %v", r.Error)
		}
	}

	o.log.Info("--------------------------------------------")
	o.log.Infof("Total: %d tasks (%d completed, %d paused, %d stopped, %d failed, %d errors), %d leads, %d pages",
		len(o.results),
		byStatus[models.TaskStatusCompleted], byStatus[models.TaskStatusPaused],
		byStatus[models.TaskStatusStopped], byStatus[models.TaskStatusFailed],
		errCount, totalLeads, totalPages)
	o.log.Info("============================================")
}
