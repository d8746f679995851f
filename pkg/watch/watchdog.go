package watch

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/leadforge/lead-scraper/pkg/config"
	"github.com/leadforge/lead-scraper/pkg/metrics"
	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/storage"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

// Watchdog failure reasons, used as metric labels.
const (
	ReasonTimeout = "timeout"
	ReasonStale   = "stale"
)

// TaskSource is the part of the store the watchdog needs.
type TaskSource interface {
	ListTasks(ctx context.Context, filter func(*models.Task) bool) ([]*models.Task, error)
	UpdateTask(taskID string, fn func(task *models.Task) error) (*models.Task, error)
	AppendLog(taskID string, logType models.LogType, message string, details map[string]any) error
}

var _ TaskSource = (storage.Store)(nil)

// Watchdog force-fails running tasks that exceeded the duration ceiling or
// whose worker stopped heartbeating. Pending and paused tasks are never
// touched: nobody is expected to be working on them.
type Watchdog struct {
	store       TaskSource
	interval    time.Duration
	maxDuration time.Duration
	stale       time.Duration
	clock       func() time.Time
	metrics     *metrics.Pipeline
	log         *logrus.Entry
}

// NewWatchdog creates a watchdog from a validated configuration.
func NewWatchdog(store TaskSource, cfg config.AppConfig, m *metrics.Pipeline, log *logrus.Entry) *Watchdog {
	return &Watchdog{
		store:       store,
		interval:    cfg.Watchdog.Interval,
		maxDuration: cfg.Pipeline.MaxTaskDuration,
		stale:       cfg.Watchdog.StaleActivity,
		clock:       time.Now,
		metrics:     m,
		log:         log,
	}
}

// SetClock replaces the clock used to judge task age.
func (w *Watchdog) SetClock(clock func() time.Time) {
	w.clock = clock
}

// Run scans on every tick until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	w.log.Infof("Watchdog started: scan every %v, max duration %v, stale after %v",
		w.interval, w.maxDuration, w.stale)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Watchdog shutting down...")
			return
		case <-ticker.C:
			if _, err := w.Scan(ctx); err != nil && ctx.Err() == nil {
				w.log.WithError(err).Error("Watchdog scan failed")
			}
		}
	}
}

// verdict returns the failure message and reason for a task that must be
// failed at now, or empty strings when it is healthy.
func (w *Watchdog) verdict(t *models.Task, now time.Time) (msg, reason string) {
	if t.IsTerminal() || t.Status == models.TaskStatusPending || t.Status == models.TaskStatusPaused {
		return "", ""
	}
	if w.maxDuration > 0 && now.Sub(t.StartTime) > w.maxDuration {
		return models.ErrMsgTimeout, ReasonTimeout
	}
	if w.stale > 0 && now.Sub(t.LastActivity) > w.stale {
		return models.ErrMsgWorkerStale, ReasonStale
	}
	return "", ""
}

// Scan fails every overdue task once and returns how many were failed.
func (w *Watchdog) Scan(ctx context.Context) (int, error) {
	now := w.clock()
	overdue, err := w.store.ListTasks(ctx, func(t *models.Task) bool {
		msg, _ := w.verdict(t, now)
		return msg != ""
	})
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, candidate := range overdue {
		var reason string
		task, err := w.store.UpdateTask(candidate.ID, func(t *models.Task) error {
			// Re-judged on the stored copy: a heartbeat may have landed since the listing
			var msg string
			msg, reason = w.verdict(t, w.clock())
			if msg == "" {
				return errHealthy
			}
			t.Status = models.TaskStatusFailed
			t.ErrorMessage = msg
			return nil
		})
		switch {
		case errors.Is(err, errHealthy), errors.Is(err, utils.ErrTaskTerminal), errors.Is(err, utils.ErrNotFound):
			continue
		case err != nil:
			return failed, err
		}

		failed++
		w.metrics.WatchdogFailed(reason)
		w.metrics.TaskFinished(string(task.Status))
		w.log.WithFields(logrus.Fields{
			"task_id":       task.ID,
			"job_id":        task.JobID,
			"worker_id":     task.WorkerID,
			"last_activity": task.LastActivity.Format(time.RFC3339),
		}).Warnf("Watchdog failed task: %s", task.ErrorMessage)
		if err := w.store.AppendLog(task.ID, models.LogError, "Task failed: "+task.ErrorMessage,
			map[string]any{"reason": reason, "worker_id": task.WorkerID}); err != nil {
			w.log.WithError(err).Warn("Failed to persist watchdog log")
		}
	}
	return failed, nil
}

var errHealthy = errors.New("task is healthy")
