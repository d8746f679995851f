package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

// CreateJob implements the JobStore interface.
func (s *BadgerStore) CreateJob(job *models.Job, task *models.Task) error {
	return s.Update(func(tx Txn) error {
		if _, err := tx.GetJob(job.ID); err == nil {
			return fmt.Errorf("%w: job '%s' already exists", utils.ErrDatabase, job.ID)
		} else if !errors.Is(err, utils.ErrNotFound) {
			return err
		}
		now := tx.Now()
		job.Status = models.JobStatusPending
		job.Control = models.ControlNone
		job.ActiveTaskID = task.ID
		job.CreatedAt = now
		if err := tx.PutJob(job); err != nil {
			return err
		}
		task.JobID = job.ID
		task.Status = models.TaskStatusPending
		task.StartTime = now
		return tx.PutTask(task)
	})
}

// CreateTask implements the JobStore interface.
func (s *BadgerStore) CreateTask(jobID string, task *models.Task) error {
	return s.Update(func(tx Txn) error {
		job, err := tx.GetJob(jobID)
		if err != nil {
			return err
		}
		if job.ActiveTaskID != "" {
			active, err := tx.GetTask(job.ActiveTaskID)
			if err == nil && !active.IsTerminal() {
				return fmt.Errorf("%w: job '%s' task '%s' is %s", utils.ErrActiveTask, jobID, active.ID, active.Status)
			}
			if err != nil && !errors.Is(err, utils.ErrNotFound) {
				return err
			}
		}
		job.Control = models.ControlNone
		if err := tx.PutJob(job); err != nil {
			return err
		}
		task.JobID = jobID
		task.Status = models.TaskStatusPending
		task.StartTime = tx.Now()
		return tx.PutTask(task)
	})
}

// GetJob implements the JobStore interface.
func (s *BadgerStore) GetJob(jobID string) (*models.Job, error) {
	var job *models.Job
	err := s.view(func(tx *badgerTxn) error {
		var err error
		job, err = tx.GetJob(jobID)
		return err
	})
	return job, err
}

// GetTask implements the JobStore interface.
func (s *BadgerStore) GetTask(taskID string) (*models.Task, error) {
	var task *models.Task
	err := s.view(func(tx *badgerTxn) error {
		var err error
		task, err = tx.GetTask(taskID)
		return err
	})
	return task, err
}

// ListJobs implements the JobStore interface.
func (s *BadgerStore) ListJobs(ctx context.Context, owner string) ([]*models.Job, error) {
	var jobs []*models.Job
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(ctx, s, txn, jobKeyPrefix, func(job *models.Job) bool {
			if owner == "" || job.Owner == owner {
				jobs = append(jobs, job)
			}
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing jobs: %w", utils.ErrDatabase, err)
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// ListTasks implements the JobStore interface.
func (s *BadgerStore) ListTasks(ctx context.Context, filter func(*models.Task) bool) ([]*models.Task, error) {
	var tasks []*models.Task
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(ctx, s, txn, taskKeyPrefix, func(task *models.Task) bool {
			if filter == nil || filter(task) {
				tasks = append(tasks, task)
			}
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing tasks: %w", utils.ErrDatabase, err)
	}
	return tasks, nil
}

// ListJobTasks returns every attempt recorded for a job, oldest first.
func (s *BadgerStore) ListJobTasks(ctx context.Context, jobID string) ([]*models.Task, error) {
	var tasks []*models.Task
	err := s.view(func(tx *badgerTxn) error {
		for _, key := range scanKeys(tx.txn, jobTaskKeyPrefix+jobID+"|") {
			if err := ctx.Err(); err != nil {
				return err
			}
			taskID := strings.TrimPrefix(string(key), jobTaskKeyPrefix+jobID+"|")
			task, err := tx.GetTask(taskID)
			if errors.Is(err, utils.ErrNotFound) {
				continue // Purged
			}
			if err != nil {
				return err
			}
			tasks = append(tasks, task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].StartTime.Before(tasks[j].StartTime) })
	return tasks, nil
}

// UpdateTask implements the JobStore interface.
func (s *BadgerStore) UpdateTask(taskID string, fn func(task *models.Task) error) (*models.Task, error) {
	var updated *models.Task
	err := s.Update(func(tx Txn) error {
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.IsTerminal() {
			return fmt.Errorf("%w: task '%s' is %s", utils.ErrTaskTerminal, taskID, task.Status)
		}
		if err := fn(task); err != nil {
			return err
		}
		if err := tx.PutTask(task); err != nil {
			return err
		}
		updated = task
		return nil
	})
	return updated, err
}

// SetJobControl implements the JobStore interface.
func (s *BadgerStore) SetJobControl(jobID string, signal models.ControlSignal) (*models.Job, error) {
	var updated *models.Job
	err := s.Update(func(tx Txn) error {
		job, err := tx.GetJob(jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return fmt.Errorf("%w: job '%s' is %s", utils.ErrTaskTerminal, jobID, job.Status)
		}
		job.Control = signal
		if err := tx.PutJob(job); err != nil {
			return err
		}
		updated = job
		return nil
	})
	return updated, err
}

// PurgeTasksBefore implements the JobStore interface.
func (s *BadgerStore) PurgeTasksBefore(ctx context.Context, cutoff time.Time) (int, error) {
	expired, err := s.ListTasks(ctx, func(task *models.Task) bool {
		return task.IsTerminal() && task.CompletionTime != nil && task.CompletionTime.Before(cutoff)
	})
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, task := range expired {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		err := s.dbUpdate(func(txn *badger.Txn) error {
			keys := [][]byte{[]byte(taskKey(task.ID)), []byte(jobTaskKey(task.JobID, task.ID))}
			keys = append(keys, scanKeys(txn, resultKeyPrefix+task.ID+"|")...)
			keys = append(keys, scanKeys(txn, logKeyPrefix+task.ID+"|")...)
			for _, key := range keys {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return purged, fmt.Errorf("%w: purging task '%s': %w", utils.ErrDatabase, task.ID, err)
		}
		purged++
	}
	if purged > 0 {
		s.log.Infof("Purged %d terminal tasks completed before %s", purged, cutoff.Format(time.RFC3339))
	}
	return purged, nil
}
