package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/queue"
	"github.com/leadforge/lead-scraper/pkg/storage"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

// DefaultPriority is used when a request leaves the priority unset.
const DefaultPriority = 2

// Request describes a job to submit.
type Request struct {
	Owner          string
	Name           string
	StructureID    string
	Objective      string
	CandidateURLs  []string
	LeadsRequested int
	Priority       int // 1 (high) .. 3 (low), 0 = DefaultPriority
}

// Status is the externally visible state of a job and its active task.
type Status struct {
	Job      *models.Job
	Task     *models.Task
	Progress int           // Percent of the requested leads, 100 once completed
	Duration time.Duration // Of the active task
	Running  bool          // The task is executing in this process
}

// Manager submits jobs and relays user control (stop, pause, resume, restart) to the
// tasks executing them. It keeps a registry of the tasks running in this
// process so a stop can cancel them right away; tasks running elsewhere see
// the persisted control signal between pages.
type Manager struct {
	store      storage.Store
	dispatcher queue.Dispatcher
	log        *logrus.Entry

	mu      sync.RWMutex
	running map[string]context.CancelFunc // By task id
}

// NewManager creates a Manager.
func NewManager(store storage.Store, dispatcher queue.Dispatcher, log *logrus.Entry) *Manager {
	return &Manager{
		store:      store,
		dispatcher: dispatcher,
		log:        log,
		running:    make(map[string]context.CancelFunc),
	}
}

// Submit validates a request, persists the job with its first pending task
// and hands the task to the dispatcher.
func (m *Manager) Submit(ctx context.Context, req Request) (*models.Job, *models.Task, error) {
	if err := m.validate(&req); err != nil {
		return nil, nil, err
	}
	job := &models.Job{
		ID:             uuid.NewString(),
		Owner:          req.Owner,
		Name:           req.Name,
		StructureID:    req.StructureID,
		Objective:      req.Objective,
		CandidateURLs:  req.CandidateURLs,
		LeadsRequested: req.LeadsRequested,
		Priority:       req.Priority,
	}
	if job.Name == "" {
		job.Name = fmt.Sprintf("%s (%d leads)", req.StructureID, req.LeadsRequested)
	}
	task := &models.Task{ID: uuid.NewString()}
	if err := m.store.CreateJob(job, task); err != nil {
		return nil, nil, fmt.Errorf("creating job: %w", err)
	}
	m.log.WithFields(logrus.Fields{"job_id": job.ID, "task_id": task.ID}).
		Infof("Job submitted: %d leads over %d sites", job.LeadsRequested, len(job.CandidateURLs))

	if err := m.dispatcher.Submit(ctx, task.ID, job.Priority); err != nil {
		return job, task, fmt.Errorf("dispatching task '%s': %w", task.ID, err)
	}
	return job, task, nil
}

func (m *Manager) validate(req *Request) error {
	if req.StructureID == "" {
		return fmt.Errorf("%w: structure_id is required", utils.ErrInvalidJob)
	}
	if _, err := m.store.GetStructure(req.StructureID); err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return fmt.Errorf("%w: unknown structure '%s'", utils.ErrInvalidJob, req.StructureID)
		}
		return err
	}
	if req.LeadsRequested <= 0 {
		return fmt.Errorf("%w: leads_requested must be > 0", utils.ErrInvalidJob)
	}
	if req.Priority == 0 {
		req.Priority = DefaultPriority
	}
	if req.Priority < 1 || req.Priority > 3 {
		return fmt.Errorf("%w: priority must be 1, 2 or 3", utils.ErrInvalidJob)
	}

	cleaned := make([]string, 0, len(req.CandidateURLs))
	seen := make(map[string]bool, len(req.CandidateURLs))
	for _, raw := range req.CandidateURLs {
		raw = strings.TrimSpace(raw)
		if raw == "" || seen[raw] {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: candidate URL '%s' is not an absolute http(s) URL", utils.ErrInvalidJob, raw)
		}
		seen[raw] = true
		cleaned = append(cleaned, raw)
	}
	req.CandidateURLs = cleaned
	return nil
}

// Stop records a user stop. A task running in this process is cancelled; a
// task no worker holds (pending or paused) is stopped directly.
func (m *Manager) Stop(jobID string) (*models.Job, error) {
	job, err := m.store.SetJobControl(jobID, models.ControlStop)
	if err != nil {
		return nil, err
	}
	if m.cancel(job.ActiveTaskID) {
		m.log.WithField("job_id", jobID).Info("Stop requested, cancelling running task")
		return job, nil
	}
	if err := m.settleIdle(job.ActiveTaskID, models.TaskStatusStopped, models.StepStoppedByUser); err != nil {
		return nil, err
	}
	m.log.WithField("job_id", jobID).Info("Stop requested")
	return m.store.GetJob(jobID)
}

// Pause asks the task to park itself in paused at the next page boundary.
func (m *Manager) Pause(jobID string) (*models.Job, error) {
	job, err := m.store.SetJobControl(jobID, models.ControlPause)
	if err != nil {
		return nil, err
	}
	m.cancel(job.ActiveTaskID)
	m.log.WithField("job_id", jobID).Info("Pause requested")
	return job, nil
}

// Resume clears a pause and re-dispatches a parked task with its counters intact.
func (m *Manager) Resume(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: job '%s' is %s", utils.ErrTaskTerminal, jobID, job.Status)
	}
	task, err := m.store.GetTask(job.ActiveTaskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusPaused && task.Status != models.TaskStatusPending {
		return nil, fmt.Errorf("%w: task '%s' is %s, not paused", utils.ErrInvalidState, task.ID, task.Status)
	}
	job, err = m.store.SetJobControl(jobID, models.ControlNone)
	if err != nil {
		return nil, err
	}
	if task.Status == models.TaskStatusPaused {
		if err := m.dispatcher.Submit(ctx, task.ID, job.Priority); err != nil {
			return job, fmt.Errorf("dispatching task '%s': %w", task.ID, err)
		}
	}
	m.log.WithField("job_id", jobID).Info("Job resumed")
	return job, nil
}

// Restart starts a new attempt of a finished job. The new task begins with
// fresh counters; companies already turned into leads are deduplicated.
// Returns utils.ErrActiveTask while the job still has a live task.
func (m *Manager) Restart(ctx context.Context, jobID string) (*models.Job, *models.Task, error) {
	task := &models.Task{ID: uuid.NewString()}
	if err := m.store.CreateTask(jobID, task); err != nil {
		return nil, nil, err
	}
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, nil, err
	}
	m.log.WithFields(logrus.Fields{"job_id": jobID, "task_id": task.ID}).Info("Job restarted")

	if err := m.dispatcher.Submit(ctx, task.ID, job.Priority); err != nil {
		return job, task, fmt.Errorf("dispatching task '%s': %w", task.ID, err)
	}
	return job, task, nil
}

// settleIdle moves a task nobody executes into a terminal state.
// A task that a worker picked up in the meantime is left alone.
func (m *Manager) settleIdle(taskID string, status models.TaskStatus, step string) error {
	errBusy := errors.New("task picked up by a worker")
	_, err := m.store.UpdateTask(taskID, func(t *models.Task) error {
		if t.Status != models.TaskStatusPending && t.Status != models.TaskStatusPaused {
			return errBusy
		}
		t.Status = status
		t.CurrentStep = step
		return nil
	})
	if errors.Is(err, errBusy) || errors.Is(err, utils.ErrTaskTerminal) {
		return nil
	}
	return err
}

// Status returns a job with its active task, or with its latest task once
// the job has finished.
func (m *Manager) Status(ctx context.Context, jobID string) (*Status, error) {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	st := &Status{Job: job}
	var task *models.Task
	if job.ActiveTaskID != "" {
		task, err = m.store.GetTask(job.ActiveTaskID)
		if errors.Is(err, utils.ErrNotFound) {
			return st, nil // Purged
		}
		if err != nil {
			return nil, err
		}
	} else {
		tasks, err := m.store.ListJobTasks(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if len(tasks) == 0 {
			return st, nil
		}
		task = tasks[len(tasks)-1]
	}
	st.Task = task
	st.Progress = task.ProgressPercent(job.LeadsRequested)
	st.Duration = task.Duration()
	st.Running = m.IsRunning(task.ID)
	return st, nil
}

// List returns an owner's jobs, or all jobs for an empty owner.
func (m *Manager) List(ctx context.Context, owner string) ([]*models.Job, error) {
	return m.store.ListJobs(ctx, owner)
}

// Begin registers a task about to run in this process and returns the context
// it must run under. done must be called when the run returns.
func (m *Manager) Begin(ctx context.Context, taskID string) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.running[taskID] = cancel
	m.mu.Unlock()
	return runCtx, func() {
		m.mu.Lock()
		delete(m.running, taskID)
		m.mu.Unlock()
		cancel()
	}
}

// IsRunning reports whether a task is executing in this process.
func (m *Manager) IsRunning(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.running[taskID]
	return ok
}

// Running returns the ids of the tasks executing in this process.
func (m *Manager) Running() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) cancel(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cancel, ok := m.running[taskID]
	if ok {
		cancel()
	}
	return ok
}

// CancelAll cancels every task running in this process. Without a control
// signal on their jobs the tasks park themselves as interrupted.
func (m *Manager) CancelAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cancel := range m.running {
		cancel()
	}
}

// RequeueInterrupted dispatches again the tasks nobody executes: pending ones,
// ones parked by a worker shutdown and paused ones resumed while no worker was
// up. Tasks whose job still carries a pause stay parked.
func (m *Manager) RequeueInterrupted(ctx context.Context) (int, error) {
	tasks, err := m.store.ListTasks(ctx, func(t *models.Task) bool {
		return t.Status == models.TaskStatusPending || t.Status == models.TaskStatusPaused
	})
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, t := range tasks {
		job, err := m.store.GetJob(t.JobID)
		if err != nil {
			m.log.WithError(err).Warnf("Skipping task %s: job unavailable", t.ID)
			continue
		}
		if job.Control != models.ControlNone || job.ActiveTaskID != t.ID {
			continue
		}
		if err := m.dispatcher.Submit(ctx, t.ID, job.Priority); err != nil {
			return requeued, fmt.Errorf("requeueing task '%s': %w", t.ID, err)
		}
		requeued++
	}
	if requeued > 0 {
		m.log.Infof("Requeued %d interrupted tasks", requeued)
	}
	return requeued, nil
}
