package jobs

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/queue"
	"github.com/leadforge/lead-scraper/pkg/storage"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type submission struct {
	taskID   string
	priority int
}

type recordingDispatcher struct {
	mu   sync.Mutex
	subs []submission
	err  error
}

func (d *recordingDispatcher) Submit(_ context.Context, taskID string, priority int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.subs = append(d.subs, submission{taskID, priority})
	return nil
}

func (d *recordingDispatcher) submitted() []submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]submission(nil), d.subs...)
}

func newManager(t *testing.T) (*Manager, *storage.BadgerStore, *recordingDispatcher) {
	t.Helper()
	store, err := storage.NewBadgerStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.PutStructure(&models.Structure{ID: "s1", Name: "Mairies"}))

	d := &recordingDispatcher{}
	return NewManager(store, d, testLogger()), store, d
}

func validRequest() Request {
	return Request{
		Owner:          "u1",
		StructureID:    "s1",
		CandidateURLs:  []string{"https://mairie-a.fr", " https://mairie-b.fr ", "https://mairie-a.fr", ""},
		LeadsRequested: 10,
	}
}

func TestManager_Submit(t *testing.T) {
	m, store, d := newManager(t)

	job, task, err := m.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, DefaultPriority, job.Priority)
	assert.Equal(t, []string{"https://mairie-a.fr", "https://mairie-b.fr"}, job.CandidateURLs)
	assert.Equal(t, "s1 (10 leads)", job.Name)
	assert.Equal(t, []submission{{task.ID, DefaultPriority}}, d.submitted())

	stored, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)
	assert.Equal(t, task.ID, stored.ActiveTaskID)

	storedTask, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, storedTask.Status)
	assert.Equal(t, job.ID, storedTask.JobID)
}

func TestManager_SubmitValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing structure id", func(r *Request) { r.StructureID = "" }},
		{"unknown structure", func(r *Request) { r.StructureID = "nope" }},
		{"zero leads", func(r *Request) { r.LeadsRequested = 0 }},
		{"negative leads", func(r *Request) { r.LeadsRequested = -3 }},
		{"priority too high", func(r *Request) { r.Priority = 4 }},
		{"negative priority", func(r *Request) { r.Priority = -1 }},
		{"relative url", func(r *Request) { r.CandidateURLs = []string{"/contact"} }},
		{"ftp url", func(r *Request) { r.CandidateURLs = []string{"ftp://mairie.fr"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, store, d := newManager(t)
			req := validRequest()
			tt.mutate(&req)

			_, _, err := m.Submit(context.Background(), req)
			assert.ErrorIs(t, err, utils.ErrInvalidJob)
			assert.Empty(t, d.submitted())

			jobs, err := store.ListJobs(context.Background(), "")
			require.NoError(t, err)
			assert.Empty(t, jobs, "nothing is persisted for a rejected request")
		})
	}
}

func TestManager_SubmitWithoutSites(t *testing.T) {
	m, _, d := newManager(t)
	req := validRequest()
	req.CandidateURLs = nil
	req.Priority = 1

	job, _, err := m.Submit(context.Background(), req)
	require.NoError(t, err, "an empty site list is accepted and completes at run time")
	assert.Empty(t, job.CandidateURLs)
	assert.Equal(t, 1, d.submitted()[0].priority)
}

func TestManager_DispatchFailure(t *testing.T) {
	m, store, d := newManager(t)
	d.err = utils.ErrQueue

	job, _, err := m.Submit(context.Background(), validRequest())
	assert.ErrorIs(t, err, utils.ErrQueue)
	require.NotNil(t, job)

	_, err = store.GetJob(job.ID)
	assert.NoError(t, err, "the job stays persisted and can be requeued")
}

func TestManager_StopIdleTask(t *testing.T) {
	m, store, _ := newManager(t)
	job, task, err := m.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	stopped, err := m.Stop(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusStopped, stopped.Status)
	assert.Empty(t, stopped.ActiveTaskID)

	storedTask, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusStopped, storedTask.Status)
	assert.Equal(t, models.StepStoppedByUser, storedTask.CurrentStep)

	_, err = m.Stop(job.ID)
	assert.ErrorIs(t, err, utils.ErrTaskTerminal, "a finished job can not be stopped again")
}

func TestManager_StopRunningTask(t *testing.T) {
	m, store, _ := newManager(t)
	job, task, err := m.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	ctx, done := m.Begin(context.Background(), task.ID)
	defer done()
	assert.True(t, m.IsRunning(task.ID))

	_, err = m.Stop(job.ID)
	require.NoError(t, err)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("running task was not cancelled")
	}
	storedTask, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, storedTask.Status, "the runner settles the task itself")

	done()
	assert.False(t, m.IsRunning(task.ID))
	assert.Empty(t, m.Running())
}

func TestManager_StopLeavesRemoteWorkerAlone(t *testing.T) {
	m, store, _ := newManager(t)
	job, task, err := m.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	_, err = store.UpdateTask(task.ID, func(t *models.Task) error {
		t.Status = models.TaskStatusInitializing
		return nil
	})
	require.NoError(t, err)

	_, err = m.Stop(job.ID)
	require.NoError(t, err)

	storedTask, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInitializing, storedTask.Status)
	storedJob, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ControlStop, storedJob.Control)
}

func TestManager_PauseAndResume(t *testing.T) {
	m, store, d := newManager(t)
	job, task, err := m.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	ctx, done := m.Begin(context.Background(), task.ID)
	paused, err := m.Pause(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ControlPause, paused.Control)
	assert.Error(t, ctx.Err())
	done()

	// Resuming a task that has not parked yet is refused
	_, err = store.UpdateTask(task.ID, func(t *models.Task) error {
		t.Status = models.TaskStatusInitializing
		return nil
	})
	require.NoError(t, err)
	_, err = m.Resume(context.Background(), job.ID)
	assert.ErrorIs(t, err, utils.ErrInvalidState)

	_, err = store.UpdateTask(task.ID, func(t *models.Task) error {
		t.Status = models.TaskStatusPaused
		t.CurrentStep = models.StepPaused
		return nil
	})
	require.NoError(t, err)

	resumed, err := m.Resume(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ControlNone, resumed.Control)
	subs := d.submitted()
	require.Len(t, subs, 2)
	assert.Equal(t, task.ID, subs[1].taskID)
}

func TestManager_ResumeQueuedTask(t *testing.T) {
	m, _, d := newManager(t)
	job, _, err := m.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	_, err = m.Pause(job.ID)
	require.NoError(t, err)

	_, err = m.Resume(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, d.submitted(), 1, "a task still queued is not dispatched twice")
}

func TestManager_Status(t *testing.T) {
	m, store, _ := newManager(t)
	job, task, err := m.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	for _, status := range []models.TaskStatus{models.TaskStatusInitializing, models.TaskStatusCrawling} {
		_, err = store.UpdateTask(task.ID, func(t *models.Task) error {
			t.Status = status
			t.LeadsFound = 4
			return nil
		})
		require.NoError(t, err)
	}

	st, err := m.Status(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, st.Task)
	assert.Equal(t, 40, st.Progress)
	assert.Equal(t, models.JobStatusRunning, st.Job.Status)
	assert.False(t, st.Running)

	_, err = m.Status(context.Background(), "unknown")
	assert.True(t, errors.Is(err, utils.ErrNotFound))
}

func TestManager_StatusOfFinishedJob(t *testing.T) {
	m, store, _ := newManager(t)
	job, task, err := m.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	for _, status := range []models.TaskStatus{models.TaskStatusInitializing, models.TaskStatusCompleted} {
		_, err = store.UpdateTask(task.ID, func(t *models.Task) error {
			t.Status = status
			t.CurrentStep = models.StepCompleted(0)
			return nil
		})
		require.NoError(t, err)
	}

	st, err := m.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, st.Job.Status)
	assert.Empty(t, st.Job.ActiveTaskID)
	require.NotNil(t, st.Task, "a finished job reports its latest task")
	assert.Equal(t, task.ID, st.Task.ID)
	assert.Equal(t, models.StepCompleted(0), st.Task.CurrentStep)
}

func TestManager_Restart(t *testing.T) {
	m, store, d := newManager(t)
	ctx := context.Background()
	job, first, err := m.Submit(ctx, validRequest())
	require.NoError(t, err)

	_, _, err = m.Restart(ctx, job.ID)
	assert.True(t, errors.Is(err, utils.ErrActiveTask), "a pending task blocks a restart")

	_, err = m.Stop(job.ID)
	require.NoError(t, err)

	restarted, task, err := m.Restart(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, task.ID)
	assert.Equal(t, models.JobStatusPending, restarted.Status)
	assert.Equal(t, task.ID, restarted.ActiveTaskID)
	assert.Equal(t, models.ControlNone, restarted.Control, "the stop does not carry over")

	subs := d.submitted()
	require.Len(t, subs, 2)
	assert.Equal(t, task.ID, subs[1].taskID)

	tasks, err := store.ListJobTasks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, models.TaskStatusStopped, tasks[0].Status)
	assert.Equal(t, models.TaskStatusPending, tasks[1].Status)

	_, _, err = m.Restart(ctx, "unknown")
	assert.True(t, errors.Is(err, utils.ErrNotFound))
}

func TestManager_List(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	_, _, err := m.Submit(ctx, validRequest())
	require.NoError(t, err)
	other := validRequest()
	other.Owner = "u2"
	_, _, err = m.Submit(ctx, other)
	require.NoError(t, err)

	mine, err := m.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	all, err := m.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestManager_CancelAll(t *testing.T) {
	m, _, _ := newManager(t)
	ctx1, done1 := m.Begin(context.Background(), "t1")
	ctx2, done2 := m.Begin(context.Background(), "t2")
	defer done1()
	defer done2()

	assert.ElementsMatch(t, []string{"t1", "t2"}, m.Running())
	m.CancelAll()
	assert.Error(t, ctx1.Err())
	assert.Error(t, ctx2.Err())
}

func TestManager_RequeueInterrupted(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()

	_, pendingTask, err := m.Submit(ctx, validRequest())
	require.NoError(t, err)

	_, interruptedTask, err := m.Submit(ctx, validRequest())
	require.NoError(t, err)
	_, err = store.UpdateTask(interruptedTask.ID, func(t *models.Task) error {
		t.Status = models.TaskStatusInitializing
		return nil
	})
	require.NoError(t, err)
	_, err = store.UpdateTask(interruptedTask.ID, func(t *models.Task) error {
		t.Status = models.TaskStatusPaused
		t.CurrentStep = models.StepInterrupted
		return nil
	})
	require.NoError(t, err)

	userPaused, userPausedTask, err := m.Submit(ctx, validRequest())
	require.NoError(t, err)
	_, err = store.UpdateTask(userPausedTask.ID, func(t *models.Task) error {
		t.Status = models.TaskStatusInitializing
		return nil
	})
	require.NoError(t, err)
	_, err = store.UpdateTask(userPausedTask.ID, func(t *models.Task) error {
		t.Status = models.TaskStatusPaused
		t.CurrentStep = models.StepPaused
		return nil
	})
	require.NoError(t, err)
	_, err = store.SetJobControl(userPaused.ID, models.ControlPause)
	require.NoError(t, err)

	// Resumed from a process without workers
	resumed, resumedTask, err := m.Submit(ctx, validRequest())
	require.NoError(t, err)
	for _, status := range []models.TaskStatus{models.TaskStatusInitializing, models.TaskStatusPaused} {
		_, err = store.UpdateTask(resumedTask.ID, func(t *models.Task) error {
			t.Status = status
			t.CurrentStep = models.StepPaused
			return nil
		})
		require.NoError(t, err)
	}
	_, err = store.SetJobControl(resumed.ID, models.ControlNone)
	require.NoError(t, err)

	_, runningTask, err := m.Submit(ctx, validRequest())
	require.NoError(t, err)
	_, err = store.UpdateTask(runningTask.ID, func(t *models.Task) error {
		t.Status = models.TaskStatusInitializing
		return nil
	})
	require.NoError(t, err)

	// Fresh dispatcher so only the requeue is observed
	q := queue.NewTaskQueue(testLogger(), nil)
	m.dispatcher = q
	n, err := m.RequeueInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var got []string
	for q.Len() > 0 {
		d, err := q.Next(ctx)
		require.NoError(t, err)
		got = append(got, d.TaskID)
	}
	assert.ElementsMatch(t, []string{pendingTask.ID, interruptedTask.ID, resumedTask.ID}, got)
}
