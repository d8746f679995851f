package storage

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

	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func withClock(t *testing.T, store *BadgerStore) *fakeClock {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)
	return clock
}

func createJob(t *testing.T, store *BadgerStore, jobID, taskID string) {
	t.Helper()
	job := &models.Job{ID: jobID, Owner: "u1", StructureID: "s1", LeadsRequested: 5}
	require.NoError(t, store.CreateJob(job, &models.Task{ID: taskID}))
}

func TestNewBadgerStore(t *testing.T) {
	t.Run("reopen preserves data", func(t *testing.T) {
		dir := t.TempDir()
		store1, err := NewBadgerStore(dir, testLogger())
		require.NoError(t, err)
		require.NoError(t, store1.CreateJob(&models.Job{ID: "j1", StructureID: "s1"}, &models.Task{ID: "t1"}))
		require.NoError(t, store1.Close())

		store2, err := NewBadgerStore(dir, testLogger())
		require.NoError(t, err)
		t.Cleanup(func() { store2.Close() })

		job, err := store2.GetJob("j1")
		require.NoError(t, err)
		assert.Equal(t, "t1", job.ActiveTaskID)
	})

	t.Run("close twice is safe", func(t *testing.T) {
		store, err := NewBadgerStore(t.TempDir(), testLogger())
		require.NoError(t, err)
		require.NoError(t, store.Close())
		assert.NoError(t, store.Close())
	})
}

func TestCreateJob(t *testing.T) {
	store := newTestStore(t)
	clock := withClock(t, store)
	createJob(t, store, "j1", "t1")

	job, err := store.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "t1", job.ActiveTaskID)
	assert.Equal(t, clock.Now(), job.CreatedAt)

	task, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, "j1", task.JobID)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, clock.Now(), task.StartTime)

	t.Run("duplicate id refused", func(t *testing.T) {
		err := store.CreateJob(&models.Job{ID: "j1"}, &models.Task{ID: "t9"})
		assert.ErrorIs(t, err, utils.ErrDatabase)
	})

	t.Run("unknown ids", func(t *testing.T) {
		_, err := store.GetJob("nope")
		assert.ErrorIs(t, err, utils.ErrNotFound)
		_, err = store.GetTask("nope")
		assert.ErrorIs(t, err, utils.ErrNotFound)
	})
}

func TestCreateTask(t *testing.T) {
	store := newTestStore(t)
	withClock(t, store)
	createJob(t, store, "j1", "t1")

	t.Run("refused while a task is active", func(t *testing.T) {
		err := store.CreateTask("j1", &models.Task{ID: "t2"})
		assert.ErrorIs(t, err, utils.ErrActiveTask)
	})

	t.Run("allowed once the active task is terminal", func(t *testing.T) {
		_, err := store.UpdateTask("t1", func(task *models.Task) error {
			task.Status = models.TaskStatusFailed
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, store.CreateTask("j1", &models.Task{ID: "t2"}))
		job, err := store.GetJob("j1")
		require.NoError(t, err)
		assert.Equal(t, "t2", job.ActiveTaskID)
		assert.Equal(t, models.JobStatusPending, job.Status)
		assert.Nil(t, job.CompletedAt)

		tasks, err := store.ListJobTasks(context.Background(), "j1")
		require.NoError(t, err)
		require.Len(t, tasks, 2)
	})

	t.Run("unknown job", func(t *testing.T) {
		err := store.CreateTask("nope", &models.Task{ID: "t3"})
		assert.ErrorIs(t, err, utils.ErrNotFound)
	})
}

func TestUpdateTask(t *testing.T) {
	store := newTestStore(t)
	clock := withClock(t, store)
	createJob(t, store, "j1", "t1")

	t.Run("invalid transition refused", func(t *testing.T) {
		_, err := store.UpdateTask("t1", func(task *models.Task) error {
			task.Status = models.TaskStatusProcessing
			return nil
		})
		assert.ErrorIs(t, err, utils.ErrInvalidState)
	})

	t.Run("fn error aborts without writing", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := store.UpdateTask("t1", func(task *models.Task) error {
			task.CurrentStep = "never stored"
			return boom
		})
		assert.ErrorIs(t, err, boom)
		task, err := store.GetTask("t1")
		require.NoError(t, err)
		assert.Empty(t, task.CurrentStep)
	})

	t.Run("running updates sync the job", func(t *testing.T) {
		clock.Advance(time.Minute)
		for _, status := range []models.TaskStatus{models.TaskStatusInitializing, models.TaskStatusCrawling} {
			_, err := store.UpdateTask("t1", func(task *models.Task) error {
				task.Status = status
				task.UniqueLeads = 2
				task.Crawl = &models.CrawlProgress{Current: "https://a.fr", Sites: []models.SiteProgress{
					{URL: "https://a.fr", Pages: 1, Queue: []string{"https://a.fr/contact"}},
				}}
				return nil
			})
			require.NoError(t, err)
		}

		task, err := store.GetTask("t1")
		require.NoError(t, err)
		assert.Equal(t, clock.Now(), task.LastActivity)
		assert.Nil(t, task.CompletionTime)
		require.NotNil(t, task.Crawl)
		assert.Equal(t, []string{"https://a.fr/contact"}, task.Crawl.Sites[0].Queue)

		job, err := store.GetJob("j1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, job.Status)
		assert.Equal(t, 2, job.LeadsFound)
	})

	t.Run("terminal transition syncs the job in the same step", func(t *testing.T) {
		_, err := store.SetJobControl("j1", models.ControlStop)
		require.NoError(t, err)

		clock.Advance(time.Minute)
		task, err := store.UpdateTask("t1", func(task *models.Task) error {
			task.Status = models.TaskStatusStopped
			task.CurrentStep = "Stopped by user"
			task.UniqueLeads = 3
			return nil
		})
		require.NoError(t, err)
		require.NotNil(t, task.CompletionTime)
		assert.Equal(t, clock.Now(), *task.CompletionTime)
		assert.Nil(t, task.Crawl, "terminal tasks keep no crawl snapshot")

		job, err := store.GetJob("j1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusStopped, job.Status)
		assert.Equal(t, 3, job.LeadsFound)
		assert.Empty(t, job.ActiveTaskID)
		assert.Equal(t, models.ControlNone, job.Control)
		require.NotNil(t, job.CompletedAt)
	})

	t.Run("terminal task is immutable", func(t *testing.T) {
		_, err := store.UpdateTask("t1", func(task *models.Task) error {
			task.PagesExplored = 99
			return nil
		})
		assert.ErrorIs(t, err, utils.ErrTaskTerminal)

		err = store.Update(func(tx Txn) error {
			task, err := tx.GetTask("t1")
			if err != nil {
				return err
			}
			task.CurrentStep = "rewritten"
			return tx.PutTask(task)
		})
		assert.ErrorIs(t, err, utils.ErrTaskTerminal)
	})

	t.Run("control refused on terminal job", func(t *testing.T) {
		_, err := store.SetJobControl("j1", models.ControlPause)
		assert.ErrorIs(t, err, utils.ErrTaskTerminal)
	})
}

func TestListJobs(t *testing.T) {
	store := newTestStore(t)
	clock := withClock(t, store)
	ctx := context.Background()

	for i, owner := range []string{"u1", "u2", "u1"} {
		clock.Advance(time.Second)
		job := &models.Job{ID: fmt.Sprintf("j%d", i), Owner: owner, StructureID: "s1"}
		require.NoError(t, store.CreateJob(job, &models.Task{ID: fmt.Sprintf("t%d", i)}))
	}

	all, err := store.ListJobs(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "j0", all[0].ID)

	mine, err := store.ListJobs(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, []string{"j0", "j2"}, []string{mine[0].ID, mine[1].ID})

	pending, err := store.ListTasks(ctx, func(task *models.Task) bool { return task.Status == models.TaskStatusPending })
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestPurgeTasksBefore(t *testing.T) {
	store := newTestStore(t)
	clock := withClock(t, store)
	ctx := context.Background()

	createJob(t, store, "old", "t-old")
	createJob(t, store, "live", "t-live")

	_, err := store.UpdateTask("t-old", func(task *models.Task) error {
		task.Status = models.TaskStatusFailed
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, store.AppendLog("t-old", models.LogError, "failed", nil))
	require.NoError(t, store.Update(func(tx Txn) error {
		return tx.PutResult(&models.ScrapingResult{ID: "r1", TaskID: "t-old"})
	}))

	clock.Advance(48 * time.Hour)
	purged, err := store.PurgeTasksBefore(ctx, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = store.GetTask("t-old")
	assert.ErrorIs(t, err, utils.ErrNotFound)
	_, err = store.GetTask("t-live")
	assert.NoError(t, err, "non-terminal tasks are never purged")

	logs, err := store.ListLogs(ctx, "t-old")
	require.NoError(t, err)
	assert.Empty(t, logs)
	results, err := store.ListResults(ctx, "t-old")
	require.NoError(t, err)
	assert.Empty(t, results)

	// The job itself stays visible with its final status
	job, err := store.GetJob("old")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	tasks, err := store.ListJobTasks(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestLeads(t *testing.T) {
	store := newTestStore(t)
	clock := withClock(t, store)
	ctx := context.Background()

	for i, company := range []string{"Acme", "Globex", ""} {
		clock.Advance(time.Second)
		require.NoError(t, store.Update(func(tx Txn) error {
			return tx.PutLead(&models.Lead{ID: fmt.Sprintf("l%d", i), Owner: "u1", Company: company})
		}))
	}

	t.Run("company index is exact and per owner", func(t *testing.T) {
		err := store.Update(func(tx Txn) error {
			id, found, err := tx.FindLeadByCompany("u1", "Acme")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "l0", id)

			_, found, err = tx.FindLeadByCompany("u1", "acme")
			require.NoError(t, err)
			assert.False(t, found, "match is case sensitive")

			_, found, err = tx.FindLeadByCompany("u2", "Acme")
			require.NoError(t, err)
			assert.False(t, found)

			_, found, err = tx.FindLeadByCompany("u1", "")
			require.NoError(t, err)
			assert.False(t, found, "empty company never matches")
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("list newest first with limit", func(t *testing.T) {
		leads, err := store.ListLeads(ctx, "u1", 0)
		require.NoError(t, err)
		require.Len(t, leads, 3)
		assert.Equal(t, "l2", leads[0].ID)
		assert.Equal(t, "l0", leads[2].ID)

		leads, err = store.ListLeads(ctx, "u1", 2)
		require.NoError(t, err)
		assert.Len(t, leads, 2)

		leads, err = store.ListLeads(ctx, "u2", 0)
		require.NoError(t, err)
		assert.Empty(t, leads)
	})

	t.Run("get lead", func(t *testing.T) {
		lead, err := store.GetLead("l1")
		require.NoError(t, err)
		assert.Equal(t, "Globex", lead.Company)
		_, err = store.GetLead("missing")
		assert.ErrorIs(t, err, utils.ErrNotFound)
	})
}

func TestStructures(t *testing.T) {
	store := newTestStore(t)
	s := &models.Structure{ID: "s1", Name: "Mairies", Fields: []models.FieldDescriptor{
		{Name: "email", Type: models.FieldTypeEmail, Required: true},
	}}
	require.NoError(t, store.PutStructure(s))

	got, err := store.GetStructure("s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"email"}, got.RequiredFields())

	_, err = store.GetStructure("s2")
	assert.ErrorIs(t, err, utils.ErrNotFound)
	assert.Error(t, store.PutStructure(&models.Structure{}))
}

func TestSites(t *testing.T) {
	store := newTestStore(t)
	clock := withClock(t, store)

	sites, err := store.EnsureSites("s1", []string{"https://Example.com/contact", "https://other.org"})
	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.Equal(t, "example.com", sites[0].Domain)
	assert.Zero(t, sites[0].ScrapingCount)

	t.Run("attempts fold into the rolling rate", func(t *testing.T) {
		site, err := store.RecordSiteAttempt("s1", "https://other.org", true, "", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, site.ScrapingCount)
		assert.InDelta(t, 1.0, site.SuccessRate, 1e-9)

		site, err = store.RecordSiteAttempt("s1", "https://other.org", false, "HTTP_5xx", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 2, site.ScrapingCount)
		assert.InDelta(t, 0.5, site.SuccessRate, 1e-9)
		require.NotNil(t, site.RateLimitUntil)
		assert.Equal(t, clock.Now().Add(time.Hour), *site.RateLimitUntil)
	})

	t.Run("ensure keeps existing bookkeeping", func(t *testing.T) {
		sites, err := store.EnsureSites("s1", []string{"https://other.org"})
		require.NoError(t, err)
		assert.Equal(t, 2, sites[0].ScrapingCount)
	})

	t.Run("sites are per structure", func(t *testing.T) {
		sites, err := store.EnsureSites("s2", []string{"https://other.org"})
		require.NoError(t, err)
		assert.Zero(t, sites[0].ScrapingCount)
	})
}

func TestQuota(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	_, err := store.GetQuota("u1")
	assert.ErrorIs(t, err, utils.ErrNotFound)

	stored, err := store.EnsureQuota(models.NewQuotaProfile("u1", models.PlanClassic, now))
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = store.EnsureQuota(models.NewQuotaProfile("u1", models.PlanFree, now))
	require.NoError(t, err)
	assert.False(t, stored, "existing profile is never overwritten")

	p, err := store.GetQuota("u1")
	require.NoError(t, err)
	assert.Equal(t, 100, p.LeadsQuota)
}

// Concurrent check-then-increment through Update must never overrun the quota.
func TestUpdate_ConcurrentQuotaIncrement(t *testing.T) {
	store := newTestStore(t)
	withClock(t, store)
	profile := models.NewQuotaProfile("u1", models.PlanFree, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	require.NoError(t, store.PutQuota(profile))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok := false
			err := store.Update(func(tx Txn) error {
				ok = false
				p, err := tx.GetQuota("u1")
				if err != nil {
					return err
				}
				if p.LeadsUsed >= p.LeadsQuota {
					return nil
				}
				p.LeadsUsed++
				if err := tx.PutQuota(p); err != nil {
					return err
				}
				ok = true
				return tx.PutLead(&models.Lead{ID: fmt.Sprintf("l%d", i), Owner: "u1", Company: fmt.Sprintf("c%d", i)})
			})
			if err != nil {
				// Conflict retries exhausted counts as a refused attempt
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	p, err := store.GetQuota("u1")
	require.NoError(t, err)
	assert.LessOrEqual(t, created, 5)
	assert.Equal(t, created, p.LeadsUsed)

	leads, err := store.ListLeads(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.Len(t, leads, created)
}

func TestLogs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendLog("t1", models.LogInfo, "first", nil))
	require.NoError(t, store.AppendLog("t1", models.LogWarning, "second", map[string]any{"url": "https://a"}))
	require.NoError(t, store.AppendLog("t2", models.LogInfo, "other task", nil))

	logs, err := store.ListLogs(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "first", logs[0].Message)
	assert.Equal(t, "second", logs[1].Message)
	assert.Less(t, logs[0].Seq, logs[1].Seq)
	assert.Equal(t, "https://a", logs[1].Details["url"])
}
