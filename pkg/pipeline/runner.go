package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/leadforge/lead-scraper/pkg/config"
	"github.com/leadforge/lead-scraper/pkg/extract"
	"github.com/leadforge/lead-scraper/pkg/fetch"
	"github.com/leadforge/lead-scraper/pkg/log"
	"github.com/leadforge/lead-scraper/pkg/metrics"
	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/normalize"
	"github.com/leadforge/lead-scraper/pkg/page"
	"github.com/leadforge/lead-scraper/pkg/quota"
	"github.com/leadforge/lead-scraper/pkg/scheduler"
	"github.com/leadforge/lead-scraper/pkg/storage"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

// PageFetcher retrieves one page. *fetch.Fetcher satisfies it.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetch.Page, error)
}

// Deps are the collaborators a Runner drives.
type Deps struct {
	Store     storage.Store
	Fetcher   PageFetcher
	Extractor extract.Extractor
	Tokens    *page.TokenCounter // nil = character estimates only
	Metrics   *metrics.Pipeline  // nil = no metrics
	Clock     func() time.Time   // Scheduler clock, time.Now when nil
	Log       *logrus.Entry
}

// Runner executes tasks: it walks a task through its states, crawls the job's
// sites page by page and commits each extracted record atomically.
// A Runner is safe for concurrent use; each Run owns its own crawl state.
type Runner struct {
	store      storage.Store
	fetcher    PageFetcher
	extractor  extract.Extractor
	normalizer *normalize.Normalizer
	guard      *quota.Guard
	tokens     *page.TokenCounter
	metrics    *metrics.Pipeline
	clock      func() time.Time
	log        *logrus.Entry

	pipeline   config.PipelineConfig
	extraction config.ExtractionConfig
	patterns   []*regexp.Regexp
}

// NewRunner builds a Runner from a validated configuration.
func NewRunner(cfg config.AppConfig, deps Deps) (*Runner, error) {
	if deps.Store == nil || deps.Fetcher == nil || deps.Extractor == nil {
		return nil, errors.New("runner needs a store, a fetcher and an extractor")
	}
	patterns, err := utils.CompileRegexPatterns(cfg.Pipeline.ContactLinkPatterns)
	if err != nil {
		return nil, fmt.Errorf("%w: contact_link_patterns: %w", utils.ErrConfigValidation, err)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Log
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	thresholds := quota.Thresholds{
		MaxRateLimited: cfg.Pipeline.MaxRateLimited,
		MaxIncomplete:  cfg.Pipeline.MaxIncomplete,
	}
	return &Runner{
		store:      deps.Store,
		fetcher:    deps.Fetcher,
		extractor:  deps.Extractor,
		normalizer: normalize.New(normalize.Options{CompanyFromName: cfg.Pipeline.CompanyFromNameFallback}),
		guard:      quota.NewGuard(thresholds, models.PlanFree, logger.WithField("component", "quota")),
		tokens:     deps.Tokens,
		metrics:    deps.Metrics,
		clock:      clock,
		log:        logger,
		pipeline:   cfg.Pipeline,
		extraction: cfg.Extraction,
		patterns:   patterns,
	}, nil
}

// taskRun is the in-memory state of one Run call.
type taskRun struct {
	taskID    string
	task      *models.Task // Last persisted copy
	job       *models.Job
	structure *models.Structure
	owner     string
	frontier  *scheduler.Frontier
	log       *logrus.Entry
}

// ended reports whether the last persisted copy is terminal or parked.
func (run *taskRun) ended() bool {
	return run.task.IsTerminal() || run.task.Status == models.TaskStatusPaused
}

// Run executes a task until it reaches a terminal state or is paused.
// Running a task that is already terminal, or held by another worker, is a
// no-op returning the stored task.
// Outcomes, including failures, are persisted on the task; an error is
// returned only when the task state itself could not be read or written.
func (r *Runner) Run(ctx context.Context, taskID, workerID string) (*models.Task, error) {
	task, err := r.store.GetTask(taskID)
	if err != nil {
		return nil, fmt.Errorf("loading task '%s': %w", taskID, err)
	}
	taskLog := log.ForTask(r.log, task).WithField("worker_id", workerID)
	if task.IsTerminal() {
		taskLog.Debugf("Task already %s, nothing to run", task.Status)
		return task, nil
	}
	if task.Status != models.TaskStatusPending && task.Status != models.TaskStatusPaused {
		taskLog.Warnf("Task is %s under worker '%s', ignoring duplicate delivery", task.Status, task.WorkerID)
		return task, nil
	}

	r.metrics.TaskStarted()
	defer r.metrics.TaskReturned()

	run := &taskRun{taskID: taskID, task: task, log: taskLog}
	if err := r.start(run, workerID); err != nil {
		return r.settle(run, err)
	}
	if run.ended() {
		return run.task, nil
	}
	if err := r.setup(run); err != nil {
		return r.settle(run, err)
	}
	if run.ended() {
		return run.task, nil
	}
	return r.settle(run, r.crawl(ctx, run))
}

// settle turns a store error into the Run result. A task ended elsewhere
// (watchdog, operator) is reported as its stored state.
func (r *Runner) settle(run *taskRun, err error) (*models.Task, error) {
	if err == nil {
		return run.task, nil
	}
	if errors.Is(err, utils.ErrTaskTerminal) {
		stored, getErr := r.store.GetTask(run.taskID)
		if getErr != nil {
			return nil, getErr
		}
		run.log.Infof("Task was ended concurrently: %s", stored.Status)
		return stored, nil
	}
	return run.task, err
}

// start moves the task into initializing, or back into crawling when resuming a
// paused task. The start time is reset on resume so the duration ceiling
// applies to the current run.
func (r *Runner) start(run *taskRun, workerID string) error {
	resumed := false
	err := r.mutate(run, func(tx storage.Txn, t *models.Task) error {
		t.WorkerID = workerID
		switch t.Status {
		case models.TaskStatusPending:
			t.Status = models.TaskStatusInitializing
			t.StartTime = tx.Now()
			t.CurrentStep = models.StepInitializing
		case models.TaskStatusPaused:
			t.Status = models.TaskStatusCrawling
			t.StartTime = tx.Now()
			t.CurrentStep = models.StepSelectingSite
			resumed = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if resumed {
		r.appendLog(run, models.LogAction, "Task resumed", nil)
	} else {
		r.appendLog(run, models.LogAction, "Task started", nil)
	}
	return nil
}

// setup loads the prerequisites of the crawl. A missing job, structure or owner
// fails the task.
func (r *Runner) setup(run *taskRun) error {
	job, err := r.store.GetJob(run.task.JobID)
	if err != nil {
		return r.failSetup(run, fmt.Errorf("loading job '%s': %w", run.task.JobID, err))
	}
	run.job = job
	if job.Control == models.ControlStop {
		return r.finish(run, models.TaskStatusStopped, models.StepStoppedByUser, "")
	}

	structure, err := r.store.GetStructure(job.StructureID)
	if errors.Is(err, utils.ErrNotFound) {
		return r.failSetup(run, fmt.Errorf("%w: '%s'", utils.ErrMissingStructure, job.StructureID))
	}
	if err != nil {
		return r.failSetup(run, fmt.Errorf("loading structure '%s': %w", job.StructureID, err))
	}
	run.structure = structure

	owner, err := r.resolveOwner(run)
	if err != nil {
		return r.failSetup(run, err)
	}
	run.owner = owner
	run.log = run.log.WithField("owner", owner)

	urls := job.CandidateURLs
	if limit := r.pipeline.MaxSites; limit > 0 && len(urls) > limit {
		run.log.Warnf("Job lists %d candidate sites, keeping the first %d", len(urls), limit)
		urls = urls[:limit]
	}
	if len(urls) == 0 {
		return r.finish(run, models.TaskStatusCompleted, models.StepNoSite, "")
	}
	sites, err := r.store.EnsureSites(structure.ID, urls)
	if err != nil {
		return r.failSetup(run, fmt.Errorf("loading candidate sites: %w", err))
	}

	policy := scheduler.Policy{MinSuccessRate: r.pipeline.MinSuccessRate, StalenessWindow: r.pipeline.StalenessWindow}
	caps := scheduler.Caps{PerSitePages: r.pipeline.PerSitePageCap, GlobalPages: r.pipeline.GlobalPageCap}
	run.frontier = scheduler.NewFrontier(sites, policy, caps, r.patterns, run.task.PagesExplored, run.log)
	run.frontier.Restore(run.task.Crawl)

	return r.mutate(run, func(_ storage.Txn, t *models.Task) error {
		t.Owner = owner
		t.Status = models.TaskStatusCrawling
		t.CurrentStep = models.StepSelectingSite
		return nil
	})
}

// resolveOwner picks the job owner, then the structure owner, then the
// configured system account.
func (r *Runner) resolveOwner(run *taskRun) (string, error) {
	switch {
	case run.job.Owner != "":
		return run.job.Owner, nil
	case run.structure.Owner != "":
		return run.structure.Owner, nil
	case r.pipeline.FallbackOwner != "":
		run.log.Warnf("Job has no owner, attributing leads to system account '%s'", r.pipeline.FallbackOwner)
		return r.pipeline.FallbackOwner, nil
	}
	return "", fmt.Errorf("%w: '%s'", utils.ErrMissingOwner, run.job.ID)
}

func (r *Runner) failSetup(run *taskRun, cause error) error {
	run.log.WithError(cause).Error("Task setup failed")
	return r.finish(run, models.TaskStatusFailed, models.StepSetupFailed, cause.Error())
}

// maxStoreFailures is how many pages in a row may be aborted by store errors
// before the task is failed.
const maxStoreFailures = 3

// crawl loops over pages until a stop condition holds. A store error aborts
// the page it happened on; the crawl goes on with the next candidate.
func (r *Runner) crawl(ctx context.Context, run *taskRun) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return r.interrupted(run)
		}
		stopped, err := r.checkControl(run)
		if err != nil {
			if err := r.storeFailure(run, &failures, err); err != nil || run.ended() {
				return err
			}
			continue
		}
		if stopped {
			return nil
		}

		target, reason := run.frontier.Next(r.clock())
		switch reason {
		case scheduler.StopNoSite:
			if run.frontier.Fetched() == 0 {
				return r.finish(run, models.TaskStatusCompleted, models.StepNoSite, "")
			}
			return r.finish(run, models.TaskStatusCompleted, models.StepCompleted(run.task.UniqueLeads), "")
		case scheduler.StopGlobalCap:
			return r.finish(run, models.TaskStatusCompleted, models.StepGlobalCap, "")
		}

		if err := r.processPage(ctx, run, target); err != nil {
			if err := r.storeFailure(run, &failures, err); err != nil {
				return err
			}
		} else {
			failures = 0
		}
		if run.ended() {
			return nil
		}
	}
}

// storeFailure absorbs a store error raised while working on a page. A task
// ended elsewhere is passed through. After maxStoreFailures in a row the task
// is failed with the cause; the error is returned only if even that write fails.
func (r *Runner) storeFailure(run *taskRun, failures *int, err error) error {
	if errors.Is(err, utils.ErrTaskTerminal) {
		return err
	}
	*failures++
	run.log.WithError(err).Warnf("Page aborted by a store error (%d in a row)", *failures)
	r.appendLog(run, models.LogWarning, "Page aborted", map[string]any{"error": utils.CategorizeError(err)})
	if *failures < maxStoreFailures {
		return nil
	}
	if ferr := r.finish(run, models.TaskStatusFailed, models.StepStoreFailed, err.Error()); ferr != nil {
		return fmt.Errorf("failing task after store error %q: %w", err.Error(), ferr)
	}
	return nil
}

// checkControl honours a stop or pause recorded on the job since the last page.
func (r *Runner) checkControl(run *taskRun) (bool, error) {
	job, err := r.store.GetJob(run.job.ID)
	if err != nil {
		return false, fmt.Errorf("polling job '%s': %w", run.job.ID, err)
	}
	run.job = job
	switch job.Control {
	case models.ControlStop:
		return true, r.finish(run, models.TaskStatusStopped, models.StepStoppedByUser, "")
	case models.ControlPause:
		return true, r.park(run, models.StepPaused)
	}
	return false, nil
}

// interrupted settles a task whose context was cancelled. The job's desired
// state tells a user stop from an operator pause; anything else is a worker
// shutdown and the task is parked for resumption.
func (r *Runner) interrupted(run *taskRun) error {
	job, err := r.store.GetJob(run.task.JobID)
	if err != nil {
		return fmt.Errorf("polling job '%s': %w", run.task.JobID, err)
	}
	switch job.Control {
	case models.ControlStop:
		return r.finish(run, models.TaskStatusStopped, models.StepStoppedByUser, "")
	case models.ControlPause:
		return r.park(run, models.StepPaused)
	}
	return r.park(run, models.StepInterrupted)
}

// processPage fetches, extracts and commits one page. Page-level problems are
// logged and only abort the page. Returned errors come from the store.
func (r *Runner) processPage(ctx context.Context, run *taskRun, target scheduler.Target) error {
	pageLog := run.log.WithField("url", target.URL)
	if err := r.heartbeat(run, models.TaskStatusCrawling, models.StepCrawling(target.URL)); err != nil {
		return err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.pipeline.FetchTimeout)
	fetched, fetchErr := r.fetcher.Fetch(fetchCtx, target.URL)
	cancel()
	if ctx.Err() != nil {
		run.frontier.Requeue(target)
		return nil
	}

	// A page without usable content is a failed attempt on the site
	var (
		content  *page.Content
		parseErr error
	)
	attemptErr := fetchErr
	if fetchErr == nil {
		content, parseErr = page.Parse(fetched.Body, fetched.URL, r.pipeline.MinContentLength)
		attemptErr = parseErr
	}

	if requestMade(fetchErr) {
		run.frontier.MarkFetched(target)
		if err := r.countPage(run); err != nil {
			return err
		}
		site, err := r.store.RecordSiteAttempt(run.structure.ID, target.Site.URL, attemptErr == nil,
			utils.CategorizeError(attemptErr), r.pipeline.RateLimitWindow)
		if err != nil {
			pageLog.WithError(err).Warn("Failed to record site attempt")
		} else {
			run.frontier.UpdateSite(site)
		}
	}
	if fetchErr != nil {
		category := utils.CategorizeError(fetchErr)
		r.metrics.Page(category, 0)
		pageLog.WithError(fetchErr).Warnf("Page skipped (%s)", category)
		r.appendLog(run, models.LogWarning, "Page skipped", map[string]any{"url": target.URL, "error": category})
		return nil
	}
	r.metrics.Page("ok", fetched.Duration)

	if content != nil {
		run.frontier.AddLinks(target, content.Links)
	}
	if parseErr != nil {
		pageLog.WithError(parseErr).Debug("Page has no usable content")
		r.appendLog(run, models.LogInfo, "Page has no usable content", map[string]any{
			"url": fetched.URL.String(), "error": utils.CategorizeError(parseErr),
		})
		return nil
	}

	if err := r.heartbeat(run, models.TaskStatusExtracting, models.StepExtracting(fetched.URL.String())); err != nil {
		return err
	}
	records := r.extract(ctx, run, content, pageLog)
	if ctx.Err() != nil || len(records) == 0 {
		return nil
	}

	if err := r.heartbeat(run, models.TaskStatusProcessing, models.StepProcessing(len(records))); err != nil {
		return err
	}
	for _, raw := range records {
		rec := r.normalizer.Normalize(raw)
		if isEmpty(rec) {
			continue
		}
		outcome, err := r.commitRecord(run, rec, fetched.URL.String(), target.Site.URL)
		if err != nil {
			return err
		}
		r.report(run, rec, outcome, pageLog)
		if run.ended() {
			return nil
		}
	}
	return nil
}

// requestMade reports whether a fetch error still means the site was contacted.
// Robots refusals and local resource limits never reached the site.
func requestMade(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, utils.ErrRobotsDisallowed),
		errors.Is(err, utils.ErrSemaphoreTimeout),
		errors.Is(err, utils.ErrRequestCreation),
		errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, utils.ErrParsing) && strings.Contains(err.Error(), "URL"):
		return false
	}
	return true
}

// extract runs the extractor over each input piece of the page. Published
// mailto addresses are appended so the extractor sees them even when the
// visible text does not spell them out.
func (r *Runner) extract(ctx context.Context, run *taskRun, content *page.Content, pageLog *logrus.Entry) []models.CandidateRecord {
	chunkCfg := page.ChunkConfig{
		MaxTokens: r.extraction.MaxInputTokens,
		Overlap:   r.extraction.MaxInputTokens / 10,
		MaxChunks: r.extraction.MaxChunks,
	}
	inputs, err := content.Inputs(r.tokens, r.extraction.MaxInputChars, chunkCfg)
	if err != nil {
		pageLog.WithError(err).Warn("Chunking failed, extracting from the start of the page")
		inputs = []string{utils.TruncateRunes(content.Markdown, r.extraction.MaxInputChars)}
	}
	if len(content.Emails) > 0 {
		suffix := "\n\nEmail addresses published on this page: " + strings.Join(content.Emails, ", ")
		for i := range inputs {
			inputs[i] += suffix
		}
	}

	var records []models.CandidateRecord
	for i, input := range inputs {
		if ctx.Err() != nil {
			return nil
		}
		extractCtx, cancel := context.WithTimeout(ctx, r.pipeline.ExtractionTimeout)
		started := time.Now()
		found, err := r.extractor.Extract(extractCtx, input, run.job.Objective, run.structure.Fields)
		cancel()
		r.metrics.Extraction(time.Since(started), err)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			pageLog.WithError(err).Warnf("Extraction failed on piece %d/%d", i+1, len(inputs))
			r.appendLog(run, models.LogWarning, "Extraction failed", map[string]any{
				"url": content.URL, "error": utils.CategorizeError(err),
			})
			continue
		}
		records = append(records, found...)
	}
	pageLog.Debugf("Extracted %d candidate records from %d input pieces", len(records), len(inputs))
	return records
}

func isEmpty(rec normalize.Record) bool {
	for _, v := range rec.Fields {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// mutate applies fn to the stored task in one transaction and keeps run.task current.
func (r *Runner) mutate(run *taskRun, fn func(tx storage.Txn, t *models.Task) error) error {
	var updated *models.Task
	err := r.store.Update(func(tx storage.Txn) error {
		t, err := tx.GetTask(run.taskID)
		if err != nil {
			return err
		}
		if t.IsTerminal() {
			return fmt.Errorf("%w: task '%s' is %s", utils.ErrTaskTerminal, t.ID, t.Status)
		}
		if err := fn(tx, t); err != nil {
			return err
		}
		r.snapshot(run, t)
		if err := tx.PutTask(t); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return err
	}
	run.task = updated
	return nil
}

// snapshot stores the frontier on a live task so a resume continues where it
// stopped. The store drops it once the task is terminal.
func (r *Runner) snapshot(run *taskRun, t *models.Task) {
	if run.frontier != nil && !t.IsTerminal() {
		t.Crawl = run.frontier.Progress()
	}
}

// heartbeat records progress and refreshes last_activity.
func (r *Runner) heartbeat(run *taskRun, status models.TaskStatus, step string) error {
	return r.mutate(run, func(_ storage.Txn, t *models.Task) error {
		t.Status = status
		t.CurrentStep = step
		return nil
	})
}

func (r *Runner) countPage(run *taskRun) error {
	return r.mutate(run, func(_ storage.Txn, t *models.Task) error {
		t.PagesExplored = max(t.PagesExplored, run.frontier.Fetched())
		return nil
	})
}

// finish moves the task into a terminal state.
func (r *Runner) finish(run *taskRun, status models.TaskStatus, step, errMsg string) error {
	err := r.mutate(run, func(_ storage.Txn, t *models.Task) error {
		t.Status = status
		t.CurrentStep = step
		t.ErrorMessage = errMsg
		return nil
	})
	if err != nil {
		return err
	}
	r.announce(run)
	return nil
}

// park leaves the task resumable in paused.
func (r *Runner) park(run *taskRun, step string) error {
	if err := r.heartbeat(run, models.TaskStatusPaused, step); err != nil {
		return err
	}
	run.log.Infof("Task paused: %s", step)
	r.appendLog(run, models.LogAction, step, nil)
	return nil
}

// announce logs and counts a terminal transition already persisted on run.task.
func (r *Runner) announce(run *taskRun) {
	t := run.task
	r.metrics.TaskFinished(string(t.Status))
	fields := logrus.Fields{
		"status":       t.Status,
		"step":         t.CurrentStep,
		"pages":        t.PagesExplored,
		"unique_leads": t.UniqueLeads,
		"duplicates":   t.DuplicateLeads,
		"rate_limited": t.RateLimitedLeads,
		"incomplete":   t.IncompleteLeads,
		"duration":     t.Duration().Round(time.Millisecond),
	}
	details := map[string]any{
		"pages_explored": t.PagesExplored,
		"unique_leads":   t.UniqueLeads,
		"leads_found":    t.LeadsFound,
	}
	switch t.Status {
	case models.TaskStatusFailed:
		run.log.WithFields(fields).Errorf("Task failed: %s", t.ErrorMessage)
		details["error"] = t.ErrorMessage
		r.appendLog(run, models.LogError, "Task failed", details)
	case models.TaskStatusStopped:
		run.log.WithFields(fields).Info("Task stopped")
		r.appendLog(run, models.LogAction, t.CurrentStep, details)
	default:
		run.log.WithFields(fields).Info("Task completed")
		r.appendLog(run, models.LogSuccess, t.CurrentStep, details)
	}
}

func (r *Runner) appendLog(run *taskRun, logType models.LogType, msg string, details map[string]any) {
	if err := r.store.AppendLog(run.taskID, logType, msg, details); err != nil {
		run.log.WithError(err).Warn("Failed to append task log")
	}
}
