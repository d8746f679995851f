package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/leadforge/lead-scraper/pkg/config"
	"github.com/leadforge/lead-scraper/pkg/jobs"
	"github.com/leadforge/lead-scraper/pkg/log"
	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/storage"
	"github.com/leadforge/lead-scraper/pkg/utils"
	"github.com/leadforge/lead-scraper/pkg/watch"
)

func newFlagSet(name, summary string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lead-scraper %s [options]\n\n%s\n\nOptions:\n", name, summary)
		fs.PrintDefaults()
	}
	return fs
}

// commonFlags are shared by every command touching the state directory.
type commonFlags struct {
	config   *string
	logLevel *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		config:   fs.String("config", "config.yaml", "Path to config file"),
		logLevel: fs.String("loglevel", "warn", "Log level (debug, info, warn, error, fatal)"),
	}
}

// jobFlags describe a job on the command line.
type jobFlags struct {
	owner     *string
	name      *string
	structure *string
	objective *string
	urls      *string
	leads     *int
	priority  *int
}

func addJobFlags(fs *flag.FlagSet) jobFlags {
	return jobFlags{
		owner:     fs.String("owner", "", "Account the leads are attributed to (default: the structure owner)"),
		name:      fs.String("name", "", "Display name of the job"),
		structure: fs.String("structure", "", "Structure ID (required)"),
		objective: fs.String("objective", "", "Free-text search intent passed to the extractor"),
		urls:      fs.String("urls", "", "Comma-separated candidate site URLs"),
		leads:     fs.Int("leads", 10, "Number of unique leads to collect"),
		priority:  fs.Int("priority", jobs.DefaultPriority, "1 (high) to 3 (low)"),
	}
}

func (f jobFlags) request() jobs.Request {
	var urls []string
	if *f.urls != "" {
		urls = strings.Split(*f.urls, ",")
	}
	return jobs.Request{
		Owner:          *f.owner,
		Name:           *f.name,
		StructureID:    *f.structure,
		Objective:      *f.objective,
		CandidateURLs:  urls,
		LeadsRequested: *f.leads,
		Priority:       *f.priority,
	}
}

// deferredDispatch leaves submitted tasks pending in the store.
// The next worker requeues them on startup.
type deferredDispatch struct{}

func (deferredDispatch) Submit(context.Context, string, int) error { return nil }

// offline is a store opened by a short-lived command, with a manager whose
// dispatches are deferred to the next worker.
type offline struct {
	cfg     *config.AppConfig
	store   *storage.BadgerStore
	manager *jobs.Manager
}

func openOffline(configPath string, logger *logrus.Logger) (*offline, error) {
	cfg, err := loadAndValidateConfig(configPath, logger)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &offline{
		cfg:     cfg,
		store:   store,
		manager: jobs.NewManager(store, deferredDispatch{}, log.Component(logger, "jobs")),
	}, nil
}

func (o *offline) Close() { o.store.Close() }

// runWorker handles the worker subcommand.
func runWorker(args []string) {
	fs := newFlagSet("worker", "Run the worker pool with the watchdog and maintenance.\n"+
		"With a broker configured the worker consumes until interrupted; with the\n"+
		"in-process queue it processes every interrupted or pending task and exits.")
	common := addCommonFlags(fs)
	workers := fs.Int("workers", 0, "Override num_workers from the config")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doWorker(*common.config, *common.logLevel, *workers, os.Stderr))
}

func doWorker(configPath, logLevel string, workers int, logOut io.Writer) int {
	logger := setupLogger(logLevel, logOut)
	cfg, err := loadAndValidateConfig(configPath, logger)
	if err != nil {
		logger.Errorf("Config error: %v", err)
		return 1
	}
	if workers > 0 {
		cfg.NumWorkers = workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopSignals := handleSignals(cancel, logger)
	defer stopSignals()

	svc, err := newServices(cfg, logger, false)
	if err != nil {
		logger.Errorf("Failed to initialize worker: %v", err)
		return 1
	}
	defer svc.Close()

	stopBackground, err := svc.background(ctx)
	if err != nil {
		logger.Errorf("Failed to start maintenance: %v", err)
		return 1
	}
	defer stopBackground()

	if _, err := svc.manager.RequeueInterrupted(ctx); err != nil {
		logger.Errorf("Requeue failed: %v", err)
		return 1
	}
	if svc.local() {
		svc.queue.Close() // Drain what was requeued, then exit
	}
	if _, err := svc.work(ctx); err != nil {
		logger.Errorf("Worker pool error: %v", err)
		return 1
	}
	logger.Info("Worker stopped")
	return 0
}

// runRun handles the run subcommand.
func runRun(args []string) {
	fs := newFlagSet("run", "Submit one job and process it in the foreground with the in-process queue.")
	common := addCommonFlags(fs)
	job := addJobFlags(fs)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doRun(*common.config, *common.logLevel, job.request(), os.Stdout, os.Stderr))
}

func doRun(configPath, logLevel string, req jobs.Request, stdout, logOut io.Writer) int {
	logger := setupLogger(logLevel, logOut)
	cfg, err := loadAndValidateConfig(configPath, logger)
	if err != nil {
		logger.Errorf("Config error: %v", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopSignals := handleSignals(cancel, logger)
	defer stopSignals()

	svc, err := newServices(cfg, logger, true)
	if err != nil {
		logger.Errorf("Failed to initialize worker: %v", err)
		return 1
	}
	defer svc.Close()

	job, _, err := svc.manager.Submit(ctx, req)
	if err != nil {
		fmt.Fprintf(logOut, "Error: %v\n", err)
		return 1
	}
	svc.queue.Close()

	stopBackground, err := svc.background(ctx)
	if err != nil {
		logger.Errorf("Failed to start maintenance: %v", err)
		return 1
	}
	defer stopBackground()

	if _, err := svc.work(ctx); err != nil {
		logger.Errorf("Worker pool error: %v", err)
		return 1
	}

	st, err := svc.manager.Status(context.Background(), job.ID)
	if err != nil {
		fmt.Fprintf(logOut, "Error: %v\n", err)
		return 1
	}
	printStatus(stdout, st)
	if st.Job.Status == models.JobStatusFailed {
		return 1
	}
	return 0
}

// runSubmit handles the submit subcommand.
func runSubmit(args []string) {
	fs := newFlagSet("submit", "Persist a job. The next worker started on this state directory runs it.")
	common := addCommonFlags(fs)
	job := addJobFlags(fs)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doSubmit(*common.config, *common.logLevel, job.request(), os.Stdout, os.Stderr))
}

func doSubmit(configPath, logLevel string, req jobs.Request, stdout, stderr io.Writer) int {
	o, err := openOffline(configPath, setupLogger(logLevel, stderr))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer o.Close()

	job, task, err := o.manager.Submit(context.Background(), req)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Job submitted: %s\n", job.ID)
	fmt.Fprintf(stdout, "  Task: %s\n", task.ID)
	fmt.Fprintf(stdout, "  Name: %s\n", job.Name)
	fmt.Fprintf(stdout, "  Leads requested: %d, candidate sites: %d, priority: %d\n",
		job.LeadsRequested, len(job.CandidateURLs), job.Priority)
	return 0
}

// runStatus handles the status subcommand.
func runStatus(args []string) {
	fs := newFlagSet("status", "Show a job and its active task, or list jobs when -job is omitted.")
	common := addCommonFlags(fs)
	jobID := fs.String("job", "", "Job ID")
	owner := fs.String("owner", "", "Only list jobs of this account")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doStatus(*common.config, *common.logLevel, *jobID, *owner, os.Stdout, os.Stderr))
}

func doStatus(configPath, logLevel, jobID, owner string, stdout, stderr io.Writer) int {
	o, err := openOffline(configPath, setupLogger(logLevel, stderr))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer o.Close()

	if jobID != "" {
		st, err := o.manager.Status(context.Background(), jobID)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		printStatus(stdout, st)
		return 0
	}

	list, err := o.manager.List(context.Background(), owner)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tNAME\tOWNER\tSTATUS\tLEADS\tCREATED")
	for _, job := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n", job.ID, job.Name, job.Owner, job.Status,
			job.LeadsFound, job.LeadsRequested, job.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()
	fmt.Fprintf(stdout, "\n%d jobs\n", len(list))
	return 0
}

func printStatus(w io.Writer, st *jobs.Status) {
	job := st.Job
	fmt.Fprintf(w, "Job %s (%s)\n", job.ID, job.Name)
	fmt.Fprintf(w, "  Status: %s\n", job.Status)
	if job.Control != models.ControlNone {
		fmt.Fprintf(w, "  Control: %s\n", job.Control)
	}
	fmt.Fprintf(w, "  Leads: %d/%d\n", job.LeadsFound, job.LeadsRequested)
	task := st.Task
	if task == nil {
		return
	}
	fmt.Fprintf(w, "  Task %s: %s, %d%%\n", task.ID, task.Status, st.Progress)
	fmt.Fprintf(w, "    Step: %s\n", task.CurrentStep)
	fmt.Fprintf(w, "    Pages: %d, unique: %d, duplicates: %d, rate limited: %d, incomplete: %d\n",
		task.PagesExplored, task.UniqueLeads, task.DuplicateLeads, task.RateLimitedLeads, task.IncompleteLeads)
	fmt.Fprintf(w, "    Duration: %s\n", watch.FormatInterval(st.Duration))
	if task.ErrorMessage != "" {
		fmt.Fprintf(w, "    Error: %s\n", task.ErrorMessage)
	}
}

// runControl handles the stop, pause and resume subcommands.
func runControl(action string, args []string) {
	fs := newFlagSet(action, fmt.Sprintf("%s a job.", strings.ToUpper(action[:1])+action[1:]))
	common := addCommonFlags(fs)
	jobID := fs.String("job", "", "Job ID (required)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doControl(*common.config, *common.logLevel, action, *jobID, os.Stdout, os.Stderr))
}

func doControl(configPath, logLevel, action, jobID string, stdout, stderr io.Writer) int {
	if jobID == "" {
		fmt.Fprintln(stderr, "Error: -job is required")
		return 1
	}
	o, err := openOffline(configPath, setupLogger(logLevel, stderr))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer o.Close()

	var job *models.Job
	switch action {
	case "stop":
		job, err = o.manager.Stop(jobID)
	case "pause":
		job, err = o.manager.Pause(jobID)
	case "resume":
		job, err = o.manager.Resume(context.Background(), jobID)
	case "restart":
		job, _, err = o.manager.Restart(context.Background(), jobID)
	default:
		err = fmt.Errorf("unknown action '%s'", action)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, utils.ErrTaskTerminal) || errors.Is(err, utils.ErrActiveTask) {
			return 2
		}
		return 1
	}
	fmt.Fprintf(stdout, "Job %s: %s requested, status %s\n", job.ID, action, job.Status)
	return 0
}

// runLeads handles the leads subcommand.
func runLeads(args []string) {
	fs := newFlagSet("leads", "List an account's leads, newest first.")
	common := addCommonFlags(fs)
	owner := fs.String("owner", "", "Account owning the leads (required)")
	limit := fs.Int("limit", 50, "Maximum number of leads (0 = all)")
	asJSON := fs.Bool("json", false, "Print leads as JSON lines")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doLeads(*common.config, *common.logLevel, *owner, *limit, *asJSON, os.Stdout, os.Stderr))
}

func doLeads(configPath, logLevel, owner string, limit int, asJSON bool, stdout, stderr io.Writer) int {
	if owner == "" {
		fmt.Fprintln(stderr, "Error: -owner is required")
		return 1
	}
	o, err := openOffline(configPath, setupLogger(logLevel, stderr))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer o.Close()

	leads, err := o.store.ListLeads(context.Background(), owner, limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if asJSON {
		enc := json.NewEncoder(stdout)
		for _, lead := range leads {
			if err := enc.Encode(lead); err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
		}
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COMPANY\tNAME\tEMAIL\tPHONE\tCOMPLETE\tSOURCE")
	for _, lead := range leads {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", lead.Company, lead.Name, lead.Email, lead.Phone, lead.IsComplete, lead.SourceURL)
	}
	w.Flush()
	fmt.Fprintf(stdout, "\n%d leads\n", len(leads))
	return 0
}

// runQuota handles the quota subcommand.
func runQuota(args []string) {
	fs := newFlagSet("quota", "Show an account's quota profile, or change its plan.")
	common := addCommonFlags(fs)
	owner := fs.String("owner", "", "Account (required)")
	plan := fs.String("plan", "", "Switch the account to this plan (free, classic, premium, lifetime)")
	leadsQuota := fs.Int("leads-quota", -1, "Override the daily lead quota (-1 = plan default)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doQuota(*common.config, *common.logLevel, *owner, *plan, *leadsQuota, os.Stdout, os.Stderr))
}

func doQuota(configPath, logLevel, owner, plan string, leadsQuota int, stdout, stderr io.Writer) int {
	if owner == "" {
		fmt.Fprintln(stderr, "Error: -owner is required")
		return 1
	}
	if plan != "" && !models.PlanRole(plan).IsValid() {
		fmt.Fprintf(stderr, "Error: unknown plan '%s'\n", plan)
		return 1
	}
	o, err := openOffline(configPath, setupLogger(logLevel, stderr))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer o.Close()

	now := time.Now()
	profile, err := o.store.GetQuota(owner)
	switch {
	case errors.Is(err, utils.ErrNotFound) && plan != "":
		profile = models.NewQuotaProfile(owner, models.PlanRole(plan), now)
	case err != nil:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if plan != "" || leadsQuota >= 0 {
		if plan != "" {
			fresh := models.NewQuotaProfile(owner, models.PlanRole(plan), now)
			profile.Plan = fresh.Plan
			profile.LeadsQuota = fresh.LeadsQuota
			profile.UnlimitedLeads = fresh.UnlimitedLeads
		}
		if leadsQuota >= 0 {
			profile.LeadsQuota = leadsQuota
		}
		if err := o.store.PutQuota(profile); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Updated quota profile of %s\n", owner)
	}

	view := *profile
	view.ResetIfNewDay(now)
	fmt.Fprintf(stdout, "Account %s\n", view.Owner)
	fmt.Fprintf(stdout, "  Plan: %s\n", view.Plan)
	if view.UnlimitedLeads {
		fmt.Fprintf(stdout, "  Leads today: %d (unlimited)\n", view.LeadsUsed)
	} else {
		fmt.Fprintf(stdout, "  Leads today: %d/%d (%d remaining)\n", view.LeadsUsed, view.LeadsQuota, view.Remaining())
	}
	fmt.Fprintf(stdout, "  Rate limited: %d, incomplete: %d\n", view.RateLimitedLeads, view.IncompleteLeads)
	if view.TrialExpiration != nil {
		state := "active"
		if view.TrialExpired(now) {
			state = "expired"
		}
		fmt.Fprintf(stdout, "  Trial: %s (%s)\n", view.TrialExpiration.Format("2006-01-02"), state)
	}
	return 0
}

// runPurge handles the purge subcommand.
func runPurge(args []string) {
	fs := newFlagSet("purge", "Delete finished tasks, with their logs and results, older than a retention window.")
	common := addCommonFlags(fs)
	olderThan := fs.String("older-than", "", "Retention window (e.g. 36h, 7d; default: watchdog.retention)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doPurge(*common.config, *common.logLevel, *olderThan, os.Stdout, os.Stderr))
}

func doPurge(configPath, logLevel, olderThan string, stdout, stderr io.Writer) int {
	logger := setupLogger(logLevel, stderr)
	o, err := openOffline(configPath, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer o.Close()

	cfg := o.cfg.Watchdog
	if olderThan != "" {
		if cfg.Retention, err = watch.ParseInterval(olderThan); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	maintenance, err := watch.NewMaintenance(o.store, cfg, log.Component(logger, "maintenance"))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	n, err := maintenance.Purge(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Purged %d tasks finished more than %s ago\n", n, watch.FormatInterval(cfg.Retention))
	return 0
}
