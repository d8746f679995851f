package storage

import (
	"context"
	"time"

	"github.com/leadforge/lead-scraper/pkg/models"
)

// Txn is the typed view of one read-write transaction.
// Everything done through a Txn commits together or not at all.
type Txn interface {
	// Now returns the store clock, identical for every call inside one attempt
	Now() time.Time

	GetJob(jobID string) (*models.Job, error)
	PutJob(job *models.Job) error

	// GetTask returns utils.ErrNotFound for unknown ids
	GetTask(taskID string) (*models.Task, error)

	// PutTask persists a task and synchronizes its parent Job in the same transaction.
	// Returns utils.ErrTaskTerminal if the stored task is already terminal and
	// utils.ErrInvalidState if the status change is not an allowed transition.
	PutTask(task *models.Task) error

	GetStructure(structureID string) (*models.Structure, error)
	PutStructure(structure *models.Structure) error

	// GetQuota returns utils.ErrNotFound when the owner has no profile yet
	GetQuota(owner string) (*models.QuotaProfile, error)
	PutQuota(profile *models.QuotaProfile) error

	// FindLeadByCompany looks up the lead created for an exact (owner, company) pair
	FindLeadByCompany(owner, company string) (leadID string, found bool, err error)

	// PutLead inserts a new lead and indexes it by owner and company
	PutLead(lead *models.Lead) error

	PutResult(result *models.ScrapingResult) error

	GetSite(structureID, siteURL string) (*models.ScrapedSite, error)
	PutSite(site *models.ScrapedSite) error
}

// JobStore handles job and task lifecycle state.
type JobStore interface {
	// CreateJob persists a new job together with its first pending task
	CreateJob(job *models.Job, task *models.Task) error

	// CreateTask adds a new attempt to an existing job.
	// Returns utils.ErrActiveTask if the job still has a non-terminal task.
	CreateTask(jobID string, task *models.Task) error

	GetJob(jobID string) (*models.Job, error)
	GetTask(taskID string) (*models.Task, error)

	// ListJobs returns jobs in creation order, optionally restricted to one owner
	ListJobs(ctx context.Context, owner string) ([]*models.Job, error)

	// ListTasks returns every task accepted by the filter (nil = all)
	ListTasks(ctx context.Context, filter func(*models.Task) bool) ([]*models.Task, error)

	// ListJobTasks returns the attempts of one job, oldest first
	ListJobTasks(ctx context.Context, jobID string) ([]*models.Task, error)

	// UpdateTask applies fn to the stored task inside one transaction
	UpdateTask(taskID string, fn func(task *models.Task) error) (*models.Task, error)

	// SetJobControl records the desired state the running task must honour
	SetJobControl(jobID string, signal models.ControlSignal) (*models.Job, error)

	// PurgeTasksBefore deletes terminal tasks completed before cutoff, with their results and logs
	PurgeTasksBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// LeadStore handles structures, results and leads.
type LeadStore interface {
	PutStructure(structure *models.Structure) error
	GetStructure(structureID string) (*models.Structure, error)
	GetLead(leadID string) (*models.Lead, error)

	// ListLeads returns an owner's leads, newest first; limit <= 0 means no limit
	ListLeads(ctx context.Context, owner string, limit int) ([]*models.Lead, error)

	ListResults(ctx context.Context, taskID string) ([]*models.ScrapingResult, error)
}

// SiteStore handles per-site crawl bookkeeping.
type SiteStore interface {
	// EnsureSites returns the bookkeeping rows for the given URLs, creating missing ones
	EnsureSites(structureID string, urls []string) ([]*models.ScrapedSite, error)

	// RecordSiteAttempt atomically folds one fetch outcome into the site's statistics
	RecordSiteAttempt(structureID, siteURL string, success bool, errMsg string, rateLimitWindow time.Duration) (*models.ScrapedSite, error)
}

// QuotaStore handles owner quota profiles.
type QuotaStore interface {
	GetQuota(owner string) (*models.QuotaProfile, error)

	// PutQuota overwrites a profile; reserved for the billing side and seeding
	PutQuota(profile *models.QuotaProfile) error

	// EnsureQuota stores the profile only if the owner has none. Returns true if stored.
	EnsureQuota(profile *models.QuotaProfile) (bool, error)
}

// LogStore handles user-visible task logs.
type LogStore interface {
	AppendLog(taskID string, logType models.LogType, message string, details map[string]any) error
	ListLogs(ctx context.Context, taskID string) ([]*models.ScrapingLog, error)
}

// StoreAdmin handles lifecycle and administrative operations.
type StoreAdmin interface {
	// Update runs fn in a read-write transaction, retrying on conflicts
	Update(fn func(tx Txn) error) error

	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}

// Store combines all store interfaces for components that need full access.
type Store interface {
	JobStore
	LeadStore
	SiteStore
	QuotaStore
	LogStore
	StoreAdmin
}
