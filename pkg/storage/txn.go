package storage

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

// badgerTxn implements Txn over a badger transaction.
type badgerTxn struct {
	txn *badger.Txn
	now time.Time
}

func jobKey(jobID string) string   { return jobKeyPrefix + jobID }
func taskKey(taskID string) string { return taskKeyPrefix + taskID }
func jobTaskKey(jobID, taskID string) string {
	return jobTaskKeyPrefix + jobID + "|" + taskID
}
func structureKey(id string) string { return structureKeyPrefix + id }
func leadKey(leadID string) string  { return leadKeyPrefix + leadID }
func quotaKey(owner string) string  { return quotaKeyPrefix + owner }
func resultKey(taskID, resultID string) string {
	return resultKeyPrefix + taskID + "|" + resultID
}
func siteKey(structureID, siteURL string) string {
	return siteKeyPrefix + structureID + "|" + siteURL
}
func companyKey(owner, company string) string {
	return companyKeyPrefix + utils.CompanyIndexKey(owner, company)
}
func ownerLeadKey(lead *models.Lead) string {
	return fmt.Sprintf("%s%s|%020d|%s", ownerLeadKeyPrefix, lead.Owner, lead.CreatedAt.UnixNano(), lead.ID)
}

func (t *badgerTxn) Now() time.Time { return t.now }

func (t *badgerTxn) GetJob(jobID string) (*models.Job, error) {
	var job models.Job
	if err := getJSON(t.txn, jobKey(jobID), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (t *badgerTxn) PutJob(job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job without id", utils.ErrDatabase)
	}
	job.UpdatedAt = t.now
	return putJSON(t.txn, jobKey(job.ID), job)
}

func (t *badgerTxn) GetTask(taskID string) (*models.Task, error) {
	var task models.Task
	if err := getJSON(t.txn, taskKey(taskID), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (t *badgerTxn) PutTask(task *models.Task) error {
	if task.ID == "" || task.JobID == "" {
		return fmt.Errorf("%w: task needs id and job_id", utils.ErrDatabase)
	}
	stored, err := t.GetTask(task.ID)
	switch {
	case err == nil:
		if stored.IsTerminal() {
			return fmt.Errorf("%w: task '%s' is %s", utils.ErrTaskTerminal, task.ID, stored.Status)
		}
		if !stored.Status.CanTransition(task.Status) {
			return fmt.Errorf("%w: task '%s' %s -> %s", utils.ErrInvalidState, task.ID, stored.Status, task.Status)
		}
	case errors.Is(err, utils.ErrNotFound):
		if err := t.txn.Set([]byte(jobTaskKey(task.JobID, task.ID)), []byte{}); err != nil {
			return fmt.Errorf("%w: indexing task '%s': %w", utils.ErrDatabase, task.ID, err)
		}
	default:
		return err
	}

	task.LastActivity = t.now
	if task.IsTerminal() {
		task.Crawl = nil // Nothing left to resume
		if task.CompletionTime == nil {
			completed := t.now
			task.CompletionTime = &completed
		}
	}
	if err := putJSON(t.txn, taskKey(task.ID), task); err != nil {
		return err
	}

	job, err := t.GetJob(task.JobID)
	if err != nil {
		return fmt.Errorf("syncing job for task '%s': %w", task.ID, err)
	}
	job.Status = task.Status.JobStatus()
	job.LeadsFound = task.UniqueLeads
	if task.IsTerminal() {
		job.ActiveTaskID = ""
		job.Control = models.ControlNone
		job.CompletedAt = task.CompletionTime
	} else {
		job.ActiveTaskID = task.ID
		job.CompletedAt = nil
	}
	return t.PutJob(job)
}

func (t *badgerTxn) GetStructure(structureID string) (*models.Structure, error) {
	var structure models.Structure
	if err := getJSON(t.txn, structureKey(structureID), &structure); err != nil {
		return nil, err
	}
	return &structure, nil
}

func (t *badgerTxn) PutStructure(structure *models.Structure) error {
	if structure.ID == "" {
		return fmt.Errorf("%w: structure without id", utils.ErrDatabase)
	}
	return putJSON(t.txn, structureKey(structure.ID), structure)
}

func (t *badgerTxn) GetQuota(owner string) (*models.QuotaProfile, error) {
	var profile models.QuotaProfile
	if err := getJSON(t.txn, quotaKey(owner), &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (t *badgerTxn) PutQuota(profile *models.QuotaProfile) error {
	if profile.Owner == "" {
		return fmt.Errorf("%w: quota profile without owner", utils.ErrDatabase)
	}
	return putJSON(t.txn, quotaKey(profile.Owner), profile)
}

func (t *badgerTxn) FindLeadByCompany(owner, company string) (string, bool, error) {
	if company == "" {
		return "", false, nil
	}
	item, err := t.txn.Get([]byte(companyKey(owner, company)))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: reading company index: %w", utils.ErrDatabase, err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", false, fmt.Errorf("%w: reading company index value: %w", utils.ErrDatabase, err)
	}
	return string(val), true, nil
}

func (t *badgerTxn) PutLead(lead *models.Lead) error {
	if lead.ID == "" || lead.Owner == "" {
		return fmt.Errorf("%w: lead needs id and owner", utils.ErrDatabase)
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = t.now
	}
	lead.UpdatedAt = t.now
	if err := putJSON(t.txn, leadKey(lead.ID), lead); err != nil {
		return err
	}
	if err := t.txn.Set([]byte(ownerLeadKey(lead)), []byte(lead.ID)); err != nil {
		return fmt.Errorf("%w: indexing lead '%s' by owner: %w", utils.ErrDatabase, lead.ID, err)
	}
	if lead.Company != "" {
		if err := t.txn.Set([]byte(companyKey(lead.Owner, lead.Company)), []byte(lead.ID)); err != nil {
			return fmt.Errorf("%w: indexing lead '%s' by company: %w", utils.ErrDatabase, lead.ID, err)
		}
	}
	return nil
}

func (t *badgerTxn) PutResult(result *models.ScrapingResult) error {
	if result.ID == "" || result.TaskID == "" {
		return fmt.Errorf("%w: result needs id and task_id", utils.ErrDatabase)
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = t.now
	}
	return putJSON(t.txn, resultKey(result.TaskID, result.ID), result)
}

func (t *badgerTxn) GetSite(structureID, siteURL string) (*models.ScrapedSite, error) {
	var site models.ScrapedSite
	if err := getJSON(t.txn, siteKey(structureID, siteURL), &site); err != nil {
		return nil, err
	}
	return &site, nil
}

func (t *badgerTxn) PutSite(site *models.ScrapedSite) error {
	if site.URL == "" || site.StructureID == "" {
		return fmt.Errorf("%w: site needs url and structure_id", utils.ErrDatabase)
	}
	if site.CreatedAt.IsZero() {
		site.CreatedAt = t.now
	}
	site.UpdatedAt = t.now
	return putJSON(t.txn, siteKey(site.StructureID, site.URL), site)
}
