package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/leadforge/lead-scraper/pkg/dedup"
	"github.com/leadforge/lead-scraper/pkg/metrics"
	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/normalize"
	"github.com/leadforge/lead-scraper/pkg/quota"
	"github.com/leadforge/lead-scraper/pkg/storage"
	"github.com/leadforge/lead-scraper/pkg/utils"
	"github.com/leadforge/lead-scraper/pkg/validate"
)

// recordOutcome is what happened to one candidate record.
type recordOutcome struct {
	kind   string // One of the metrics.Record* values
	leadID string // Created lead, or the existing one for duplicates
	reason validate.Reason
	missed []string
}

// commitRecord validates, deduplicates, charges quota and persists one record
// in a single transaction, together with the task counters and any terminal
// transition they trigger. The transaction is retried on conflict, so the
// quota check and the lead creation always see the same profile.
func (r *Runner) commitRecord(run *taskRun, rec normalize.Record, sourceURL, siteURL string) (recordOutcome, error) {
	var (
		outcome recordOutcome
		updated *models.Task
	)
	err := r.store.Update(func(tx storage.Txn) error {
		outcome = recordOutcome{}
		now := tx.Now()
		t, err := tx.GetTask(run.taskID)
		if err != nil {
			return err
		}
		if t.IsTerminal() {
			return fmt.Errorf("%w: task '%s' is %s", utils.ErrTaskTerminal, t.ID, t.Status)
		}
		t.LeadsFound++

		result := &models.ScrapingResult{
			ID:        uuid.NewString(),
			TaskID:    t.ID,
			SourceURL: sourceURL,
			Data:      rec.Fields,
			CreatedAt: now,
		}

		assessment := validate.Assess(rec, run.structure.Fields)
		outcome.missed = assessment.MissingFields
		switch {
		case !assessment.Accept:
			profile, err := r.guard.Load(tx, run.owner, now)
			if err != nil {
				return err
			}
			quota.RecordIncomplete(profile, &t.TaskCounters)
			if err := tx.PutQuota(profile); err != nil {
				return err
			}
			outcome.reason = assessment.Reason
			outcome.kind = metrics.RecordRejected
			if assessment.Reason == validate.ReasonMissingEmail {
				outcome.kind = metrics.RecordIncomplete
			}
			result.IsProcessed = true

		default:
			company := rec.Get(normalize.SlotCompany)
			dup, existingID, err := dedup.IsDuplicate(tx, run.owner, company)
			if err != nil {
				return err
			}
			if dup {
				t.DuplicateLeads++
				result.IsDuplicate = true
				result.IsProcessed = true
				result.LeadID = existingID
				outcome.kind = metrics.RecordDuplicate
				outcome.leadID = existingID
				break
			}

			profile, err := r.guard.Load(tx, run.owner, now)
			if err != nil {
				return err
			}
			if !quota.CanCreate(profile, now) {
				quota.RecordRateLimited(profile, &t.TaskCounters)
				if err := tx.PutQuota(profile); err != nil {
					return err
				}
				outcome.kind = metrics.RecordRateLimited
				t.Status = models.TaskStatusCompleted
				t.CurrentStep = models.StepQuotaReached
				break
			}

			lead := r.buildLead(run, rec, assessment, result, now)
			if err := tx.PutLead(lead); err != nil {
				return err
			}
			quota.AfterCreate(profile, now)
			if err := tx.PutQuota(profile); err != nil {
				return err
			}
			if err := bumpStats(tx, run.structure.ID, siteURL, now); err != nil {
				return err
			}
			t.UniqueLeads++
			result.IsProcessed = true
			result.LeadID = lead.ID
			outcome.kind = metrics.RecordCreated
			outcome.leadID = lead.ID
		}

		if err := tx.PutResult(result); err != nil {
			return err
		}

		if !t.IsTerminal() {
			if stop, why := r.guard.ShouldTerminate(t.TaskCounters); stop {
				run.log.Warnf("Circuit breaker tripped: %s", why)
				t.Status = models.TaskStatusCompleted
				t.CurrentStep = models.StepBreaker
			} else if quota.TargetReached(t.TaskCounters, run.job.LeadsRequested) {
				t.Status = models.TaskStatusCompleted
				t.CurrentStep = models.StepTargetReached
			}
		}
		r.snapshot(run, t)
		if err := tx.PutTask(t); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return outcome, err
	}
	run.task = updated
	if updated.IsTerminal() {
		r.announce(run)
	}
	return outcome, nil
}

// bumpStats counts a created lead on the structure's daily stats and on the site it came from.
func bumpStats(tx storage.Txn, structureID, siteURL string, now time.Time) error {
	structure, err := tx.GetStructure(structureID)
	if err != nil {
		return err
	}
	structure.RecordExtraction(now)
	if err := tx.PutStructure(structure); err != nil {
		return err
	}

	site, err := tx.GetSite(structureID, siteURL)
	if errors.Is(err, utils.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	site.LeadsFound++
	site.UpdatedAt = now
	return tx.PutSite(site)
}

func (r *Runner) buildLead(run *taskRun, rec normalize.Record, a validate.Assessment, result *models.ScrapingResult, now time.Time) *models.Lead {
	name := rec.Get(normalize.SlotName)
	if name == "" {
		name = "Unknown"
	}
	return &models.Lead{
		ID:             uuid.NewString(),
		Owner:          run.owner,
		JobID:          run.job.ID,
		ResultID:       result.ID,
		Name:           name,
		Email:          rec.Get(normalize.SlotEmail),
		Phone:          rec.Get(normalize.SlotPhone),
		Company:        rec.Get(normalize.SlotCompany),
		Position:       rec.Get(normalize.SlotPosition),
		Data:           normalize.ToSchema(rec, run.structure.Fields),
		AdditionalData: rec.Additional,
		IsComplete:     a.Complete,
		MissingFields:  a.MissingFields,
		Status:         models.LeadStatusNotContacted,
		Source:         "Scraped from " + run.structure.Name,
		SourceURL:      result.SourceURL,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// report publishes a committed outcome to metrics, the process log and the task log.
func (r *Runner) report(run *taskRun, rec normalize.Record, outcome recordOutcome, pageLog *logrus.Entry) {
	r.metrics.Record(outcome.kind)
	company := rec.Get(normalize.SlotCompany)
	switch outcome.kind {
	case metrics.RecordCreated:
		pageLog.WithField("lead_id", outcome.leadID).Infof("Lead created for '%s'", company)
		r.appendLog(run, models.LogSuccess, "Lead created", map[string]any{
			"lead_id": outcome.leadID, "company": company, "complete": len(outcome.missed) == 0,
		})
	case metrics.RecordDuplicate:
		pageLog.Debugf("Duplicate of lead %s for '%s'", outcome.leadID, company)
	case metrics.RecordRateLimited:
		pageLog.Warn("Lead quota exhausted")
		r.appendLog(run, models.LogWarning, "Lead quota exhausted", map[string]any{"company": company})
	default:
		pageLog.Debugf("Record rejected (%s), missing %v", outcome.reason, outcome.missed)
		r.appendLog(run, models.LogInfo, "Record rejected", map[string]any{
			"reason": string(outcome.reason), "missing_fields": outcome.missed,
		})
	}
}
