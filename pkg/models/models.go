package models

import (
	"math"
	"time"
)

// Job is a user's request to collect up to LeadsRequested leads against a Structure.
type Job struct {
	ID             string        `json:"id"`
	Owner          string        `json:"owner,omitempty"` // Empty when the submitting account is unknown
	Name           string        `json:"name"`
	StructureID    string        `json:"structure_id"`
	Objective      string        `json:"objective,omitempty"`      // Free-text search intent passed to the extractor
	CandidateURLs  []string      `json:"candidate_urls"`           // Seed sites supplied at submission
	LeadsRequested int           `json:"leads_requested"`          // Target unique leads
	LeadsFound     int           `json:"leads_found"`              // Synced from the task's unique_leads
	Priority       int           `json:"priority"`                 // 1 (high) .. 3 (low)
	Status         JobStatus     `json:"status"`                   // Mirrors the active task
	Control        ControlSignal `json:"control,omitempty"`        // Desired state requested by user/operator
	ActiveTaskID   string        `json:"active_task_id,omitempty"` // Set while a non-terminal task exists
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// FieldDescriptor is one entry of a Structure's schema.
type FieldDescriptor struct {
	Name     string    `json:"name" yaml:"name"`
	Type     FieldType `json:"type" yaml:"type"`
	Required bool      `json:"required" yaml:"required"`
}

// Structure is a user-defined schema describing a valid extracted record.
type Structure struct {
	ID                  string            `json:"id" yaml:"id"`
	Owner               string            `json:"owner,omitempty" yaml:"owner,omitempty"`
	Name                string            `json:"name" yaml:"name"`
	EntityType          string            `json:"entity_type,omitempty" yaml:"entity_type,omitempty"` // mairie, entreprise, b2b_lead, custom
	Fields              []FieldDescriptor `json:"fields" yaml:"fields"`
	LeadsTargetPerDay   int               `json:"leads_target_per_day" yaml:"leads_target_per_day"`
	LeadsExtractedToday int               `json:"leads_extracted_today" yaml:"-"`
	TotalLeadsExtracted int               `json:"total_leads_extracted" yaml:"-"`
	LastExtractionDate  *time.Time        `json:"last_extraction_date,omitempty" yaml:"-"`
	CreatedAt           time.Time         `json:"created_at" yaml:"-"`
}

// RequiredFields returns the names of the schema fields marked required, in schema order.
func (s *Structure) RequiredFields() []string {
	var names []string
	for _, f := range s.Fields {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

// RecordExtraction bumps the daily and lifetime extraction counters, resetting
// the daily one on the first extraction of a new calendar day.
func (s *Structure) RecordExtraction(now time.Time) {
	if s.LastExtractionDate == nil || IsLaterDay(now, *s.LastExtractionDate) {
		s.LeadsExtractedToday = 0
	}
	s.LeadsExtractedToday++
	s.TotalLeadsExtracted++
	today := now
	s.LastExtractionDate = &today
}

// DailyCompletion returns the percentage of the daily target reached, capped at 100.
func (s *Structure) DailyCompletion() int {
	if s.LeadsTargetPerDay <= 0 {
		return 100
	}
	return min(100, s.LeadsExtractedToday*100/s.LeadsTargetPerDay)
}

// TaskCounters are the monotonically non-decreasing progress counters of a Task.
type TaskCounters struct {
	PagesExplored    int `json:"pages_explored"`
	LeadsFound       int `json:"leads_found"`        // Candidates surviving normalization on every page
	UniqueLeads      int `json:"unique_leads"`       // Leads created
	DuplicateLeads   int `json:"duplicate_leads"`    // Candidates matching an existing lead
	RateLimitedLeads int `json:"rate_limited_leads"` // Candidates refused by quota
	IncompleteLeads  int `json:"incomplete_leads"`   // Candidates rejected for missing required fields
}

// Task is one execution attempt of a Job.
type Task struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	Status      TaskStatus `json:"status"`
	CurrentStep string     `json:"current_step,omitempty"`
	TaskCounters
	Owner          string         `json:"owner,omitempty"`     // Resolved during initializing
	WorkerID       string         `json:"worker_id,omitempty"` // Worker currently executing the task
	StartTime      time.Time      `json:"start_time"`
	LastActivity   time.Time      `json:"last_activity"`
	CompletionTime *time.Time     `json:"completion_time,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Crawl          *CrawlProgress `json:"crawl,omitempty"` // Frontier snapshot of a live task
}

// SiteProgress is the crawl state of one site a task has started.
type SiteProgress struct {
	URL   string   `json:"url"`
	Pages int      `json:"pages"`
	Queue []string `json:"queue,omitempty"`
	Seen  []string `json:"seen,omitempty"`
	Done  bool     `json:"done,omitempty"`
}

// CrawlProgress lets a paused or interrupted task resume on the site and
// pages it was working on instead of re-selecting sites from scratch.
type CrawlProgress struct {
	Current string         `json:"current,omitempty"`
	Sites   []SiteProgress `json:"sites,omitempty"`
}

// IsTerminal reports whether the task can no longer change.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Duration is completion-start for finished tasks, otherwise last_activity-start.
func (t *Task) Duration() time.Duration {
	if t.CompletionTime != nil {
		return t.CompletionTime.Sub(t.StartTime)
	}
	return t.LastActivity.Sub(t.StartTime)
}

// ProgressPercent estimates progress against the job target: 100 once completed,
// otherwise capped at 99.
func (t *Task) ProgressPercent(leadsRequested int) int {
	if t.Status == TaskStatusCompleted {
		return 100
	}
	if leadsRequested <= 0 {
		return 0
	}
	pct := int(math.Round(float64(t.LeadsFound) / float64(leadsRequested) * 100))
	return min(pct, 99)
}

// CandidateRecord is the raw key/value map an extractor returns for one page.
type CandidateRecord map[string]any

// ScrapingResult is a persisted candidate that passed normalization, tied to a task.
type ScrapingResult struct {
	ID          string            `json:"id"`
	TaskID      string            `json:"task_id"`
	SourceURL   string            `json:"source_url,omitempty"`
	Data        map[string]string `json:"data"`
	IsDuplicate bool              `json:"is_duplicate"`
	IsProcessed bool              `json:"is_processed"`
	LeadID      string            `json:"lead_id,omitempty"` // Created lead, or the existing one on duplicate
	CreatedAt   time.Time         `json:"created_at"`
}

// Lead is the billable entity created from a non-duplicate scraping result.
type Lead struct {
	ID             string            `json:"id"`
	Owner          string            `json:"owner"`
	JobID          string            `json:"job_id,omitempty"`
	ResultID       string            `json:"result_id,omitempty"`
	Name           string            `json:"name"`
	Email          string            `json:"email,omitempty"`
	Phone          string            `json:"phone,omitempty"`
	Company        string            `json:"company"`
	Position       string            `json:"position,omitempty"`
	Data           map[string]string `json:"data"`                      // Projected onto the structure's field names
	AdditionalData map[string]string `json:"additional_data,omitempty"` // Extra extracted keys
	IsComplete     bool              `json:"is_complete"`
	MissingFields  []string          `json:"missing_fields,omitempty"`
	Status         LeadStatus        `json:"status"`
	Source         string            `json:"source,omitempty"`
	SourceURL      string            `json:"source_url,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ScrapedSite is the per-(URL, Structure) crawl bookkeeping.
type ScrapedSite struct {
	URL            string     `json:"url"`
	StructureID    string     `json:"structure_id"`
	Domain         string     `json:"domain"`
	LastScraped    *time.Time `json:"last_scraped,omitempty"` // Nil until the first attempt
	ScrapingCount  int        `json:"scraping_count"`
	SuccessRate    float64    `json:"success_rate"`
	LastError      string     `json:"last_error,omitempty"`
	RateLimitUntil *time.Time `json:"rate_limit_until,omitempty"`
	LeadsFound     int        `json:"leads_found"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsRateLimited reports whether the site is inside its penalty window at now.
func (s *ScrapedSite) IsRateLimited(now time.Time) bool {
	return s.RateLimitUntil != nil && now.Before(*s.RateLimitUntil)
}

// CanScrape is true only when the site is not rate limited and its success rate
// is at least minSuccessRate. A site that was never attempted has no history to
// judge and is always allowed.
func (s *ScrapedSite) CanScrape(now time.Time, minSuccessRate float64) bool {
	if s.IsRateLimited(now) {
		return false
	}
	if s.ScrapingCount == 0 {
		return true
	}
	return s.SuccessRate >= minSuccessRate
}

// RecordAttempt folds one crawl attempt into the rolling success rate.
// A failure also opens a rate-limit window of rateLimitWindow on this site.
func (s *ScrapedSite) RecordAttempt(success bool, errMsg string, now time.Time, rateLimitWindow time.Duration) {
	s.ScrapingCount++
	n := float64(s.ScrapingCount)
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	s.SuccessRate = (s.SuccessRate*(n-1) + outcome) / n
	scraped := now
	s.LastScraped = &scraped
	if !success {
		s.LastError = errMsg
		until := now.Add(rateLimitWindow)
		s.RateLimitUntil = &until
	}
	s.UpdatedAt = now
}

// QuotaProfile holds an owner's plan limits and daily usage.
type QuotaProfile struct {
	Owner            string     `json:"owner"`
	Plan             PlanRole   `json:"plan"`
	LeadsQuota       int        `json:"leads_quota"`
	LeadsUsed        int        `json:"leads_used"`
	UnlimitedLeads   bool       `json:"unlimited_leads"`
	LastReset        time.Time  `json:"last_reset"`
	RateLimitedLeads int        `json:"rate_limited_leads"`
	IncompleteLeads  int        `json:"incomplete_leads"`
	TrialExpiration  *time.Time `json:"trial_expiration,omitempty"`
}

// NewQuotaProfile builds a profile with the plan's default allowance.
func NewQuotaProfile(owner string, plan PlanRole, now time.Time) *QuotaProfile {
	if !plan.IsValid() {
		plan = PlanFree
	}
	quota, unlimited := plan.DailyQuota()
	return &QuotaProfile{
		Owner:          owner,
		Plan:           plan,
		LeadsQuota:     quota,
		UnlimitedLeads: unlimited,
		LastReset:      now,
	}
}

// ResetIfNewDay zeroes leads_used on the first access after a calendar-day rollover.
// Returns true when a reset happened.
func (p *QuotaProfile) ResetIfNewDay(now time.Time) bool {
	if !IsLaterDay(now, p.LastReset) {
		return false
	}
	p.LeadsUsed = 0
	p.LastReset = now
	return true
}

// TrialExpired reports whether a trial end date is set and already passed.
func (p *QuotaProfile) TrialExpired(now time.Time) bool {
	return p.TrialExpiration != nil && p.TrialExpiration.Before(now)
}

// Remaining returns the leads still creatable today, or -1 when unlimited.
func (p *QuotaProfile) Remaining() int {
	if p.UnlimitedLeads {
		return -1
	}
	return max(0, p.LeadsQuota-p.LeadsUsed)
}

// ScrapingLog is a user-visible event recorded against a task.
type ScrapingLog struct {
	TaskID    string         `json:"task_id"`
	Seq       uint64         `json:"seq"`
	Type      LogType        `json:"type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// IsLaterDay reports whether now falls on a later calendar date than ref,
// with both evaluated in now's location.
func IsLaterDay(now, ref time.Time) bool {
	ref = ref.In(now.Location())
	ny, nm, nd := now.Date()
	ry, rm, rd := ref.Date()
	if ny != ry {
		return ny > ry
	}
	if nm != rm {
		return nm > rm
	}
	return nd > rd
}
