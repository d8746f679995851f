package quota

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

// Thresholds are the circuit breakers that end a task against a target the
// pipeline cannot satisfy.
type Thresholds struct {
	MaxRateLimited int // rate_limited_leads at or above this stops the task
	MaxIncomplete  int // incomplete_leads at or above this stops the task
}

// DefaultThresholds match the pipeline configuration defaults.
var DefaultThresholds = Thresholds{MaxRateLimited: 10, MaxIncomplete: 20}

// ProfileStore is the transactional view the guard reads and writes profiles through.
type ProfileStore interface {
	GetQuota(owner string) (*models.QuotaProfile, error)
	PutQuota(profile *models.QuotaProfile) error
}

// Guard enforces per-owner lead allowances and the task circuit breakers.
type Guard struct {
	thresholds  Thresholds
	defaultPlan models.PlanRole
	log         *logrus.Entry
}

// NewGuard creates a Guard. Owners without a stored profile get defaultPlan.
func NewGuard(thresholds Thresholds, defaultPlan models.PlanRole, log *logrus.Entry) *Guard {
	if thresholds.MaxRateLimited <= 0 {
		thresholds.MaxRateLimited = DefaultThresholds.MaxRateLimited
	}
	if thresholds.MaxIncomplete <= 0 {
		thresholds.MaxIncomplete = DefaultThresholds.MaxIncomplete
	}
	if !defaultPlan.IsValid() {
		defaultPlan = models.PlanFree
	}
	return &Guard{thresholds: thresholds, defaultPlan: defaultPlan, log: log}
}

// Thresholds returns the configured circuit breakers.
func (g *Guard) Thresholds() Thresholds {
	return g.thresholds
}

// Load returns the owner's profile, creating a default-plan profile on first
// access, and applies the lazy day-rollover reset. The caller persists it.
func (g *Guard) Load(store ProfileStore, owner string, now time.Time) (*models.QuotaProfile, error) {
	profile, err := store.GetQuota(owner)
	if errors.Is(err, utils.ErrNotFound) {
		g.log.Warnf("No quota profile for owner '%s', creating %s plan profile", owner, g.defaultPlan)
		profile = models.NewQuotaProfile(owner, g.defaultPlan, now)
	} else if err != nil {
		return nil, fmt.Errorf("loading quota for '%s': %w", owner, err)
	}
	if profile.ResetIfNewDay(now) {
		g.log.Debugf("Daily quota reset for owner '%s'", owner)
	}
	return profile, nil
}

// CanCreate reports whether one more lead fits the owner's allowance at now.
// It resets leads_used first when the day rolled over. An expired trial counts as exhausted.
func CanCreate(profile *models.QuotaProfile, now time.Time) bool {
	profile.ResetIfNewDay(now)
	if profile.TrialExpired(now) {
		return false
	}
	if profile.UnlimitedLeads {
		return true
	}
	return profile.LeadsUsed < profile.LeadsQuota
}

// AfterCreate charges exactly one lead. last_reset only moves on rollover.
func AfterCreate(profile *models.QuotaProfile, now time.Time) {
	profile.ResetIfNewDay(now)
	profile.LeadsUsed++
}

// RecordRateLimited counts a creation refused by quota on both the task and the profile.
func RecordRateLimited(profile *models.QuotaProfile, counters *models.TaskCounters) {
	profile.RateLimitedLeads++
	counters.RateLimitedLeads++
}

// RecordIncomplete counts a record rejected for missing required fields on both the task and the profile.
func RecordIncomplete(profile *models.QuotaProfile, counters *models.TaskCounters) {
	if profile != nil {
		profile.IncompleteLeads++
	}
	counters.IncompleteLeads++
}

// ShouldTerminate reports whether a breaker tripped, with a short explanation.
func (g *Guard) ShouldTerminate(c models.TaskCounters) (bool, string) {
	switch {
	case c.RateLimitedLeads >= g.thresholds.MaxRateLimited:
		return true, fmt.Sprintf("rate_limited_leads %d >= %d", c.RateLimitedLeads, g.thresholds.MaxRateLimited)
	case c.IncompleteLeads >= g.thresholds.MaxIncomplete:
		return true, fmt.Sprintf("incomplete_leads %d >= %d", c.IncompleteLeads, g.thresholds.MaxIncomplete)
	case c.UniqueLeads > 0 && c.RateLimitedLeads >= c.UniqueLeads:
		return true, fmt.Sprintf("rate_limited_leads %d >= unique_leads %d", c.RateLimitedLeads, c.UniqueLeads)
	}
	return false, ""
}

// TargetReached compares unique leads, not raw candidates, against the job target.
func TargetReached(c models.TaskCounters, leadsRequested int) bool {
	return leadsRequested > 0 && c.UniqueLeads >= leadsRequested
}
