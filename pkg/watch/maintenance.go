package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/leadforge/lead-scraper/pkg/config"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

// Purger deletes terminal tasks completed before a cutoff.
type Purger interface {
	PurgeTasksBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// scheduleParser accepts 5-field cron expressions and descriptors such as @daily.
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Maintenance purges old terminal tasks, with their results and logs, on a cron schedule.
type Maintenance struct {
	store     Purger
	cron      *cron.Cron
	schedule  string
	retention time.Duration
	clock     func() time.Time
	log       *logrus.Entry
}

// NewMaintenance validates the schedule and registers the purge job.
// Start must be called to begin running it.
func NewMaintenance(store Purger, cfg config.WatchdogConfig, log *logrus.Entry) (*Maintenance, error) {
	if _, err := scheduleParser.Parse(cfg.CleanupSchedule); err != nil {
		return nil, fmt.Errorf("%w: watchdog.cleanup_schedule '%s': %w", utils.ErrConfigValidation, cfg.CleanupSchedule, err)
	}
	m := &Maintenance{
		store:     store,
		schedule:  cfg.CleanupSchedule,
		retention: cfg.Retention,
		clock:     time.Now,
		log:       log,
	}
	cronLog := cron.PrintfLogger(log)
	m.cron = cron.New(cron.WithParser(scheduleParser), cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	if _, err := m.cron.AddFunc(cfg.CleanupSchedule, func() {
		if _, err := m.Purge(context.Background()); err != nil {
			m.log.WithError(err).Error("Scheduled purge failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("%w: registering purge: %w", utils.ErrConfigValidation, err)
	}
	return m, nil
}

// Purge deletes terminal tasks older than the retention window.
func (m *Maintenance) Purge(ctx context.Context) (int, error) {
	cutoff := m.clock().Add(-m.retention)
	m.log.Debugf("Purging terminal tasks older than %s", FormatInterval(m.retention))
	return m.store.PurgeTasksBefore(ctx, cutoff)
}

// Start runs the cron scheduler in its own goroutine.
func (m *Maintenance) Start() {
	m.cron.Start()
	entries := m.cron.Entries()
	if len(entries) > 0 {
		m.log.Infof("Maintenance scheduled '%s', next purge at %s (retention %s)",
			m.schedule, entries[0].Next.Format(time.RFC3339), FormatInterval(m.retention))
	}
}

// Stop stops the scheduler and waits for a running purge to finish or ctx to expire.
func (m *Maintenance) Stop(ctx context.Context) {
	stopped := m.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		m.log.Warn("Gave up waiting for the running purge")
	}
}
