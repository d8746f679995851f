package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

// DefaultContactLinkPatterns are followed inside a site when no patterns are configured.
var DefaultContactLinkPatterns = []string{
	`contact`, `about`, `a-propos`, `qui-sommes-nous`, `equipe`, `team`,
	`annuaire`, `directory`, `mentions-legales`, `legal`, `staff`, `elus`,
}

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// NumWorkers
	if c.NumWorkers <= 0 {
		warnings = append(warnings, "num_workers should be > 0, defaulting to 4")
		c.NumWorkers = 4
	}

	// MaxRequestsPerHost
	if c.MaxRequestsPerHost <= 0 {
		warnings = append(warnings, "max_requests_per_host should be > 0, defaulting to 2")
		c.MaxRequestsPerHost = 2
	}

	// StateDir
	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './lead_state'")
		c.StateDir = "./lead_state"
	}

	if c.DefaultDelayPerHost < 0 {
		warnings = append(warnings, "default_delay_per_host cannot be negative, setting to 0")
		c.DefaultDelayPerHost = 0
	}

	// MaxRetries
	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 && c.InitialRetryDelay == 0 {
		c.MaxRetries = 2
	}
	if c.MaxRetries > 0 {
		if c.InitialRetryDelay <= 0 {
			c.InitialRetryDelay = 1 * time.Second
		}
		if c.MaxRetryDelay <= 0 {
			c.MaxRetryDelay = 10 * time.Second
		}
	}
	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	if c.SemaphoreAcquireTimeout <= 0 {
		c.SemaphoreAcquireTimeout = 30 * time.Second
	}
	if c.DBGCInterval < 0 {
		warnings = append(warnings, "db_gc_interval cannot be negative, disabling value log GC")
		c.DBGCInterval = 0
	}

	c.validateHTTPClientSettings()
	warnings = append(warnings, c.Pipeline.applyDefaults()...)
	warnings = append(warnings, c.Extraction.applyDefaults()...)
	warnings = append(warnings, c.Watchdog.applyDefaults()...)
	c.Queue.applyDefaults()
	c.Metrics.applyDefaults()

	if _, err := utils.CompileRegexPatterns(c.Pipeline.ContactLinkPatterns); err != nil {
		return warnings, fmt.Errorf("pipeline.contact_link_patterns: %w", err)
	}

	// Structures are validated in key order so warnings are stable
	keys := make([]string, 0, len(c.Structures))
	for key := range c.Structures {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		s := c.Structures[key]
		structWarnings, err := s.Validate()
		if err != nil {
			return warnings, fmt.Errorf("structure '%s': %w", key, err)
		}
		for _, w := range structWarnings {
			warnings = append(warnings, fmt.Sprintf("structure '%s': %s", key, w))
		}
		c.Structures[key] = s
	}

	for owner, account := range c.Accounts {
		if !models.PlanRole(account.Plan).IsValid() {
			return warnings, fmt.Errorf("%w: account '%s' has unknown plan '%s'", utils.ErrConfigValidation, owner, account.Plan)
		}
	}

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 45 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
	if h.MaxBodyBytes <= 0 {
		h.MaxBodyBytes = 5 << 20
	}
}

func (p *PipelineConfig) applyDefaults() (warnings []string) {
	if p.PerSitePageCap <= 0 {
		p.PerSitePageCap = 5
	}
	if p.GlobalPageCap <= 0 {
		p.GlobalPageCap = 150
	}
	if p.PerSitePageCap > p.GlobalPageCap {
		warnings = append(warnings, fmt.Sprintf(
			"per_site_page_cap (%d) > global_page_cap (%d), using global_page_cap",
			p.PerSitePageCap, p.GlobalPageCap))
		p.PerSitePageCap = p.GlobalPageCap
	}
	if p.MaxSites <= 0 {
		p.MaxSites = 50
	}
	if p.StalenessWindow <= 0 {
		p.StalenessWindow = 24 * time.Hour
	}
	if p.RateLimitWindow <= 0 {
		p.RateLimitWindow = 60 * time.Minute
	}
	if p.MinSuccessRate <= 0 {
		p.MinSuccessRate = 0.5
	}
	if p.MinSuccessRate > 1 {
		warnings = append(warnings, "min_success_rate cannot exceed 1, defaulting to 0.5")
		p.MinSuccessRate = 0.5
	}
	if p.FetchTimeout <= 0 {
		p.FetchTimeout = 30 * time.Second
	}
	if p.ExtractionTimeout <= 0 {
		p.ExtractionTimeout = 30 * time.Second
	}
	if p.MinContentLength <= 0 {
		p.MinContentLength = 100
	}
	if p.MaxRateLimited <= 0 {
		p.MaxRateLimited = 10
	}
	if p.MaxIncomplete <= 0 {
		p.MaxIncomplete = 20
	}
	if p.MaxTaskDuration <= 0 {
		p.MaxTaskDuration = time.Hour
	}
	if p.FallbackOwner == "" {
		warnings = append(warnings, "pipeline.fallback_owner is empty, jobs without a resolvable owner will fail")
	}
	if len(p.ContactLinkPatterns) == 0 {
		p.ContactLinkPatterns = append([]string(nil), DefaultContactLinkPatterns...)
	}
	return warnings
}

func (e *ExtractionConfig) applyDefaults() (warnings []string) {
	switch e.Provider {
	case "":
		e.Provider = "openai"
	case "openai", "none":
	default:
		warnings = append(warnings, fmt.Sprintf("extraction.provider '%s' unknown, defaulting to 'openai'", e.Provider))
		e.Provider = "openai"
	}
	if e.Model == "" {
		e.Model = "gpt-4o-mini"
	}
	if e.APIKeyEnv == "" {
		e.APIKeyEnv = "OPENAI_API_KEY"
	}
	if e.MaxInputChars <= 0 {
		e.MaxInputChars = 12000
	}
	if e.MaxInputTokens <= 0 {
		e.MaxInputTokens = 3000
	}
	if e.MaxChunks <= 0 {
		e.MaxChunks = 3
	}
	if e.TokenizerEncoding == "" {
		e.TokenizerEncoding = "cl100k_base"
	}
	if e.Temperature < 0 {
		warnings = append(warnings, "extraction.temperature cannot be negative, setting to 0")
		e.Temperature = 0
	}
	return warnings
}

func (w *WatchdogConfig) applyDefaults() (warnings []string) {
	if w.Interval <= 0 {
		w.Interval = time.Minute
	}
	if w.StaleActivity <= 0 {
		w.StaleActivity = 10 * time.Minute
	}
	if w.Retention <= 0 {
		w.Retention = 7 * 24 * time.Hour
	}
	if w.CleanupSchedule == "" {
		w.CleanupSchedule = "@daily"
	}
	return warnings
}

func (q *QueueConfig) applyDefaults() {
	if q.AMQPURLEnv == "" {
		q.AMQPURLEnv = "AMQP_URL"
	}
	if q.Exchange == "" {
		q.Exchange = "lead_scraper"
	}
	if q.QueueName == "" {
		q.QueueName = "scraping_tasks"
	}
	if q.RoutingKey == "" {
		q.RoutingKey = "task.submit"
	}
	if q.DeadLetterEx == "" {
		q.DeadLetterEx = q.Exchange + ".dlx"
	}
	if q.Prefetch <= 0 {
		q.Prefetch = 1
	}
}

func (m *MetricsConfig) applyDefaults() {
	if m.Path == "" {
		m.Path = "/metrics"
	}
}

// Validate checks a structure declaration and applies defaults.
// Returns collected warnings and any fatal error.
func (s *StructureConfig) Validate() (warnings []string, err error) {
	if len(s.Fields) == 0 {
		return nil, fmt.Errorf("%w: structure has no fields", utils.ErrConfigValidation)
	}
	seen := make(map[string]bool, len(s.Fields))
	required := 0
	for i := range s.Fields {
		f := &s.Fields[i]
		if f.Name == "" {
			return nil, fmt.Errorf("%w: field #%d has no name", utils.ErrConfigValidation, i+1)
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("%w: duplicate field '%s'", utils.ErrConfigValidation, f.Name)
		}
		seen[f.Name] = true
		if f.Type == "" {
			f.Type = models.FieldTypeText
		} else if !f.Type.IsValid() {
			warnings = append(warnings, fmt.Sprintf("field '%s' has unknown type '%s', treating as text", f.Name, f.Type))
			f.Type = models.FieldTypeText
		}
		if f.Required {
			required++
		}
	}
	if required == 0 {
		warnings = append(warnings, "no required fields, every extracted record will be accepted as complete")
	}
	if s.LeadsTargetPerDay <= 0 {
		s.LeadsTargetPerDay = 10
	}
	return warnings, nil
}
