package config

import (
	"time"

	"github.com/leadforge/lead-scraper/pkg/models"
)

// AppConfig holds the global application configuration.
type AppConfig struct {
	DefaultUserAgent        string                     `yaml:"default_user_agent"`
	DefaultDelayPerHost     time.Duration              `yaml:"default_delay_per_host"`
	NumWorkers              int                        `yaml:"num_workers"`           // Tasks executed concurrently
	MaxRequestsPerHost      int                        `yaml:"max_requests_per_host"` // Across all tasks in the process
	StateDir                string                     `yaml:"state_dir"`
	IgnoreRobots            bool                       `yaml:"ignore_robots,omitempty"`
	MaxRetries              int                        `yaml:"max_retries,omitempty"` // robots.txt fetches only; pages are never retried
	InitialRetryDelay       time.Duration              `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay           time.Duration              `yaml:"max_retry_delay,omitempty"`
	SemaphoreAcquireTimeout time.Duration              `yaml:"semaphore_acquire_timeout,omitempty"`
	DBGCInterval            time.Duration              `yaml:"db_gc_interval,omitempty"` // Badger value-log GC interval (0 = disabled)
	HTTPClientSettings      HTTPClientConfig           `yaml:"http_client_settings,omitempty"`
	Pipeline                PipelineConfig             `yaml:"pipeline,omitempty"`
	Extraction              ExtractionConfig           `yaml:"extraction,omitempty"`
	Watchdog                WatchdogConfig             `yaml:"watchdog,omitempty"`
	Queue                   QueueConfig                `yaml:"queue,omitempty"`
	Metrics                 MetricsConfig              `yaml:"metrics,omitempty"`
	Structures              map[string]StructureConfig `yaml:"structures"` // Seeded into the store at startup
	Accounts                map[string]AccountConfig   `yaml:"accounts,omitempty"`
}

// HTTPClientConfig holds settings for the shared HTTP client.
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
	MaxBodyBytes          int64         `yaml:"max_body_bytes,omitempty"`          // Page bodies are cut at this size
}

// PipelineConfig bounds one task's crawl and tunes the record gates.
type PipelineConfig struct {
	PerSitePageCap          int           `yaml:"per_site_page_cap,omitempty"`
	GlobalPageCap           int           `yaml:"global_page_cap,omitempty"`
	MaxSites                int           `yaml:"max_sites,omitempty"`
	StalenessWindow         time.Duration `yaml:"staleness_window,omitempty"`  // A site scraped more recently is skipped
	RateLimitWindow         time.Duration `yaml:"rate_limit_window,omitempty"` // Penalty after a failed fetch
	MinSuccessRate          float64       `yaml:"min_success_rate,omitempty"`
	FetchTimeout            time.Duration `yaml:"fetch_timeout,omitempty"`
	ExtractionTimeout       time.Duration `yaml:"extraction_timeout,omitempty"`
	MinContentLength        int           `yaml:"min_content_length,omitempty"` // Characters of page text
	MaxRateLimited          int           `yaml:"max_rate_limited,omitempty"`   // Circuit breaker
	MaxIncomplete           int           `yaml:"max_incomplete,omitempty"`     // Circuit breaker
	MaxTaskDuration         time.Duration `yaml:"max_task_duration,omitempty"`
	CompanyFromNameFallback bool          `yaml:"company_from_name_fallback,omitempty"` // Treat bare nom/name as company
	FallbackOwner           string        `yaml:"fallback_owner,omitempty"`             // System account for ownerless jobs
	ContactLinkPatterns     []string      `yaml:"contact_link_patterns,omitempty"`      // In-site links worth following
}

// ExtractionConfig selects and tunes the AI extraction backend.
type ExtractionConfig struct {
	Provider          string  `yaml:"provider,omitempty"` // "openai" or "none"
	Model             string  `yaml:"model,omitempty"`
	BaseURL           string  `yaml:"base_url,omitempty"`    // OpenAI-compatible endpoint
	APIKeyEnv         string  `yaml:"api_key_env,omitempty"` // Environment variable holding the key
	Temperature       float64 `yaml:"temperature,omitempty"`
	MaxInputChars     int     `yaml:"max_input_chars,omitempty"`
	MaxInputTokens    int     `yaml:"max_input_tokens,omitempty"` // Per extraction call
	MaxChunks         int     `yaml:"max_chunks,omitempty"`       // Calls per page when content is split
	TokenizerEncoding string  `yaml:"tokenizer_encoding,omitempty"`
}

// WatchdogConfig controls the task scan loop and maintenance cleanup.
type WatchdogConfig struct {
	Interval        time.Duration `yaml:"interval,omitempty"`
	StaleActivity   time.Duration `yaml:"stale_activity,omitempty"` // No heartbeat for this long = crashed worker
	Retention       time.Duration `yaml:"retention,omitempty"`      // Terminal tasks older than this are purged
	CleanupSchedule string        `yaml:"cleanup_schedule,omitempty"`
}

// QueueConfig configures the optional AMQP dispatcher.
type QueueConfig struct {
	AMQPURLEnv   string `yaml:"amqp_url_env,omitempty"` // Empty or unset variable = in-process queue
	Exchange     string `yaml:"exchange,omitempty"`
	QueueName    string `yaml:"queue_name,omitempty"`
	RoutingKey   string `yaml:"routing_key,omitempty"`
	DeadLetterEx string `yaml:"dead_letter_exchange,omitempty"`
	Prefetch     int    `yaml:"prefetch,omitempty"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty"` // Empty = metrics endpoint disabled
	Path string `yaml:"path,omitempty"`
}

// StructureConfig declares a Structure available to jobs.
type StructureConfig struct {
	Owner             string                   `yaml:"owner,omitempty"`
	Name              string                   `yaml:"name"`
	EntityType        string                   `yaml:"entity_type,omitempty"`
	LeadsTargetPerDay int                      `yaml:"leads_target_per_day,omitempty"`
	Fields            []models.FieldDescriptor `yaml:"fields"`
}

// AccountConfig seeds an owner's quota profile when the store has none.
type AccountConfig struct {
	Plan            string     `yaml:"plan"`
	LeadsQuota      *int       `yaml:"leads_quota,omitempty"` // Overrides the plan default
	TrialExpiration *time.Time `yaml:"trial_expiration,omitempty"`
}

// ToStructure converts the declaration into the persisted model under the given key.
func (s StructureConfig) ToStructure(key string, now time.Time) *models.Structure {
	name := s.Name
	if name == "" {
		name = key
	}
	fields := make([]models.FieldDescriptor, len(s.Fields))
	copy(fields, s.Fields)
	return &models.Structure{
		ID:                key,
		Owner:             s.Owner,
		Name:              name,
		EntityType:        s.EntityType,
		Fields:            fields,
		LeadsTargetPerDay: s.LeadsTargetPerDay,
		CreatedAt:         now,
	}
}

// ToQuotaProfile converts the declaration into a fresh quota profile.
func (a AccountConfig) ToQuotaProfile(owner string, now time.Time) *models.QuotaProfile {
	profile := models.NewQuotaProfile(owner, models.PlanRole(a.Plan), now)
	if a.LeadsQuota != nil {
		profile.LeadsQuota = *a.LeadsQuota
	}
	profile.TrialExpiration = a.TrialExpiration
	return profile
}

// GetEffectiveUserAgent returns the configured user agent or a built-in default.
func GetEffectiveUserAgent(appCfg AppConfig) string {
	if appCfg.DefaultUserAgent != "" {
		return appCfg.DefaultUserAgent
	}
	return "lead-scraper/1.0 (+https://github.com/leadforge/lead-scraper)"
}
