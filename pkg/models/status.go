package models

// JobStatus represents the lifecycle status of a Job.
type JobStatus string

const (
	JobStatusUnset        JobStatus = ""             // Zero value = unset/unknown
	JobStatusPending      JobStatus = "pending"      // Submitted, no task picked up yet
	JobStatusInitializing JobStatus = "initializing" // Task resolving owner and structure
	JobStatusRunning      JobStatus = "running"      // Task crawling/extracting/processing
	JobStatusPaused       JobStatus = "paused"       // Operator paused, resumable
	JobStatusCompleted    JobStatus = "completed"    // Terminal: normal completion
	JobStatusFailed       JobStatus = "failed"       // Terminal: setup error or watchdog
	JobStatusStopped      JobStatus = "stopped"      // Terminal: explicit user stop
)

// String implements fmt.Stringer for logging.
func (s JobStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusInitializing, JobStatusRunning, JobStatusPaused,
		JobStatusCompleted, JobStatusFailed, JobStatusStopped:
		return true
	}
	return false
}

// IsTerminal returns true for completed, failed and stopped.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusStopped
}

// TaskStatus represents the state of one execution attempt of a Job.
type TaskStatus string

const (
	TaskStatusUnset        TaskStatus = ""
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusInitializing TaskStatus = "initializing"
	TaskStatusCrawling     TaskStatus = "crawling"
	TaskStatusExtracting   TaskStatus = "extracting"
	TaskStatusProcessing   TaskStatus = "processing"
	TaskStatusPaused       TaskStatus = "paused"
	TaskStatusCompleted    TaskStatus = "completed"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusStopped      TaskStatus = "stopped"
)

// String implements fmt.Stringer for logging.
func (s TaskStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value.
func (s TaskStatus) IsValid() bool {
	_, ok := taskTransitions[s]
	return ok
}

// IsTerminal returns true for completed, failed and stopped.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusStopped
}

// taskTransitions lists the allowed successor states. Self-transitions are
// handled in CanTransition so step text can change without a state change.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:      {TaskStatusInitializing, TaskStatusFailed, TaskStatusStopped},
	TaskStatusInitializing: {TaskStatusCrawling, TaskStatusCompleted, TaskStatusFailed, TaskStatusStopped, TaskStatusPaused},
	TaskStatusCrawling:     {TaskStatusExtracting, TaskStatusCompleted, TaskStatusFailed, TaskStatusStopped, TaskStatusPaused},
	TaskStatusExtracting:   {TaskStatusProcessing, TaskStatusCrawling, TaskStatusCompleted, TaskStatusFailed, TaskStatusStopped, TaskStatusPaused},
	TaskStatusProcessing:   {TaskStatusCrawling, TaskStatusCompleted, TaskStatusFailed, TaskStatusStopped, TaskStatusPaused},
	TaskStatusPaused:       {TaskStatusCrawling, TaskStatusFailed, TaskStatusStopped},
	TaskStatusCompleted:    nil,
	TaskStatusFailed:       nil,
	TaskStatusStopped:      nil,
}

// CanTransition reports whether a task in state s may move to state next.
// Terminal states admit no transition, not even to themselves.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if s == next {
		return true
	}
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// JobStatus maps a task state onto the coarser job state it implies.
func (s TaskStatus) JobStatus() JobStatus {
	switch s {
	case TaskStatusPending:
		return JobStatusPending
	case TaskStatusInitializing:
		return JobStatusInitializing
	case TaskStatusCrawling, TaskStatusExtracting, TaskStatusProcessing:
		return JobStatusRunning
	case TaskStatusPaused:
		return JobStatusPaused
	case TaskStatusCompleted:
		return JobStatusCompleted
	case TaskStatusFailed:
		return JobStatusFailed
	case TaskStatusStopped:
		return JobStatusStopped
	}
	return JobStatusUnset
}

// ControlSignal is the desired state a user or operator asked a job to move to.
// The running task polls it between pages.
type ControlSignal string

const (
	ControlNone  ControlSignal = ""
	ControlStop  ControlSignal = "stop"
	ControlPause ControlSignal = "pause"
)

// LeadStatus tracks the sales follow-up of a Lead.
type LeadStatus string

const (
	LeadStatusNotContacted  LeadStatus = "not_contacted"
	LeadStatusContacted     LeadStatus = "contacted"
	LeadStatusInterested    LeadStatus = "interested"
	LeadStatusNotInterested LeadStatus = "not_interested"
	LeadStatusConverted     LeadStatus = "converted"
	LeadStatusRejected      LeadStatus = "rejected"
)

// IsValid returns true if the status is a known value.
func (s LeadStatus) IsValid() bool {
	switch s {
	case LeadStatusNotContacted, LeadStatusContacted, LeadStatusInterested,
		LeadStatusNotInterested, LeadStatusConverted, LeadStatusRejected:
		return true
	}
	return false
}

// FieldType is the declared type of a Structure field.
type FieldType string

const (
	FieldTypeText   FieldType = "text"
	FieldTypeEmail  FieldType = "email"
	FieldTypeURL    FieldType = "url"
	FieldTypeNumber FieldType = "number"
)

// IsValid returns true if the field type is supported.
func (t FieldType) IsValid() bool {
	switch t {
	case FieldTypeText, FieldTypeEmail, FieldTypeURL, FieldTypeNumber:
		return true
	}
	return false
}

// PlanRole is the subscription tier of a quota profile.
type PlanRole string

const (
	PlanFree     PlanRole = "free"
	PlanClassic  PlanRole = "classic"
	PlanPremium  PlanRole = "premium"
	PlanLifetime PlanRole = "lifetime"
)

// IsValid returns true if the plan is known.
func (p PlanRole) IsValid() bool {
	switch p {
	case PlanFree, PlanClassic, PlanPremium, PlanLifetime:
		return true
	}
	return false
}

// DailyQuota returns the plan's daily lead allowance and whether the plan is unlimited.
func (p PlanRole) DailyQuota() (quota int, unlimited bool) {
	switch p {
	case PlanClassic:
		return 100, false
	case PlanPremium:
		return 300, false
	case PlanLifetime:
		return 0, true
	}
	return 5, false
}

// LogType classifies persisted task log entries.
type LogType string

const (
	LogInfo    LogType = "info"
	LogWarning LogType = "warning"
	LogError   LogType = "error"
	LogSuccess LogType = "success"
	LogAction  LogType = "action"
)
