package models

import "fmt"

// Persisted current_step and error_message values. Each terminal situation
// has its own text so the outcome is readable from the task row alone.
const (
	StepInitializing  = "Initializing"
	StepSelectingSite = "Selecting site"
	StepSetupFailed   = "Setup failed"
	StepStoreFailed   = "Task state could not be saved"
	StepNoSite        = "No site available"
	StepStoppedByUser = "Stopped by user"
	StepQuotaReached  = "Task stopped: user lead quota reached"
	StepBreaker       = "Automatic stop: too many rate-limited or incomplete leads"
	StepTargetReached = "Requested lead count reached"
	StepGlobalCap     = "Page exploration limit reached"
	StepPaused        = "Paused by operator"
	StepInterrupted   = "Interrupted: worker shutting down"

	ErrMsgTimeout     = "exceeded maximum duration"
	ErrMsgWorkerStale = "worker stopped responding"
)

// StepCompleted is the step of a task that ran out of work normally.
func StepCompleted(uniqueLeads int) string {
	return fmt.Sprintf("Completed: %d leads", uniqueLeads)
}

func StepCrawling(url string) string   { return "Crawling " + url }
func StepExtracting(url string) string { return "Extracting data from " + url }
func StepProcessing(records int) string {
	return fmt.Sprintf("Processing %d records", records)
}
