package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/leadforge/lead-scraper/pkg/jobs"
	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

const (
	defaultLeadLimit = 50
	maxLeadLimit     = 500
)

// handleSubmitJob handles the submit_job tool.
func (s *Server) handleSubmitJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := jobs.Request{
		Owner:          request.GetString("owner", ""),
		Name:           request.GetString("name", ""),
		StructureID:    request.GetString("structure_id", ""),
		Objective:      request.GetString("objective", ""),
		CandidateURLs:  stringList(request.GetArguments()["candidate_urls"]),
		LeadsRequested: request.GetInt("leads_requested", 0),
		Priority:       request.GetInt("priority", 0),
	}

	job, task, err := s.manager.Submit(ctx, req)
	if err != nil && job == nil {
		return toolError(err), nil
	}
	result := map[string]interface{}{
		"status":          "submitted",
		"job_id":          job.ID,
		"task_id":         task.ID,
		"structure_id":    job.StructureID,
		"leads_requested": job.LeadsRequested,
		"candidate_sites": len(job.CandidateURLs),
		"priority":        job.Priority,
	}
	if err != nil {
		// Persisted but not dispatched; a worker restart requeues it
		result["status"] = "queued_for_restart"
		result["warning"] = err.Error()
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleGetJobStatus handles the get_job_status tool.
func (s *Server) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}
	st, err := s.manager.Status(ctx, jobID)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(formatJSON(statusResult(st))), nil
}

// handleStopJob handles the stop_job tool.
func (s *Server) handleStopJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(request, "stop_requested", func(jobID string) (*models.Job, error) {
		return s.manager.Stop(jobID)
	})
}

// handlePauseJob handles the pause_job tool.
func (s *Server) handlePauseJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(request, "pause_requested", s.manager.Pause)
}

// handleResumeJob handles the resume_job tool.
func (s *Server) handleResumeJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(request, "resumed", func(jobID string) (*models.Job, error) {
		return s.manager.Resume(ctx, jobID)
	})
}

// handleRestartJob handles the restart_job tool.
func (s *Server) handleRestartJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(request, "restarted", func(jobID string) (*models.Job, error) {
		job, _, err := s.manager.Restart(ctx, jobID)
		return job, err
	})
}

func (s *Server) control(request mcp.CallToolRequest, outcome string, fn func(jobID string) (*models.Job, error)) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}
	job, err := fn(jobID)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"status":     outcome,
		"job_id":     job.ID,
		"job_status": job.Status,
	})), nil
}

// handleListJobs handles the list_jobs tool.
func (s *Server) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner := request.GetString("owner", "")
	list, err := s.manager.List(ctx, owner)
	if err != nil {
		return toolError(err), nil
	}

	entries := make([]map[string]interface{}, 0, len(list))
	for _, job := range list {
		entries = append(entries, map[string]interface{}{
			"job_id":          job.ID,
			"name":            job.Name,
			"owner":           job.Owner,
			"structure_id":    job.StructureID,
			"status":          job.Status,
			"leads_requested": job.LeadsRequested,
			"leads_found":     job.LeadsFound,
			"created_at":      job.CreatedAt.Format(time.RFC3339),
		})
	}
	result := map[string]interface{}{
		"jobs":       entries,
		"total_jobs": len(entries),
	}
	if owner != "" {
		result["owner"] = owner
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleListLeads handles the list_leads tool.
func (s *Server) handleListLeads(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner := request.GetString("owner", "")
	if owner == "" {
		return mcp.NewToolResultError("owner parameter is required"), nil
	}
	limit := request.GetInt("limit", defaultLeadLimit)
	if limit <= 0 {
		limit = defaultLeadLimit
	}
	if limit > maxLeadLimit {
		limit = maxLeadLimit
	}

	leads, err := s.store.ListLeads(ctx, owner, limit)
	if err != nil {
		return toolError(err), nil
	}
	entries := make([]map[string]interface{}, 0, len(leads))
	for _, lead := range leads {
		entry := map[string]interface{}{
			"lead_id":     lead.ID,
			"name":        lead.Name,
			"company":     lead.Company,
			"is_complete": lead.IsComplete,
			"status":      lead.Status,
			"data":        lead.Data,
			"source_url":  lead.SourceURL,
			"created_at":  lead.CreatedAt.Format(time.RFC3339),
		}
		if lead.Email != "" {
			entry["email"] = lead.Email
		}
		if lead.Phone != "" {
			entry["phone"] = lead.Phone
		}
		if len(lead.MissingFields) > 0 {
			entry["missing_fields"] = lead.MissingFields
		}
		entries = append(entries, entry)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"owner":       owner,
		"leads":       entries,
		"total_leads": len(entries),
	})), nil
}

// handleGetQuota handles the get_quota tool.
func (s *Server) handleGetQuota(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner := request.GetString("owner", "")
	if owner == "" {
		return mcp.NewToolResultError("owner parameter is required"), nil
	}
	profile, err := s.store.GetQuota(owner)
	if err != nil {
		return toolError(err), nil
	}

	// Report today's view without persisting the rollover
	now := time.Now()
	view := *profile
	view.ResetIfNewDay(now)

	result := map[string]interface{}{
		"owner":              view.Owner,
		"plan":               view.Plan,
		"leads_used":         view.LeadsUsed,
		"rate_limited_leads": view.RateLimitedLeads,
		"incomplete_leads":   view.IncompleteLeads,
		"unlimited":          view.UnlimitedLeads,
		"trial_expired":      view.TrialExpired(now),
	}
	if !view.UnlimitedLeads {
		result["leads_quota"] = view.LeadsQuota
		result["remaining"] = view.Remaining()
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleGetTaskLogs handles the get_task_logs tool.
func (s *Server) handleGetTaskLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := request.GetString("task_id", "")
	if taskID == "" {
		jobID := request.GetString("job_id", "")
		if jobID == "" {
			return mcp.NewToolResultError("task_id or job_id parameter is required"), nil
		}
		var err error
		if taskID, err = s.latestTask(ctx, jobID); err != nil {
			return toolError(err), nil
		}
	}

	logs, err := s.store.ListLogs(ctx, taskID)
	if err != nil {
		return toolError(err), nil
	}
	entries := make([]map[string]interface{}, 0, len(logs))
	for _, l := range logs {
		entry := map[string]interface{}{
			"type":      l.Type,
			"message":   l.Message,
			"timestamp": l.Timestamp.Format(time.RFC3339),
		}
		if len(l.Details) > 0 {
			entry["details"] = l.Details
		}
		entries = append(entries, entry)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"task_id": taskID,
		"logs":    entries,
	})), nil
}

// latestTask returns the job's active task, or its most recent one once finished.
func (s *Server) latestTask(ctx context.Context, jobID string) (string, error) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return "", err
	}
	if job.ActiveTaskID != "" {
		return job.ActiveTaskID, nil
	}
	tasks, err := s.store.ListJobTasks(ctx, jobID)
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "", fmt.Errorf("%w: job '%s' has no tasks", utils.ErrNotFound, jobID)
	}
	return tasks[len(tasks)-1].ID, nil
}

func statusResult(st *jobs.Status) map[string]interface{} {
	job := st.Job
	result := map[string]interface{}{
		"job_id":          job.ID,
		"name":            job.Name,
		"owner":           job.Owner,
		"structure_id":    job.StructureID,
		"status":          job.Status,
		"leads_requested": job.LeadsRequested,
		"leads_found":     job.LeadsFound,
		"created_at":      job.CreatedAt.Format(time.RFC3339),
	}
	if job.Control != models.ControlNone {
		result["control"] = job.Control
	}
	if job.CompletedAt != nil {
		result["completed_at"] = job.CompletedAt.Format(time.RFC3339)
	}
	if task := st.Task; task != nil {
		taskInfo := map[string]interface{}{
			"task_id":            task.ID,
			"status":             task.Status,
			"current_step":       task.CurrentStep,
			"pages_explored":     task.PagesExplored,
			"leads_found":        task.LeadsFound,
			"unique_leads":       task.UniqueLeads,
			"duplicate_leads":    task.DuplicateLeads,
			"rate_limited_leads": task.RateLimitedLeads,
			"incomplete_leads":   task.IncompleteLeads,
			"start_time":         task.StartTime.Format(time.RFC3339),
			"last_activity":      task.LastActivity.Format(time.RFC3339),
			"duration_seconds":   st.Duration.Seconds(),
			"running_here":       st.Running,
		}
		if task.WorkerID != "" {
			taskInfo["worker_id"] = task.WorkerID
		}
		if task.ErrorMessage != "" {
			taskInfo["error_message"] = task.ErrorMessage
		}
		result["task"] = taskInfo
		result["progress_percent"] = st.Progress
	}
	return result
}

// toolError turns a domain error into a tool-level error result.
func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, utils.ErrNotFound):
		return mcp.NewToolResultError("not found: " + err.Error())
	case errors.Is(err, utils.ErrInvalidJob), errors.Is(err, utils.ErrInvalidState), errors.Is(err, utils.ErrTaskTerminal), errors.Is(err, utils.ErrActiveTask):
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(fmt.Sprintf("internal error [%s]: %v", utils.CategorizeError(err), err))
}

// stringList accepts a JSON array of strings or a comma separated string.
func stringList(v any) []string {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return val
	case string:
		if strings.TrimSpace(val) == "" {
			return nil
		}
		return strings.Split(val, ",")
	}
	return nil
}

// formatJSON formats data as an indented JSON string.
func formatJSON(data map[string]interface{}) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
