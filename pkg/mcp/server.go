package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/leadforge/lead-scraper/pkg/jobs"
	"github.com/leadforge/lead-scraper/pkg/storage"
)

const (
	serverName    = "lead-scraper"
	serverVersion = "1.0.0"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Manager   *jobs.Manager
	Store     storage.Store
	Transport string // "stdio" or "sse"
	Port      int
	Logger    *logrus.Logger
}

// Server exposes job submission, control and lead retrieval as MCP tools.
type Server struct {
	mcpServer *server.MCPServer
	cfg       *ServerConfig
	log       *logrus.Entry
	manager   *jobs.Manager
	store     storage.Store
	sse       *server.SSEServer
}

// NewServer creates a new MCP server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.Manager == nil || cfg.Store == nil {
		return nil, errors.New("job manager and store are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithLogging(),
	)

	s := &Server{
		mcpServer: mcpServer,
		cfg:       cfg,
		log:       cfg.Logger.WithField("component", "mcp"),
		manager:   cfg.Manager,
		store:     cfg.Store,
	}
	s.registerTools()
	if cfg.Transport == "sse" {
		s.sse = server.NewSSEServer(mcpServer)
	}
	return s, nil
}

// registerTools registers all available MCP tools.
func (s *Server) registerTools() {
	tools := []server.ServerTool{
		{
			Tool: mcp.NewTool("submit_job",
				mcp.WithDescription("Submit a lead collection job. Returns immediately with the job and task IDs."),
				mcp.WithString("structure_id",
					mcp.Required(),
					mcp.Description("ID of the structure (schema) describing a valid lead"),
				),
				mcp.WithNumber("leads_requested",
					mcp.Required(),
					mcp.Description("Number of unique leads to collect"),
				),
				mcp.WithArray("candidate_urls",
					mcp.Description("Sites to crawl (absolute http(s) URLs)"),
					mcp.Items(map[string]any{"type": "string"}),
				),
				mcp.WithString("owner",
					mcp.Description("Account the leads are attributed to (defaults to the structure owner)"),
				),
				mcp.WithString("objective",
					mcp.Description("Free-text search intent passed to the extractor"),
				),
				mcp.WithString("name",
					mcp.Description("Display name of the job"),
				),
				mcp.WithNumber("priority",
					mcp.Description("1 (high) to 3 (low), default 2"),
				),
			),
			Handler: s.handleSubmitJob,
		},
		{
			Tool: mcp.NewTool("get_job_status",
				mcp.WithDescription("Get the status, counters and progress of a job"),
				mcp.WithString("job_id", mcp.Required(), mcp.Description("The job ID returned by submit_job")),
			),
			Handler: s.handleGetJobStatus,
		},
		{
			Tool: mcp.NewTool("stop_job",
				mcp.WithDescription("Stop a job. Leads already created are kept."),
				mcp.WithString("job_id", mcp.Required(), mcp.Description("The job to stop")),
			),
			Handler: s.handleStopJob,
		},
		{
			Tool: mcp.NewTool("pause_job",
				mcp.WithDescription("Pause a job at the next page boundary. Resume it with resume_job."),
				mcp.WithString("job_id", mcp.Required(), mcp.Description("The job to pause")),
			),
			Handler: s.handlePauseJob,
		},
		{
			Tool: mcp.NewTool("resume_job",
				mcp.WithDescription("Resume a paused job with its counters intact"),
				mcp.WithString("job_id", mcp.Required(), mcp.Description("The job to resume")),
			),
			Handler: s.handleResumeJob,
		},
		{
			Tool: mcp.NewTool("restart_job",
				mcp.WithDescription("Start a new attempt of a finished job. Companies already turned into leads are skipped."),
				mcp.WithString("job_id", mcp.Required(), mcp.Description("The job to restart")),
			),
			Handler: s.handleRestartJob,
		},
		{
			Tool: mcp.NewTool("list_jobs",
				mcp.WithDescription("List jobs in submission order"),
				mcp.WithString("owner", mcp.Description("Only jobs of this account (optional)")),
			),
			Handler: s.handleListJobs,
		},
		{
			Tool: mcp.NewTool("list_leads",
				mcp.WithDescription("List an account's leads, newest first"),
				mcp.WithString("owner", mcp.Required(), mcp.Description("Account owning the leads")),
				mcp.WithNumber("limit", mcp.Description("Maximum number of leads (default: 50, max: 500)")),
			),
			Handler: s.handleListLeads,
		},
		{
			Tool: mcp.NewTool("get_quota",
				mcp.WithDescription("Get an account's plan, daily quota and usage"),
				mcp.WithString("owner", mcp.Required(), mcp.Description("Account to inspect")),
			),
			Handler: s.handleGetQuota,
		},
		{
			Tool: mcp.NewTool("get_task_logs",
				mcp.WithDescription("Get the user-visible log of a task"),
				mcp.WithString("task_id", mcp.Description("Task ID (or give job_id for its active or latest task)")),
				mcp.WithString("job_id", mcp.Description("Job ID")),
			),
			Handler: s.handleGetTaskLogs,
		},
	}
	s.mcpServer.AddTools(tools...)
	s.log.Infof("Registered %d MCP tools", len(tools))
}

// Run starts the MCP server with the configured transport.
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		if err := s.sse.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown stops the SSE listener. Running tasks are left to the worker pool.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server...")
	if s.sse != nil {
		return s.sse.Shutdown(ctx)
	}
	return nil
}
