package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/leadforge/lead-scraper/pkg/mcp"
)

// runMcpServer handles the mcp-server subcommand.
func runMcpServer(args []string) {
	fs := newFlagSet("mcp-server", "Start an MCP (Model Context Protocol) server with an embedded worker pool.")
	configFile := fs.String("config", "config.yaml", "Path to config file")
	transport := fs.String("transport", "stdio", "Transport type (stdio, sse)")
	port := fs.Int("port", 8080, "HTTP port (for sse transport)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error)")
	workers := fs.Int("workers", 0, "Override num_workers from the config")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: lead-scraper mcp-server [options]

Start an MCP (Model Context Protocol) server. Submitted jobs run in this
process; the watchdog and maintenance run alongside.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Start with stdio transport (for desktop assistants)
  lead-scraper mcp-server -config config.yaml

  # Start with SSE transport on port 8080
  lead-scraper mcp-server -config config.yaml -transport sse -port 8080

Available MCP Tools:
  submit_job      Submit a lead collection job
  get_job_status  Status, counters and progress of a job
  stop_job        Stop a job
  pause_job       Pause a job at the next page boundary
  resume_job      Resume a paused job
  restart_job     Start a new attempt of a finished job
  list_jobs       List jobs
  list_leads      List an account's leads
  get_quota       Plan, daily quota and usage of an account
  get_task_logs   User-visible log of a task
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	exitCode := doMcpServer(*configFile, *transport, *port, *logLevel, *workers, os.Stderr)
	os.Exit(exitCode)
}

// doMcpServer is the testable implementation of the MCP server.
func doMcpServer(configPath, transport string, port int, logLevel string, workers int, stderr io.Writer) int {
	if transport != "stdio" && transport != "sse" {
		fmt.Fprintf(stderr, "Error: unknown transport: %s (supported: stdio, sse)\n", transport)
		return 1
	}
	logger := setupLogger(logLevel, stderr) // MCP protocol uses stdout, logs go to stderr

	cfg, err := loadAndValidateConfig(configPath, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}
	if workers > 0 {
		cfg.NumWorkers = workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopSignals := handleSignals(cancel, logger)
	defer stopSignals()

	svc, err := newServices(cfg, logger, false)
	if err != nil {
		fmt.Fprintf(stderr, "Error initializing workers: %v\n", err)
		return 1
	}
	defer svc.Close()

	server, err := mcp.NewServer(&mcp.ServerConfig{
		Manager:   svc.manager,
		Store:     svc.store,
		Transport: transport,
		Port:      port,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error creating MCP server: %v\n", err)
		return 1
	}

	stopBackground, err := svc.background(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error starting maintenance: %v\n", err)
		return 1
	}
	defer stopBackground()

	if _, err := svc.manager.RequeueInterrupted(ctx); err != nil {
		fmt.Fprintf(stderr, "Error requeueing tasks: %v\n", err)
		return 1
	}
	poolDone := make(chan error, 1)
	go func() {
		_, err := svc.work(ctx)
		poolDone <- err
	}()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Run()
	}()
	logger.Infof("Starting MCP server (transport: %s)", transport)

	exitCode := 0
	select {
	case err := <-serveDone:
		if err != nil {
			fmt.Fprintf(stderr, "MCP server error: %v\n", err)
			exitCode = 1
		}
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("MCP shutdown: %v", err)
		}
		cancelShutdown()
	case err := <-poolDone:
		if err == nil {
			err = errors.New("consumer closed")
		}
		fmt.Fprintf(stderr, "Worker pool stopped: %v\n", err)
		return 1
	}

	// Running tasks park themselves as interrupted
	cancel()
	if err := <-poolDone; err != nil {
		fmt.Fprintf(stderr, "Worker pool error: %v\n", err)
		exitCode = 1
	}
	return exitCode
}
