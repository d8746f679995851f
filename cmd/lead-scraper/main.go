package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/leadforge/lead-scraper/pkg/config"
	"github.com/leadforge/lead-scraper/pkg/log"
)

const version = "1.0.0"

// shutdownGrace bounds the time running tasks get to park after a signal.
const shutdownGrace = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// API keys and the broker URL may come from a .env file next to the config
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: could not load .env: %v\n", err)
	}

	switch os.Args[1] {
	case "submit":
		runSubmit(os.Args[2:])
	case "run":
		runRun(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "stop", "pause", "resume", "restart":
		runControl(os.Args[1], os.Args[2:])
	case "leads":
		runLeads(os.Args[2:])
	case "quota":
		runQuota(os.Args[2:])
	case "purge":
		runPurge(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "mcp-server":
		runMcpServer(os.Args[2:])
	case "version":
		fmt.Printf("lead-scraper version %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stderr)
}

func printUsageTo(w io.Writer) {
	fmt.Fprintf(w, `lead-scraper - Lead extraction pipeline

Usage:
  lead-scraper <command> [options]

Commands:
  worker       Run the worker pool, watchdog and maintenance until interrupted
  run          Submit one job and process it in the foreground
  submit       Persist a job; the next worker picks it up
  status       Show a job and its active task
  stop         Stop a job (leads already created are kept)
  pause        Pause a job at the next page boundary
  resume       Resume a paused job
  restart      Start a new attempt of a finished job
  leads        List an account's leads
  quota        Show or set an account's quota profile
  purge        Delete finished tasks older than a retention window
  validate     Validate the configuration file
  mcp-server   Start the MCP server with an embedded worker pool
  version      Show version information

Commands other than worker, run and mcp-server open the state directory
directly and cannot run while a worker holds it.

Run 'lead-scraper <command> -h' for command-specific help.
`)
}

// loadConfig reads and parses a YAML config file.
func loadConfig(path string) (*config.AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg config.AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// loadAndValidateConfig loads the config, applies defaults and logs warnings.
func loadAndValidateConfig(path string, logger *logrus.Logger) (*config.AppConfig, error) {
	logger.Infof("Loading configuration from %s", path)
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	warnings, err := cfg.Validate()
	for _, w := range warnings {
		logger.Warn(w)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogger builds the process logger writing to out.
func setupLogger(level string, out io.Writer) *logrus.Logger {
	logger, err := log.NewLogger(level, out)
	if err != nil {
		logger, _ = log.NewLogger("info", out)
		logger.Warnf("%v, using 'info'", err)
	}
	return logger
}

// handleSignals cancels the root context on SIGINT/SIGTERM. A second signal,
// or tasks that do not park within the grace period, force the exit.
// The returned func stops signal delivery.
func handleSignals(cancel context.CancelFunc, logger *logrus.Logger) func() {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("PANIC in signal handler: %v", r)
			}
		}()
		sig, ok := <-sigChan
		if !ok {
			return
		}
		logger.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
		cancel()

		select {
		case sig, ok = <-sigChan:
			if !ok {
				return
			}
			logger.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(shutdownGrace):
			logger.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(sigChan)
	}
}

// doValidate validates the config and writes the report to the writers.
// Returns exit code (0 = valid, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := cfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	keys := make([]string, 0, len(cfg.Structures))
	for k := range cfg.Structures {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		s := cfg.Structures[key]
		required := 0
		for _, f := range s.Fields {
			if f.Required {
				required++
			}
		}
		fmt.Fprintf(stdout, "OK: [%s] %d fields, %d required\n", key, len(s.Fields), required)
	}
	if len(keys) == 0 {
		fmt.Fprintln(stdout, "WARN: no structures declared, jobs can only use structures already stored")
	}

	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// runValidate handles the validate subcommand.
func runValidate(args []string) {
	fs := newFlagSet("validate", "Validate the configuration file")
	configFile := fs.String("config", "config.yaml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doValidate(*configFile, os.Stdout, os.Stderr))
}
