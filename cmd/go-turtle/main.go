// Package main provides the go-turtle CLI entry point.
//
// go-turtle starts the servers a browser test suite depends on, waits for
// each to be ready, runs every test client through a headless browser
// runner and exits with the first failing client's code.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/randomizedcoder/go-turtle/internal/config"
	"github.com/randomizedcoder/go-turtle/internal/logging"
	"github.com/randomizedcoder/go-turtle/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-turtle
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	// Handle version flag early (before flag parsing)
	if len(args) > 0 {
		arg := args[0]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Fprintf(stdout, "go-turtle %s\n", version)
			return 0
		}
	}

	// Parse command-line flags
	cfg, err := config.ParseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error parsing flags: %v\n", err)
		return 1
	}
	if cfg.ShowVersion {
		fmt.Fprintf(stdout, "go-turtle %s\n", version)
		return 0
	}

	// Initialize logger
	// When TUI is enabled, suppress logs to avoid interfering with TUI rendering
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.Discard()
	} else {
		logger = logging.NewLogger(cfg.LogFormat, "info", cfg.Verbose)
	}
	logging.SetDefault(logger)

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 1
	}

	suite, err := config.LoadSuite(cfg.SuitePath)
	if err != nil {
		fmt.Fprintf(stderr, "Suite error: %v\n", err)
		return 1
	}

	logger.Info("starting",
		"version", version,
		"suite", cfg.SuitePath,
		"runner", cfg.RunnerPath,
		"target", cfg.Target,
		"metrics_addr", cfg.MetricsAddr,
	)

	if !cfg.TUIEnabled {
		printBanner(stdout, cfg, suite)
	}

	orch := orchestrator.New(cfg, suite, orchestrator.Options{
		Logger:  logger,
		Version: version,
		Stdout:  stdout,
		Stderr:  stderr,
	})
	code, err := orch.Run(context.Background())
	if err != nil {
		logger.Error("orchestrator_failed", "error", err)
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return code
}

// printBanner prints the startup banner.
func printBanner(w io.Writer, cfg *config.Config, suite *config.Suite) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                            go-turtle                              ║")
	fmt.Fprintln(w, "║        Browser Test Orchestration with Server Supervision         ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Suite:       %s\n", cfg.SuitePath)
	fmt.Fprintf(w, "  Servers:     %d\n", len(suite.Servers))
	fmt.Fprintf(w, "  Clients:     %d\n", len(suite.Clients))
	fmt.Fprintf(w, "  Runner:      %s (%s)\n", cfg.RunnerPath, cfg.Target)
	if cfg.MaxParallel > 0 {
		fmt.Fprintf(w, "  Parallel:    at most %d\n", cfg.MaxParallel)
	}
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(w, "  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Press Ctrl+C to stop.")
	fmt.Fprintln(w)
}
