// Package orchestrator coordinates one go-turtle run: servers start one by
// one, the file server comes up, clients run in parallel, their exit codes
// are reduced to one, and everything is torn down on every path out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-turtle/internal/config"
	"github.com/randomizedcoder/go-turtle/internal/fileserver"
	"github.com/randomizedcoder/go-turtle/internal/metrics"
	"github.com/randomizedcoder/go-turtle/internal/preflight"
	"github.com/randomizedcoder/go-turtle/internal/stats"
	"github.com/randomizedcoder/go-turtle/internal/supervisor"
	"github.com/randomizedcoder/go-turtle/internal/tui"
)

// ErrPreflight is returned when a preflight check fails.
var ErrPreflight = errors.New("preflight checks failed (use -skip-preflight to override)")

// Orchestrator coordinates all components for one run.
type Orchestrator struct {
	config  *config.Config
	suite   *config.Suite
	logger  *slog.Logger
	version string
	runID   string

	// stdout receives the preflight report and the summary. Child output
	// goes to childOut/childErr, which are discarded under the dashboard.
	stdout   io.Writer
	childOut io.Writer
	childErr io.Writer

	registry      *prometheus.Registry
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	tracker       *stats.Tracker
	servers       *ServerManager
	files         *fileserver.Server

	teardownOnce sync.Once
	startTime    time.Time
}

// Options holds the parts of a run that are not configuration.
type Options struct {
	Logger  *slog.Logger
	Version string

	// Stdout and Stderr default to os.Stdout and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer
}

// New creates an Orchestrator for a validated configuration and suite.
func New(cfg *config.Config, suite *config.Suite, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	runID := uuid.NewString()
	registry := prometheus.NewRegistry()

	o := &Orchestrator{
		config:   cfg,
		suite:    suite,
		logger:   logger.With("run_id", runID),
		version:  opts.Version,
		runID:    runID,
		stdout:   stdout,
		childOut: stdout,
		childErr: stderr,
		registry: registry,
		metrics: metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
			Version: opts.Version,
			RunID:   runID,
			Servers: len(suite.Servers),
			Clients: len(suite.Clients),
		}, registry),
		tracker: stats.NewTracker(),
	}

	if cfg.TUIEnabled {
		o.childOut, o.childErr = io.Discard, io.Discard
	}
	if cfg.MetricsAddr != "" {
		o.metricsServer = metrics.NewServer(cfg.MetricsAddr, registry, o.logger)
	}
	if cfg.Target == config.TargetURL {
		o.files = fileserver.New(cfg.ListenAddr, o.logger)
	}

	for _, s := range suite.Servers {
		o.tracker.DeclareServer(s.DisplayName())
	}

	return o
}

// Run executes the suite and returns the reduced exit code. A non-nil
// error means the run could not proceed (configuration, preflight, a
// server that failed to start) and the code is 1. Servers and the file
// server are torn down before Run returns, whichever way it returns.
func (o *Orchestrator) Run(ctx context.Context) (code int, err error) {
	o.startTime = time.Now()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.logger.Info("run_starting",
		"version", o.version,
		"servers", len(o.suite.Servers),
		"clients", len(o.suite.Clients),
		"target", o.config.Target,
		"max_parallel", o.config.MaxParallel,
	)

	if !o.config.SkipPreflight {
		result := preflight.RunAll(o.preflightInput())
		preflight.PrintResults(o.stdout, result)
		if !result.Passed {
			return 1, ErrPreflight
		}
	}

	// Anything that can fail on configuration fails here, before a spawn.
	clients, err := o.prepareClients()
	if err != nil {
		return 1, err
	}
	servers, err := NewServerManager(o.suite.Servers, ServerManagerConfig{
		Logger:       o.logger,
		ReadyTimeout: o.config.ReadyTimeout,
		Stdout:       o.childOut,
		Stderr:       o.childErr,
		Callbacks: supervisor.Callbacks{
			OnStateChange: o.onServerStateChange,
			OnStart:       o.onServerStart,
			OnReady:       o.onServerReady,
			OnExit:        o.onServerExit,
		},
	})
	if err != nil {
		return 1, err
	}
	o.servers = servers

	if o.metricsServer != nil {
		if err := o.metricsServer.Start(); err != nil {
			return 1, fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer o.shutdownMetricsServer()
	}

	var stopTUI func()
	if o.config.TUIEnabled {
		stopTUI = tui.Start(ctx, tui.Config{
			RunID:       o.runID,
			MetricsAddr: o.config.MetricsAddr,
			Source:      o.tracker,
			OnQuit:      cancel,
		})
	}

	defer func() {
		if r := recover(); r != nil {
			o.teardown()
			if stopTUI != nil {
				stopTUI()
			}
			panic(r)
		}
		o.teardown()
		if stopTUI != nil {
			stopTUI()
		}
		o.report(code)
	}()

	if err := o.servers.StartAll(ctx); err != nil {
		o.metrics.ServerFailed()
		o.logger.Error("servers_failed", "error", err)
		return 1, fmt.Errorf("start servers: %w", err)
	}
	o.logger.Info("servers_ready", "count", o.servers.ReadyCount())

	if o.files != nil {
		if err := o.files.Start(ctx); err != nil {
			return 1, err
		}
	}

	outcomes, err := o.runClients(ctx, clients)
	if err != nil {
		return 1, err
	}

	code = ExitCode(outcomes)
	if ctx.Err() != nil {
		o.logger.Warn("run_interrupted", "exit_code", code)
	}
	o.logger.Info("run_complete",
		"exit_code", code,
		"duration", time.Since(o.startTime).String(),
	)
	return code, nil
}

// teardown stops the file server and every server. It runs once, however
// many paths reach it.
func (o *Orchestrator) teardown() {
	o.teardownOnce.Do(func() {
		o.logger.Debug("teardown_started")

		if o.files != nil {
			ctx, cancel := context.WithTimeout(context.Background(), o.config.ShutdownTimeout)
			if err := o.files.Stop(ctx); err != nil {
				o.logger.Debug("file_server_stop_error", "error", err)
			}
			cancel()
		}

		if o.servers != nil {
			o.servers.Shutdown(o.config.ShutdownTimeout)
		}
	})
}

func (o *Orchestrator) shutdownMetricsServer() {
	ctx, cancel := context.WithTimeout(context.Background(), o.config.ShutdownTimeout)
	defer cancel()
	if err := o.metricsServer.Shutdown(ctx); err != nil {
		o.logger.Debug("metrics_server_shutdown_error", "error", err)
	}
}

// report prints the summary and writes the metrics file.
func (o *Orchestrator) report(code int) {
	o.metrics.SetExitCode(code)

	fmt.Fprint(o.stdout, stats.FormatExitSummary(stats.SummaryConfig{
		RunID:       o.runID,
		ExitCode:    code,
		MetricsAddr: o.config.MetricsAddr,
		MetricsFile: o.config.MetricsFile,
		PeakActive:  o.metrics.PeakActive(),
		ExitCodes:   o.metrics.ExitCodes(),
	}, o.tracker.Snapshot()))

	if o.config.MetricsFile != "" {
		if err := metrics.WriteSnapshot(o.registry, o.config.MetricsFile); err != nil {
			o.logger.Warn("metrics_file_failed", "path", o.config.MetricsFile, "error", err)
		}
	}
}

func (o *Orchestrator) preflightInput() preflight.Input {
	in := preflight.Input{
		Servers:    len(o.suite.Servers),
		Clients:    len(o.suite.Clients),
		Concurrent: o.config.MaxParallel,
	}
	for _, s := range o.suite.Servers {
		in.Executables = append(in.Executables, preflight.Executable{
			Role: "server",
			Name: s.DisplayName(),
			Path: s.Path,
		})
	}
	for _, c := range o.suite.Clients {
		if len(c.Tests) > 0 {
			in.Executables = append(in.Executables, preflight.Executable{
				Role: "runner",
				Name: "runner",
				Path: o.config.RunnerPath,
			})
			break
		}
	}
	if o.files != nil {
		in.ListenAddr = o.config.ListenAddr
	}
	return in
}

// =============================================================================
// Server callbacks
// =============================================================================

func (o *Orchestrator) onServerStateChange(name string, oldState, newState supervisor.State) {
	o.tracker.ServerState(name, newState)
	if oldState == supervisor.StateReady {
		o.metrics.ServerExited(name, true, newState == supervisor.StateCrashed)
	}
}

func (o *Orchestrator) onServerStart(name string, pid int) {
	o.tracker.ServerStarted(name, pid)
}

func (o *Orchestrator) onServerReady(name string, startup time.Duration) {
	o.tracker.ServerReady(name, startup)
	o.metrics.ServerReady(name, startup)
}

func (o *Orchestrator) onServerExit(name string, exitCode int, uptime time.Duration) {
	o.tracker.ServerExited(name, exitCode)
}

// =============================================================================
// Accessors
// =============================================================================

// RunID returns the identifier of this run.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Registry returns the run's metrics registry.
func (o *Orchestrator) Registry() *prometheus.Registry {
	return o.registry
}

// Tracker returns the run's progress tracker.
func (o *Orchestrator) Tracker() *stats.Tracker {
	return o.tracker
}

// Servers returns the server manager, or nil before Run builds it.
func (o *Orchestrator) Servers() *ServerManager {
	return o.servers
}
