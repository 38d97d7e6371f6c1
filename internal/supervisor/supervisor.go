package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-turtle/internal/logging"
	"github.com/randomizedcoder/go-turtle/internal/process"
	"github.com/randomizedcoder/go-turtle/internal/readiness"
)

var (
	// ErrAlreadyStarted is returned when Start is called more than once.
	ErrAlreadyStarted = errors.New("supervisor already started")

	// ErrExitedBeforeReady is returned when the process exits before its
	// readiness condition is met.
	ErrExitedBeforeReady = errors.New("process exited before becoming ready")

	// ErrNotGraceful is returned by Shutdown when SIGKILL was needed.
	ErrNotGraceful = errors.New("process did not exit gracefully")
)

// diagnosticLines is how much recent output is logged when startup fails.
const diagnosticLines = 20

// Callbacks contains optional callback functions for supervisor events.
type Callbacks struct {
	// OnStateChange is called when the lifecycle state changes.
	OnStateChange func(name string, oldState, newState State)

	// OnStart is called when the process has been spawned.
	OnStart func(name string, pid int)

	// OnReady is called once, when the readiness condition is met.
	OnReady func(name string, startup time.Duration)

	// OnExit is called when the process exits for any reason.
	OnExit func(name string, exitCode int, uptime time.Duration)
}

// Config holds configuration for creating a new Supervisor.
type Config struct {
	Spec      process.Spec
	Logger    *slog.Logger
	Callbacks Callbacks

	// Stdout and Stderr are the parent streams output is forwarded to.
	// Defaults: os.Stdout and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer
}

// Supervisor manages the lifecycle of a single server process.
// It is the only owner of the process handle.
type Supervisor struct {
	spec      process.Spec
	name      string
	logger    *slog.Logger
	callbacks Callbacks
	stdout    io.Writer
	stderr    io.Writer

	// State management
	state     State
	stateMu   sync.RWMutex
	startTime time.Time

	// Current process; cleared by Stop and on exit.
	cmd   *exec.Cmd
	proc  *os.Process
	cmdMu sync.Mutex

	exited   chan struct{}
	exitCode int

	outStdout *logging.OutputHandler
	outStderr *logging.OutputHandler

	signals atomic.Int32
}

// New creates a Supervisor. It fails fast when the executable does not
// exist, so a misconfigured server is reported before anything spawns.
func New(cfg Config) (*Supervisor, error) {
	if _, err := process.ResolvePath(cfg.Spec.Path); err != nil {
		return nil, fmt.Errorf("server %s: %w", cfg.Spec.DisplayName(), err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	return &Supervisor{
		spec:      cfg.Spec,
		name:      cfg.Spec.DisplayName(),
		logger:    logger,
		callbacks: cfg.Callbacks,
		stdout:    stdout,
		stderr:    stderr,
		state:     StateUnstarted,
		exited:    make(chan struct{}),
	}, nil
}

// Start spawns the process and blocks until it is ready. It returns an
// error if the process fails to spawn, exits before becoming ready, misses
// its readiness timeout, or ctx is cancelled first. A successful return
// happens at most once per Supervisor.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.transition(StateStarting) {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyStarted, s.name, s.State())
	}

	cmd, err := s.spec.BuildCommand(ctx)
	if err != nil {
		s.transition(StateCrashed)
		return fmt.Errorf("build command for %s: %w", s.name, err)
	}

	watcher := readiness.NewWatcher(s.spec.Ready)
	s.outStdout = s.newOutput(s.stdout)
	s.outStderr = s.newOutput(s.stderr)
	cmd.Stdout = io.MultiWriter(s.outStdout, watcher.Writer(readiness.Stdout))
	cmd.Stderr = io.MultiWriter(s.outStderr, watcher.Writer(readiness.Stderr))

	s.cmdMu.Lock()
	s.cmd = cmd
	s.cmdMu.Unlock()

	s.startTime = time.Now()
	watcher.Start()
	if err := cmd.Start(); err != nil {
		watcher.Stop()
		s.clearCmd(cmd)
		s.transition(StateCrashed)
		s.logger.Error("server_spawn_failed",
			"server", s.name,
			"command", s.spec.CommandString(),
			"error", err,
		)
		return fmt.Errorf("start %s: %w", s.name, err)
	}

	s.cmdMu.Lock()
	s.proc = cmd.Process
	s.cmdMu.Unlock()

	pid := cmd.Process.Pid
	s.logger.Info("server_started",
		"server", s.name,
		"pid", pid,
		"command", s.spec.CommandString(),
		"ready_condition", s.spec.Ready.String(),
		"log_policy", s.spec.Log.Policy.String(),
	)
	if s.callbacks.OnStart != nil {
		s.callbacks.OnStart(s.name, pid)
	}

	go s.wait(cmd)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readyCh := make(chan error, 1)
	go func() {
		readyCh <- watcher.Wait(waitCtx)
	}()

	select {
	case err := <-readyCh:
		if err != nil {
			watcher.Stop()
			s.logger.Error("server_not_ready",
				"server", s.name,
				"ready_condition", s.spec.Ready.String(),
				"error", err,
			)
			s.abort()
			return fmt.Errorf("%s: %w", s.name, err)
		}

		startup := time.Since(s.startTime)
		if !s.transition(StateReady) {
			// Exited or stopped while the signal was in flight.
			return fmt.Errorf("%w: %s is %s", ErrExitedBeforeReady, s.name, s.State())
		}
		s.logger.Info("server_ready",
			"server", s.name,
			"pid", pid,
			"startup", startup.String(),
		)
		if s.callbacks.OnReady != nil {
			s.callbacks.OnReady(s.name, startup)
		}
		return nil

	case <-s.exited:
		watcher.Stop()
		s.logger.Error("server_exited_before_ready",
			"server", s.name,
			"exit_code", s.exitCode,
			"recent_output", s.RecentOutput(diagnosticLines),
		)
		return fmt.Errorf("%w: %s exited with code %d", ErrExitedBeforeReady, s.name, s.exitCode)
	}
}

func (s *Supervisor) newOutput(dst io.Writer) *logging.OutputHandler {
	switch s.spec.Log.Policy {
	case process.LogSilent:
		return logging.NewOutputHandler(nil, "")
	case process.LogPrefix:
		return logging.NewOutputHandler(dst, s.spec.Log.Prefix)
	default:
		return logging.NewOutputHandler(dst, "")
	}
}

// wait reaps the process and records how it ended.
func (s *Supervisor) wait(cmd *exec.Cmd) {
	waitErr := cmd.Wait()
	uptime := time.Since(s.startTime)
	s.exitCode = process.ExitCode(waitErr)
	s.outStdout.Flush()
	s.outStderr.Flush()

	s.clearCmd(cmd)

	wasReady := s.State() == StateReady
	crashed := s.transition(StateCrashed)
	close(s.exited)

	switch {
	case crashed && wasReady:
		s.logger.Error("server_crashed",
			"server", s.name,
			"exit_code", s.exitCode,
			"uptime", uptime.String(),
			"recent_output", s.RecentOutput(diagnosticLines),
		)
	default:
		s.logger.Debug("server_exited",
			"server", s.name,
			"exit_code", s.exitCode,
			"uptime", uptime.String(),
		)
	}

	if s.callbacks.OnExit != nil {
		s.callbacks.OnExit(s.name, s.exitCode, uptime)
	}
}

func (s *Supervisor) clearCmd(cmd *exec.Cmd) {
	s.cmdMu.Lock()
	if s.cmd == cmd {
		s.cmd = nil
	}
	s.cmdMu.Unlock()
}

// abort terminates a process that failed its readiness wait.
func (s *Supervisor) abort() {
	s.cmdMu.Lock()
	cmd := s.cmd
	s.cmd = nil
	s.cmdMu.Unlock()

	s.transition(StateCrashed)
	if cmd != nil && cmd.Process != nil {
		s.signals.Add(1)
		_ = process.SignalGroup(cmd.Process, syscall.SIGTERM)
	}
}

// Stop sends SIGTERM to the process group and forgets the handle. It does
// not wait for the process to exit. Stopping a process that was never
// started, already exited, or was already stopped does nothing.
func (s *Supervisor) Stop() {
	s.cmdMu.Lock()
	cmd := s.cmd
	s.cmd = nil
	s.cmdMu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	s.transition(StateStopped)

	select {
	case <-s.exited:
		return
	default:
	}

	s.signals.Add(1)
	if err := process.SignalGroup(cmd.Process, syscall.SIGTERM); err != nil {
		s.logger.Debug("server_stop_signal_failed",
			"server", s.name,
			"error", err,
		)
		return
	}
	s.logger.Info("server_stopping", "server", s.name, "pid", cmd.Process.Pid)
}

// Shutdown stops the process and waits up to timeout for it to exit,
// escalating to SIGKILL afterwards. Safe to call repeatedly.
func (s *Supervisor) Shutdown(timeout time.Duration) error {
	s.Stop()

	s.cmdMu.Lock()
	proc := s.proc
	s.cmdMu.Unlock()
	if proc == nil {
		return nil
	}

	select {
	case <-s.exited:
		return nil
	case <-time.After(timeout):
		s.logger.Warn("force_killing_server",
			"server", s.name,
			"pid", proc.Pid,
		)
		_ = process.SignalGroup(proc, syscall.SIGKILL)
		return fmt.Errorf("%w: %s", ErrNotGraceful, s.name)
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// transition moves to newState if the lifecycle allows it and reports
// whether it did.
func (s *Supervisor) transition(newState State) bool {
	s.stateMu.Lock()
	oldState := s.state
	if !canTransition(oldState, newState) {
		s.stateMu.Unlock()
		return false
	}
	s.state = newState
	s.stateMu.Unlock()

	if s.callbacks.OnStateChange != nil {
		s.callbacks.OnStateChange(s.name, oldState, newState)
	}
	return true
}

// Name returns the server name.
func (s *Supervisor) Name() string {
	return s.name
}

// Spec returns the process description.
func (s *Supervisor) Spec() process.Spec {
	return s.spec
}

// Done returns a channel closed when the spawned process has exited.
// It never closes for a supervisor whose process was never spawned.
func (s *Supervisor) Done() <-chan struct{} {
	return s.exited
}

// ExitCode returns the exit code once Done is closed.
func (s *Supervisor) ExitCode() int {
	select {
	case <-s.exited:
		return s.exitCode
	default:
		return -1
	}
}

// SignalsSent returns how many termination signals have been sent.
func (s *Supervisor) SignalsSent() int {
	return int(s.signals.Load())
}

// RecentOutput returns up to n recent lines from each output stream,
// stdout first.
func (s *Supervisor) RecentOutput(n int) []string {
	var lines []string
	if s.outStdout != nil {
		lines = append(lines, s.outStdout.RecentLines(n)...)
	}
	if s.outStderr != nil {
		lines = append(lines, s.outStderr.RecentLines(n)...)
	}
	return lines
}

// Uptime returns how long the process has been running, or 0 if it is
// not active.
func (s *Supervisor) Uptime() time.Duration {
	if !s.State().IsActive() {
		return 0
	}
	return time.Since(s.startTime)
}
