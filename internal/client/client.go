// Package client runs one browser test client: the external runner is
// pointed at the client's generated document and its exit code is the
// client's result.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-turtle/internal/logging"
	"github.com/randomizedcoder/go-turtle/internal/process"
)

// diagnosticLines is how much runner output is logged for a failed client.
const diagnosticLines = 20

// Result is what one client run produced.
type Result struct {
	Name     string
	ExitCode int
	Skipped  bool
	Duration time.Duration
}

// Passed reports whether the client succeeded or had nothing to run.
func (r Result) Passed() bool {
	return r.Skipped || r.ExitCode == 0
}

// Invocation is the runner command line for one client:
// <runner> [args...] <target>. It implements process.Builder.
type Invocation struct {
	Client string
	Runner string
	Args   []string
	Target string
}

// Name returns the client name.
func (i Invocation) Name() string {
	return i.Client
}

// BuildCommand creates the runner command in its own process group.
func (i Invocation) BuildCommand(ctx context.Context) (*exec.Cmd, error) {
	if i.Target == "" {
		return nil, errors.New("runner target is empty")
	}
	path, err := process.ResolvePath(i.Runner)
	if err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}

	args := make([]string, 0, len(i.Args)+1)
	args = append(args, i.Args...)
	args = append(args, i.Target)

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return process.SignalGroup(cmd.Process, syscall.SIGTERM)
	}
	cmd.WaitDelay = 2 * time.Second
	return cmd, nil
}

// String returns the command line for logs.
func (i Invocation) String() string {
	parts := append([]string{i.Runner}, i.Args...)
	return strings.Join(append(parts, i.Target), " ")
}

// Job runs one client. It satisfies runner.Job[Result].
type Job struct {
	Name    string
	Tests   int
	Builder process.Builder
	Logger  *slog.Logger

	// Output is where runner output goes. Defaults to os.Stdout.
	Output io.Writer

	// Bundle is a generated file removed after the run unless KeepBundle.
	Bundle     string
	KeepBundle bool

	// OnStart is called once the runner process has been spawned.
	OnStart func(pid int)

	// OnExit is called with the result of a run that spawned a process.
	OnExit func(Result)
}

// Run executes the client. A client with no tests completes at once
// without spawning anything. A non-zero runner exit is reported in the
// result, not as an error; errors mean the runner could not be run.
func (j *Job) Run(ctx context.Context) (Result, error) {
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if j.Tests == 0 {
		logger.Info("client_skipped", "client", j.Name, "reason", "no tests")
		return Result{Name: j.Name, Skipped: true}, nil
	}
	defer j.cleanup(logger)

	cmd, err := j.Builder.BuildCommand(ctx)
	if err != nil {
		return Result{Name: j.Name}, fmt.Errorf("client %s: %w", j.Name, err)
	}

	dst := j.Output
	if dst == nil {
		dst = os.Stdout
	}
	out := logging.NewOutputHandler(dst, "")
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		logger.Error("client_spawn_failed", "client", j.Name, "error", err)
		return Result{Name: j.Name}, fmt.Errorf("start client %s: %w", j.Name, err)
	}
	logger.Info("client_started", "client", j.Name, "pid", cmd.Process.Pid)
	if j.OnStart != nil {
		j.OnStart(cmd.Process.Pid)
	}

	waitErr := cmd.Wait()
	out.Flush()

	res := Result{
		Name:     j.Name,
		ExitCode: process.ExitCode(waitErr),
		Duration: time.Since(start),
	}

	if res.ExitCode == 0 {
		logger.Info("client_exited", "client", j.Name, "exit_code", 0, "duration", res.Duration.String())
	} else {
		logger.Warn("client_failed",
			"client", j.Name,
			"exit_code", res.ExitCode,
			"duration", res.Duration.String(),
			"recent_output", out.RecentLines(diagnosticLines),
		)
	}

	if j.OnExit != nil {
		j.OnExit(res)
	}
	return res, nil
}

func (j *Job) cleanup(logger *slog.Logger) {
	if j.Bundle == "" {
		return
	}
	if j.KeepBundle {
		logger.Info("bundle_kept", "client", j.Name, "path", j.Bundle)
		return
	}
	if err := os.Remove(j.Bundle); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debug("bundle_remove_failed", "client", j.Name, "error", err)
	}
}

// WriteBundle stores a generated document at <dir>/<runID>/<client>.html
// and returns the path.
func WriteBundle(dir, runID, name string, html []byte) (string, error) {
	runDir := filepath.Join(dir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("create bundle dir: %w", err)
	}
	path := filepath.Join(runDir, safeName(name)+".html")
	if err := os.WriteFile(path, html, 0o644); err != nil {
		return "", fmt.Errorf("write bundle: %w", err)
	}
	return path, nil
}

// safeName keeps a client name usable as a file name.
func safeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
