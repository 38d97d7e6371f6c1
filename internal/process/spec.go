// Package process describes external processes: how to build their
// commands, where their output goes, and how to read their exit status.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-turtle/internal/readiness"
)

// ErrNotFound is returned when an executable path does not exist.
var ErrNotFound = errors.New("executable not found")

// Builder creates executable commands.
// This interface keeps supervisors and client jobs process-agnostic.
type Builder interface {
	// BuildCommand returns a ready-to-start command. It must not be started.
	BuildCommand(ctx context.Context) (*exec.Cmd, error)

	// Name returns a human-readable name for logs.
	Name() string
}

// LogPolicy selects how a child process's output reaches the console.
type LogPolicy int

const (
	// LogInherit passes output through to the parent's streams unmodified.
	LogInherit LogPolicy = iota

	// LogPrefix prepends a configured string to every line.
	LogPrefix

	// LogSilent discards output.
	LogSilent
)

// String returns the policy name.
func (p LogPolicy) String() string {
	switch p {
	case LogInherit:
		return "inherited"
	case LogPrefix:
		return "prefixed"
	case LogSilent:
		return "silent"
	default:
		return "unknown"
	}
}

// LogConfig is a log policy with its prefix.
type LogConfig struct {
	Policy LogPolicy
	Prefix string
}

// Inherit returns the pass-through log configuration.
func Inherit() LogConfig { return LogConfig{Policy: LogInherit} }

// Prefixed returns a configuration prefixing every line with prefix.
func Prefixed(prefix string) LogConfig { return LogConfig{Policy: LogPrefix, Prefix: prefix} }

// Silent returns a configuration discarding output.
func Silent() LogConfig { return LogConfig{Policy: LogSilent} }

// Spec describes one external process. It is treated as immutable once
// handed to a supervisor.
type Spec struct {
	Name string
	Path string
	Args []string

	// Dir is the working directory. Empty inherits the caller's.
	Dir string

	// Env is the environment. Nil inherits the caller's.
	Env []string

	Ready readiness.Condition
	Log   LogConfig
}

// DisplayName returns the name used in logs, falling back to the path.
func (s Spec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Path
}

// BuildCommand returns the unstarted command for s. The process is placed in its own process
// group so that stopping it also reaches any children it forks.
func (s Spec) BuildCommand(ctx context.Context) (*exec.Cmd, error) {
	path, err := ResolvePath(s.Path)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, path, s.Args...)
	cmd.Dir = s.Dir
	cmd.Env = s.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// On context cancellation terminate the whole group, not just the leader.
	cmd.Cancel = func() error {
		return SignalGroup(cmd.Process, syscall.SIGTERM)
	}
	// Don't let grandchildren holding our pipes block Wait forever.
	cmd.WaitDelay = 2 * time.Second

	return cmd, nil
}

// CommandString returns the command that would be executed (for debugging).
func (s Spec) CommandString() string {
	if len(s.Args) == 0 {
		return s.Path
	}
	return s.Path + " " + strings.Join(s.Args, " ")
}

// ResolvePath checks that an executable exists. Bare names are looked up on
// PATH; anything containing a path separator is checked on disk.
func ResolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrNotFound)
	}

	if !strings.ContainsRune(path, os.PathSeparator) {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrNotFound, path, err)
		}
		return resolved, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}
	return path, nil
}
