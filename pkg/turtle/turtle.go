// Package turtle is the programmatic entry point to go-turtle.
//
// Declare servers, templates and clients on a Turtle, then call Run:
//
//	t := turtle.New(turtle.WithRunner("mocha-headless"))
//	t.Server(turtle.Server{Path: "./bin/api", Ready: turtle.Started(`listening`)})
//	t.Template(turtle.Template{Name: "base", Scripts: []string{"lib/jquery.js"}})
//	t.Client(turtle.Client{Name: "smoke", Template: "base", Tests: []turtle.Test{{Path: "test/client"}}})
//	t.Run(context.Background(), nil) // exits the process with the run's code
//
// Servers start one at a time, each only after the previous one is ready.
// Clients then run in parallel and the first non-zero exit code among them,
// in declaration order, is the code of the run.
package turtle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/randomizedcoder/go-turtle/internal/bundle"
	"github.com/randomizedcoder/go-turtle/internal/config"
	"github.com/randomizedcoder/go-turtle/internal/logging"
	"github.com/randomizedcoder/go-turtle/internal/orchestrator"
	"github.com/randomizedcoder/go-turtle/internal/process"
	"github.com/randomizedcoder/go-turtle/internal/readiness"
)

// Target modes for the browser runner.
const (
	TargetURL  = config.TargetURL
	TargetFile = config.TargetFile
)

// Ready describes when a server counts as started. The zero value waits a
// fixed default delay after spawn.
type Ready struct {
	pattern string
	delay   time.Duration
	timeout time.Duration
}

// Started is ready once pattern matches the server's stdout or stderr.
func Started(pattern string) Ready {
	return Ready{pattern: pattern}
}

// StartedAfter is ready a fixed delay after spawn.
func StartedAfter(d time.Duration) Ready {
	return Ready{delay: d}
}

// Within bounds how long the server may take to become ready. Zero, the
// default, waits forever.
func (r Ready) Within(timeout time.Duration) Ready {
	r.timeout = timeout
	return r
}

// Log controls what happens to a server's output. The zero value passes it
// through unchanged.
type Log struct {
	Prefix string
	Silent bool
}

// Server is an external process started before the clients.
type Server struct {
	Name string
	Path string
	Args []string
	Dir  string
	Env  []string

	Ready Ready
	Log   Log
}

// Template lists the scripts and stylesheets loaded before a client's
// tests. A template with Override extends the named template.
type Template struct {
	Name     string
	Scripts  []string
	CSS      []string
	Override string
}

// Test is a test file or a directory searched recursively. Filter is an
// optional include pattern on file paths.
type Test struct {
	Path   string
	Filter string
}

// Client is one browser run over its tests. A client without tests is
// skipped and counts as passing.
type Client struct {
	Name       string
	Template   string
	Tests      []Test
	KeepBundle bool
}

// Option configures a Turtle.
type Option func(*Turtle)

// WithRunner sets the browser runner executable and any arguments placed
// before the document URL or path.
func WithRunner(path string, args ...string) Option {
	return func(t *Turtle) {
		t.cfg.RunnerPath = path
		t.cfg.RunnerArgs = args
	}
}

// WithTarget chooses whether the runner gets a URL (TargetURL, the default)
// or a file path (TargetFile).
func WithTarget(target string) Option {
	return func(t *Turtle) { t.cfg.Target = target }
}

// WithMaxParallel caps how many clients run at once. Zero is unlimited.
func WithMaxParallel(n int) Option {
	return func(t *Turtle) { t.cfg.MaxParallel = n }
}

// WithReadyTimeout bounds the readiness wait of servers that set none.
func WithReadyTimeout(d time.Duration) Option {
	return func(t *Turtle) { t.cfg.ReadyTimeout = d }
}

// WithShutdownTimeout sets how long a server gets to exit after SIGTERM.
func WithShutdownTimeout(d time.Duration) Option {
	return func(t *Turtle) { t.cfg.ShutdownTimeout = d }
}

// WithListenAddr sets the file server address.
func WithListenAddr(addr string) Option {
	return func(t *Turtle) { t.cfg.ListenAddr = addr }
}

// WithBundleDir sets where file-mode documents are written.
func WithBundleDir(dir string) Option {
	return func(t *Turtle) { t.cfg.BundleDir = dir }
}

// WithKeepBundles keeps every generated document after the run.
func WithKeepBundles() Option {
	return func(t *Turtle) { t.cfg.KeepBundles = true }
}

// WithMetrics serves Prometheus metrics on addr for the run's duration.
func WithMetrics(addr string) Option {
	return func(t *Turtle) { t.cfg.MetricsAddr = addr }
}

// WithMetricsFile writes the final metrics to path when the run ends.
func WithMetricsFile(path string) Option {
	return func(t *Turtle) { t.cfg.MetricsFile = path }
}

// WithoutPreflight skips the executable and resource limit checks.
func WithoutPreflight() Option {
	return func(t *Turtle) { t.cfg.SkipPreflight = true }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Turtle) { t.logger = logger }
}

// WithOutput sets where the summary and child output go.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(t *Turtle) {
		t.stdout = stdout
		t.stderr = stderr
	}
}

// Turtle collects a suite and runs it. It is not safe for concurrent use.
type Turtle struct {
	cfg    *config.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer

	builder *config.Builder
	errs    []error

	exit func(code int)
}

// New returns an empty Turtle.
func New(opts ...Option) *Turtle {
	cfg := config.DefaultConfig()
	// Programmatic suites have no file; the path only labels the source.
	cfg.SuitePath = "(programmatic)"
	cfg.ReadyTimeout = 0

	t := &Turtle{
		cfg:     cfg,
		logger:  logging.Discard(),
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		builder: config.NewBuilder(),
		exit:    os.Exit,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Server declares a server. Servers start in declaration order.
func (t *Turtle) Server(s Server) *Turtle {
	cond, err := s.Ready.condition()
	if err != nil {
		t.errs = append(t.errs, fmt.Errorf("server %s: %w", s.Name, err))
		return t
	}

	logCfg := process.Inherit()
	switch {
	case s.Log.Silent:
		logCfg = process.Silent()
	case s.Log.Prefix != "":
		logCfg = process.Prefixed(s.Log.Prefix)
	}

	t.builder.Server(process.Spec{
		Name:  s.Name,
		Path:  s.Path,
		Args:  s.Args,
		Dir:   s.Dir,
		Env:   s.Env,
		Ready: cond,
		Log:   logCfg,
	})
	return t
}

func (r Ready) condition() (readiness.Condition, error) {
	var cond readiness.Condition
	switch {
	case r.pattern != "":
		re, err := regexp.Compile(r.pattern)
		if err != nil {
			return cond, fmt.Errorf("ready pattern: %w", err)
		}
		cond = readiness.OnMatch(re)
	case r.delay < 0:
		return cond, errors.New("ready delay must not be negative")
	case r.delay > 0:
		cond = readiness.AfterDelay(r.delay)
	}
	return cond.WithTimeout(r.timeout), nil
}

// Template declares a template. A template may only override one declared
// before it.
func (t *Turtle) Template(tm Template) *Turtle {
	t.builder.Template(bundle.Template{
		Name:     tm.Name,
		Scripts:  tm.Scripts,
		CSS:      tm.CSS,
		Override: tm.Override,
	})
	return t
}

// Client declares a test client. Clients report in declaration order.
func (t *Turtle) Client(c Client) *Turtle {
	cb := t.builder.Client(c.Name, c.Template)
	if c.KeepBundle {
		cb.KeepBundle()
	}
	for _, test := range c.Tests {
		ref := bundle.TestRef{Path: test.Path}
		if test.Filter != "" {
			re, err := regexp.Compile(test.Filter)
			if err != nil {
				t.errs = append(t.errs, fmt.Errorf("client %s filter: %w", c.Name, err))
				continue
			}
			ref.Filter = re
		}
		cb.Test(ref)
	}
	return t
}

// Exec runs the suite and returns its exit code. A non-nil error means the
// run could not proceed: an invalid declaration, a failed preflight, or a
// server that did not start. The code is then 1.
func (t *Turtle) Exec(ctx context.Context) (int, error) {
	if len(t.errs) > 0 {
		return 1, errors.Join(t.errs...)
	}
	if err := config.Validate(t.cfg); err != nil {
		return 1, err
	}
	suite, err := t.builder.Build()
	if err != nil {
		return 1, err
	}

	orch := orchestrator.New(t.cfg, suite, orchestrator.Options{
		Logger: t.logger,
		Stdout: t.stdout,
		Stderr: t.stderr,
	})
	return orch.Run(ctx)
}

// Run runs the suite and delivers the exit code to done. With a nil done
// the process exits with the code instead. Run never does both.
func (t *Turtle) Run(ctx context.Context, done func(code int)) {
	code, err := t.Exec(ctx)
	if err != nil {
		t.logger.Error("run_failed", "error", err)
		fmt.Fprintf(t.stderr, "go-turtle: %v\n", err)
	}

	if done != nil {
		done(code)
		return
	}
	t.exit(code)
}
