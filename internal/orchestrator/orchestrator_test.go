package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/randomizedcoder/go-turtle/internal/bundle"
	"github.com/randomizedcoder/go-turtle/internal/client"
	"github.com/randomizedcoder/go-turtle/internal/config"
	"github.com/randomizedcoder/go-turtle/internal/logging"
	"github.com/randomizedcoder/go-turtle/internal/metrics"
	"github.com/randomizedcoder/go-turtle/internal/process"
	"github.com/randomizedcoder/go-turtle/internal/readiness"
	"github.com/randomizedcoder/go-turtle/internal/runner"
	"github.com/randomizedcoder/go-turtle/internal/stats"
	"github.com/randomizedcoder/go-turtle/internal/supervisor"
)

// =============================================================================
// Test Helpers
// =============================================================================

// testConfig returns a config whose runner is `sh -c script runner <target>`.
func testConfig(t *testing.T, script string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SkipPreflight = true
	cfg.RunnerPath = "sh"
	cfg.RunnerArgs = []string{"-c", script, "runner"}
	cfg.BundleDir = t.TempDir()
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.ReadyTimeout = 5 * time.Second
	return cfg
}

// serverSpec returns a server that prints "server up" and sleeps. If marker
// is set, the server creates it on start.
func serverSpec(name, marker string) process.Spec {
	script := `echo "server up"; exec sleep 30`
	if marker != "" {
		script = `touch "` + marker + `"; ` + script
	}
	return process.Spec{
		Name:  name,
		Path:  "sh",
		Args:  []string{"-c", script},
		Ready: readiness.OnMatch(regexp.MustCompile(`server up`)),
		Log:   process.Silent(),
	}
}

// testFile writes a test file under dir and returns its path.
func testFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("describe('x', function () {});\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// suiteWithClients builds a suite with one server and one client per name,
// each with its own test file.
func suiteWithClients(t *testing.T, names ...string) *config.Suite {
	t.Helper()
	dir := t.TempDir()
	b := config.NewBuilder().
		Server(serverSpec("api", "")).
		Template(bundle.Template{Name: "base"})
	for _, name := range names {
		b.Client(name, "base").Test(bundle.TestRef{Path: testFile(t, dir, name+".test.js")})
	}
	suite, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return suite
}

func newTestOrchestrator(cfg *config.Config, suite *config.Suite) (*Orchestrator, *bytes.Buffer) {
	var out bytes.Buffer
	o := New(cfg, suite, Options{
		Logger:  logging.Discard(),
		Version: "test",
		Stdout:  &out,
		Stderr:  &out,
	})
	return o, &out
}

func assertStopped(t *testing.T, o *Orchestrator) {
	t.Helper()
	if o.Servers() == nil {
		return
	}
	for name, state := range o.Servers().States() {
		if !state.IsTerminal() && state != supervisor.StateUnstarted {
			t.Errorf("server %s is %s after Run, want terminal", name, state)
		}
	}
}

// =============================================================================
// Tests: Exit Code Reduction
// =============================================================================

func TestExitCode(t *testing.T) {
	ok := func(code int) runner.Outcome[client.Result] {
		return runner.Outcome[client.Result]{OK: true, Value: client.Result{ExitCode: code}}
	}
	skipped := runner.Outcome[client.Result]{OK: true, Value: client.Result{Skipped: true}}
	failed := runner.Outcome[client.Result]{Err: errors.New("no runner")}
	noResult := runner.Outcome[client.Result]{}

	tests := []struct {
		name     string
		outcomes []runner.Outcome[client.Result]
		want     int
	}{
		{"empty", nil, 0},
		{"all pass", []runner.Outcome[client.Result]{ok(0), ok(0), ok(0)}, 0},
		{"one failure", []runner.Outcome[client.Result]{ok(0), ok(0), ok(3), ok(0)}, 3},
		{"first non-zero wins", []runner.Outcome[client.Result]{ok(0), ok(2), ok(5)}, 2},
		{"error counts as 1", []runner.Outcome[client.Result]{ok(0), failed, ok(4)}, 1},
		{"no result counts as 1", []runner.Outcome[client.Result]{noResult}, 1},
		{"skipped counts as 0", []runner.Outcome[client.Result]{skipped, ok(0)}, 0},
		{"skipped then failure", []runner.Outcome[client.Result]{skipped, ok(143)}, 143},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.outcomes); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Tests: Run
// =============================================================================

func TestRun_AllPass(t *testing.T) {
	cfg := testConfig(t, `case "$1" in http://*/client/*) exit 0;; *) exit 9;; esac`)
	suite := suiteWithClients(t, "smoke", "e2e")
	o, out := newTestOrchestrator(cfg, suite)

	code, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if code != 0 {
		t.Errorf("Run() = %d, want 0\n%s", code, out.String())
	}

	snap := o.Tracker().Snapshot()
	if snap.Passed != 2 {
		t.Errorf("passed = %d, want 2", snap.Passed)
	}
	if snap.Servers[0].State != supervisor.StateStopped {
		t.Errorf("server state = %s, want stopped", snap.Servers[0].State)
	}
	if !strings.Contains(out.String(), "go-turtle Run Summary") {
		t.Error("summary not printed")
	}
	assertStopped(t, o)
}

func TestRun_ClientFailureReducesToFirstCode(t *testing.T) {
	// The client named "three" exits 3, the rest pass.
	cfg := testConfig(t, `case "$1" in */three) exit 3;; *) exit 0;; esac`)
	suite := suiteWithClients(t, "one", "two", "three", "four")
	o, _ := newTestOrchestrator(cfg, suite)

	code, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if code != 3 {
		t.Errorf("Run() = %d, want 3", code)
	}
	if snap := o.Tracker().Snapshot(); snap.Failed != 1 || snap.Passed != 3 {
		t.Errorf("failed/passed = %d/%d, want 1/3", snap.Failed, snap.Passed)
	}
	assertStopped(t, o)
}

func TestRun_ZeroTestClient(t *testing.T) {
	cfg := testConfig(t, "exit 0")
	cfg.RunnerPath = "/nonexistent/runner" // never spawned

	b := config.NewBuilder().Template(bundle.Template{Name: "base"})
	b.Client("empty", "base")
	suite, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	o, _ := newTestOrchestrator(cfg, suite)

	code, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if code != 0 {
		t.Errorf("Run() = %d, want 0", code)
	}
	snap := o.Tracker().Snapshot()
	if snap.Skipped != 1 || snap.Clients[0].Phase != stats.ClientSkipped {
		t.Errorf("client = %+v, want skipped", snap.Clients[0])
	}
}

func TestRun_NoTestsMatchedFailsClient(t *testing.T) {
	cfg := testConfig(t, "exit 0")
	dir := t.TempDir()
	testFile(t, dir, "a.test.js")

	b := config.NewBuilder().Template(bundle.Template{Name: "base"})
	b.Client("filtered", "base").Test(bundle.TestRef{Path: dir, Filter: regexp.MustCompile(`\.nothing$`)})
	b.Client("ok", "base").Test(bundle.TestRef{Path: dir})
	suite, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	o, _ := newTestOrchestrator(cfg, suite)

	code, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if code != 1 {
		t.Errorf("Run() = %d, want 1", code)
	}
	if snap := o.Tracker().Snapshot(); snap.Errored != 1 || snap.Passed != 1 {
		t.Errorf("errored/passed = %d/%d, want 1/1", snap.Errored, snap.Passed)
	}
}

func TestRun_ServerExitsBeforeReady(t *testing.T) {
	dir := t.TempDir()
	ran := filepath.Join(dir, "client-ran")
	cfg := testConfig(t, `touch "`+ran+`"; exit 0`)

	b := config.NewBuilder().
		Server(process.Spec{
			Name:  "broken",
			Path:  "sh",
			Args:  []string{"-c", "echo starting; exit 2"},
			Ready: readiness.OnMatch(regexp.MustCompile(`never`)),
			Log:   process.Silent(),
		}).
		Template(bundle.Template{Name: "base"})
	b.Client("c", "base").Test(bundle.TestRef{Path: testFile(t, dir, "a.test.js")})
	suite, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	o, _ := newTestOrchestrator(cfg, suite)

	code, err := o.Run(context.Background())
	if !errors.Is(err, supervisor.ErrExitedBeforeReady) {
		t.Errorf("Run() error = %v, want ErrExitedBeforeReady", err)
	}
	if code != 1 {
		t.Errorf("Run() = %d, want 1", code)
	}
	if _, err := os.Stat(ran); err == nil {
		t.Error("client ran although a server failed")
	}
}

func TestRun_SecondServerFailureStopsFirst(t *testing.T) {
	cfg := testConfig(t, "exit 0")
	b := config.NewBuilder().
		Server(serverSpec("first", "")).
		Server(process.Spec{
			Name:  "second",
			Path:  "sh",
			Args:  []string{"-c", "exit 4"},
			Ready: readiness.OnMatch(regexp.MustCompile(`never`)),
			Log:   process.Silent(),
		})
	suite, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	o, _ := newTestOrchestrator(cfg, suite)

	if code, err := o.Run(context.Background()); err == nil || code != 1 {
		t.Fatalf("Run() = %d, %v, want 1 and an error", code, err)
	}
	states := o.Servers().States()
	if states["first"] != supervisor.StateStopped {
		t.Errorf("first = %s, want stopped", states["first"])
	}
	if states["second"] != supervisor.StateCrashed {
		t.Errorf("second = %s, want crashed", states["second"])
	}
}

func TestRun_MissingExecutableSpawnsNothing(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "first-started")
	cfg := testConfig(t, "exit 0")

	suite, err := config.NewBuilder().
		Server(serverSpec("first", marker)).
		Server(process.Spec{Name: "missing", Path: "/nonexistent/server"}).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	o, _ := newTestOrchestrator(cfg, suite)

	code, err := o.Run(context.Background())
	if !errors.Is(err, process.ErrNotFound) || code != 1 {
		t.Errorf("Run() = %d, %v, want 1 and ErrNotFound", code, err)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("first server was spawned before the missing one was detected")
	}
}

func TestRun_UnknownTemplateSpawnsNothing(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "started")

	b := config.NewBuilder().
		Server(serverSpec("api", marker)).
		Template(bundle.Template{Name: "base"})
	b.Client("c", "missing").Test(bundle.TestRef{Path: testFile(t, dir, "a.test.js")})

	if _, err := b.Build(); err == nil {
		t.Fatal("Build() should reject an unknown template")
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("server spawned despite an invalid suite")
	}
}

func TestRun_MissingTemplateFileIsFatal(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "started")
	cfg := testConfig(t, "exit 0")

	b := config.NewBuilder().
		Server(serverSpec("api", marker)).
		Template(bundle.Template{Name: "base", Scripts: []string{filepath.Join(dir, "missing.js")}})
	b.Client("c", "base").Test(bundle.TestRef{Path: testFile(t, dir, "a.test.js")})
	suite, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	o, _ := newTestOrchestrator(cfg, suite)

	if code, err := o.Run(context.Background()); err == nil || code != 1 {
		t.Errorf("Run() = %d, %v, want 1 and an error", code, err)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("server spawned despite a missing template file")
	}
}

func TestRun_FileTarget(t *testing.T) {
	cfg := testConfig(t, `test -f "$1" && grep -q "describe" "$1"`)
	cfg.Target = config.TargetFile
	suite := suiteWithClients(t, "files")
	o, _ := newTestOrchestrator(cfg, suite)

	code, err := o.Run(context.Background())
	if err != nil || code != 0 {
		t.Fatalf("Run() = %d, %v, want 0", code, err)
	}

	// Bundles are removed unless kept.
	entries, _ := os.ReadDir(filepath.Join(cfg.BundleDir, o.RunID()))
	if len(entries) != 0 {
		t.Errorf("bundle dir has %d entries, want 0", len(entries))
	}
}

func TestRun_FileTargetKeepBundles(t *testing.T) {
	cfg := testConfig(t, "exit 0")
	cfg.Target = config.TargetFile
	cfg.KeepBundles = true
	suite := suiteWithClients(t, "kept")
	o, _ := newTestOrchestrator(cfg, suite)

	if code, err := o.Run(context.Background()); err != nil || code != 0 {
		t.Fatalf("Run() = %d, %v", code, err)
	}
	if _, err := os.Stat(filepath.Join(cfg.BundleDir, o.RunID(), "kept.html")); err != nil {
		t.Errorf("kept bundle missing: %v", err)
	}
}

func TestRun_MaxParallel(t *testing.T) {
	dir := t.TempDir()
	lock := filepath.Join(dir, "lock")
	// mkdir is atomic: a second concurrent client would fail to create it.
	cfg := testConfig(t, `mkdir "`+lock+`" || exit 5; sleep 0.1; rmdir "`+lock+`"`)
	cfg.MaxParallel = 1
	suite := suiteWithClients(t, "a", "b", "c")
	o, _ := newTestOrchestrator(cfg, suite)

	code, err := o.Run(context.Background())
	if err != nil || code != 0 {
		t.Errorf("Run() = %d, %v, want 0 with one client at a time", code, err)
	}
}

func TestRun_ContextCancelTearsDown(t *testing.T) {
	cfg := testConfig(t, "exec sleep 30")
	suite := suiteWithClients(t, "slow")
	o, _ := newTestOrchestrator(cfg, suite)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	code, _ := o.Run(ctx)
	if time.Since(start) > 10*time.Second {
		t.Error("Run() did not return promptly after cancel")
	}
	if code == 0 {
		t.Error("an interrupted run should not exit 0")
	}
	assertStopped(t, o)
}

func TestRun_PreflightFailure(t *testing.T) {
	cfg := testConfig(t, "exit 0")
	cfg.SkipPreflight = false
	cfg.RunnerPath = "/nonexistent/runner"
	suite := suiteWithClients(t, "c")
	o, out := newTestOrchestrator(cfg, suite)

	code, err := o.Run(context.Background())
	if !errors.Is(err, ErrPreflight) || code != 1 {
		t.Errorf("Run() = %d, %v, want 1 and ErrPreflight", code, err)
	}
	if !strings.Contains(out.String(), "Preflight checks:") {
		t.Error("preflight report not printed")
	}
	if o.Servers() != nil {
		t.Error("servers built despite failed preflight")
	}
}

func TestRun_MetricsFile(t *testing.T) {
	cfg := testConfig(t, "exit 0")
	cfg.MetricsFile = filepath.Join(t.TempDir(), "metrics.prom")
	cfg.MetricsAddr = "127.0.0.1:0"
	suite := suiteWithClients(t, "m")
	o, _ := newTestOrchestrator(cfg, suite)

	if code, err := o.Run(context.Background()); err != nil || code != 0 {
		t.Fatalf("Run() = %d, %v", code, err)
	}

	data, err := os.ReadFile(cfg.MetricsFile)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"turtle_run_exit_code 0", `turtle_client_exits_total{result="passed"} 1`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("metrics file missing %q", want)
		}
	}

	mf, err := metrics.Lookup(o.Registry(), "turtle_server_startup_seconds")
	if err != nil || metrics.Sum(mf) != 1 {
		t.Errorf("server startup observations = %v, %v", metrics.Sum(mf), err)
	}
}

func TestTeardown_Idempotent(t *testing.T) {
	cfg := testConfig(t, "exit 0")
	suite := suiteWithClients(t, "c")
	o, _ := newTestOrchestrator(cfg, suite)

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	signals := o.Servers().Supervisors()[0].SignalsSent()

	o.teardown()
	o.teardown()

	if got := o.Servers().Supervisors()[0].SignalsSent(); got != signals {
		t.Errorf("SignalsSent = %d after repeated teardown, want %d", got, signals)
	}
}
