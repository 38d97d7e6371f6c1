// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/randomizedcoder/go-turtle/internal/process"
)

// Note: syscall.RLIMIT_NPROC is not exported in Go's syscall package,
// so we read process limits from /proc/self/limits instead.

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Executable names a program the run will spawn.
type Executable struct {
	Role string // "server" or "runner"
	Name string
	Path string
}

// Input describes the run being checked.
type Input struct {
	Executables []Executable
	Servers     int
	Clients     int

	// Concurrent is how many clients may run at once; 0 means all of them.
	Concurrent int

	// ListenAddr is the file server address; empty skips the check.
	ListenAddr string
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes all preflight checks.
func RunAll(in Input) *Result {
	result := &Result{
		Checks: make([]Check, 0, len(in.Executables)+3),
		Passed: true,
	}
	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	for _, exe := range in.Executables {
		add(checkExecutable(exe))
	}

	concurrent := in.Concurrent
	if concurrent <= 0 || concurrent > in.Clients {
		concurrent = in.Clients
	}
	add(checkFileDescriptors(in.Servers, concurrent))
	add(checkProcessLimit(in.Servers, concurrent))

	if in.ListenAddr != "" {
		add(checkListen(in.ListenAddr))
	}

	return result
}

// checkExecutable verifies a server or runner binary can be found.
func checkExecutable(exe Executable) Check {
	name := fmt.Sprintf("%s:%s", exe.Role, exe.Name)
	path, err := process.ResolvePath(exe.Path)
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: err.Error(),
		}
	}
	return Check{
		Name:    name,
		Passed:  true,
		Message: fmt.Sprintf("found at %s", path),
	}
}

// fdsRequired estimates descriptors for the run: three pipes per child,
// a browser's worth of sockets and files per client, and orchestrator
// overhead (file server, metrics server, logging).
func fdsRequired(servers, clients int) int {
	return servers*8 + clients*64 + 64
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(servers, clients int) Check {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}

	required := fdsRequired(servers, clients)
	actual := int(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d clients)", actual, required, clients),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
// Headless browsers fork several helpers, so each client counts for ten.
func checkProcessLimit(servers, clients int) Check {
	required := servers + clients*10 + 50

	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		// Non-Linux or restricted access, assume OK
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := parseMaxProcesses(string(data))
	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// parseMaxProcesses extracts the soft "Max processes" limit from the
// contents of /proc/self/limits. Returns 0 if it is missing.
func parseMaxProcesses(limits string) int {
	actual := 0
	for _, line := range strings.Split(limits, "\n") {
		if strings.HasPrefix(line, "Max processes") {
			fields := strings.Fields(line)
			if len(fields) >= 4 {
				if fields[2] == "unlimited" {
					actual = 1000000
				} else {
					fmt.Sscanf(fields[2], "%d", &actual)
				}
			}
			break
		}
	}
	return actual
}

// checkListen verifies the file server address can be bound.
func checkListen(addr string) Check {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return Check{
			Name:    "listen_address",
			Passed:  false,
			Message: fmt.Sprintf("cannot bind %s: %v", addr, err),
		}
	}
	ln.Close()
	return Check{
		Name:    "listen_address",
		Passed:  true,
		Message: fmt.Sprintf("%s is available", addr),
	}
}

// PrintResults prints the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch {
	case name == "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case name == "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case name == "listen_address":
		return "pick a free address with -listen (port 0 lets the OS choose)"
	case strings.HasPrefix(name, "runner:"):
		return "install the browser runner or point -runner at it"
	case strings.HasPrefix(name, "server:"):
		return "fix the server path in the suite file"
	default:
		return "see documentation"
	}
}
