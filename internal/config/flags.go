package config

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

// argList is a custom flag type for repeatable -runner-arg flags.
type argList []string

func (a *argList) String() string {
	return strings.Join(*a, " ")
}

func (a *argList) Set(value string) error {
	*a = append(*a, value)
	return nil
}

// ParseFlags parses command-line arguments (without the program name) and
// returns a Config. A single positional argument is taken as the suite
// file when -suite is not given.
func ParseFlags(args []string, output io.Writer) (*Config, error) {
	cfg := DefaultConfig()
	var runnerArgs argList

	fs := flag.NewFlagSet("go-turtle", flag.ContinueOnError)
	fs.SetOutput(output)

	// Custom usage message
	fs.Usage = func() {
		fmt.Fprintf(output, `go-turtle - browser test orchestration

Usage:
  go-turtle [flags] [suite.yaml]

Suite:
`)
		printFlagCategory(fs, output, []string{"suite"})

		fmt.Fprintf(output, "\nBrowser Runner:\n")
		printFlagCategory(fs, output, []string{"runner", "runner-arg", "target", "max-parallel"})

		fmt.Fprintf(output, "\nServers:\n")
		printFlagCategory(fs, output, []string{"ready-timeout", "shutdown-timeout"})

		fmt.Fprintf(output, "\nBundles:\n")
		printFlagCategory(fs, output, []string{"listen", "bundle-dir", "keep-bundles"})

		fmt.Fprintf(output, "\nObservability:\n")
		printFlagCategory(fs, output, []string{"metrics", "metrics-file", "tui", "v", "log-format"})

		fmt.Fprintf(output, "\nDiagnostics:\n")
		printFlagCategory(fs, output, []string{"skip-preflight", "version"})

		fmt.Fprintf(output, `
Examples:
  # Run a suite with the default runner
  go-turtle -suite test/turtle.yaml

  # Open bundles from disk instead of over HTTP and keep them for debugging
  go-turtle -target file -keep-bundles test/turtle.yaml

  # Pass options through to the runner
  go-turtle -runner mocha-headless -runner-arg --reporter -runner-arg dot turtle.yaml

`)
	}

	// Suite
	fs.StringVar(&cfg.SuitePath, "suite", cfg.SuitePath, "Path to the suite file (YAML)")

	// Browser runner
	fs.StringVar(&cfg.RunnerPath, "runner", cfg.RunnerPath, "Browser test runner executable")
	fs.Var(&runnerArgs, "runner-arg", "Argument passed to the runner before the target (can repeat)")
	fs.StringVar(&cfg.Target, "target", cfg.Target, `How the runner receives a bundle: "url" or "file"`)
	fs.IntVar(&cfg.MaxParallel, "max-parallel", cfg.MaxParallel, "Maximum clients running at once (0 = unlimited)")

	// Servers
	fs.DurationVar(&cfg.ReadyTimeout, "ready-timeout", cfg.ReadyTimeout, "Default time a server has to become ready (0 = wait forever)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Grace period before servers are killed on teardown")

	// File server and bundles
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "File server listen address")
	fs.StringVar(&cfg.BundleDir, "bundle-dir", cfg.BundleDir, "Directory for generated bundles")
	fs.BoolVar(&cfg.KeepBundles, "keep-bundles", cfg.KeepBundles, "Keep every generated bundle after the run")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty = disabled)")
	fs.StringVar(&cfg.MetricsFile, "metrics-file", cfg.MetricsFile, "Write final metrics to this file")
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)

	// Diagnostics
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")
	fs.BoolVar(&cfg.ShowVersion, "version", cfg.ShowVersion, "Print version and exit")

	// Parse
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Copy runner args
	cfg.RunnerArgs = runnerArgs

	// Positional argument: suite file
	suiteSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "suite" {
			suiteSet = true
		}
	})
	rest := fs.Args()
	if len(rest) > 1 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(rest[1:], " "))
	}
	if len(rest) == 1 {
		if suiteSet {
			return nil, fmt.Errorf("suite given twice: -suite %s and %s", cfg.SuitePath, rest[0])
		}
		cfg.SuitePath = rest[0]
	}

	return cfg, nil
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, w io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(w, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" {
					fmt.Fprintf(w, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(w)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	if getter, ok := f.Value.(flag.Getter); ok {
		switch getter.Get().(type) {
		case bool:
			return ""
		case int:
			return "int"
		case interface{ Seconds() float64 }:
			return "duration"
		}
	}
	return "string"
}
