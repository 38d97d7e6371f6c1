// Package config provides configuration management for go-turtle: the
// command-line options and the test suite (servers, templates, clients).
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Target modes for the browser runner.
const (
	TargetURL  = "url"
	TargetFile = "file"
)

// Config holds all command-line options for one run.
type Config struct {
	// Suite
	SuitePath string `json:"suite_path"`

	// Browser runner
	RunnerPath  string   `json:"runner_path"`
	RunnerArgs  []string `json:"runner_args"`
	Target      string   `json:"target"` // url, file
	MaxParallel int      `json:"max_parallel"`

	// Servers
	ReadyTimeout    time.Duration `json:"ready_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	// File server and bundles
	ListenAddr  string `json:"listen_addr"`
	BundleDir   string `json:"bundle_dir"`
	KeepBundles bool   `json:"keep_bundles"`

	// Observability
	MetricsAddr string `json:"metrics_addr"`
	MetricsFile string `json:"metrics_file"`
	TUIEnabled  bool   `json:"tui_enabled"`
	Verbose     bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text

	// Diagnostic modes
	SkipPreflight bool `json:"skip_preflight"`
	ShowVersion   bool `json:"show_version"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Suite
		SuitePath: "turtle.yaml",

		// Browser runner
		RunnerPath:  "mocha-headless",
		Target:      TargetURL,
		MaxParallel: 0, // Unlimited

		// Servers
		ReadyTimeout:    60 * time.Second,
		ShutdownTimeout: 5 * time.Second,

		// File server and bundles
		ListenAddr:  "127.0.0.1:0", // Any free port
		BundleDir:   filepath.Join(os.TempDir(), "go-turtle"),
		KeepBundles: false,

		// Observability
		MetricsAddr: "", // Disabled
		Verbose:     false,
		LogFormat:   "text",
	}
}
