package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "server.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho ok\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"on_path", "sh", false},
		{"absolute", script, false},
		{"missing_absolute", filepath.Join(dir, "nope"), true},
		{"missing_bare", "definitely-not-a-real-binary-xyz", true},
		{"directory", dir, true},
		{"empty", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ResolvePath(tc.path)
			if tc.wantErr {
				if !errors.Is(err, ErrNotFound) {
					t.Errorf("ResolvePath(%q) error = %v, want ErrNotFound", tc.path, err)
				}
				return
			}
			if err != nil {
				t.Errorf("ResolvePath(%q) error = %v", tc.path, err)
			}
		})
	}
}

func TestSpec_BuildCommand(t *testing.T) {
	spec := Spec{
		Name: "api",
		Path: "sh",
		Args: []string{"-c", "exit 0"},
	}

	cmd, err := spec.BuildCommand(context.Background())
	if err != nil {
		t.Fatalf("BuildCommand() error = %v", err)
	}
	if cmd.Process != nil {
		t.Error("command must not be started")
	}
	if cmd.Dir != "" || cmd.Env != nil {
		t.Error("empty Dir and nil Env must inherit from the caller")
	}
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setpgid {
		t.Error("command must run in its own process group")
	}
	if len(cmd.Args) != 3 || cmd.Args[1] != "-c" {
		t.Errorf("Args = %v", cmd.Args)
	}
}

func TestSpec_BuildCommand_Missing(t *testing.T) {
	spec := Spec{Path: "/no/such/server"}
	if _, err := spec.BuildCommand(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("BuildCommand() error = %v, want ErrNotFound", err)
	}
}

func TestSpec_CommandString(t *testing.T) {
	spec := Spec{Path: "node", Args: []string{"server.js", "--port", "4200"}}
	if got := spec.CommandString(); got != "node server.js --port 4200" {
		t.Errorf("CommandString() = %q", got)
	}
	if got := (Spec{Path: "node"}).CommandString(); got != "node" {
		t.Errorf("CommandString() = %q", got)
	}
}

func TestSpec_DisplayName(t *testing.T) {
	if got := (Spec{Path: "./bin/api"}).DisplayName(); got != "./bin/api" {
		t.Errorf("DisplayName() = %q", got)
	}
	if got := (Spec{Name: "api", Path: "./bin/api"}).DisplayName(); got != "api" {
		t.Errorf("DisplayName() = %q", got)
	}
}

func TestLogPolicy_String(t *testing.T) {
	testCases := map[LogPolicy]string{
		LogInherit:    "inherited",
		LogPrefix:     "prefixed",
		LogSilent:     "silent",
		LogPolicy(42): "unknown",
	}
	for policy, want := range testCases {
		if got := policy.String(); got != want {
			t.Errorf("LogPolicy(%d).String() = %q, want %q", policy, got, want)
		}
	}
}

func TestExitCode(t *testing.T) {
	testCases := []struct {
		name string
		args []string
		want int
	}{
		{"success", []string{"-c", "exit 0"}, 0},
		{"failure", []string{"-c", "exit 3"}, 3},
		{"killed", []string{"-c", "kill -9 $$"}, 128 + 9},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := exec.Command("sh", tc.args...).Run()
			if got := ExitCode(err); got != tc.want {
				t.Errorf("ExitCode() = %d, want %d", got, tc.want)
			}
		})
	}

	if got := ExitCode(errors.New("not an exit error")); got != 1 {
		t.Errorf("ExitCode(unknown) = %d, want 1", got)
	}
}

func TestSignalGroup_FinishedProcess(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 0")
	if err := cmd.Run(); err != nil {
		t.Fatal(err)
	}
	if err := SignalGroup(cmd.Process, 15); err != nil {
		t.Errorf("SignalGroup() on finished process = %v, want nil", err)
	}
	if err := SignalGroup(nil, 15); err != nil {
		t.Errorf("SignalGroup(nil) = %v, want nil", err)
	}
}
