package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randomizedcoder/go-turtle/internal/bundle"
	"github.com/randomizedcoder/go-turtle/internal/process"
	"github.com/randomizedcoder/go-turtle/internal/readiness"
)

// SuiteFile is the YAML layout of a suite file.
type SuiteFile struct {
	Servers   []ServerFile   `yaml:"servers"`
	Templates []TemplateFile `yaml:"templates"`
	Clients   []ClientFile   `yaml:"clients"`
}

// ServerFile declares a server. Started is a pattern matched against the
// server's output; StartedMS is a fixed delay. Neither means the default
// delay.
type ServerFile struct {
	Name         string        `yaml:"name"`
	Path         string        `yaml:"path"`
	Args         []string      `yaml:"args"`
	Started      string        `yaml:"started"`
	StartedMS    int           `yaml:"started_ms"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	Log          *LogFile      `yaml:"log"`
}

// LogFile selects a server's log policy. Omitted means inherited.
type LogFile struct {
	Prefix string `yaml:"prefix"`
	Silent bool   `yaml:"silent"`
}

// TemplateFile declares a template.
type TemplateFile struct {
	Name     string   `yaml:"name"`
	Override string   `yaml:"override"`
	Scripts  []string `yaml:"scripts"`
	CSS      []string `yaml:"css"`
}

// ClientFile declares a client and its tests.
type ClientFile struct {
	Name       string     `yaml:"name"`
	Template   string     `yaml:"template"`
	KeepBundle bool       `yaml:"keep_bundle"`
	Tests      []TestFile `yaml:"tests"`
}

// TestFile is one test path with an optional include filter.
type TestFile struct {
	Path   string `yaml:"path"`
	Filter string `yaml:"filter"`
}

// LoadSuite reads a suite file and builds it. Relative paths in the file
// are resolved against the file's directory.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite: %w", err)
	}

	var sf SuiteFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse suite %s: %w", path, err)
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}

	b, err := sf.Builder(dir)
	if err != nil {
		return nil, err
	}
	return b.Build()
}

// Builder converts the file declarations into a Builder, resolving
// relative paths against dir and compiling patterns.
func (sf *SuiteFile) Builder(dir string) (*Builder, error) {
	var errs []error
	b := NewBuilder()

	for i, s := range sf.Servers {
		field := fmt.Sprintf("servers[%d]", i)
		if s.Started != "" && s.StartedMS != 0 {
			errs = append(errs, ValidationError{Field: field, Message: "started and started_ms are mutually exclusive"})
			continue
		}

		var cond readiness.Condition
		switch {
		case s.Started != "":
			re, err := regexp.Compile(s.Started)
			if err != nil {
				errs = append(errs, ValidationError{Field: field + ".started", Message: err.Error()})
				continue
			}
			cond = readiness.OnMatch(re)
		case s.StartedMS < 0:
			errs = append(errs, ValidationError{Field: field + ".started_ms", Message: "must not be negative"})
			continue
		case s.StartedMS > 0:
			cond = readiness.AfterDelay(time.Duration(s.StartedMS) * time.Millisecond)
		}
		cond = cond.WithTimeout(s.ReadyTimeout)

		logCfg := process.Inherit()
		if s.Log != nil {
			switch {
			case s.Log.Silent:
				logCfg = process.Silent()
			case s.Log.Prefix != "":
				logCfg = process.Prefixed(s.Log.Prefix)
			}
		}

		b.Server(process.Spec{
			Name:  s.Name,
			Path:  resolveExecutable(dir, s.Path),
			Args:  s.Args,
			Ready: cond,
			Log:   logCfg,
		})
	}

	for _, t := range sf.Templates {
		b.Template(bundle.Template{
			Name:     t.Name,
			Override: t.Override,
			Scripts:  resolveAll(dir, t.Scripts),
			CSS:      resolveAll(dir, t.CSS),
		})
	}

	for i, c := range sf.Clients {
		cb := b.Client(c.Name, c.Template)
		if c.KeepBundle {
			cb.KeepBundle()
		}
		for j, t := range c.Tests {
			ref := bundle.TestRef{Path: resolve(dir, t.Path)}
			if t.Filter != "" {
				re, err := regexp.Compile(t.Filter)
				if err != nil {
					errs = append(errs, ValidationError{
						Field:   fmt.Sprintf("clients[%d].tests[%d].filter", i, j),
						Message: err.Error(),
					})
					continue
				}
				ref.Filter = re
			}
			cb.Test(ref)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return b, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func resolveAll(dir string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, resolve(dir, p))
	}
	return out
}

// resolveExecutable leaves bare command names for PATH lookup.
func resolveExecutable(dir, p string) string {
	if !strings.ContainsRune(p, filepath.Separator) {
		return p
	}
	return resolve(dir, p)
}
