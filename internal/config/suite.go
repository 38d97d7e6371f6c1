package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/randomizedcoder/go-turtle/internal/bundle"
	"github.com/randomizedcoder/go-turtle/internal/process"
)

// Client is a validated test client with its template resolved.
type Client struct {
	Name       string
	Template   bundle.Template
	Tests      []bundle.TestRef
	KeepBundle bool
}

// Suite is everything one run executes: servers in start order, and the
// clients in registration order.
type Suite struct {
	Servers   []process.Spec
	Templates map[string]bundle.Template
	Clients   []Client
}

// Builder accumulates suite declarations and validates them together in
// Build. It is not safe for concurrent use.
type Builder struct {
	servers   []process.Spec
	templates []bundle.Template
	clients   []*ClientBuilder
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Server declares a server. Servers start in declaration order.
func (b *Builder) Server(spec process.Spec) *Builder {
	b.servers = append(b.servers, spec)
	return b
}

// Template declares a template. A template may only override one declared
// before it.
func (b *Builder) Template(t bundle.Template) *Builder {
	b.templates = append(b.templates, t)
	return b
}

// Client declares a test client using the named template and returns it
// so tests can be added.
func (b *Builder) Client(name, template string) *ClientBuilder {
	c := &ClientBuilder{name: name, template: template}
	b.clients = append(b.clients, c)
	return c
}

// ClientBuilder accumulates one client's tests.
type ClientBuilder struct {
	name       string
	template   string
	tests      []bundle.TestRef
	keepBundle bool
}

// Test adds a test file or directory to the client.
func (c *ClientBuilder) Test(ref bundle.TestRef) *ClientBuilder {
	c.tests = append(c.tests, ref)
	return c
}

// KeepBundle keeps the client's generated document after the run.
func (c *ClientBuilder) KeepBundle() *ClientBuilder {
	c.keepBundle = true
	return c
}

// Build validates every declaration and returns the suite. All problems
// are reported together, as ValidationErrors joined with errors.Join.
func (b *Builder) Build() (*Suite, error) {
	var errs []error
	suite := &Suite{Templates: make(map[string]bundle.Template)}

	serverNames := make(map[string]bool)
	for i, spec := range b.servers {
		field := fmt.Sprintf("servers[%d]", i)
		if spec.Path == "" {
			errs = append(errs, ValidationError{Field: field + ".path", Message: "is required"})
			continue
		}
		if spec.Name == "" {
			spec.Name = filepath.Base(spec.Path)
		}
		if serverNames[spec.Name] {
			errs = append(errs, ValidationError{
				Field:   field + ".name",
				Message: fmt.Sprintf("duplicate server name %q", spec.Name),
			})
			continue
		}
		if spec.Log.Policy == process.LogPrefix && spec.Log.Prefix == "" {
			errs = append(errs, ValidationError{Field: field + ".log.prefix", Message: "must not be empty"})
		}
		serverNames[spec.Name] = true
		suite.Servers = append(suite.Servers, spec)
	}

	for i, t := range b.templates {
		field := fmt.Sprintf("templates[%d]", i)
		if t.Name == "" {
			errs = append(errs, ValidationError{Field: field + ".name", Message: "is required"})
			continue
		}
		if _, exists := suite.Templates[t.Name]; exists {
			errs = append(errs, ValidationError{
				Field:   field + ".name",
				Message: fmt.Sprintf("a template named %q already exists", t.Name),
			})
			continue
		}
		if t.Override != "" {
			base, ok := suite.Templates[t.Override]
			if !ok {
				errs = append(errs, ValidationError{
					Field:   field + ".override",
					Message: fmt.Sprintf("no template named %q to override", t.Override),
				})
				continue
			}
			t = t.Extend(base)
		}
		suite.Templates[t.Name] = t
	}

	clientNames := make(map[string]bool)
	for i, c := range b.clients {
		field := fmt.Sprintf("clients[%d]", i)
		name := c.name
		if name == "" {
			name = fmt.Sprintf("client-%d", i+1)
		}
		if clientNames[name] {
			errs = append(errs, ValidationError{
				Field:   field + ".name",
				Message: fmt.Sprintf("duplicate client name %q", name),
			})
			continue
		}
		clientNames[name] = true

		tmpl, ok := suite.Templates[c.template]
		if !ok {
			errs = append(errs, ValidationError{
				Field:   field + ".template",
				Message: fmt.Sprintf("client %s references an unregistered template named %q", name, c.template),
			})
			continue
		}

		for j, ref := range c.tests {
			if ref.Path == "" {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s.tests[%d].path", field, j),
					Message: "is required",
				})
			}
		}

		suite.Clients = append(suite.Clients, Client{
			Name:       name,
			Template:   tmpl,
			Tests:      append([]bundle.TestRef(nil), c.tests...),
			KeepBundle: c.keepBundle,
		})
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return suite, nil
}
