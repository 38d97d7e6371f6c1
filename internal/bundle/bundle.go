// Package bundle turns a template and a set of test references into a
// self-contained HTML test document plus the manifest of files it refers to.
package bundle

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

// ErrNoTests is returned when the test references match no files.
var ErrNoTests = errors.New("no test files matched")

// Template lists the scripts and stylesheets loaded before the tests.
type Template struct {
	Name    string
	Scripts []string
	CSS     []string

	// Override names a base template whose scripts and css come first.
	Override string
}

// Extend returns t layered on top of base: base scripts followed by t's,
// base css followed by t's.
func (t Template) Extend(base Template) Template {
	return Template{
		Name:     t.Name,
		Scripts:  concat(base.Scripts, t.Scripts),
		CSS:      concat(base.CSS, t.CSS),
		Override: t.Override,
	}
}

func concat(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// TestRef points at a test file or a directory searched recursively.
// Filter, when set, keeps only file paths it matches.
type TestRef struct {
	Path   string
	Filter *regexp.Regexp
}

// Options control how the document links to its files.
type Options struct {
	Title string

	// Link maps an absolute file path to the URL the document uses for it.
	// Defaults to the path itself, which suits a document opened from disk.
	Link func(path string) string
}

// Document is a generated test page.
type Document struct {
	HTML     []byte
	Manifest []string
	Tests    []string

	allowed map[string]struct{}
}

// Allows reports whether path is one of the files the document refers to.
func (d *Document) Allows(path string) bool {
	if d == nil || path == "" {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	_, ok := d.allowed[abs]
	return ok
}

type testScript struct {
	Path   string
	Source template.JS
}

type pageData struct {
	Title   string
	CSS     []string
	Scripts []string
	Tests   []testScript
}

var page = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
{{- range .CSS}}
<link rel="stylesheet" href="{{.}}">
{{- end}}
{{- range .Scripts}}
<script src="{{.}}"></script>
{{- end}}
</head>
<body>
<div id="mocha"></div>
{{- range .Tests}}
<script data-test="{{.Path}}">
{{.Source}}
</script>
{{- end}}
</body>
</html>
`))

// Build renders the document for tmpl and tests. The output is the same
// for the same inputs and file contents. Test files are inlined; scripts
// and css are linked.
func Build(tmpl Template, tests []TestRef, opts Options) (*Document, error) {
	link := opts.Link
	if link == nil {
		link = func(p string) string { return p }
	}

	doc := &Document{allowed: make(map[string]struct{})}
	data := pageData{Title: opts.Title}
	if data.Title == "" {
		data.Title = tmpl.Name
	}

	for _, p := range tmpl.CSS {
		abs, err := doc.add(p)
		if err != nil {
			return nil, fmt.Errorf("template %s css: %w", tmpl.Name, err)
		}
		data.CSS = append(data.CSS, link(abs))
	}
	for _, p := range tmpl.Scripts {
		abs, err := doc.add(p)
		if err != nil {
			return nil, fmt.Errorf("template %s script: %w", tmpl.Name, err)
		}
		data.Scripts = append(data.Scripts, link(abs))
	}

	for _, ref := range tests {
		files, err := Collect(ref)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			src, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("read test %s: %w", f, err)
			}
			if _, err := doc.add(f); err != nil {
				return nil, err
			}
			doc.Tests = append(doc.Tests, f)
			data.Tests = append(data.Tests, testScript{Path: f, Source: template.JS(src)})
		}
	}
	if len(doc.Tests) == 0 && len(tests) > 0 {
		return nil, ErrNoTests
	}

	var buf bytes.Buffer
	if err := page.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", tmpl.Name, err)
	}
	doc.HTML = buf.Bytes()
	return doc, nil
}

// add records path in the manifest once and returns its absolute form.
func (d *Document) add(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	if _, ok := d.allowed[abs]; !ok {
		d.allowed[abs] = struct{}{}
		d.Manifest = append(d.Manifest, abs)
	}
	return abs, nil
}

// Collect expands ref into absolute file paths in lexical order.
func Collect(ref TestRef) ([]string, error) {
	root, err := filepath.Abs(ref.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("test path: %w", err)
	}

	keep := func(p string) bool {
		return ref.Filter == nil || ref.Filter.MatchString(p)
	}

	if !info.IsDir() {
		if keep(root) {
			return []string{root}, nil
		}
		return nil, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && keep(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}
