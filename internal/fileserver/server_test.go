package fileserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/randomizedcoder/go-turtle/internal/bundle"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildDoc(t *testing.T, name string) (*bundle.Document, string) {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "lib.js")
	if err := os.WriteFile(script, []byte("var lib = 1;"), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := bundle.Build(bundle.Template{Name: "t", Scripts: []string{script}}, nil, bundle.Options{
		Title: name,
		Link:  FileLink(name),
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return doc, script
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Origin", "http://localhost:4200")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler(t *testing.T) {
	s := New("127.0.0.1:0", testLogger())
	doc, script := buildDoc(t, "smoke")
	s.AddClient("smoke", doc)

	h := s.Handler()

	testCases := []struct {
		name       string
		target     string
		wantStatus int
		wantBody   string
	}{
		{"document", "/client/smoke", http.StatusOK, "<title>smoke</title>"},
		{"manifest_file", "/client/smoke?file=" + url.QueryEscape(script), http.StatusOK, "var lib = 1;"},
		{"file_not_in_manifest", "/client/smoke?file=" + url.QueryEscape("/etc/passwd"), http.StatusNotFound, "could not find file"},
		{"relative_escape", "/client/smoke?file=" + url.QueryEscape("../../etc/passwd"), http.StatusNotFound, ""},
		{"unknown_client", "/client/nope", http.StatusNotFound, "unknown client"},
		{"healthz", "/healthz", http.StatusOK, "ok"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := get(t, h, tc.target)
			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tc.wantBody) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestHandler_CORS(t *testing.T) {
	s := New("127.0.0.1:0", testLogger())
	rec := get(t, s.Handler(), "/healthz")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestAddClient_LastWriteWins(t *testing.T) {
	s := New("127.0.0.1:0", testLogger())
	first, _ := buildDoc(t, "first")
	second, _ := buildDoc(t, "second")

	s.AddClient("smoke", first)
	s.AddClient("smoke", second)

	rec := get(t, s.Handler(), "/client/smoke")
	if !strings.Contains(rec.Body.String(), "<title>second</title>") {
		t.Errorf("body = %q, want the second document", rec.Body.String())
	}
}

func TestServer_StartStop(t *testing.T) {
	s := New("127.0.0.1:0", testLogger())
	doc, _ := buildDoc(t, "smoke")
	s.AddClient("smoke", doc)

	if _, err := s.URL("smoke"); err != ErrNotStarted {
		t.Errorf("URL() before Start error = %v, want ErrNotStarted", err)
	}

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	u, err := s.URL("smoke")
	if err != nil {
		t.Fatalf("URL() error = %v", err)
	}
	resp, err := http.Get(u)
	if err != nil {
		t.Fatalf("GET %s: %v", u, err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "<title>smoke</title>") {
		t.Errorf("GET %s = %d %q", u, resp.StatusCode, body)
	}

	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if _, err := http.Get(u); err == nil {
		t.Error("server still answering after Stop")
	}
}

func TestServer_StartListenError(t *testing.T) {
	s := New("256.0.0.1:0", testLogger())
	if err := s.Start(context.Background()); err == nil {
		t.Error("Start() on a bad address returned nil")
	}
}
