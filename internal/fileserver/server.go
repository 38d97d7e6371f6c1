// Package fileserver serves generated test documents, and the files they
// reference, to the browser runner.
package fileserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/randomizedcoder/go-turtle/internal/bundle"
)

// ErrNotStarted is returned by operations that need a listening server.
var ErrNotStarted = errors.New("file server not started")

// Server maps client names to their documents. A request for a file is
// answered only if the file is in that client's manifest.
type Server struct {
	addr   string
	logger *slog.Logger

	mu       sync.RWMutex
	clients  map[string]*bundle.Document
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// New creates a file server that will listen on addr. Port 0 picks a free
// port; Addr reports it after Start.
func New(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		logger:  logger,
		clients: make(map[string]*bundle.Document),
	}
}

// AddClient registers doc under name. A later call with the same name
// replaces the earlier document.
func (s *Server) AddClient(name string, doc *bundle.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clients[name]; exists {
		s.logger.Debug("file_server_client_replaced", "client", name)
	}
	s.clients[name] = doc
}

func (s *Server) client(name string) (*bundle.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.clients[name]
	return doc, ok
}

// Handler returns the HTTP handler, with CORS open to every origin so test
// pages can call the servers under test.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/client/{name}", s.handleClient).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/healthz", healthHandler).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	return c.Handler(r)
}

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	doc, ok := s.client(name)
	if !ok {
		s.logger.Debug("file_server_not_found", "client", name)
		http.Error(w, fmt.Sprintf("unknown client %q", name), http.StatusNotFound)
		return
	}

	file := r.URL.Query().Get("file")
	if file == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(doc.HTML)
		return
	}

	if !doc.Allows(file) {
		s.logger.Debug("file_server_denied", "client", name, "file", file)
		http.Error(w, fmt.Sprintf("could not find file %q", file), http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, file)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, "ok")
}

// Start binds the listening socket and serves in a goroutine. It returns
// once the socket is bound, so URL is usable immediately. Calling Start on
// a running server does nothing.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("file server listen on %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	done := make(chan struct{})
	s.server = srv
	s.listener = ln
	s.done = done

	s.logger.Info("file_server_started", "addr", ln.Addr().String())

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("file_server_error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down. Stopping a server that is not running does
// nothing.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.server, s.listener, s.done = nil, nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	s.logger.Debug("file_server_shutting_down")
	err := srv.Shutdown(ctx)
	<-done
	return err
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the address of a client's document.
func (s *Server) URL(name string) (string, error) {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln == nil {
		return "", ErrNotStarted
	}
	return fmt.Sprintf("http://%s/client/%s", ln.Addr().String(), url.PathEscape(name)), nil
}

// FileLink returns the path a client's document uses for one of its files.
func FileLink(name string) func(path string) string {
	return func(path string) string {
		return "/client/" + url.PathEscape(name) + "?file=" + url.QueryEscape(path)
	}
}
