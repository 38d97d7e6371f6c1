package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-turtle/internal/process"
	"github.com/randomizedcoder/go-turtle/internal/runner"
	"github.com/randomizedcoder/go-turtle/internal/supervisor"
)

// ServerManager coordinates the supervisors of one run's servers.
// It starts them one at a time in declaration order and stops them all on
// teardown.
type ServerManager struct {
	logger *slog.Logger

	// Supervisors in declaration order
	supervisors []*supervisor.Supervisor
	mu          sync.RWMutex

	callbacks supervisor.Callbacks

	readyCount atomic.Int64
}

// ServerManagerConfig holds configuration for the ServerManager.
type ServerManagerConfig struct {
	Logger    *slog.Logger
	Callbacks supervisor.Callbacks

	// ReadyTimeout applies to servers whose readiness has no timeout of
	// its own. Zero leaves them unbounded.
	ReadyTimeout time.Duration

	Stdout io.Writer
	Stderr io.Writer
}

// NewServerManager creates a supervisor for every spec. It fails before
// anything is spawned if any executable is missing.
func NewServerManager(specs []process.Spec, cfg ServerManagerConfig) (*ServerManager, error) {
	m := &ServerManager{
		logger:    cfg.Logger,
		callbacks: cfg.Callbacks,
	}

	var errs []error
	for _, spec := range specs {
		if spec.Ready.Timeout == 0 && cfg.ReadyTimeout > 0 {
			spec.Ready = spec.Ready.WithTimeout(cfg.ReadyTimeout)
		}
		sup, err := supervisor.New(supervisor.Config{
			Spec:   spec,
			Logger: cfg.Logger,
			Stdout: cfg.Stdout,
			Stderr: cfg.Stderr,
			Callbacks: supervisor.Callbacks{
				OnStateChange: m.handleStateChange,
				OnStart:       cfg.Callbacks.OnStart,
				OnReady:       cfg.Callbacks.OnReady,
				OnExit:        cfg.Callbacks.OnExit,
			},
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.supervisors = append(m.supervisors, sup)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return m, nil
}

// StartAll starts every server through a serial runner. Each Start returns
// once its server is ready, so server N+1 is spawned only after server N is
// ready. The first failure aborts the rest.
func (m *ServerManager) StartAll(ctx context.Context) error {
	serial := runner.NewSerial[struct{}](m.logger)
	for _, sup := range m.Supervisors() {
		sup := sup
		serial.Add(sup.Name(), runner.JobFunc[struct{}](func(ctx context.Context) (struct{}, error) {
			return struct{}{}, sup.Start(ctx)
		}))
	}
	_, err := serial.Run(ctx)
	return err
}

// handleStateChange tracks the ready count and forwards the event.
func (m *ServerManager) handleStateChange(name string, oldState, newState supervisor.State) {
	wasReady := oldState == supervisor.StateReady
	isReady := newState == supervisor.StateReady

	if !wasReady && isReady {
		m.readyCount.Add(1)
	} else if wasReady && !isReady {
		m.readyCount.Add(-1)
	}

	if m.callbacks.OnStateChange != nil {
		m.callbacks.OnStateChange(name, oldState, newState)
	}
}

// Shutdown stops every server, last started first, and waits up to timeout
// for each to exit. Servers that never started are skipped. Errors are
// logged, not returned: teardown must reach every server.
func (m *ServerManager) Shutdown(timeout time.Duration) {
	sups := m.Supervisors()
	m.logger.Info("shutdown_initiated", "ready_servers", m.ReadyCount())

	for i := len(sups) - 1; i >= 0; i-- {
		sup := sups[i]
		if sup.State() == supervisor.StateUnstarted {
			continue
		}
		if err := sup.Shutdown(timeout); err != nil {
			m.logger.Debug("server_shutdown_error", "server", sup.Name(), "error", err)
		}
	}
	m.logger.Info("all_servers_stopped")
}

// ReadyCount returns the number of servers currently ready.
func (m *ServerManager) ReadyCount() int {
	return int(m.readyCount.Load())
}

// Supervisors returns the supervisors in declaration order.
func (m *ServerManager) Supervisors() []*supervisor.Supervisor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*supervisor.Supervisor(nil), m.supervisors...)
}

// States returns each server's current state by name.
func (m *ServerManager) States() map[string]supervisor.State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]supervisor.State, len(m.supervisors))
	for _, sup := range m.supervisors {
		states[sup.Name()] = sup.State()
	}
	return states
}
