// Package stats tracks the progress of one run and renders its summary.
//
// The Tracker is fed by supervisor and client callbacks from many
// goroutines. Snapshot copies everything under one lock so the dashboard and
// the exit summary read a consistent view.
package stats

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"

	"github.com/randomizedcoder/go-turtle/internal/supervisor"
)

// ClientPhase is where a client is in its run.
type ClientPhase int

const (
	ClientPending ClientPhase = iota
	ClientRunning
	ClientPassed
	ClientFailed
	ClientSkipped
	ClientErrored
)

// String returns the phase name.
func (p ClientPhase) String() string {
	switch p {
	case ClientPending:
		return "pending"
	case ClientRunning:
		return "running"
	case ClientPassed:
		return "passed"
	case ClientFailed:
		return "failed"
	case ClientSkipped:
		return "skipped"
	case ClientErrored:
		return "error"
	default:
		return "unknown"
	}
}

// IsDone reports whether the client has finished one way or another.
func (p ClientPhase) IsDone() bool {
	return p >= ClientPassed
}

// ServerStatus is the observed state of one server.
type ServerStatus struct {
	Name     string
	State    supervisor.State
	PID      int
	Startup  time.Duration
	ExitCode int
	Since    time.Time
}

// ClientStatus is the observed state of one client.
type ClientStatus struct {
	Name     string
	Tests    int
	Phase    ClientPhase
	ExitCode int
	Duration time.Duration
	Started  time.Time
	Error    string
}

// Snapshot is a point-in-time copy of a Tracker.
type Snapshot struct {
	Timestamp time.Time
	Elapsed   time.Duration
	Servers   []ServerStatus
	Clients   []ClientStatus

	ServersReady   int
	ClientsRunning int
	ClientsDone    int
	Passed         int
	Failed         int
	Skipped        int
	Errored        int

	// Percentiles are zero until at least one sample exists.
	ClientP50  time.Duration
	ClientP95  time.Duration
	ClientMax  time.Duration
	StartupP50 time.Duration
	StartupMax time.Duration
}

// Tracker records server and client progress for one run.
type Tracker struct {
	mu        sync.Mutex
	started   time.Time
	servers   []*ServerStatus
	clients   []*ClientStatus
	serverIdx map[string]int
	clientIdx map[string]int

	clientDigest  *tdigest.TDigest
	startupDigest *tdigest.TDigest
	clientMax     time.Duration
	startupMax    time.Duration
	clientSamples int
	startSamples  int

	now func() time.Time
}

// NewTracker creates an empty tracker. The run clock starts now.
func NewTracker() *Tracker {
	return &Tracker{
		started:       time.Now(),
		serverIdx:     make(map[string]int),
		clientIdx:     make(map[string]int),
		clientDigest:  tdigest.NewWithCompression(100),
		startupDigest: tdigest.NewWithCompression(100),
		now:           time.Now,
	}
}

// DeclareServer adds a server in the unstarted state. Declaration order is
// the order snapshots list servers in.
func (t *Tracker) DeclareServer(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.server(name)
}

// DeclareClient adds a pending client with the number of tests it bundles.
func (t *Tracker) DeclareClient(name string, tests int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.client(name).Tests = tests
}

// server returns the status for name, declaring it if needed. Caller holds mu.
func (t *Tracker) server(name string) *ServerStatus {
	if i, ok := t.serverIdx[name]; ok {
		return t.servers[i]
	}
	s := &ServerStatus{Name: name, ExitCode: -1}
	t.serverIdx[name] = len(t.servers)
	t.servers = append(t.servers, s)
	return s
}

// client returns the status for name, declaring it if needed. Caller holds mu.
func (t *Tracker) client(name string) *ClientStatus {
	if i, ok := t.clientIdx[name]; ok {
		return t.clients[i]
	}
	c := &ClientStatus{Name: name, ExitCode: -1}
	t.clientIdx[name] = len(t.clients)
	t.clients = append(t.clients, c)
	return c
}

// =============================================================================
// Server events
// =============================================================================

// ServerState records a lifecycle transition.
func (t *Tracker) ServerState(name string, state supervisor.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.server(name)
	s.State = state
	s.Since = t.now()
}

// ServerStarted records the pid of a spawned server.
func (t *Tracker) ServerStarted(name string, pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.server(name).PID = pid
}

// ServerReady records how long a server took to become ready.
func (t *Tracker) ServerReady(name string, startup time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.server(name).Startup = startup
	t.startupDigest.Add(float64(startup), 1)
	t.startSamples++
	if startup > t.startupMax {
		t.startupMax = startup
	}
}

// ServerExited records a server's exit code.
func (t *Tracker) ServerExited(name string, code int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.server(name)
	s.ExitCode = code
	s.PID = 0
}

// =============================================================================
// Client events
// =============================================================================

// ClientStarted marks a client's runner as running.
func (t *Tracker) ClientStarted(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.client(name)
	c.Phase = ClientRunning
	c.Started = t.now()
}

// ClientFinished records a client's result. A skipped client has no
// duration sample.
func (t *Tracker) ClientFinished(name string, exitCode int, skipped bool, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.client(name)
	c.ExitCode = exitCode
	c.Duration = d
	switch {
	case skipped:
		c.Phase = ClientSkipped
		return
	case exitCode == 0:
		c.Phase = ClientPassed
	default:
		c.Phase = ClientFailed
	}
	t.clientDigest.Add(float64(d), 1)
	t.clientSamples++
	if d > t.clientMax {
		t.clientMax = d
	}
}

// ClientErrored records a client whose runner could not run at all.
func (t *Tracker) ClientErrored(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.client(name)
	c.Phase = ClientErrored
	c.ExitCode = 1
	if err != nil {
		c.Error = err.Error()
	}
}

// Snapshot returns a consistent copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	snap := Snapshot{
		Timestamp:  now,
		Elapsed:    now.Sub(t.started),
		Servers:    make([]ServerStatus, len(t.servers)),
		Clients:    make([]ClientStatus, len(t.clients)),
		ClientMax:  t.clientMax,
		StartupMax: t.startupMax,
	}

	for i, s := range t.servers {
		snap.Servers[i] = *s
		if s.State == supervisor.StateReady {
			snap.ServersReady++
		}
	}

	for i, c := range t.clients {
		snap.Clients[i] = *c
		switch c.Phase {
		case ClientRunning:
			snap.ClientsRunning++
		case ClientPassed:
			snap.Passed++
		case ClientFailed:
			snap.Failed++
		case ClientSkipped:
			snap.Skipped++
		case ClientErrored:
			snap.Errored++
		}
		if c.Phase.IsDone() {
			snap.ClientsDone++
		}
	}

	if t.clientSamples > 0 {
		snap.ClientP50 = time.Duration(t.clientDigest.Quantile(0.50))
		snap.ClientP95 = time.Duration(t.clientDigest.Quantile(0.95))
	}
	if t.startSamples > 0 {
		snap.StartupP50 = time.Duration(t.startupDigest.Quantile(0.50))
	}

	return snap
}
