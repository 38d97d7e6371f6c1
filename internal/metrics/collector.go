// Package metrics provides Prometheus metrics for go-turtle.
//
// Metrics are grouped the way a run progresses:
//   - Run: identity, exit code, elapsed time
//   - Servers: readiness, startup time, crashes
//   - Clients: activity, exit results, duration
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Exit result labels for turtle_client_exits_total.
const (
	ResultPassed  = "passed"
	ResultFailed  = "failed"
	ResultSignal  = "signal"
	ResultSkipped = "skipped"
	ResultError   = "error"
)

// Collector manages all Prometheus metrics for one run.
type Collector struct {
	// --- Run ---
	info       *prometheus.GaugeVec
	exitCode   prometheus.Gauge
	elapsed    prometheus.Gauge
	declared   *prometheus.GaugeVec
	runStarted time.Time

	// --- Servers ---
	serversReady   prometheus.Gauge
	serverStartup  *prometheus.HistogramVec
	serverCrashes  *prometheus.CounterVec
	serverFailures prometheus.Counter

	// --- Clients ---
	clientsActive  prometheus.Gauge
	clientExits    *prometheus.CounterVec
	clientDuration prometheus.Histogram

	mu         sync.Mutex
	ready      int
	active     int
	peakActive int
	exitCodes  map[int]int64
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version string
	RunID   string
	Servers int
	Clients int
}

// NewCollectorWithRegistry creates a collector registered with registry.
// Each run owns its registry, so several runs can share a process.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "turtle_info",
				Help: "Information about the run (value always 1)",
			},
			[]string{"version", "run_id"},
		),
		exitCode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "turtle_run_exit_code",
			Help: "Aggregated exit code of the run (-1 until known)",
		}),
		elapsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "turtle_run_elapsed_seconds",
			Help: "Seconds since the run started",
		}),
		declared: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "turtle_declared",
				Help: "Declared suite members by kind",
			},
			[]string{"kind"},
		),
		runStarted: time.Now(),

		serversReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "turtle_servers_ready",
			Help: "Servers currently ready",
		}),
		serverStartup: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turtle_server_startup_seconds",
				Help:    "Time from spawn to readiness",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"server"},
		),
		serverCrashes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turtle_server_crashes_total",
				Help: "Servers that exited on their own after becoming ready",
			},
			[]string{"server"},
		),
		serverFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turtle_server_start_failures_total",
			Help: "Servers that failed to spawn or become ready",
		}),

		clientsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "turtle_clients_active",
			Help: "Clients whose runner is currently running",
		}),
		clientExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turtle_client_exits_total",
				Help: "Client completions by result",
			},
			[]string{"result"},
		),
		clientDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "turtle_client_duration_seconds",
			Help:    "Runner wall time per client",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),

		exitCodes: make(map[int]int64),
	}

	registry.MustRegister(
		// Run
		c.info,
		c.exitCode,
		c.elapsed,
		c.declared,

		// Servers
		c.serversReady,
		c.serverStartup,
		c.serverCrashes,
		c.serverFailures,

		// Clients
		c.clientsActive,
		c.clientExits,
		c.clientDuration,
	)

	// Set initial values
	c.info.WithLabelValues(cfg.Version, cfg.RunID).Set(1)
	c.declared.WithLabelValues("servers").Set(float64(cfg.Servers))
	c.declared.WithLabelValues("clients").Set(float64(cfg.Clients))
	c.exitCode.Set(-1)

	return c
}

// =============================================================================
// Server Events
// =============================================================================

// ServerReady records a server reaching readiness.
func (c *Collector) ServerReady(name string, startup time.Duration) {
	c.serverStartup.WithLabelValues(name).Observe(startup.Seconds())

	c.mu.Lock()
	c.ready++
	c.serversReady.Set(float64(c.ready))
	c.mu.Unlock()
}

// ServerExited records a server process ending. wasReady tells whether it
// had counted as ready; crashed whether it ended without being stopped.
func (c *Collector) ServerExited(name string, wasReady, crashed bool) {
	if crashed && wasReady {
		c.serverCrashes.WithLabelValues(name).Inc()
	}
	if !wasReady {
		return
	}

	c.mu.Lock()
	if c.ready > 0 {
		c.ready--
	}
	c.serversReady.Set(float64(c.ready))
	c.mu.Unlock()
}

// ServerFailed records a server that never became ready.
func (c *Collector) ServerFailed() {
	c.serverFailures.Inc()
}

// =============================================================================
// Client Events
// =============================================================================

// ClientStarted records a runner process starting.
func (c *Collector) ClientStarted() {
	c.mu.Lock()
	c.active++
	if c.active > c.peakActive {
		c.peakActive = c.active
	}
	c.clientsActive.Set(float64(c.active))
	c.mu.Unlock()
}

// RecordClientExit records a runner process ending.
func (c *Collector) RecordClientExit(exitCode int, d time.Duration) {
	// Categorize exit code
	result := ResultFailed
	if exitCode == 0 {
		result = ResultPassed
	} else if exitCode > 128 {
		result = ResultSignal
	}
	c.clientExits.WithLabelValues(result).Inc()
	c.clientDuration.Observe(d.Seconds())

	c.mu.Lock()
	if c.active > 0 {
		c.active--
	}
	c.clientsActive.Set(float64(c.active))
	c.exitCodes[exitCode]++
	c.mu.Unlock()
}

// ClientSkipped records a client with no tests.
func (c *Collector) ClientSkipped() {
	c.clientExits.WithLabelValues(ResultSkipped).Inc()
}

// ClientErrored records a client whose runner could not be run.
func (c *Collector) ClientErrored() {
	c.clientExits.WithLabelValues(ResultError).Inc()
}

// =============================================================================
// Run
// =============================================================================

// SetExitCode records the aggregated exit code and final elapsed time.
func (c *Collector) SetExitCode(code int) {
	c.exitCode.Set(float64(code))
	c.UpdateElapsed()
}

// UpdateElapsed refreshes turtle_run_elapsed_seconds.
func (c *Collector) UpdateElapsed() {
	c.elapsed.Set(time.Since(c.runStarted).Seconds())
}

// PeakActive returns the peak number of concurrently running clients.
func (c *Collector) PeakActive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peakActive
}

// ExitCodes returns how many clients ended with each exit code.
func (c *Collector) ExitCodes() map[int]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]int64, len(c.exitCodes))
	for code, n := range c.exitCodes {
		out[code] = n
	}
	return out
}
