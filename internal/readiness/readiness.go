// Package readiness decides when a freshly spawned process is ready to
// receive requests, either after a fixed delay or when its output matches a
// pattern.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/acarl005/stripansi"
)

// DefaultDelay applies when a condition names neither a delay nor a pattern.
const DefaultDelay = 1000 * time.Millisecond

// ErrTimeout is returned by Wait when the condition's timeout elapses first.
var ErrTimeout = errors.New("readiness timeout")

// Stream identifies one of the two watched output streams.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// String returns the stream name.
func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return "unknown"
	}
}

// Condition is the criterion for declaring a process ready. Exactly one of
// Delay and Pattern applies; Pattern wins when both are set. The zero value
// means DefaultDelay.
type Condition struct {
	Delay   time.Duration
	Pattern *regexp.Regexp

	// Timeout bounds how long Wait blocks. Zero waits forever.
	Timeout time.Duration
}

// AfterDelay returns a condition that is met d after the watcher starts.
func AfterDelay(d time.Duration) Condition {
	return Condition{Delay: d}
}

// OnMatch returns a condition that is met when re matches the accumulated
// stdout or stderr text.
func OnMatch(re *regexp.Regexp) Condition {
	return Condition{Pattern: re}
}

// WithTimeout returns a copy of c bounded by timeout.
func (c Condition) WithTimeout(timeout time.Duration) Condition {
	c.Timeout = timeout
	return c
}

// IsPattern reports whether c waits for output rather than a timer.
func (c Condition) IsPattern() bool {
	return c.Pattern != nil
}

// EffectiveDelay returns the delay used for a timer condition.
func (c Condition) EffectiveDelay() time.Duration {
	if c.Delay <= 0 {
		return DefaultDelay
	}
	return c.Delay
}

// String describes the condition for logs.
func (c Condition) String() string {
	if c.IsPattern() {
		return fmt.Sprintf("pattern %q", c.Pattern.String())
	}
	return fmt.Sprintf("delay %s", c.EffectiveDelay())
}

// Watcher observes a process's output streams and signals readiness at
// most once. It is safe for concurrent use: stdout and stderr are usually
// fed from different goroutines.
type Watcher struct {
	cond Condition

	mu      sync.Mutex
	buffers [2]strings.Builder
	done    bool
	checks  int
	timer   *time.Timer
	matched Stream

	ready chan struct{}
}

// NewWatcher creates a watcher for cond. For delay conditions the clock
// starts at Start, not here.
func NewWatcher(cond Condition) *Watcher {
	return &Watcher{
		cond:    cond,
		ready:   make(chan struct{}),
		matched: -1,
	}
}

// Start begins monitoring. Delay conditions arm their timer here; pattern
// conditions need no setup. Call it once, right after the process spawns.
func (w *Watcher) Start() {
	if w.cond.IsPattern() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done || w.timer != nil {
		return
	}
	w.timer = time.AfterFunc(w.cond.EffectiveDelay(), func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.signalLocked()
	})
}

// Feed adds a chunk of output from stream s. After readiness has been
// signalled chunks are ignored and nothing is matched.
func (w *Watcher) Feed(s Stream, chunk []byte) {
	if !w.cond.IsPattern() || (s != Stdout && s != Stderr) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}

	buf := &w.buffers[s]
	buf.WriteString(stripansi.Strip(string(chunk)))

	w.checks++
	if w.cond.Pattern.MatchString(buf.String()) {
		w.matched = s
		w.signalLocked()
	}
}

// signalLocked closes the ready channel once and releases the buffers.
func (w *Watcher) signalLocked() {
	if w.done {
		return
	}
	w.done = true
	w.buffers[Stdout] = strings.Builder{}
	w.buffers[Stderr] = strings.Builder{}
	close(w.ready)
}

// Writer returns an io.Writer feeding stream s, for use with io.MultiWriter.
func (w *Watcher) Writer(s Stream) io.Writer {
	return streamWriter{w: w, s: s}
}

type streamWriter struct {
	w *Watcher
	s Stream
}

func (sw streamWriter) Write(p []byte) (int, error) {
	sw.w.Feed(sw.s, p)
	return len(p), nil
}

// Ready returns a channel closed when the condition is met.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Wait blocks until the condition is met, ctx is done, or the condition's
// timeout elapses.
func (w *Watcher) Wait(ctx context.Context) error {
	var timeout <-chan time.Time
	if w.cond.Timeout > 0 {
		t := time.NewTimer(w.cond.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return fmt.Errorf("%w: %s not met within %s", ErrTimeout, w.cond, w.cond.Timeout)
	}
}

// Stop abandons monitoring without signalling: the timer is cancelled and
// buffers are released. Later chunks are ignored.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.done = true
	w.buffers[Stdout] = strings.Builder{}
	w.buffers[Stderr] = strings.Builder{}
}

// Checks returns how many times the pattern has been evaluated.
func (w *Watcher) Checks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checks
}

// MatchedStream returns the stream whose output satisfied the pattern, or
// -1 if none has.
func (w *Watcher) MatchedStream() Stream {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.matched
}

// Signalled reports whether readiness has been signalled.
func (w *Watcher) Signalled() bool {
	select {
	case <-w.ready:
		return true
	default:
		return false
	}
}
