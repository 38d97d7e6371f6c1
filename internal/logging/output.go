package logging

import (
	"bytes"
	"io"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a buffered line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the number of recent lines kept per stream.
	MaxBufferedLines = 100
)

// consoleMu serialises writes from every OutputHandler to the shared
// console so a single Write is never torn by another process's output.
// Lines from different processes still interleave.
var consoleMu sync.Mutex

// OutputHandler forwards a child process stream to a destination writer,
// optionally prefixing every line, and keeps the most recent lines for
// failure diagnostics.
//
// A nil destination discards the output (silent policy); the recent lines
// are still recorded.
type OutputHandler struct {
	dst    io.Writer
	prefix []byte

	mu          sync.Mutex
	atLineStart bool
	partial     []byte

	// Circular buffer for recent lines
	buffer []string
	bufIdx int
}

// NewOutputHandler creates a handler forwarding to dst with the given
// per-line prefix. An empty prefix forwards bytes unmodified.
func NewOutputHandler(dst io.Writer, prefix string) *OutputHandler {
	return &OutputHandler{
		dst:         dst,
		prefix:      []byte(prefix),
		atLineStart: true,
		buffer:      make([]string, MaxBufferedLines),
	}
}

// Write implements io.Writer. It never returns an error so a broken
// console can't stall the child process.
func (h *OutputHandler) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.record(p)

	if h.dst == nil {
		return len(p), nil
	}

	out := p
	if len(h.prefix) > 0 {
		out = h.prefixLines(p)
	}

	consoleMu.Lock()
	_, _ = h.dst.Write(out)
	consoleMu.Unlock()

	return len(p), nil
}

// prefixLines inserts the prefix at the start of every line in p. A line
// split across two writes is prefixed once.
func (h *OutputHandler) prefixLines(p []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(p) + len(h.prefix)*2)

	for len(p) > 0 {
		if h.atLineStart {
			out.Write(h.prefix)
			h.atLineStart = false
		}
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			out.Write(p)
			break
		}
		out.Write(p[:i+1])
		p = p[i+1:]
		h.atLineStart = true
	}
	return out.Bytes()
}

// record splits p into lines and stores complete ones.
func (h *OutputHandler) record(p []byte) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			h.partial = appendCapped(h.partial, p)
			return
		}
		h.partial = appendCapped(h.partial, p[:i])
		h.store(string(bytes.TrimRight(h.partial, "\r")))
		h.partial = h.partial[:0]
		p = p[i+1:]
	}
}

func appendCapped(dst, src []byte) []byte {
	room := MaxLineLength - len(dst)
	if room <= 0 {
		return dst
	}
	if len(src) > room {
		src = src[:room]
	}
	return append(dst, src...)
}

func (h *OutputHandler) store(line string) {
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
}

// Flush records any trailing line that was not newline-terminated.
func (h *OutputHandler) Flush() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.partial) > 0 {
		h.store(string(h.partial))
		h.partial = h.partial[:0]
	}
}

// RecentLines returns up to n of the most recent complete lines, oldest first.
func (h *OutputHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		if h.buffer[idx] != "" {
			lines = append(lines, h.buffer[idx])
		}
	}
	return lines
}
