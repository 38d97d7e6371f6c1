package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Serial runs jobs strictly one at a time in the order they were added.
// The first failure aborts the batch; later jobs are never started.
type Serial[T any] struct {
	logger *slog.Logger

	mu   sync.Mutex
	jobs []entry[T]
	ran  bool
}

// NewSerial creates an empty serial runner.
func NewSerial[T any](logger *slog.Logger) *Serial[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Serial[T]{logger: logger}
}

// Add appends a job to the queue.
func (r *Serial[T]) Add(name string, job Job[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, entry[T]{name: name, job: job})
}

// Len returns the number of queued jobs.
func (r *Serial[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Run executes the queue and returns once, after the last job completes or
// the first one fails. The returned outcomes cover every job that was
// started, in order. Jobs added while Run is executing are not run.
func (r *Serial[T]) Run(ctx context.Context) ([]Outcome[T], error) {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	r.ran = true
	jobs := append([]entry[T](nil), r.jobs...)
	r.mu.Unlock()

	outcomes := make([]Outcome[T], 0, len(jobs))
	for i, e := range jobs {
		if err := ctx.Err(); err != nil {
			return outcomes, fmt.Errorf("serial job %d (%s) not started: %w", i, e.name, err)
		}

		r.logger.Debug("serial_job_start", "index", i, "job", e.name, "total", len(jobs))
		out := invoke(ctx, e)
		outcomes = append(outcomes, out)

		if out.Err != nil {
			r.logger.Debug("serial_job_failed",
				"index", i,
				"job", e.name,
				"skipped", len(jobs)-i-1,
				"error", out.Err,
			)
			return outcomes, fmt.Errorf("serial job %d (%s): %w", i, e.name, out.Err)
		}
		r.logger.Debug("serial_job_done", "index", i, "job", e.name, "duration", out.Duration.String())
	}
	return outcomes, nil
}
