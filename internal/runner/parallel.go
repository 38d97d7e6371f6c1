package runner

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Parallel runs every registered job concurrently and returns only after
// all of them have completed. A failing job never cancels its siblings.
type Parallel[T any] struct {
	logger *slog.Logger

	mu    sync.Mutex
	jobs  []entry[T]
	limit int64
	ran   bool
}

// NewParallel creates an empty parallel runner with no concurrency cap.
func NewParallel[T any](logger *slog.Logger) *Parallel[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parallel[T]{logger: logger}
}

// Add registers a job. Its outcome is reported at the same index.
func (r *Parallel[T]) Add(name string, job Job[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, entry[T]{name: name, job: job})
}

// SetLimit caps how many jobs run at once. Zero or less means unlimited.
func (r *Parallel[T]) SetLimit(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit = int64(n)
}

// Len returns the number of registered jobs.
func (r *Parallel[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Run launches all jobs and blocks until each has completed. The result has
// exactly one outcome per registered job, at its registration index,
// whatever order the jobs finished in. A job that could not start because
// ctx ended first is reported with ctx's error.
func (r *Parallel[T]) Run(ctx context.Context) ([]Outcome[T], error) {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	r.ran = true
	jobs := append([]entry[T](nil), r.jobs...)
	limit := r.limit
	r.mu.Unlock()

	if limit <= 0 {
		limit = math.MaxInt64
	}
	sem := semaphore.NewWeighted(limit)

	outcomes := make([]Outcome[T], len(jobs))
	var wg sync.WaitGroup
	for i, e := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := sem.Acquire(ctx, 1); err != nil {
				outcomes[i] = Outcome[T]{Name: e.name, Err: err}
				return
			}
			defer sem.Release(1)

			outcomes[i] = invoke(ctx, e)
			r.logger.Debug("parallel_job_done",
				"index", i,
				"job", e.name,
				"ok", outcomes[i].OK,
				"duration", outcomes[i].Duration.String(),
			)
		}()
	}
	wg.Wait()

	return outcomes, nil
}
