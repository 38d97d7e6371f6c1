// Package runner executes batches of jobs, either strictly one after
// another or all at once with a join before returning.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyRun is returned when a runner is run a second time.
var ErrAlreadyRun = errors.New("runner already run")

// Job is one unit of work. Run signals completion by returning, either
// with a result or with an error.
type Job[T any] interface {
	Run(ctx context.Context) (T, error)
}

// JobFunc adapts a function to the Job interface.
type JobFunc[T any] func(ctx context.Context) (T, error)

// Run calls f(ctx).
func (f JobFunc[T]) Run(ctx context.Context) (T, error) {
	return f(ctx)
}

// Outcome is what one job produced. OK is false when the job returned an
// error or panicked, in which case Value is the zero value.
type Outcome[T any] struct {
	Name     string
	Value    T
	OK       bool
	Err      error
	Duration time.Duration
}

// PanicError wraps a value recovered from a panicking job.
type PanicError struct {
	Job   string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job %s panicked: %v", e.Job, e.Value)
}

type entry[T any] struct {
	name string
	job  Job[T]
}

// invoke runs one job, converting a panic into an error so a misbehaving
// job still completes.
func invoke[T any](ctx context.Context, e entry[T]) (out Outcome[T]) {
	out.Name = e.name
	start := time.Now()
	defer func() {
		out.Duration = time.Since(start)
		if r := recover(); r != nil {
			var zero T
			out.Value = zero
			out.OK = false
			out.Err = &PanicError{Job: e.name, Value: r}
		}
	}()

	v, err := e.job.Run(ctx)
	if err != nil {
		out.Err = err
		return out
	}
	out.Value = v
	out.OK = true
	return out
}
