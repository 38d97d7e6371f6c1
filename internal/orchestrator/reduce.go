package orchestrator

import (
	"github.com/randomizedcoder/go-turtle/internal/client"
	"github.com/randomizedcoder/go-turtle/internal/runner"
)

// ExitCode reduces client outcomes, in registration order, to the run's
// exit code: the first non-zero code wins. An outcome with no result or
// with an error counts as 1. A skipped client counts as 0.
func ExitCode(outcomes []runner.Outcome[client.Result]) int {
	for _, o := range outcomes {
		if code := outcomeCode(o); code != 0 {
			return code
		}
	}
	return 0
}

func outcomeCode(o runner.Outcome[client.Result]) int {
	switch {
	case !o.OK || o.Err != nil:
		return 1
	case o.Value.Skipped:
		return 0
	default:
		return o.Value.ExitCode
	}
}
