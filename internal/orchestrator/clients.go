package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/randomizedcoder/go-turtle/internal/bundle"
	"github.com/randomizedcoder/go-turtle/internal/client"
	"github.com/randomizedcoder/go-turtle/internal/config"
	"github.com/randomizedcoder/go-turtle/internal/fileserver"
	"github.com/randomizedcoder/go-turtle/internal/runner"
)

// preparedClient is a suite client with its document built.
type preparedClient struct {
	name string
	doc  *bundle.Document

	// err is a per-client failure found while building, reported as the
	// client's outcome instead of aborting the run.
	err error

	// bundle is the written document in file mode.
	bundle     string
	keepBundle bool
}

// prepareClients builds every client's document before anything is
// spawned. A missing template file is a configuration error for the whole
// run; tests that match no files only fail their own client.
func (o *Orchestrator) prepareClients() ([]preparedClient, error) {
	clients := make([]preparedClient, 0, len(o.suite.Clients))
	for _, c := range o.suite.Clients {
		o.tracker.DeclareClient(c.Name, 0)
		pc := preparedClient{
			name:       c.Name,
			keepBundle: o.config.KeepBundles || c.KeepBundle,
		}

		if len(c.Tests) == 0 {
			clients = append(clients, pc)
			continue
		}

		doc, err := bundle.Build(c.Template, c.Tests, bundle.Options{
			Title: c.Name,
			Link:  o.linkFor(c.Name),
		})
		switch {
		case errors.Is(err, bundle.ErrNoTests):
			o.logger.Warn("client_no_tests_matched", "client", c.Name)
			pc.err = fmt.Errorf("client %s: %w", c.Name, err)
			clients = append(clients, pc)
			continue
		case err != nil:
			return nil, fmt.Errorf("client %s: %w", c.Name, err)
		}
		pc.doc = doc
		o.tracker.DeclareClient(c.Name, len(doc.Tests))

		if o.files != nil {
			o.files.AddClient(c.Name, doc)
		} else {
			path, err := client.WriteBundle(o.config.BundleDir, o.runID, c.Name, doc.HTML)
			if err != nil {
				return nil, fmt.Errorf("client %s: %w", c.Name, err)
			}
			pc.bundle = path
		}
		clients = append(clients, pc)
	}
	return clients, nil
}

// linkFor returns how a client's document refers to its files: through the
// file server in url mode, as file URLs otherwise.
func (o *Orchestrator) linkFor(name string) func(string) string {
	if o.config.Target == config.TargetURL {
		return fileserver.FileLink(name)
	}
	return func(path string) string { return "file://" + path }
}

// runClients runs every client at once, capped by MaxParallel, and returns
// one outcome per client in suite order.
func (o *Orchestrator) runClients(ctx context.Context, clients []preparedClient) ([]runner.Outcome[client.Result], error) {
	par := runner.NewParallel[client.Result](o.logger)
	par.SetLimit(o.config.MaxParallel)

	for _, pc := range clients {
		job, err := o.clientJob(pc)
		if err != nil {
			return nil, err
		}
		par.Add(pc.name, job)
	}

	o.logger.Info("clients_starting", "count", par.Len(), "max_parallel", o.config.MaxParallel)
	return par.Run(ctx)
}

// clientJob wraps one client's run so progress reaches the tracker and
// the metrics collector.
func (o *Orchestrator) clientJob(pc preparedClient) (runner.Job[client.Result], error) {
	if pc.err != nil {
		failure := pc.err
		return runner.JobFunc[client.Result](func(context.Context) (client.Result, error) {
			o.tracker.ClientErrored(pc.name, failure)
			o.metrics.ClientErrored()
			return client.Result{Name: pc.name}, failure
		}), nil
	}

	tests := 0
	target := ""
	if pc.doc != nil {
		tests = len(pc.doc.Tests)
		target = pc.bundle
		if o.files != nil {
			url, err := o.files.URL(pc.name)
			if err != nil {
				return nil, err
			}
			target = url
		}
	}

	job := &client.Job{
		Name:  pc.name,
		Tests: tests,
		Builder: client.Invocation{
			Client: pc.name,
			Runner: o.config.RunnerPath,
			Args:   o.config.RunnerArgs,
			Target: target,
		},
		Logger:     o.logger,
		Output:     o.childOut,
		Bundle:     pc.bundle,
		KeepBundle: pc.keepBundle,
		OnStart: func(int) {
			o.tracker.ClientStarted(pc.name)
			o.metrics.ClientStarted()
		},
		OnExit: func(r client.Result) {
			o.metrics.RecordClientExit(r.ExitCode, r.Duration)
		},
	}

	return runner.JobFunc[client.Result](func(ctx context.Context) (client.Result, error) {
		res, err := job.Run(ctx)
		switch {
		case err != nil:
			o.tracker.ClientErrored(pc.name, err)
			o.metrics.ClientErrored()
		case res.Skipped:
			o.tracker.ClientFinished(pc.name, 0, true, 0)
			o.metrics.ClientSkipped()
		default:
			o.tracker.ClientFinished(pc.name, res.ExitCode, false, res.Duration)
		}
		return res, err
	}), nil
}
