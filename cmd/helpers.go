package cmd

import (
	"context"
	"os"

	"github.com/fornjot/matrixbuild/pkg/pipeline"
	"github.com/fornjot/matrixbuild/pkg/publish"
	"github.com/fornjot/matrixbuild/pkg/runner"
	"github.com/fornjot/matrixbuild/pkg/toolchain"
)

func loadPipeline(ctx context.Context) (*pipeline.Pipeline, []pipeline.JobSpec, error) {
	p, err := pipeline.Load(ctx, settings.Pipeline)
	if err != nil {
		return nil, nil, err
	}

	jobs, err := p.Expand()
	if err != nil {
		return nil, nil, err
	}
	return p, jobs, nil
}

func openStore(p *pipeline.Pipeline) (*publish.Store, error) {
	policy := pipeline.ConflictOverwrite
	if p != nil {
		policy = p.Publish.OnConflict
	}
	return publish.Open(settings.Store.Dir, policy)
}

// newRunner wires the toolchain, the compilers and (unless dryRun is set) the artifact store. The returned
// function releases the store.
func newRunner(p *pipeline.Pipeline, jobs []pipeline.JobSpec, dryRun bool) (*runner.Runner, func(), error) {
	out := toolchain.Output{Stdout: os.Stdout, Stderr: os.Stderr, DryRun: dryRun}
	compilers, err := toolchain.NewSet(p, out)
	if err != nil {
		return nil, nil, err
	}

	r := &runner.Runner{
		Pipeline:  p,
		Toolchain: &toolchain.ShellProvider{Pipeline: p, Output: out},
		Compilers: compilers,
		Workspace: settings.Workspace,
		Parallel:  settings.Parallel,
		DryRun:    dryRun,
	}

	if dryRun {
		return r, func() {}, nil
	}

	store, err := openStore(p)
	if err != nil {
		return nil, nil, err
	}
	// progress bars of parallel jobs would overwrite each other
	if len(jobs) > 1 && settings.Parallel != 1 {
		store.Quiet = true
	}
	r.Publisher = store

	return r, func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close artifact store")
		}
	}, nil
}
