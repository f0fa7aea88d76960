// Package runner fans a build matrix out into independent jobs and drives every job through
// toolchain acquisition, compilation, staging and publishing.
package runner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/fornjot/matrixbuild/pkg/buildlog"
	"github.com/fornjot/matrixbuild/pkg/pipeline"
	"github.com/fornjot/matrixbuild/pkg/publish"
	"github.com/fornjot/matrixbuild/pkg/staging"
	"github.com/fornjot/matrixbuild/pkg/toolchain"
)

// ErrPipelineFailed is returned by Execute when at least one job failed
var ErrPipelineFailed = eris.New("pipeline failed")

// Runner holds the collaborators shared by every job of a pipeline. None of them carry per-job state.
type Runner struct {
	Pipeline  *pipeline.Pipeline
	Toolchain toolchain.Provider
	Compilers toolchain.Set
	Publisher publish.Publisher
	// Workspace is the parent directory of all job workspaces
	Workspace string
	// Parallel limits the number of concurrent jobs; 0 means no limit
	Parallel int
	// DryRun stops every job after the compile step without staging or publishing anything
	DryRun bool
}

// Run is one execution of the pipeline for a push
type Run struct {
	ID  string
	Ref string
	// Commit is the pushed revision, if known
	Commit string
	Jobs   []*Job

	lock     sync.Mutex
	dryRun   bool
	started  time.Time
	finished time.Time
}

// NewRun creates a run with one pending job per spec
func NewRun(ref string, specs []pipeline.JobSpec) *Run {
	run := &Run{
		ID:   nanoid.New(),
		Ref:  ref,
		Jobs: make([]*Job, len(specs)),
	}
	for idx, spec := range specs {
		run.Jobs[idx] = newJob(spec)
	}
	return run
}

// Finished reports whether every job reached a terminal state
func (r *Run) Finished() bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	return !r.finished.IsZero()
}

// Failed returns the failed jobs
func (r *Run) Failed() []*Job {
	result := []*Job{}
	for _, job := range r.Jobs {
		if job.State() == Failed {
			result = append(result, job)
		}
	}
	return result
}

// Err aggregates the job results: any failed job fails the whole run
func (r *Run) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}

	names := make([]string, len(failed))
	for idx, job := range failed {
		names[idx] = job.Spec.TargetTriple
	}
	return eris.Wrapf(ErrPipelineFailed, "%d of %d jobs failed (%s)", len(failed), len(r.Jobs), strings.Join(names, ", "))
}

// RunStatus is a point in time snapshot of a run
type RunStatus struct {
	ID       string      `json:"id"`
	Ref      string      `json:"ref"`
	Commit   string      `json:"commit,omitempty"`
	Started  time.Time   `json:"started"`
	Finished *time.Time  `json:"finished,omitempty"`
	// DryRun marks runs whose jobs end in Compiled instead of Done
	DryRun   bool        `json:"dry_run,omitempty"`
	Success  bool        `json:"success"`
	Jobs     []JobStatus `json:"jobs"`
}

// Status returns a snapshot of the run
func (r *Run) Status() RunStatus {
	r.lock.Lock()
	status := RunStatus{ID: r.ID, Ref: r.Ref, Commit: r.Commit, Started: r.started, DryRun: r.dryRun}
	if !r.finished.IsZero() {
		finished := r.finished
		status.Finished = &finished
	}
	r.lock.Unlock()

	status.Jobs = make([]JobStatus, len(r.Jobs))
	for idx, job := range r.Jobs {
		status.Jobs[idx] = job.Status()
		status.Jobs[idx].DryRun = status.DryRun
	}
	status.Success = status.Finished != nil && r.Err() == nil
	return status
}

// Start creates a run for specs and executes it
func (r *Runner) Start(ctx context.Context, ref string, specs []pipeline.JobSpec) (*Run, error) {
	run := NewRun(ref, specs)
	return run, r.Execute(ctx, run)
}

// Execute runs every job of run in parallel and waits for all of them. A failing job never stops
// the others.
func (r *Runner) Execute(ctx context.Context, run *Run) error {
	ctx = buildlog.WithFields(ctx, map[string]string{"run": run.ID})
	logger := buildlog.Log(ctx)

	run.lock.Lock()
	run.started = time.Now().UTC()
	run.dryRun = r.DryRun
	run.lock.Unlock()

	logger.Info().Msgf("starting %d jobs for %s", len(run.Jobs), r.Pipeline.Project)

	group := new(errgroup.Group)
	if r.Parallel > 0 {
		group.SetLimit(r.Parallel)
	}

	for _, job := range run.Jobs {
		job := job
		group.Go(func() error {
			r.runJob(ctx, run, job)
			return nil
		})
	}
	_ = group.Wait()

	run.lock.Lock()
	run.finished = time.Now().UTC()
	run.lock.Unlock()

	if err := run.Err(); err != nil {
		logger.Error().Msg(err.Error())
		return err
	}

	logger.Info().Msgf("all %d jobs finished", len(run.Jobs))
	return nil
}

func (r *Runner) advance(ctx context.Context, job *Job, to State) {
	if err := job.transition(to); err != nil {
		// runJob only ever moves forward, so this is a programming error
		panic(err)
	}
	buildlog.Log(ctx).Debug().Str("state", to.String()).Msg("state changed")
}

func (r *Runner) failed(ctx context.Context, job *Job, kind Kind, err error) {
	jobErr := job.fail(kind, err)
	buildlog.Log(ctx).Error().Err(err).Str("kind", string(kind)).Msgf("job failed after %s", jobErr.From)
}

func (r *Runner) runJob(ctx context.Context, run *Run, job *Job) {
	spec := job.Spec
	ctx = buildlog.WithFields(ctx, map[string]string{
		"job":  spec.ID(),
		"task": spec.TargetTriple,
	})
	logger := buildlog.Log(ctx)

	if spec.HostOS.GOOS() != runtime.GOOS {
		logger.Warn().Msgf("job expects a %s host but runs on %s", spec.HostOS, runtime.GOOS)
	}

	// Pending -> ToolchainReady
	// Commands run inside the source tree, so every workspace path has to be absolute.
	root, err := filepath.Abs(filepath.Join(r.Workspace, run.ID, spec.ID()))
	if err != nil {
		r.failed(ctx, job, ToolchainAcquisitionFailure, eris.Wrap(err, "Failed to resolve workspace"))
		return
	}
	ws := toolchain.Workspace{
		Source:    r.Pipeline.Source,
		Root:      root,
		TargetDir: filepath.Join(root, r.Pipeline.Build.TargetDir),
	}

	if err := os.MkdirAll(ws.TargetDir, 0770); err != nil {
		r.failed(ctx, job, ToolchainAcquisitionFailure, eris.Wrapf(err, "Failed to create workspace %s", ws.Root))
		return
	}
	if err := r.Toolchain.Acquire(ctx, spec); err != nil {
		r.failed(ctx, job, ToolchainAcquisitionFailure, err)
		return
	}
	r.advance(ctx, job, ToolchainReady)

	// ToolchainReady -> Compiled
	compiler, err := r.Compilers.For(spec)
	if err != nil {
		r.failed(ctx, job, CompilationFailure, err)
		return
	}
	job.lock.Lock()
	job.compiler = compiler.Name()
	job.lock.Unlock()

	logger.Info().Msgf("compiling with %s", compiler.Name())
	if err := compiler.Compile(ctx, spec, ws); err != nil {
		r.failed(ctx, job, CompilationFailure, err)
		return
	}
	r.advance(ctx, job, Compiled)

	if r.DryRun {
		logger.Info().Msg("dry run; skipping staging and publishing")
		return
	}

	// Compiled -> Staged
	src := toolchain.BinaryPath(r.Pipeline, spec, ws)
	ref, err := staging.Stage(ctx, r.Pipeline.Project, spec, src, filepath.Join(ws.Root, "dist"))
	if err != nil {
		r.failed(ctx, job, StagingFailure, err)
		return
	}
	job.lock.Lock()
	job.artifact = &ref
	job.lock.Unlock()
	r.advance(ctx, job, Staged)

	// Staged -> Published
	record, err := r.Publisher.Publish(ctx, ref, run.ID)
	if err != nil {
		r.failed(ctx, job, PublishFailure, err)
		return
	}
	job.lock.Lock()
	job.record = &record
	job.lock.Unlock()
	r.advance(ctx, job, Published)

	r.advance(ctx, job, Done)
	logger.Info().Msgf("done: %s", ref.Name())
}
