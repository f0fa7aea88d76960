// Package toolchain acquires toolchains and drives the compiler for a single job. The actual toolchain, the
// compiler and the emulation layer are external programs; this package only decides which one runs and how.
package toolchain

import (
	"context"
	"io"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"

	"github.com/fornjot/matrixbuild/pkg/buildlog"
	"github.com/fornjot/matrixbuild/pkg/pipeline"
	"github.com/fornjot/matrixbuild/pkg/shell"
)

// Workspace holds the directories a single job works in. Source is shared between jobs and only read,
// TargetDir belongs to exactly one job.
type Workspace struct {
	Source    string
	Root      string
	TargetDir string
}

// Provider acquires the toolchain for a job's target triple
type Provider interface {
	Acquire(ctx context.Context, job pipeline.JobSpec) error
}

// Compiler builds a job in release mode
type Compiler interface {
	Name() string
	Compile(ctx context.Context, job pipeline.JobSpec, ws Workspace) error
}

// Output receives the output of external commands
type Output struct {
	Stdout io.Writer
	Stderr io.Writer
	DryRun bool
}

func (o Output) options(dir string, env map[string]string) shell.Options {
	return shell.Options{
		Dir:    dir,
		Env:    env,
		Stdout: o.Stdout,
		Stderr: o.Stderr,
		DryRun: o.DryRun,
	}
}

// ShellProvider runs the pipeline's toolchain setup commands and optionally checks the installed version
type ShellProvider struct {
	Pipeline *pipeline.Pipeline
	Output   Output
}

var versionMatcher = regexp.MustCompile(`\d+\.\d+(\.\d+)?(-[0-9A-Za-z.-]+)?`)

// Acquire implements Provider
func (s *ShellProvider) Acquire(ctx context.Context, job pipeline.JobSpec) error {
	vars := s.Pipeline.Vars(job)
	for _, tmpl := range s.Pipeline.Toolchain.Setup {
		err := shell.Run(ctx, pipeline.Render(tmpl, vars), s.Output.options(s.Pipeline.Source, job.Env))
		if err != nil {
			return err
		}
	}

	if s.Pipeline.Toolchain.Version == "" || s.Output.DryRun {
		return nil
	}

	constraint, err := semver.NewConstraint(s.Pipeline.Toolchain.Version)
	if err != nil {
		return eris.Wrapf(err, "invalid toolchain version constraint %s", s.Pipeline.Toolchain.Version)
	}

	opts := s.Output.options(s.Pipeline.Source, job.Env)
	out, err := shell.Output(ctx, pipeline.Render(s.Pipeline.Toolchain.VersionCmd, vars), opts)
	if err != nil {
		return eris.Wrap(err, "failed to determine toolchain version")
	}

	buildlog.Log(ctx).Debug().Str("output", out).Msg("toolchain version")
	return CheckVersion(constraint, out)
}

// CheckVersion extracts the first version number from output and checks it against constraint
func CheckVersion(constraint *semver.Constraints, output string) error {
	raw := versionMatcher.FindString(output)
	if raw == "" {
		return eris.Errorf("no version number found in %q", output)
	}

	version, err := semver.NewVersion(raw)
	if err != nil {
		return eris.Wrapf(err, "failed to parse version %s", raw)
	}

	if !constraint.Check(version) {
		return eris.Errorf("toolchain version %s does not satisfy %s", version, constraint)
	}
	return nil
}
