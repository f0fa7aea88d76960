package toolchain

import (
	"context"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/fornjot/matrixbuild/pkg/pipeline"
	"github.com/fornjot/matrixbuild/pkg/shell"
)

// CommandCompiler runs a compiler command template through the portable shell
type CommandCompiler struct {
	Label    string
	Template string
	Pipeline *pipeline.Pipeline
	Output   Output
}

// NewNative returns the native compiler of a pipeline
func NewNative(p *pipeline.Pipeline, out Output) *CommandCompiler {
	return &CommandCompiler{Label: "native", Template: p.Build.Native, Pipeline: p, Output: out}
}

// NewCross returns the emulation layer that delegates to the "cross" tool
func NewCross(p *pipeline.Pipeline, out Output) *CommandCompiler {
	return &CommandCompiler{Label: "cross", Template: p.Build.Cross, Pipeline: p, Output: out}
}

// Name implements Compiler
func (c *CommandCompiler) Name() string {
	return c.Label
}

// Compile implements Compiler
func (c *CommandCompiler) Compile(ctx context.Context, job pipeline.JobSpec, ws Workspace) error {
	env := make(map[string]string, len(job.Env)+1)
	for k, v := range job.Env {
		env[k] = v
	}
	env["CARGO_TARGET_DIR"] = ws.TargetDir

	cmd := pipeline.Render(c.Template, c.Pipeline.Vars(job))
	return shell.Run(ctx, cmd, c.Output.options(ws.Source, env))
}

// Set bundles the native compiler with the emulation layer of a pipeline
type Set struct {
	Native   Compiler
	Emulator Compiler
}

// NewSet builds the compilers configured in p
func NewSet(p *pipeline.Pipeline, out Output) (Set, error) {
	set := Set{Native: NewNative(p, out)}

	switch p.Emulation.Driver {
	case pipeline.DriverDocker:
		emulator, err := NewDockerEmulator(p, out)
		if err != nil {
			return set, err
		}
		set.Emulator = emulator
	default:
		set.Emulator = NewCross(p, out)
	}

	return set, nil
}

// For picks the compiler for job. Rows with use_cross never run on the native compiler.
func (s Set) For(job pipeline.JobSpec) (Compiler, error) {
	if job.UseCross {
		if s.Emulator == nil {
			return nil, eris.Errorf("%s needs an emulation layer but none is configured", job.TargetTriple)
		}
		return s.Emulator, nil
	}

	if s.Native == nil {
		return nil, eris.New("no native compiler configured")
	}
	return s.Native, nil
}

// BinaryPath returns where the compiler leaves the release binary of job
func BinaryPath(p *pipeline.Pipeline, job pipeline.JobSpec, ws Workspace) string {
	name := p.Binary
	if job.HostOS.IsWindows() {
		name += ".exe"
	}
	return filepath.Join(ws.TargetDir, job.TargetTriple, "release", name)
}
