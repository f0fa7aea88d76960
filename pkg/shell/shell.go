// Package shell runs toolchain and compiler commands through mvdan.cc/sh so the same command templates work on
// every host, including Windows machines without a POSIX shell.
package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/fornjot/matrixbuild/pkg/buildlog"
)

// Options controls a single Run call
type Options struct {
	Dir    string
	Env    map[string]string
	Stdout io.Writer
	Stderr io.Writer
	// DryRun only logs the statements
	DryRun bool
}

func environ(overrides map[string]string) expand.Environ {
	envVars := os.Environ()
	for name, value := range overrides {
		envVars = append(envVars, fmt.Sprintf("%s=%s", name, value))
	}

	return expand.ListEnviron(envVars...)
}

var defaultExecHandler = interp.DefaultExecHandler(2 * time.Second)

func execHandler(ctx context.Context, args []string) error {
	if len(args) > 0 {
		if builtin, ok := builtins[args[0]]; ok {
			// always use our cross-platform implementation for these operations to make sure
			// they behave consistently
			return builtin(interp.HandlerCtx(ctx), args[1:])
		}
	}

	return defaultExecHandler(ctx, args)
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

// Run executes script with "set -e" semantics. Every statement is logged before it runs.
func Run(ctx context.Context, script string, opts Options) error {
	parser := syntax.NewParser()
	file, err := parser.Parse(strings.NewReader(script), "command")
	if err != nil {
		return eris.Wrapf(err, "failed to parse command %s", script)
	}

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	runnerOpts := []interp.RunnerOption{
		interp.Env(environ(opts.Env)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, stdout, stderr),
		interp.Params("-e"),
	}
	if opts.Dir != "" {
		runnerOpts = append(runnerOpts, interp.Dir(opts.Dir))
	}

	runner, err := interp.New(runnerOpts...)
	if err != nil {
		return eris.Wrap(err, "Failed to initialize runner")
	}

	printer := syntax.NewPrinter(syntax.Minify(true))
	strBuffer := strings.Builder{}
	for _, stmt := range file.Stmts {
		strBuffer.Reset()
		if err := printer.Print(&strBuffer, stmt); err != nil {
			return eris.Wrap(err, "failed to print statement")
		}
		buildlog.Log(ctx).Info().Bool("command", true).Msg(strBuffer.String())

		if opts.DryRun {
			continue
		}

		if err := runner.Run(ctx, stmt); err != nil {
			return eris.Wrapf(err, "command failed: %s", strBuffer.String())
		}

		if runner.Exited() {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	return nil
}

// Output runs script and returns everything it wrote to stdout
func Output(ctx context.Context, script string, opts Options) (string, error) {
	buffer := strings.Builder{}
	opts.Stdout = &buffer
	opts.DryRun = false

	err := Run(ctx, script, opts)
	return buffer.String(), err
}
