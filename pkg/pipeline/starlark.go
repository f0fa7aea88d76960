package pipeline

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"runtime"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"

	"github.com/fornjot/matrixbuild/pkg/buildlog"
)

type scriptCtx struct {
	ctx      context.Context
	filepath string
	pipeline *Pipeline
}

func getCtx(thread *starlark.Thread) *scriptCtx {
	return thread.Local("scriptCtx").(*scriptCtx)
}

func stringList(input *starlark.List, field string) ([]string, error) {
	if input == nil {
		return nil, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		value, ok := item.(starlark.String)
		if !ok {
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}
		result = append(result, value.GoString())
	}
	return result, nil
}

func stringDict(input *starlark.Dict, field string) (map[string]string, error) {
	result := map[string]string{}
	if input == nil {
		return result, nil
	}

	for _, item := range input.Items() {
		key, ok := item[0].(starlark.String)
		if !ok {
			return nil, eris.Errorf("found key type %s in %s but only strings are supported", item[0].Type(), field)
		}

		value, ok := item[1].(starlark.String)
		if !ok {
			return nil, eris.Errorf("found value of type %s for key %s but only strings are supported", item[1].Type(), key.GoString())
		}
		result[key.GoString()] = value.GoString()
	}
	return result, nil
}

func logMsg(thread *starlark.Thread, warn bool, msg string) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	evt := buildlog.Log(ctx.ctx).Info()
	if warn {
		evt = buildlog.Log(ctx.ctx).Warn()
	}
	evt.Msgf("%s:%d:%d: %s", ctx.filepath, pos.Line, pos.Col, msg)
}

// * Builtin functions

func starProject(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	p := getCtx(thread).pipeline
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &p.Project, "branch?", &p.Branch,
		"binary?", &p.Binary, "source?", &p.Source)
	if err != nil {
		return nil, err
	}

	return starlark.None, nil
}

func starTarget(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var row Row
	var env *starlark.Dict

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "triple", &row.Target, "os?", &row.OS, "cross?", &row.Cross,
		"env?", &env)
	if err != nil {
		return nil, err
	}

	row.Env, err = stringDict(env, "env")
	if err != nil {
		return nil, err
	}

	p := getCtx(thread).pipeline
	p.Matrix = append(p.Matrix, row)
	return starlark.None, nil
}

func starToolchain(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var setup *starlark.List
	p := getCtx(thread).pipeline

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "setup?", &setup, "version?", &p.Toolchain.Version,
		"version_cmd?", &p.Toolchain.VersionCmd)
	if err != nil {
		return nil, err
	}

	if setup != nil {
		p.Toolchain.Setup, err = stringList(setup, "setup")
		if err != nil {
			return nil, err
		}
	}
	return starlark.None, nil
}

func starBuild(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	b := &getCtx(thread).pipeline.Build
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "native?", &b.Native, "cross?", &b.Cross,
		"target_dir?", &b.TargetDir)
	if err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func starEmulation(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	e := &getCtx(thread).pipeline.Emulation
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "driver?", &e.Driver, "image?", &e.Image)
	if err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func starPublish(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var policy string
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "on_conflict?", &policy)
	if err != nil {
		return nil, err
	}

	getCtx(thread).pipeline.Publish.OnConflict = ConflictPolicy(policy)
	return starlark.None, nil
}

func starSetenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key, value string
	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &key, &value)
	if err != nil {
		return nil, err
	}

	p := getCtx(thread).pipeline
	if p.Env == nil {
		p.Env = map[string]string{}
	}
	p.Env[key] = value
	return starlark.None, nil
}

func starGetenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var fallback string
	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &key, &fallback)
	if err != nil {
		return nil, err
	}

	value, ok := os.LookupEnv(key)
	if !ok {
		value = fallback
	}
	return starlark.String(value), nil
}

func starInfo(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string
	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	logMsg(thread, false, message)
	return starlark.None, nil
}

func starWarn(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string
	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	logMsg(thread, true, message)
	return starlark.None, nil
}

func starError(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string
	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	return nil, eris.New(message)
}

// runScript executes a pipeline script. The script declares the pipeline through project(), target() and
// friends in its global scope.
func runScript(ctx context.Context, filename string) (*Pipeline, error) {
	builtins := starlark.StringDict{
		"OS":        starlark.String(runtime.GOOS),
		"ARCH":      starlark.String(runtime.GOARCH),
		"info":      starlark.NewBuiltin("info", starInfo),
		"warn":      starlark.NewBuiltin("warn", starWarn),
		"error":     starlark.NewBuiltin("error", starError),
		"getenv":    starlark.NewBuiltin("getenv", starGetenv),
		"setenv":    starlark.NewBuiltin("setenv", starSetenv),
		"project":   starlark.NewBuiltin("project", starProject),
		"target":    starlark.NewBuiltin("target", starTarget),
		"toolchain": starlark.NewBuiltin("toolchain", starToolchain),
		"build":     starlark.NewBuiltin("build", starBuild),
		"emulation": starlark.NewBuiltin("emulation", starEmulation),
		"publish":   starlark.NewBuiltin("publish", starPublish),
	}

	thread := &starlark.Thread{
		Name: "pipeline",
		Print: func(thread *starlark.Thread, msg string) {
			buildlog.Log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	sctx := &scriptCtx{
		ctx:      ctx,
		filepath: filename,
		pipeline: new(Pipeline),
	}
	thread.SetLocal("scriptCtx", sctx)

	script, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read file")
	}

	_, err = starlark.ExecFile(thread, filename, script, builtins)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, eris.New(fmt.Sprintf("failed to execute %s:\n%s", filename, evalError.Backtrace()))
		}
		return nil, eris.Wrap(err, "failed to execute")
	}

	return sctx.pipeline, nil
}
