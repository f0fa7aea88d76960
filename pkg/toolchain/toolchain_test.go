package toolchain

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/fornjot/matrixbuild/pkg/pipeline"
)

func testPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()

	return &pipeline.Pipeline{
		Project: "fj-host",
		Binary:  "fj-host",
		Source:  t.TempDir(),
		Toolchain: pipeline.Toolchain{
			Setup: []string{"echo {target} >> setup.log"},
		},
		Build: pipeline.Build{
			Native: `mkdir -p "$CARGO_TARGET_DIR/{target}/release"; echo native > "$CARGO_TARGET_DIR/{target}/release/{binary}"`,
			Cross:  `mkdir -p "$CARGO_TARGET_DIR/{target}/release"; echo cross > "$CARGO_TARGET_DIR/{target}/release/{binary}"`,
		},
		Emulation: pipeline.Emulation{Driver: pipeline.DriverCross, Image: pipeline.DefaultImage},
	}
}

func quiet() Output {
	return Output{Stdout: ioutil.Discard, Stderr: ioutil.Discard}
}

func TestShellProviderRunsSetup(t *testing.T) {
	p := testPipeline(t)
	provider := &ShellProvider{Pipeline: p, Output: quiet()}

	job := pipeline.JobSpec{TargetTriple: "x86_64-unknown-linux-gnu", HostOS: pipeline.Linux}
	require.NoError(t, provider.Acquire(context.Background(), job))

	content, err := ioutil.ReadFile(filepath.Join(p.Source, "setup.log"))
	require.NoError(t, err)
	require.Equal(t, "x86_64-unknown-linux-gnu\n", string(content))
}

func TestShellProviderVersionCheck(t *testing.T) {
	p := testPipeline(t)
	p.Toolchain.Setup = []string{}
	p.Toolchain.VersionCmd = "echo 'rustc 1.75.0 (82e1608df 2023-12-21)'"
	provider := &ShellProvider{Pipeline: p, Output: quiet()}
	job := pipeline.JobSpec{TargetTriple: "x86_64-unknown-linux-gnu"}

	p.Toolchain.Version = ">= 1.70"
	require.NoError(t, provider.Acquire(context.Background(), job))

	p.Toolchain.Version = ">= 1.80"
	require.Error(t, provider.Acquire(context.Background(), job))
}

func TestShellProviderFailure(t *testing.T) {
	p := testPipeline(t)
	p.Toolchain.Setup = []string{"exit 3"}
	provider := &ShellProvider{Pipeline: p, Output: quiet()}

	require.Error(t, provider.Acquire(context.Background(), pipeline.JobSpec{TargetTriple: "x"}))
}

func TestCheckVersion(t *testing.T) {
	constraint, err := semver.NewConstraint("~1.75")
	require.NoError(t, err)

	require.NoError(t, CheckVersion(constraint, "rustc 1.75.2 (abc 2024-01-01)"))
	require.Error(t, CheckVersion(constraint, "rustc 1.76.0"))
	require.Error(t, CheckVersion(constraint, "command not found"))
}

func TestSetPicksEmulatorForCross(t *testing.T) {
	p := testPipeline(t)
	set, err := NewSet(p, quiet())
	require.NoError(t, err)

	native, err := set.For(pipeline.JobSpec{TargetTriple: "x86_64-unknown-linux-gnu"})
	require.NoError(t, err)
	require.Equal(t, "native", native.Name())

	emulated, err := set.For(pipeline.JobSpec{TargetTriple: "aarch64-unknown-linux-musl", UseCross: true})
	require.NoError(t, err)
	require.Equal(t, "cross", emulated.Name())

	_, err = Set{Native: set.Native}.For(pipeline.JobSpec{TargetTriple: "aarch64-unknown-linux-musl", UseCross: true})
	require.Error(t, err)
}

func TestCommandCompilerUsesPrivateTargetDir(t *testing.T) {
	p := testPipeline(t)
	job := pipeline.JobSpec{TargetTriple: "aarch64-unknown-linux-musl", HostOS: pipeline.Linux, UseCross: true}
	ws := Workspace{Source: p.Source, Root: t.TempDir()}
	ws.TargetDir = filepath.Join(ws.Root, "target")

	require.NoError(t, NewCross(p, quiet()).Compile(context.Background(), job, ws))

	content, err := ioutil.ReadFile(BinaryPath(p, job, ws))
	require.NoError(t, err)
	require.Equal(t, "cross\n", string(content))
}

func TestBinaryPath(t *testing.T) {
	p := &pipeline.Pipeline{Binary: "fj-host"}
	ws := Workspace{TargetDir: filepath.Join("work", "target")}

	require.Equal(t, filepath.Join("work", "target", "x86_64-pc-windows-msvc", "release", "fj-host.exe"),
		BinaryPath(p, pipeline.JobSpec{TargetTriple: "x86_64-pc-windows-msvc", HostOS: pipeline.Windows}, ws))
	require.Equal(t, filepath.Join("work", "target", "x86_64-apple-darwin", "release", "fj-host"),
		BinaryPath(p, pipeline.JobSpec{TargetTriple: "x86_64-apple-darwin", HostOS: pipeline.MacOS}, ws))
}

type fakeDocker struct {
	config   *container.Config
	host     *container.HostConfig
	exitCode int64
	waitErr  error
	logs     io.ReadCloser
	removed  bool
}

// followedLogs behaves like a followed log stream of a container that is still running
type followedLogs struct {
	*io.PipeReader
	writer *io.PipeWriter

	lock   sync.Mutex
	closed bool
}

func newFollowedLogs() *followedLogs {
	reader, writer := io.Pipe()
	return &followedLogs{PipeReader: reader, writer: writer}
}

func (l *followedLogs) Close() error {
	l.lock.Lock()
	l.closed = true
	l.lock.Unlock()
	return l.PipeReader.Close()
}

func (l *followedLogs) Closed() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.closed
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	return ioutil.NopCloser(strings.NewReader("{}")), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
	networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.config = config
	f.host = hostConfig
	return container.CreateResponse{ID: "c0ffee"}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	if f.logs != nil {
		return f.logs, nil
	}

	buf := new(bytes.Buffer)
	w := stdcopy.NewStdWriter(buf, stdcopy.Stdout)
	_, _ = w.Write([]byte("Compiling fj-host\n"))
	return ioutil.NopCloser(buf), nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.waitErr != nil {
		errCh <- f.waitErr
	} else {
		statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	}
	return statusCh, errCh
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.removed = true
	return nil
}

func TestDockerEmulator(t *testing.T) {
	p := testPipeline(t)
	p.Build.Native = pipeline.DefaultNativeBuild
	api := &fakeDocker{}
	stdout := new(bytes.Buffer)
	emulator := &DockerEmulator{Pipeline: p, Output: Output{Stdout: stdout, Stderr: ioutil.Discard}, api: api}

	job := pipeline.JobSpec{
		TargetTriple: "aarch64-unknown-linux-musl",
		HostOS:       pipeline.Linux,
		UseCross:     true,
		Env:          map[string]string{"RUSTFLAGS": "-Dwarnings"},
	}
	ws := Workspace{Source: p.Source, TargetDir: filepath.Join(t.TempDir(), "target")}
	require.NoError(t, emulator.Compile(context.Background(), job, ws))

	require.Equal(t, "ghcr.io/cross-rs/aarch64-unknown-linux-musl:main", api.config.Image)
	require.Equal(t, []string{"/bin/sh", "-c", "cargo build --release --target aarch64-unknown-linux-musl"}, []string(api.config.Entrypoint))
	require.Contains(t, api.config.Env, "CARGO_TARGET_DIR=/target")
	require.Contains(t, api.config.Env, "RUSTFLAGS=-Dwarnings")
	require.Equal(t, []string{p.Source + ":/project", ws.TargetDir + ":/target"}, api.host.Binds)
	require.NotContains(t, api.config.Env, "CARGO_HOME=/cargo")
	require.True(t, api.removed)
	require.Equal(t, "Compiling fj-host\n", stdout.String())

	api.exitCode = 101
	require.Error(t, emulator.Compile(context.Background(), job, ws))
}

func TestDockerEmulatorMountsHostToolchain(t *testing.T) {
	p := testPipeline(t)
	p.Build.Native = pipeline.DefaultNativeBuild
	api := &fakeDocker{}
	emulator := &DockerEmulator{
		Pipeline:   p,
		Output:     Output{Stdout: ioutil.Discard, Stderr: ioutil.Discard},
		CargoHome:  "/home/ci/.cargo",
		RustupHome: "/home/ci/.rustup",
		api:        api,
	}

	job := pipeline.JobSpec{TargetTriple: "aarch64-unknown-linux-musl", HostOS: pipeline.Linux, UseCross: true}
	ws := Workspace{Source: p.Source, TargetDir: filepath.Join(t.TempDir(), "target")}
	require.NoError(t, emulator.Compile(context.Background(), job, ws))

	require.Equal(t, []string{
		p.Source + ":/project",
		ws.TargetDir + ":/target",
		"/home/ci/.cargo:/cargo",
		"/home/ci/.rustup:/rustup",
	}, api.host.Binds)
	require.Contains(t, api.config.Env, "CARGO_HOME=/cargo")
	require.Contains(t, api.config.Env, "RUSTUP_HOME=/rustup")
	require.Contains(t, api.config.Env, "PATH=/cargo/bin:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
	require.Contains(t, api.config.Env, "CARGO_TARGET_DIR=/target")
}

func TestDockerEmulatorDetachesLogsOnWaitError(t *testing.T) {
	p := testPipeline(t)
	logs := newFollowedLogs()
	api := &fakeDocker{waitErr: eris.New("daemon went away"), logs: logs}
	emulator := &DockerEmulator{Pipeline: p, Output: Output{Stdout: ioutil.Discard, Stderr: ioutil.Discard}, api: api}

	job := pipeline.JobSpec{TargetTriple: "aarch64-unknown-linux-musl", HostOS: pipeline.Linux, UseCross: true}
	err := emulator.Compile(context.Background(), job, Workspace{Source: p.Source, TargetDir: t.TempDir()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "daemon went away")

	// the log copier has stopped, so the container can't write into the output anymore
	require.True(t, logs.Closed())
	_, err = logs.writer.Write([]byte("late output"))
	require.ErrorIs(t, err, io.ErrClosedPipe)
	require.True(t, api.removed)
}

func TestDockerEmulatorCancelled(t *testing.T) {
	p := testPipeline(t)
	logs := newFollowedLogs()
	api := &fakeDocker{logs: logs}
	emulator := &DockerEmulator{Pipeline: p, Output: Output{Stdout: ioutil.Discard, Stderr: ioutil.Discard}, api: &blockingWait{api}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := pipeline.JobSpec{TargetTriple: "aarch64-unknown-linux-musl", HostOS: pipeline.Linux, UseCross: true}
	err := emulator.Compile(ctx, job, Workspace{Source: p.Source, TargetDir: t.TempDir()})
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, logs.Closed())
}

// blockingWait never reports the container as stopped
type blockingWait struct {
	*fakeDocker
}

func (b *blockingWait) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	return make(chan container.WaitResponse), make(chan error)
}

func TestDockerEmulatorDryRun(t *testing.T) {
	p := testPipeline(t)
	api := &fakeDocker{}
	emulator := &DockerEmulator{Pipeline: p, Output: Output{DryRun: true}, api: api}

	require.NoError(t, emulator.Compile(context.Background(), pipeline.JobSpec{TargetTriple: "x", UseCross: true}, Workspace{}))
	require.Nil(t, api.config)
}
