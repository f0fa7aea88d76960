package toolchain

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rotisserie/eris"

	"github.com/fornjot/matrixbuild/pkg/buildlog"
	"github.com/fornjot/matrixbuild/pkg/pipeline"
)

const (
	containerSource = "/project"
	containerTarget = "/target"
	containerCargo  = "/cargo"
	containerRustup = "/rustup"
	containerPath   = containerCargo + "/bin:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// containerAPI is the subset of the Docker client the emulator needs
type containerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerEmulator runs the native build command inside a per-target image (by default the cross-rs images)
// with the source tree and the job's target directory bind mounted.
//
// The cross-rs images only carry linkers and sysroots. Like cross, the emulator mounts the host's cargo and
// rustup homes so the host toolchain runs inside the container. Without them the image has to provide cargo.
type DockerEmulator struct {
	Pipeline *pipeline.Pipeline
	Output   Output
	// CargoHome and RustupHome are the host directories mounted at /cargo and /rustup
	CargoHome  string
	RustupHome string
	api        containerAPI
}

// hostToolchainDirs finds the cargo and rustup homes of the current user. Toolchains installed on other
// systems can't run inside linux containers, so they are only used on linux hosts.
func hostToolchainDirs() (string, string) {
	if runtime.GOOS != "linux" {
		return "", ""
	}

	home, _ := os.UserHomeDir()
	lookup := func(env, fallback string) string {
		dir := os.Getenv(env)
		if dir == "" && home != "" {
			dir = filepath.Join(home, fallback)
		}
		if dir == "" {
			return ""
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return ""
		}
		return dir
	}

	return lookup("CARGO_HOME", ".cargo"), lookup("RUSTUP_HOME", ".rustup")
}

// NewDockerEmulator connects to the Docker daemon configured through the DOCKER_* environment variables
func NewDockerEmulator(p *pipeline.Pipeline, out Output) (*DockerEmulator, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, eris.Wrap(err, "failed to create docker client")
	}

	cargoHome, rustupHome := hostToolchainDirs()
	return &DockerEmulator{Pipeline: p, Output: out, CargoHome: cargoHome, RustupHome: rustupHome, api: cli}, nil
}

// Name implements Compiler
func (d *DockerEmulator) Name() string {
	return "docker"
}

func (d *DockerEmulator) writers() (io.Writer, io.Writer) {
	stdout, stderr := d.Output.Stdout, d.Output.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}

// Compile implements Compiler
func (d *DockerEmulator) Compile(ctx context.Context, job pipeline.JobSpec, ws Workspace) error {
	vars := d.Pipeline.Vars(job)
	imageName := pipeline.Render(d.Pipeline.Emulation.Image, vars)
	script := pipeline.Render(d.Pipeline.Build.Native, vars)
	logger := buildlog.Log(ctx)

	logger.Info().Bool("command", true).Str("image", imageName).Msg(script)
	if d.Output.DryRun {
		return nil
	}

	reader, err := d.api.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		logger.Warn().Err(err).Msgf("Failed to pull image %s (might exist locally)", imageName)
	} else {
		_, _ = io.Copy(ioutil.Discard, reader)
		reader.Close()
	}

	env := make([]string, 0, len(job.Env)+1)
	for k, v := range job.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env, "CARGO_TARGET_DIR="+containerTarget)

	binds := []string{
		ws.Source + ":" + containerSource,
		ws.TargetDir + ":" + containerTarget,
	}
	if d.CargoHome != "" && d.RustupHome != "" {
		binds = append(binds, d.CargoHome+":"+containerCargo, d.RustupHome+":"+containerRustup)
		env = append(env, "CARGO_HOME="+containerCargo, "RUSTUP_HOME="+containerRustup, "PATH="+containerPath)
	} else {
		logger.Warn().Msgf("no host toolchain to mount; %s has to provide cargo", imageName)
	}

	cfg := &container.Config{
		Image:      imageName,
		Entrypoint: []string{"/bin/sh", "-c", script},
		Env:        env,
		WorkingDir: containerSource,
	}
	if runtime.GOOS == "linux" {
		// keep the build output owned by the calling user
		cfg.User = fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
	}

	hostCfg := &container.HostConfig{Binds: binds}

	resp, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return eris.Wrapf(err, "failed to create container from %s", imageName)
	}
	defer func() {
		_ = d.api.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
	}()

	if err := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return eris.Wrap(err, "failed to start container")
	}

	var wg sync.WaitGroup
	closeLogs := func() {}
	logs, err := d.api.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to attach to container logs")
	} else {
		var once sync.Once
		closeLogs = func() {
			once.Do(func() { _ = logs.Close() })
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer closeLogs()

			stdout, stderr := d.writers()
			_, _ = stdcopy.StdCopy(stdout, stderr, logs)
		}()
	}

	// nothing may be written to the job's output once Compile returned
	detach := func() {
		closeLogs()
		wg.Wait()
	}

	statusCh, errCh := d.api.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		detach()
		if err != nil {
			return eris.Wrap(err, "error waiting for container")
		}
	case status := <-statusCh:
		wg.Wait()
		if status.StatusCode != 0 {
			return eris.Errorf("container exited with code %d", status.StatusCode)
		}
	case <-ctx.Done():
		detach()
		return ctx.Err()
	}

	return nil
}
