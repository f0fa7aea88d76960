package staging

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/fornjot/matrixbuild/pkg/pipeline"
)

func compiled(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "release", "fj-host")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0600))
	return path
}

func TestStageLinux(t *testing.T) {
	src := compiled(t, "elf")
	dest := filepath.Join(t.TempDir(), "dist")
	job := pipeline.JobSpec{TargetTriple: "x86_64-unknown-linux-gnu", HostOS: pipeline.Linux}

	ref, err := Stage(context.Background(), "fj-host", job, src, dest)
	require.NoError(t, err)

	require.Equal(t, "fj-host-x86_64-unknown-linux-gnu", filepath.Base(ref.LocalPath))
	require.Equal(t, ref.Name(), filepath.Base(ref.LocalPath))
	require.False(t, ref.IsWindows)

	info, err := os.Stat(ref.LocalPath)
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		require.Equal(t, os.FileMode(0111), info.Mode()&0111)
	}

	_, err = os.Stat(src)
	require.True(t, os.IsNotExist(err))
}

func TestStageWindows(t *testing.T) {
	src := compiled(t, "pe")
	job := pipeline.JobSpec{TargetTriple: "x86_64-pc-windows-msvc", HostOS: pipeline.Windows}

	ref, err := Stage(context.Background(), "fj-host", job, src, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "fj-host-x86_64-pc-windows-msvc.exe", filepath.Base(ref.LocalPath))
	require.True(t, ref.IsWindows)
}

func TestStageIsIdempotent(t *testing.T) {
	dest := t.TempDir()
	job := pipeline.JobSpec{TargetTriple: "x86_64-apple-darwin", HostOS: pipeline.MacOS}

	first, err := Stage(context.Background(), "fj-host", job, compiled(t, "v1"), dest)
	require.NoError(t, err)

	// the compiler output is gone now, staging again keeps the staged file
	again, err := Stage(context.Background(), "fj-host", job, filepath.Join(t.TempDir(), "gone"), dest)
	require.NoError(t, err)
	require.Equal(t, first, again)

	// a new build replaces the staged file
	replaced, err := Stage(context.Background(), "fj-host", job, compiled(t, "v2"), dest)
	require.NoError(t, err)
	require.Equal(t, first, replaced)

	content, err := ioutil.ReadFile(replaced.LocalPath)
	require.NoError(t, err)
	require.Equal(t, "v2", string(content))

	entries, err := ioutil.ReadDir(dest)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestStageMissingBinary(t *testing.T) {
	job := pipeline.JobSpec{TargetTriple: "x86_64-unknown-linux-gnu", HostOS: pipeline.Linux}

	_, err := Stage(context.Background(), "fj-host", job, filepath.Join(t.TempDir(), "missing"), t.TempDir())
	require.Error(t, err)
	require.True(t, eris.Is(err, ErrMissingBinary))
}

func TestArtifactName(t *testing.T) {
	require.Equal(t, "fj-host-aarch64-unknown-linux-musl", ArtifactName("fj-host", "aarch64-unknown-linux-musl", false))
	require.Equal(t, "fj-host-x86_64-pc-windows-msvc.exe", ArtifactName("fj-host", "x86_64-pc-windows-msvc", true))
}
