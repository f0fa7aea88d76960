package publish

import (
	"archive/tar"
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/fornjot/matrixbuild/pkg/pipeline"
	"github.com/fornjot/matrixbuild/pkg/staging"
)

func openStore(t *testing.T, policy pipeline.ConflictPolicy) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "artifacts"), policy)
	require.NoError(t, err)
	store.Quiet = true
	t.Cleanup(func() { store.Close() })
	return store
}

func staged(t *testing.T, triple string, windows bool, content string) staging.ArtifactRef {
	t.Helper()

	ref := staging.ArtifactRef{ProjectName: "fj-host", TargetTriple: triple, IsWindows: windows}
	ref.LocalPath = filepath.Join(t.TempDir(), ref.Name())
	require.NoError(t, ioutil.WriteFile(ref.LocalPath, []byte(content), 0755))
	return ref
}

func TestPublish(t *testing.T) {
	store := openStore(t, pipeline.ConflictOverwrite)
	ref := staged(t, "x86_64-unknown-linux-gnu", false, "elf")

	record, err := store.Publish(context.Background(), ref, "run1")
	require.NoError(t, err)
	require.Equal(t, "fj-host-x86_64-unknown-linux-gnu", record.Name)
	require.Equal(t, int64(3), record.Size)
	require.Equal(t, 1, record.Version)
	require.Len(t, record.SHA256, 64)

	content, err := ioutil.ReadFile(filepath.Join(store.Dir(), "fj-host-x86_64-unknown-linux-gnu"))
	require.NoError(t, err)
	require.Equal(t, "elf", string(content))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(store.Path(record))
		require.NoError(t, err)
		require.NotZero(t, info.Mode()&0100)
	}

	win, err := store.Publish(context.Background(), staged(t, "x86_64-pc-windows-msvc", true, "pe"), "run1")
	require.NoError(t, err)
	require.Equal(t, "fj-host-x86_64-pc-windows-msvc.exe", win.Name)
}

func TestPublishOverwrite(t *testing.T) {
	store := openStore(t, pipeline.ConflictOverwrite)

	_, err := store.Publish(context.Background(), staged(t, "x86_64-apple-darwin", false, "v1"), "run1")
	require.NoError(t, err)
	_, err = store.Publish(context.Background(), staged(t, "x86_64-apple-darwin", false, "v2"), "run2")
	require.NoError(t, err)

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "run2", records[0].RunID)

	content, err := ioutil.ReadFile(store.Path(records[0]))
	require.NoError(t, err)
	require.Equal(t, "v2", string(content))
}

func TestPublishError(t *testing.T) {
	store := openStore(t, pipeline.ConflictError)

	_, err := store.Publish(context.Background(), staged(t, "x86_64-apple-darwin", false, "v1"), "run1")
	require.NoError(t, err)
	_, err = store.Publish(context.Background(), staged(t, "x86_64-apple-darwin", false, "v2"), "run2")
	require.Error(t, err)
	require.True(t, eris.Is(err, ErrConflict))

	content, err := ioutil.ReadFile(filepath.Join(store.Dir(), "fj-host-x86_64-apple-darwin"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(content))
}

func TestPublishVersion(t *testing.T) {
	store := openStore(t, pipeline.ConflictVersion)

	for _, content := range []string{"v1", "v2", "v3"} {
		_, err := store.Publish(context.Background(), staged(t, "aarch64-unknown-linux-musl", false, content), content)
		require.NoError(t, err)
	}

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "fj-host-aarch64-unknown-linux-musl.1", records[0].Stored)
	require.Equal(t, "fj-host-aarch64-unknown-linux-musl.2", records[1].Stored)
	require.Equal(t, "fj-host-aarch64-unknown-linux-musl", records[2].Stored)
	require.Equal(t, 3, records[2].Version)

	for idx, record := range records {
		content, err := ioutil.ReadFile(store.Path(record))
		require.NoError(t, err)
		require.Equal(t, records[idx].RunID, string(content))
	}

	latest, err := store.Latest()
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.Equal(t, 3, latest[0].Version)
}

func TestPublishVersionKeepsPreviousOnFailure(t *testing.T) {
	store := openStore(t, pipeline.ConflictVersion)

	_, err := store.Publish(context.Background(), staged(t, "x86_64-unknown-linux-gnu", false, "v1"), "run1")
	require.NoError(t, err)

	missing := staged(t, "x86_64-unknown-linux-gnu", false, "v2")
	require.NoError(t, os.Remove(missing.LocalPath))
	_, err = store.Publish(context.Background(), missing, "run2")
	require.Error(t, err)

	latest, err := store.Latest()
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.Equal(t, 1, latest[0].Version)
	require.Equal(t, "fj-host-x86_64-unknown-linux-gnu", latest[0].Stored)

	content, err := ioutil.ReadFile(store.Path(latest[0]))
	require.NoError(t, err)
	require.Equal(t, "v1", string(content))
	require.NoFileExists(t, filepath.Join(store.Dir(), "fj-host-x86_64-unknown-linux-gnu.1"))
	require.NoFileExists(t, filepath.Join(store.Dir(), "fj-host-x86_64-unknown-linux-gnu.tmp"))

	count, err := store.Bundle(context.Background(), filepath.Join(t.TempDir(), "release.tar.xz"))
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// the next successful publish continues the version sequence
	record, err := store.Publish(context.Background(), staged(t, "x86_64-unknown-linux-gnu", false, "v3"), "run3")
	require.NoError(t, err)
	require.Equal(t, 2, record.Version)
}

func TestPublishConcurrent(t *testing.T) {
	store := openStore(t, pipeline.ConflictOverwrite)
	triples := []string{"a-b-c", "d-e-f", "g-h-i", "j-k-l"}

	var wg sync.WaitGroup
	errs := make(chan error, len(triples))
	for _, triple := range triples {
		ref := staged(t, triple, false, triple)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Publish(context.Background(), ref, "run")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	records, err := store.Latest()
	require.NoError(t, err)
	require.Len(t, records, len(triples))
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "artifacts")
	store, err := Open(dir, pipeline.ConflictOverwrite)
	require.NoError(t, err)
	store.Quiet = true

	_, err = store.Publish(context.Background(), staged(t, "x86_64-unknown-linux-gnu", false, "elf"), "run1")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(dir, pipeline.ConflictOverwrite)
	require.NoError(t, err)
	defer store.Close()

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "run1", records[0].RunID)
}

func TestBundle(t *testing.T) {
	store := openStore(t, pipeline.ConflictVersion)
	ctx := context.Background()

	_, err := store.Publish(ctx, staged(t, "x86_64-unknown-linux-gnu", false, "old"), "run1")
	require.NoError(t, err)
	_, err = store.Publish(ctx, staged(t, "x86_64-unknown-linux-gnu", false, "new"), "run2")
	require.NoError(t, err)
	_, err = store.Publish(ctx, staged(t, "x86_64-pc-windows-msvc", true, "pe"), "run2")
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "release", "fj-host.tar.xz")
	count, err := store.Bundle(ctx, dest)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	f, err := os.Open(dest)
	require.NoError(t, err)
	defer f.Close()

	reader, err := xz.NewReader(f)
	require.NoError(t, err)

	contents := map[string]string{}
	archive := tar.NewReader(reader)
	for {
		header, err := archive.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		data, err := ioutil.ReadAll(archive)
		require.NoError(t, err)
		contents[header.Name] = string(data)
	}

	names := make([]string, 0, len(contents))
	for name := range contents {
		names = append(names, name)
	}
	sort.Strings(names)
	require.Equal(t, []string{"fj-host-x86_64-pc-windows-msvc.exe", "fj-host-x86_64-unknown-linux-gnu"}, names)
	require.Equal(t, "new", contents["fj-host-x86_64-unknown-linux-gnu"])
}

func TestBundleEmpty(t *testing.T) {
	store := openStore(t, pipeline.ConflictOverwrite)

	_, err := store.Bundle(context.Background(), filepath.Join(t.TempDir(), "empty.tar.xz"))
	require.Error(t, err)
}
