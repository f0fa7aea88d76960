// Package staging moves a freshly compiled binary to its target qualified artifact name.
package staging

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/fornjot/matrixbuild/pkg/buildlog"
	"github.com/fornjot/matrixbuild/pkg/pipeline"
)

// ErrMissingBinary is returned when neither the compiler output nor a previously staged artifact exist
var ErrMissingBinary = eris.New("expected binary is missing")

// ArtifactRef points at a staged binary that is ready to be published
type ArtifactRef struct {
	ProjectName  string
	TargetTriple string
	LocalPath    string
	IsWindows    bool
}

// Name returns the name the artifact is published under
func (a ArtifactRef) Name() string {
	return ArtifactName(a.ProjectName, a.TargetTriple, a.IsWindows)
}

// ArtifactName builds <project>-<triple>, with .exe appended for windows hosts
func ArtifactName(project, triple string, windows bool) string {
	name := project + "-" + triple
	if windows {
		name += ".exe"
	}
	return name
}

// Stage moves src to destDir under the artifact name of job and marks it executable on non-windows hosts.
//
// Staging twice is safe: if src still exists it replaces the staged file, if only the staged file is left
// the call returns the same ArtifactRef without touching it.
func Stage(ctx context.Context, project string, job pipeline.JobSpec, src, destDir string) (ArtifactRef, error) {
	ref := ArtifactRef{
		ProjectName:  project,
		TargetTriple: job.TargetTriple,
		IsWindows:    job.HostOS.IsWindows(),
	}
	ref.LocalPath = filepath.Join(destDir, ref.Name())

	_, err := os.Stat(src)
	switch {
	case err == nil:
		if err := os.MkdirAll(destDir, 0770); err != nil {
			return ref, eris.Wrapf(err, "Failed to create directory %s", destDir)
		}

		if err := os.Remove(ref.LocalPath); err != nil && !eris.Is(err, os.ErrNotExist) {
			return ref, eris.Wrapf(err, "Failed to replace %s", ref.LocalPath)
		}

		if err := move(src, ref.LocalPath); err != nil {
			return ref, err
		}
		buildlog.Log(ctx).Info().Str("path", ref.LocalPath).Msgf("staged %s", ref.Name())
	case eris.Is(err, os.ErrNotExist):
		if _, err := os.Stat(ref.LocalPath); err != nil {
			return ref, eris.Wrapf(ErrMissingBinary, "%s", src)
		}
		buildlog.Log(ctx).Debug().Str("path", ref.LocalPath).Msg("already staged")
	default:
		return ref, eris.Wrapf(err, "Failed to check %s", src)
	}

	if !ref.IsWindows {
		info, err := os.Stat(ref.LocalPath)
		if err != nil {
			return ref, eris.Wrapf(err, "Failed to read permissions for %s", ref.LocalPath)
		}

		if err := os.Chmod(ref.LocalPath, info.Mode()|0755); err != nil {
			return ref, eris.Wrapf(err, "Failed to mark %s as executable", ref.LocalPath)
		}
	}

	return ref, nil
}

// move renames src to dest and falls back to copy and delete when both live on different devices
func move(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "Failed to open %s", src)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return eris.Wrapf(err, "Failed to stat %s", src)
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
	if err != nil {
		return eris.Wrapf(err, "Failed to create %s", dest)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return eris.Wrapf(err, "Failed to copy %s to %s", src, dest)
	}
	if err := out.Close(); err != nil {
		return eris.Wrapf(err, "Failed to write %s", dest)
	}

	in.Close()
	return os.Remove(src)
}
