package publish

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/ulikunitz/xz"

	"github.com/fornjot/matrixbuild/pkg/buildlog"
)

// Bundle packs the newest version of every published artifact into a .tar.xz archive at dest
// and returns the number of packed artifacts.
func (s *Store) Bundle(ctx context.Context, dest string) (int, error) {
	records, err := s.Latest()
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, eris.New("nothing has been published yet")
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0770); err != nil {
		return 0, eris.Wrapf(err, "Failed to create directory %s", filepath.Dir(dest))
	}

	handle, err := os.Create(dest)
	if err != nil {
		return 0, eris.Wrapf(err, "Failed to create %s", dest)
	}
	defer handle.Close()

	compressor, err := xz.NewWriter(handle)
	if err != nil {
		return 0, eris.Wrap(err, "Failed to initialize xz compressor")
	}

	archive := tar.NewWriter(compressor)
	for _, record := range records {
		if err := addFile(archive, s.Path(record), record.Name); err != nil {
			return 0, err
		}
		buildlog.Log(ctx).Debug().Str("artifact", record.Name).Msg("bundled")
	}

	if err := archive.Close(); err != nil {
		return 0, eris.Wrap(err, "Failed to finish tar stream")
	}
	if err := compressor.Close(); err != nil {
		return 0, eris.Wrap(err, "Failed to finish xz stream")
	}
	if err := handle.Close(); err != nil {
		return 0, eris.Wrapf(err, "Failed to write %s", dest)
	}

	buildlog.Log(ctx).Info().Str("path", dest).Msgf("bundled %d artifacts", len(records))
	return len(records), nil
}

func addFile(archive *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(err, "Failed to open %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return eris.Wrapf(err, "Failed to stat %s", path)
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return eris.Wrapf(err, "Failed to build header for %s", path)
	}
	header.Name = name

	if err := archive.WriteHeader(header); err != nil {
		return eris.Wrapf(err, "Failed to write header for %s", name)
	}

	if _, err := io.Copy(archive, f); err != nil {
		return eris.Wrapf(err, "Failed to pack %s", name)
	}
	return nil
}
