// Package publish stores staged artifacts in a local directory and keeps an index of everything
// published in a bbolt database next to them.
package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	bolt "go.etcd.io/bbolt"

	"github.com/fornjot/matrixbuild/pkg/buildlog"
	"github.com/fornjot/matrixbuild/pkg/pipeline"
	"github.com/fornjot/matrixbuild/pkg/staging"
)

// IndexFile is the name of the bbolt index inside the store directory
const IndexFile = "index.db"

// ErrConflict is returned by the error policy when an artifact with the same name exists
var ErrConflict = eris.New("artifact already published")

var artifactBucket = []byte("artifacts")

// Record describes one published artifact
type Record struct {
	Name        string    `json:"name"`
	Stored      string    `json:"stored"`
	Project     string    `json:"project"`
	Target      string    `json:"target"`
	RunID       string    `json:"run_id"`
	SHA256      string    `json:"sha256"`
	Size        int64     `json:"size"`
	Version     int       `json:"version"`
	PublishedAt time.Time `json:"published_at"`
}

// Publisher hands a staged artifact to an artifact store
type Publisher interface {
	Publish(ctx context.Context, ref staging.ArtifactRef, runID string) (Record, error)
}

// Store is a directory based artifact store
type Store struct {
	dir    string
	db     *bolt.DB
	policy pipeline.ConflictPolicy
	// Quiet hides the copy progress bars
	Quiet bool
}

// Open creates dir if necessary and opens the artifact index inside it
func Open(dir string, policy pipeline.ConflictPolicy) (*Store, error) {
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, eris.Wrapf(err, "Failed to create directory %s", dir)
	}

	db, err := bolt.Open(filepath.Join(dir, IndexFile), 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "Failed to open artifact index in %s", dir)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(artifactBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if policy == "" {
		policy = pipeline.ConflictOverwrite
	}

	return &Store{dir: dir, db: db, policy: policy, Quiet: os.Getenv("CI") == "true"}, nil
}

// Close closes the index
func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the store directory
func (s *Store) Dir() string {
	return s.dir
}

func loadHistory(b *bolt.Bucket, name string) ([]Record, error) {
	item := b.Get([]byte(name))
	if item == nil {
		return nil, nil
	}

	var history []Record
	if err := json.Unmarshal(item, &history); err != nil {
		return nil, eris.Wrapf(err, "corrupt index entry for %s", name)
	}
	return history, nil
}

func saveHistory(b *bolt.Bucket, name string, history []Record) error {
	encoded, err := json.Marshal(history)
	if err != nil {
		return err
	}
	return b.Put([]byte(name), encoded)
}

// Publish implements Publisher. The whole operation runs inside one index transaction so concurrent
// jobs publishing the same name are serialized. The artifact is copied into the store before any
// existing file is touched; a failed publish leaves the previous version in place.
func (s *Store) Publish(ctx context.Context, ref staging.ArtifactRef, runID string) (Record, error) {
	name := ref.Name()
	record := Record{
		Name:    name,
		Stored:  name,
		Project: ref.ProjectName,
		Target:  ref.TargetTriple,
		RunID:   runID,
		Version: 1,
	}
	dest := filepath.Join(s.dir, name)

	// undo reverts file moves if the transaction fails after them
	var undo []func()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(artifactBucket)
		history, err := loadHistory(b, name)
		if err != nil {
			return err
		}

		if len(history) > 0 && s.policy == pipeline.ConflictError {
			return eris.Wrapf(ErrConflict, "%s (run %s)", name, history[len(history)-1].RunID)
		}

		var tmp string
		tmp, record.Size, record.SHA256, err = s.copyIn(ref.LocalPath, name)
		if err != nil {
			return err
		}
		defer os.Remove(tmp)

		if len(history) > 0 {
			current := history[len(history)-1]
			if s.policy == pipeline.ConflictVersion {
				archived := fmt.Sprintf("%s.%d", name, current.Version)
				currentPath := filepath.Join(s.dir, current.Stored)
				archivedPath := filepath.Join(s.dir, archived)

				err = os.Rename(currentPath, archivedPath)
				switch {
				case err == nil:
					undo = append(undo, func() { _ = os.Rename(archivedPath, currentPath) })
				case !eris.Is(err, os.ErrNotExist):
					return eris.Wrapf(err, "Failed to keep previous version of %s", name)
				}
				history[len(history)-1].Stored = archived
				record.Version = current.Version + 1
			} else {
				history = nil
			}
		}

		if err := os.Rename(tmp, dest); err != nil {
			return eris.Wrapf(err, "Failed to move %s into place", dest)
		}
		record.PublishedAt = time.Now().UTC()

		return saveHistory(b, name, append(history, record))
	})
	if err != nil {
		for idx := len(undo) - 1; idx >= 0; idx-- {
			undo[idx]()
		}
		return record, err
	}

	buildlog.Log(ctx).Info().
		Str("path", dest).
		Int("version", record.Version).
		Msgf("published %s (%d bytes)", name, record.Size)
	return record, nil
}

func (s *Store) progressBar(size int64, desc string) *progressbar.ProgressBar {
	if s.Quiet {
		return progressbar.NewOptions64(size, progressbar.OptionSetVisibility(false))
	}

	return progressbar.NewOptions64(size,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
	)
}

// copyIn copies src into a temporary file inside the store and returns its path, size and sha256. The
// caller moves it into place.
func (s *Store) copyIn(src, name string) (string, int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, "", eris.Wrapf(err, "Failed to open staged artifact %s", src)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", 0, "", eris.Wrapf(err, "Failed to stat %s", src)
	}

	tmp := filepath.Join(s.dir, name+".tmp")
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return "", 0, "", eris.Wrapf(err, "Failed to create %s", tmp)
	}

	hash := sha256.New()
	bar := s.progressBar(info.Size(), "      publish")
	size, err := io.Copy(io.MultiWriter(out, hash, bar), in)
	_ = bar.Finish()
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return "", 0, "", eris.Wrapf(err, "Failed to copy %s", src)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", 0, "", eris.Wrapf(err, "Failed to write %s", tmp)
	}

	// Chmod again since the umask may have stripped the executable bits
	if err := os.Chmod(tmp, info.Mode().Perm()); err != nil {
		os.Remove(tmp)
		return "", 0, "", eris.Wrapf(err, "Failed to set permissions on %s", tmp)
	}

	return tmp, size, hex.EncodeToString(hash.Sum(nil)), nil
}

// List returns every indexed record, sorted by name and version
func (s *Store) List() ([]Record, error) {
	result := []Record{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(artifactBucket).ForEach(func(k, v []byte) error {
			var history []Record
			if err := json.Unmarshal(v, &history); err != nil {
				return eris.Wrapf(err, "corrupt index entry for %s", k)
			}
			result = append(result, history...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].Version < result[j].Version
	})
	return result, nil
}

// Latest returns the newest record of every artifact name
func (s *Store) Latest() ([]Record, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}

	result := make([]Record, 0, len(all))
	for idx, record := range all {
		if idx+1 < len(all) && all[idx+1].Name == record.Name {
			continue
		}
		result = append(result, record)
	}
	return result, nil
}

// Path returns the absolute location of a stored file
func (s *Store) Path(record Record) string {
	return filepath.Join(s.dir, record.Stored)
}
