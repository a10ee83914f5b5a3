package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	namePrefix = "map-"
	nameExt    = ".png"
)

// ErrOutputMissing is returned when the renderer reported success but left no file
var ErrOutputMissing = errors.New("map file was not generated")

// StorageError wraps a filesystem failure on the artifact directory
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Artifact is a generated map image allocated in the store
type Artifact struct {
	Name      string
	Path      string
	URL       string
	CreatedAt time.Time
}

// EvictionReport summarizes one eviction pass
type EvictionReport struct {
	Scanned  int
	Removed  int
	Vanished int // already gone when we got to them
	Failed   int
}

// Store manages the directory of generated map images
type Store struct {
	dir       string
	urlPrefix string
	logger    *zap.Logger
	now       func() time.Time
}

// NewStore creates a store rooted at dir whose files are served under urlPrefix
func NewStore(dir, urlPrefix string, logger *zap.Logger) *Store {
	return &Store{
		dir:       dir,
		urlPrefix: strings.TrimRight(urlPrefix, "/"),
		logger:    logger,
		now:       time.Now,
	}
}

// Dir returns the artifact directory
func (s *Store) Dir() string {
	return s.dir
}

// EnsureDirectory creates the artifact directory if it does not exist
func (s *Store) EnsureDirectory() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return &StorageError{Op: "mkdir", Path: s.dir, Err: err}
	}
	return nil
}

// EvictStale deletes every artifact whose modification time is older than
// maxAge. Files removed by someone else mid-pass are not errors.
func (s *Store) EvictStale(maxAge time.Duration) (EvictionReport, error) {
	var report EvictionReport

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return report, nil
		}
		return report, &StorageError{Op: "list", Path: s.dir, Err: err}
	}

	cutoff := s.now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !IsArtifactName(entry.Name()) {
			continue
		}
		report.Scanned++

		path := filepath.Join(s.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				report.Vanished++
				continue
			}
			report.Failed++
			s.logger.Warn("Failed to stat map file", zap.String("path", path), zap.Error(err))
			continue
		}

		if !info.ModTime().Before(cutoff) {
			continue
		}

		if err := os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				report.Vanished++
				continue
			}
			report.Failed++
			s.logger.Warn("Failed to delete stale map file", zap.String("path", path), zap.Error(err))
			continue
		}

		report.Removed++
		s.logger.Debug("Deleted stale map file",
			zap.String("path", path),
			zap.Duration("age", s.now().Sub(info.ModTime())))
	}

	return report, nil
}

// AllocateName reserves a unique artifact name. Nothing is written to disk.
func (s *Store) AllocateName() Artifact {
	now := s.now()
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	name := fmt.Sprintf("%s%d-%s%s", namePrefix, now.UnixMilli(), random, nameExt)

	return Artifact{
		Name:      name,
		Path:      filepath.Join(s.dir, name),
		URL:       s.URL(name),
		CreatedAt: now,
	}
}

// Exists reports whether path is a regular, non-empty file
func (s *Store) Exists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}

// Discard removes a partial or failed artifact. A missing file is fine.
func (s *Store) Discard(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StorageError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// URL returns the public URL of an artifact name
func (s *Store) URL(name string) string {
	return s.urlPrefix + "/" + name
}

// IsArtifactName reports whether name looks like a file this store created
func IsArtifactName(name string) bool {
	return strings.HasPrefix(name, namePrefix) &&
		strings.HasSuffix(name, nameExt) &&
		!strings.ContainsAny(name, `/\`)
}
