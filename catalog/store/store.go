// Package store persists a catalog tree as a single versioned binary blob.
//
// The blob is a little-endian int32 format version, a depth-first
// serialization of the tree and a fixed 8-byte end marker used to detect
// truncation. Before a new blob is written the previous one is renamed to a
// "Backup" sibling; that backup is the only recovery path if a crash
// interrupts a write.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/meigma/romfix/catalog"
)

// BackupSuffix is appended to the blob path to name the backup sibling.
const BackupSuffix = "Backup"

// Names of the two roots of a fresh catalog.
const (
	CollectionRoot = "RomVault"
	IntakeRoot     = "ToSort"
)

var (
	// ErrCorrupt is returned when a blob is truncated, malformed, or does not
	// end with the expected marker.
	ErrCorrupt = errors.New("store: catalog is corrupt")

	// ErrVersion is returned, wrapped in ErrCorrupt, when the blob was written
	// with a different format version.
	ErrVersion = errors.New("store: unsupported format version")
)

// Store reads and writes the catalog blob at a fixed path.
type Store struct {
	path   string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for backup rotation and corruption
// reports. By default nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns a Store for the blob at path.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:   path,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the blob path.
func (s *Store) Path() string {
	return s.path
}

// BackupPath returns the path of the backup sibling.
func (s *Store) BackupPath() string {
	return s.path + BackupSuffix
}

// Default returns a fresh catalog: an unnamed root holding the collection
// root and the intake root.
func Default() *catalog.Container {
	root := catalog.NewContainer(catalog.KindDir, "")
	root.Membership = catalog.InCatalogCollect

	for _, name := range []string{CollectionRoot, IntakeRoot} {
		dir := catalog.NewContainer(catalog.KindDir, name)
		dir.Membership = catalog.InCatalogCollect
		root.Add(dir)
	}
	return root
}

// Load reads the blob. A missing blob yields the default catalog and no
// error. A blob that fails validation yields the default catalog together
// with an error wrapping ErrCorrupt, so callers can report the condition and
// continue or try LoadBackup.
func (s *Store) Load() (*catalog.Container, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("catalog not found, using default", slog.String("path", s.path))
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", s.path, err)
	}

	root, err := decodeBlob(data)
	if err != nil {
		s.logger.Warn("catalog corrupt, reverting to default",
			slog.String("path", s.path),
			slog.Any("error", err))
		return Default(), fmt.Errorf("load %s: %w", s.path, err)
	}
	return root, nil
}

// LoadBackup decodes the backup sibling. Unlike Load it never substitutes
// the default catalog.
func (s *Store) LoadBackup() (*catalog.Container, error) {
	data, err := os.ReadFile(s.BackupPath())
	if err != nil {
		return nil, fmt.Errorf("read catalog backup: %w", err)
	}
	root, err := decodeBlob(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", s.BackupPath(), err)
	}
	return root, nil
}

// Save writes root as the new blob. An existing blob is first moved to the
// backup path, replacing any older backup.
func (s *Store) Save(root *catalog.Container) error {
	var buf bytes.Buffer
	if err := Encode(&buf, root); err != nil {
		return err
	}

	if err := s.rotate(); err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create catalog: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close catalog: %w", err)
	}
	return nil
}

func (s *Store) rotate() error {
	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("stat catalog: %w", err)
	}

	backup := s.BackupPath()
	if err := os.Remove(backup); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove catalog backup: %w", err)
	}
	if err := os.Rename(s.path, backup); err != nil {
		return fmt.Errorf("move catalog to backup: %w", err)
	}
	s.logger.Debug("catalog backed up", slog.String("backup", backup))
	return nil
}
