// Package ziparchive implements archive.Service for zip containers on top of
// github.com/klauspost/compress.
//
// Entries may be stored, deflated or zstd-compressed (method 93). Readers
// can reopen an entry from a cached local header offset without reading the
// central directory. Writers only create new containers and write every
// entry with its sizes in the local header, so committed entries can be
// reopened by offset too. Discarding a pending entry leaves the committed
// ones in place; only Rollback removes the container file.
package ziparchive

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/meigma/romfix/archive"
)

// DefaultMaxDecoderMemory is the default zstd decoder memory limit (256MB).
const DefaultMaxDecoderMemory = 256 << 20

// Service opens and creates zip containers.
type Service struct {
	zstd   *zstdDecoders
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*serviceConfig)

type serviceConfig struct {
	maxDecoderMemory uint64
	logger           *slog.Logger
}

// WithMaxDecoderMemory sets the zstd decoder memory limit.
// Set to 0 to disable the limit.
func WithMaxDecoderMemory(limit uint64) Option {
	return func(c *serviceConfig) {
		c.maxDecoderMemory = limit
	}
}

// WithLogger sets the logger for container lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *serviceConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a zip Service.
func New(opts ...Option) *Service {
	cfg := serviceConfig{
		maxDecoderMemory: DefaultMaxDecoderMemory,
		logger:           slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Service{
		zstd:   newZstdDecoders(cfg),
		logger: cfg.logger,
	}
}

var _ archive.Service = (*Service)(nil)

// Open implements archive.Service.
func (s *Service) Open(path string, expectedTimestamp int64, listing bool) (archive.Reader, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("open %s: %w", path, archive.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if info.ModTime().UnixNano() != expectedTimestamp {
		return nil, fmt.Errorf("open %s: %w", path, archive.ErrTimestamp)
	}

	f, err := os.Open(path) //nolint:gosec // path comes from the catalog
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	r := &Reader{
		svc:  s,
		path: path,
		f:    f,
		size: info.Size(),
	}
	if listing {
		if _, err := r.directory(); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return r, nil
}

// Create implements archive.Service. The container must not exist yet.
func (s *Service) Create(path string) (archive.Writer, error) {
	w, err := s.create(path)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Entry describes one entry of a zip container.
type Entry struct {
	Index          int
	Name           string
	Size           uint64
	CompressedSize uint64
	CRC            uint32
	Method         archive.Method
	Modified       time.Time
}

// ListEntries returns the entries of the zip container at path in directory
// order.
func ListEntries(path string) ([]Entry, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	defer rc.Close()

	entries := make([]Entry, 0, len(rc.File))
	for i, zf := range rc.File {
		entries = append(entries, Entry{
			Index:          i,
			Name:           zf.Name,
			Size:           zf.UncompressedSize64,
			CompressedSize: zf.CompressedSize64,
			CRC:            zf.CRC32,
			Method:         archive.Method(zf.Method),
			Modified:       zf.Modified,
		})
	}
	return entries, nil
}
