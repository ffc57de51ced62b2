// Package szarchive implements a read-only archive.Service for 7z containers
// on top of github.com/bodgit/sevenzip.
//
// Entries can only be read decoded and by index. The decoder verifies each
// entry's CRC when its stream reaches EOF; damaged content is reported as
// archive.ErrStreamCorrupt.
package szarchive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/bodgit/sevenzip"

	"github.com/meigma/romfix/archive"
)

// Service opens 7z containers.
type Service struct {
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger for container lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns a 7z Service.
func New(opts ...Option) *Service {
	s := &Service{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ archive.Service = (*Service)(nil)

// Open implements archive.Service. The listing flag is ignored because the
// directory is always read when the container is opened.
func (s *Service) Open(path string, expectedTimestamp int64, _ bool) (archive.Reader, error) {
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

	rc, err := sevenzip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	s.logger.Debug("7z opened", slog.String("path", path), slog.Int("entries", len(rc.File)))
	return &Reader{path: path, rc: rc}, nil
}

// Create implements archive.Service. Writing 7z containers is not supported.
func (s *Service) Create(path string) (archive.Writer, error) {
	return nil, fmt.Errorf("create %s: %w", path, archive.ErrUnsupported)
}

// Reader reads entries from a 7z container.
type Reader struct {
	path   string
	rc     *sevenzip.ReadCloser
	stream io.ReadCloser
}

var _ archive.Reader = (*Reader)(nil)

// OpenReadStream implements archive.Reader. Raw reads are not supported.
func (r *Reader) OpenReadStream(index int, raw bool) (io.Reader, uint64, archive.Method, error) {
	if raw {
		return nil, 0, 0, fmt.Errorf("open %s: raw read: %w", r.path, archive.ErrUnsupported)
	}
	if r.stream != nil {
		return nil, 0, 0, errors.New("szarchive: read stream already open")
	}
	if index < 0 || index >= len(r.rc.File) {
		return nil, 0, 0, fmt.Errorf("open %s: entry index %d out of range", r.path, index)
	}

	f := r.rc.File[index]
	stream, err := f.Open()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open %s: %s: %w", r.path, f.Name, err)
	}
	r.stream = stream
	return &entryReader{r: stream}, f.UncompressedSize, archive.MethodLZMA, nil
}

// OpenReadStreamAt implements archive.Reader. 7z entries have no local
// headers, so quick reopen is not supported.
func (r *Reader) OpenReadStreamAt(offset uint64, _ bool) (io.Reader, uint64, archive.Method, error) {
	return nil, 0, 0, fmt.Errorf("open %s at %d: %w", r.path, offset, archive.ErrUnsupported)
}

// CloseReadStream implements archive.Reader.
func (r *Reader) CloseReadStream() error {
	if r.stream == nil {
		return archive.ErrNoStream
	}
	err := r.stream.Close()
	r.stream = nil
	if err != nil {
		return fmt.Errorf("close stream %s: %w", r.path, err)
	}
	return nil
}

// Close implements archive.Reader.
func (r *Reader) Close() error {
	if r.stream != nil {
		_ = r.stream.Close()
		r.stream = nil
	}
	return r.rc.Close()
}

// Entry describes one entry of a 7z container.
type Entry struct {
	Index int
	Name  string
	Size  uint64
	CRC   uint32
}

// ListEntries returns the entries of the 7z container at path.
func ListEntries(path string) ([]Entry, error) {
	rc, err := sevenzip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	defer rc.Close()

	entries := make([]Entry, 0, len(rc.File))
	for i, f := range rc.File {
		entries = append(entries, Entry{
			Index: i,
			Name:  f.Name,
			Size:  f.UncompressedSize,
			CRC:   f.CRC32,
		})
	}
	return entries, nil
}

// entryReader reports decoder failures as archive.ErrStreamCorrupt. Errors
// from the underlying file keep their identity.
type entryReader struct {
	r io.Reader
}

func (e *entryReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return n, err
	}
	return n, fmt.Errorf("%w: %w", archive.ErrStreamCorrupt, err)
}
