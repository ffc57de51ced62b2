package ziparchive

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/meigma/romfix/archive"
)

// Fixed MS-DOS timestamp written on every entry (1996-12-24 23:32:00), so
// identical content always produces identical containers.
const (
	dosTime = 0xbc00
	dosDate = 0x2198
)

// Writer creates a zip container. Each entry is encoded into a staging file
// next to the container and copied in by CommitEntry, with its sizes and
// CRC in the local header. The container file only ever holds committed
// entries.
type Writer struct {
	path   string
	f      *os.File
	cw     *countingWriter
	zw     *zip.Writer
	logger *slog.Logger

	stage   *os.File
	offsets []uint64
	current *entryState
	pending *entryState

	conformant bool
	closed     bool
	// broken is set when a commit failed partway and the container file no
	// longer matches the committed entries.
	broken bool
}

type entryState struct {
	fh *zip.FileHeader
	// enc compresses into the staging file; nil for stored and raw entries.
	enc     io.WriteCloser
	staged  *countingWriter
	raw     bool
	dir     bool
	size    uint64
	written uint64
	// keepsConformance reports whether the entry leaves the container
	// conformant.
	keepsConformance bool
}

var _ archive.Writer = (*Writer)(nil)

const (
	zipVersion20 = 20
	flagUTF8     = 0x800
)

// newHeader returns the local header of an entry. Sizes and CRC are filled
// in once the entry is staged, so the header never needs a data descriptor.
func newHeader(name string, method uint16) *zip.FileHeader {
	fh := &zip.FileHeader{
		Name:           name,
		Method:         method,
		CreatorVersion: zipVersion20,
		ReaderVersion:  zipVersion20,
		ModifiedTime:   dosTime,
		ModifiedDate:   dosDate,
	}
	if !isASCII(name) {
		fh.Flags |= flagUTF8
	}
	return fh
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func (s *Service) create(path string) (*Writer, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644) //nolint:gosec // path comes from the caller
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", abs, err)
	}

	cw := &countingWriter{w: f}
	s.logger.Debug("zip created", slog.String("path", abs))
	return &Writer{
		path:       abs,
		f:          f,
		cw:         cw,
		zw:         zip.NewWriter(cw),
		logger:     s.logger,
		conformant: true,
	}, nil
}

// Path implements archive.Writer.
func (w *Writer) Path() string {
	return w.path
}

// Writable implements archive.Writer.
func (w *Writer) Writable() bool {
	return !w.closed && !w.broken
}

// Conformant reports whether every committed entry was either deflated by
// this writer or copied raw from a conformant container.
func (w *Writer) Conformant() bool {
	return w.conformant
}

func (w *Writer) checkIdle() error {
	if !w.Writable() {
		return archive.ErrNotWritable
	}
	if w.current != nil || w.pending != nil {
		return errors.New("ziparchive: an entry is still pending")
	}
	return nil
}

// OpenWriteStream implements archive.Writer.
func (w *Writer) OpenWriteStream(opts archive.WriteOptions) (io.Writer, error) {
	if err := w.checkIdle(); err != nil {
		return nil, err
	}
	if opts.Name == "" || strings.HasSuffix(opts.Name, "/") {
		return nil, fmt.Errorf("ziparchive: invalid entry name %q", opts.Name)
	}
	if !opts.Raw && !opts.Method.Encodable() {
		return nil, fmt.Errorf("%w: compression method %d", archive.ErrUnsupported, opts.Method)
	}

	staged, err := w.resetStage()
	if err != nil {
		return nil, err
	}
	state := &entryState{
		fh:               newHeader(opts.Name, uint16(opts.Method)),
		staged:           staged,
		raw:              opts.Raw,
		size:             opts.Size,
		keepsConformance: opts.Raw && opts.SourceConformant || !opts.Raw && opts.Method == archive.MethodDeflate,
	}

	var dst io.Writer = staged
	if !opts.Raw {
		switch opts.Method {
		case archive.MethodDeflate:
			state.enc, err = flate.NewWriter(staged, flate.BestCompression)
		case archive.MethodZstd:
			state.enc, err = zstd.ZipCompressor()(staged)
		}
		if err != nil {
			return nil, fmt.Errorf("open entry %s: %w", opts.Name, err)
		}
		if state.enc != nil {
			dst = state.enc
		}
	}

	w.current = state
	return &streamWriter{w: dst, state: state}, nil
}

// resetStage empties the staging file, creating it on first use.
func (w *Writer) resetStage() (*countingWriter, error) {
	if w.stage == nil {
		f, err := os.CreateTemp(filepath.Dir(w.path), "."+filepath.Base(w.path)+"-*")
		if err != nil {
			return nil, fmt.Errorf("create staging file for %s: %w", w.path, err)
		}
		w.stage = f
	} else {
		if err := w.stage.Truncate(0); err != nil {
			return nil, fmt.Errorf("reset staging file: %w", err)
		}
		if _, err := w.stage.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("reset staging file: %w", err)
		}
	}
	return &countingWriter{w: w.stage}, nil
}

// CloseWriteStream implements archive.Writer.
func (w *Writer) CloseWriteStream(crc uint32) error {
	if !w.Writable() {
		return archive.ErrNotWritable
	}
	if w.current == nil {
		return archive.ErrNoStream
	}
	state := w.current
	w.current = nil

	if state.enc != nil {
		if err := state.enc.Close(); err != nil {
			return fmt.Errorf("finish entry %s: %w", state.fh.Name, err)
		}
	}
	fh := state.fh
	fh.CRC32 = crc
	fh.CompressedSize64 = state.staged.n
	fh.UncompressedSize64 = state.written
	if state.raw {
		fh.UncompressedSize64 = state.size
	}
	w.pending = state
	return nil
}

// AddDirectory implements archive.Writer.
func (w *Writer) AddDirectory(name string) error {
	if err := w.checkIdle(); err != nil {
		return err
	}
	if !strings.HasSuffix(name, "/") {
		name += "/"
	}
	w.pending = &entryState{
		fh:               newHeader(name, zip.Store),
		dir:              true,
		keepsConformance: true,
	}
	return nil
}

// CommitEntry implements archive.Writer.
func (w *Writer) CommitEntry() (uint64, error) {
	if !w.Writable() {
		return 0, archive.ErrNotWritable
	}
	if w.pending == nil {
		return 0, archive.ErrNoStream
	}
	state := w.pending
	w.pending = nil

	offset, err := w.append(state)
	if err != nil {
		w.broken = true
		return 0, fmt.Errorf("commit %s to %s: %w", state.fh.Name, w.path, err)
	}
	w.offsets = append(w.offsets, offset)
	if !state.keepsConformance {
		w.conformant = false
	}
	return offset, nil
}

func (w *Writer) append(state *entryState) (uint64, error) {
	if err := w.zw.Flush(); err != nil {
		return 0, err
	}
	offset := w.cw.n
	dst, err := w.zw.CreateRaw(state.fh)
	if err != nil {
		return 0, err
	}
	if !state.dir {
		if _, err := w.stage.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
		if _, err := io.CopyN(dst, w.stage, int64(state.staged.n)); err != nil { //nolint:gosec // staged sizes fit the file
			return 0, err
		}
	}
	return offset, w.zw.Flush()
}

// DiscardEntry implements archive.Writer.
func (w *Writer) DiscardEntry() error {
	if w.closed {
		return archive.ErrNotWritable
	}
	if w.current != nil && w.current.enc != nil {
		_ = w.current.enc.Close()
	}
	w.current = nil
	w.pending = nil
	return nil
}

// EntryCount implements archive.Writer.
func (w *Writer) EntryCount() int {
	return len(w.offsets)
}

// HeaderOffset implements archive.Writer.
func (w *Writer) HeaderOffset(index int) (uint64, error) {
	if index < 0 || index >= len(w.offsets) {
		return 0, fmt.Errorf("ziparchive: entry index %d out of range", index)
	}
	return w.offsets[index], nil
}

// Rollback implements archive.Writer. The container is deleted.
func (w *Writer) Rollback() error {
	if w.closed {
		return archive.ErrNotWritable
	}
	w.closed = true
	w.current = nil
	w.pending = nil
	w.removeStage()

	closeErr := w.f.Close()
	removeErr := os.Remove(w.path)
	w.logger.Debug("zip rolled back", slog.String("path", w.path))
	if removeErr != nil {
		return fmt.Errorf("rollback %s: %w", w.path, removeErr)
	}
	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		w.logger.Debug("close during rollback failed", slog.Any("error", closeErr))
	}
	return nil
}

// Close implements archive.Writer. It writes the central directory of the
// committed entries; a pending entry is dropped.
func (w *Writer) Close() error {
	if w.closed {
		return archive.ErrNotWritable
	}
	w.closed = true
	w.current = nil
	w.pending = nil
	w.removeStage()

	if w.broken {
		_ = w.f.Close()
		return fmt.Errorf("close %s: %w", w.path, errBroken)
	}
	if err := w.zw.Close(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("close %s: %w", w.path, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", w.path, err)
	}
	return nil
}

var errBroken = errors.New("ziparchive: container damaged by a failed commit")

func (w *Writer) removeStage() {
	if w.stage == nil {
		return
	}
	name := w.stage.Name()
	_ = w.stage.Close()
	_ = os.Remove(name)
	w.stage = nil
}

// countingWriter tracks the number of bytes written through it.
type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n) //nolint:gosec // n is never negative
	return n, err
}

// streamWriter counts the bytes of the current entry.
type streamWriter struct {
	w     io.Writer
	state *entryState
}

func (s *streamWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	s.state.written += uint64(n) //nolint:gosec // n is never negative
	return n, err
}
