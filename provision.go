package romfix

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/meigma/romfix/archive"
	"github.com/meigma/romfix/catalog"
)

// input is an open source stream.
type input struct {
	r          io.Reader
	size       uint64
	method     archive.Method
	conformant bool
	close      func() error
}

// openInput opens src for reading, checking that it still matches the
// catalog.
func (e *Engine) openInput(src *catalog.File, raw bool) (*input, error) {
	if src.Kind.IsArchiveEntry() {
		return e.openEntry(src, raw)
	}
	return openPlainFile(src)
}

func openPlainFile(src *catalog.File) (*input, error) {
	path := src.FullPath()
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: source %s is missing", ErrRescanNeeded, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", ErrFilesystem, path, err)
	}
	if info.ModTime().UnixNano() != src.Timestamp {
		return nil, fmt.Errorf("%w: source %s was modified", ErrRescanNeeded, path)
	}
	if src.Size == nil {
		return nil, fmt.Errorf("%w: source %s has no size", ErrLogic, path)
	}

	f, err := os.Open(path) //nolint:gosec // path comes from the catalog
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrFilesystem, path, err)
	}
	if uint64(info.Size()) != *src.Size { //nolint:gosec // sizes are never negative
		_ = f.Close()
		return nil, fmt.Errorf("%w: source %s changed length", ErrRescanNeeded, path)
	}
	return &input{
		r:      f,
		size:   *src.Size,
		method: archive.MethodDeflate,
		close:  f.Close,
	}, nil
}

func (e *Engine) openEntry(src *catalog.File, raw bool) (*input, error) {
	parent := src.Parent()
	if parent == nil || parent.Kind != src.Kind.ContainerKind() {
		return nil, fmt.Errorf("%w: %s is not inside a %s container", ErrLogic, src.Name, src.Kind.ContainerKind())
	}
	svc, err := e.service(parent.Kind)
	if err != nil {
		return nil, err
	}

	path := parent.FullPath()
	quick := src.HeaderOffset != nil && parent.Kind == catalog.KindZip
	r, err := svc.Open(path, parent.Timestamp, !quick)
	switch {
	case errors.Is(err, archive.ErrNotFound), errors.Is(err, archive.ErrTimestamp):
		return nil, fmt.Errorf("%w: %w", ErrRescanNeeded, err)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrFilesystem, err)
	}

	var (
		stream io.Reader
		size   uint64
		method archive.Method
	)
	if quick {
		stream, size, method, err = r.OpenReadStreamAt(*src.HeaderOffset, raw)
	} else {
		stream, size, method, err = r.OpenReadStream(src.EntryIndex, raw)
	}
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("%w: open %s in %s: %w", ErrFilesystem, src.Name, path, err)
	}

	return &input{
		r:          stream,
		size:       size,
		method:     method,
		conformant: parent.Kind == catalog.KindZip && parent.Conformant,
		close: func() error {
			if err := r.CloseReadStream(); err != nil {
				_ = r.Close()
				return err
			}
			return r.Close()
		},
	}, nil
}

func (e *Engine) service(kind catalog.Kind) (archive.Service, error) {
	svc, ok := e.services[kind]
	if !ok || svc == nil {
		return nil, fmt.Errorf("%w: no archive service for %s", ErrLogic, kind)
	}
	return svc, nil
}

// output is an open destination stream that can be committed or rolled
// back as a whole.
type output interface {
	io.Writer
	// finish closes the stream. crc is the CRC32 of the content.
	finish(crc uint32) error
	// commit makes the content visible at its final location. The position
	// reported by record is known once commit returns.
	commit() error
	// rollback removes what this copy wrote. Earlier copies into the same
	// destination are kept.
	rollback() error
	// record stores the committed position on dst.
	record(dst *catalog.File)
}

// writeSpec describes the stream to open on the destination.
type writeSpec struct {
	size       uint64
	raw        bool
	conformant bool
	method     archive.Method
	// directory appends a directory marker instead of opening a stream.
	directory bool
}

// openOutput opens the destination described by req.
func (e *Engine) openOutput(req Request, spec writeSpec) (output, error) {
	if req.Dest.Kind.IsArchiveEntry() {
		return e.openArchiveOutput(req, spec)
	}
	return e.openFileOutput(req)
}

// clearScratch removes path when it carries the scratch name and reports
// whether it did.
func (e *Engine) clearScratch(path string) (bool, error) {
	if e.scratchName == "" || filepath.Base(path) != e.scratchName {
		return false, nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("%w: remove %s: %w", ErrFilesystem, path, err)
	}
	return true, nil
}

func exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: stat %s: %w", ErrFilesystem, path, err)
	}
	return true, nil
}

func (e *Engine) openArchiveOutput(req Request, spec writeSpec) (output, error) {
	dest := req.Archive
	if dest == nil {
		return nil, fmt.Errorf("%w: archive entry %s has no destination", ErrLogic, req.Dest.Name)
	}

	if !dest.IsOpen() {
		scratch, err := e.clearScratch(req.Path)
		if err != nil {
			return nil, err
		}
		if !scratch {
			found, err := exists(req.Path)
			if err != nil {
				return nil, err
			}
			if found {
				return nil, fmt.Errorf("%w: destination %s already exists", ErrRescanNeeded, req.Path)
			}
		}
		svc, err := e.service(req.Dest.Kind.ContainerKind())
		if err != nil {
			return nil, err
		}
		w, err := svc.Create(req.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFilesystem, err)
		}
		dest.w = w
		e.logger.Debug("destination created", slog.String("path", w.Path()))
	} else {
		w := dest.w
		if !w.Writable() {
			return nil, fmt.Errorf("%w: destination %s is not open for write", ErrLogic, w.Path())
		}
		want, err := filepath.Abs(req.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve %s: %w", ErrFilesystem, req.Path, err)
		}
		if w.Path() != want {
			return nil, fmt.Errorf("%w: destination is %s, not %s", ErrLogic, w.Path(), want)
		}
	}

	out := &archiveOutput{dest: dest, w: dest.w, directory: spec.directory}
	if spec.directory {
		if err := out.w.AddDirectory(req.Dest.Name); err != nil {
			_ = out.rollback()
			return nil, fmt.Errorf("%w: %w", ErrFilesystem, err)
		}
		return out, nil
	}

	method := spec.method
	if !spec.raw && !method.Encodable() {
		method = archive.MethodDeflate
	}
	stream, err := out.w.OpenWriteStream(archive.WriteOptions{
		Name:             req.Dest.Name,
		Size:             spec.size,
		Raw:              spec.raw,
		SourceConformant: spec.conformant,
		Method:           method,
	})
	if err != nil {
		_ = out.rollback()
		return nil, fmt.Errorf("%w: %w", ErrFilesystem, err)
	}
	out.stream = stream
	return out, nil
}

// archiveOutput writes one entry of the destination container.
type archiveOutput struct {
	dest      *Destination
	w         archive.Writer
	stream    io.Writer
	directory bool

	index  int
	offset uint64
}

func (o *archiveOutput) Write(p []byte) (int, error) {
	if o.stream == nil {
		return 0, archive.ErrNoStream
	}
	return o.stream.Write(p)
}

func (o *archiveOutput) finish(crc uint32) error {
	if o.directory {
		return nil
	}
	return o.w.CloseWriteStream(crc)
}

func (o *archiveOutput) commit() error {
	offset, err := o.w.CommitEntry()
	if err != nil {
		return err
	}
	o.index = o.w.EntryCount() - 1
	o.offset = offset
	return nil
}

// rollback drops the pending entry. The container itself is only abandoned
// when it holds no committed entry or can no longer be written.
func (o *archiveOutput) rollback() error {
	if err := o.w.DiscardEntry(); err != nil {
		return err
	}
	if o.w.EntryCount() > 0 && o.w.Writable() {
		return nil
	}
	if o.dest.w == o.w {
		o.dest.w = nil
	}
	return o.w.Rollback()
}

func (o *archiveOutput) record(dst *catalog.File) {
	dst.EntryIndex = o.index
	dst.HeaderOffset = catalog.Uint64(o.offset)
}

func (e *Engine) openFileOutput(req Request) (output, error) {
	path := req.Path
	scratch, err := e.clearScratch(path)
	if err != nil {
		return nil, err
	}
	if !scratch && req.Dest.Presence != catalog.Corrupt {
		found, err := exists(path)
		if err != nil {
			return nil, err
		}
		if found {
			return nil, fmt.Errorf("%w: destination %s already exists", ErrRescanNeeded, path)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+strings.TrimPrefix(filepath.Base(path), ".")+"-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrFilesystem, path, err)
	}
	return &fileOutput{
		file:      tmp,
		tmpPath:   tmp.Name(),
		finalPath: path,
	}, nil
}

// fileOutput writes a plain file to a temporary sibling that is renamed
// into place on commit.
type fileOutput struct {
	file      *os.File
	tmpPath   string
	finalPath string
	closed    bool
	// modTime is taken before close; rename keeps it.
	modTime int64
}

func (o *fileOutput) Write(p []byte) (int, error) {
	return o.file.Write(p)
}

func (o *fileOutput) finish(uint32) error {
	info, err := o.file.Stat()
	if err != nil {
		return err
	}
	o.modTime = info.ModTime().UnixNano()
	o.closed = true
	return o.file.Close()
}

func (o *fileOutput) commit() error {
	if err := os.Rename(o.tmpPath, o.finalPath); err != nil {
		_ = os.Remove(o.tmpPath)
		return err
	}
	return nil
}

func (o *fileOutput) rollback() error {
	if !o.closed {
		_ = o.file.Close()
		o.closed = true
	}
	err := os.Remove(o.tmpPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (o *fileOutput) record(dst *catalog.File) {
	dst.Timestamp = o.modTime
}
