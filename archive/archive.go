// Package archive defines the contract between the copy engine and the
// container codecs that read and write archive entries.
//
// A [Service] opens existing containers for reading and creates new ones for
// writing. A [Reader] serves one entry stream at a time; a [Writer] appends
// entries one at a time and can roll back the whole container it created.
// Implementations live in subpackages.
package archive

import (
	"errors"
	"io"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound is returned by Open when the container does not exist.
	ErrNotFound = errors.New("archive: container not found")

	// ErrTimestamp is returned by Open when the container's modification time
	// differs from the expected one.
	ErrTimestamp = errors.New("archive: container timestamp changed")

	// ErrStreamCorrupt is returned by entry streams when the container's own
	// decoder detects damaged content, as opposed to an I/O failure.
	ErrStreamCorrupt = errors.New("archive: entry stream corrupt")

	// ErrUnsupported is returned for operations a container format does not
	// provide.
	ErrUnsupported = errors.New("archive: operation not supported")

	// ErrNotWritable is returned by Writer methods after Close or Rollback.
	ErrNotWritable = errors.New("archive: container not open for write")

	// ErrNoStream is returned when a stream is closed that was never opened.
	ErrNoStream = errors.New("archive: no open stream")
)

// Method is a zip compression method identifier.
type Method uint16

const (
	MethodStore   Method = 0
	MethodDeflate Method = 8
	MethodLZMA    Method = 14
	MethodZstd    Method = 93
)

func (m Method) String() string {
	switch m {
	case MethodStore:
		return "store"
	case MethodDeflate:
		return "deflate"
	case MethodLZMA:
		return "lzma"
	case MethodZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Encodable reports whether writers in this module can produce m.
func (m Method) Encodable() bool {
	return m == MethodStore || m == MethodDeflate || m == MethodZstd
}

// Service opens and creates containers of one format.
type Service interface {
	// Open opens the container at path for reading. expectedTimestamp is the
	// modification time, in unix nanoseconds, recorded when the container was
	// scanned. When listing is false the implementation may defer reading the
	// central directory until it is needed.
	Open(path string, expectedTimestamp int64, listing bool) (Reader, error)

	// Create creates a new container at path, open for write.
	Create(path string) (Writer, error)
}

// Reader reads entries from an open container.
type Reader interface {
	// OpenReadStream opens the entry at index. With raw set the stream yields
	// the stored, still-encoded bytes. size is the number of bytes the
	// stream yields and method the entry's compression method.
	OpenReadStream(index int, raw bool) (r io.Reader, size uint64, method Method, err error)

	// OpenReadStreamAt opens the entry whose local header starts at offset.
	OpenReadStreamAt(offset uint64, raw bool) (r io.Reader, size uint64, method Method, err error)

	// CloseReadStream releases the current entry stream.
	CloseReadStream() error

	// Close releases the container.
	Close() error
}

// WriteOptions describes an entry to append.
type WriteOptions struct {
	Name string
	// Size is the uncompressed size of the entry.
	Size uint64
	// Raw means the caller writes already-encoded bytes produced with Method.
	Raw bool
	// SourceConformant marks raw bytes taken from a conformant container.
	SourceConformant bool
	Method           Method
}

// Writer appends entries to a container being created.
//
// An entry becomes part of the container only once CommitEntry returns.
// Until then it is pending and DiscardEntry drops it without touching the
// committed entries.
type Writer interface {
	// Path returns the absolute path of the container.
	Path() string

	// Writable reports whether the container is still open for write.
	Writable() bool

	// OpenWriteStream starts a new pending entry.
	OpenWriteStream(opts WriteOptions) (io.Writer, error)

	// CloseWriteStream finishes writing the pending entry. crc is the CRC32
	// of the uncompressed content and is recorded in the entry headers.
	CloseWriteStream(crc uint32) error

	// AddDirectory makes an empty directory marker the pending entry.
	AddDirectory(name string) error

	// CommitEntry appends the pending entry to the container and returns the
	// offset of its local header.
	CommitEntry() (uint64, error)

	// DiscardEntry drops the pending entry, open or closed. Committed
	// entries are left as they were. Discarding with nothing pending is a
	// no-op.
	DiscardEntry() error

	// EntryCount returns the number of committed entries.
	EntryCount() int

	// HeaderOffset returns the local header offset of committed entry index.
	HeaderOffset(index int) (uint64, error)

	// Rollback abandons the container. A container created by this writer is
	// removed so that nothing remains at Path.
	Rollback() error

	// Close finalizes the container with its committed entries.
	Close() error
}
