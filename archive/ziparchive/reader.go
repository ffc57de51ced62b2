package ziparchive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zip"

	"github.com/meigma/romfix/archive"
	"github.com/meigma/romfix/internal/sizing"
)

const (
	localHeaderSignature = 0x04034b50
	localHeaderLen       = 30
	flagDataDescriptor   = 0x8
	uint32max            = 1<<32 - 1
)

// Reader reads entries from a zip container. It serves one entry stream at a
// time.
type Reader struct {
	svc  *Service
	path string
	f    *os.File
	size int64

	zr      *zip.Reader
	release func()
}

var _ archive.Reader = (*Reader)(nil)

// directory reads the central directory on first use.
func (r *Reader) directory() (*zip.Reader, error) {
	if r.zr != nil {
		return r.zr, nil
	}
	zr, err := zip.NewReader(r.f, r.size)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", r.path, err)
	}
	r.zr = zr
	return zr, nil
}

// OpenReadStream implements archive.Reader.
func (r *Reader) OpenReadStream(index int, raw bool) (io.Reader, uint64, archive.Method, error) {
	if r.release != nil {
		return nil, 0, 0, errors.New("ziparchive: read stream already open")
	}
	zr, err := r.directory()
	if err != nil {
		return nil, 0, 0, err
	}
	if index < 0 || index >= len(zr.File) {
		return nil, 0, 0, fmt.Errorf("open %s: entry index %d out of range", r.path, index)
	}
	return r.openFile(zr.File[index], raw)
}

// OpenReadStreamAt implements archive.Reader. Entries whose sizes are only
// known from a data descriptor, as written by other tools, are located
// through the central directory.
func (r *Reader) OpenReadStreamAt(offset uint64, raw bool) (io.Reader, uint64, archive.Method, error) {
	if r.release != nil {
		return nil, 0, 0, errors.New("ziparchive: read stream already open")
	}
	h, err := readLocalHeader(r.f, offset)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open %s at %d: %w", r.path, offset, err)
	}

	if h.flags&flagDataDescriptor != 0 || h.compressedSize == uint32max || h.size == uint32max {
		zf, err := r.fileAtDataOffset(h.dataOffset)
		if err != nil {
			return nil, 0, 0, err
		}
		return r.openFile(zf, raw)
	}

	section := io.NewSectionReader(r.f, h.dataOffset, int64(h.compressedSize))
	method := archive.Method(h.method)
	if raw {
		r.release = func() {}
		return section, uint64(h.compressedSize), method, nil
	}
	dec, release, err := r.svc.decode(section, method)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open %s at %d: %w", r.path, offset, err)
	}
	r.release = release
	return dec, uint64(h.size), method, nil
}

func (r *Reader) openFile(zf *zip.File, raw bool) (io.Reader, uint64, archive.Method, error) {
	src, err := zf.OpenRaw()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open %s: %s: %w", r.path, zf.Name, err)
	}
	method := archive.Method(zf.Method)
	if raw {
		r.release = func() {}
		return src, zf.CompressedSize64, method, nil
	}
	dec, release, err := r.svc.decode(src, method)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open %s: %s: %w", r.path, zf.Name, err)
	}
	r.release = release
	return dec, zf.UncompressedSize64, method, nil
}

func (r *Reader) fileAtDataOffset(dataOffset int64) (*zip.File, error) {
	zr, err := r.directory()
	if err != nil {
		return nil, err
	}
	for _, zf := range zr.File {
		off, err := zf.DataOffset()
		if err != nil {
			return nil, fmt.Errorf("open %s: %s: %w", r.path, zf.Name, err)
		}
		if off == dataOffset {
			return zf, nil
		}
	}
	return nil, fmt.Errorf("open %s: no entry with data at %d", r.path, dataOffset)
}

// CloseReadStream implements archive.Reader.
func (r *Reader) CloseReadStream() error {
	if r.release == nil {
		return archive.ErrNoStream
	}
	r.release()
	r.release = nil
	return nil
}

// Close implements archive.Reader.
func (r *Reader) Close() error {
	if r.release != nil {
		r.release()
		r.release = nil
	}
	return r.f.Close()
}

type localHeader struct {
	flags          uint16
	method         uint16
	crc            uint32
	compressedSize uint32
	size           uint32
	dataOffset     int64
}

func readLocalHeader(ra io.ReaderAt, offset uint64) (localHeader, error) {
	start, err := sizing.ToInt64(offset)
	if err != nil {
		return localHeader{}, err
	}
	var buf [localHeaderLen]byte
	if _, err := ra.ReadAt(buf[:], start); err != nil {
		return localHeader{}, err
	}
	if binary.LittleEndian.Uint32(buf[0:]) != localHeaderSignature {
		return localHeader{}, zip.ErrFormat
	}
	nameLen := uint64(binary.LittleEndian.Uint16(buf[26:]))
	extraLen := uint64(binary.LittleEndian.Uint16(buf[28:]))
	dataOffset, err := sizing.Offset(offset, localHeaderLen+nameLen+extraLen)
	if err != nil {
		return localHeader{}, err
	}
	return localHeader{
		flags:          binary.LittleEndian.Uint16(buf[6:]),
		method:         binary.LittleEndian.Uint16(buf[8:]),
		crc:            binary.LittleEndian.Uint32(buf[14:]),
		compressedSize: binary.LittleEndian.Uint32(buf[18:]),
		size:           binary.LittleEndian.Uint32(buf[22:]),
		dataOffset:     dataOffset,
	}, nil
}
