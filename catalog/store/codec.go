package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/meigma/romfix/catalog"
)

const (
	// FormatVersion is written at the start of every blob. Blobs carrying a
	// different version are treated as corrupt.
	FormatVersion int32 = 1

	// EndMarker is the fixed trailer that closes every blob.
	EndMarker uint64 = 0x15a600dda7

	maxFieldLen = 1 << 20
)

// Encode writes root and its subtree to w as a complete blob.
func Encode(w io.Writer, root *catalog.Container) error {
	if root == nil {
		return errors.New("store: nil root")
	}
	e := &encoder{}
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(FormatVersion))
	if err := e.node(root); err != nil {
		return err
	}
	e.buf = binary.LittleEndian.AppendUint64(e.buf, EndMarker)
	_, err := w.Write(e.buf)
	return err
}

// Decode reads a complete blob from r. Any structural problem, including a
// version mismatch or a missing trailer, is reported as ErrCorrupt.
func Decode(r io.Reader) (*catalog.Container, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return decodeBlob(data)
}

func decodeBlob(data []byte) (*catalog.Container, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: blob too short (%d bytes)", ErrCorrupt, len(data))
	}
	version := int32(binary.LittleEndian.Uint32(data)) //nolint:gosec // reinterpreting the on-disk int32
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: %w: got %d, want %d", ErrCorrupt, ErrVersion, version, FormatVersion)
	}

	d := &decoder{r: bytes.NewReader(data[4:])}
	n, err := d.node()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	root, ok := n.(*catalog.Container)
	if !ok {
		return nil, fmt.Errorf("%w: root is not a container", ErrCorrupt)
	}

	if d.r.Len() < 8 {
		return nil, fmt.Errorf("%w: missing end marker", ErrCorrupt)
	}
	marker := d.u64()
	if marker != EndMarker {
		return nil, fmt.Errorf("%w: end marker %#x", ErrCorrupt, marker)
	}
	if d.r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, d.r.Len())
	}
	return root, nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) node(n catalog.Node) error {
	switch v := n.(type) {
	case *catalog.Container:
		e.meta(&v.Meta)
		e.flag(v.Conformant)
		e.buf = binary.AppendUvarint(e.buf, uint64(v.Len()))
		for _, child := range v.Children() {
			if err := e.node(child); err != nil {
				return err
			}
		}
		return nil
	case *catalog.File:
		e.meta(&v.Meta)
		e.optU64(v.Size)
		e.optBytes(v.CRC)
		e.optBytes(v.MD5)
		e.optBytes(v.SHA1)
		e.optBytes(v.MD5CHD)
		e.optBytes(v.SHA1CHD)
		e.optU32(v.CHDVersion)
		e.buf = binary.AppendVarint(e.buf, int64(v.EntryIndex))
		e.optU64(v.HeaderOffset)
		s := v.Status
		e.buf = append(e.buf, byte(s.Size), byte(s.CRC), byte(s.MD5), byte(s.SHA1), byte(s.MD5CHD), byte(s.SHA1CHD))
		return nil
	default:
		return fmt.Errorf("store: unsupported node %T", n)
	}
}

func (e *encoder) meta(m *catalog.Meta) {
	e.buf = append(e.buf, byte(m.Kind))
	e.str(m.Name)
	e.buf = binary.LittleEndian.AppendUint64(e.buf, uint64(m.Timestamp)) //nolint:gosec // bit-preserving
	e.buf = append(e.buf, byte(m.Presence), byte(m.Membership))
}

func (e *encoder) str(s string) {
	e.buf = binary.AppendUvarint(e.buf, uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) flag(b bool) {
	if b {
		e.buf = append(e.buf, 1)
		return
	}
	e.buf = append(e.buf, 0)
}

func (e *encoder) optBytes(b []byte) {
	e.flag(b != nil)
	if b == nil {
		return
	}
	e.buf = binary.AppendUvarint(e.buf, uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) optU64(v *uint64) {
	e.flag(v != nil)
	if v != nil {
		e.buf = binary.LittleEndian.AppendUint64(e.buf, *v)
	}
}

func (e *encoder) optU32(v *uint32) {
	e.flag(v != nil)
	if v != nil {
		e.buf = binary.LittleEndian.AppendUint32(e.buf, *v)
	}
}

// decoder records the first error and returns zero values afterwards, so
// field sequences can be read without checking every call.
type decoder struct {
	r   *bytes.Reader
	err error
}

func (d *decoder) node() (catalog.Node, error) {
	kind := catalog.Kind(d.u8())
	if d.err != nil {
		return nil, d.err
	}

	switch {
	case kind.IsContainer():
		c := catalog.NewContainer(kind, "")
		d.meta(&c.Meta)
		c.Conformant = d.flag()
		count := d.uvarint()
		if d.err != nil {
			return nil, d.err
		}
		if count > uint64(d.r.Len()) {
			return nil, fmt.Errorf("child count %d exceeds remaining data", count)
		}
		for range count {
			child, err := d.node()
			if err != nil {
				return nil, err
			}
			c.Add(child)
		}
		return c, nil
	case kind == catalog.KindFile || kind.IsArchiveEntry():
		f := catalog.NewFile(kind, "")
		d.meta(&f.Meta)
		f.Size = d.optU64()
		f.CRC = d.optBytes()
		f.MD5 = d.optBytes()
		f.SHA1 = d.optBytes()
		f.MD5CHD = d.optBytes()
		f.SHA1CHD = d.optBytes()
		f.CHDVersion = d.optU32()
		f.EntryIndex = int(d.varint())
		f.HeaderOffset = d.optU64()
		f.Status = catalog.Status{
			Size:    catalog.Provenance(d.u8()),
			CRC:     catalog.Provenance(d.u8()),
			MD5:     catalog.Provenance(d.u8()),
			SHA1:    catalog.Provenance(d.u8()),
			MD5CHD:  catalog.Provenance(d.u8()),
			SHA1CHD: catalog.Provenance(d.u8()),
		}
		if d.err != nil {
			return nil, d.err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown node kind %d", kind)
	}
}

func (d *decoder) meta(m *catalog.Meta) {
	m.Name = d.str()
	m.Timestamp = int64(d.u64()) //nolint:gosec // bit-preserving
	m.Presence = catalog.Presence(d.u8())
	m.Membership = catalog.Membership(d.u8())
}

func (d *decoder) fail(err error) {
	if d.err != nil {
		return
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	d.err = err
}

func (d *decoder) u8() byte {
	if d.err != nil {
		return 0
	}
	b, err := d.r.ReadByte()
	if err != nil {
		d.fail(err)
		return 0
	}
	return b
}

func (d *decoder) flag() bool {
	switch d.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		d.fail(errors.New("invalid bool"))
		return false
	}
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, err := binary.ReadUvarint(d.r)
	if err != nil {
		d.fail(err)
		return 0
	}
	return v
}

func (d *decoder) varint() int64 {
	if d.err != nil {
		return 0
	}
	v, err := binary.ReadVarint(d.r)
	if err != nil {
		d.fail(err)
		return 0
	}
	return v
}

func (d *decoder) u64() uint64 {
	var b [8]byte
	d.full(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (d *decoder) u32() uint32 {
	var b [4]byte
	d.full(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (d *decoder) full(p []byte) {
	if d.err != nil {
		return
	}
	if _, err := io.ReadFull(d.r, p); err != nil {
		d.fail(err)
	}
}

func (d *decoder) lenPrefixed() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if n > maxFieldLen || n > uint64(d.r.Len()) {
		d.fail(fmt.Errorf("field length %d out of range", n))
		return nil
	}
	p := make([]byte, n)
	d.full(p)
	return p
}

func (d *decoder) str() string {
	return string(d.lenPrefixed())
}

func (d *decoder) optBytes() []byte {
	if !d.flag() {
		return nil
	}
	p := d.lenPrefixed()
	if d.err != nil {
		return nil
	}
	return p
}

func (d *decoder) optU64() *uint64 {
	if !d.flag() {
		return nil
	}
	v := d.u64()
	if d.err != nil {
		return nil
	}
	return &v
}

func (d *decoder) optU32() *uint32 {
	if !d.flag() {
		return nil
	}
	v := d.u32()
	if d.err != nil {
		return nil
	}
	return &v
}
