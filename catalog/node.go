package catalog

import (
	"bytes"
	"path/filepath"
)

// Meta holds the fields shared by files and containers.
type Meta struct {
	Name       string
	Kind       Kind
	Timestamp  int64 // last-modified time in unix nanoseconds
	Presence   Presence
	Membership Membership

	parent *Container
}

// Parent returns the owning container, or nil for the root.
func (m *Meta) Parent() *Container {
	return m.parent
}

// FullPath joins the names from the root down to this node.
func (m *Meta) FullPath() string {
	if m.parent == nil {
		return m.Name
	}
	return filepath.Join(m.parent.FullPath(), m.Name)
}

func (m *Meta) meta() *Meta { return m }

// Node is implemented by *File and *Container.
type Node interface {
	meta() *Meta
}

// MetaOf returns the shared fields of n.
func MetaOf(n Node) *Meta {
	return n.meta()
}

// Container is a directory or an archive file.
type Container struct {
	Meta

	// Conformant marks an archive that satisfies the strict structural
	// convention and may be trusted as a unit for raw copies.
	Conformant bool

	children []Node
}

// NewContainer returns an empty container of the given kind.
func NewContainer(kind Kind, name string) *Container {
	return &Container{Meta: Meta{Name: name, Kind: kind}}
}

// Add appends n to the children and takes ownership of it.
func (c *Container) Add(n Node) {
	n.meta().parent = c
	c.children = append(c.children, n)
}

// Children returns the children in insertion order. The slice must not be
// modified.
func (c *Container) Children() []Node {
	return c.children
}

// Len returns the number of children.
func (c *Container) Len() int {
	return len(c.children)
}

// Child returns the first child named name.
func (c *Container) Child(name string) (Node, bool) {
	for _, n := range c.children {
		if n.meta().Name == name {
			return n, true
		}
	}
	return nil, false
}

// File is a single file on disk or inside an archive.
type File struct {
	Meta

	Size *uint64

	CRC  []byte
	MD5  []byte
	SHA1 []byte

	// MD5CHD and SHA1CHD identify the content of a disk image sub-format.
	// They are carried opaquely.
	MD5CHD     []byte
	SHA1CHD    []byte
	CHDVersion *uint32

	// EntryIndex is the position inside the owning archive.
	EntryIndex int
	// HeaderOffset is the cached local header offset inside the owning
	// archive, used to reopen the entry without reading the directory.
	HeaderOffset *uint64

	Status Status
}

// NewFile returns a file entity of the given kind.
func NewFile(kind Kind, name string) *File {
	return &File{Meta: Meta{Name: name, Kind: kind}}
}

// Sum returns the stored value for checksum c.
func (f *File) Sum(c Checksum) []byte {
	switch c {
	case CRC:
		return f.CRC
	case MD5:
		return f.MD5
	case SHA1:
		return f.SHA1
	case MD5CHD:
		return f.MD5CHD
	case SHA1CHD:
		return f.SHA1CHD
	default:
		return nil
	}
}

// SetSum stores a copy of v for checksum c.
func (f *File) SetSum(c Checksum, v []byte) {
	v = bytes.Clone(v)
	switch c {
	case CRC:
		f.CRC = v
	case MD5:
		f.MD5 = v
	case SHA1:
		f.SHA1 = v
	case MD5CHD:
		f.MD5CHD = v
	case SHA1CHD:
		f.SHA1CHD = v
	}
}

// IsZeroLength reports whether the file is known to be empty.
func (f *File) IsZeroLength() bool {
	return f.Size != nil && *f.Size == 0
}

// Uint64 returns a pointer to v, for populating nullable sizes and offsets.
func Uint64(v uint64) *uint64 {
	return &v
}

// Uint32 returns a pointer to v.
func Uint32(v uint32) *uint32 {
	return &v
}
