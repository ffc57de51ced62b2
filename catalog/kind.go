// Package catalog defines the entity tree shared by the copy engine and the
// catalog store.
//
// A catalog is a tree of [Container] nodes (directories and archives) that
// own their children in on-disk enumeration order. Leaves are [File]
// entities. Every node keeps a non-owning reference to its parent so that
// full paths and owning archives can be resolved without a separate lookup.
//
// Entities carry no internal locking. Callers must not mutate the same
// entity from two operations at once.
package catalog

// Kind identifies what a node represents on disk.
type Kind uint8

const (
	KindDir Kind = iota + 1
	KindZip
	KindSevenZip
	KindFile
	KindZipEntry
	KindSevenZipEntry
)

func (k Kind) String() string {
	switch k {
	case KindDir:
		return "dir"
	case KindZip:
		return "zip"
	case KindSevenZip:
		return "7z"
	case KindFile:
		return "file"
	case KindZipEntry:
		return "zip-entry"
	case KindSevenZipEntry:
		return "7z-entry"
	default:
		return "unknown"
	}
}

// IsContainer reports whether nodes of this kind hold children.
func (k Kind) IsContainer() bool {
	return k == KindDir || k == KindZip || k == KindSevenZip
}

// IsArchive reports whether k is an archive container.
func (k Kind) IsArchive() bool {
	return k == KindZip || k == KindSevenZip
}

// IsArchiveEntry reports whether k is a file stored inside an archive.
func (k Kind) IsArchiveEntry() bool {
	return k == KindZipEntry || k == KindSevenZipEntry
}

// ContainerKind returns the container kind that owns file entities of kind k.
// Plain files live in directories.
func (k Kind) ContainerKind() Kind {
	switch k {
	case KindZipEntry:
		return KindZip
	case KindSevenZipEntry:
		return KindSevenZip
	default:
		return KindDir
	}
}

// Presence records whether a node was found on disk.
type Presence uint8

const (
	Absent Presence = iota
	Got
	Corrupt
)

func (p Presence) String() string {
	switch p {
	case Absent:
		return "absent"
	case Got:
		return "got"
	case Corrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// Membership records how a node relates to the reference catalog.
type Membership uint8

const (
	NotInCatalog Membership = iota
	InCatalog
	InCatalogCollect
)

func (m Membership) String() string {
	switch m {
	case NotInCatalog:
		return "not-in-catalog"
	case InCatalog:
		return "in-catalog"
	case InCatalogCollect:
		return "in-catalog-collect"
	default:
		return "unknown"
	}
}
