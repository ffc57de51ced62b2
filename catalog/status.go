package catalog

// Provenance records where a value came from and whether it was confirmed
// by hashing the actual bytes. The bits are independent: a checksum declared
// by the catalog stays FromCatalog after it has been Verified.
type Provenance uint8

const (
	// FromCatalog marks a value declared by the reference catalog.
	FromCatalog Provenance = 1 << iota
	// FromHeader marks a value read from the container's own metadata.
	FromHeader
	// Verified marks a value confirmed by reading and hashing the content.
	Verified
)

// Has reports whether all bits in f are set.
func (p Provenance) Has(f Provenance) bool {
	return p&f == f
}

// Checksum enumerates the checksum kinds tracked per file.
type Checksum uint8

const (
	CRC Checksum = iota
	MD5
	SHA1
	MD5CHD
	SHA1CHD
)

func (c Checksum) String() string {
	switch c {
	case CRC:
		return "crc"
	case MD5:
		return "md5"
	case SHA1:
		return "sha1"
	case MD5CHD:
		return "md5-chd"
	case SHA1CHD:
		return "sha1-chd"
	default:
		return "unknown"
	}
}

// Status holds the provenance of the size and of every checksum kind.
type Status struct {
	Size    Provenance
	CRC     Provenance
	MD5     Provenance
	SHA1    Provenance
	MD5CHD  Provenance
	SHA1CHD Provenance
}

// Of returns a pointer to the provenance of checksum c.
func (s *Status) Of(c Checksum) *Provenance {
	switch c {
	case CRC:
		return &s.CRC
	case MD5:
		return &s.MD5
	case SHA1:
		return &s.SHA1
	case MD5CHD:
		return &s.MD5CHD
	case SHA1CHD:
		return &s.SHA1CHD
	default:
		panic("catalog: unknown checksum kind")
	}
}

// DeepVerified reports whether both MD5 and SHA1 were confirmed by reading.
func (s Status) DeepVerified() bool {
	return s.MD5.Has(Verified) && s.SHA1.Has(Verified)
}
