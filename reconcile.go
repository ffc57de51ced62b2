package romfix

import (
	"bytes"
	"fmt"

	"github.com/meigma/romfix/catalog"
	"github.com/meigma/romfix/internal/hashset"
)

// checkPairing rejects a copy whose destination declares a size or
// checksum the source cannot produce.
func checkPairing(src, dst *catalog.File) error {
	if dst.Status.Size.Has(catalog.FromCatalog) && dst.Size != nil {
		if src.Size == nil || *src.Size != *dst.Size {
			return fmt.Errorf("%w: source and destination sizes differ for %s", ErrLogic, dst.Name)
		}
	}
	if dst.Status.CRC.Has(catalog.FromCatalog) && dst.CRC != nil && !bytes.Equal(src.CRC, dst.CRC) {
		return fmt.Errorf("%w: source and destination crc differ for %s", ErrLogic, dst.Name)
	}
	for _, c := range []catalog.Checksum{catalog.SHA1, catalog.MD5} {
		if !dst.Status.Of(c).Has(catalog.FromCatalog) || !src.Status.Of(c).Has(catalog.Verified) {
			continue
		}
		if s, d := src.Sum(c), dst.Sum(c); s != nil && d != nil && !bytes.Equal(s, d) {
			return fmt.Errorf("%w: source and destination %s differ for %s", ErrLogic, c, dst.Name)
		}
	}
	return nil
}

// digests is the content identity established by one copy. MD5 and SHA1
// are nil when a raw copy could not vouch for them.
type digests struct {
	crc  []byte
	md5  []byte
	sha1 []byte
}

func fromSums(s hashset.Sums) digests {
	return digests{crc: s.CRC, md5: s.MD5, sha1: s.SHA1}
}

// trustedDigests returns the checksums a raw copy carries forward.
func trustedDigests(src *catalog.File) digests {
	d := digests{crc: bytes.Clone(src.CRC)}
	if src.Status.MD5.Has(catalog.Verified) {
		d.md5 = bytes.Clone(src.MD5)
	}
	if src.Status.SHA1.Has(catalog.Verified) {
		d.sha1 = bytes.Clone(src.SHA1)
	}
	return d
}

func (d digests) sum(c catalog.Checksum) []byte {
	switch c {
	case catalog.CRC:
		return d.crc
	case catalog.MD5:
		return d.md5
	case catalog.SHA1:
		return d.sha1
	default:
		return nil
	}
}

// reconcileSource checks freshly hashed content against what was known
// about the source and records what was confirmed. A catalog mismatch
// returns a found-file record describing the actual content together with
// ErrSourceMismatch.
func reconcileSource(src *catalog.File, got digests) (*catalog.File, error) {
	if src.CRC != nil && !bytes.Equal(src.CRC, got.crc) {
		src.Presence = catalog.Corrupt
		return nil, fmt.Errorf("%w: crc of %s does not match its data", ErrSourceStream, src.Name)
	}
	if src.CRC == nil {
		src.SetSum(catalog.CRC, got.crc)
	}
	src.Status.Size |= catalog.Verified
	src.Status.CRC |= catalog.Verified

	failed := false
	for _, c := range []catalog.Checksum{catalog.MD5, catalog.SHA1} {
		mismatch, err := reconcileSum(src, c, got.sum(c))
		if err != nil {
			return nil, err
		}
		failed = failed || mismatch
	}
	if !failed {
		return nil, nil
	}
	return foundFile(src, got), fmt.Errorf("%w: %s differs from the catalog", ErrSourceMismatch, src.Name)
}

// reconcileSum reports whether a catalog-declared value disagrees with
// fresh. A previously observed value that changed is a logic error.
func reconcileSum(src *catalog.File, c catalog.Checksum, fresh []byte) (bool, error) {
	known := src.Sum(c)
	status := src.Status.Of(c)

	if known != nil && status.Has(catalog.Verified) && !bytes.Equal(known, fresh) {
		return false, fmt.Errorf("%w: verified %s of %s changed", ErrLogic, c, src.Name)
	}

	switch {
	case status.Has(catalog.FromCatalog):
		if known == nil {
			return false, fmt.Errorf("%w: catalog %s of %s is missing", ErrLogic, c, src.Name)
		}
		if !bytes.Equal(known, fresh) {
			return true, nil
		}
	case known != nil:
		if !bytes.Equal(known, fresh) {
			return false, fmt.Errorf("%w: previously scanned %s of %s changed", ErrLogic, c, src.Name)
		}
	default:
		src.SetSum(c, fresh)
	}
	*status |= catalog.Verified
	return false, nil
}

// foundFile describes the content actually read from src.
func foundFile(src *catalog.File, got digests) *catalog.File {
	f := catalog.NewFile(src.Kind, src.Name)
	if src.Size != nil {
		f.Size = catalog.Uint64(*src.Size)
	}
	f.SetSum(catalog.CRC, got.crc)
	f.SetSum(catalog.MD5, got.md5)
	f.SetSum(catalog.SHA1, got.sha1)
	f.Timestamp = src.Timestamp
	f.Membership = catalog.NotInCatalog
	f.Presence = catalog.Got
	f.Status.Size = catalog.Verified
	f.Status.CRC = catalog.Verified
	f.Status.MD5 = catalog.Verified
	f.Status.SHA1 = catalog.Verified
	if src.Kind.IsArchiveEntry() {
		f.EntryIndex = src.EntryIndex
		if src.HeaderOffset != nil {
			f.HeaderOffset = catalog.Uint64(*src.HeaderOffset)
		}
	}
	return f
}

// checkDestination compares the established digests with the checksums
// the catalog declares for dst. Every kind is checked before anything is
// adopted.
func checkDestination(dst *catalog.File, got digests) error {
	for _, c := range []catalog.Checksum{catalog.CRC, catalog.SHA1, catalog.MD5} {
		fresh := got.sum(c)
		if fresh == nil {
			continue
		}
		if want := dst.Sum(c); dst.Status.Of(c).Has(catalog.FromCatalog) && want != nil && !bytes.Equal(want, fresh) {
			return fmt.Errorf("%w: %s of %s differs from the catalog", ErrDestinationMismatch, c, dst.Name)
		}
	}
	return nil
}

const chdBits = catalog.FromHeader | catalog.Verified

// adoptDestination records the committed content on dst.
func adoptDestination(src, dst *catalog.File, got digests, raw bool) {
	if dst.Kind.IsArchiveEntry() {
		dst.Status.Size |= catalog.FromHeader
		dst.Status.CRC |= catalog.FromHeader
	}

	dst.SetSum(catalog.CRC, got.crc)
	if !raw || src.Status.CRC.Has(catalog.Verified) {
		dst.Status.CRC |= catalog.Verified
	}
	for _, c := range []catalog.Checksum{catalog.SHA1, catalog.MD5} {
		if fresh := got.sum(c); fresh != nil {
			dst.SetSum(c, fresh)
			*dst.Status.Of(c) |= catalog.Verified
		}
	}

	if src.Size != nil {
		dst.Size = catalog.Uint64(*src.Size)
	}
	dst.Status.Size |= catalog.Verified

	if src.Presence == catalog.Corrupt {
		dst.Presence = catalog.Corrupt
	} else {
		dst.Presence = catalog.Got
	}

	// An existing CHD pair on the destination is kept even when the source
	// carries a different one.
	for _, c := range []catalog.Checksum{catalog.SHA1CHD, catalog.MD5CHD} {
		if dst.Sum(c) == nil && src.Sum(c) != nil {
			dst.SetSum(c, src.Sum(c))
		}
		status := dst.Status.Of(c)
		*status = *status&^chdBits | *src.Status.Of(c)&chdBits
	}
	dst.CHDVersion = nil
	if src.CHDVersion != nil {
		dst.CHDVersion = catalog.Uint32(*src.CHDVersion)
	}
}
