package romfix

import "github.com/meigma/romfix/catalog"

// RawCopy reports whether src may be copied to dst without decoding.
//
// Raw copies are only possible from a zip entry to a zip entry, and only
// when the source knows its container. Given that, forceRaw always allows
// the copy; otherwise level decides.
func RawCopy(src, dst *catalog.File, forceRaw bool, level FixLevel) bool {
	if src == nil || dst == nil {
		return false
	}
	if src.Kind != catalog.KindZipEntry || dst.Kind != catalog.KindZipEntry {
		return false
	}
	parent := src.Parent()
	if parent == nil {
		return false
	}
	if forceRaw {
		return true
	}

	conformant := parent.Kind == catalog.KindZip && parent.Conformant
	deep := src.Status.DeepVerified()

	switch level {
	case FixTrustConformant:
		return conformant
	case FixTrustConformantVerified:
		return conformant && deep
	case FixReencode:
		return false
	case FixRawAlways:
		return true
	case FixRawIfVerified:
		return deep
	case FixRawNever:
		return false
	default:
		return false
	}
}
