package romfix

import (
	"fmt"
	"strings"
)

// FixLevel is the trust policy that decides when archive entries may be
// copied raw. The first three levels consider container conformance; the
// last three ignore it.
type FixLevel uint8

const (
	// FixTrustConformant copies raw from conformant zip containers.
	FixTrustConformant FixLevel = iota
	// FixTrustConformantVerified copies raw from conformant zip containers
	// when the entry's MD5 and SHA1 were both verified.
	FixTrustConformantVerified
	// FixReencode always decodes and re-encodes.
	FixReencode
	// FixRawAlways copies every zip entry raw.
	FixRawAlways
	// FixRawIfVerified copies zip entries raw when MD5 and SHA1 were both
	// verified.
	FixRawIfVerified
	// FixRawNever never copies raw.
	FixRawNever
)

var fixLevelNames = map[FixLevel]string{
	FixTrustConformant:         "trust-conformant",
	FixTrustConformantVerified: "trust-conformant-verified",
	FixReencode:                "reencode",
	FixRawAlways:               "raw-always",
	FixRawIfVerified:           "raw-if-verified",
	FixRawNever:                "raw-never",
}

func (l FixLevel) String() string {
	if name, ok := fixLevelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("FixLevel(%d)", uint8(l))
}

// ConformanceAware reports whether the level belongs to the tier that
// trusts conformant containers. Non-raw copies under these levels are
// always re-encoded with Deflate.
func (l FixLevel) ConformanceAware() bool {
	return l <= FixReencode
}

// ParseFixLevel parses the names printed by String.
func ParseFixLevel(s string) (FixLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for level, name := range fixLevelNames {
		if name == s {
			return level, nil
		}
	}
	return 0, fmt.Errorf("romfix: unknown fix level %q", s)
}
