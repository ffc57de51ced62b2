// Package hashset computes CRC32, MD5 and SHA1 over one stream of chunks.
package hashset

import (
	"crypto/md5"  //nolint:gosec // content identifier, not a security primitive
	"crypto/sha1" //nolint:gosec // content identifier, not a security primitive
	"hash"
	"hash/crc32"

	"golang.org/x/sync/errgroup"
)

// ParallelThreshold is the smallest chunk that is hashed on separate
// goroutines. Smaller chunks are hashed inline.
const ParallelThreshold = 64 << 10

// Sums holds the final digests of a stream.
type Sums struct {
	Size uint64
	CRC  []byte // 4 bytes, big-endian
	MD5  []byte
	SHA1 []byte
}

// Set accumulates the three digests.
type Set struct {
	crc    hash.Hash32
	md5    hash.Hash
	sha1   hash.Hash
	size   uint64
	serial bool
}

// Option configures a Set.
type Option func(*Set)

// WithSerial hashes every chunk on the calling goroutine.
func WithSerial() Option {
	return func(s *Set) {
		s.serial = true
	}
}

// New returns an empty Set.
func New(opts ...Option) *Set {
	s := &Set{
		crc:  crc32.NewIEEE(),
		md5:  md5.New(),  //nolint:gosec // see import
		sha1: sha1.New(), //nolint:gosec // see import
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write feeds p to all three hashes and returns once every hash has
// consumed it, so the caller may reuse p immediately.
func (s *Set) Write(p []byte) {
	s.size += uint64(len(p))
	if s.serial || len(p) < ParallelThreshold {
		for _, h := range s.hashes() {
			_, _ = h.Write(p) //nolint:errcheck // hash writes never fail
		}
		return
	}

	var g errgroup.Group
	for _, h := range s.hashes() {
		g.Go(func() error {
			_, err := h.Write(p)
			return err
		})
	}
	_ = g.Wait() //nolint:errcheck // hash writes never fail
}

func (s *Set) hashes() [3]hash.Hash {
	return [3]hash.Hash{s.crc, s.md5, s.sha1}
}

// CRC returns the CRC32 of everything written so far.
func (s *Set) CRC() uint32 {
	return s.crc.Sum32()
}

// Sums returns the digests of everything written so far.
func (s *Set) Sums() Sums {
	return Sums{
		Size: s.size,
		CRC:  s.crc.Sum(nil),
		MD5:  s.md5.Sum(nil),
		SHA1: s.sha1.Sum(nil),
	}
}

// Empty returns the digests of zero bytes.
func Empty() Sums {
	return New(WithSerial()).Sums()
}
