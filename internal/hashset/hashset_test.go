package hashset

import (
	"crypto/md5"  //nolint:gosec // test vectors
	"crypto/sha1" //nolint:gosec // test vectors
	"encoding/binary"
	"encoding/hex"
	"hash/crc32"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetMatchesDirectHashing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		size  int
		chunk int
	}{
		{name: "one byte", size: 1, chunk: 8},
		{name: "one small chunk", size: 4096, chunk: 4096},
		{name: "one parallel chunk", size: ParallelThreshold, chunk: ParallelThreshold},
		{name: "several chunks plus remainder", size: 3*ParallelThreshold + 17, chunk: ParallelThreshold},
	}

	for _, tt := range tests {
		for _, serial := range []bool{false, true} {
			t.Run(tt.name, func(t *testing.T) {
				t.Parallel()

				data := make([]byte, tt.size)
				rng := rand.New(rand.NewPCG(uint64(tt.size), 7)) //nolint:gosec // test data
				for i := range data {
					data[i] = byte(rng.Uint32())
				}

				var opts []Option
				if serial {
					opts = append(opts, WithSerial())
				}
				s := New(opts...)
				buf := make([]byte, tt.chunk)
				for off := 0; off < len(data); off += tt.chunk {
					n := copy(buf, data[off:])
					s.Write(buf[:n])
				}

				got := s.Sums()
				wantMD5 := md5.Sum(data)   //nolint:gosec // test vectors
				wantSHA1 := sha1.Sum(data) //nolint:gosec // test vectors
				assert.Equal(t, uint64(tt.size), got.Size)
				assert.Equal(t, crc32.ChecksumIEEE(data), binary.BigEndian.Uint32(got.CRC))
				assert.Equal(t, crc32.ChecksumIEEE(data), s.CRC())
				assert.Equal(t, wantMD5[:], got.MD5)
				assert.Equal(t, wantSHA1[:], got.SHA1)
			})
		}
	}
}

func TestEmpty(t *testing.T) {
	t.Parallel()

	sums := Empty()
	require.Zero(t, sums.Size)
	assert.Equal(t, "00000000", hex.EncodeToString(sums.CRC))
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", hex.EncodeToString(sums.MD5))
	assert.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", hex.EncodeToString(sums.SHA1))
}
