package ziparchive

import (
	"bytes"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/romfix/archive"
)

type testEntry struct {
	name    string
	method  archive.Method
	content []byte
}

func testEntries() []testEntry {
	return []testEntry{
		{name: "stored.bin", method: archive.MethodStore, content: []byte("stored content")},
		{name: "deflated.bin", method: archive.MethodDeflate, content: bytes.Repeat([]byte("deflate me "), 512)},
		{name: "zstd.bin", method: archive.MethodZstd, content: bytes.Repeat([]byte("zstd body "), 512)},
	}
}

// writeZip creates a container at path holding entries, re-encoding each.
func writeZip(t *testing.T, svc *Service, path string, entries []testEntry) *Writer {
	t.Helper()

	aw, err := svc.Create(path)
	require.NoError(t, err)
	w := aw.(*Writer)
	for _, e := range entries {
		dst, err := w.OpenWriteStream(archive.WriteOptions{
			Name:   e.name,
			Size:   uint64(len(e.content)),
			Method: e.method,
		})
		require.NoError(t, err)
		_, err = dst.Write(e.content)
		require.NoError(t, err)
		require.NoError(t, w.CloseWriteStream(crc32.ChecksumIEEE(e.content)))
		off, err := w.CommitEntry()
		require.NoError(t, err)
		recorded, err := w.HeaderOffset(w.EntryCount() - 1)
		require.NoError(t, err)
		require.Equal(t, recorded, off)
	}
	return w
}

// committedSize returns the size of the container file while it is open.
func committedSize(t *testing.T, path string) int64 {
	t.Helper()

	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}

func fileBytes(t *testing.T, path string) []byte {
	t.Helper()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}

func openZip(t *testing.T, svc *Service, path string) archive.Reader {
	t.Helper()

	info, err := os.Stat(path)
	require.NoError(t, err)
	r, err := svc.Open(path, info.ModTime().UnixNano(), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func readStream(t *testing.T, r archive.Reader, stream io.Reader) []byte {
	t.Helper()

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, r.CloseReadStream())
	return got
}

func TestWriteAndReadByIndex(t *testing.T) {
	t.Parallel()

	svc := New()
	path := filepath.Join(t.TempDir(), "set.zip")
	entries := testEntries()
	w := writeZip(t, svc, path, entries)
	require.Equal(t, len(entries), w.EntryCount())
	require.NoError(t, w.Close())

	r := openZip(t, svc, path)
	for i, e := range entries {
		stream, size, method, err := r.OpenReadStream(i, false)
		require.NoError(t, err, e.name)
		assert.Equal(t, uint64(len(e.content)), size, e.name)
		assert.Equal(t, e.method, method, e.name)
		assert.Equal(t, e.content, readStream(t, r, stream), e.name)
	}

	listed, err := ListEntries(path)
	require.NoError(t, err)
	require.Len(t, listed, len(entries))
	for i, e := range entries {
		assert.Equal(t, e.name, listed[i].Name)
		assert.Equal(t, crc32.ChecksumIEEE(e.content), listed[i].CRC)
		assert.Equal(t, uint64(len(e.content)), listed[i].Size)
	}
}

func TestHeaderOffsetsMatchDirectory(t *testing.T) {
	t.Parallel()

	svc := New()
	path := filepath.Join(t.TempDir(), "set.zip")
	w := writeZip(t, svc, path, testEntries())
	offsets := make([]uint64, w.EntryCount())
	for i := range offsets {
		off, err := w.HeaderOffset(i)
		require.NoError(t, err)
		offsets[i] = off
	}
	_, err := w.HeaderOffset(len(offsets))
	require.Error(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, uint64(0), offsets[0])

	rc, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer rc.Close()
	for i, zf := range rc.File {
		dataOffset, err := zf.DataOffset()
		require.NoError(t, err)
		assert.Equal(t, uint64(dataOffset)-uint64(localHeaderLen+len(zf.Name)+len(zf.Extra)), offsets[i], zf.Name)
	}
}

func TestReadByOffset(t *testing.T) {
	t.Parallel()

	svc := New()
	path := filepath.Join(t.TempDir(), "set.zip")
	entries := testEntries()
	w := writeZip(t, svc, path, entries)
	offsets := make([]uint64, len(entries))
	for i := range entries {
		off, err := w.HeaderOffset(i)
		require.NoError(t, err)
		offsets[i] = off
	}
	require.NoError(t, w.Close())

	r := openZip(t, svc, path)
	for i, e := range entries {
		stream, size, method, err := r.OpenReadStreamAt(offsets[i], false)
		require.NoError(t, err, e.name)
		assert.Equal(t, uint64(len(e.content)), size, e.name)
		assert.Equal(t, e.method, method, e.name)
		assert.Equal(t, e.content, readStream(t, r, stream), e.name)
	}
}

func TestReadByOffsetInlineSizes(t *testing.T) {
	t.Parallel()

	content := []byte("sizes live in the local header")
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	dst, err := zw.CreateRaw(&zip.FileHeader{
		Name:               "inline.bin",
		Method:             zip.Store,
		CRC32:              crc32.ChecksumIEEE(content),
		CompressedSize64:   uint64(len(content)),
		UncompressedSize64: uint64(len(content)),
	})
	require.NoError(t, err)
	_, err = dst.Write(content)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "inline.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	svc := New()
	r := openZip(t, svc, path)
	stream, size, method, err := r.OpenReadStreamAt(0, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(content)), size)
	assert.Equal(t, archive.MethodStore, method)
	assert.Equal(t, content, readStream(t, r, stream))

	_, _, _, err = r.OpenReadStreamAt(3, false)
	require.ErrorIs(t, err, zip.ErrFormat)
}

func TestRawCopyBetweenContainers(t *testing.T) {
	t.Parallel()

	svc := New()
	dir := t.TempDir()
	src := filepath.Join(dir, "src.zip")
	entries := testEntries()
	w := writeZip(t, svc, src, entries)
	require.NoError(t, w.Close())

	deflated := entries[1]
	r := openZip(t, svc, src)
	stream, size, method, err := r.OpenReadStream(1, true)
	require.NoError(t, err)
	assert.Equal(t, archive.MethodDeflate, method)
	encoded := readStream(t, r, stream)
	assert.Equal(t, uint64(len(encoded)), size)
	assert.Less(t, len(encoded), len(deflated.content))

	dst := filepath.Join(dir, "dst.zip")
	aw, err := svc.Create(dst)
	require.NoError(t, err)
	out, err := aw.OpenWriteStream(archive.WriteOptions{
		Name:             deflated.name,
		Size:             uint64(len(deflated.content)),
		Raw:              true,
		SourceConformant: true,
		Method:           method,
	})
	require.NoError(t, err)
	_, err = out.Write(encoded)
	require.NoError(t, err)
	require.NoError(t, aw.CloseWriteStream(crc32.ChecksumIEEE(deflated.content)))
	_, err = aw.CommitEntry()
	require.NoError(t, err)
	assert.True(t, aw.(*Writer).Conformant())
	require.NoError(t, aw.Close())

	listed, err := ListEntries(dst)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, crc32.ChecksumIEEE(deflated.content), listed[0].CRC)
	assert.Equal(t, uint64(len(deflated.content)), listed[0].Size)
	assert.Equal(t, uint64(len(encoded)), listed[0].CompressedSize)

	r2 := openZip(t, svc, dst)
	stream, _, _, err = r2.OpenReadStreamAt(0, false)
	require.NoError(t, err)
	assert.Equal(t, deflated.content, readStream(t, r2, stream))
}

func TestConformant(t *testing.T) {
	t.Parallel()

	svc := New()
	dir := t.TempDir()

	w := writeZip(t, svc, filepath.Join(dir, "deflate.zip"), testEntries()[1:2])
	assert.True(t, w.Conformant())
	require.NoError(t, w.Close())

	w = writeZip(t, svc, filepath.Join(dir, "mixed.zip"), testEntries())
	assert.False(t, w.Conformant())
	require.NoError(t, w.Close())
}

func TestAddDirectory(t *testing.T) {
	t.Parallel()

	svc := New()
	path := filepath.Join(t.TempDir(), "dirs.zip")
	aw, err := svc.Create(path)
	require.NoError(t, err)
	for _, name := range []string{"disk1/", "disk2"} {
		require.NoError(t, aw.AddDirectory(name))
		_, err = aw.CommitEntry()
		require.NoError(t, err)
	}
	assert.Equal(t, 2, aw.EntryCount())
	require.NoError(t, aw.Close())

	listed, err := ListEntries(path)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "disk1/", listed[0].Name)
	assert.Equal(t, "disk2/", listed[1].Name)
	assert.Zero(t, listed[0].Size)
}

func TestDiscardKeepsCommittedEntries(t *testing.T) {
	t.Parallel()

	svc := New()
	dir := t.TempDir()
	path := filepath.Join(dir, "partial.zip")
	entries := testEntries()
	w := writeZip(t, svc, path, entries[:2])
	first, err := w.HeaderOffset(0)
	require.NoError(t, err)
	second, err := w.HeaderOffset(1)
	require.NoError(t, err)
	before := committedSize(t, path)
	content := fileBytes(t, path)

	// A finished but uncommitted entry never reaches the container.
	dst, err := w.OpenWriteStream(archive.WriteOptions{Name: "bad.bin", Size: 4, Method: archive.MethodDeflate})
	require.NoError(t, err)
	_, err = dst.Write([]byte("oops"))
	require.NoError(t, err)
	require.NoError(t, w.CloseWriteStream(crc32.ChecksumIEEE([]byte("oops"))))
	require.NoError(t, w.DiscardEntry())
	assert.Equal(t, content, fileBytes(t, path))

	// Neither does one abandoned mid-write.
	dst, err = w.OpenWriteStream(archive.WriteOptions{Name: "half.bin", Size: 10, Method: archive.MethodZstd})
	require.NoError(t, err)
	_, err = dst.Write([]byte("half"))
	require.NoError(t, err)
	require.NoError(t, w.DiscardEntry())
	assert.Equal(t, content, fileBytes(t, path))

	assert.True(t, w.Writable())
	assert.Equal(t, 2, w.EntryCount())
	require.NoError(t, w.DiscardEntry())

	third := entries[2]
	dst, err = w.OpenWriteStream(archive.WriteOptions{Name: third.name, Size: uint64(len(third.content)), Method: third.method})
	require.NoError(t, err)
	_, err = dst.Write(third.content)
	require.NoError(t, err)
	require.NoError(t, w.CloseWriteStream(crc32.ChecksumIEEE(third.content)))
	last, err := w.CommitEntry()
	require.NoError(t, err)
	assert.Equal(t, uint64(before), last)
	require.NoError(t, w.Close())

	listed, err := ListEntries(path)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, []string{entries[0].name, entries[1].name, third.name},
		[]string{listed[0].Name, listed[1].Name, listed[2].Name})

	r := openZip(t, svc, path)
	for i, off := range []uint64{first, second, last} {
		stream, _, _, err := r.OpenReadStreamAt(off, false)
		require.NoError(t, err)
		assert.Equal(t, entries[i].content, readStream(t, r, stream))
	}

	names, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, names, 1, "staging file left behind")
}

func TestRollbackRemovesUncommittedContainer(t *testing.T) {
	t.Parallel()

	svc := New()
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.zip")
	aw, err := svc.Create(path)
	require.NoError(t, err)
	_, err = aw.OpenWriteStream(archive.WriteOptions{Name: "half.bin", Size: 10, Method: archive.MethodDeflate})
	require.NoError(t, err)
	require.NoError(t, aw.DiscardEntry())
	assert.Zero(t, aw.EntryCount())

	require.NoError(t, aw.Rollback())
	assert.False(t, aw.Writable())
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)
	names, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, names)

	assert.ErrorIs(t, aw.Rollback(), archive.ErrNotWritable)
	assert.ErrorIs(t, aw.DiscardEntry(), archive.ErrNotWritable)
	_, err = aw.OpenWriteStream(archive.WriteOptions{Name: "more.bin"})
	assert.ErrorIs(t, err, archive.ErrNotWritable)
}

func TestLocalHeadersCarrySizes(t *testing.T) {
	t.Parallel()

	svc := New()
	path := filepath.Join(t.TempDir(), "set.zip")
	entries := testEntries()
	w := writeZip(t, svc, path, entries)
	offsets := make([]uint64, len(entries))
	for i := range entries {
		off, err := w.HeaderOffset(i)
		require.NoError(t, err)
		offsets[i] = off
	}
	entriesEnd := committedSize(t, path)
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	for i, off := range offsets {
		h, err := readLocalHeader(bytes.NewReader(raw), off)
		require.NoError(t, err, entries[i].name)
		assert.Zero(t, h.flags&flagDataDescriptor, entries[i].name)
		assert.Equal(t, crc32.ChecksumIEEE(entries[i].content), h.crc, entries[i].name)
		assert.Equal(t, uint32(len(entries[i].content)), h.size, entries[i].name)
	}

	// Without its central directory the container can still be read by
	// offset, so no lookup fell back to the directory.
	require.NoError(t, os.Truncate(path, entriesEnd))
	r := openZip(t, svc, path)
	for i, off := range offsets {
		stream, _, _, err := r.OpenReadStreamAt(off, false)
		require.NoError(t, err, entries[i].name)
		assert.Equal(t, entries[i].content, readStream(t, r, stream), entries[i].name)
	}
	_, _, _, err = r.OpenReadStream(0, false)
	require.Error(t, err)
}

func TestCreateRefusesExisting(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "exists.zip")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := New().Create(path)
	require.ErrorIs(t, err, os.ErrExist)
}

func TestWriteStreamMisuse(t *testing.T) {
	t.Parallel()

	svc := New()
	aw, err := svc.Create(filepath.Join(t.TempDir(), "misuse.zip"))
	require.NoError(t, err)
	defer aw.Rollback() //nolint:errcheck // best-effort cleanup

	assert.ErrorIs(t, aw.CloseWriteStream(0), archive.ErrNoStream)
	_, err = aw.CommitEntry()
	assert.ErrorIs(t, err, archive.ErrNoStream)

	_, err = aw.OpenWriteStream(archive.WriteOptions{Name: "lzma.bin", Method: archive.MethodLZMA})
	assert.ErrorIs(t, err, archive.ErrUnsupported)

	_, err = aw.OpenWriteStream(archive.WriteOptions{Name: "a.bin", Method: archive.MethodStore})
	require.NoError(t, err)
	_, err = aw.OpenWriteStream(archive.WriteOptions{Name: "b.bin", Method: archive.MethodStore})
	assert.Error(t, err)

	require.NoError(t, aw.CloseWriteStream(0))
	_, err = aw.OpenWriteStream(archive.WriteOptions{Name: "b.bin", Method: archive.MethodStore})
	assert.Error(t, err, "closed entry still pending")
	assert.Error(t, aw.AddDirectory("d/"))
}

func TestOpenChecksContainer(t *testing.T) {
	t.Parallel()

	svc := New()
	dir := t.TempDir()

	_, err := svc.Open(filepath.Join(dir, "missing.zip"), 0, false)
	require.ErrorIs(t, err, archive.ErrNotFound)

	path := filepath.Join(dir, "set.zip")
	w := writeZip(t, svc, path, testEntries())
	require.NoError(t, w.Close())
	info, err := os.Stat(path)
	require.NoError(t, err)

	_, err = svc.Open(path, info.ModTime().UnixNano()+1, false)
	require.ErrorIs(t, err, archive.ErrTimestamp)

	r, err := svc.Open(path, info.ModTime().UnixNano(), true)
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

func TestReadStreamLifecycle(t *testing.T) {
	t.Parallel()

	svc := New()
	path := filepath.Join(t.TempDir(), "set.zip")
	w := writeZip(t, svc, path, testEntries())
	require.NoError(t, w.Close())

	r := openZip(t, svc, path)
	require.ErrorIs(t, r.CloseReadStream(), archive.ErrNoStream)

	_, _, _, err := r.OpenReadStream(0, false)
	require.NoError(t, err)
	_, _, _, err = r.OpenReadStream(1, false)
	require.Error(t, err)
	require.NoError(t, r.CloseReadStream())

	_, _, _, err = r.OpenReadStream(99, false)
	require.Error(t, err)
}

func TestCorruptDeflateStream(t *testing.T) {
	t.Parallel()

	svc := New()
	path := filepath.Join(t.TempDir(), "bad.zip")
	aw, err := svc.Create(path)
	require.NoError(t, err)
	out, err := aw.OpenWriteStream(archive.WriteOptions{
		Name:   "bad.bin",
		Size:   64,
		Raw:    true,
		Method: archive.MethodDeflate,
	})
	require.NoError(t, err)
	// Block type 11 is reserved, so the first byte is already invalid.
	_, err = out.Write(bytes.Repeat([]byte{0xff}, 32))
	require.NoError(t, err)
	require.NoError(t, aw.CloseWriteStream(0))
	_, err = aw.CommitEntry()
	require.NoError(t, err)
	require.NoError(t, aw.Close())

	r := openZip(t, svc, path)
	stream, _, _, err := r.OpenReadStream(0, false)
	require.NoError(t, err)
	_, err = io.ReadAll(stream)
	require.ErrorIs(t, err, archive.ErrStreamCorrupt)
	require.NoError(t, r.CloseReadStream())

	stream, _, _, err = r.OpenReadStream(0, true)
	require.NoError(t, err)
	raw, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestZstdDecodersAreReused(t *testing.T) {
	t.Parallel()

	svc := New(WithMaxDecoderMemory(64 << 20))
	path := filepath.Join(t.TempDir(), "set.zip")
	entries := testEntries()
	w := writeZip(t, svc, path, entries)
	require.NoError(t, w.Close())

	r := openZip(t, svc, path)
	for range idleDecoders + 2 {
		stream, _, method, err := r.OpenReadStream(2, false)
		require.NoError(t, err)
		assert.Equal(t, archive.MethodZstd, method)
		assert.Equal(t, entries[2].content, readStream(t, r, stream))
		assert.Len(t, svc.zstd.idle, 1)
	}
}
