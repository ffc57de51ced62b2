package main

import (
	"bytes"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/romfix/archive/ziparchive"
	"github.com/meigma/romfix/catalog"
)

func TestParseLocation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want location
	}{
		{in: "game.bin", want: location{kind: catalog.KindDir, entry: "game.bin"}},
		{in: "set.zip", want: location{archive: "set.zip", kind: catalog.KindZip}},
		{in: "dir/Set.ZIP:disk/a.bin", want: location{archive: "dir/Set.ZIP", kind: catalog.KindZip, entry: "disk/a.bin"}},
		{in: "set.7z:a.bin", want: location{archive: "set.7z", kind: catalog.KindSevenZip, entry: "a.bin"}},
		{in: "x.zip.d/y.zip:z", want: location{archive: "x.zip.d/y.zip", kind: catalog.KindZip, entry: "z"}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got := parseLocation(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(args, &stdout, &stderr)
	return stdout.String(), err
}

func TestCopyThroughZip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.bin")
	require.NoError(t, os.WriteFile(a, []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(b, bytes.Repeat([]byte("rom"), 1000), 0o644))
	zipPath := filepath.Join(dir, "set.zip")

	out, err := runCLI(t, "copy", "--buffer-size", "128", a, b, zipPath)
	require.NoError(t, err)
	assert.Contains(t, out, "crc=3610a686")

	entries, err := ziparchive.ListEntries(zipPath)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.bin", entries[0].Name)
	assert.Equal(t, "b.bin", entries[1].Name)

	back := filepath.Join(dir, "back.bin")
	_, err = runCLI(t, "copy", zipPath+":b.bin", back)
	require.NoError(t, err)
	got, err := os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("rom"), 1000), got)

	_, err = runCLI(t, "copy", a, back)
	require.ErrorContains(t, err, "rescan-needed")
}

func TestFailedCopyKeepsEarlierEntries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(a, []byte("hello"), 0o644))

	// A stored entry whose header CRC does not match its bytes.
	bad := filepath.Join(dir, "bad.zip")
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	content := []byte("damaged")
	w, err := zw.CreateRaw(&zip.FileHeader{
		Name:               "x.bin",
		Method:             zip.Store,
		CRC32:              crc32.ChecksumIEEE(content) + 1,
		CompressedSize64:   uint64(len(content)),
		UncompressedSize64: uint64(len(content)),
	})
	require.NoError(t, err)
	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(bad, buf.Bytes(), 0o644))

	tests := []struct {
		name   string
		second string
	}{
		{name: "missing source", second: filepath.Join(dir, "missing.bin")},
		{name: "corrupt source", second: bad + ":x.bin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			zipPath := filepath.Join(t.TempDir(), "set.zip")
			out, err := runCLI(t, "copy", a, tt.second, zipPath)
			require.Error(t, err)
			assert.Contains(t, out, "crc=3610a686")

			entries, err := ziparchive.ListEntries(zipPath)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "a.bin", entries[0].Name)
		})
	}
}

func TestCopyRejectsBadArguments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(a, []byte("x"), 0o644))

	tests := []struct {
		name string
		args []string
	}{
		{name: "no destination", args: []string{"copy", a}},
		{name: "7z destination", args: []string{"copy", a, filepath.Join(dir, "out.7z")}},
		{name: "two sources into one entry", args: []string{"copy", a, a, filepath.Join(dir, "out.zip:x")}},
		{name: "two sources into a file", args: []string{"copy", a, a, filepath.Join(dir, "out.bin")}},
		{name: "unknown fix level", args: []string{"copy", "--fix-level", "maybe", a, filepath.Join(dir, "out.bin")}},
		{name: "missing entry", args: []string{"copy", filepath.Join(dir, "none.zip:a"), filepath.Join(dir, "out.bin")}},
		{name: "unknown command", args: []string{"frobnicate"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := runCLI(t, tt.args...)
			require.Error(t, err)
		})
	}
}

func TestCatalogInitAndDump(t *testing.T) {
	t.Parallel()

	db := filepath.Join(t.TempDir(), "romfix.cat")

	out, err := runCLI(t, "catalog", "init", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+db)

	out, err = runCLI(t, "catalog", "dump", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "RomVault/")
	assert.Contains(t, out, "ToSort/")

	_, err = runCLI(t, "catalog", "init", "--db", db)
	require.NoError(t, err)
	_, err = runCLI(t, "catalog", "dump", "--db", db, "--backup")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(db, []byte("junk"), 0o644))
	out, err = runCLI(t, "catalog", "init", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "warning:")
}
