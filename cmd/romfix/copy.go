package main

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/meigma/romfix"
	"github.com/meigma/romfix/archive/szarchive"
	"github.com/meigma/romfix/archive/ziparchive"
	"github.com/meigma/romfix/catalog"
)

// location is a command-line path, optionally naming an entry inside an
// archive.
type location struct {
	// archive is the container path, empty for plain files.
	archive string
	kind    catalog.Kind
	// entry is the entry name inside archive, or the plain file path.
	entry string
}

// parseLocation splits "set.zip:name" and "set.7z:name" into container and
// entry. A bare ".zip" path is an archive with no entry named.
func parseLocation(s string) location {
	lower := strings.ToLower(s)
	for _, c := range []struct {
		suffix string
		kind   catalog.Kind
	}{
		{".zip", catalog.KindZip},
		{".7z", catalog.KindSevenZip},
	} {
		if i := strings.LastIndex(lower, c.suffix+":"); i >= 0 {
			cut := i + len(c.suffix)
			return location{archive: s[:cut], kind: c.kind, entry: s[cut+1:]}
		}
		if strings.HasSuffix(lower, c.suffix) {
			return location{archive: s, kind: c.kind}
		}
	}
	return location{kind: catalog.KindDir, entry: s}
}

func (l location) isArchive() bool {
	return l.archive != ""
}

func (l location) String() string {
	if !l.isArchive() {
		return l.entry
	}
	if l.entry == "" {
		return l.archive
	}
	return l.archive + ":" + l.entry
}

type copyFlags struct {
	fixLevel    string
	forceRaw    bool
	conformant  bool
	bufferSize  int
	scratchName string
	serial      bool
}

func runCopy(logger *slog.Logger, args []string, stdout, stderr io.Writer) error {
	var flags copyFlags

	flagSet := pflag.NewFlagSet("copy", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&flags.fixLevel, "fix-level", romfix.FixTrustConformant.String(),
		"raw copy policy: trust-conformant, trust-conformant-verified, reencode, raw-always, raw-if-verified, raw-never")
	flagSet.BoolVar(&flags.forceRaw, "force-raw", false, "copy zip entries raw regardless of the fix level")
	flagSet.BoolVar(&flags.conformant, "conformant", false, "treat zip sources as conformant")
	flagSet.IntVar(&flags.bufferSize, "buffer-size", romfix.DefaultBufferSize, "transfer chunk size in bytes")
	flagSet.StringVar(&flags.scratchName, "scratch-name", romfix.DefaultScratchName, "destination name that may be replaced")
	flagSet.BoolVar(&flags.serial, "serial-hashing", false, "hash on the copying goroutine")
	flagSet.Usage = func() {
		fmt.Fprintf(stderr, "Usage: romfix copy [flags] SRC... DST\n\nFlags:\n%s", flagSet.FlagUsages())
	}

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	rest := flagSet.Args()
	if len(rest) < 2 {
		flagSet.Usage()
		return errors.New("copy needs at least one source and a destination")
	}

	level, err := romfix.ParseFixLevel(flags.fixLevel)
	if err != nil {
		return err
	}
	opts := []romfix.Option{
		romfix.WithFixLevel(level),
		romfix.WithBufferSize(flags.bufferSize),
		romfix.WithScratchName(flags.scratchName),
		romfix.WithLogger(logger),
	}
	if flags.serial {
		opts = append(opts, romfix.WithSerialHashing())
	}
	eng := romfix.New(opts...)

	srcs := make([]location, 0, len(rest)-1)
	for _, s := range rest[:len(rest)-1] {
		srcs = append(srcs, parseLocation(s))
	}
	dst := parseLocation(rest[len(rest)-1])

	plan, err := planCopies(srcs, dst)
	if err != nil {
		return err
	}

	dest := romfix.NewDestination()
	for _, step := range plan {
		src, err := sourceEntity(step.src, flags.conformant)
		if err != nil {
			return errors.Join(err, dest.Close())
		}
		target := destEntity(step.dst, src)

		res, err := eng.Copy(romfix.Request{
			Source:   src,
			Dest:     target,
			Archive:  dest,
			Path:     step.path,
			ForceRaw: flags.forceRaw,
		})
		if err != nil {
			// Entries already reported above stay in the destination.
			if res.Found != nil {
				fmt.Fprintf(stdout, "found %s\n", describe(res.Found))
			}
			return errors.Join(fmt.Errorf("copy %s to %s: %s: %w", step.src, step.dst, res.Outcome, err), dest.Close())
		}
		fmt.Fprintf(stdout, "%s -> %s raw=%t %s\n", step.src, step.dst, res.Raw, describe(target))
	}
	return dest.Close()
}

type copyStep struct {
	src  location
	dst  location
	path string
}

// planCopies resolves every source to its destination name.
func planCopies(srcs []location, dst location) ([]copyStep, error) {
	if dst.isArchive() {
		if dst.kind != catalog.KindZip {
			return nil, fmt.Errorf("cannot write to %s: only zip archives can be created", dst.archive)
		}
		if dst.entry != "" && len(srcs) > 1 {
			return nil, fmt.Errorf("destination %s names one entry but %d sources were given", dst, len(srcs))
		}
		steps := make([]copyStep, 0, len(srcs))
		for _, src := range srcs {
			name := dst.entry
			if name == "" {
				name = baseName(src)
			}
			steps = append(steps, copyStep{
				src:  src,
				dst:  location{archive: dst.archive, kind: dst.kind, entry: name},
				path: dst.archive,
			})
		}
		return steps, nil
	}

	if len(srcs) != 1 {
		if info, err := os.Stat(dst.entry); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("copying %d sources needs a zip or a directory destination", len(srcs))
		}
	}
	steps := make([]copyStep, 0, len(srcs))
	for _, src := range srcs {
		target := dst.entry
		if info, err := os.Stat(target); err == nil && info.IsDir() {
			target = filepath.Join(target, baseName(src))
		}
		steps = append(steps, copyStep{src: src, dst: location{kind: catalog.KindDir, entry: target}, path: target})
	}
	return steps, nil
}

func baseName(l location) string {
	if l.isArchive() {
		return path.Base(l.entry)
	}
	return filepath.Base(l.entry)
}

// sourceEntity builds a scanned entity for l from what is on disk now.
func sourceEntity(l location, conformant bool) (*catalog.File, error) {
	if !l.isArchive() {
		return plainEntity(l.entry)
	}
	if l.entry == "" {
		return nil, fmt.Errorf("source %s names no entry", l.archive)
	}

	abs, err := filepath.Abs(l.archive)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	parent := catalog.NewContainer(l.kind, abs)
	parent.Timestamp = info.ModTime().UnixNano()
	parent.Presence = catalog.Got

	var f *catalog.File
	switch l.kind {
	case catalog.KindZip:
		parent.Conformant = conformant
		entries, err := ziparchive.ListEntries(abs)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Name == l.entry {
				f = archiveEntity(catalog.KindZipEntry, e.Name, e.Index, e.Size, e.CRC)
				break
			}
		}
	case catalog.KindSevenZip:
		entries, err := szarchive.ListEntries(abs)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Name == l.entry {
				f = archiveEntity(catalog.KindSevenZipEntry, e.Name, e.Index, e.Size, e.CRC)
				break
			}
		}
	}
	if f == nil {
		return nil, fmt.Errorf("%s has no entry %q", l.archive, l.entry)
	}
	parent.Add(f)
	return f, nil
}

func archiveEntity(kind catalog.Kind, name string, index int, size uint64, crc uint32) *catalog.File {
	f := catalog.NewFile(kind, name)
	f.Size = catalog.Uint64(size)
	f.CRC = binary.BigEndian.AppendUint32(nil, crc)
	f.Status.Size = catalog.FromHeader
	f.Status.CRC = catalog.FromHeader
	f.EntryIndex = index
	f.Presence = catalog.Got
	return f
}

func plainEntity(p string) (*catalog.File, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("source %s is a directory", p)
	}

	dir := catalog.NewContainer(catalog.KindDir, filepath.Dir(abs))
	f := catalog.NewFile(catalog.KindFile, filepath.Base(abs))
	f.Size = catalog.Uint64(uint64(info.Size())) //nolint:gosec // sizes are never negative
	f.Timestamp = info.ModTime().UnixNano()
	f.Presence = catalog.Got
	dir.Add(f)
	return f, nil
}

// destEntity describes the copy of src at l. The size is carried over so
// empty sources take the zero-length path.
func destEntity(l location, src *catalog.File) *catalog.File {
	kind := catalog.KindFile
	name := filepath.Base(l.entry)
	if l.isArchive() {
		kind = catalog.KindZipEntry
		name = l.entry
	}
	f := catalog.NewFile(kind, name)
	if src.Size != nil {
		f.Size = catalog.Uint64(*src.Size)
	}
	return f
}

func describe(f *catalog.File) string {
	var b strings.Builder
	if f.Size != nil {
		fmt.Fprintf(&b, "size=%d", *f.Size)
	}
	for _, c := range []catalog.Checksum{catalog.CRC, catalog.MD5, catalog.SHA1} {
		if v := f.Sum(c); v != nil {
			fmt.Fprintf(&b, " %s=%s", c, hex.EncodeToString(v))
		}
	}
	return strings.TrimSpace(b.String())
}
