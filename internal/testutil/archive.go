// Package testutil provides an in-memory archive.Service for engine tests.
package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/meigma/romfix/archive"
)

// fakeHeaderLen is the per-entry overhead used to derive header offsets.
const fakeHeaderLen = 30

// FakeEntry is one entry of an in-memory container.
type FakeEntry struct {
	Name   string
	Method archive.Method
	// Data is the decoded content.
	Data []byte
	// Encoded is the stored form of Data. Put derives it when nil.
	Encoded []byte
	CRC     uint32
	Offset  uint64
}

// FakeContainer is a committed in-memory container.
type FakeContainer struct {
	Timestamp int64
	Entries   []FakeEntry
}

// Faults configures failures injected into streams.
type Faults struct {
	// Read is returned by read streams once ReadAfter bytes were served.
	Read      error
	ReadAfter int
	// Write is returned by every write to a write stream.
	Write error
	// CloseWrite is returned by CloseWriteStream.
	CloseWrite error
	// Create is returned by Create.
	Create error
}

// Stats counts calls observed by an ArchiveService.
type Stats struct {
	Creates     int
	RawReads    int
	DecodedRead int
	OffsetReads int
	// Discards counts pending entries dropped by DiscardEntry.
	Discards  int
	Rollbacks int
	Closes    int
}

// ArchiveService is an in-memory archive.Service. Non-stored methods are
// "encoded" by inverting every byte so raw and decoded streams differ.
type ArchiveService struct {
	mu         sync.Mutex
	containers map[string]*FakeContainer
	faults     Faults
	stats      Stats
	clock      int64
}

var _ archive.Service = (*ArchiveService)(nil)

// NewArchiveService returns an empty service.
func NewArchiveService() *ArchiveService {
	return &ArchiveService{containers: make(map[string]*FakeContainer)}
}

// Put stores a container at path and returns its timestamp.
func (s *ArchiveService) Put(path string, entries ...FakeEntry) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &FakeContainer{Timestamp: s.tick()}
	var offset uint64
	for _, e := range entries {
		if e.Encoded == nil {
			e.Encoded = Encode(e.Data, e.Method)
		}
		if e.CRC == 0 && e.Data != nil {
			e.CRC = crc32.ChecksumIEEE(e.Data)
		}
		e.Offset = offset
		offset += fakeHeaderLen + uint64(len(e.Name)) + uint64(len(e.Encoded))
		c.Entries = append(c.Entries, e)
	}
	s.containers[abs(path)] = c
	return c.Timestamp
}

// Container returns the committed container at path.
func (s *ArchiveService) Container(path string) (*FakeContainer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[abs(path)]
	return c, ok
}

// SetFaults replaces the injected faults.
func (s *ArchiveService) SetFaults(f Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

// Stats returns a snapshot of the call counters.
func (s *ArchiveService) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *ArchiveService) tick() int64 {
	s.clock++
	return s.clock
}

// Open implements archive.Service.
func (s *ArchiveService) Open(path string, expectedTimestamp int64, _ bool) (archive.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.containers[abs(path)]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, archive.ErrNotFound)
	}
	if c.Timestamp != expectedTimestamp {
		return nil, fmt.Errorf("open %s: %w", path, archive.ErrTimestamp)
	}
	return &fakeReader{svc: s, path: path, c: c}, nil
}

// Create implements archive.Service.
func (s *ArchiveService) Create(path string) (archive.Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.faults.Create != nil {
		return nil, s.faults.Create
	}
	p := abs(path)
	if _, ok := s.containers[p]; ok {
		return nil, fmt.Errorf("create %s: %w", path, os.ErrExist)
	}
	s.stats.Creates++
	return &fakeWriter{svc: s, path: p, open: true}, nil
}

type fakeReader struct {
	svc    *ArchiveService
	path   string
	c      *FakeContainer
	stream bool
}

func (r *fakeReader) OpenReadStream(index int, raw bool) (io.Reader, uint64, archive.Method, error) {
	if index < 0 || index >= len(r.c.Entries) {
		return nil, 0, 0, fmt.Errorf("open %s: entry index %d out of range", r.path, index)
	}
	return r.open(r.c.Entries[index], raw)
}

func (r *fakeReader) OpenReadStreamAt(offset uint64, raw bool) (io.Reader, uint64, archive.Method, error) {
	for _, e := range r.c.Entries {
		if e.Offset == offset {
			r.svc.mu.Lock()
			r.svc.stats.OffsetReads++
			r.svc.mu.Unlock()
			return r.open(e, raw)
		}
	}
	return nil, 0, 0, fmt.Errorf("open %s: no entry at %d", r.path, offset)
}

func (r *fakeReader) open(e FakeEntry, raw bool) (io.Reader, uint64, archive.Method, error) {
	if r.stream {
		return nil, 0, 0, errors.New("testutil: read stream already open")
	}
	r.stream = true

	s := r.svc
	s.mu.Lock()
	faults := s.faults
	if raw {
		s.stats.RawReads++
	} else {
		s.stats.DecodedRead++
	}
	s.mu.Unlock()

	data := Decode(e.Encoded, e.Method)
	if raw {
		data = e.Encoded
	}
	var stream io.Reader = bytes.NewReader(data)
	if faults.Read != nil {
		stream = &failingReader{r: stream, after: faults.ReadAfter, err: faults.Read}
	}
	return stream, uint64(len(data)), e.Method, nil
}

func (r *fakeReader) CloseReadStream() error {
	if !r.stream {
		return archive.ErrNoStream
	}
	r.stream = false
	return nil
}

func (r *fakeReader) Close() error {
	r.stream = false
	return nil
}

type fakeWriter struct {
	svc     *ArchiveService
	path    string
	open    bool
	entries []FakeEntry
	current *FakeEntry
	pending *FakeEntry
	raw     bool
	buf     bytes.Buffer
	offset  uint64
}

func (w *fakeWriter) Path() string   { return w.path }
func (w *fakeWriter) Writable() bool { return w.open }

func (w *fakeWriter) OpenWriteStream(opts archive.WriteOptions) (io.Writer, error) {
	if !w.open {
		return nil, archive.ErrNotWritable
	}
	if w.current != nil || w.pending != nil {
		return nil, errors.New("testutil: an entry is still pending")
	}
	w.current = &FakeEntry{Name: opts.Name, Method: opts.Method}
	w.raw = opts.Raw
	w.buf.Reset()

	w.svc.mu.Lock()
	fault := w.svc.faults.Write
	w.svc.mu.Unlock()
	if fault != nil {
		return &failingWriter{err: fault}, nil
	}
	return &w.buf, nil
}

func (w *fakeWriter) CloseWriteStream(crc uint32) error {
	if !w.open {
		return archive.ErrNotWritable
	}
	if w.current == nil {
		return archive.ErrNoStream
	}
	w.svc.mu.Lock()
	fault := w.svc.faults.CloseWrite
	w.svc.mu.Unlock()
	if fault != nil {
		return fault
	}

	e := *w.current
	w.current = nil
	written := bytes.Clone(w.buf.Bytes())
	if w.raw {
		e.Encoded = written
		e.Data = Decode(written, e.Method)
	} else {
		e.Data = written
		e.Encoded = Encode(written, e.Method)
	}
	e.CRC = crc
	w.pending = &e
	return nil
}

func (w *fakeWriter) AddDirectory(name string) error {
	if !w.open {
		return archive.ErrNotWritable
	}
	if w.current != nil || w.pending != nil {
		return errors.New("testutil: an entry is still pending")
	}
	w.pending = &FakeEntry{Name: name, Data: []byte{}, Encoded: []byte{}}
	return nil
}

func (w *fakeWriter) CommitEntry() (uint64, error) {
	if !w.open {
		return 0, archive.ErrNotWritable
	}
	if w.pending == nil {
		return 0, archive.ErrNoStream
	}
	e := *w.pending
	w.pending = nil
	e.Offset = w.offset
	w.offset += fakeHeaderLen + uint64(len(e.Name)) + uint64(len(e.Encoded))
	w.entries = append(w.entries, e)
	return e.Offset, nil
}

func (w *fakeWriter) DiscardEntry() error {
	if !w.open {
		return archive.ErrNotWritable
	}
	if w.current == nil && w.pending == nil {
		return nil
	}
	w.current = nil
	w.pending = nil
	w.svc.mu.Lock()
	w.svc.stats.Discards++
	w.svc.mu.Unlock()
	return nil
}

func (w *fakeWriter) EntryCount() int {
	return len(w.entries)
}

func (w *fakeWriter) HeaderOffset(index int) (uint64, error) {
	if index < 0 || index >= len(w.entries) {
		return 0, fmt.Errorf("testutil: entry index %d out of range", index)
	}
	return w.entries[index].Offset, nil
}

func (w *fakeWriter) Rollback() error {
	if !w.open {
		return archive.ErrNotWritable
	}
	w.open = false
	w.svc.mu.Lock()
	w.svc.stats.Rollbacks++
	w.svc.mu.Unlock()
	return nil
}

func (w *fakeWriter) Close() error {
	if !w.open {
		return archive.ErrNotWritable
	}
	w.open = false
	w.svc.mu.Lock()
	defer w.svc.mu.Unlock()
	w.svc.stats.Closes++
	w.svc.containers[w.path] = &FakeContainer{Timestamp: w.svc.tick(), Entries: w.entries}
	return nil
}

// Encode returns the stored form of data for method.
func Encode(data []byte, method archive.Method) []byte {
	if method == archive.MethodStore {
		return bytes.Clone(data)
	}
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = ^b
	}
	return out
}

// Decode reverses Encode.
func Decode(encoded []byte, method archive.Method) []byte {
	return Encode(encoded, method)
}

type failingReader struct {
	r     io.Reader
	after int
	read  int
	err   error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.read >= f.after {
		return 0, f.err
	}
	if len(p) > f.after-f.read {
		p = p[:f.after-f.read]
	}
	n, err := f.r.Read(p)
	f.read += n
	if errors.Is(err, io.EOF) && f.read < f.after {
		return n, err
	}
	return n, nil
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write([]byte) (int, error) {
	return 0, f.err
}

func abs(path string) string {
	p, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return p
}
