package ziparchive

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/meigma/romfix/archive"
)

// decode wraps the stored bytes of an entry in the decoder for method.
// Failures raised by the decoder itself are reported as
// archive.ErrStreamCorrupt; failures of the underlying file pass through.
func (s *Service) decode(stored io.Reader, method archive.Method) (io.Reader, func(), error) {
	src := &sourceReader{r: stored}

	switch method {
	case archive.MethodStore:
		return &entryReader{r: src, src: src}, func() {}, nil
	case archive.MethodDeflate:
		fr := flate.NewReader(src)
		return &entryReader{r: fr, src: src}, func() { _ = fr.Close() }, nil
	case archive.MethodZstd:
		dec, release, err := s.zstd.acquire(src)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", archive.ErrStreamCorrupt, err)
		}
		return &entryReader{r: dec, src: src}, release, nil
	default:
		return nil, nil, fmt.Errorf("%w: compression method %d", archive.ErrUnsupported, method)
	}
}

// sourceReader remembers the first error returned by the stored bytes so
// decoder errors can be told apart from I/O errors.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && s.err == nil {
		s.err = err
	}
	return n, err
}

type entryReader struct {
	r   io.Reader
	src *sourceReader
}

func (e *entryReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	if e.src.err != nil {
		return n, err
	}
	return n, fmt.Errorf("%w: %w", archive.ErrStreamCorrupt, err)
}
