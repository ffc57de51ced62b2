package romfix

import (
	"errors"
	"fmt"
	"io"

	"github.com/meigma/romfix/archive"
	"github.com/meigma/romfix/internal/hashset"
)

// transfer copies in.size bytes from in to out through one shared buffer.
// When hashes is non-nil every chunk is hashed before the buffer is reused.
func (e *Engine) transfer(in *input, out io.Writer, hashes *hashset.Set) error {
	if in.size == 0 {
		return nil
	}
	buf := make([]byte, min(uint64(e.bufferSize), in.size)) //nolint:gosec // bufferSize is positive

	remaining := in.size
	for remaining > 0 {
		chunk := buf[:min(uint64(len(buf)), remaining)]
		if _, err := io.ReadFull(in.r, chunk); err != nil {
			return readError(err)
		}
		if hashes != nil {
			hashes.Write(chunk)
		}
		if _, err := out.Write(chunk); err != nil {
			return fmt.Errorf("%w: write: %w", ErrFilesystem, err)
		}
		remaining -= uint64(len(chunk))
	}
	return nil
}

// readError classifies a source read failure.
func readError(err error) error {
	if errors.Is(err, archive.ErrStreamCorrupt) {
		return fmt.Errorf("%w: %w", ErrSourceStream, err)
	}
	return fmt.Errorf("%w: read: %w", ErrFilesystem, err)
}

func (e *Engine) newHashSet() *hashset.Set {
	if e.serial {
		return hashset.New(hashset.WithSerial())
	}
	return hashset.New()
}
