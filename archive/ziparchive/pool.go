package ziparchive

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// idleDecoders bounds how many zstd decoders are kept between entries. Only
// one read stream is open per Reader, so a handful covers concurrent Readers.
const idleDecoders = 4

// zstdDecoders hands out zstd decoders for method 93 entries and keeps a few
// idle ones for reuse.
type zstdDecoders struct {
	opts []zstd.DOption
	idle chan *zstd.Decoder
}

func newZstdDecoders(cfg serviceConfig) *zstdDecoders {
	// A single decoding goroutine per stream; entries are read sequentially.
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	if cfg.maxDecoderMemory > 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(cfg.maxDecoderMemory))
	}
	return &zstdDecoders{
		opts: opts,
		idle: make(chan *zstd.Decoder, idleDecoders),
	}
}

// acquire returns a decoder reading src. The returned func hands the decoder
// back and must be called once the stream is done.
func (d *zstdDecoders) acquire(src io.Reader) (*zstd.Decoder, func(), error) {
	select {
	case dec := <-d.idle:
		if err := dec.Reset(src); err == nil {
			return dec, func() { d.release(dec) }, nil
		}
		dec.Close()
	default:
	}

	dec, err := zstd.NewReader(src, d.opts...)
	if err != nil {
		return nil, nil, err
	}
	return dec, func() { d.release(dec) }, nil
}

func (d *zstdDecoders) release(dec *zstd.Decoder) {
	if err := dec.Reset(nil); err != nil {
		dec.Close()
		return
	}
	select {
	case d.idle <- dec:
	default:
		dec.Close()
	}
}
