package romfix

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/meigma/romfix/archive"
	"github.com/meigma/romfix/catalog"
	"github.com/meigma/romfix/internal/hashset"
)

// Request describes one copy.
type Request struct {
	// Source is the file to read.
	Source *catalog.File
	// Dest is the entity describing the copy. It is updated in place on
	// success.
	Dest *catalog.File
	// Archive is the destination container session. Required when Dest is
	// an archive entry.
	Archive *Destination
	// Path is the destination container for archive entries, or the
	// destination file path otherwise.
	Path string
	// ForceRaw copies zip entries raw regardless of the fix level.
	ForceRaw bool
}

// Result reports how a copy ended.
type Result struct {
	Outcome Outcome
	// Raw reports whether the entry was copied without decoding.
	Raw bool
	// Found describes the content actually read when the outcome is
	// SourceChecksumMismatch.
	Found *catalog.File
}

// Copy copies req.Source to req.Dest. On failure the returned error wraps
// the sentinel of the outcome, the destination holds no trace of the copy,
// and req.Dest is unchanged.
func (e *Engine) Copy(req Request) (Result, error) {
	if req.Source == nil || req.Dest == nil {
		return Result{Outcome: LogicError}, fmt.Errorf("%w: copy needs a source and a destination", ErrLogic)
	}

	res, err := e.copy(req)
	res.Outcome = OutcomeOf(err)
	if err != nil {
		e.logger.Warn("copy failed",
			slog.String("source", req.Source.FullPath()),
			slog.String("dest", req.Path),
			slog.String("outcome", res.Outcome.String()),
			slog.Any("error", err))
		return res, err
	}
	e.logger.Debug("copied",
		slog.String("source", req.Source.FullPath()),
		slog.String("dest", req.Path),
		slog.Bool("raw", res.Raw))
	return res, nil
}

func (e *Engine) copy(req Request) (Result, error) {
	src, dst := req.Source, req.Dest

	if isZeroLength(dst) {
		return Result{}, e.copyEmpty(req)
	}
	if err := checkPairing(src, dst); err != nil {
		return Result{}, err
	}
	if src.Size == nil {
		return Result{}, fmt.Errorf("%w: source %s has no size", ErrLogic, src.Name)
	}

	raw := RawCopy(src, dst, req.ForceRaw, e.level)
	if raw && len(src.CRC) != 4 {
		return Result{}, fmt.Errorf("%w: raw copy of %s without a crc", ErrLogic, src.Name)
	}
	res := Result{Raw: raw}

	in, err := e.openInput(src, raw)
	if err != nil {
		return res, err
	}

	method := in.method
	if !raw && e.level.ConformanceAware() {
		method = archive.MethodDeflate
	}
	out, err := e.openOutput(req, writeSpec{
		size:       *src.Size,
		raw:        raw,
		conformant: in.conformant,
		method:     method,
	})
	if err != nil {
		_ = in.close()
		return res, err
	}

	var hashes *hashset.Set
	if !raw {
		hashes = e.newHashSet()
	}
	if err := e.transfer(in, out, hashes); err != nil {
		_ = in.close()
		return res, e.abort(out, err)
	}

	var got digests
	if raw {
		got = trustedDigests(src)
	} else {
		got = fromSums(hashes.Sums())
	}

	if err := in.close(); err != nil {
		return res, e.abort(out, fmt.Errorf("%w: close source %s: %w", ErrFilesystem, src.Name, err))
	}
	if err := out.finish(binary.BigEndian.Uint32(got.crc)); err != nil {
		return res, e.abort(out, fmt.Errorf("%w: close destination %s: %w", ErrFilesystem, dst.Name, err))
	}

	if !raw {
		found, err := reconcileSource(src, got)
		if err != nil {
			res.Found = found
			return res, e.abort(out, err)
		}
	}

	return res, e.finalize(out, src, dst, got, raw)
}

// copyEmpty writes a zero-length destination without reading the source.
func (e *Engine) copyEmpty(req Request) error {
	out, err := e.openOutput(req, writeSpec{
		method:    archive.MethodDeflate,
		directory: req.Dest.Kind.IsArchiveEntry() && strings.HasSuffix(req.Dest.Name, "/"),
	})
	if err != nil {
		return err
	}
	got := fromSums(hashset.Empty())
	if err := out.finish(0); err != nil {
		return e.abort(out, fmt.Errorf("%w: close destination %s: %w", ErrFilesystem, req.Dest.Name, err))
	}
	return e.finalize(out, req.Source, req.Dest, got, false)
}

// finalize checks the destination, commits it and records the result on
// dst.
func (e *Engine) finalize(out output, src, dst *catalog.File, got digests, raw bool) error {
	if err := checkDestination(dst, got); err != nil {
		return e.abort(out, err)
	}
	if err := out.commit(); err != nil {
		return e.abort(out, fmt.Errorf("%w: commit %s: %w", ErrFilesystem, dst.Name, err))
	}
	adoptDestination(src, dst, got, raw)
	out.record(dst)
	return nil
}

// abort rolls out back and returns cause.
func (e *Engine) abort(out output, cause error) error {
	if err := out.rollback(); err != nil {
		e.logger.Warn("rollback failed", slog.Any("error", err))
		return errors.Join(cause, fmt.Errorf("rollback: %w", err))
	}
	return cause
}

// isZeroLength reports whether dst describes empty content, such as a
// directory marker inside an archive.
func isZeroLength(dst *catalog.File) bool {
	return dst.IsZeroLength() || (dst.Kind.IsArchiveEntry() && strings.HasSuffix(dst.Name, "/"))
}
