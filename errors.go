package romfix

import "errors"

// Sentinel errors, one per failure outcome. Errors returned by
// [Engine.Copy] wrap exactly one of these, and usually the underlying
// system error as well.
var (
	// ErrRescanNeeded is returned when the files on disk no longer match
	// what the catalog recorded.
	ErrRescanNeeded = errors.New("romfix: rescan needed")

	// ErrLogic is returned when the caller violated an invariant of the
	// engine, or a verified checksum changed.
	ErrLogic = errors.New("romfix: logic error")

	// ErrFilesystem is returned for I/O failures opening, reading or writing.
	ErrFilesystem = errors.New("romfix: filesystem error")

	// ErrSourceStream is returned when the source entry is internally
	// corrupt.
	ErrSourceStream = errors.New("romfix: source stream corrupt")

	// ErrSourceMismatch is returned when the source content disagrees with
	// the catalog. The result carries a found-file record.
	ErrSourceMismatch = errors.New("romfix: source checksum mismatch")

	// ErrDestinationMismatch is returned when the written content disagrees
	// with the checksums the catalog declares for the destination.
	ErrDestinationMismatch = errors.New("romfix: destination checksum mismatch")
)

// Outcome is the terminal state of one copy.
type Outcome uint8

const (
	Success Outcome = iota
	RescanNeeded
	LogicError
	FilesystemError
	SourceChecksumStreamError
	SourceChecksumMismatch
	DestinationChecksumMismatch
)

var outcomeErrors = []struct {
	outcome Outcome
	err     error
}{
	{RescanNeeded, ErrRescanNeeded},
	{LogicError, ErrLogic},
	{FilesystemError, ErrFilesystem},
	{SourceChecksumStreamError, ErrSourceStream},
	{SourceChecksumMismatch, ErrSourceMismatch},
	{DestinationChecksumMismatch, ErrDestinationMismatch},
}

// OutcomeOf maps an error returned by [Engine.Copy] back to its outcome.
// Errors that wrap no outcome sentinel are reported as FilesystemError.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return Success
	}
	for _, oe := range outcomeErrors {
		if errors.Is(err, oe.err) {
			return oe.outcome
		}
	}
	return FilesystemError
}

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RescanNeeded:
		return "rescan-needed"
	case LogicError:
		return "logic-error"
	case FilesystemError:
		return "filesystem-error"
	case SourceChecksumStreamError:
		return "source-stream-error"
	case SourceChecksumMismatch:
		return "source-checksum-mismatch"
	case DestinationChecksumMismatch:
		return "destination-checksum-mismatch"
	default:
		return "unknown"
	}
}
