package romfix

import (
	"log/slog"

	"github.com/meigma/romfix/archive"
	"github.com/meigma/romfix/archive/szarchive"
	"github.com/meigma/romfix/archive/ziparchive"
	"github.com/meigma/romfix/catalog"
)

const (
	// DefaultBufferSize is the default transfer chunk size (512KB).
	DefaultBufferSize = 512 << 10

	// DefaultScratchName is the default name of a destination that may be
	// replaced without a rescan.
	DefaultScratchName = "__romfix.tmp"
)

// Engine copies catalog files between plain paths and archive entries.
// An Engine is safe for concurrent use as long as concurrent copies share
// neither entities nor a Destination.
type Engine struct {
	level       FixLevel
	bufferSize  int
	scratchName string
	serial      bool
	services    map[catalog.Kind]archive.Service
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithFixLevel sets the raw-copy trust policy.
// Default: FixTrustConformant.
func WithFixLevel(level FixLevel) Option {
	return func(e *Engine) {
		e.level = level
	}
}

// WithBufferSize sets the transfer chunk size.
// Values below 1 are ignored.
func WithBufferSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.bufferSize = n
		}
	}
}

// WithScratchName sets the destination name that is deleted and replaced
// instead of triggering a rescan.
func WithScratchName(name string) Option {
	return func(e *Engine) {
		e.scratchName = name
	}
}

// WithSerialHashing hashes every chunk on the copying goroutine instead of
// fanning out to one goroutine per digest.
func WithSerialHashing() Option {
	return func(e *Engine) {
		e.serial = true
	}
}

// WithService registers the archive service for a container kind
// (catalog.KindZip or catalog.KindSevenZip), replacing the default.
func WithService(kind catalog.Kind, svc archive.Service) Option {
	return func(e *Engine) {
		e.services[kind] = svc
	}
}

// WithLogger sets the logger for copy events.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New returns an Engine with zip and 7z services registered.
func New(opts ...Option) *Engine {
	e := &Engine{
		level:       FixTrustConformant,
		bufferSize:  DefaultBufferSize,
		scratchName: DefaultScratchName,
		services:    make(map[catalog.Kind]archive.Service),
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	if _, ok := e.services[catalog.KindZip]; !ok {
		e.services[catalog.KindZip] = ziparchive.New(ziparchive.WithLogger(e.logger))
	}
	if _, ok := e.services[catalog.KindSevenZip]; !ok {
		e.services[catalog.KindSevenZip] = szarchive.New(szarchive.WithLogger(e.logger))
	}
	return e
}

// FixLevel returns the configured trust policy.
func (e *Engine) FixLevel() FixLevel {
	return e.level
}
