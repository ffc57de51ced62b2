package romfix

import (
	"fmt"

	"github.com/meigma/romfix/archive"
)

// Destination is the archive a batch of copies writes into. It starts
// Unopened; the first copy into an archive entry creates the container and
// later copies append to it. A failed copy drops only its own entry and the
// Destination stays open. When the failed entry was the first one, the empty
// container is removed and the Destination returns to Unopened.
type Destination struct {
	w archive.Writer
}

// NewDestination returns an Unopened destination.
func NewDestination() *Destination {
	return &Destination{}
}

// DestinationFor wraps a writer that is already open for write.
func DestinationFor(w archive.Writer) *Destination {
	return &Destination{w: w}
}

// IsOpen reports whether a container is open for write.
func (d *Destination) IsOpen() bool {
	return d != nil && d.w != nil
}

// Writer returns the open container, or nil when Unopened.
func (d *Destination) Writer() archive.Writer {
	if d == nil {
		return nil
	}
	return d.w
}

// Close finalizes the open container. Closing an Unopened destination is a
// no-op.
func (d *Destination) Close() error {
	if !d.IsOpen() {
		return nil
	}
	w := d.w
	d.w = nil
	if err := w.Close(); err != nil {
		return fmt.Errorf("close %s: %w", w.Path(), err)
	}
	return nil
}

// Rollback abandons the open container, including entries committed by
// earlier copies.
func (d *Destination) Rollback() error {
	if !d.IsOpen() {
		return nil
	}
	w := d.w
	d.w = nil
	if err := w.Rollback(); err != nil {
		return fmt.Errorf("rollback %s: %w", w.Path(), err)
	}
	return nil
}
