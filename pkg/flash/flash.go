// Package flash defines the A/B flash slot contract (C2) consumed by the
// deployment engine, plus a file-backed Manager used by tests and the host
// simulator. A real device wires this package's Manager interface to a
// platform flash driver; the interface shape (sequential WriteAt-style
// writes, an explicit Flush/Close) follows the block-backend contract used
// for userspace block devices, generalized here to the open/write/close/
// set-pending/confirm lifecycle the bootloader dance requires.
package flash

import "errors"

// ErrHandleConsumed is returned when Write, Close, SetPending, or
// AbortDeployment is called on a handle that has already been consumed by
// SetPending or AbortDeployment.
var ErrHandleConsumed = errors.New("flash: handle already consumed")

// ErrNoInactiveSlot is returned by Open when no inactive slot is available
// to write into (e.g. a previous deployment's slot is still pending).
var ErrNoInactiveSlot = errors.New("flash: no inactive slot available")

// Handle is an opaque, non-shareable token representing an open write
// stream into the inactive slot of an A/B boot layout. A Handle is owned
// exclusively by whichever deployment created it; it is consumed (and must
// not be reused) by SetPending or AbortDeployment.
type Handle struct {
	slot     string
	name     string
	declared int64
	written  int64
	consumed bool
}

// Slot returns the underlying slot descriptor this handle was opened
// against, for logging.
func (h *Handle) Slot() string { return h.slot }

// Written returns the number of bytes written so far through this handle.
func (h *Handle) Written() int64 { return h.written }

// Manager mediates writes into the inactive slot of an A/B boot layout and
// the boot-time confirm/rollback dance. Implementations MUST tolerate a
// buffered/aligned write policy: offset is informational only, callers
// always supply sequential chunks.
type Manager interface {
	// Open reserves the inactive slot for an artifact of the declared
	// total size and returns a handle for streaming writes into it.
	Open(name string, size int64) (*Handle, error)

	// Write appends the next sequential chunk of data to the handle's
	// slot. offset is informational; implementations that buffer to an
	// erase-unit boundary do not need it to seek.
	Write(h *Handle, data []byte, offset int64) error

	// Close flushes any internal buffer without changing boot
	// configuration. The handle remains valid for SetPending or
	// AbortDeployment after Close.
	Close(h *Handle) error

	// SetPending marks the slot written through h as the next-boot
	// target and consumes h.
	SetPending(h *Handle) error

	// AbortDeployment discards the in-flight write and consumes h.
	AbortDeployment(h *Handle) error

	// ConfirmImage marks the currently running image valid, canceling
	// any pending rollback. Called during the post-upgrade boot window.
	ConfirmImage() error

	// IsImageConfirmed reports whether the running image has been
	// confirmed (true) or is still inside the rollback window (false).
	IsImageConfirmed() (bool, error)
}
