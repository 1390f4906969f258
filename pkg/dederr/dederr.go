// Package dederr defines the closed set of error kinds shared across the
// dedupvault persistence substrate (fixed-width index, operations log,
// paged disk hash index, and garbage collector).
//
// Every package wraps one of these sentinels with fmt.Errorf("...: %w", ...)
// rather than minting its own error values, so callers can use errors.Is
// regardless of which layer produced the failure.
package dederr

import "errors"

// Sentinel errors. Check with errors.Is, never by comparing error strings.
var (
	// ErrIO covers read/write/fsync failures from the underlying filesystem.
	ErrIO = errors.New("dederr: io error")

	// ErrChecksum indicates a CRC mismatch on a page, journal record, or log slot.
	ErrChecksum = errors.New("dederr: checksum mismatch")

	// ErrNotFound indicates the requested key/id/record does not exist.
	ErrNotFound = errors.New("dederr: not found")

	// ErrExists indicates a put_if_absent-style operation found an existing entry.
	ErrExists = errors.New("dederr: already exists")

	// ErrInvalidArgument indicates a caller violated a precondition.
	ErrInvalidArgument = errors.New("dederr: invalid argument")

	// ErrBusy indicates a resource (lock, pinned page, writer slot) is
	// transiently unavailable; callers may retry.
	ErrBusy = errors.New("dederr: busy")

	// ErrLogFull indicates the operations log has no room to reserve new slots.
	ErrLogFull = errors.New("dederr: log full")

	// ErrIndexFull indicates a fixed-width index or PDHI has no room left.
	ErrIndexFull = errors.New("dederr: index full")

	// ErrStorageFull indicates the backing container store rejected a write
	// for lack of space.
	ErrStorageFull = errors.New("dederr: storage full")

	// ErrCommitTimeout indicates a caller waited too long for a container to
	// reach a committed state.
	ErrCommitTimeout = errors.New("dederr: commit timeout")

	// ErrCorrupt indicates structural damage that recovery could not repair.
	ErrCorrupt = errors.New("dederr: corrupt")

	// ErrShutdown indicates the component is stopping or stopped and can no
	// longer accept the requested operation.
	ErrShutdown = errors.New("dederr: shutdown")

	// ErrAborted indicates an in-flight operation was cancelled, typically via
	// context cancellation.
	ErrAborted = errors.New("dederr: aborted")
)
