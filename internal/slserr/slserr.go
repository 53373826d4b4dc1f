// Package slserr defines the error kinds shared by every core package.
//
// The core is fail-stop: a mutating operation either completes or leaves
// in-memory state exactly as it was before the call. Callers distinguish
// kinds with errors.Is against the sentinels below; packages wrap them
// with fmt.Errorf("...: %w", ...) to attach context.
package slserr

import "errors"

var (
	// ErrNoSpace is returned by the allocator when no extent, even after
	// a size-tree refill, can satisfy a request.
	ErrNoSpace = errors.New("slos: no space")

	// ErrNotFound is returned when a key is absent from a tree or an
	// inode id is absent from the inode index.
	ErrNotFound = errors.New("slos: not found")

	// ErrExists is returned by icreate when the requested inode id (or a
	// strict-unique B+tree key) is already present.
	ErrExists = errors.New("slos: already exists")

	// ErrIoError wraps a failure reported by the underlying block
	// device; the buffer that triggered it is left invalid.
	ErrIoError = errors.New("slos: i/o error")

	// ErrCorrupt indicates a magic mismatch, an unexpected child count,
	// or a fanout violation. Corrupt at mount time fails the mount;
	// corrupt during normal operation has no recovery path short of the
	// last checkpoint and callers should treat it as fatal.
	ErrCorrupt = errors.New("slos: corrupt structure")

	// ErrUnsupported marks an out-of-scope operation, such as inode
	// removal or directory handling.
	ErrUnsupported = errors.New("slos: unsupported")
)
