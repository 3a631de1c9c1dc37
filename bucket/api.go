// Package bucket defines the object-storage capability that public-bucket
// serves byte ranges from, along with in-memory and filesystem
// implementations.
//
// A bucket is read through two operations: Head, which reports an object's
// metadata, and Get, which streams the object's bytes, optionally limited to
// a single contiguous range. Writes are not part of the capability; the
// in-memory bucket exposes Put for tests and seeding only.
package bucket

import (
	"context"
	"io"
)

// -----------------------------------------------------------------------------
// Core types
// -----------------------------------------------------------------------------

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	// ETag is the HTTP entity tag of the object, including surrounding quotes.
	ETag string

	// Size is the total object size in bytes.
	Size int64
}

// Object is an object returned by Get. The caller must close Body.
type Object struct {
	ObjectInfo

	// Body streams the requested bytes of the object.
	Body io.ReadCloser
}

// ObjectRange selects a contiguous run of bytes from an object.
type ObjectRange struct {
	// Offset is the zero-based position of the first byte.
	Offset int64

	// Length is the number of bytes to read.
	Length int64
}

// GetOptions controls Get.
type GetOptions struct {
	// Range limits the read to a sub-range of the object.
	// A nil Range reads the whole object.
	Range *ObjectRange
}

// -----------------------------------------------------------------------------
// Bucket interface
// -----------------------------------------------------------------------------

// Bucket abstracts the underlying object storage system.
//
// Implementations may target memory, filesystems, S3 or GCS. The interface
// is intentionally minimal to avoid backend-specific leakage.
// All methods are safe for concurrent use.
type Bucket interface {
	// Head returns metadata for the object stored under key.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// Get returns the object stored under key.
	// When opts.Range is set, Body yields at most Range.Length bytes
	// starting at Range.Offset; fewer bytes are returned if the range
	// extends beyond the end of the object.
	// Returns ErrNotFound if the object does not exist.
	Get(ctx context.Context, key string, opts GetOptions) (*Object, error)
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Error sentinel values for common conditions.
var (
	// ErrNotFound indicates a requested object does not exist.
	ErrNotFound = errNotFound{}

	// ErrInvalidKey indicates an empty key or a key that would escape the
	// bucket root.
	ErrInvalidKey = errInvalidKey{}
)

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type errInvalidKey struct{}

func (errInvalidKey) Error() string { return "invalid key" }
