// Package byterange resolves HTTP byte ranges against objects, groups them
// into bounded storage fetches, and splits each fetched stream back into the
// individual ranges that were requested.
//
// The pipeline for one request is:
//
//	ParseHeader -> Resolve (per range) -> NewBatchingGetter -> Get (per range)
//
// ParseHeader turns a Range header into relative Ranges. Resolve makes them
// absolute using a TotalSize cell that loads the object size at most once.
// NewBatchingGetter groups the absolute ranges with BatchRanges, and each
// Get call either joins the pending result for its range or starts the one
// physical fetch for the batch containing it.
package byterange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// -----------------------------------------------------------------------------
// Relative ranges
// -----------------------------------------------------------------------------

// Range is a byte range as a client expresses it, before the object size is
// known.
//
//   - First >= 0 and Last != nil: bytes First through *Last inclusive.
//   - First >= 0 and Last == nil: bytes from First to the end of the object.
//   - First < 0: the final -First bytes of the object (a suffix range).
type Range struct {
	First int64
	Last  *int64
}

// Between returns the range [first, last].
func Between(first, last int64) Range {
	return Range{First: first, Last: &last}
}

// From returns the open-ended range starting at first.
func From(first int64) Range {
	return Range{First: first}
}

// Suffix returns the range covering the final n bytes.
func Suffix(n int64) Range {
	return Range{First: -n}
}

// IsSuffix reports whether r counts from the end of the object.
func (r Range) IsSuffix() bool { return r.First < 0 }

// NeedsSize reports whether resolving r requires the object size.
func (r Range) NeedsSize() bool { return r.First < 0 || r.Last == nil }

// String renders r in Range header syntax, e.g. "1-3", "5-" or "-4".
func (r Range) String() string {
	switch {
	case r.First < 0:
		return strconv.FormatInt(r.First, 10)
	case r.Last == nil:
		return strconv.FormatInt(r.First, 10) + "-"
	default:
		return strconv.FormatInt(r.First, 10) + "-" + strconv.FormatInt(*r.Last, 10)
	}
}

// -----------------------------------------------------------------------------
// Absolute ranges
// -----------------------------------------------------------------------------

// AbsoluteRange is a resolved, zero-based, inclusive byte range.
// Values are comparable and identify a range by (Start, End).
type AbsoluteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in the range.
func (r AbsoluteRange) Len() int64 { return r.End - r.Start + 1 }

// ContentRange renders the Content-Range value for r within an object of
// the given size.
func (r AbsoluteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// Covers reports whether r spans an entire object of the given size.
func (r AbsoluteRange) Covers(size int64) bool {
	return r.Start == 0 && r.End == size-1
}

func (r AbsoluteRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// -----------------------------------------------------------------------------
// Total size cell
// -----------------------------------------------------------------------------

// SizeFunc loads the total size of an object.
type SizeFunc func(ctx context.Context) (int64, error)

// TotalSize is a resolved-or-pending cell holding an object's total size.
// The loader runs at most once; its result, value or error, is memoised for
// every later call. A TotalSize is safe for concurrent use and is meant to
// live for the duration of one request.
type TotalSize struct {
	once sync.Once
	load SizeFunc
	size int64
	err  error
}

// NewTotalSize returns a pending cell that will call load on first use.
func NewTotalSize(load SizeFunc) *TotalSize {
	return &TotalSize{load: load}
}

// KnownSize returns a cell that is already resolved to size.
func KnownSize(size int64) *TotalSize {
	t := &TotalSize{size: size}
	t.once.Do(func() {})
	return t
}

// Get returns the total size, loading it if this is the first call.
func (t *TotalSize) Get(ctx context.Context) (int64, error) {
	t.once.Do(func() {
		t.size, t.err = t.load(ctx)
	})
	return t.size, t.err
}

// -----------------------------------------------------------------------------
// Resolution
// -----------------------------------------------------------------------------

// Resolve converts r into an absolute range. The size cell is consulted only
// when r is open-ended or a suffix; a fully bounded range never triggers a
// size load. Errors from the size cell are returned unchanged, so a missing
// object surfaces as the bucket's not-found error.
//
// Returns ErrInvalidRange if the resolved range has start > end or start < 0.
func Resolve(ctx context.Context, r Range, size *TotalSize) (AbsoluteRange, error) {
	var total int64
	if r.NeedsSize() {
		var err error
		total, err = size.Get(ctx)
		if err != nil {
			return AbsoluteRange{}, err
		}
	}

	abs := AbsoluteRange{Start: r.First, End: total - 1}
	if r.First < 0 {
		abs.Start = total + r.First
	}
	if r.Last != nil {
		abs.End = *r.Last
	}

	if abs.Start < 0 || abs.Start > abs.End {
		return AbsoluteRange{}, fmt.Errorf("%w: %s resolves to %d-%d", ErrInvalidRange, r, abs.Start, abs.End)
	}
	return abs, nil
}

// ResolveAll resolves every range in order against the same size cell.
func ResolveAll(ctx context.Context, ranges []Range, size *TotalSize) ([]AbsoluteRange, error) {
	out := make([]AbsoluteRange, 0, len(ranges))
	for _, r := range ranges {
		abs, err := Resolve(ctx, r, size)
		if err != nil {
			return nil, err
		}
		out = append(out, abs)
	}
	return out, nil
}

// Clamp bounds an absolute range to an object of the given size, truncating
// End to the last byte. Returns ErrUnsatisfiableRange if the range starts at
// or beyond the end of the object.
func Clamp(r AbsoluteRange, size int64) (AbsoluteRange, error) {
	if r.Start >= size {
		return AbsoluteRange{}, fmt.Errorf("%w: %s of %d bytes", ErrUnsatisfiableRange, r, size)
	}
	r.End = min(r.End, size-1)
	return r, nil
}
