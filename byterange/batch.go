package byterange

import (
	"fmt"
	"slices"
)

// DefaultMaxBatchSize is the gap-bridging threshold used when no positive
// maximum is configured.
const DefaultMaxBatchSize int64 = 10 << 20

// Batch is a non-empty run of ranges, sorted by Start, that is fetched from
// storage as one contiguous read.
type Batch []AbsoluteRange

// Window returns the physical read covering the batch, from the first
// member's Start to the last member's End.
func (b Batch) Window() AbsoluteRange {
	return AbsoluteRange{Start: b[0].Start, End: b[len(b)-1].End}
}

// Contains reports whether r is a member of the batch.
func (b Batch) Contains(r AbsoluteRange) bool {
	return slices.Contains(b, r)
}

// BatchRanges partitions ranges into batches whose fetch window does not
// exceed maxSize bytes of span, except where a single range is itself larger
// than maxSize; such a range forms its own batch and is never split.
//
// The input is not modified. Batches are returned in ascending Start order
// and, concatenated, reproduce the sorted input exactly.
//
// Returns ErrOverlappingRanges if any two ranges overlap. A maxSize <= 0
// selects DefaultMaxBatchSize.
func BatchRanges(ranges []AbsoluteRange, maxSize int64) ([]Batch, error) {
	if len(ranges) == 0 {
		return nil, nil
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxBatchSize
	}

	sorted := slices.Clone(ranges)
	slices.SortStableFunc(sorted, func(a, b AbsoluteRange) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})

	var (
		batches []Batch
		current = Batch{sorted[0]}
		size    = weight(sorted[0])
	)
	for _, candidate := range sorted[1:] {
		last := current[len(current)-1]
		gap := candidate.Start - last.End
		if gap < 0 {
			return nil, fmt.Errorf("%w: %s and %s", ErrOverlappingRanges, last, candidate)
		}

		w := weight(candidate)
		if size+gap+w > maxSize {
			batches = append(batches, current)
			current = Batch{candidate}
			size = w
			continue
		}
		current = append(current, candidate)
		size += gap + w
	}
	return append(batches, current), nil
}

// weight is a range's contribution to a batch's running size. With gaps
// measured end to start, the running size of a batch is always
// last.End - first.Start.
func weight(r AbsoluteRange) int64 {
	return r.End - r.Start
}
