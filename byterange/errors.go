package byterange

// Error sentinel values. Client-caused conditions (ErrInvalidRange,
// ErrUnsatisfiableRange) are recoverable at the HTTP boundary; the rest
// indicate a violated precondition or a failed physical read and are fatal
// for the request.
var (
	// ErrInvalidRange indicates a malformed Range header or a range that
	// resolves to start > end or start < 0.
	ErrInvalidRange = errInvalidRange{}

	// ErrUnsatisfiableRange indicates a range that starts at or beyond the
	// end of the object.
	ErrUnsatisfiableRange = errUnsatisfiableRange{}

	// ErrOverlappingRanges indicates two ranges handed to the batcher overlap.
	ErrOverlappingRanges = errOverlappingRanges{}

	// ErrBatchNotFound indicates a range was requested from a getter that
	// was not constructed with it.
	ErrBatchNotFound = errBatchNotFound{}

	// ErrShortRead indicates the storage stream ended before every range of
	// a batch was delivered.
	ErrShortRead = errShortRead{}
)

type errInvalidRange struct{}

func (errInvalidRange) Error() string { return "invalid range" }

type errUnsatisfiableRange struct{}

func (errUnsatisfiableRange) Error() string { return "range not satisfiable" }

type errOverlappingRanges struct{}

func (errOverlappingRanges) Error() string { return "overlapping byte ranges" }

type errBatchNotFound struct{}

func (errBatchNotFound) Error() string { return "batch not found for range" }

type errShortRead struct{}

func (errShortRead) Error() string { return "short read: source ended before range was complete" }
