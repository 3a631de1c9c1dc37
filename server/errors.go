package server

import (
	"errors"
	"net/http"

	"github.com/storacha/public-bucket/bucket"
	"github.com/storacha/public-bucket/byterange"
)

// errMethodNotAllowed indicates a method other than GET or HEAD.
var errMethodNotAllowed = errMethodNotAllowedT{}

type errMethodNotAllowedT struct{}

func (errMethodNotAllowedT) Error() string { return "method not allowed" }

// statusFor maps an error to the response status. Client-caused errors map to
// 4xx; everything else, including batching invariant violations and short
// reads, is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, byterange.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, byterange.ErrUnsatisfiableRange):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, bucket.ErrNotFound), errors.Is(err, bucket.ErrInvalidKey):
		return http.StatusNotFound
	case errors.Is(err, errMethodNotAllowed):
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}
