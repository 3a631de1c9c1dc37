package multipart

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strconv"
	"strings"

	"github.com/storacha/public-bucket/byterange"
)

// ErrMalformed indicates a body or header that is not valid
// multipart/byteranges framing.
var ErrMalformed = errMalformed{}

type errMalformed struct{}

func (errMalformed) Error() string { return "malformed multipart/byteranges" }

// Part is one decoded part of a multipart/byteranges body.
type Part struct {
	ContentType string
	Range       byterange.AbsoluteRange
	Size        int64 // total object size from the part's Content-Range
	Octets      []byte
}

// BoundaryFromContentType extracts the boundary parameter from a
// multipart/byteranges Content-Type value.
func BoundaryFromContentType(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: content type: %w", ErrMalformed, err)
	}
	if mediaType != MediaType {
		return "", fmt.Errorf("%w: unexpected media type %q", ErrMalformed, mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return "", fmt.Errorf("%w: missing boundary", ErrMalformed)
	}
	return boundary, nil
}

// Parse reads every part of a multipart/byteranges body.
func Parse(body io.Reader, boundary string) ([]Part, error) {
	mr := multipart.NewReader(body, boundary)

	var parts []Part
	for {
		p, err := mr.NextRawPart()
		if errors.Is(err, io.EOF) {
			return parts, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		r, size, err := ParseContentRange(p.Header.Get("Content-Range"))
		if err != nil {
			return nil, err
		}
		octets, err := io.ReadAll(p)
		if err != nil {
			return nil, fmt.Errorf("%w: part %s: %w", ErrMalformed, r, err)
		}
		if int64(len(octets)) != r.Len() {
			return nil, fmt.Errorf("%w: part %s has %d bytes", ErrMalformed, r, len(octets))
		}

		parts = append(parts, Part{
			ContentType: p.Header.Get("Content-Type"),
			Range:       r,
			Size:        size,
			Octets:      octets,
		})
	}
}

// ParseContentRange parses a "bytes a-b/size" Content-Range value.
func ParseContentRange(v string) (byterange.AbsoluteRange, int64, error) {
	spec, ok := strings.CutPrefix(v, "bytes ")
	if !ok {
		return byterange.AbsoluteRange{}, 0, fmt.Errorf("%w: content range %q", ErrMalformed, v)
	}
	span, total, ok := strings.Cut(spec, "/")
	if !ok {
		return byterange.AbsoluteRange{}, 0, fmt.Errorf("%w: content range %q", ErrMalformed, v)
	}
	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return byterange.AbsoluteRange{}, 0, fmt.Errorf("%w: content range %q", ErrMalformed, v)
	}

	start, err1 := strconv.ParseInt(first, 10, 64)
	end, err2 := strconv.ParseInt(last, 10, 64)
	size, err3 := strconv.ParseInt(total, 10, 64)
	if err := errors.Join(err1, err2, err3); err != nil || start > end || end >= size {
		return byterange.AbsoluteRange{}, 0, fmt.Errorf("%w: content range %q", ErrMalformed, v)
	}
	return byterange.AbsoluteRange{Start: start, End: end}, size, nil
}
