package byterange

import (
	"fmt"
	"strconv"
	"strings"
)

// unit is the only range unit the server understands.
const unit = "bytes"

// ParseHeader parses a Range header value of the form
// "bytes=a-b, c-, -n" into relative ranges, preserving request order.
//
// Empty list elements are ignored. A header with no range specs, an
// unknown unit, a non-numeric bound, a spec with first > last, or a zero
// length suffix fails with ErrInvalidRange.
func ParseHeader(header string) ([]Range, error) {
	name, specs, ok := strings.Cut(header, "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(name), unit) {
		return nil, fmt.Errorf("%w: unsupported unit in %q", ErrInvalidRange, header)
	}

	var ranges []Range
	for _, spec := range strings.Split(specs, ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		r, err := parseSpec(spec)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	if len(ranges) == 0 {
		return nil, fmt.Errorf("%w: no ranges in %q", ErrInvalidRange, header)
	}
	return ranges, nil
}

func parseSpec(spec string) (Range, error) {
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, spec)
	}
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)

	if first == "" {
		n, err := parseOffset(last)
		if err != nil || n == 0 {
			return Range{}, fmt.Errorf("%w: suffix %q", ErrInvalidRange, spec)
		}
		return Suffix(n), nil
	}

	start, err := parseOffset(first)
	if err != nil {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, spec)
	}
	if last == "" {
		return From(start), nil
	}

	end, err := parseOffset(last)
	if err != nil || end < start {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, spec)
	}
	return Between(start, end), nil
}

// parseOffset accepts only ASCII digits; signs and whitespace are rejected.
func parseOffset(s string) (int64, error) {
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.ParseInt(s, 10, 64)
}
