// Package multipart frames several byte ranges of one object as a
// multipart/byteranges body and parses such bodies back into parts.
package multipart

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"

	"github.com/google/uuid"

	"github.com/storacha/public-bucket/byterange"
)

// MediaType is the media type of an encoded body, without parameters.
const MediaType = "multipart/byteranges"

// DefaultPartContentType is the Content-Type of every part unless
// overridden with WithPartContentType.
const DefaultPartContentType = "application/octet-stream"

// EncoderOption configures an Encoder.
type EncoderOption func(*Encoder)

// WithBoundary sets a fixed boundary instead of a random one.
func WithBoundary(b string) EncoderOption {
	return func(e *Encoder) {
		e.boundary = b
	}
}

// WithPartContentType sets the Content-Type header of each part.
func WithPartContentType(ct string) EncoderOption {
	return func(e *Encoder) {
		e.partType = ct
	}
}

// Encoder writes ranges of an object as a multipart/byteranges body, one
// part per range in the order given. Each part carries Content-Type and
// Content-Range headers; part bytes come from a byterange.ByteGetter.
type Encoder struct {
	ranges   []byterange.AbsoluteRange
	get      byterange.ByteGetter
	size     int64
	boundary string
	partType string
}

// NewEncoder returns an encoder for ranges of an object of the given total
// size. The ranges must already be resolved and clamped to size.
func NewEncoder(ranges []byterange.AbsoluteRange, get byterange.ByteGetter, size int64, opts ...EncoderOption) *Encoder {
	e := &Encoder{
		ranges:   ranges,
		get:      get,
		size:     size,
		boundary: uuid.NewString(),
		partType: DefaultPartContentType,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := multipart.NewWriter(io.Discard).SetBoundary(e.boundary); err != nil {
		e.boundary = uuid.NewString()
	}
	return e
}

// Boundary returns the part delimiter.
func (e *Encoder) Boundary() string { return e.boundary }

// ContentType returns the Content-Type header value of the encoded body.
func (e *Encoder) ContentType() string {
	return MediaType + "; boundary=" + e.boundary
}

// ContentLength returns the exact size of the encoded body in bytes.
func (e *Encoder) ContentLength() int64 {
	var cw countingWriter
	mw := e.newWriter(&cw)
	for _, r := range e.ranges {
		_, _ = mw.CreatePart(e.partHeader(r))
		cw.n += r.Len()
	}
	_ = mw.Close()
	return cw.n
}

// Headers returns the response headers describing the encoded body.
func (e *Encoder) Headers() http.Header {
	h := make(http.Header, 2)
	h.Set("Content-Type", e.ContentType())
	h.Set("Content-Length", strconv.FormatInt(e.ContentLength(), 10))
	return h
}

// Open requests every range from the getter and returns a reader that
// yields the encoded body. Requesting all ranges up front lets independent
// batches fetch concurrently while parts are written in order.
//
// Errors from the getter at request time are returned before any byte is
// produced. Errors while reading a part surface from the returned reader.
// Closing the reader stops the encoding.
func (e *Encoder) Open(ctx context.Context) (io.ReadCloser, error) {
	parts := make([]io.ReadCloser, 0, len(e.ranges))
	for _, r := range e.ranges {
		rc, err := e.get.Get(ctx, r)
		if err != nil {
			for _, p := range parts {
				closer(p)
			}
			return nil, fmt.Errorf("multipart: get %s: %w", r, err)
		}
		parts = append(parts, rc)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(e.encode(pw, parts))
	}()
	return pr, nil
}

// Encode writes the whole body into w.
func (e *Encoder) Encode(ctx context.Context, w io.Writer) (int64, error) {
	body, err := e.Open(ctx)
	if err != nil {
		return 0, err
	}
	defer closer(body)
	return io.Copy(w, body)
}

func (e *Encoder) encode(w io.Writer, parts []io.ReadCloser) error {
	defer func() {
		for _, p := range parts {
			closer(p)
		}
	}()

	mw := e.newWriter(w)
	for i, r := range e.ranges {
		pw, err := mw.CreatePart(e.partHeader(r))
		if err != nil {
			return err
		}
		n, err := io.Copy(pw, parts[i])
		if err != nil {
			return fmt.Errorf("multipart: part %s: %w", r, err)
		}
		if n != r.Len() {
			return fmt.Errorf("multipart: part %s: %w: got %d of %d bytes", r, byterange.ErrShortRead, n, r.Len())
		}
	}
	return mw.Close()
}

func (e *Encoder) newWriter(w io.Writer) *multipart.Writer {
	mw := multipart.NewWriter(w)
	_ = mw.SetBoundary(e.boundary) // validated in NewEncoder
	return mw
}

func (e *Encoder) partHeader(r byterange.AbsoluteRange) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader, 2)
	h.Set("Content-Type", e.partType)
	h.Set("Content-Range", r.ContentRange(e.size))
	return h
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

func closer(c io.Closer) {
	_ = c.Close()
}
