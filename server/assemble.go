package server

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/storacha/public-bucket/byterange"
	"github.com/storacha/public-bucket/multipart"
)

// Response is a status, headers and an optional body, written back by
// ServeHTTP.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// assemble builds the response body for resolved, clamped ranges.
//
// A single range is streamed straight from one fetch of exactly that range.
// Several ranges are framed by the multipart encoder, which reads each part
// through get so that ranges sharing a batch share one fetch. The returned
// headers extend header without replacing what is already there, except
// Content-Type, which belongs to the encoder for multipart bodies.
func assemble(ctx context.Context, ranges []byterange.AbsoluteRange, size int64, get byterange.ByteGetter, fetch byterange.FetchFunc, header http.Header) (*Response, error) {
	if len(ranges) <= 1 {
		r := byterange.AbsoluteRange{Start: 0, End: size - 1}
		if len(ranges) == 1 {
			r = ranges[0]
		}

		body, err := fetch(ctx, r)
		if err != nil {
			return nil, err
		}

		header.Set("Content-Length", strconv.FormatInt(r.Len(), 10))
		status := http.StatusOK
		if !r.Covers(size) {
			header.Set("Content-Range", r.ContentRange(size))
			status = http.StatusPartialContent
		}
		return &Response{Status: status, Header: header, Body: body}, nil
	}

	enc := multipart.NewEncoder(ranges, get, size)
	body, err := enc.Open(ctx)
	if err != nil {
		return nil, err
	}

	header.Del("Content-Type")
	for k, v := range enc.Headers() {
		if _, ok := header[k]; !ok {
			header[k] = v
		}
	}
	return &Response{Status: http.StatusPartialContent, Header: header, Body: body}, nil
}
