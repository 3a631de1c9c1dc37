// Package server exposes a bucket over HTTP with full byte-range support:
// single ranges stream straight from storage, and multiple ranges are
// batched into as few storage reads as possible and returned as a
// multipart/byteranges body.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/storacha/public-bucket/bucket"
	"github.com/storacha/public-bucket/byterange"
)

// Cache and content headers sent with every object response.
const (
	cacheControl   = "public, max-age=29030400, immutable"
	contentType    = "application/octet-stream"
	allowedMethods = "GET, HEAD"
)

// Recorder observes requests and batch fetches.
type Recorder interface {
	byterange.Observer
	ObserveRequest(method string, status int, elapsed time.Duration)
}

// Option configures a Handler.
type Option func(*Handler)

// WithMaxBatchSize sets the gap-bridging threshold for multi-range requests.
// Default: byterange.DefaultMaxBatchSize.
func WithMaxBatchSize(n int64) Option {
	return func(h *Handler) {
		h.maxBatchSize = n
	}
}

// WithMaxConcurrentFetches bounds the batch fetches in flight per request.
// Default: unbounded.
func WithMaxConcurrentFetches(n int) Option {
	return func(h *Handler) {
		h.maxConcurrentFetches = n
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(h *Handler) {
		h.recorder = r
	}
}

// WithLogger sets the logger used when a request carries none.
// Default: the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) {
		h.log = l
	}
}

// Handler serves HEAD and GET requests for objects in a bucket. The object
// key is the request path without its leading slash.
type Handler struct {
	bucket               bucket.Bucket
	maxBatchSize         int64
	maxConcurrentFetches int
	recorder             Recorder
	log                  zerolog.Logger
}

// New creates a handler for b.
func New(b bucket.Bucket, opts ...Option) (*Handler, error) {
	if b == nil {
		return nil, errors.New("server: bucket is required")
	}
	h := &Handler{
		bucket:       b,
		maxBatchSize: byterange.DefaultMaxBatchSize,
		log:          log.Logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	res, err := h.serve(r)
	if err != nil {
		res = h.errorResponse(r, err)
	}
	h.write(w, r, res)

	if h.recorder != nil {
		h.recorder.ObserveRequest(r.Method, res.Status, time.Since(start))
	}
}

// serve runs one request through method dispatch, range parsing, object
// resolution, range resolution and response assembly. The Range header is
// parsed before the object is looked up, so a malformed header never
// reaches storage.
func (h *Handler) serve(r *http.Request) (*Response, error) {
	ctx := r.Context()

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return nil, fmt.Errorf("%w: %s", errMethodNotAllowed, r.Method)
	}
	key := objectKey(r)

	var ranges []byterange.Range
	if v := r.Header.Get("Range"); v != "" && r.Method == http.MethodGet {
		var err error
		if ranges, err = byterange.ParseHeader(v); err != nil {
			return nil, err
		}
	}

	var info bucket.ObjectInfo
	size := byterange.NewTotalSize(func(ctx context.Context) (int64, error) {
		var err error
		info, err = h.bucket.Head(ctx, key)
		return info.Size, err
	})
	total, err := size.Get(ctx)
	if err != nil {
		return nil, err
	}

	header := objectHeader(info.ETag)
	if r.Method == http.MethodHead {
		header.Set("Content-Length", strconv.FormatInt(total, 10))
		return &Response{Status: http.StatusOK, Header: header}, nil
	}

	if len(ranges) == 0 {
		if total == 0 {
			header.Set("Content-Length", "0")
			return &Response{Status: http.StatusOK, Header: header}, nil
		}
		ranges = []byterange.Range{byterange.From(0)}
	}

	resolved, err := resolveRanges(ctx, ranges, size)
	if errors.Is(err, byterange.ErrUnsatisfiableRange) {
		header.Del("Content-Type")
		header.Set("Content-Range", "bytes */"+strconv.FormatInt(total, 10))
		header.Set("Content-Length", "0")
		return &Response{Status: http.StatusRequestedRangeNotSatisfiable, Header: header}, nil
	}
	if err != nil {
		return nil, err
	}

	fetch := h.fetcher(key)
	if len(resolved) == 1 {
		return assemble(ctx, resolved, total, nil, fetch, header)
	}

	getter, err := byterange.NewBatchingGetter(ctx, fetch, resolved, h.getterOptions()...)
	if err != nil {
		return nil, err
	}
	res, err := assemble(ctx, resolved, total, getter, fetch, header)
	if err != nil {
		return nil, err
	}
	res.Body = &batchBody{ReadCloser: res.Body, getter: getter}
	return res, nil
}

// batchBody waits for every batch fetch to finish when the body is closed,
// and reports the first fetch error.
type batchBody struct {
	io.ReadCloser
	getter *byterange.BatchingGetter
}

func (b *batchBody) Close() error {
	err := b.ReadCloser.Close()
	if werr := b.getter.Wait(); werr != nil {
		return werr
	}
	return err
}

// resolveRanges resolves every range against size and clamps it to the
// object. A range that starts at or past the end of the object is
// unsatisfiable.
func resolveRanges(ctx context.Context, ranges []byterange.Range, size *byterange.TotalSize) ([]byterange.AbsoluteRange, error) {
	total, err := size.Get(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]byterange.AbsoluteRange, 0, len(ranges))
	for _, r := range ranges {
		if !r.IsSuffix() && r.First >= total {
			return nil, fmt.Errorf("%w: %s of %d bytes", byterange.ErrUnsatisfiableRange, r, total)
		}
		abs, err := byterange.Resolve(ctx, r, size)
		if err != nil {
			return nil, err
		}
		if abs, err = byterange.Clamp(abs, total); err != nil {
			return nil, err
		}
		out = append(out, abs)
	}
	return out, nil
}

func (h *Handler) fetcher(key string) byterange.FetchFunc {
	return func(ctx context.Context, w byterange.AbsoluteRange) (io.ReadCloser, error) {
		obj, err := h.bucket.Get(ctx, key, bucket.GetOptions{
			Range: &bucket.ObjectRange{Offset: w.Start, Length: w.Len()},
		})
		if err != nil {
			return nil, err
		}
		return obj.Body, nil
	}
}

func (h *Handler) getterOptions() []byterange.GetterOption {
	opts := []byterange.GetterOption{
		byterange.WithMaxBatchSize(h.maxBatchSize),
		byterange.WithMaxConcurrentFetches(h.maxConcurrentFetches),
	}
	if h.recorder != nil {
		opts = append(opts, byterange.WithObserver(h.recorder))
	}
	return opts
}

// errorResponse renders err. Server errors are logged in full; the client
// only sees the status text. A missing object gets an empty 404.
func (h *Handler) errorResponse(r *http.Request, err error) *Response {
	status := statusFor(err)

	logger := h.logger(r)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("Could not serve object")
	} else {
		logger.Debug().Err(err).Int("status", status).Str("path", r.URL.Path).Msg("Request rejected")
	}

	header := make(http.Header)
	header.Set("X-Content-Type-Options", "nosniff")
	if status == http.StatusNotFound {
		header.Set("Content-Length", "0")
		return &Response{Status: status, Header: header}
	}

	body := http.StatusText(status)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	if status == http.StatusMethodNotAllowed {
		header.Set("Allow", allowedMethods)
	}
	return &Response{Status: status, Header: header, Body: io.NopCloser(strings.NewReader(body))}
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, res *Response) {
	for k, v := range res.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(res.Status)

	if res.Body == nil {
		return
	}
	defer func() {
		if err := res.Body.Close(); err != nil {
			h.logger(r).Error().Err(err).Str("path", r.URL.Path).Msg("Batch fetch failed")
		}
	}()
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, res.Body); err != nil {
		h.logger(r).Warn().Err(err).Str("path", r.URL.Path).Msg("Could not write response body to client")
	}
}

// logger returns the request logger, falling back to the handler's.
func (h *Handler) logger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		return &h.log
	}
	return logger
}

func objectHeader(etag string) http.Header {
	header := make(http.Header)
	header.Set("X-Content-Type-Options", "nosniff")
	header.Set("Content-Type", contentType)
	header.Set("Cache-Control", cacheControl)
	header.Set("Vary", "Range")
	header.Set("Accept-Ranges", "bytes")
	if etag != "" {
		header.Set("Etag", etag)
	}
	return header
}

// objectKey returns the request path without its leading slash.
func objectKey(r *http.Request) string {
	return strings.TrimPrefix(r.URL.Path, "/")
}
