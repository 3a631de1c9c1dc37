package byterange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// readChunk is the size of each read from a batch's source stream.
const readChunk = 32 << 10

// FetchFunc reads the inclusive byte window from storage.
type FetchFunc func(ctx context.Context, window AbsoluteRange) (io.ReadCloser, error)

// ByteGetter returns the bytes of one absolute range.
type ByteGetter interface {
	Get(ctx context.Context, r AbsoluteRange) (io.ReadCloser, error)
}

// Observer receives one callback per physical batch fetch, after the batch
// has been fully demultiplexed or has failed.
type Observer interface {
	BatchFetched(window AbsoluteRange, members int, err error)
}

// GetterOption configures a BatchingGetter.
type GetterOption func(*BatchingGetter)

// WithMaxBatchSize sets the gap-bridging threshold passed to BatchRanges.
// Default: DefaultMaxBatchSize.
func WithMaxBatchSize(n int64) GetterOption {
	return func(g *BatchingGetter) {
		g.maxBatchSize = n
	}
}

// WithMaxConcurrentFetches bounds the number of batch fetches in flight.
// Zero or a negative value means unbounded.
func WithMaxConcurrentFetches(n int) GetterOption {
	return func(g *BatchingGetter) {
		g.maxConcurrent = n
	}
}

// WithObserver registers an observer for completed batch fetches.
func WithObserver(o Observer) GetterOption {
	return func(g *BatchingGetter) {
		g.observer = o
	}
}

// -----------------------------------------------------------------------------
// BatchingGetter
// -----------------------------------------------------------------------------

// BatchingGetter serves a fixed set of ranges from as few storage reads as
// the batch size allows.
//
// The first Get for any member of a batch starts one fetch of the batch's
// window; every other member of that batch, and every repeated Get for the
// same range, waits on the same pending result. Fetches for different
// batches run concurrently. Pending results stay resolved for the lifetime
// of the getter, so each Get returns an independent reader over the same
// bytes.
//
// Fetches run under the context passed to NewBatchingGetter, not under the
// context of an individual Get. A caller that stops reading one range does
// not stop the batch; cancelling the construction context stops all of them.
type BatchingGetter struct {
	ctx   context.Context
	fetch FetchFunc
	group *errgroup.Group

	maxBatchSize  int64
	maxConcurrent int
	observer      Observer

	batches []Batch
	index   map[AbsoluteRange]int

	mu      sync.Mutex
	pending map[AbsoluteRange]*pendingRequest
}

// pendingRequest is a one-shot result slot. done is closed exactly once,
// after data and err are set.
type pendingRequest struct {
	done chan struct{}
	data []byte
	err  error
}

func newPendingRequest() *pendingRequest {
	return &pendingRequest{done: make(chan struct{})}
}

func (p *pendingRequest) resolve(data []byte, err error) {
	p.data, p.err = data, err
	close(p.done)
}

// NewBatchingGetter partitions ranges into batches and returns a getter for
// exactly those ranges. Identical ranges are collapsed into one member.
//
// Returns ErrOverlappingRanges if two distinct ranges overlap.
func NewBatchingGetter(ctx context.Context, fetch FetchFunc, ranges []AbsoluteRange, opts ...GetterOption) (*BatchingGetter, error) {
	if fetch == nil {
		return nil, errors.New("byterange: fetch function is required")
	}

	g := &BatchingGetter{
		fetch:   fetch,
		pending: make(map[AbsoluteRange]*pendingRequest),
	}
	for _, opt := range opts {
		opt(g)
	}

	batches, err := BatchRanges(unique(ranges), g.maxBatchSize)
	if err != nil {
		return nil, err
	}
	g.batches = batches
	g.index = make(map[AbsoluteRange]int, len(ranges))
	for i, b := range batches {
		for _, r := range b {
			g.index[r] = i
		}
	}

	g.group, g.ctx = errgroup.WithContext(ctx)
	if g.maxConcurrent > 0 {
		g.group.SetLimit(g.maxConcurrent)
	}
	return g, nil
}

// Batches returns the batches the getter was built with.
func (g *BatchingGetter) Batches() []Batch {
	return g.batches
}

// Get returns a reader for r. The reader blocks on its first Read until the
// batch containing r has been fetched far enough to cover it, or until ctx
// is done.
//
// Returns ErrBatchNotFound if r was not one of the ranges the getter was
// constructed with.
func (g *BatchingGetter) Get(ctx context.Context, r AbsoluteRange) (io.ReadCloser, error) {
	g.mu.Lock()
	if p, ok := g.pending[r]; ok {
		g.mu.Unlock()
		return &pendingReader{ctx: ctx, req: p}, nil
	}

	i, ok := g.index[r]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, r)
	}

	batch := g.batches[i]
	reqs := make([]*pendingRequest, len(batch))
	for j, member := range batch {
		reqs[j] = newPendingRequest()
		g.pending[member] = reqs[j]
	}
	p := g.pending[r]
	g.mu.Unlock()

	g.group.Go(func() error {
		return g.run(batch, reqs)
	})
	return &pendingReader{ctx: ctx, req: p}, nil
}

// Wait blocks until every started fetch has finished and returns the first
// fetch error, if any.
func (g *BatchingGetter) Wait() error {
	return g.group.Wait()
}

// run performs the single physical read for a batch and resolves each member
// in ascending order as soon as the bytes read so far cover it.
func (g *BatchingGetter) run(batch Batch, reqs []*pendingRequest) (err error) {
	window := batch.Window()
	next := 0
	defer func() {
		for ; next < len(reqs); next++ {
			reqs[next].resolve(nil, err)
		}
		if g.observer != nil {
			g.observer.BatchFetched(window, len(batch), err)
		}
	}()

	body, err := g.fetch(g.ctx, window)
	if err != nil {
		return fmt.Errorf("byterange: fetch %s: %w", window, err)
	}
	defer closer(body)

	buf := make([]byte, 0, min(window.Len(), readChunk))
	chunk := make([]byte, readChunk)
	for next < len(batch) {
		n, rerr := body.Read(chunk)
		buf = append(buf, chunk[:n]...)

		// Highest absolute offset read so far.
		high := window.Start + int64(len(buf)) - 1
		for next < len(batch) && high >= batch[next].End {
			lo := batch[next].Start - window.Start
			hi := batch[next].End - window.Start + 1
			reqs[next].resolve(buf[lo:hi:hi], nil)
			next++
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("byterange: read %s: %w", window, rerr)
		}
	}

	if next < len(batch) {
		return fmt.Errorf("%w: window %s ended at offset %d", ErrShortRead, window, window.Start+int64(len(buf)))
	}
	return nil
}

// unique returns ranges with exact duplicates removed, keeping first
// occurrence order.
func unique(ranges []AbsoluteRange) []AbsoluteRange {
	seen := make(map[AbsoluteRange]struct{}, len(ranges))
	out := make([]AbsoluteRange, 0, len(ranges))
	for _, r := range ranges {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return slices.Clip(out)
}

// -----------------------------------------------------------------------------
// Readers
// -----------------------------------------------------------------------------

// pendingReader defers to the pending result on first Read.
type pendingReader struct {
	ctx context.Context
	req *pendingRequest
	r   *bytes.Reader
}

func (p *pendingReader) Read(b []byte) (int, error) {
	if p.r == nil {
		select {
		case <-p.req.done:
		case <-p.ctx.Done():
			return 0, p.ctx.Err()
		}
		if p.req.err != nil {
			return 0, p.req.err
		}
		p.r = bytes.NewReader(p.req.data)
	}
	return p.r.Read(b)
}

func (p *pendingReader) Close() error { return nil }

// closer closes c, ignoring the error.
func closer(c io.Closer) {
	_ = c.Close()
}
