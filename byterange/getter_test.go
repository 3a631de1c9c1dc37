package byterange

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"testing/iotest"
	"time"
)

// -----------------------------------------------------------------------------
// Test helpers
// -----------------------------------------------------------------------------

// fakeSource serves windows of data and records every fetch.
type fakeSource struct {
	data []byte

	mu      sync.Mutex
	windows []AbsoluteRange

	// truncate, if positive, cuts every fetched stream to this many bytes.
	truncate int
	// oneByte delivers every stream one byte per Read.
	oneByte bool
	// err, if set, fails every fetch.
	err error
	// block, if non-nil, delays every fetch until closed or ctx is done.
	block chan struct{}
}

func (f *fakeSource) fetch(ctx context.Context, w AbsoluteRange) (io.ReadCloser, error) {
	f.mu.Lock()
	f.windows = append(f.windows, w)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	b := f.data[w.Start:min(w.End+1, int64(len(f.data)))]
	if f.truncate > 0 && f.truncate < len(b) {
		b = b[:f.truncate]
	}
	var r io.Reader = bytes.NewReader(b)
	if f.oneByte {
		r = iotest.OneByteReader(r)
	}
	return io.NopCloser(r), nil
}

func (f *fakeSource) fetched() []AbsoluteRange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.windows)
}

func randomBytes(n int) []byte {
	rng := rand.New(rand.NewPCG(7, 11))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rng.UintN(256))
	}
	return b
}

func readRange(t *testing.T, g ByteGetter, r AbsoluteRange) []byte {
	t.Helper()
	rc, err := g.Get(t.Context(), r)
	if err != nil {
		t.Fatalf("Get(%v) failed: %v", r, err)
	}
	defer closer(rc)
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading %v failed: %v", r, err)
	}
	return data
}

// observerFunc adapts a function to Observer.
type observerFunc func(AbsoluteRange, int, error)

func (f observerFunc) BatchFetched(w AbsoluteRange, members int, err error) { f(w, members, err) }

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestBatchingGetter_CorrectBytes(t *testing.T) {
	src := &fakeSource{data: randomBytes(50)}
	ranges := []AbsoluteRange{{3, 5}, {7, 9}, {10, 16}, {17, 20}, {21, 22}}

	g, err := NewBatchingGetter(t.Context(), src.fetch, ranges, WithMaxBatchSize(6))
	if err != nil {
		t.Fatalf("NewBatchingGetter failed: %v", err)
	}

	for _, r := range ranges {
		got := readRange(t, g, r)
		if !bytes.Equal(got, src.data[r.Start:r.End+1]) {
			t.Errorf("range %v: expected %v, got %v", r, src.data[r.Start:r.End+1], got)
		}
	}
	if err := g.Wait(); err != nil {
		t.Errorf("Wait: %v", err)
	}

	want := []AbsoluteRange{{3, 9}, {10, 16}, {17, 22}}
	got := src.fetched()
	if !slices.Equal(got, want) {
		t.Errorf("expected fetch windows %v, got %v", want, got)
	}
}

func TestBatchingGetter_AnyRequestOrder(t *testing.T) {
	data := randomBytes(200)
	ranges := []AbsoluteRange{{0, 4}, {10, 30}, {31, 31}, {40, 90}, {95, 199}}

	rng := rand.New(rand.NewPCG(3, 5))
	for iter := range 20 {
		src := &fakeSource{data: data, oneByte: true}
		g, err := NewBatchingGetter(t.Context(), src.fetch, ranges, WithMaxBatchSize(1+rng.Int64N(120)))
		if err != nil {
			t.Fatal(err)
		}

		order := slices.Clone(ranges)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, r := range order {
			if got := readRange(t, g, r); !bytes.Equal(got, src.data[r.Start:r.End+1]) {
				t.Errorf("iter %d range %v: wrong bytes", iter, r)
			}
		}
		if n := len(src.fetched()); n != len(g.Batches()) {
			t.Errorf("iter %d: expected %d fetches, got %d", iter, len(g.Batches()), n)
		}
	}
}

func TestBatchingGetter_OneFetchPerBatchUnderConcurrency(t *testing.T) {
	src := &fakeSource{data: randomBytes(100), block: make(chan struct{})}
	ranges := []AbsoluteRange{{0, 9}, {12, 20}, {22, 30}}

	g, err := NewBatchingGetter(t.Context(), src.fetch, ranges, WithMaxBatchSize(1000))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([][]byte, 30)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := ranges[i%len(ranges)]
			rc, err := g.Get(context.Background(), r)
			if err != nil {
				t.Errorf("Get(%v): %v", r, err)
				return
			}
			results[i], _ = io.ReadAll(rc)
		}()
	}
	close(src.block)
	wg.Wait()

	for i, got := range results {
		r := ranges[i%len(ranges)]
		if !bytes.Equal(got, src.data[r.Start:r.End+1]) {
			t.Errorf("caller %d range %v: wrong bytes", i, r)
		}
	}
	if n := len(src.fetched()); n != 1 {
		t.Errorf("expected exactly one fetch, got %d", n)
	}
}

func TestBatchingGetter_RepeatedGetIsReplayable(t *testing.T) {
	src := &fakeSource{data: randomBytes(20)}
	r := AbsoluteRange{2, 8}

	g, err := NewBatchingGetter(t.Context(), src.fetch, []AbsoluteRange{r})
	if err != nil {
		t.Fatal(err)
	}
	first := readRange(t, g, r)
	second := readRange(t, g, r)
	if !bytes.Equal(first, second) || !bytes.Equal(first, src.data[2:9]) {
		t.Errorf("expected identical reads of %v, got %v and %v", src.data[2:9], first, second)
	}
	if n := len(src.fetched()); n != 1 {
		t.Errorf("expected one fetch, got %d", n)
	}
}

func TestBatchingGetter_DuplicateRangesShareAMember(t *testing.T) {
	src := &fakeSource{data: randomBytes(20)}
	ranges := []AbsoluteRange{{2, 4}, {2, 4}, {6, 7}}

	g, err := NewBatchingGetter(t.Context(), src.fetch, ranges)
	if err != nil {
		t.Fatalf("duplicates should not count as overlap: %v", err)
	}
	if got := g.Batches(); len(got) != 1 || len(got[0]) != 2 {
		t.Errorf("expected one batch of two members, got %v", got)
	}
}

func TestBatchingGetter_ErrOverlappingRanges(t *testing.T) {
	src := &fakeSource{data: randomBytes(20)}
	_, err := NewBatchingGetter(t.Context(), src.fetch, []AbsoluteRange{{2, 6}, {4, 8}})
	if !errors.Is(err, ErrOverlappingRanges) {
		t.Errorf("expected ErrOverlappingRanges, got: %v", err)
	}
	if n := len(src.fetched()); n != 0 {
		t.Errorf("expected no fetches, got %d", n)
	}
}

func TestBatchingGetter_ErrBatchNotFound(t *testing.T) {
	src := &fakeSource{data: randomBytes(20)}
	g, err := NewBatchingGetter(t.Context(), src.fetch, []AbsoluteRange{{2, 6}})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := g.Get(t.Context(), AbsoluteRange{2, 5}); !errors.Is(err, ErrBatchNotFound) {
		t.Errorf("expected ErrBatchNotFound, got: %v", err)
	}
	if n := len(src.fetched()); n != 0 {
		t.Errorf("expected no fetches, got %d", n)
	}
}

func TestBatchingGetter_ErrShortRead(t *testing.T) {
	src := &fakeSource{data: randomBytes(50), truncate: 5}
	ranges := []AbsoluteRange{{0, 2}, {4, 9}, {11, 12}}

	var observed error
	g, err := NewBatchingGetter(t.Context(), src.fetch, ranges,
		WithMaxBatchSize(100),
		WithObserver(observerFunc(func(_ AbsoluteRange, _ int, err error) { observed = err })),
	)
	if err != nil {
		t.Fatal(err)
	}

	// The first member is covered by the truncated stream.
	if got := readRange(t, g, AbsoluteRange{0, 2}); !bytes.Equal(got, src.data[0:3]) {
		t.Errorf("expected first range to resolve, got %v", got)
	}

	for _, r := range ranges[1:] {
		rc, err := g.Get(t.Context(), r)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.ReadAll(rc); !errors.Is(err, ErrShortRead) {
			t.Errorf("range %v: expected ErrShortRead, got: %v", r, err)
		}
	}
	if err := g.Wait(); !errors.Is(err, ErrShortRead) {
		t.Errorf("Wait: expected ErrShortRead, got: %v", err)
	}
	if !errors.Is(observed, ErrShortRead) {
		t.Errorf("observer: expected ErrShortRead, got: %v", observed)
	}
}

func TestBatchingGetter_FetchErrorReachesEveryMember(t *testing.T) {
	errBackend := errors.New("backend down")
	src := &fakeSource{data: randomBytes(20), err: errBackend}
	ranges := []AbsoluteRange{{0, 2}, {4, 6}}

	g, err := NewBatchingGetter(t.Context(), src.fetch, ranges)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range ranges {
		rc, err := g.Get(t.Context(), r)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.ReadAll(rc); !errors.Is(err, errBackend) {
			t.Errorf("range %v: expected backend error, got: %v", r, err)
		}
	}
	if err := g.Wait(); !errors.Is(err, errBackend) {
		t.Errorf("Wait: expected backend error, got: %v", err)
	}
}

func TestBatchingGetter_CallerContextDoesNotCancelFetch(t *testing.T) {
	src := &fakeSource{data: randomBytes(20), block: make(chan struct{})}
	r := AbsoluteRange{0, 9}

	g, err := NewBatchingGetter(t.Context(), src.fetch, []AbsoluteRange{r})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	rc, err := g.Get(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, err := io.ReadAll(rc); !errors.Is(err, context.Canceled) {
		t.Errorf("expected abandoned reader to see context.Canceled, got: %v", err)
	}

	close(src.block)
	if got := readRange(t, g, r); !bytes.Equal(got, src.data[0:10]) {
		t.Errorf("expected the batch to complete for other readers, got %v", got)
	}
}

func TestBatchingGetter_RequestContextCancelsFetch(t *testing.T) {
	src := &fakeSource{data: randomBytes(20), block: make(chan struct{})}
	r := AbsoluteRange{0, 9}

	ctx, cancel := context.WithCancel(t.Context())
	g, err := NewBatchingGetter(ctx, src.fetch, []AbsoluteRange{r})
	if err != nil {
		t.Fatal(err)
	}
	rc, err := g.Get(t.Context(), r)
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	if _, err := io.ReadAll(rc); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

func TestBatchingGetter_MaxConcurrentFetches(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	data := randomBytes(100)
	fetch := func(_ context.Context, w AbsoluteRange) (io.ReadCloser, error) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return io.NopCloser(bytes.NewReader(data[w.Start : w.End+1])), nil
	}

	ranges := []AbsoluteRange{{0, 1}, {20, 21}, {40, 41}, {60, 61}, {80, 81}}
	g, err := NewBatchingGetter(t.Context(), fetch, ranges,
		WithMaxBatchSize(2),
		WithMaxConcurrentFetches(1),
	)
	if err != nil {
		t.Fatal(err)
	}

	readers := make([]io.ReadCloser, len(ranges))
	for i, r := range ranges {
		if readers[i], err = g.Get(t.Context(), r); err != nil {
			t.Fatal(err)
		}
	}
	for i, rc := range readers {
		got, err := io.ReadAll(rc)
		if err != nil {
			t.Fatal(err)
		}
		if r := ranges[i]; !bytes.Equal(got, data[r.Start:r.End+1]) {
			t.Errorf("range %v: wrong bytes", r)
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if peak != 1 {
		t.Errorf("expected at most one fetch in flight, saw %d", peak)
	}
}

func TestBatchingGetter_ObserverSeesEachBatch(t *testing.T) {
	src := &fakeSource{data: randomBytes(50)}
	ranges := []AbsoluteRange{{3, 5}, {7, 9}, {10, 16}, {17, 20}, {21, 22}}

	var (
		mu      sync.Mutex
		windows []AbsoluteRange
		members int
	)
	obs := observerFunc(func(w AbsoluteRange, n int, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			t.Errorf("unexpected batch error: %v", err)
		}
		windows = append(windows, w)
		members += n
	})

	g, err := NewBatchingGetter(t.Context(), src.fetch, ranges, WithMaxBatchSize(6), WithObserver(obs))
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range ranges {
		readRange(t, g, r)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if len(windows) != 3 || members != len(ranges) {
		t.Errorf("expected 3 batches covering %d members, got %v covering %d", len(ranges), windows, members)
	}
}

func TestNewBatchingGetter_RequiresFetch(t *testing.T) {
	if _, err := NewBatchingGetter(t.Context(), nil, nil); err == nil {
		t.Error("expected error for nil fetch")
	}
}
