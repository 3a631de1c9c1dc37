package byterange

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

// countingSize returns a size loader and a pointer to its call count.
func countingSize(size int64, err error) (SizeFunc, *atomic.Int32) {
	var calls atomic.Int32
	return func(context.Context) (int64, error) {
		calls.Add(1)
		return size, err
	}, &calls
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		in        Range
		size      int64
		want      AbsoluteRange
		wantFetch bool
	}{
		{"fixed", Between(1, 3), 4, AbsoluteRange{1, 3}, false},
		{"fixed single byte", Between(0, 0), 4, AbsoluteRange{0, 0}, false},
		{"fixed past end is left for clamping", Between(2, 100), 4, AbsoluteRange{2, 100}, false},
		{"open ended", From(2), 10, AbsoluteRange{2, 9}, true},
		{"open ended from zero", From(0), 10, AbsoluteRange{0, 9}, true},
		{"suffix", Suffix(4), 10, AbsoluteRange{6, 9}, true},
		{"suffix of whole object", Suffix(10), 10, AbsoluteRange{0, 9}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			load, calls := countingSize(tt.size, nil)
			got, err := Resolve(t.Context(), tt.in, NewTotalSize(load))
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
			if fetched := calls.Load() > 0; fetched != tt.wantFetch {
				t.Errorf("size fetched = %v, want %v", fetched, tt.wantFetch)
			}
		})
	}
}

func TestResolve_ErrInvalidRange(t *testing.T) {
	tests := []struct {
		name string
		in   Range
		size int64
	}{
		{"start after end", Range{First: 5, Last: ptr(int64(2))}, 10},
		{"suffix longer than object", Suffix(11), 10},
		{"open ended past end", From(10), 10},
		{"open ended on empty object", From(0), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			load, _ := countingSize(tt.size, nil)
			_, err := Resolve(t.Context(), tt.in, NewTotalSize(load))
			if !errors.Is(err, ErrInvalidRange) {
				t.Errorf("expected ErrInvalidRange, got: %v", err)
			}
		})
	}
}

func TestResolve_SizeErrorPassesThrough(t *testing.T) {
	errMissing := errors.New("object missing")
	load, _ := countingSize(0, errMissing)

	_, err := Resolve(t.Context(), Suffix(3), NewTotalSize(load))
	if !errors.Is(err, errMissing) {
		t.Errorf("expected size loader error, got: %v", err)
	}
}

func TestResolveAll_SizeLoadedOnce(t *testing.T) {
	load, calls := countingSize(100, nil)
	size := NewTotalSize(load)

	got, err := ResolveAll(t.Context(), []Range{From(90), Suffix(5), Between(0, 9), From(50)}, size)
	if err != nil {
		t.Fatalf("ResolveAll failed: %v", err)
	}
	want := []AbsoluteRange{{90, 99}, {95, 99}, {0, 9}, {50, 99}}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d: expected %v, got %v", i, want[i], got[i])
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected 1 size load, got %d", n)
	}
}

func TestTotalSize_ConcurrentGet(t *testing.T) {
	load, calls := countingSize(42, nil)
	size := NewTotalSize(load)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if n, err := size.Get(t.Context()); err != nil || n != 42 {
				t.Errorf("Get = %d, %v", n, err)
			}
		}()
	}
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("expected 1 size load, got %d", n)
	}
}

func TestKnownSize(t *testing.T) {
	n, err := KnownSize(7).Get(t.Context())
	if err != nil || n != 7 {
		t.Errorf("expected 7, got %d, %v", n, err)
	}
}

func TestClamp(t *testing.T) {
	got, err := Clamp(AbsoluteRange{2, 100}, 4)
	if err != nil {
		t.Fatalf("Clamp failed: %v", err)
	}
	if got != (AbsoluteRange{2, 3}) {
		t.Errorf("expected 2-3, got %v", got)
	}

	if _, err := Clamp(AbsoluteRange{4, 8}, 4); !errors.Is(err, ErrUnsatisfiableRange) {
		t.Errorf("expected ErrUnsatisfiableRange, got: %v", err)
	}
}

func TestAbsoluteRange_Formatting(t *testing.T) {
	r := AbsoluteRange{1, 3}
	if r.Len() != 3 {
		t.Errorf("expected length 3, got %d", r.Len())
	}
	if got := r.ContentRange(4); got != "bytes 1-3/4" {
		t.Errorf("unexpected Content-Range %q", got)
	}
	if r.Covers(4) {
		t.Error("1-3 should not cover a 4 byte object")
	}
	if !(AbsoluteRange{0, 3}).Covers(4) {
		t.Error("0-3 should cover a 4 byte object")
	}
}

func TestRange_String(t *testing.T) {
	tests := []struct {
		in   Range
		want string
	}{
		{Between(1, 3), "1-3"},
		{From(5), "5-"},
		{Suffix(4), "-4"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}

func ptr[T any](v T) *T { return &v }
