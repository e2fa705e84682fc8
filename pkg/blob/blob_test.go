package blob

import (
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		r Range
		o Offset
	}{
		{0, 0},
		{1, 0},
		{1, 12345},
		{Range(MaxRange), Offset(SingleBlobSize - 1)},
	}
	for _, c := range cases {
		id, err := NewID(c.r, c.o)
		if err != nil {
			t.Fatalf("NewID(%d,%d): %v", c.r, c.o, err)
		}
		if id.Range() != c.r || id.Offset() != c.o {
			t.Fatalf("round trip mismatch: got (%d,%d), want (%d,%d)", id.Range(), id.Offset(), c.r, c.o)
		}
	}
}

func TestNewIDRejectsOutOfBounds(t *testing.T) {
	if _, err := NewID(Range(MaxRange+1), 0); err == nil {
		t.Fatalf("expected error for range above MaxRange")
	}
	if _, err := NewID(0, Offset(SingleBlobSize)); err == nil {
		t.Fatalf("expected error for offset at SingleBlobSize")
	}
}

func TestClosedIntervalConstructionErrors(t *testing.T) {
	hi, _ := NewID(0, 0)
	lo, _ := NewID(0, 10)
	if _, err := NewClosedInterval(lo, hi); err == nil {
		t.Fatalf("expected error constructing interval with end < start")
	}
}

func TestClosedIntervalCountOverflowPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic on count overflow")
		}
	}()
	c := ClosedInterval{Start: 0, End: ID(^uint64(0))}
	_ = c.Count()
}

func TestFullIntervalForRangeRejectsAboveMax(t *testing.T) {
	if _, err := FullIntervalForRange(Range(MaxRange + 1)); err == nil {
		t.Fatalf("expected error for range above MaxRange")
	}
}

func TestCorrectSorting(t *testing.T) {
	mk := func(a, b uint64) ClosedInterval {
		iv, err := NewClosedInterval(ID(a), ID(b))
		if err != nil {
			t.Fatalf("NewClosedInterval(%d,%d): %v", a, b, err)
		}
		return iv
	}
	// Overlapping intervals are not merged; only reordered.
	intervals := []ClosedInterval{mk(10, 20), mk(0, 5), mk(0, 100), mk(10, 15)}
	SortClosedIntervals(intervals)
	want := []ClosedInterval{mk(0, 5), mk(0, 100), mk(10, 15), mk(10, 20)}
	if len(intervals) != len(want) {
		t.Fatalf("length mismatch")
	}
	for i := range want {
		if intervals[i] != want[i] {
			t.Fatalf("index %d: got %+v, want %+v", i, intervals[i], want[i])
		}
	}
}

func TestIntervalIterator(t *testing.T) {
	iv, err := NewClosedInterval(ID(5), ID(8))
	if err != nil {
		t.Fatalf("NewClosedInterval: %v", err)
	}
	got := iv.Iter()
	want := []ID{5, 6, 7, 8}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestIntervalCount(t *testing.T) {
	iv, _ := NewClosedInterval(ID(5), ID(8))
	if iv.Count() != 4 {
		t.Fatalf("Count() = %d, want 4", iv.Count())
	}
}
