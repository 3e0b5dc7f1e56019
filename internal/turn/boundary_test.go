package turn

import "testing"

func TestBoundaryDetectorWaitsForMinimumPrefetchLength(t *testing.T) {
	d := NewBoundaryDetector()
	units := d.Feed("Hi.")
	if len(units) != 0 {
		t.Fatalf("Feed() with short span = %d units, want 0 before minimum prefetch length", len(units))
	}
}

func TestBoundaryDetectorSplitsOnSentenceTerminator(t *testing.T) {
	d := NewBoundaryDetector()
	long := "This is a long enough opening clause to clear the prefetch floor."
	units := d.Feed(long)
	if len(units) != 1 {
		t.Fatalf("Feed() = %d units, want 1", len(units))
	}
	if units[0].Index != 0 {
		t.Fatalf("unit index = %d, want 0", units[0].Index)
	}
	if units[0].Text != long {
		t.Fatalf("unit text = %q, want %q", units[0].Text, long)
	}
}

func TestBoundaryDetectorAssignsMonotonicIndices(t *testing.T) {
	d := NewBoundaryDetector()
	first := "This first clause clears the prefetch floor all on its own already now."
	second := "And this second independent clause clears the floor by itself too."
	units := append(d.Feed(first), d.Feed(second)...)
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	if units[0].Index != 0 || units[1].Index != 1 {
		t.Fatalf("indices = %d,%d want 0,1", units[0].Index, units[1].Index)
	}
}

func TestBoundaryDetectorFlushEmitsRemainder(t *testing.T) {
	d := NewBoundaryDetector()
	d.Feed("short")
	u := d.Flush()
	if u == nil {
		t.Fatalf("Flush() = nil, want remaining span even under the prefetch floor")
	}
	if u.Text != "short" {
		t.Fatalf("Flush() text = %q, want %q", u.Text, "short")
	}
}

func TestBoundaryDetectorFlushOnEmptyBufferReturnsNil(t *testing.T) {
	d := NewBoundaryDetector()
	d.Feed("This sentence clears the prefetch floor and already closed the unit.")
	if u := d.Flush(); u != nil {
		t.Fatalf("Flush() after a clean boundary = %+v, want nil", u)
	}
}
