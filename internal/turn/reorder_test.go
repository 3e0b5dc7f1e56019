package turn

import (
	"testing"
	"time"
)

func TestReorderBufferDeliversInOrderDespiteOutOfOrderPush(t *testing.T) {
	b := NewReorderBuffer(16, time.Second)

	out, err := push(t, b, Item{UnitIndex: 0, ChunkIndex: 1, Final: true, Payload: "0.1"})
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("out-of-order chunk 0.1 should not drain before 0.0, got %v", out)
	}

	out, _ = push(t, b, Item{UnitIndex: 0, ChunkIndex: 0, Payload: "0.0"})
	if len(out) != 2 {
		t.Fatalf("pushing 0.0 should drain both 0.0 and buffered 0.1, got %d items", len(out))
	}
	if out[0].Payload != "0.0" || out[1].Payload != "0.1" {
		t.Fatalf("drain order wrong: %+v", out)
	}
}

func TestReorderBufferAdvancesCursorAcrossUnitsOnFinal(t *testing.T) {
	b := NewReorderBuffer(16, time.Second)

	out, _ := push(t, b, Item{UnitIndex: 0, ChunkIndex: 0, Final: true, Payload: "0.0"})
	if len(out) != 1 {
		t.Fatalf("expected unit 0's single chunk to drain immediately, got %d", len(out))
	}

	out, _ = push(t, b, Item{UnitIndex: 1, ChunkIndex: 0, Final: true, Payload: "1.0"})
	if len(out) != 1 || out[0].Payload != "1.0" {
		t.Fatalf("expected unit 1 to drain after unit 0's final, got %v", out)
	}
}

func TestReorderBufferDropsLateDuplicates(t *testing.T) {
	b := NewReorderBuffer(16, time.Second)
	push(t, b, Item{UnitIndex: 0, ChunkIndex: 0, Final: true, Payload: "0.0"})

	out, err := push(t, b, Item{UnitIndex: 0, ChunkIndex: 0, Final: true, Payload: "late-duplicate"})
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("late duplicate should be dropped, got %v", out)
	}
}

func TestReorderBufferStallStatusWarnsThenAborts(t *testing.T) {
	b := NewReorderBuffer(16, 10*time.Millisecond)
	push(t, b, Item{UnitIndex: 0, ChunkIndex: 1, Payload: "out-of-order"})

	warn, abort := b.StallStatus(time.Now())
	if warn || abort {
		t.Fatalf("StallStatus() immediately after push = (%v,%v), want (false,false)", warn, abort)
	}

	later := time.Now().Add(15 * time.Millisecond)
	warn, abort = b.StallStatus(later)
	if !warn || abort {
		t.Fatalf("StallStatus() past one stall window = (%v,%v), want (true,false)", warn, abort)
	}

	muchLater := time.Now().Add(25 * time.Millisecond)
	warn, abort = b.StallStatus(muchLater)
	if !warn || !abort {
		t.Fatalf("StallStatus() past two stall windows = (%v,%v), want (true,true)", warn, abort)
	}
}

func TestReorderBufferFullReturnsError(t *testing.T) {
	b := NewReorderBuffer(1, time.Second)
	push(t, b, Item{UnitIndex: 5, ChunkIndex: 0, Payload: "held"})
	_, err := push(t, b, Item{UnitIndex: 6, ChunkIndex: 0, Payload: "overflow"})
	if err != ErrReorderBufferFull {
		t.Fatalf("Push() error = %v, want ErrReorderBufferFull", err)
	}
}

func push(t *testing.T, b *ReorderBuffer, item Item) ([]Item, error) {
	t.Helper()
	return b.Push(item)
}
