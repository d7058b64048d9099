package statesync

import "testing"

func TestHistorySetReplacesSameBlock(t *testing.T) {
	h := NewStateHistory()
	h.Set(10, HydratedSnapshot("a"))
	h.Set(10, HydratedSnapshot("b"))

	if h.Len() != 1 {
		t.Fatalf("Expected 1 entry, got %d", h.Len())
	}
	snap, ok := h.Get(10)
	if !ok {
		t.Fatal("Expected entry at block 10")
	}
	value, _ := snap.Value(nil)
	if value != "b" {
		t.Errorf("Expected later write to win, got %v", value)
	}
}

func TestHistoryLatestBefore(t *testing.T) {
	h := NewStateHistory()
	h.Set(10, HydratedSnapshot("a"))
	h.Set(20, HydratedSnapshot("b"))
	h.Set(30, HydratedSnapshot("c"))

	bn, snap, ok := h.LatestBefore(30)
	if !ok || bn != 20 {
		t.Fatalf("Expected block 20, got %d (ok=%v)", bn, ok)
	}
	value, _ := snap.Value(nil)
	if value != "b" {
		t.Errorf("Expected state b, got %v", value)
	}

	// Strictly older: an entry at the exact block does not count
	if _, _, ok := h.LatestBefore(10); ok {
		t.Error("Expected no entry strictly before block 10")
	}
}

func TestHistoryDeleteBefore(t *testing.T) {
	h := NewStateHistory()
	for _, bn := range []uint64{5, 10, 15, 20} {
		h.Set(bn, HydratedSnapshot(bn))
	}

	removed := h.DeleteBefore(15)
	if removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}
	blocks := h.Blocks()
	if len(blocks) != 2 || blocks[0] != 15 || blocks[1] != 20 {
		t.Errorf("Unexpected surviving blocks: %v", blocks)
	}
}

func TestHistoryDeleteAfterKeepsPointerEntry(t *testing.T) {
	h := NewStateHistory()
	for _, bn := range []uint64{10, 20, 30, 40} {
		h.Set(bn, HydratedSnapshot(bn))
	}

	// Keep the entry at 40 even though it is newer than the cutoff
	removed := h.DeleteAfter(15, true, 40)
	if removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}
	if _, ok := h.Get(40); !ok {
		t.Error("Expected pointer entry at 40 to survive")
	}
	if _, ok := h.Get(20); ok {
		t.Error("Expected entry at 20 to be removed")
	}
}

func TestHistoryPrune(t *testing.T) {
	h := NewStateHistory()
	for bn := uint64(90); bn <= 100; bn++ {
		h.Set(bn, HydratedSnapshot(bn))
	}

	removed := h.Prune(100, 5)
	if removed != 6 {
		t.Errorf("Expected 6 removed, got %d", removed)
	}
	// Everything at or below 100-5=95 is gone, 96..100 survive
	for bn := uint64(90); bn <= 95; bn++ {
		if _, ok := h.Get(bn); ok {
			t.Errorf("Expected block %d to be pruned", bn)
		}
	}
	for bn := uint64(96); bn <= 100; bn++ {
		if _, ok := h.Get(bn); !ok {
			t.Errorf("Expected block %d to survive", bn)
		}
	}

	// No retention floor while the pointer is within the window
	if removed := h.Prune(4, 5); removed != 0 {
		t.Errorf("Expected no pruning below the window, got %d", removed)
	}
}
