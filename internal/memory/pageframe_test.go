package memory

import "testing"

func TestAllocFreePage(t *testing.T) {
	a := NewPageFrameAllocator(8)

	p1, ok := a.AllocPage()
	if !ok {
		t.Fatal("AllocPage failed on empty allocator")
	}
	p2, ok := a.AllocPage()
	if !ok {
		t.Fatal("AllocPage failed for second frame")
	}
	if p1 == p2 {
		t.Fatalf("AllocPage returned the same frame twice: %d", p1)
	}

	if err := a.FreePage(p1); err != nil {
		t.Fatalf("FreePage: %v", err)
	}
	if err := a.FreePage(p1); err != ErrDoubleFree {
		t.Fatalf("FreePage on already-free frame = %v, want ErrDoubleFree", err)
	}
}

func TestPageStateTransitions(t *testing.T) {
	a := NewPageFrameAllocator(4)

	if a.State(0) != PageFree {
		t.Fatalf("initial state = %v, want Free", a.State(0))
	}

	p, _ := a.AllocPage()
	if a.State(p) != PageAllocated {
		t.Fatalf("state after alloc = %v, want Allocated", a.State(p))
	}

	a.MarkCorrupted(p)
	if a.State(p) != PageCorrupted {
		t.Fatalf("state after mark corrupted = %v, want Corrupted", a.State(p))
	}

	// Healing: freeing a Corrupted frame returns it to Free and counts it
	// as recovered rather than rejecting the call.
	if err := a.FreePage(p); err != nil {
		t.Fatalf("FreePage on corrupted frame: %v", err)
	}
	if a.State(p) != PageFree {
		t.Fatalf("state after healing free = %v, want Free", a.State(p))
	}
	if a.Stats().RecoveredFrames != 1 {
		t.Fatalf("RecoveredFrames = %d, want 1", a.Stats().RecoveredFrames)
	}
}

func TestAllocPagesContiguous(t *testing.T) {
	a := NewPageFrameAllocator(8)

	// Take frame 2 so the contiguous run must start elsewhere.
	a.states[2] = PageAllocated
	a.free--

	start, ok := a.AllocPages(3)
	if !ok {
		t.Fatal("AllocPages(3) failed to find a contiguous run")
	}
	for i := start; i < start+3; i++ {
		if a.State(i) != PageAllocated {
			t.Fatalf("frame %d not allocated after AllocPages", i)
		}
	}
}

func TestAllocPagesNoRunAvailable(t *testing.T) {
	a := NewPageFrameAllocator(4)
	if _, ok := a.AllocPages(5); ok {
		t.Fatal("AllocPages should fail when count exceeds total frames")
	}
}

func TestFreeCountInvariant(t *testing.T) {
	a := NewPageFrameAllocator(10)
	if a.FreeCount() != 10 {
		t.Fatalf("FreeCount = %d, want 10", a.FreeCount())
	}
	a.AllocPage()
	a.AllocPage()
	if a.FreeCount() != 8 {
		t.Fatalf("FreeCount after two allocs = %d, want 8", a.FreeCount())
	}
}
