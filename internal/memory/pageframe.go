// Package memory implements the self-healing memory subsystem: a page frame
// allocator with bitmap tracking and a canary-protected heap allocator, both
// guarded by a mutex standing in for "interrupts disabled" (the kernel has
// no SMP and no real preemption inside a critical section).
package memory

import (
	"errors"
	"sync"
)

// PageSize is the size in bytes of a single frame.
const PageSize = 4096

// PageState is the 2-bit allocation state of a page frame.
type PageState uint8

const (
	PageFree PageState = iota
	PageAllocated
	PageReserved
	PageCorrupted
)

func (s PageState) String() string {
	switch s {
	case PageFree:
		return "free"
	case PageAllocated:
		return "allocated"
	case PageReserved:
		return "reserved"
	case PageCorrupted:
		return "corrupted"
	default:
		return "unknown"
	}
}

var (
	ErrDoubleFree          = errors.New("memory: double free")
	ErrOutOfMemory         = errors.New("memory: out of memory")
	ErrCorruptionDetected  = errors.New("memory: corruption detected")
	ErrInvalidPointer      = errors.New("memory: invalid pointer")
	ErrAlignmentError      = errors.New("memory: alignment error")
	ErrAllocationTooLarge  = errors.New("memory: allocation too large")
)

// FrameStats summarizes page frame allocator state for observability.
type FrameStats struct {
	TotalFrames     int
	FreeFrames      int
	AllocatedFrames int
	CorruptedFrames int
	RecoveredFrames uint64
}

// PageFrameAllocator tracks a fixed array of fixed-size frames, one state
// per frame (§3.1, §4.1). The heap does not draw frames from it: a Heap
// owns its own fixed-size arena and never grows.
type PageFrameAllocator struct {
	mu        sync.Mutex
	states    []PageState
	nextFrame int // rotating scan cursor
	free      int
	recovered uint64
}

// NewPageFrameAllocator creates an allocator tracking numFrames frames, all
// initially Free.
func NewPageFrameAllocator(numFrames int) *PageFrameAllocator {
	return &PageFrameAllocator{
		states: make([]PageState, numFrames),
		free:   numFrames,
	}
}

// AllocPage scans from the rotating cursor for the first Free frame, marks
// it Allocated, and advances the cursor. Returns (index, true) on success.
func (a *PageFrameAllocator) AllocPage() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.states)
	for i := 0; i < n; i++ {
		idx := (a.nextFrame + i) % n
		if a.states[idx] == PageFree {
			a.states[idx] = PageAllocated
			a.nextFrame = (idx + 1) % n
			a.free--
			return idx, true
		}
	}
	return 0, false
}

// AllocPages scans for a run of count contiguous Free frames and marks them
// all Allocated atomically with respect to other allocator operations.
func (a *PageFrameAllocator) AllocPages(count int) (int, bool) {
	if count <= 0 || count > len(a.states) {
		return 0, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.states)
outer:
	for start := 0; start <= n-count; start++ {
		for i := 0; i < count; i++ {
			if a.states[start+i] != PageFree {
				continue outer
			}
		}
		for i := 0; i < count; i++ {
			a.states[start+i] = PageAllocated
		}
		a.free -= count
		return start, true
	}
	return 0, false
}

// FreePage returns frame i to Free. Reserved and Corrupted frames are
// healed back to Free (incrementing the recovered counter) rather than
// rejected. An already-Free frame reports ErrDoubleFree.
func (a *PageFrameAllocator) FreePage(i int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if i < 0 || i >= len(a.states) {
		return ErrInvalidPointer
	}

	switch a.states[i] {
	case PageFree:
		return ErrDoubleFree
	case PageAllocated:
		a.states[i] = PageFree
		a.free++
		return nil
	case PageReserved, PageCorrupted:
		a.states[i] = PageFree
		a.free++
		a.recovered++
		return nil
	default:
		return ErrInvalidPointer
	}
}

// MarkCorrupted transitions frame i to Corrupted; a Corrupted frame never
// participates in allocation again until healed by FreePage.
func (a *PageFrameAllocator) MarkCorrupted(i int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= 0 && i < len(a.states) {
		if a.states[i] == PageFree {
			a.free--
		}
		a.states[i] = PageCorrupted
	}
}

// State returns the current state of frame i.
func (a *PageFrameAllocator) State(i int) PageState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[i]
}

// FreeCount returns the number of Free frames.
func (a *PageFrameAllocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free
}

// Stats returns a snapshot of allocator counters.
func (a *PageFrameAllocator) Stats() FrameStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := FrameStats{TotalFrames: len(a.states), FreeFrames: a.free, RecoveredFrames: a.recovered}
	for _, s := range a.states {
		switch s {
		case PageAllocated:
			stats.AllocatedFrames++
		case PageCorrupted:
			stats.CorruptedFrames++
		}
	}
	return stats
}
