package memory

import "sync"

const (
	// blockHeaderSize is the conceptual size, in bytes, reserved for a
	// block's header metadata ahead of its payload. The header fields
	// themselves live in Go structs (see §9 design notes: no raw pointer
	// arithmetic), but the arena still reserves this many bytes per block
	// so address-order bookkeeping behaves like a real allocator.
	blockHeaderSize = 32
	// CanarySize is K from §3.2: the number of trailing canary bytes
	// written immediately after every block's payload.
	CanarySize = 8
	// CanaryByte is the constant fill value of a canary.
	CanaryByte = 0xDE
	// blockMagic marks a header that has not been detected corrupt.
	blockMagic = 0x424C4B5F // "BLK_"
	// minSplitPayload is the smallest payload a split-off remainder block
	// may be given; below this the original block keeps the slack.
	minSplitPayload = 16
)

// Ptr is an opaque handle to a live heap allocation, returned by Alloc and
// consumed by Free. It does not expose the payload bytes directly; use
// (*Heap).Bytes to view them.
type Ptr int

// NullPtr is returned by Alloc on failure.
const NullPtr Ptr = -1

// block is one node of the address-ordered doubly linked block list
// (§3.2). prev/next are header keys, -1 meaning "no such neighbor".
type block struct {
	headerOffset  int
	payloadOffset int
	size          int // payload bytes, including any alignment padding
	pad           int // bytes of `size` consumed by alignment, at the front
	userSize      int // originally requested size, for Bytes()
	allocated     bool
	magic         uint32
	prev, next    int
}

// Stats mirrors the original crate's MemoryStats, extended with heap-only
// counters surfaced to the metrics layer.
type Stats struct {
	TotalAllocations   uint64
	TotalDeallocations uint64
	FailedAllocations  uint64
	CorruptionEvents   uint64
	RecoveredBlocks    uint64
	DoubleFrees        uint64
}

// Heap is a self-healing, canary-protected block allocator over a single
// contiguous arena (§4.2). It never hands out a dangling pointer on detected
// corruption: it either refuses the operation or heals and refuses.
type Heap struct {
	mu      sync.Mutex
	arena   []byte
	headers map[int]*block
	ptrs    map[Ptr]int // live allocation -> owning header key
	head    int         // header key of the first block (always 0)
	healing bool
	stats   Stats
}

// NewHeap creates a heap over a freshly allocated arena of size bytes, all
// one large free block, healing enabled by default.
func NewHeap(size int) *Heap {
	h := &Heap{
		arena:   make([]byte, size),
		headers: make(map[int]*block),
		ptrs:    make(map[Ptr]int),
		healing: true,
	}
	first := &block{
		headerOffset:  0,
		payloadOffset: blockHeaderSize,
		size:          size - blockHeaderSize - CanarySize,
		magic:         blockMagic,
		prev:          -1,
		next:          -1,
	}
	h.headers[0] = first
	h.writeCanary(first)
	return h
}

// SetHealingEnabled toggles self-healing of corrupted block headers.
func (h *Heap) SetHealingEnabled(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healing = enabled
}

func (h *Heap) writeCanary(b *block) {
	start := b.payloadOffset + b.size
	for i := 0; i < CanarySize; i++ {
		h.arena[start+i] = CanaryByte
	}
}

func (h *Heap) canaryIntact(b *block) bool {
	start := b.payloadOffset + b.size
	if start+CanarySize > len(h.arena) {
		return false
	}
	for i := 0; i < CanarySize; i++ {
		if h.arena[start+i] != CanaryByte {
			return false
		}
	}
	return true
}

// Alloc reserves size bytes aligned to align, returning a handle to the
// payload. align is honored by reserving padding within the returned block.
// Returns NullPtr and increments FailedAllocations if no free block is big
// enough.
func (h *Heap) Alloc(size, align int) (Ptr, error) {
	if size <= 0 {
		return NullPtr, ErrAllocationTooLarge
	}
	if align <= 0 {
		align = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for key := h.head; key != -1; {
		b, ok := h.headers[key]
		if !ok {
			break
		}

		if b.magic != blockMagic {
			h.stats.CorruptionEvents++
			if h.healing {
				h.healBlock(b)
			} else {
				h.stats.FailedAllocations++
				return NullPtr, ErrCorruptionDetected
			}
		}

		if !b.allocated {
			pad := 0
			if rem := b.payloadOffset % align; rem != 0 {
				pad = align - rem
			}
			needed := pad + size

			if b.size >= needed {
				h.splitIfPossible(b, needed)
				b.allocated = true
				b.pad = pad
				b.userSize = size
				h.writeCanary(b)

				ptr := Ptr(b.payloadOffset + pad)
				h.ptrs[ptr] = b.headerOffset
				h.stats.TotalAllocations++
				return ptr, nil
			}
		}

		key = b.next
	}

	h.stats.FailedAllocations++
	return NullPtr, ErrOutOfMemory
}

// splitIfPossible carves a new free block out of b's tail when the leftover
// space after servicing `needed` bytes can host another header, canary and
// minimum payload.
func (h *Heap) splitIfPossible(b *block, needed int) {
	remaining := b.size - needed
	if remaining < blockHeaderSize+CanarySize+minSplitPayload {
		return
	}

	newHeaderOffset := b.payloadOffset + needed + CanarySize
	newBlock := &block{
		headerOffset:  newHeaderOffset,
		payloadOffset: newHeaderOffset + blockHeaderSize,
		size:          remaining - blockHeaderSize - CanarySize,
		magic:         blockMagic,
		prev:          b.headerOffset,
		next:          b.next,
	}
	h.headers[newHeaderOffset] = newBlock
	h.writeCanary(newBlock)

	if b.next != -1 {
		if nextBlock, ok := h.headers[b.next]; ok {
			nextBlock.prev = newHeaderOffset
		}
	}
	b.next = newHeaderOffset
	b.size = needed
}

// healBlock reinitializes a corrupted header to a safe Allocated state to
// prevent further damage: the block's own bounds can no longer be trusted,
// so healing pins it allocated rather than risk corrupting the free list.
func (h *Heap) healBlock(b *block) {
	b.magic = blockMagic
	b.allocated = true
	h.stats.RecoveredBlocks++
}

// Free releases the allocation at ptr.
//
// A bad magic marker means the header's own bounds can no longer be
// trusted: the corruption counter is incremented and, if healing is
// enabled, the header is reinitialized to a safe Allocated state and the
// call returns without freeing anything further. A bad trailing canary
// means the header is still trustworthy but the payload overflowed into
// it: the counter is incremented, the canary is restored (if healing is
// enabled) or left damaged, and the free proceeds normally either way —
// this is the S4 scenario's "corruption increments the counter, healing
// lets the free complete" path. An already-free block records a
// double-free event. On success the block coalesces with its immediate
// predecessor and successor if they are free.
func (h *Heap) Free(ptr Ptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key, ok := h.ptrs[ptr]
	if !ok {
		// A pointer that is no longer live but still addresses the payload
		// of a free block is a second free of that block.
		if fb, found := h.headers[int(ptr)-blockHeaderSize]; found && !fb.allocated {
			h.stats.DoubleFrees++
			return ErrDoubleFree
		}
		return ErrInvalidPointer
	}
	b, ok := h.headers[key]
	if !ok {
		return ErrInvalidPointer
	}

	if b.magic != blockMagic {
		h.stats.CorruptionEvents++
		if h.healing {
			h.healBlock(b)
		}
		return ErrCorruptionDetected
	}

	canaryWasBad := !h.canaryIntact(b)
	if canaryWasBad {
		h.stats.CorruptionEvents++
		if h.healing {
			h.writeCanary(b)
		}
	}

	if !b.allocated {
		h.stats.DoubleFrees++
		return ErrDoubleFree
	}

	b.allocated = false
	b.pad = 0
	b.userSize = 0
	delete(h.ptrs, ptr)
	h.stats.TotalDeallocations++

	h.coalesceWithNext(b)
	h.coalesceWithPrev(b)

	if canaryWasBad && !h.healing {
		return ErrCorruptionDetected
	}
	return nil
}

func (h *Heap) coalesceWithNext(b *block) {
	if b.next == -1 {
		return
	}
	next, ok := h.headers[b.next]
	if !ok || next.allocated {
		return
	}
	b.size += blockHeaderSize + CanarySize + next.size
	b.next = next.next
	if next.next != -1 {
		if nn, ok := h.headers[next.next]; ok {
			nn.prev = b.headerOffset
		}
	}
	delete(h.headers, next.headerOffset)
	h.writeCanary(b)
}

func (h *Heap) coalesceWithPrev(b *block) {
	if b.prev == -1 {
		return
	}
	prev, ok := h.headers[b.prev]
	if !ok || prev.allocated {
		return
	}
	prev.size += blockHeaderSize + CanarySize + b.size
	prev.next = b.next
	if b.next != -1 {
		if nb, ok := h.headers[b.next]; ok {
			nb.prev = prev.headerOffset
		}
	}
	delete(h.headers, b.headerOffset)
	if h.head == b.headerOffset {
		h.head = prev.headerOffset
	}
	h.writeCanary(prev)
}

// Bytes returns a slice view of the payload owned by ptr. The slice aliases
// the heap's arena; callers must not retain it across a Free of ptr.
func (h *Heap) Bytes(ptr Ptr) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key, ok := h.ptrs[ptr]
	if !ok {
		return nil, ErrInvalidPointer
	}
	b := h.headers[key]
	start := int(ptr)
	return h.arena[start : start+b.userSize], nil
}

// VerifyHeap walks the entire block list end-to-end, counting invariant
// violations (bad magic, or a corrupted canary on an allocated block).
// Returns nil if zero violations were found.
func (h *Heap) VerifyHeap() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	errs := 0
	for key := h.head; key != -1; {
		b, ok := h.headers[key]
		if !ok {
			break
		}
		if b.magic != blockMagic {
			errs++
		} else if b.allocated && !h.canaryIntact(b) {
			errs++
		}
		key = b.next
	}

	if errs > 0 {
		return ErrCorruptionDetected
	}
	return nil
}

// Defragment runs a best-effort additional coalescing pass; correctness
// never depends on it since Free already coalesces eagerly.
func (h *Heap) Defragment() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for key := h.head; key != -1; {
		b, ok := h.headers[key]
		if !ok {
			break
		}
		if !b.allocated {
			h.coalesceWithNext(b)
		}
		key = b.next
	}
}

// Stats returns a snapshot of heap counters.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// FreeBytes returns the total payload capacity currently sitting in free
// blocks.
func (h *Heap) FreeBytes() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	total := 0
	for key := h.head; key != -1; {
		b, ok := h.headers[key]
		if !ok {
			break
		}
		if !b.allocated {
			total += b.size
		}
		key = b.next
	}
	return total
}

// Capacity returns the total arena size, in bytes, the heap was created
// with.
func (h *Heap) Capacity() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.arena)
}
