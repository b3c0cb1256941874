package voxelhash

import "go.uber.org/atomic"

// BlockHeap is a fixed-capacity pool of voxel blocks backed by a LIFO
// free stack. It is a stack deliberately: the most recently freed slot
// is reused first, maximizing cache locality for blocks that oscillate
// between live and dead (spec §4.2).
type BlockHeap struct {
	Blocks []VoxelBlock

	// WeightUpperBound seeds a freshly acquired block's decay counter
	// (spec §4.5: "initially set to weight_upper_bound"). Set once by
	// the owning Mapping at construction.
	WeightUpperBound float32

	free    []int32
	freeTop atomic.Int64

	exhausted atomic.Int64
}

// NewBlockHeap allocates a heap with room for n blocks and initializes
// the free stack with free[i] = i, top at n-1, so pop order yields
// descending slots: the first Alloc returns the highest slot, n-1.
func NewBlockHeap(n uint32) *BlockHeap {
	h := &BlockHeap{
		Blocks: make([]VoxelBlock, n),
		free:   make([]int32, n),
	}
	h.Reset()
	return h
}

// Reset restores the heap to its initial, fully-free state.
func (h *BlockHeap) Reset() {
	n := len(h.free)
	for i := 0; i < n; i++ {
		h.free[i] = int32(i)
	}
	h.freeTop.Store(int64(n))
	h.exhausted.Store(0)
}

// Cap returns the heap's fixed block capacity.
func (h *BlockHeap) Cap() int { return len(h.Blocks) }

// FreeCount returns the number of currently-unused blocks.
func (h *BlockHeap) FreeCount() int64 { return h.freeTop.Load() }

// ExhaustedCount returns how many times Alloc has failed since
// construction or the last Reset, for diagnostics (spec §7).
func (h *BlockHeap) ExhaustedCount() int64 { return h.exhausted.Load() }

// Alloc atomically decrements freeTop and returns Free[freeTop]. If the
// stack is empty it restores freeTop and returns ErrHeapExhausted; the
// caller skips the block and the frame continues (spec §7).
func (h *BlockHeap) Alloc() (int32, error) {
	idx := h.freeTop.Dec()
	if idx < 0 {
		h.freeTop.Inc()
		h.exhausted.Inc()
		return 0, ErrHeapExhausted
	}
	slot := h.free[idx]
	h.Blocks[slot].decayCounter = h.WeightUpperBound
	return slot, nil
}

// Free returns slot to the heap. The increment happens before the
// write: a concurrent Alloc must never observe an index that has not
// yet been written (spec §4.2).
func (h *BlockHeap) Free(slot int32) {
	newTop := h.freeTop.Inc()
	h.free[newTop-1] = slot
	h.Blocks[slot].reset()
}
