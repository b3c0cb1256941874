package voxelhash

import "container/list"

// Recycler bounds memory under drift and moving cameras by decaying
// blocks that stop receiving meaningful updates and reclaiming them
// once they become deletion candidates (spec §4.5). It runs after
// fusion each frame.
type Recycler struct {
	params *SDFParams
	hash   *HashTable
	heap   *BlockHeap

	shardCount  uint32
	shardCursor uint32
}

// NewRecycler builds a recycler that amortizes its full-table sweep
// over shardCount frames.
func NewRecycler(params *SDFParams, hash *HashTable, heap *BlockHeap, shardCount uint32) *Recycler {
	if shardCount == 0 {
		shardCount = 1
	}
	return &Recycler{params: params, hash: hash, heap: heap, shardCount: shardCount}
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// blockMeaningfullyUpdated reports whether fusion wrote a non-trivial
// update into b during currentFrame.
func blockMeaningfullyUpdated(b *VoxelBlock, currentFrame uint32, p *SDFParams) bool {
	if b.LastUpdateFrame != currentFrame {
		return false
	}
	for i := range b.Voxels {
		if b.Voxels[i].Weight >= p.Epsilon {
			return true
		}
	}
	return false
}

// isDeletionCandidate implements spec §4.5's rule: decay counter at
// zero AND (all voxels outside the truncation band, OR all weights
// below epsilon, OR the block has been idle past MaxIdleFrames).
func isDeletionCandidate(b *VoxelBlock, currentFrame uint32, p *SDFParams) bool {
	if b.decayCounter > 0 {
		return false
	}

	allOutsideTruncation := true
	allWeightsLow := true
	for i := range b.Voxels {
		v := &b.Voxels[i]
		if allOutsideTruncation && abs32(v.SDF) <= p.TruncationDistance {
			allOutsideTruncation = false
		}
		if allWeightsLow && v.Weight >= p.Epsilon {
			allWeightsLow = false
		}
		if !allOutsideTruncation && !allWeightsLow {
			break
		}
	}

	idle := currentFrame-b.LastUpdateFrame >= p.MaxIdleFrames
	return allOutsideTruncation || allWeightsLow || idle
}

// updateDecay advances the per-block decay counter for one visible
// slot: reset to WeightUpperBound on a meaningful update, otherwise
// count down towards zero (never below it).
func (r *Recycler) updateDecay(slot int32, currentFrame uint32) {
	block := &r.heap.Blocks[slot]
	if blockMeaningfullyUpdated(block, currentFrame, r.params) {
		block.decayCounter = r.params.WeightUpperBound
		return
	}
	if block.decayCounter > 0 {
		block.decayCounter--
	}
}

// Recycle decays every block in visible, then sweeps one shard of the
// full entry array looking for deletion candidates, which it removes
// from the hash (returning their heap slots to the free stack). It
// returns the number of blocks reclaimed. The shard sweep collects
// candidates into a list before removing any of them, so the removal
// pass never mutates the entries array out from under the scan that is
// still in progress (the same collect-then-flush shape as the
// teacher's Rehash reinsert list).
func (r *Recycler) Recycle(currentFrame uint32, visible []int32) int {
	for _, slot := range visible {
		r.updateDecay(slot, currentFrame)
	}

	n := r.hash.NEntries()
	shardSize := (n + r.shardCount - 1) / r.shardCount
	if shardSize == 0 {
		shardSize = 1
	}

	start := r.shardCursor
	end := start + shardSize
	if end > n {
		end = n
	}
	r.shardCursor = end
	if r.shardCursor >= n {
		r.shardCursor = 0
	}

	candidates := list.New()
	for idx := start; idx < end; idx++ {
		b, slot, ok := r.hash.EntryAt(idx)
		if !ok {
			continue
		}
		if isDeletionCandidate(&r.heap.Blocks[slot], currentFrame, r.params) {
			candidates.PushBack(b)
		}
	}

	removed := 0
	for e := candidates.Front(); e != nil; e = e.Next() {
		if err := r.hash.Remove(e.Value.(BlockCoord)); err == nil {
			removed++
		}
	}
	return removed
}
