package voxelhash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freshBlockParams() *SDFParams {
	return &SDFParams{
		VoxelSize:          0.02,
		TruncationDistance: 0.1,
		WeightUpperBound:   10,
		Epsilon:            1e-3,
		MaxIdleFrames:      5,
	}
}

func liveVoxelBlock(p *SDFParams, frame uint32) VoxelBlock {
	var b VoxelBlock
	for i := range b.Voxels {
		b.Voxels[i].SDF = p.TruncationDistance * 2 // outside band by default
		b.Voxels[i].Weight = 0
	}
	b.LastUpdateFrame = frame
	return b
}

func TestUpdateDecay_ResetsOnMeaningfulUpdate(t *testing.T) {
	heap := NewBlockHeap(1)
	hash := NewHashTable(heap, 4, 4, 16)
	p := freshBlockParams()
	r := NewRecycler(p, hash, heap, 4)

	heap.Blocks[0] = liveVoxelBlock(p, 3)
	heap.Blocks[0].Voxels[0].Weight = p.Epsilon
	heap.Blocks[0].decayCounter = 0

	r.updateDecay(0, 3)
	assert.Equal(t, p.WeightUpperBound, heap.Blocks[0].decayCounter)
}

func TestUpdateDecay_CountsDownWithoutUpdate(t *testing.T) {
	heap := NewBlockHeap(1)
	hash := NewHashTable(heap, 4, 4, 16)
	p := freshBlockParams()
	r := NewRecycler(p, hash, heap, 4)

	heap.Blocks[0] = liveVoxelBlock(p, 0)
	heap.Blocks[0].LastUpdateFrame = 0
	heap.Blocks[0].decayCounter = 3

	r.updateDecay(0, 10)
	assert.Equal(t, float32(2), heap.Blocks[0].decayCounter)
}

func TestUpdateDecay_NeverGoesNegative(t *testing.T) {
	heap := NewBlockHeap(1)
	hash := NewHashTable(heap, 4, 4, 16)
	p := freshBlockParams()
	r := NewRecycler(p, hash, heap, 4)

	heap.Blocks[0] = liveVoxelBlock(p, 0)
	heap.Blocks[0].decayCounter = 0

	r.updateDecay(0, 10)
	assert.Equal(t, float32(0), heap.Blocks[0].decayCounter)
}

func TestIsDeletionCandidate_RequiresZeroDecay(t *testing.T) {
	p := freshBlockParams()
	b := liveVoxelBlock(p, 0)
	b.decayCounter = 1
	assert.False(t, isDeletionCandidate(&b, 100, p))
}

func TestIsDeletionCandidate_AllOutsideTruncationBand(t *testing.T) {
	p := freshBlockParams()
	b := liveVoxelBlock(p, 0)
	b.decayCounter = 0
	for i := range b.Voxels {
		b.Voxels[i].SDF = p.TruncationDistance * 5
		b.Voxels[i].Weight = p.Epsilon * 2 // weights are fine, only SDF matters here
	}
	assert.True(t, isDeletionCandidate(&b, 0, p))
}

func TestIsDeletionCandidate_AllWeightsLow(t *testing.T) {
	p := freshBlockParams()
	b := liveVoxelBlock(p, 0)
	b.decayCounter = 0
	for i := range b.Voxels {
		b.Voxels[i].SDF = 0 // inside band
		b.Voxels[i].Weight = 0
	}
	assert.True(t, isDeletionCandidate(&b, 0, p))
}

func TestIsDeletionCandidate_IdlePastMaxFrames(t *testing.T) {
	p := freshBlockParams()
	b := liveVoxelBlock(p, 0)
	b.decayCounter = 0
	for i := range b.Voxels {
		b.Voxels[i].SDF = 0
		b.Voxels[i].Weight = 1
	}
	b.LastUpdateFrame = 0
	assert.True(t, isDeletionCandidate(&b, p.MaxIdleFrames, p))
}

func TestIsDeletionCandidate_NotCandidateWhenActiveAndFresh(t *testing.T) {
	p := freshBlockParams()
	b := liveVoxelBlock(p, 5)
	b.decayCounter = 0
	for i := range b.Voxels {
		b.Voxels[i].SDF = 0
		b.Voxels[i].Weight = 1
	}
	assert.False(t, isDeletionCandidate(&b, 5, p))
}

func TestRecycler_ReclaimsDeletionCandidatesOverShardSweep(t *testing.T) {
	heap := NewBlockHeap(8)
	hash := NewHashTable(heap, 8, 2, 32)
	p := freshBlockParams()
	r := NewRecycler(p, hash, heap, 1) // one shard: full sweep every call

	coord := BlockCoord{1, 1, 1}
	slot, err := hash.AllocIfAbsent(coord)
	require.NoError(t, err)

	heap.Blocks[slot] = liveVoxelBlock(p, 0)
	heap.Blocks[slot].decayCounter = 0
	for i := range heap.Blocks[slot].Voxels {
		heap.Blocks[slot].Voxels[i].Weight = 0
	}

	removed := r.Recycle(0, nil)
	assert.Equal(t, 1, removed)

	_, ok := hash.Find(coord)
	assert.False(t, ok)
	assert.Equal(t, int64(8), heap.FreeCount())
}

func TestRecycler_SweepIsAmortizedAcrossShards(t *testing.T) {
	heap := NewBlockHeap(4)
	hash := NewHashTable(heap, 4, 4, 16)
	p := freshBlockParams()
	r := NewRecycler(p, hash, heap, 4)

	total := hash.NEntries()
	expectedShard := (total + 3) / 4

	assert.Equal(t, uint32(0), r.shardCursor)
	r.Recycle(0, nil)
	assert.Equal(t, expectedShard, r.shardCursor)
	r.Recycle(0, nil)
	assert.Equal(t, 2*expectedShard, r.shardCursor)
}

func TestRecycler_DecaysVisibleBlocksBeforeSweep(t *testing.T) {
	heap := NewBlockHeap(4)
	hash := NewHashTable(heap, 4, 4, 16)
	p := freshBlockParams()
	r := NewRecycler(p, hash, heap, 4)

	slot, err := hash.AllocIfAbsent(BlockCoord{0, 0, 0})
	require.NoError(t, err)
	heap.Blocks[slot].LastUpdateFrame = 7
	heap.Blocks[slot].Voxels[0].Weight = p.Epsilon

	r.Recycle(7, []int32{slot})
	assert.Equal(t, p.WeightUpperBound, heap.Blocks[slot].decayCounter)
}
