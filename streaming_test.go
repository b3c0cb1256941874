package voxelhash

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSensor() SensorParams {
	return SensorParams{
		FX: 500, FY: 500, CX: 32, CY: 24,
		Width: 64, Height: 48,
		MinDepth: 0.1, MaxDepth: 10,
	}
}

func testMapping(nBlocks, nBuckets, nEntries uint32) *Mapping {
	return NewMapping(SDFParams{
		VoxelSize:               0.02,
		TruncationDistance:      0.1,
		TruncationDistanceScale: 0,
		WeightSample:            1,
		WeightUpperBound:        10,
		SDFUpperBound:           1,
		NBuckets:                nBuckets,
		BSize:                   4,
		NBlocks:                 nBlocks,
		NEntries:                nEntries,
		MaxIdleFrames:           30,
		Epsilon:                 1e-3,
		Sensor:                  testSensor(),
	})
}

func flatFrame(sensor SensorParams, depth float32, pose mgl32.Mat4) Frame {
	n := int(sensor.Width * sensor.Height)
	d := make([]float32, n)
	for i := range d {
		d[i] = depth
	}
	return Frame{Depth: d, Color: make([]uint8, n*4), Pose: pose}
}

func TestDDA_ZeroDisplacementReturnsSingleBlock(t *testing.T) {
	p := mgl32.Vec3{0.1, 0.1, 0.1}
	blocks := dda(0.02, p, p)
	require.Len(t, blocks, 1)
	assert.Equal(t, WorldToBlock(p, 0.02), blocks[0])
}

func TestDDA_CoversEndpoints(t *testing.T) {
	from := mgl32.Vec3{0, 0, 0.2}
	to := mgl32.Vec3{0, 0, 1.0}
	blocks := dda(0.02, from, to)

	wantFirst := WorldToBlock(from, 0.02)
	wantLast := WorldToBlock(to, 0.02)
	assert.Equal(t, wantFirst, blocks[0])
	assert.Equal(t, wantLast, blocks[len(blocks)-1])
}

func TestWorkerChunks_CoversWholeRangeWithoutOverlap(t *testing.T) {
	ranges := workerChunks(37, 8)
	covered := make([]bool, 37)
	for _, r := range ranges {
		for i := r[0]; i < r[1]; i++ {
			require.False(t, covered[i], "index %d covered twice", i)
			covered[i] = true
		}
	}
	for i, c := range covered {
		assert.True(t, c, "index %d never covered", i)
	}
}

func TestCandidateBlocks_StraightWallProducesCandidates(t *testing.T) {
	m := testMapping(4096, 64, 64*4*2)
	frame := flatFrame(m.Params.Sensor, 2.0, mgl32.Ident4())

	candidates := m.Streaming.CandidateBlocks(frame)
	assert.NotEmpty(t, candidates)
}

func TestCandidateBlocks_InvalidDepthProducesNoCandidates(t *testing.T) {
	m := testMapping(4096, 64, 64*4*2)
	sensor := m.Params.Sensor
	n := int(sensor.Width * sensor.Height)
	frame := Frame{
		Depth: make([]float32, n), // all zero: invalid
		Color: make([]uint8, n*4),
		Pose:  mgl32.Ident4(),
	}

	candidates := m.Streaming.CandidateBlocks(frame)
	assert.Empty(t, candidates)
}

func TestAllocateFrame_DeduplicatesAcrossCandidates(t *testing.T) {
	m := testMapping(16, 16, 16*4*2)

	candidates := map[BlockCoord]struct{}{
		{0, 0, 0}: {},
		{1, 0, 0}: {},
		{2, 0, 0}: {},
	}
	m.Streaming.AllocateFrame(candidates)

	assert.Equal(t, int64(16-3), m.Heap.FreeCount())
	for b := range candidates {
		_, ok := m.Hash.Find(b)
		assert.True(t, ok)
	}

	// Calling again with an overlapping set allocates no new blocks.
	m.Streaming.AllocateFrame(candidates)
	assert.Equal(t, int64(16-3), m.Heap.FreeCount())
}

func TestAllocateFrame_ExhaustionSkipsRemainingBlocks(t *testing.T) {
	m := testMapping(2, 16, 16*4*2)

	candidates := map[BlockCoord]struct{}{
		{0, 0, 0}: {}, {1, 0, 0}: {}, {2, 0, 0}: {},
	}
	assert.NotPanics(t, func() { m.Streaming.AllocateFrame(candidates) })
	assert.Equal(t, int64(0), m.Heap.FreeCount())
}

func TestCompactVisible_OnlyReturnsBlocksInsideFrustum(t *testing.T) {
	m := testMapping(64, 16, 16*4*2)

	near := WorldToBlock(mgl32.Vec3{0, 0, 2}, m.Params.VoxelSize)
	far := BlockCoord{1000, 1000, 1000}

	_, err := m.Hash.AllocIfAbsent(near)
	require.NoError(t, err)
	_, err = m.Hash.AllocIfAbsent(far)
	require.NoError(t, err)

	visible := m.Streaming.CompactVisible(mgl32.Ident4())

	nearSlot, _ := m.Hash.Find(near)
	farSlot, _ := m.Hash.Find(far)

	assert.Contains(t, visible, nearSlot)
	assert.NotContains(t, visible, farSlot)
}

func TestCompactVisible_EmptyTableYieldsEmptyList(t *testing.T) {
	m := testMapping(64, 16, 16*4*2)
	visible := m.Streaming.CompactVisible(mgl32.Ident4())
	assert.Empty(t, visible)
}
