package voxelhash

// BlockSide is the fixed voxel-block edge length. Hard-coded, not
// configurable, per spec.
const BlockSide = 8

// BlockVoxelCount is the number of voxels in one block (BlockSide^3).
const BlockVoxelCount = BlockSide * BlockSide * BlockSide

// Hash sentinels: the wire encoding of a free or locked Entry.Slot and
// of the end of a chain in Entry.Next.
const (
	FreeEntry int32 = -2
	LockEntry int32 = -1
	NoOffset  int32 = 0
)

// Hash mixing constants, frozen per spec §4.3.
const (
	hashPrime1 uint64 = 73856093
	hashPrime2 uint64 = 19349669
	hashPrime3 uint64 = 83492791
)

// BSize is the default number of contiguous entries per bucket.
const BSize = 10

// SDFParams is the single, unified, immutable-after-construction
// parameter surface for the voxel hash (spec §6 / §9 Open Question:
// the source's split HashParams/SDFParams surface is an artifact of its
// evolution and is not reproduced here).
type SDFParams struct {
	// Geometry.
	VoxelSize               float32
	TruncationDistance      float32
	TruncationDistanceScale float32
	WeightSample            float32
	WeightUpperBound        float32
	SDFUpperBound           float32

	// Hash table sizing.
	NBuckets uint32
	BSize    uint32
	NBlocks  uint32
	NEntries uint32

	// Recycler policy (spec §9 Open Question: left as configuration).
	MaxIdleFrames uint32
	Epsilon       float32

	// Sensor intrinsics.
	Sensor SensorParams
}

// SensorParams describes the depth/color sensor used to drive the
// streaming controller.
type SensorParams struct {
	FX, FY, CX, CY   float32
	Width, Height    uint32
	MinDepth         float32
	MaxDepth         float32
}

// TruncationDistanceAt returns the depth-dependent truncation band used
// when voxelizing the view-ray segment for a pixel at depth z.
func (p *SDFParams) TruncationDistanceAt(z float32) float32 {
	return p.TruncationDistance + p.TruncationDistanceScale*z
}

// bucketSize returns p.BSize, defaulting to the package constant when
// the caller leaves it unset (zero value), so tests that only care
// about NBuckets/NBlocks need not fill in every field.
func (p *SDFParams) bucketSize() uint32 {
	if p.BSize == 0 {
		return BSize
	}
	return p.BSize
}
