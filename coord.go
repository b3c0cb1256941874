package voxelhash

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// BlockCoord identifies one voxel block in the infinite integer lattice.
type BlockCoord struct {
	X, Y, Z int32
}

// VoxelLocal is a voxel position local to a block, each component in
// [0, BlockSide).
type VoxelLocal struct {
	X, Y, Z uint32
}

func sign(v float32) float32 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func floorDiv(v, d int32) int32 {
	q := v / d
	if (v%d != 0) && ((v < 0) != (d < 0)) {
		q--
	}
	return q
}

// WorldToVoxel maps a world-space position to its integer voxel
// coordinate using voxelSize, matching geometry_util.h's WorldToVoxeli:
// v = floor(p/s + 0.5*sign(p)).
func WorldToVoxel(p mgl32.Vec3, voxelSize float32) [3]int32 {
	sx := p.X()/voxelSize + 0.5*sign(p.X())
	sy := p.Y()/voxelSize + 0.5*sign(p.Y())
	sz := p.Z()/voxelSize + 0.5*sign(p.Z())
	return [3]int32{int32(math.Floor(float64(sx))), int32(math.Floor(float64(sy))), int32(math.Floor(float64(sz)))}
}

// VoxelToWorld is the inverse scaling from an integer voxel coordinate
// back to a world position (block/voxel center convention lives with
// the caller, this is the pure v*s mapping).
func VoxelToWorld(v [3]int32, voxelSize float32) mgl32.Vec3 {
	return mgl32.Vec3{float32(v[0]) * voxelSize, float32(v[1]) * voxelSize, float32(v[2]) * voxelSize}
}

// VoxelToBlock maps an integer voxel coordinate to the block coordinate
// that contains it, using floor-division semantics so that negative
// coordinates are biased by BlockSide-1 before the integer division,
// keeping the block interval [B*L, (B+1)*L) even for negative B.
func VoxelToBlock(v [3]int32) BlockCoord {
	return BlockCoord{
		X: floorDiv(v[0], BlockSide),
		Y: floorDiv(v[1], BlockSide),
		Z: floorDiv(v[2], BlockSide),
	}
}

// BlockToVoxel returns the corner voxel (smallest x,y,z) of a block.
func BlockToVoxel(b BlockCoord) [3]int32 {
	return [3]int32{b.X * BlockSide, b.Y * BlockSide, b.Z * BlockSide}
}

// BlockToWorld maps a block coordinate to the world position of its
// corner voxel.
func BlockToWorld(b BlockCoord, voxelSize float32) mgl32.Vec3 {
	return VoxelToWorld(BlockToVoxel(b), voxelSize)
}

// WorldToBlock is the composition WorldToVoxel -> VoxelToBlock.
func WorldToBlock(p mgl32.Vec3, voxelSize float32) BlockCoord {
	return VoxelToBlock(WorldToVoxel(p, voxelSize))
}

// BlockCenter returns the world-space center of block b: the corner
// plus half of (BlockSide-1) voxels, per spec §4.4's compaction test.
func BlockCenter(b BlockCoord, voxelSize float32) mgl32.Vec3 {
	corner := BlockToWorld(b, voxelSize)
	offset := 0.5 * float32(BlockSide-1) * voxelSize
	return corner.Add(mgl32.Vec3{offset, offset, offset})
}

// VoxelLocalToIdx computes the z-major linear index of a local voxel
// position within a block: idx = z*L^2 + y*L + x.
func VoxelLocalToIdx(v VoxelLocal) uint32 {
	return v.Z*BlockSide*BlockSide + v.Y*BlockSide + v.X
}

// IdxToVoxelLocal is the inverse of VoxelLocalToIdx.
func IdxToVoxelLocal(idx uint32) VoxelLocal {
	return VoxelLocal{
		X: idx % BlockSide,
		Y: (idx % (BlockSide * BlockSide)) / BlockSide,
		Z: idx / (BlockSide * BlockSide),
	}
}

// Project applies the pinhole camera model, returning the sub-pixel
// image coordinate of a point already in camera space.
func Project(cameraPos mgl32.Vec3, s SensorParams) mgl32.Vec2 {
	return mgl32.Vec2{
		cameraPos.X()*s.FX/cameraPos.Z() + s.CX,
		cameraPos.Y()*s.FY/cameraPos.Z() + s.CY,
	}
}

// Reproject lifts a pixel (ux, uy) with depth into camera space.
func Reproject(ux, uy uint32, depth float32, s SensorParams) mgl32.Vec3 {
	x := (float32(ux) - s.CX) / s.FX
	y := (float32(uy) - s.CY) / s.FY
	return mgl32.Vec3{depth * x, depth * y, depth}
}

// normalizeDepth maps a camera-space depth into [0,1] over [min,max].
func normalizeDepth(z, min, max float32) float32 {
	return (z - min) / (max - min)
}

// IsInFrustum reports whether a world-space point falls inside the
// camera's view frustum, shrunk 5% in NDC so that blocks grazing the
// frustum boundary are still considered visible (spec §4.1,
// geometry_util.h's IsPointInCameraFrustum). cToW is the world->camera
// transform (c_T_w in the source's naming).
func IsInFrustum(worldPos mgl32.Vec3, cToW mgl32.Mat4, s SensorParams) bool {
	camPos := cToW.Mul4x1(mgl32.Vec4{worldPos.X(), worldPos.Y(), worldPos.Z(), 1}).Vec3()
	if camPos.Z() <= 0 {
		return false
	}
	uv := Project(camPos, s)

	w := float32(s.Width) - 1.0
	h := float32(s.Height) - 1.0
	if w <= 0 || h <= 0 {
		return false
	}

	nx := (2.0*uv.X() - w) / w
	ny := (h - 2.0*uv.Y()) / h
	nz := normalizeDepth(camPos.Z(), s.MinDepth, s.MaxDepth)

	nx *= 0.95
	ny *= 0.95
	nz *= 0.95

	if nx < -1 || nx > 1 || ny < -1 || ny > 1 || nz < 0 || nz > 1 {
		return false
	}
	return true
}

// IsBlockInFrustum tests the block's world-space center against the
// frustum, per spec §4.4 ("block center = block_to_world(B) +
// 0.5*(L-1)*s").
func IsBlockInFrustum(b BlockCoord, cToW mgl32.Mat4, voxelSize float32, s SensorParams) bool {
	return IsInFrustum(BlockCenter(b, voxelSize), cToW, s)
}
