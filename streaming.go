package voxelhash

import (
	"math"
	"runtime"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/atomic"
)

// Frame is one per-frame sensor delivery: a depth map, a color map, and
// the camera pose w_T_c (spec §6).
type Frame struct {
	Depth []float32 // row-major, meters, Width*Height
	Color []uint8   // row-major rgba8, Width*Height*4
	Pose  mgl32.Mat4
}

// StreamingController computes, per frame, the set of blocks with
// evidence in the depth image, allocates them, and compacts the
// currently-visible live blocks into a dense work list for fusion
// (spec §4.4).
type StreamingController struct {
	params *SDFParams
	hash   *HashTable
	heap   *BlockHeap

	visible      []int32
	visibleCount atomic.Int64
}

// NewStreamingController builds a controller over hash/heap sized for
// up to params.NBlocks visible blocks per frame.
func NewStreamingController(params *SDFParams, hash *HashTable, heap *BlockHeap) *StreamingController {
	return &StreamingController{
		params:  params,
		hash:    hash,
		heap:    heap,
		visible: make([]int32, params.NBlocks),
	}
}

// maxAbs32 returns the largest absolute value among a, b, c.
func maxAbs32(a, b, c int32) int32 {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	if c < 0 {
		c = -c
	}
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}

// dda voxelizes the world-space segment [from, to] into the union of
// block coordinates it passes through, stepping at block granularity
// (spec §4.4 step 1).
func dda(voxelSize float32, from, to mgl32.Vec3) []BlockCoord {
	a := WorldToBlock(from, voxelSize)
	b := WorldToBlock(to, voxelSize)
	steps := maxAbs32(b.X-a.X, b.Y-a.Y, b.Z-a.Z)
	if steps == 0 {
		return []BlockCoord{a}
	}

	out := make([]BlockCoord, 0, steps+1)
	for i := int32(0); i <= steps; i++ {
		t := float64(i) / float64(steps)
		out = append(out, BlockCoord{
			X: a.X + int32(math.Round(t*float64(b.X-a.X))),
			Y: a.Y + int32(math.Round(t*float64(b.Y-a.Y))),
			Z: a.Z + int32(math.Round(t*float64(b.Z-a.Z))),
		})
	}
	return out
}

func workerChunks(n, workers int) [][2]int {
	if workers < 1 {
		workers = 1
	}
	chunk := (n + workers - 1) / workers
	if chunk < 1 {
		chunk = 1
	}
	var ranges [][2]int
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		ranges = append(ranges, [2]int{lo, hi})
	}
	return ranges
}

// CandidateBlocks computes the union, over all pixels with valid depth,
// of the blocks touched by that pixel's view-ray segment expanded by
// +/- the depth-dependent truncation distance (spec §4.4 step 1). Rows
// are partitioned across a worker pool, each accumulating a private set
// before merging — allocation is explicitly commutative over lanes, so
// the merge order never matters.
func (s *StreamingController) CandidateBlocks(f Frame) map[BlockCoord]struct{} {
	sensor := s.params.Sensor
	w, h := int(sensor.Width), int(sensor.Height)
	result := make(map[BlockCoord]struct{})

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, r := range workerChunks(h, runtime.GOMAXPROCS(0)) {
		wg.Add(1)
		go func(rowStart, rowEnd int) {
			defer wg.Done()
			local := make(map[BlockCoord]struct{})
			for y := rowStart; y < rowEnd; y++ {
				for x := 0; x < w; x++ {
					d := f.Depth[y*w+x]
					if d <= 0 || d < sensor.MinDepth || d > sensor.MaxDepth {
						continue
					}
					trunc := s.params.TruncationDistanceAt(d)

					camNear := Reproject(uint32(x), uint32(y), d-trunc, sensor)
					camFar := Reproject(uint32(x), uint32(y), d+trunc, sensor)
					worldNear := f.Pose.Mul4x1(mgl32.Vec4{camNear.X(), camNear.Y(), camNear.Z(), 1}).Vec3()
					worldFar := f.Pose.Mul4x1(mgl32.Vec4{camFar.X(), camFar.Y(), camFar.Z(), 1}).Vec3()

					for _, b := range dda(s.params.VoxelSize, worldNear, worldFar) {
						local[b] = struct{}{}
					}
				}
			}
			mu.Lock()
			for b := range local {
				result[b] = struct{}{}
			}
			mu.Unlock()
		}(r[0], r[1])
	}
	wg.Wait()
	return result
}

// AllocateFrame calls AllocIfAbsent for every candidate block (spec
// §4.4 step 2); this is where lane de-duplication matters, since many
// pixels can touch the same block. Resource exhaustion is swallowed per
// the error-handling policy (spec §7): the block is skipped and the
// frame continues.
func (s *StreamingController) AllocateFrame(candidates map[BlockCoord]struct{}) {
	keys := make([]BlockCoord, 0, len(candidates))
	for b := range candidates {
		keys = append(keys, b)
	}

	var wg sync.WaitGroup
	for _, r := range workerChunks(len(keys), runtime.GOMAXPROCS(0)) {
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for _, b := range keys[lo:hi] {
				_, _ = s.hash.AllocIfAbsent(b)
			}
		}(r[0], r[1])
	}
	wg.Wait()
}

// CompactVisible scans every hash entry and appends the slot of each
// live block currently inside the frustum into a dense array via an
// atomic counter (spec §4.4 step 3). It includes blocks allocated in
// prior frames that remain visible, not just this frame's new
// allocations — that separation is what keeps fusion continuous across
// frames. pose is w_T_c; IsBlockInFrustum needs the inverse, c_T_w.
func (s *StreamingController) CompactVisible(pose mgl32.Mat4) []int32 {
	s.visibleCount.Store(0)
	cToW := pose.Inv()
	n := int(s.hash.NEntries())

	var wg sync.WaitGroup
	for _, r := range workerChunks(n, runtime.GOMAXPROCS(0)) {
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for idx := lo; idx < hi; idx++ {
				b, slot, ok := s.hash.EntryAt(uint32(idx))
				if !ok {
					continue
				}
				if IsBlockInFrustum(b, cToW, s.params.VoxelSize, s.params.Sensor) {
					pos := s.visibleCount.Inc() - 1
					if int(pos) < len(s.visible) {
						s.visible[pos] = slot
					}
				}
			}
		}(r[0], r[1])
	}
	wg.Wait()

	total := int(s.visibleCount.Load())
	if total > len(s.visible) {
		total = len(s.visible)
	}
	return s.visible[:total]
}
