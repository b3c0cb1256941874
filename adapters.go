package voxelhash

import (
	"encoding/binary"
	"reflect"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/go-gl/mathgl/mgl32"
)

// defaultRecyclerShards bounds the recycler's per-frame full-table
// sweep cost to roughly NEntries/defaultRecyclerShards (spec §4.5).
// Not an Open Question spec.md raises — an internal amortization knob,
// not a construction parameter.
const defaultRecyclerShards = 16

// Mapping is the core's boundary surface: it owns the heap, hash table,
// streaming controller and recycler, and exposes to fusion, meshing,
// the ray-caster and sensor ingest exactly the operations spec §4.6
// names.
type Mapping struct {
	Params SDFParams

	Heap      *BlockHeap
	Hash      *HashTable
	Streaming *StreamingController
	Recycler  *Recycler

	// Debug enables CheckInvariants panicking on violation (spec §7).
	// Off by default; invariant violations are undefined in release.
	Debug bool

	currentFrame uint32
	lastVisible  []int32
}

// NewMapping constructs the core from a single immutable parameter
// struct (spec §6/§9 — no global "constants" singleton).
func NewMapping(params SDFParams) *Mapping {
	heap := NewBlockHeap(params.NBlocks)
	heap.WeightUpperBound = params.WeightUpperBound
	hash := NewHashTable(heap, params.NBuckets, params.bucketSize(), params.NEntries)
	streaming := NewStreamingController(&params, hash, heap)
	recycler := NewRecycler(&params, hash, heap, defaultRecyclerShards)

	return &Mapping{
		Params:    params,
		Heap:      heap,
		Hash:      hash,
		Streaming: streaming,
		Recycler:  recycler,
	}
}

// Allocate runs the streaming controller's candidate generation and
// allocation passes for f (spec §4.4 steps 1-2). Host-side barriers
// require this to complete before any collaborator fuses into the
// resulting blocks.
func (m *Mapping) Allocate(f Frame) {
	candidates := m.Streaming.CandidateBlocks(f)
	m.Streaming.AllocateFrame(candidates)
}

// CompactVisible scans the full table and rebuilds the dense visible
// block list (spec §4.4 step 3). Call this only after fusion has
// finished writing into the frame's allocated blocks; the result is
// valid until the next call to CompactVisible or Recycle.
func (m *Mapping) CompactVisible(pose mgl32.Mat4) []int32 {
	m.lastVisible = m.Streaming.CompactVisible(pose)
	return m.lastVisible
}

// VisibleBlocks returns the dense array of heap slots produced by the
// most recent CompactVisible call (spec §4.6). Read-only; valid until
// the next call to CompactVisible.
func (m *Mapping) VisibleBlocks() []int32 {
	return m.lastVisible
}

// Recycle runs the recycler over the current visible list plus its
// round-robin shard of the full entry array (spec §4.5), and advances
// the frame counter. The core guarantees no Remove happens between a
// CompactVisible call and the matching Recycle call, so collaborators
// reading VisibleBlocks in between always see live slots.
func (m *Mapping) Recycle(frame uint32) int {
	m.currentFrame = frame
	return m.Recycler.Recycle(frame, m.lastVisible)
}

// Find looks up a block's heap slot (spec §4.6; used by meshing to
// walk 26-neighborhoods).
func (m *Mapping) Find(b BlockCoord) (int32, bool) {
	return m.Hash.Find(b)
}

// AllocIfAbsent is re-exposed for tests; in normal operation only the
// streaming controller calls it (spec §4.6).
func (m *Mapping) AllocIfAbsent(b BlockCoord) (int32, error) {
	return m.Hash.AllocIfAbsent(b)
}

// Remove is re-exposed for tests; in normal operation only the
// recycler calls it (spec §4.6).
func (m *Mapping) Remove(b BlockCoord) error {
	return m.Hash.Remove(b)
}

// Block returns a pointer to the voxel block at a heap slot, for
// voxel-level reads/writes by fusion, meshing, and the ray-caster
// (spec §4.6).
func (m *Mapping) Block(slot int32) *VoxelBlock {
	return &m.Heap.Blocks[slot]
}

// BlocksBytes exposes the heap's backing array as a zero-copy byte
// slice, for collaborators that want to upload or memory-map it
// directly (spec §4.6.1, EXPANSION). This is not a persistence format:
// no version tag or layout guarantee is made across process builds,
// only a raw view of the array for the lifetime of the Mapping. Uses
// the same unsafe.Pointer + reflect.SliceHeader technique as the
// teacher's WriteTo/ReadFrom.
func (m *Mapping) BlocksBytes() []byte {
	blocks := m.Heap.Blocks
	if len(blocks) == 0 {
		return nil
	}

	elemSize := unsafe.Sizeof(blocks[0])
	totalSize := int(elemSize) * len(blocks)

	var out []byte
	header := (*reflect.SliceHeader)(unsafe.Pointer(&out))
	header.Data = uintptr(unsafe.Pointer(&blocks[0]))
	header.Len = totalSize
	header.Cap = totalSize
	return out
}

// FrameTag is an opaque 16-byte correlation id derived from a frame's
// source label, for diagnostics only — it carries no positional or
// structural meaning (unlike BlockCoord-derived hashing in hash.go).
type FrameTag [16]byte

// TagFrame derives a FrameTag from an arbitrary per-frame source label
// (a dataset filename, a sensor id) using the same xxhash + golden-ratio
// mixer as FixedBlockKey.FromString in the teacher (spec §4.6.2,
// EXPANSION).
func (m *Mapping) TagFrame(source string) FrameTag {
	var tag FrameTag
	h := xxhash.Sum64([]byte(source))
	binary.LittleEndian.PutUint64(tag[0:8], h)

	h2 := h ^ (h >> 33)
	h2 *= 0x9e3779b97f4a7c15
	h2 ^= h2 >> 33
	binary.LittleEndian.PutUint64(tag[8:16], h2)

	return tag
}

// CheckInvariants re-verifies the structural invariants of spec §3:
// key and slot uniqueness, live count plus free count equal to the heap
// capacity, and chain acyclicity. It is not run implicitly on any hot
// path; callers (tests, or a debug build) invoke it explicitly. On
// failure it panics with ErrInvariantViolated when Mapping.Debug is
// set, and returns ErrInvariantViolated otherwise.
func (m *Mapping) CheckInvariants() error {
	if err := m.checkInvariants(); err != nil {
		if m.Debug {
			panic(err)
		}
		return err
	}
	return nil
}

func (m *Mapping) checkInvariants() error {
	liveCount := int64(0)
	seenKeys := make(map[BlockCoord]struct{})
	seenSlots := make(map[int32]struct{})

	for b, slot := range m.Hash.Iter() {
		liveCount++
		if _, dup := seenKeys[b]; dup {
			return ErrInvariantViolated
		}
		seenKeys[b] = struct{}{}

		if _, dup := seenSlots[slot]; dup {
			return ErrInvariantViolated
		}
		seenSlots[slot] = struct{}{}
	}

	if liveCount+m.Heap.FreeCount() != int64(m.Heap.Cap()) {
		return ErrInvariantViolated
	}

	for bkt := uint32(0); bkt < m.Hash.NBuckets(); bkt++ {
		visited := map[uint32]struct{}{bkt * m.Hash.BSize(): {}}
		cur := bkt * m.Hash.BSize()
		for {
			next, ok := m.Hash.ChainNext(cur)
			if !ok {
				break
			}
			if _, seen := visited[next]; seen {
				return ErrInvariantViolated
			}
			visited[next] = struct{}{}
			cur = next
		}
	}

	return nil
}
