package voxelhash

import (
	"errors"
	"iter"
	"runtime"

	"go.uber.org/atomic"
)

// errRetry signals an internal CAS race loss; callers of the package's
// exported API never see it.
var errRetry = errors.New("voxelhash: insert race, retry")

// Entry is one slot of the hash table: a block coordinate key, a heap
// slot (or FreeEntry/LockEntry sentinel), and a chain link. slot is the
// field the concurrent insert protocol CASes.
type Entry struct {
	Key  BlockCoord
	Slot atomic.Int32
	Next int32
}

// HashTable is the open-addressed, bucket-chained map from block
// coordinate to heap slot (spec §4.3). The head entry of bucket b sits
// at Entries[b*BSize]; overflow entries beyond the bucket live in
// Entries[NBuckets*BSize:] and are linked from the head by Next.
type HashTable struct {
	heap *BlockHeap

	entries  []Entry
	nBuckets uint32
	bSize    uint32
	nEntries uint32

	bucketLocks []atomic.Int32

	entryFree      []int32
	entryFreeTop   atomic.Int64
	entryExhausted atomic.Int64
}

// NewHashTable constructs a table over heap with nBuckets buckets of
// bSize entries each, plus overflow capacity up to nEntries total
// (an nEntries below nBuckets*bSize is raised to it, leaving no overflow
// entries; spec recommends at least double that to allow for overflow,
// §5).
func NewHashTable(heap *BlockHeap, nBuckets, bSize, nEntries uint32) *HashTable {
	primary := nBuckets * bSize
	if nEntries < primary {
		nEntries = primary
	}

	t := &HashTable{
		heap:        heap,
		entries:     make([]Entry, nEntries),
		nBuckets:    nBuckets,
		bSize:       bSize,
		nEntries:    nEntries,
		bucketLocks: make([]atomic.Int32, nBuckets),
	}
	for i := range t.entries {
		t.entries[i].Slot.Store(FreeEntry)
	}

	overflow := int(nEntries - primary)
	t.entryFree = make([]int32, overflow)
	for i := 0; i < overflow; i++ {
		t.entryFree[i] = int32(primary) + int32(overflow-1-i)
	}
	t.entryFreeTop.Store(int64(overflow))

	return t
}

// NBuckets, BSize, NEntries report the table's fixed dimensions.
func (t *HashTable) NBuckets() uint32 { return t.nBuckets }
func (t *HashTable) BSize() uint32    { return t.bSize }
func (t *HashTable) NEntries() uint32 { return t.nEntries }

// hash is the frozen 3-prime mixing hash of spec §4.3. Every bucket
// placement in the table is derived from it, so it is never varied.
func (t *HashTable) hash(b BlockCoord) uint32 {
	mixed := uint64(int64(b.X)*int64(hashPrime1)) ^
		uint64(int64(b.Y)*int64(hashPrime2)) ^
		uint64(int64(b.Z)*int64(hashPrime3))
	return uint32(mixed % uint64(t.nBuckets))
}

func addMod(base uint32, offset int32, mod uint32) uint32 {
	total := int64(base) + int64(offset)
	total %= int64(mod)
	if total < 0 {
		total += int64(mod)
	}
	return uint32(total)
}

func relativeOffset(from, to uint32) int32 {
	return int32(int64(to) - int64(from))
}

// walk visits the primary bucket region followed by its overflow chain,
// in that order, stopping as soon as visit returns true. Because
// overflow entries are always drawn from indices >= NBuckets*BSize,
// scanning the primary region first already satisfies the "lowest
// absolute entry index first" tie-break spec §4.3 requires.
func (t *HashTable) walk(bucket uint32, visit func(idx uint32) bool) {
	base := bucket * t.bSize
	for i := uint32(0); i < t.bSize; i++ {
		if visit(base + i) {
			return
		}
	}
	cur := base
	for {
		next := t.entries[cur].Next
		if next == NoOffset {
			return
		}
		cur = addMod(cur, next, t.nEntries)
		if visit(cur) {
			return
		}
	}
}

// Find looks up B and returns its heap slot and true, or false when B
// has no live entry (spec §4.3).
func (t *HashTable) Find(b BlockCoord) (int32, bool) {
	bucket := t.hash(b)
	var result int32
	found := false
	t.walk(bucket, func(idx uint32) bool {
		e := &t.entries[idx]
		slot := e.Slot.Load()
		if slot >= 0 && e.Key == b {
			result = slot
			found = true
			return true
		}
		return false
	})
	return result, found
}

// AllocIfAbsent ensures exactly one entry for B exists and returns its
// heap slot. Concurrency contract (spec §4.3): racing lanes calling
// AllocIfAbsent(B) with the same B all observe a single allocated heap
// slot and all return it.
func (t *HashTable) AllocIfAbsent(b BlockCoord) (int32, error) {
	bucket := t.hash(b)

	for {
		if slot, ok := t.Find(b); ok {
			return slot, nil
		}

		// Claim the lowest free entry. A locked entry, a lost CAS, or an
		// entry already holding B means another lane got there first:
		// start again from Find so the winner's slot is observed.
		claimed := int32(-1)
		busy := false
		t.walk(bucket, func(idx uint32) bool {
			e := &t.entries[idx]
			if s := e.Slot.Load(); s >= 0 && e.Key != b {
				return false
			}
			if e.Slot.CAS(FreeEntry, LockEntry) {
				claimed = int32(idx)
			} else {
				busy = true
			}
			return true
		})
		if busy {
			runtime.Gosched()
			continue
		}

		if claimed >= 0 {
			slot, err := t.finishInsert(claimed, b)
			if err != nil {
				return 0, err
			}
			return slot, nil
		}

		// No free entry anywhere in the bucket or its chain: extend it
		// with a fresh overflow entry under the bucket's lock bit.
		slot, err := t.allocateOverflow(bucket, b)
		if errors.Is(err, errRetry) {
			continue
		}
		return slot, err
	}
}

// finishInsert completes an insertion into an entry this lane has
// already reserved (CASed FreeEntry -> LockEntry). It allocates the
// heap slot and publishes key+slot with a release store.
func (t *HashTable) finishInsert(idx int32, b BlockCoord) (int32, error) {
	e := &t.entries[idx]
	newSlot, err := t.heap.Alloc()
	if err != nil {
		// Release the reservation so the entry isn't stranded in the
		// Locked state; the caller's frame skips this block.
		e.Key = BlockCoord{}
		e.Slot.Store(FreeEntry)
		return 0, err
	}
	e.Key = b
	e.Slot.Store(newSlot)
	return newSlot, nil
}

// allocateOverflow extends bucket's chain with a new entry, reserves
// it, and finishes the insert — all while holding the bucket's
// per-bucket lock bit (spec §4.3 step 5). Returns errRetry when another
// lane holds an entry of the bucket locked, or claims the new overflow
// entry first, so that the caller starts again from Find.
func (t *HashTable) allocateOverflow(bucket uint32, b BlockCoord) (int32, error) {
	lock := &t.bucketLocks[bucket]
	for !lock.CAS(0, 1) {
		runtime.Gosched()
	}
	defer lock.Store(0)

	// Re-check under the lock: another lane may have inserted B, or
	// freed a slot, while we were spinning.
	if slot, ok := t.Find(b); ok {
		return slot, nil
	}
	claimed := int32(-1)
	busy := false
	t.walk(bucket, func(idx uint32) bool {
		e := &t.entries[idx]
		if s := e.Slot.Load(); s >= 0 && e.Key != b {
			return false
		}
		if e.Slot.CAS(FreeEntry, LockEntry) {
			claimed = int32(idx)
		} else {
			busy = true
		}
		return true
	})
	if busy {
		return 0, errRetry
	}
	if claimed >= 0 {
		slot, err := t.finishInsert(claimed, b)
		return slot, err
	}

	newIdx, err := t.allocOverflowEntry()
	if err != nil {
		return 0, err
	}
	t.entries[newIdx].Next = NoOffset
	t.entries[newIdx].Slot.Store(FreeEntry)

	tail := bucket * t.bSize
	for {
		next := t.entries[tail].Next
		if next == NoOffset {
			break
		}
		tail = addMod(tail, next, t.nEntries)
	}
	t.entries[tail].Next = relativeOffset(tail, uint32(newIdx))

	e := &t.entries[newIdx]
	if !e.Slot.CAS(FreeEntry, LockEntry) {
		return 0, errRetry
	}
	slot, ierr := t.finishInsert(newIdx, b)
	return slot, ierr
}

func (t *HashTable) allocOverflowEntry() (int32, error) {
	idx := t.entryFreeTop.Dec()
	if idx < 0 {
		t.entryFreeTop.Inc()
		t.entryExhausted.Inc()
		return 0, ErrEntryPoolExhausted
	}
	return t.entryFree[idx], nil
}

func (t *HashTable) freeOverflowEntry(idx int32) {
	newTop := t.entryFreeTop.Inc()
	t.entryFree[newTop-1] = idx
}

// Remove deletes B's entry, returning its heap slot to the heap.
// Primary entries are simply marked free (their Next stays put and
// still roots the bucket's chain); overflow entries are unlinked from
// their predecessor (spec §4.3, no primary/overflow migration — see
// DESIGN.md Open Questions).
func (t *HashTable) Remove(b BlockCoord) error {
	bucket := t.hash(b)
	base := bucket * t.bSize

	for i := uint32(0); i < t.bSize; i++ {
		idx := base + i
		e := &t.entries[idx]
		slot := e.Slot.Load()
		if slot >= 0 && e.Key == b {
			t.heap.Free(slot)
			e.Key = BlockCoord{}
			e.Slot.Store(FreeEntry)
			return nil
		}
	}

	cur := base
	for {
		next := t.entries[cur].Next
		if next == NoOffset {
			return ErrNotFound
		}
		candidate := addMod(cur, next, t.nEntries)
		e := &t.entries[candidate]
		if slot := e.Slot.Load(); slot >= 0 && e.Key == b {
			tailOff := e.Next
			if tailOff == NoOffset {
				t.entries[cur].Next = NoOffset
			} else {
				nextAbs := addMod(candidate, tailOff, t.nEntries)
				t.entries[cur].Next = relativeOffset(cur, nextAbs)
			}
			t.heap.Free(slot)
			e.Key = BlockCoord{}
			e.Slot.Store(FreeEntry)
			e.Next = NoOffset
			t.freeOverflowEntry(int32(candidate))
			return nil
		}
		cur = candidate
	}
}

// Iter yields every live (key, heap slot) pair in entry order. Used by
// Mapping.CheckInvariants.
func (t *HashTable) Iter() iter.Seq2[BlockCoord, int32] {
	return func(yield func(BlockCoord, int32) bool) {
		for i := range t.entries {
			slot := t.entries[i].Slot.Load()
			if slot >= 0 {
				if !yield(t.entries[i].Key, slot) {
					return
				}
			}
		}
	}
}

// entryAt reads the raw key and slot of one entry; EntryAt wraps it.
func (t *HashTable) entryAt(idx uint32) (BlockCoord, int32) {
	e := &t.entries[idx]
	return e.Key, e.Slot.Load()
}

// EntryAt exposes a single entry's (key, slot, live) state by absolute
// index, for callers that shard the full entry array across parallel
// workers (the streaming controller's compaction pass, the recycler's
// round-robin sweep).
func (t *HashTable) EntryAt(idx uint32) (BlockCoord, int32, bool) {
	key, slot := t.entryAt(idx)
	return key, slot, slot >= 0
}

// ChainNext returns the absolute index the entry at idx links to next,
// or false if idx terminates its chain. Exposed for invariant checking
// (chain acyclicity, spec §8) and tests.
func (t *HashTable) ChainNext(idx uint32) (uint32, bool) {
	next := t.entries[idx].Next
	if next == NoOffset {
		return 0, false
	}
	return addMod(idx, next, t.nEntries), true
}
