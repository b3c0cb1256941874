package voxelhash

import "errors"

// Resource and programming errors observable at the core boundary.
var (
	// ErrHeapExhausted is returned by BlockHeap.Alloc when the free
	// stack is empty. The caller skips the block and continues; the
	// frame is still usable.
	ErrHeapExhausted = errors.New("voxelhash: block heap exhausted")

	// ErrEntryPoolExhausted is returned by HashTable.AllocIfAbsent when
	// no overflow entry is available to extend a bucket's chain.
	ErrEntryPoolExhausted = errors.New("voxelhash: entry pool exhausted")

	// ErrInvariantViolated is reported by CheckInvariants when one of
	// the structural invariants in §3 no longer holds: panicked when
	// Mapping.Debug is set, returned otherwise.
	ErrInvariantViolated = errors.New("voxelhash: invariant violated")

	// ErrNotFound is returned by Remove when the key has no entry; it is
	// a value, not an exceptional condition. Find reports the same case
	// with a false second result.
	ErrNotFound = errors.New("voxelhash: not found")
)
