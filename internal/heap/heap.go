// Package heap implements the free-list allocator over a fixed number of
// tile-sized GPU heap slots (spec §4.1, component A).
package heap

import (
	"errors"

	"github.com/gfxstream/sfsresidency/internal/bitset"
)

const prefix = "heap: "

// ErrOutOfSlots is returned by Allocate when fewer than the requested
// number of slots are free.
var ErrOutOfSlots = errors.New(prefix + "out of slots")

// Allocator is a free list over N fixed-size tile slots. It is not safe
// for concurrent use: spec §5 keeps it single-threaded on the
// ResidencyEngine goroutine.
type Allocator struct {
	slots bitset.Set
	cap   int
}

// New creates an Allocator with capacity slots, all initially free.
func New(capacity int) *Allocator {
	a := &Allocator{cap: capacity}
	a.slots.Grow((capacity + 63) / 64)
	// Mark the padding beyond capacity (if any) as permanently in-use so
	// it is never handed out.
	for i := capacity; i < a.slots.Len(); i++ {
		a.slots.Set(i)
	}
	return a
}

// Cap returns the total number of slots.
func (a *Allocator) Cap() int { return a.cap }

// Free returns the number of currently unallocated slots.
func (a *Allocator) Free() int { return a.slots.Free() }

// Allocate reserves n distinct slot indices and returns them. The
// indices are guaranteed distinct within this call; no ordering or
// contiguity guarantee is made across separate calls. It fails with
// ErrOutOfSlots if fewer than n slots are currently free, in which case
// no slots are reserved.
func (a *Allocator) Allocate(n int) ([]int, error) {
	if n <= 0 {
		return nil, nil
	}
	if a.slots.Free() < n {
		return nil, ErrOutOfSlots
	}
	indices := make([]int, 0, n)
	for len(indices) < n {
		idx, ok := a.slots.Find()
		if !ok {
			// Should not happen given the Free() check above, but
			// fail safely rather than hand out garbage.
			for _, i := range indices {
				a.slots.Unset(i)
			}
			return nil, ErrOutOfSlots
		}
		a.slots.Set(idx)
		indices = append(indices, idx)
	}
	return indices, nil
}

// Free releases previously allocated indices back to the free list. It
// is the caller's responsibility to ensure every index was returned by a
// prior Allocate call and has not already been freed (invariant I6: a
// slot is owned by exactly one tile at a time).
func (a *Allocator) Release(indices []int) {
	for _, i := range indices {
		a.slots.Unset(i)
	}
}
