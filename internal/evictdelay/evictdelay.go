// Package evictdelay implements the K-deep eviction ring described in
// spec §4.2 (component B): a tile enqueued for eviction must survive K
// in-flight frames before it is safe to unmap, because any of those
// frames' GPU work may still sample it.
package evictdelay

import "github.com/gfxstream/sfsresidency/coord"

// RefCounter is the subset of tilemap.State the ring needs to decide
// whether a pending eviction should be rescued.
type RefCounter interface {
	GetRefCount(c coord.Tile) uint32
}

// Ring is a circular list of K pending-eviction lists, one per in-flight
// frame. front (index 0) accumulates the current frame's evictions; back
// (the last index) holds evictions that have aged K frames and are now
// safe to submit. The frame a tile is added in counts as the first of
// those K frames, so it reaches the back list after K-1 calls to
// NextFrame.
//
// Grounded on original_source/SFS/EvictionDelay.cpp, reimplemented as a
// fixed slice of slices whose entries shift one place per frame rather
// than the source's linked-list splice trick.
type Ring struct {
	lists []([]coord.Tile)
}

// New creates a Ring with k pending-eviction lists (k = number of
// in-flight frames, typically 3).
func New(k int) *Ring {
	if k < 1 {
		panic("evictdelay: k must be >= 1")
	}
	return &Ring{lists: make([][]coord.Tile, k)}
}

// Add enqueues c onto the current frame's list.
func (r *Ring) Add(c coord.Tile) {
	r.lists[0] = append(r.lists[0], c)
}

// NextFrame rotates the ring: every list shifts one place toward the
// back, the last list moves to the front (becoming the new current-frame
// list), its former contents are appended to what is now the back (the
// former next-to-last list, i.e. the ready-to-evict accumulator), and
// the front is left empty for new additions.
//
// This is a direct translation of:
//
//	m_mappings.splice(m_mappings.begin(), m_mappings, --m_mappings.end());
//	m_mappings.back().insert(..., m_mappings.front()...);
//	m_mappings.front().clear();
func (r *Ring) NextFrame() {
	n := len(r.lists)
	if n == 1 {
		// A single list serves as both the current-frame accumulator
		// and the ready list: with one in-flight frame there is no
		// delay to enforce, so newly added tiles are immediately
		// ready.
		return
	}
	old := make([][]coord.Tile, n)
	copy(old, r.lists)
	for i := 0; i < n-1; i++ {
		r.lists[i+1] = old[i]
	}
	r.lists[0] = old[n-1]
	r.lists[n-1] = append(r.lists[n-1], r.lists[0]...)
	r.lists[0] = r.lists[0][:0]
}

// Ready returns the back list: evictions that have aged K frames and are
// now safe to submit to the GPU for unmapping. The caller must not
// retain the returned slice past the next call to NextFrame or Clear.
func (r *Ring) Ready() []coord.Tile {
	return r.lists[len(r.lists)-1]
}

// DrainReady removes and returns the back list's contents, leaving it
// empty. Call this once the caller has taken ownership of the tiles
// (e.g. packaged them into an UpdateList's evictCoords).
func (r *Ring) DrainReady() []coord.Tile {
	n := len(r.lists) - 1
	ready := r.lists[n]
	r.lists[n] = nil
	return ready
}

// Rescue scans every list and removes any coordinate whose current
// refcount (per rc) is non-zero, using swap-with-last removal exactly as
// the original does; this reorders each list, which is acceptable
// because downstream processing (ResidencyPublisher) is order-insensitive
// (built bottom-up, spec §4.8). It reports whether anything was rescued.
func (r *Ring) Rescue(rc RefCounter) bool {
	rescued := false
	for li, list := range r.lists {
		n := len(list)
		for i := 0; i < n; {
			if rc.GetRefCount(list[i]) > 0 {
				n--
				list[i] = list[n]
				rescued = true
			} else {
				i++
			}
		}
		r.lists[li] = list[:n]
	}
	return rescued
}

// Clear empties every list (teardown / manager reset).
func (r *Ring) Clear() {
	for i := range r.lists {
		r.lists[i] = r.lists[i][:0]
	}
}
