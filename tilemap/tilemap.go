// Package tilemap implements TileMappingState (spec §3–§4.3, component
// C): the per-resource {refcount, residency, heap index} record for
// every standard tile. ResidencyPublisher reads it through IsResident to
// build the residency byte map, which lives in package publish.
package tilemap

import (
	"errors"
	"fmt"

	"github.com/gfxstream/sfsresidency/coord"
	"github.com/gfxstream/sfsresidency/internal/evictdelay"
)

const prefix = "tilemap: "

// Residency is the lifecycle state of a tile (spec §3).
type Residency int

const (
	NotResident Residency = iota
	Loading
	Resident
	Evicting
)

func (r Residency) String() string {
	switch r {
	case NotResident:
		return "NotResident"
	case Loading:
		return "Loading"
	case Resident:
		return "Resident"
	case Evicting:
		return "Evicting"
	default:
		return fmt.Sprintf("Residency(%d)", int(r))
	}
}

// SentinelHeapIndex marks a record that does not currently own a heap
// slot (invariant I3).
const SentinelHeapIndex = -1

// record is the per-tile entry described in spec §3.
type record struct {
	refCount  uint32
	residency Residency
	heapIndex int
}

// State tracks every standard tile of a single resource. It is owned
// exclusively by the ResidencyEngine goroutine (spec §5): no internal
// locking is performed.
type State struct {
	dims   []MipDim
	tiles  map[coord.Tile]*record
	ring   *evictdelay.Ring
	loads  []coord.Tile // tiles newly wanted, not yet allocated a heap slot
	loadIx map[coord.Tile]int
}

// MipDim describes one standard mip level's tile grid (spec §3).
type MipDim struct {
	WidthTiles, HeightTiles int
}

// New creates a State for a resource with the given per-mip dimensions
// and a shared EvictionDelay ring.
func New(dims []MipDim, ring *evictdelay.Ring) *State {
	return &State{
		dims:   dims,
		tiles:  make(map[coord.Tile]*record),
		ring:   ring,
		loadIx: make(map[coord.Tile]int),
	}
}

func (s *State) rec(c coord.Tile) *record {
	r, ok := s.tiles[c]
	if !ok {
		r = &record{residency: NotResident, heapIndex: SentinelHeapIndex}
		s.tiles[c] = r
	}
	return r
}

// GetRefCount returns the current refcount of c (pure read). It
// implements evictdelay.RefCounter.
func (s *State) GetRefCount(c coord.Tile) uint32 {
	if r, ok := s.tiles[c]; ok {
		return r.refCount
	}
	return 0
}

// GetResidency returns the current residency of c (pure read).
func (s *State) GetResidency(c coord.Tile) Residency {
	if r, ok := s.tiles[c]; ok {
		return r.residency
	}
	return NotResident
}

// IsResident reports whether c is currently Resident; it implements
// publish.Residency.
func (s *State) IsResident(c coord.Tile) bool {
	return s.GetResidency(c) == Resident
}

// GetHeapIndex returns the heap slot assigned to c, or SentinelHeapIndex
// if none (invariant I3).
func (s *State) GetHeapIndex(c coord.Tile) int {
	if r, ok := s.tiles[c]; ok {
		return r.heapIndex
	}
	return SentinelHeapIndex
}

// AddTileRef increments c's refcount. If this is the first reference to
// a NotResident tile, c is queued for loading: ResidencyEngine drains
// PendingLoads each frame, allocates heap slots, and calls BeginLoad to
// commit the NotResident->Loading transition (spec §4.3, §4.6 — heap
// allocation is deferred out of AddTileRef itself so that exhaustion can
// be retried next frame without losing the "this tile is wanted" fact,
// spec §7).
//
// If the tile is Resident with refcount 0 and pending eviction, it is
// rescued by the caller's next evictdelay.Ring.Rescue call (invariant
// I5); AddTileRef does not need to do anything special here beyond the
// increment, since Rescue inspects refcount directly.
func (s *State) AddTileRef(c coord.Tile) {
	r := s.rec(c)
	if r.refCount == 0 && r.residency == NotResident {
		if _, queued := s.loadIx[c]; !queued {
			s.loadIx[c] = len(s.loads)
			s.loads = append(s.loads, c)
		}
	}
	r.refCount++
}

// DecTileRef decrements c's refcount. If it reaches zero while Resident,
// c is enqueued into the EvictionDelay ring immediately; residency stays
// Resident until the ring's K-frame delay elapses and UploadWorker
// actually unmaps it (spec §4.3). If the tile is still Loading, nothing
// further happens here: NotifyCopyComplete checks the refcount once the
// load lands and enqueues eviction then if it is still unwanted
// (handles the race in scenario S3, where a tile's demand disappears
// while its load is in flight).
func (s *State) DecTileRef(c coord.Tile) {
	r, ok := s.tiles[c]
	if !ok || r.refCount == 0 {
		panic(prefix + "DecTileRef: refcount already zero")
	}
	r.refCount--
	if r.refCount == 0 && r.residency == Resident {
		s.ring.Add(c)
	}
	if r.refCount == 0 {
		if ix, queued := s.loadIx[c]; queued && r.residency == NotResident {
			// Load was deferred (never allocated a heap slot) and is
			// no longer wanted: drop it without consuming a slot
			// (scenario S3).
			s.removeLoad(c, ix)
		}
	}
}

func (s *State) removeLoad(c coord.Tile, ix int) {
	last := len(s.loads) - 1
	s.loads[ix] = s.loads[last]
	s.loadIx[s.loads[ix]] = ix
	s.loads = s.loads[:last]
	delete(s.loadIx, c)
}

// PendingLoads returns tiles that are wanted but not yet allocated a
// heap slot. The returned slice is owned by State; callers must not
// retain it across a subsequent AddTileRef, DecTileRef, BeginLoad or
// AbandonLoad call.
func (s *State) PendingLoads() []coord.Tile { return s.loads }

var errInvalidTransition = errors.New(prefix + "invalid residency transition")

// BeginLoad commits the NotResident->Loading transition for c (invariant
// I5: loads only ever begin from NotResident) once ResidencyEngine has
// obtained a heap index for it. It removes c from PendingLoads.
func (s *State) BeginLoad(c coord.Tile, heapIndex int) error {
	r := s.rec(c)
	if r.residency != NotResident {
		return errInvalidTransition
	}
	ix, queued := s.loadIx[c]
	if !queued {
		return fmt.Errorf("%sBeginLoad: %v is not a pending load", prefix, c)
	}
	s.removeLoad(c, ix)
	r.residency = Loading
	r.heapIndex = heapIndex
	return nil
}

// NotifyCopyComplete commits the Loading->Resident transition once
// UploadWorker reports the tile's copy has landed (spec §4.4 Notify
// state, §4.7 step 4). If the tile is no longer referenced by the time
// its load completes, it is immediately enqueued for eviction instead of
// sitting Resident-but-unwanted until the next frame's feedback diff.
func (s *State) NotifyCopyComplete(c coord.Tile) error {
	r, ok := s.tiles[c]
	if !ok || r.residency != Loading {
		return fmt.Errorf("%sNotifyCopyComplete: %v is not Loading", prefix, c)
	}
	r.residency = Resident
	if r.refCount == 0 {
		s.ring.Add(c)
	}
	return nil
}

// AbandonLoad commits a Loading tile's read failing twice (spec §7
// "Transient I/O": "retry once; on second failure mark tile NotResident,
// clear its heap slot"). It returns the heap index the caller must
// release back to the allocator.
//
// If the tile is still referenced, it keeps its refcount and is requeued
// into PendingLoads, like a deferred load, rather than left NotResident
// with nothing scheduled to load it; the next ResidencyEngine tick will
// attempt the load again.
func (s *State) AbandonLoad(c coord.Tile) (heapIndex int) {
	r := s.rec(c)
	if r.residency != Loading {
		panic(prefix + "AbandonLoad: tile is not Loading")
	}
	heapIndex = r.heapIndex
	r.residency = NotResident
	r.heapIndex = SentinelHeapIndex
	if r.refCount > 0 {
		if _, queued := s.loadIx[c]; !queued {
			s.loadIx[c] = len(s.loads)
			s.loads = append(s.loads, c)
		}
	}
	return
}

// BeginEvict commits the Resident->Evicting transition (invariant I4:
// only Resident tiles may be evicted; a tile still Loading holds its
// heap slot for the pending copy). It panics if c is not Resident or if
// its refcount is non-zero (invariant I2).
func (s *State) BeginEvict(c coord.Tile) {
	r := s.rec(c)
	if r.residency != Resident {
		panic(prefix + "BeginEvict: tile is not Resident")
	}
	if r.refCount != 0 {
		panic(prefix + "BeginEvict: tile has nonzero refcount")
	}
	r.residency = Evicting
}

// CommitEvict finishes an eviction once UploadWorker has recorded its
// tile-mapping update: residency returns to NotResident and the heap
// index the tile
// formerly owned is returned so the caller can release it back to the
// allocator. The heap slot is always reclaimed CPU-side; the
// ReleaseMappingOnEvict policy (spec §9 open question) only controls
// whether UploadWorker bothers issuing an explicit GPU unmap command
// before reclaiming it, which is a decision made above this layer.
func (s *State) CommitEvict(c coord.Tile) (heapIndex int) {
	r := s.rec(c)
	if r.residency != Evicting {
		panic(prefix + "CommitEvict: tile is not Evicting")
	}
	heapIndex = r.heapIndex
	r.residency = NotResident
	r.heapIndex = SentinelHeapIndex
	return
}

// Dims returns the per-mip tile grid dimensions this state was created
// with.
func (s *State) Dims() []MipDim { return s.dims }
