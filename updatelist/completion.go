package updatelist

import (
	"github.com/gfxstream/sfsresidency/coord"
	"github.com/gfxstream/sfsresidency/gpu"
)

// AbandonedLoad reports a load that failed twice (spec §7 "Transient
// I/O"): the heap index it held needs to be released back to the
// allocator, and the tile needs to be dropped back to NotResident.
type AbandonedLoad struct {
	Coord     coord.Tile
	HeapIndex int
}

// Completion is the return-queue message UploadWorker posts so that
// TileMappingState/HeapAllocator mutations happen back on the
// ResidencyEngine thread instead of UploadWorker's (spec §5: "Within a
// single resource, all refcount changes and residency decisions happen
// on a single thread"; "HeapAllocator: owned by ResidencyEngine;
// UploadWorker never touches it directly — it returns freed slots by
// pushing coord lists onto a return queue drained next engine tick").
//
// Evictions are reported as soon as UploadWorker's UpdateTileMappings
// call for the batch has returned, separately and earlier than load
// completions, which wait on the copy fence. No fence is waited on for
// the mapping update itself before evictions are reported.
type Completion struct {
	Resource gpu.ResourceHandle

	// Evicted holds tiles whose unmap has been recorded; their heap
	// slots may be released and residency set Evicting->NotResident.
	Evicted []coord.Tile

	// Loaded holds tiles whose copy has landed; residency moves
	// Loading->Resident.
	Loaded []coord.Tile

	// Abandoned holds loads that failed twice; residency moves back to
	// NotResident and the heap slot is released.
	Abandoned []AbandonedLoad
}
