// Package gpu defines the abstract GPU-facing collaborators the
// residency engine drives but does not implement: the command-queue
// primitive that maps/unmaps heap slots and issues per-tile copies (spec
// §6.1 GpuBackend), the bulk file reader (TileReader), and the tiled
// texture file's coordinate lookup (TileSource). Concrete GPU APIs,
// decompression, and file parsing are explicitly out of scope (spec
// §1); only the shapes these collaborators must have are specified here,
// generalized from driver.GPU's CmdBuffer/Commit/Transition contract.
package gpu

import "context"

// ResourceHandle identifies a registered tiled texture to the backend.
type ResourceHandle uint64

// HeapHandle identifies the GPU-backed tile heap a resource's slots are
// allocated from.
type HeapHandle uint64

// Compression names the on-disk compression of a tile's bytes, as
// reported by TileSource; the core treats it as an opaque token passed
// through to TileReader, which is responsible for decompressing.
type Compression int

// TileMapping describes one tile's heap slot assignment for a single
// UpdateTileMappings call: Map assigns HeapIndex to Coord; Unmap (Map ==
// false) releases Coord's current mapping.
type TileMapping struct {
	Coord     [3]int // (x, y, subresource)
	HeapIndex int
	Map       bool
}

// StagingRegion identifies a range of a CPU-visible upload buffer that a
// TileReader should fill and a Backend should copy from. The shape
// deliberately avoids naming the buffer type: implementations own it.
type StagingRegion struct {
	BufferID int
	Offset   int64
	Size     int64
}

// PackedMipInfo describes the one-shot packed-mip payload of a resource
// (spec §3 packedMips, §6.1 TileSource.PackedMipInfo).
type PackedMipInfo struct {
	Offset            int64
	Bytes             int64
	UncompressedBytes int64
	FirstSubresource  int
	NumTiles          int
}

// TileLocation is the (offset, size, compression) tuple a TileSource
// reports for one standard tile (spec §3 tileOffsets).
type TileLocation struct {
	Offset      int64
	Bytes       int64
	Compression Compression
}

// Backend is the abstract GPU command-queue interface the residency
// engine drives. Every method records or submits work on the copy queue;
// implementations are assumed internally thread-safe (spec §5).
type Backend interface {
	// UpdateTileMappings records mapping changes (new loads mapped,
	// evictions unmapped) for resource res against heap h. It does not
	// block on GPU execution; ordering relative to copies is the
	// caller's responsibility (spec §4.4, §5 "Ordering guarantees").
	UpdateTileMappings(res ResourceHandle, h HeapHandle, mappings []TileMapping) error

	// MapPackedMips performs the one-shot packed-mip mapping at resource
	// init (spec §6.1).
	MapPackedMips(res ResourceHandle, h HeapHandle, heapIndices []int) error

	// CopyTiles records a copy from src into res's tile at coord,
	// targeting whatever heap slot that tile is currently mapped to.
	CopyTiles(res ResourceHandle, coord [3]int, src StagingRegion) error

	// CreateFence creates a new Fence bound to this backend's copy
	// queue.
	CreateFence() (Fence, error)
}

// Fence is the abstract synchronization primitive UploadWorker uses to
// learn when a batch of copies has retired, generalized from
// driver.GPU.Commit(cb, ch chan<- error)'s "send the result when
// commands complete" contract.
type Fence interface {
	// Signal schedules value to be signaled once every command recorded
	// before this call on the owning queue has completed.
	Signal(value uint64) error

	// Wait returns a channel that receives exactly once, when the fence
	// reaches value (or ctx is done, in which case ctx.Err() is sent).
	Wait(ctx context.Context, value uint64) <-chan error
}

// TileReader is the abstract bulk file-to-GPU upload path (spec §6.1).
type TileReader interface {
	// SubmitRead reads n bytes at offset off of file, decompresses per
	// compression, and writes the result into dst. The returned channel
	// receives exactly once, when the read completes or fails.
	SubmitRead(ctx context.Context, file string, off int64, n int, compression Compression, dst StagingRegion) <-chan error
}

// TileSource is the abstract tiled-texture file parser (spec §6.1).
type TileSource interface {
	// PackedMipInfo returns the resource's one-shot packed-mip payload
	// description.
	PackedMipInfo() PackedMipInfo

	// TileFileOffset returns the (offset, bytes, compression) tuple for
	// standard tile (x, y, s).
	TileFileOffset(x, y, s int) (TileLocation, error)

	// File returns the path TileReader should read from.
	File() string
}
