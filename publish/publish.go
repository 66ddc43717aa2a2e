// Package publish implements ResidencyPublisher (spec §4.8, component
// H): recomputes a resource's per-coarsest-tile min-mip residency byte
// map bottom-up whenever its residency changes, and tracks dirtiness so
// the GPU-visible copy is only refreshed when needed.
package publish

import (
	"github.com/gfxstream/sfsresidency/coord"
)

// Residency is the minimal view of tilemap.State the publisher needs: a
// pure read of one tile's residency. Kept as a narrow interface so this
// package does not need to import tilemap.
type Residency interface {
	IsResident(c coord.Tile) bool
}

// Dim is one standard mip level's tile grid, mirroring tilemap.MipDim.
type Dim struct {
	WidthTiles, HeightTiles int
}

// Publisher recomputes and holds the residency byte map for a single
// resource (spec §4.8: "per-object min-mip residency map").
type Publisher struct {
	dims  []Dim
	bytes []byte
	dirty bool
}

// New creates a Publisher for a resource with the given per-mip
// dimensions (finest first); the map starts all-NotResident, i.e. every
// byte is numStandardMips (one past the coarsest index), meaning "not
// even the coarsest mip is resident yet".
func New(dims []Dim) *Publisher {
	cd := dims[len(dims)-1]
	p := &Publisher{
		dims:  dims,
		bytes: make([]byte, cd.WidthTiles*cd.HeightTiles),
	}
	for i := range p.bytes {
		p.bytes[i] = byte(len(dims))
	}
	return p
}

// MarkDirty flags that this resource's residency has changed since the
// last Recompute (spec §4.8: "When a resource's residency changes,
// recompute..."). Manager.EndFrame calls this for every registered
// resource after each engine Tick, right before Recompute.
func (p *Publisher) MarkDirty() { p.dirty = true }

// Dirty reports whether Recompute has unapplied residency changes to
// fold in.
func (p *Publisher) Dirty() bool { return p.dirty }

// Recompute rebuilds the byte map bottom-up: for each coarsest-mip tile
// position, find the finest mip s* such that every tile covering that
// position at levels >= s* is Resident (spec §4.8, property P6).
//
// Bottom-up order (coarsest to finest) means a tile's contribution can
// only ever refine (lower) its coarse ancestor's byte, never promise
// finer detail than is truly resident — required so that a Rescue
// reordering queues, or a load landing mid-computation, cannot produce
// a map entry finer than what is actually backed by data (spec §4.8
// "never promises finer detail than is truly resident").
func (p *Publisher) Recompute(r Residency) {
	coarsest := len(p.dims) - 1
	cd := p.dims[coarsest]

	for cy := 0; cy < cd.HeightTiles; cy++ {
		for cx := 0; cx < cd.WidthTiles; cx++ {
			sStar := byte(len(p.dims)) // sentinel: nothing resident
			for s := coarsest; s >= 0; s-- {
				shift := uint(coarsest - s)
				t := coord.Tile{X: cx << shift, Y: cy << shift, S: s}
				if !r.IsResident(t) {
					break
				}
				sStar = byte(s)
			}
			p.bytes[cy*cd.WidthTiles+cx] = sStar
		}
	}
	p.dirty = false
}

// Bytes returns the current residency byte map. The returned slice is
// owned by Publisher; callers that need to copy it to a GPU-visible
// buffer should do so before the next Recompute.
func (p *Publisher) Bytes() []byte { return p.bytes }

// MinMip returns the finest resident mip for coarsest-tile position
// (cx, cy), or numStandardMips if nothing is resident there yet.
func (p *Publisher) MinMip(cx, cy int) byte {
	cd := p.dims[len(p.dims)-1]
	return p.bytes[cy*cd.WidthTiles+cx]
}
