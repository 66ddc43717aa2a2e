// Package feedback implements FeedbackTranslator (spec §4.5, component
// E): it converts a resource's per-frame "desired mip" feedback byte map
// into refcount deltas across the standard mip pyramid, applied to a
// tilemap.State.
package feedback

import (
	"github.com/gfxstream/sfsresidency/coord"
	"github.com/gfxstream/sfsresidency/tilemap"
)

// Dim mirrors tilemap.MipDim: the tile-grid width/height of one standard
// mip level.
type Dim = tilemap.MipDim

// Refs is the subset of tilemap.State the translator needs; this is a
// narrow interface purely to keep the translator unit-testable without a
// full State.
type Refs interface {
	AddTileRef(c coord.Tile)
	DecTileRef(c coord.Tile)
}

// Translator walks the mip pyramid of a single resource, diffing
// "wanted this frame" against "wanted last frame" and calling
// AddTileRef/DecTileRef for every delta (spec §4.5).
//
// Packed mips are out of scope for the translator: they are refcounted
// at infinity per spec §4.5 step 4 and never appear in its wanted set,
// so the translator simply never calls Dec on them — the resource maps
// them once at registration and leaves them mapped forever (spec §9
// Non-goals: "packed mips are not evicted").
type Translator struct {
	dims   []Dim
	wanted map[coord.Tile]bool
	prev   map[coord.Tile]bool
}

// New creates a Translator for a resource with the given per-mip
// dimensions (finest first, standard mips only — no packed-mip entry).
func New(dims []Dim) *Translator {
	return &Translator{
		dims:   dims,
		wanted: make(map[coord.Tile]bool),
		prev:   make(map[coord.Tile]bool),
	}
}

// numStandardMips is len(dims); mip 0 is finest, len(dims)-1 is coarsest.
func (t *Translator) numStandardMips() int { return len(t.dims) }

// coarsestDim is the mip level the feedback byte map is indexed against
// (spec §4.5: "one byte per coarsest-mip tile").
func (t *Translator) coarsestDim() Dim { return t.dims[len(t.dims)-1] }

// coveringTile maps a coarsest-mip tile position (cx, cy) to the tile
// that covers it at standard mip s, by successive halving of the
// coordinate as the pyramid coarsens (each mip level halves the tile
// grid, standard for power-of-two mip chains).
func coveringTile(cx, cy, coarsest, s int) coord.Tile {
	shift := uint(coarsest - s)
	return coord.Tile{X: cx << shift, Y: cy << shift, S: s}
}

// Apply runs one feedback frame: minMip is the desired-mip byte map,
// indexed row-major over the coarsest mip's tile grid (width ==
// coarsestDim().WidthTiles); a nil minMip means feedback is absent and
// only packed mips are wanted (spec §4.5 "If feedback is absent").
//
// Out-of-range desired-mip values are clamped to numStandardMips-1 (spec
// §4.5 "Out-of-range desired-mip values").
func (t *Translator) Apply(refs Refs, minMip []byte) {
	coarsest := t.numStandardMips() - 1
	cd := t.coarsestDim()

	clear(t.wanted)
	if minMip != nil {
		for cy := 0; cy < cd.HeightTiles; cy++ {
			for cx := 0; cx < cd.WidthTiles; cx++ {
				idx := cy*cd.WidthTiles + cx
				if idx >= len(minMip) {
					continue
				}
				d := int(minMip[idx])
				if d >= t.numStandardMips() {
					d = t.numStandardMips() - 1
				}
				if d < 0 {
					d = 0
				}
				for s := d; s <= coarsest; s++ {
					t.wanted[coveringTile(cx, cy, coarsest, s)] = true
				}
			}
		}
	}

	for c := range t.wanted {
		if !t.prev[c] {
			refs.AddTileRef(c)
		}
	}
	for c := range t.prev {
		if !t.wanted[c] {
			refs.DecTileRef(c)
		}
	}

	t.prev, t.wanted = t.wanted, t.prev
}
