// Package coord defines the tile coordinate shared by every layer of the
// residency engine.
package coord

// Tile identifies one 64 KiB tile of a tiled texture: an (x, y) position
// within subresource (mip level) s.
type Tile struct {
	X, Y, S int
}
