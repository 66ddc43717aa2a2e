package feedback

import (
	"testing"

	"github.com/gfxstream/sfsresidency/coord"
)

type fakeRefs struct {
	added   []coord.Tile
	decced  []coord.Tile
	refs    map[coord.Tile]int
}

func newFakeRefs() *fakeRefs {
	return &fakeRefs{refs: make(map[coord.Tile]int)}
}

func (f *fakeRefs) AddTileRef(c coord.Tile) {
	f.added = append(f.added, c)
	f.refs[c]++
}

func (f *fakeRefs) DecTileRef(c coord.Tile) {
	f.decced = append(f.decced, c)
	f.refs[c]--
}

// S1: cold start, 1 resource, 4 standard mips, 16x16 tiles at mip 0,
// feedback all bytes = 3 (coarsest). Expect exactly 1 tile wanted, at
// mip 3.
func TestColdStartCoarsestOnly(t *testing.T) {
	dims := []Dim{{16, 16}, {8, 8}, {4, 4}, {1, 1}}
	tr := New(dims)
	refs := newFakeRefs()
	minMip := []byte{3}
	tr.Apply(refs, minMip)

	if len(refs.added) != 1 {
		t.Fatalf("AddTileRef calls:\nhave %v\nwant 1 call", refs.added)
	}
	want := coord.Tile{X: 0, Y: 0, S: 3}
	if refs.added[0] != want {
		t.Fatalf("tile wanted:\nhave %v\nwant %v", refs.added[0], want)
	}
}

func TestAbsentFeedbackWantsNothing(t *testing.T) {
	dims := []Dim{{4, 4}, {2, 2}, {1, 1}}
	tr := New(dims)
	refs := newFakeRefs()
	tr.Apply(refs, nil)
	if len(refs.added) != 0 || len(refs.decced) != 0 {
		t.Fatalf("absent feedback: have added=%v decced=%v, want none", refs.added, refs.decced)
	}
}

// B2: desired mip >= numStandardMips is clamped.
func TestOutOfRangeMipClamped(t *testing.T) {
	dims := []Dim{{2, 2}, {1, 1}}
	tr := New(dims)
	refs := newFakeRefs()
	minMip := []byte{200}
	tr.Apply(refs, minMip)
	want := coord.Tile{X: 0, Y: 0, S: 1}
	if len(refs.added) != 1 || refs.added[0] != want {
		t.Fatalf("clamped tile:\nhave %v\nwant [%v]", refs.added, want)
	}
}

// Requesting a finer mip walks the pyramid: every level from d up to
// the coarsest is wanted, not just d.
func TestFineMipWantsWholeChainAboveIt(t *testing.T) {
	dims := []Dim{{4, 4}, {2, 2}, {1, 1}} // mip 0 finest, mip 2 coarsest
	tr := New(dims)
	refs := newFakeRefs()
	minMip := []byte{0} // coarsest grid is 1x1: only position (0,0)
	tr.Apply(refs, minMip)

	wantSet := map[coord.Tile]bool{
		{X: 0, Y: 0, S: 0}: true,
		{X: 0, Y: 0, S: 1}: true,
		{X: 0, Y: 0, S: 2}: true,
	}
	if len(refs.added) != len(wantSet) {
		t.Fatalf("tiles wanted:\nhave %v\nwant %v", refs.added, wantSet)
	}
	for _, c := range refs.added {
		if !wantSet[c] {
			t.Fatalf("unexpected tile wanted: %v", c)
		}
	}
}

// A tile wanted two frames running must not be re-added.
func TestStableDemandNoRepeatAdd(t *testing.T) {
	dims := []Dim{{1, 1}}
	tr := New(dims)
	refs := newFakeRefs()
	minMip := []byte{0}
	tr.Apply(refs, minMip)
	tr.Apply(refs, minMip)
	if len(refs.added) != 1 {
		t.Fatalf("AddTileRef calls across 2 stable frames:\nhave %d\nwant 1", len(refs.added))
	}
	if len(refs.decced) != 0 {
		t.Fatalf("DecTileRef calls:\nhave %d\nwant 0", len(refs.decced))
	}
}

// When demand moves from a fine mip to a coarser one, the finer tile is
// no longer wanted and is decremented.
func TestDemandCoarseningDecrementsFinerTile(t *testing.T) {
	dims := []Dim{{2, 2}, {1, 1}}
	tr := New(dims)
	refs := newFakeRefs()
	tr.Apply(refs, []byte{0}) // wants mip 0 and mip 1
	tr.Apply(refs, []byte{1}) // now wants only mip 1

	fine := coord.Tile{X: 0, Y: 0, S: 0}
	found := false
	for _, c := range refs.decced {
		if c == fine {
			found = true
		}
	}
	if !found {
		t.Fatalf("DecTileRef calls:\nhave %v\nwant to include %v", refs.decced, fine)
	}
	if refs.refs[fine] != 0 {
		t.Fatalf("net refcount for %v:\nhave %d\nwant 0", fine, refs.refs[fine])
	}
}
