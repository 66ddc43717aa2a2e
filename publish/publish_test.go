package publish

import (
	"testing"

	"github.com/gfxstream/sfsresidency/coord"
)

type fakeResidency map[coord.Tile]bool

func (f fakeResidency) IsResident(c coord.Tile) bool { return f[c] }

func TestNewMapAllNotResident(t *testing.T) {
	p := New([]Dim{{2, 2}, {1, 1}})
	if got := p.MinMip(0, 0); got != 2 {
		t.Fatalf("MinMip on fresh map:\nhave %d\nwant 2 (sentinel)", got)
	}
}

// S1-equivalent: only the coarsest tile resident everywhere.
func TestRecomputeCoarsestOnly(t *testing.T) {
	p := New([]Dim{{2, 2}, {1, 1}})
	res := fakeResidency{
		{X: 0, Y: 0, S: 1}: true,
	}
	p.Recompute(res)
	if got := p.MinMip(0, 0); got != 1 {
		t.Fatalf("MinMip:\nhave %d\nwant 1", got)
	}
}

// P6: a finer mip is only reported resident if every coarser ancestor
// covering the same position is also Resident.
func TestRecomputeRequiresWholeChain(t *testing.T) {
	p := New([]Dim{{2, 2}, {1, 1}})
	res := fakeResidency{
		{X: 0, Y: 0, S: 0}: true, // finest tile resident
		// but mip 1 (its coarse ancestor) is NOT resident
	}
	p.Recompute(res)
	if got := p.MinMip(0, 0); got != 2 {
		t.Fatalf("MinMip with broken chain:\nhave %d\nwant 2 (sentinel, nothing safely resident)", got)
	}
}

func TestRecomputeFullChainResident(t *testing.T) {
	p := New([]Dim{{2, 2}, {1, 1}})
	res := fakeResidency{
		{X: 0, Y: 0, S: 0}: true,
		{X: 0, Y: 0, S: 1}: true,
	}
	p.Recompute(res)
	if got := p.MinMip(0, 0); got != 0 {
		t.Fatalf("MinMip with full chain resident:\nhave %d\nwant 0", got)
	}
}

func TestDirtyFlag(t *testing.T) {
	p := New([]Dim{{1, 1}})
	if p.Dirty() {
		t.Fatal("Dirty on fresh publisher: have true, want false")
	}
	p.MarkDirty()
	if !p.Dirty() {
		t.Fatal("Dirty after MarkDirty: have false, want true")
	}
	p.Recompute(fakeResidency{})
	if p.Dirty() {
		t.Fatal("Dirty after Recompute: have true, want false")
	}
}

func TestIndependentPositionsComputeSeparately(t *testing.T) {
	p := New([]Dim{{4, 2}, {2, 1}}) // coarsest grid 2x1: positions (0,0) and (1,0)
	res := fakeResidency{
		{X: 0, Y: 0, S: 0}: true,
		{X: 0, Y: 0, S: 1}: true,
	}
	p.Recompute(res)
	if got := p.MinMip(0, 0); got != 0 {
		t.Fatalf("MinMip(0,0):\nhave %d\nwant 0", got)
	}
	if got := p.MinMip(1, 0); got != 2 {
		t.Fatalf("MinMip(1,0):\nhave %d\nwant 2 (sentinel, nothing resident there)", got)
	}
}
