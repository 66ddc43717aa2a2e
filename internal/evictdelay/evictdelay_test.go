package evictdelay

import (
	"reflect"
	"testing"

	"github.com/gfxstream/sfsresidency/coord"
)

type fakeRefCounter map[coord.Tile]uint32

func (f fakeRefCounter) GetRefCount(c coord.Tile) uint32 { return f[c] }

func TestAddReadyAfterKFrames(t *testing.T) {
	r := New(3)
	c := coord.Tile{X: 1, Y: 2, S: 0}
	r.Add(c)

	// B3: advancing with an empty current-frame list is a no-op on
	// residency state, but still rotates the ring.
	r.NextFrame()
	if len(r.Ready()) != 0 {
		t.Fatalf("Ready after 1 NextFrame:\nhave %v\nwant []", r.Ready())
	}
	r.NextFrame()
	if len(r.Ready()) != 0 {
		t.Fatalf("Ready after 2 NextFrame:\nhave %v\nwant []", r.Ready())
	}
	r.NextFrame()
	if got := r.Ready(); !reflect.DeepEqual(got, []coord.Tile{c}) {
		t.Fatalf("Ready after 3 NextFrame:\nhave %v\nwant [%v]", got, c)
	}
}

func TestRescueRemovesReferencedTile(t *testing.T) {
	r := New(3)
	a := coord.Tile{X: 0, Y: 0, S: 0}
	b := coord.Tile{X: 1, Y: 0, S: 0}
	r.Add(a)
	r.Add(b)

	rc := fakeRefCounter{a: 1} // a is wanted again, b is not
	rescued := r.Rescue(rc)
	if !rescued {
		t.Fatal("Rescue: have false, want true")
	}
	r.NextFrame()
	r.NextFrame()
	r.NextFrame()
	if got := r.Ready(); len(got) != 1 || got[0] != b {
		t.Fatalf("Ready after rescue:\nhave %v\nwant [%v]", got, b)
	}
}

func TestRescueIdempotent(t *testing.T) {
	r := New(2)
	a := coord.Tile{X: 0, Y: 0, S: 0}
	r.Add(a)
	rc := fakeRefCounter{a: 1}
	r.Rescue(rc)
	before := append([]coord.Tile(nil), r.lists[0]...)
	r.Rescue(rc)
	after := r.lists[0]
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("Rescue not idempotent:\nhave %v\nwant %v", after, before)
	}
}

func TestClear(t *testing.T) {
	r := New(3)
	r.Add(coord.Tile{X: 0, Y: 0, S: 0})
	r.Clear()
	for i, l := range r.lists {
		if len(l) != 0 {
			t.Fatalf("Clear: list %d not empty: %v", i, l)
		}
	}
}

func TestDrainReady(t *testing.T) {
	r := New(1)
	c := coord.Tile{X: 5, Y: 5, S: 1}
	r.Add(c)
	r.NextFrame()
	drained := r.DrainReady()
	if len(drained) != 1 || drained[0] != c {
		t.Fatalf("DrainReady:\nhave %v\nwant [%v]", drained, c)
	}
	if len(r.Ready()) != 0 {
		t.Fatalf("Ready after DrainReady:\nhave %v\nwant []", r.Ready())
	}
}
