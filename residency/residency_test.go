package residency

import (
	"context"
	"testing"

	"github.com/gfxstream/sfsresidency/feedback"
	"github.com/gfxstream/sfsresidency/gpu"
	"github.com/gfxstream/sfsresidency/internal/evictdelay"
	"github.com/gfxstream/sfsresidency/internal/heap"
	"github.com/gfxstream/sfsresidency/tilemap"
	"github.com/gfxstream/sfsresidency/updatelist"
)

func newResource(handle gpu.ResourceHandle, k int) *Resource {
	ring := evictdelay.New(k)
	dims := []tilemap.MipDim{{2, 2}, {1, 1}}
	return &Resource{
		Handle:     handle,
		Heap:       gpu.HeapHandle(1),
		State:      tilemap.New(dims, ring),
		Translator: feedback.New(dims),
		Ring:       ring,
	}
}

// S1-style scenario: cold start, feedback wants only the coarsest tile.
// Expect one UpdateList carrying exactly one load.
func TestTickProducesLoadForNewDemand(t *testing.T) {
	h := heap.New(64)
	pool := updatelist.NewPool(4)
	out := make(chan *updatelist.UpdateList, 4)
	completions := make(chan updatelist.Completion, 4)
	e := New(h, pool, 16, out, completions)

	r := newResource(1, 3)
	e.Register(r)

	e.Tick(context.Background(), map[gpu.ResourceHandle][]byte{1: {1}})

	select {
	case ul := <-out:
		if len(ul.Loads) != 1 {
			t.Fatalf("loads in update list:\nhave %d\nwant 1", len(ul.Loads))
		}
		if len(ul.Evicts) != 0 {
			t.Fatalf("evicts in update list:\nhave %d\nwant 0", len(ul.Evicts))
		}
	default:
		t.Fatal("expected an UpdateList on Out, got none")
	}
}

func TestTickWithNoDemandProducesNothing(t *testing.T) {
	h := heap.New(64)
	pool := updatelist.NewPool(4)
	out := make(chan *updatelist.UpdateList, 4)
	completions := make(chan updatelist.Completion, 4)
	e := New(h, pool, 16, out, completions)
	r := newResource(1, 3)
	e.Register(r)

	e.Tick(context.Background(), nil)

	select {
	case ul := <-out:
		t.Fatalf("expected no UpdateList, got one with %d loads", len(ul.Loads))
	default:
	}
	// The pool slot must have been returned, not leaked.
	if _, ok := pool.TryAcquire(); !ok {
		t.Fatal("pool slot was not returned for an empty tick")
	}
}

// Demand that disappears before the K-frame eviction delay elapses
// produces no eviction; after K frames with demand gone, an UpdateList
// carrying the eviction appears.
func TestTickEvictsAfterDelay(t *testing.T) {
	h := heap.New(64)
	pool := updatelist.NewPool(4)
	out := make(chan *updatelist.UpdateList, 8)
	completions := make(chan updatelist.Completion, 8)
	e := New(h, pool, 16, out, completions)
	r := newResource(1, 2)
	e.Register(r)

	e.Tick(context.Background(), map[gpu.ResourceHandle][]byte{1: {1}})
	ul := <-out
	c := ul.Loads[0].Coord
	r.State.NotifyCopyComplete(c)
	ul.Abort()
	pool.Put(ul)

	// Demand disappears.
	e.Tick(context.Background(), map[gpu.ResourceHandle][]byte{1: {}})
	select {
	case ul := <-out:
		t.Fatalf("unexpected UpdateList on first no-demand tick: %+v", ul)
	default:
	}

	e.Tick(context.Background(), map[gpu.ResourceHandle][]byte{1: {}})
	select {
	case ul := <-out:
		if len(ul.Evicts) != 1 || ul.Evicts[0] != c {
			t.Fatalf("evicts:\nhave %v\nwant [%v]", ul.Evicts, c)
		}
	default:
		t.Fatal("expected an UpdateList carrying the aged eviction")
	}
}

func TestHeapExhaustionDefersLoad(t *testing.T) {
	h := heap.New(0) // no slots at all
	pool := updatelist.NewPool(4)
	out := make(chan *updatelist.UpdateList, 4)
	completions := make(chan updatelist.Completion, 4)
	e := New(h, pool, 16, out, completions)
	r := newResource(1, 3)
	e.Register(r)

	e.Tick(context.Background(), map[gpu.ResourceHandle][]byte{1: {1}})

	select {
	case ul := <-out:
		t.Fatalf("expected no UpdateList (heap exhausted), got %+v", ul)
	default:
	}
	if e.Stats().LoadsDeferred == 0 {
		t.Fatal("Stats().LoadsDeferred: have 0, want > 0")
	}
	// Refcount/demand must survive for retry next tick.
	c := r.State.PendingLoads()
	if len(c) != 1 {
		t.Fatalf("PendingLoads after deferred load:\nhave %v\nwant len 1", c)
	}
}
