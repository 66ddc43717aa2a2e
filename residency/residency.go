// Package residency implements the ResidencyEngine / ProcessFeedback
// loop (spec §4.6, component F): the single-threaded per-frame driver
// that advances EvictionDelay, runs FeedbackTranslator, allocates heap
// slots for newly wanted tiles, and packages the result into UpdateLists
// for UploadWorker.
//
// Engine owns TileMappingState, EvictionDelay and HeapAllocator for
// every registered resource (spec §5: "ResidencyEngine thread: sole
// writer of TileMappingState, EvictionDelay, HeapAllocator"); nothing in
// this package is safe for concurrent use from more than one goroutine.
package residency

import (
	"context"
	"log"
	"os"

	"golang.org/x/sync/semaphore"

	"github.com/gfxstream/sfsresidency/coord"
	"github.com/gfxstream/sfsresidency/feedback"
	"github.com/gfxstream/sfsresidency/gpu"
	"github.com/gfxstream/sfsresidency/internal/evictdelay"
	"github.com/gfxstream/sfsresidency/internal/heap"
	"github.com/gfxstream/sfsresidency/tilemap"
	"github.com/gfxstream/sfsresidency/updatelist"
)

const prefix = "residency: "

var logger = log.New(os.Stderr, prefix, log.LstdFlags)

// Resource bundles one registered resource's per-component state.
type Resource struct {
	Handle     gpu.ResourceHandle
	Heap       gpu.HeapHandle
	State      *tilemap.State
	Translator *feedback.Translator
	Ring       *evictdelay.Ring

	feedbackBuf []byte // latest posted feedback, or nil if none yet
}

// SetFeedback posts the latest desired-mip byte map for this resource,
// to be consumed on the next Engine.Tick. Safe to call from the render
// thread (spec §5): Engine only reads feedbackBuf at the start of its
// own Tick, and the render thread only ever replaces the whole slice
// (no partial writes), so a plain pointer swap under the caller-owned
// resource is race-free as long as SetFeedback and Tick do not overlap
// for the same resource. The Manager façade does not call this method:
// it passes each frame's feedback to Tick through the feeds map instead.
func (r *Resource) SetFeedback(minMip []byte) {
	r.feedbackBuf = minMip
}

// MaxLoadsPerList caps how many loads a single UpdateList carries. The
// engine builds at most one UpdateList per resource per Tick, so pending
// loads beyond this cap are not split into further lists; they wait in
// PendingLoads for a later Tick.
const MaxLoadsPerList = 64

// Engine is the ProcessFeedback loop driver (spec §4.6).
type Engine struct {
	heap *heap.Allocator
	pool *updatelist.Pool

	resources []*Resource

	loadCap int64 // per-Tick cap on new loads across all resources (spec §4.6 "Throttling")

	Out         chan *updatelist.UpdateList // handed off to UploadWorker
	Completions chan updatelist.Completion  // UploadWorker's return queue, drained each Tick

	stats Stats
}

// Stats is the subset of Manager.Statistics this package produces
// directly; the façade merges it with upload counters.
type Stats struct {
	LoadsQueued    uint64
	LoadsDeferred  uint64
	EvictionsAged  uint64
	RescuesApplied uint64
}

// New creates an Engine sharing h and pool across every resource it
// drives, throttling new loads to loadCap per Tick (spec §4.6
// "Throttling").
func New(h *heap.Allocator, pool *updatelist.Pool, loadCap int64, out chan *updatelist.UpdateList, completions chan updatelist.Completion) *Engine {
	return &Engine{
		heap:        h,
		pool:        pool,
		loadCap:     loadCap,
		Out:         out,
		Completions: completions,
	}
}

// Register adds a resource to the round-robin the engine drives each
// Tick.
func (e *Engine) Register(r *Resource) {
	e.resources = append(e.resources, r)
}

func (e *Engine) resourceByHandle(h gpu.ResourceHandle) *Resource {
	for _, r := range e.resources {
		if r.Handle == h {
			return r
		}
	}
	return nil
}

// drainCompletions applies every pending updatelist.Completion posted by
// UploadWorker since the last Tick (spec §5: these mutations belong on
// this thread, not UploadWorker's).
func (e *Engine) drainCompletions() {
	for {
		select {
		case c := <-e.Completions:
			e.applyCompletion(c)
		default:
			return
		}
	}
}

func (e *Engine) applyCompletion(c updatelist.Completion) {
	r := e.resourceByHandle(c.Resource)
	if r == nil {
		logger.Printf("completion for unknown resource %v", c.Resource)
		return
	}
	for _, coord := range c.Evicted {
		idx := r.State.CommitEvict(coord)
		e.heap.Release([]int{idx})
	}
	for _, coord := range c.Loaded {
		if err := r.State.NotifyCopyComplete(coord); err != nil {
			logger.Printf("resource %v: %v", r.Handle, err)
		}
	}
	for _, a := range c.Abandoned {
		idx := r.State.AbandonLoad(a.Coord)
		e.heap.Release([]int{idx})
	}
}

// Stats returns a snapshot of this engine's counters.
func (e *Engine) Stats() Stats { return e.stats }

// Tick runs one frame iteration over every registered resource in
// round-robin order (spec §4.6 steps 1-5). UpdateLists with work are
// sent on e.Out; ctx bounds how long Tick will wait to hand a list to
// UploadWorker on e.Out before giving up on a resource for this frame
// (its loads go back to PendingLoads, if still wanted, for the next
// Tick). A resource for which the pool has no free UpdateList is skipped
// for this frame without waiting.
//
// The per-frame load cap (spec §4.6 "Throttling") is a fresh semaphore
// every Tick, not a carried-over one: the budget is "new loads admitted
// this frame", not a long-lived rate limiter.
func (e *Engine) Tick(ctx context.Context, feeds map[gpu.ResourceHandle][]byte) {
	e.drainCompletions()
	loadThrottle := semaphore.NewWeighted(e.loadCap)
	for _, r := range e.resources {
		if buf, ok := feeds[r.Handle]; ok {
			r.feedbackBuf = buf
		}
		e.tickResource(ctx, r, loadThrottle)
	}
}

// tickResource runs spec §4.6 steps 1-5 for a single resource.
func (e *Engine) tickResource(ctx context.Context, r *Resource, loadThrottle *semaphore.Weighted) {
	// Step 1: age evictions, rescue anything re-referenced.
	r.Ring.NextFrame()
	if r.Ring.Rescue(r.State) {
		e.stats.RescuesApplied++
	}

	// Step 2: translate feedback into refcount deltas.
	r.Translator.Apply(r.State, r.feedbackBuf)

	ul, haveList := e.pool.TryAcquire()
	if !haveList {
		logger.Printf("resource %v: update list pool exhausted, deferring", r.Handle)
		return
	}
	if err := ul.Reset(r.Handle, r.Heap); err != nil {
		logger.Printf("resource %v: %v", r.Handle, err)
		e.pool.Put(ul)
		return
	}

	// Step 3a: admit as many pending loads as the heap and the per-frame
	// throttle allow; allocation failures defer the load untouched (spec
	// §4.6 step 3, §4.3/§4.6 design note in tilemap).
	// Copy out: BeginLoad mutates the backing slice PendingLoads exposes
	// (swap-remove), so iterating the live slice while calling it would
	// skip or repeat entries.
	pending := append([]coord.Tile(nil), r.State.PendingLoads()...)
	admitted := 0
	for _, c := range pending {
		if admitted >= MaxLoadsPerList {
			break
		}
		if !loadThrottle.TryAcquire(1) {
			break
		}
		indices, err := e.heap.Allocate(1)
		if err != nil {
			loadThrottle.Release(1)
			e.stats.LoadsDeferred++
			continue
		}
		if err := r.State.BeginLoad(c, indices[0]); err != nil {
			e.heap.Release(indices)
			loadThrottle.Release(1)
			logger.Printf("resource %v: BeginLoad(%v): %v", r.Handle, c, err)
			continue
		}
		ul.AddLoad(c, indices[0])
		admitted++
		e.stats.LoadsQueued++
	}

	// Step 3b: collect evictions that have aged past the in-flight frame
	// count.
	ready := r.Ring.DrainReady()
	for _, c := range ready {
		r.State.BeginEvict(c)
		ul.AddEvict(c)
		e.stats.EvictionsAged++
	}

	// Step 4: hand off, or return the list untouched if nothing to do.
	// ul was only ever Reset (Free->Allocated), never submitted, so it
	// must be returned to the pool via Abort rather than Release, which
	// only succeeds from Notify.
	if ul.Empty() {
		ul.Abort()
		e.pool.Put(ul)
		return
	}
	select {
	case e.Out <- ul:
	case <-ctx.Done():
		// Undo the loads so the next Tick retries them instead of losing
		// them: AbandonLoad returns each tile to NotResident (requeued if
		// still wanted) and hands back its heap slot.
		for _, l := range ul.Loads {
			e.heap.Release([]int{r.State.AbandonLoad(l.Coord)})
		}
		ul.Abort()
		e.pool.Put(ul)
	}
}
