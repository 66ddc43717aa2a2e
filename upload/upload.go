// Package upload implements UploadWorker (spec §4.7, component G): the
// dedicated worker that drives UpdateLists through tile-mapping update,
// per-tile file reads, and copy-fence notification, interacting with
// gpu.Backend and gpu.TileReader.
//
// Worker never mutates TileMappingState, EvictionDelay or HeapAllocator
// directly: those are owned by the ResidencyEngine thread (spec §5).
// Instead it posts updatelist.Completion values to a return queue the
// engine drains each tick, the same pattern spec §5 already specifies
// for returned heap slots, generalized to cover residency transitions
// too.
package upload

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gfxstream/sfsresidency/coord"
	"github.com/gfxstream/sfsresidency/gpu"
	"github.com/gfxstream/sfsresidency/updatelist"
)

const prefix = "upload: "

var logger = log.New(os.Stderr, prefix, log.LstdFlags)

// Sources resolves an UpdateList's resource handle to its TileSource,
// for computing per-tile file offsets.
type Sources interface {
	Source(res gpu.ResourceHandle) (gpu.TileSource, bool)
}

// Config bounds concurrency and retry behavior.
type Config struct {
	// MaxConcurrentReads caps in-flight per-tile reads across one
	// UpdateList's upload phase.
	MaxConcurrentReads int
	// ReleaseMappingOnEvict selects whether an explicit GPU unmap is
	// issued for evicted tiles before their heap slot is reused (spec §9
	// open question). Default true.
	ReleaseMappingOnEvict bool
}

// DefaultConfig matches spec §9's resolved default.
func DefaultConfig() Config {
	return Config{MaxConcurrentReads: 16, ReleaseMappingOnEvict: true}
}

// Stats is the subset of Manager.Statistics this package produces.
type Stats struct {
	ReadsSubmitted uint64
	ReadsRetried   uint64
	ReadsFailed    uint64
}

// Worker drains UpdateLists from a channel, drives them to completion,
// posts updatelist.Completion reports, and returns lists to Pool once
// fully Notified.
type Worker struct {
	Backend     gpu.Backend
	Reader      gpu.TileReader
	Sources     Sources
	Pool        *updatelist.Pool
	Completions chan<- updatelist.Completion
	Config      Config

	fenceValue uint64

	statsMu sync.Mutex
	stats   Stats
}

// New creates a Worker. completions is the return queue the owning
// ResidencyEngine drains each tick.
func New(backend gpu.Backend, reader gpu.TileReader, sources Sources, pool *updatelist.Pool, completions chan<- updatelist.Completion, cfg Config) *Worker {
	return &Worker{Backend: backend, Reader: reader, Sources: sources, Pool: pool, Completions: completions, Config: cfg}
}

// Stats returns a snapshot of this worker's counters.
func (w *Worker) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

func (w *Worker) bumpStat(f func(*Stats)) {
	w.statsMu.Lock()
	f(&w.stats)
	w.statsMu.Unlock()
}

// Run drains in until ctx is done or in is closed, processing one
// UpdateList at a time (spec §4.7: the worker is single-threaded across
// UpdateLists, though reads within one list fan out).
func (w *Worker) Run(ctx context.Context, in <-chan *updatelist.UpdateList) {
	for {
		select {
		case ul, ok := <-in:
			if !ok {
				return
			}
			if err := w.process(ctx, ul); err != nil {
				logger.Printf("resource %v: %v", ul.Resource, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// process drives one UpdateList through spec §4.7's four steps.
func (w *Worker) process(ctx context.Context, ul *updatelist.UpdateList) error {
	source, ok := w.Sources.Source(ul.Resource)
	if !ok {
		return fmt.Errorf("%sunknown resource %v", prefix, ul.Resource)
	}

	// Step 1: tile-mapping update (maps new loads, unmaps evictions).
	mappings := make([]gpu.TileMapping, 0, len(ul.Loads)+len(ul.Evicts))
	for _, l := range ul.Loads {
		mappings = append(mappings, gpu.TileMapping{
			Coord:     [3]int{l.Coord.X, l.Coord.Y, l.Coord.S},
			HeapIndex: l.HeapIndex,
			Map:       true,
		})
	}
	if w.Config.ReleaseMappingOnEvict {
		for _, c := range ul.Evicts {
			mappings = append(mappings, gpu.TileMapping{
				Coord: [3]int{c.X, c.Y, c.S},
				Map:   false,
			})
		}
	}
	if err := w.Backend.UpdateTileMappings(ul.Resource, ul.Heap, mappings); err != nil {
		return fmt.Errorf("%sUpdateTileMappings: %w", prefix, err)
	}
	if err := ul.BeginUpload(); err != nil {
		return err
	}
	if err := ul.MarkMappingDone(); err != nil {
		return err
	}

	// Evictions never wait on file I/O, only on the mapping update that
	// was just recorded (no fence is waited on for it); report them now
	// rather than holding them until the copy fence passes below.
	if len(ul.Evicts) > 0 {
		w.postCompletion(ctx, updatelist.Completion{Resource: ul.Resource, Evicted: ul.Evicts})
	}

	// Step 2: submit per-tile reads, fanned out with errgroup (grounded
	// on google-skia-buildbot's tilesource.go use of errgroup.Group for
	// bounded fan-out over independent per-tile work).
	loaded, abandoned, err := w.uploadLoads(ctx, ul, source)
	if err != nil {
		return err
	}

	// Step 3: signal the copy fence.
	w.fenceValue++
	fv := w.fenceValue
	fence, err := w.Backend.CreateFence()
	if err != nil {
		return fmt.Errorf("%sCreateFence: %w", prefix, err)
	}
	if err := fence.Signal(fv); err != nil {
		return fmt.Errorf("%sSignal: %w", prefix, err)
	}
	if err := ul.BeginCopy(fv); err != nil {
		return err
	}

	// Step 4: wait for the fence, then report the notify batch.
	select {
	case err := <-fence.Wait(ctx, fv):
		if err != nil {
			return fmt.Errorf("%sfence wait: %w", prefix, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if len(loaded) > 0 || len(abandoned) > 0 {
		w.postCompletion(ctx, updatelist.Completion{Resource: ul.Resource, Loaded: loaded, Abandoned: abandoned})
	}

	if err := ul.MarkNotify(); err != nil {
		return err
	}
	if err := ul.Release(); err != nil {
		return err
	}
	w.Pool.Put(ul)
	return nil
}

func (w *Worker) postCompletion(ctx context.Context, c updatelist.Completion) {
	if w.Completions == nil {
		return
	}
	select {
	case w.Completions <- c:
	case <-ctx.Done():
	}
}

// uploadLoads issues one read per load tile, retrying a failed read once
// before giving up on it (spec §4.7 error handling: "a failed read is
// retried once; a second failure marks the tile NotResident"). It
// returns the coordinates that landed successfully and those abandoned
// after a second failure.
func (w *Worker) uploadLoads(ctx context.Context, ul *updatelist.UpdateList, source gpu.TileSource) ([]coord.Tile, []updatelist.AbandonedLoad, error) {
	var mu sync.Mutex
	var loaded []coord.Tile
	var abandoned []updatelist.AbandonedLoad

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.Config.MaxConcurrentReads)
	for _, l := range ul.Loads {
		l := l
		g.Go(func() error {
			if ok := w.uploadOne(gctx, ul.Resource, source, l); ok {
				mu.Lock()
				loaded = append(loaded, l.Coord)
				mu.Unlock()
			} else {
				mu.Lock()
				abandoned = append(abandoned, updatelist.AbandonedLoad{Coord: l.Coord, HeapIndex: l.HeapIndex})
				mu.Unlock()
			}
			return nil
		})
	}
	err := g.Wait()
	return loaded, abandoned, err
}

// uploadOne reads a single tile into its staging region, retrying once
// on failure, then records the GPU-side copy from that staging region
// into the tile's mapped heap slot. It reports whether the load
// succeeded end to end.
func (w *Worker) uploadOne(ctx context.Context, res gpu.ResourceHandle, source gpu.TileSource, l updatelist.Load) bool {
	loc, err := source.TileFileOffset(l.Coord.X, l.Coord.Y, l.Coord.S)
	if err != nil {
		logger.Printf("TileFileOffset(%v): %v", l.Coord, err)
		return false
	}
	dst := gpu.StagingRegion{BufferID: l.HeapIndex}

	w.bumpStat(func(s *Stats) { s.ReadsSubmitted++ })
	err = <-w.Reader.SubmitRead(ctx, source.File(), loc.Offset, int(loc.Bytes), loc.Compression, dst)
	if err != nil {
		w.bumpStat(func(s *Stats) { s.ReadsRetried++ })
		logger.Printf("read failed for %v, retrying once: %v", l.Coord, err)
		err = <-w.Reader.SubmitRead(ctx, source.File(), loc.Offset, int(loc.Bytes), loc.Compression, dst)
	}
	if err != nil {
		w.bumpStat(func(s *Stats) { s.ReadsFailed++ })
		logger.Printf("read failed twice for %v, abandoning load: %v", l.Coord, err)
		return false
	}

	tileCoord := [3]int{l.Coord.X, l.Coord.Y, l.Coord.S}
	if err := w.Backend.CopyTiles(res, tileCoord, dst); err != nil {
		w.bumpStat(func(s *Stats) { s.ReadsFailed++ })
		logger.Printf("CopyTiles(%v): %v, abandoning load", l.Coord, err)
		return false
	}
	return true
}
