// Package sfsresidency is the Manager façade (spec §4.9, §6.2, component
// I): registers resources, drives ResidencyEngine/UploadWorker each
// frame, and exposes per-object residency descriptors and counters to
// the renderer. Structurally the counterpart of the teacher's root
// scene.go, which composes node/engine subsystems behind one type.
package sfsresidency

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/gfxstream/sfsresidency/feedback"
	"github.com/gfxstream/sfsresidency/gpu"
	"github.com/gfxstream/sfsresidency/internal/evictdelay"
	"github.com/gfxstream/sfsresidency/internal/heap"
	"github.com/gfxstream/sfsresidency/publish"
	"github.com/gfxstream/sfsresidency/residency"
	"github.com/gfxstream/sfsresidency/tilemap"
	"github.com/gfxstream/sfsresidency/updatelist"
	"github.com/gfxstream/sfsresidency/upload"
)

const prefix = "sfsresidency: "

// Config configures a Manager. It is a plain value type passed to New,
// mirroring engine.Config in the teacher rather than a flag parser
// (CLI/GUI argument parsing is out of scope).
type Config struct {
	// HeapCapacity is the total number of 64 KiB tile slots available
	// across every resource registered with this Manager.
	HeapCapacity int

	// InFlightFrames is K, the number of frames an eviction must survive
	// before it is safe to unmap (spec §4.2).
	InFlightFrames int

	// LoadBudgetPerFrame caps how many new loads ResidencyEngine admits
	// in a single Tick (spec §4.6 "Throttling").
	LoadBudgetPerFrame int64

	// UpdateListPoolSize bounds how many UpdateLists may be in flight
	// between ResidencyEngine and UploadWorker at once.
	UpdateListPoolSize int

	// MaxConcurrentReads bounds how many per-tile reads UploadWorker
	// fans out concurrently for a single UpdateList (spec §4.7 step 2).
	MaxConcurrentReads int

	// ReleaseMappingOnEvict resolves spec §9's open question: whether
	// UploadWorker issues an explicit GPU unmap for an evicted tile
	// (true, the default) or leaves its mapping in place (false,
	// preserving a legacy behavior hinted at in original_source). In both
	// cases the tile's heap slot is returned to the allocator once the
	// eviction is committed.
	ReleaseMappingOnEvict bool

	// Logger receives the Manager's own non-fatal diagnostics (a failed
	// packed-mip allocation in RegisterResource). The residency and
	// upload packages log read failures and pool exhaustion to their own
	// stderr loggers, not to this one. Defaults to log.Default().
	Logger *log.Logger
}

// DefaultConfig returns a Config with the defaults named above.
func DefaultConfig() Config {
	return Config{
		HeapCapacity:          4096,
		InFlightFrames:        3,
		LoadBudgetPerFrame:    64,
		UpdateListPoolSize:    32,
		MaxConcurrentReads:    16,
		ReleaseMappingOnEvict: true,
		Logger:                log.Default(),
	}
}

// Statistics is a point-in-time snapshot of the counters named in spec
// §6.2/§7 ("loads submitted, evictions committed, rescues, heap
// occupancy"), merged from ResidencyEngine and UploadWorker.
type Statistics struct {
	LoadsQueued    uint64
	LoadsDeferred  uint64
	EvictionsAged  uint64
	RescuesApplied uint64
	ReadsSubmitted uint64
	ReadsRetried   uint64
	ReadsFailed    uint64
	HeapFree       int
	HeapCapacity   int
}

// metrics are the live Prometheus counters/gauges Manager updates
// alongside the plain Statistics snapshot (spec §6.2, grounded on
// promauto.NewCounter/NewGauge usage elsewhere in the retrieval pack).
type metrics struct {
	loadsQueued    prometheus.Counter
	evictionsAged  prometheus.Counter
	rescuesApplied prometheus.Counter
	readsRetried   prometheus.Counter
	readsFailed    prometheus.Counter
	heapFree       prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		loadsQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "sfsresidency_loads_queued_total",
			Help: "Tile loads admitted into an UpdateList.",
		}),
		evictionsAged: factory.NewCounter(prometheus.CounterOpts{
			Name: "sfsresidency_evictions_aged_total",
			Help: "Tile evictions that survived their in-flight delay and were submitted.",
		}),
		rescuesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "sfsresidency_rescues_total",
			Help: "Pending evictions rescued by renewed demand before they aged out.",
		}),
		readsRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "sfsresidency_reads_retried_total",
			Help: "Tile reads retried after a first failure.",
		}),
		readsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sfsresidency_reads_failed_total",
			Help: "Tile reads abandoned after a second failure.",
		}),
		heapFree: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sfsresidency_heap_free_slots",
			Help: "Unallocated tile slots remaining in the shared heap.",
		}),
	}
}

// resourceEntry bundles one registered resource's state across every
// component, plus the pieces the Manager itself needs (its TileSource,
// for the upload.Sources lookup, and its Publisher).
type resourceEntry struct {
	source    gpu.TileSource
	dims      []tilemap.MipDim
	state     *tilemap.State
	ring      *evictdelay.Ring
	publisher *publish.Publisher
	drawable  bool // true once packed mips have been mapped (spec §6.2 Drawable)
}

// Manager is the façade consumed by the renderer (spec §6.2). One
// Manager owns one ResidencyEngine and one UploadWorker. The
// UploadWorker runs in a background goroutine started by New and stopped
// by Close; the engine runs on the caller's goroutine, one Tick per
// EndFrame.
type Manager struct {
	cfg Config
	log *log.Logger

	heap   *heap.Allocator
	pool   *updatelist.Pool
	engine *residency.Engine
	worker *upload.Worker

	out         chan *updatelist.UpdateList
	completions chan updatelist.Completion

	mu         sync.Mutex
	resources  map[gpu.ResourceHandle]*resourceEntry
	nextHandle gpu.ResourceHandle

	feeds map[gpu.ResourceHandle][]byte

	metrics *metrics
	prevRes residency.Stats
	prevUp  upload.Stats

	cancel context.CancelFunc
	group  *errgroup.Group

	shutdown bool
}

// New creates a Manager backed by backend and reader, and starts its
// UploadWorker goroutine. Call Close to drain and tear it down.
func New(cfg Config, backend gpu.Backend, reader gpu.TileReader, reg prometheus.Registerer) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	out := make(chan *updatelist.UpdateList, cfg.UpdateListPoolSize)
	completions := make(chan updatelist.Completion, cfg.UpdateListPoolSize*2)

	m := &Manager{
		cfg:         cfg,
		log:         cfg.Logger,
		heap:        heap.New(cfg.HeapCapacity),
		pool:        updatelist.NewPool(cfg.UpdateListPoolSize),
		out:         out,
		completions: completions,
		resources:   make(map[gpu.ResourceHandle]*resourceEntry),
		feeds:       make(map[gpu.ResourceHandle][]byte),
		metrics:     newMetrics(reg),
	}
	m.engine = residency.New(m.heap, m.pool, cfg.LoadBudgetPerFrame, out, completions)

	uploadCfg := upload.Config{
		MaxConcurrentReads:    cfg.MaxConcurrentReads,
		ReleaseMappingOnEvict: cfg.ReleaseMappingOnEvict,
	}
	m.worker = upload.New(backend, reader, m, m.pool, completions, uploadCfg)

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	m.group = g
	g.Go(func() error {
		m.worker.Run(gctx, out)
		return nil
	})

	return m
}

// Source implements upload.Sources, letting UploadWorker look up a
// registered resource's TileSource without reaching into Manager's
// internals directly.
func (m *Manager) Source(h gpu.ResourceHandle) (gpu.TileSource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.resources[h]
	if !ok {
		return nil, false
	}
	return e.source, true
}

// RegisterResource registers a tiled texture with the Manager (spec
// §6.2). dims describes the per-mip standard tile grid, finest mip
// first; it is supplied by the caller rather than derived from
// gpu.TileSource, since that interface only exposes per-tile lookups and
// the one-shot packed-mip payload, not the full pyramid shape (an
// extension beyond spec.md's narrower "RegisterResource(source, heap)"
// signature, needed because Go's static typing can't infer dims from an
// opaque TileSource the way the original's resource-loading code does
// from file headers it has already parsed).
func (m *Manager) RegisterResource(source gpu.TileSource, h gpu.HeapHandle, dims []tilemap.MipDim, backend gpu.Backend) (gpu.ResourceHandle, error) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		panic(prefix + "RegisterResource: manager is shut down")
	}
	m.nextHandle++
	handle := m.nextHandle
	m.mu.Unlock()

	info := source.PackedMipInfo()
	var packedIndices []int
	if info.NumTiles > 0 {
		indices, err := m.heap.Allocate(info.NumTiles)
		if err != nil {
			m.log.Printf("RegisterResource: packed-mip allocation failed: %v", err)
			return 0, fmt.Errorf("%sRegisterResource: %v", prefix, err)
		}
		if err := backend.MapPackedMips(handle, h, indices); err != nil {
			m.heap.Release(indices)
			return 0, fmt.Errorf("%sRegisterResource: MapPackedMips: %v", prefix, err)
		}
		packedIndices = indices
	}

	ring := evictdelay.New(m.cfg.InFlightFrames)
	state := tilemap.New(dims, ring)
	translator := feedback.New(dims)

	pubDims := make([]publish.Dim, len(dims))
	for i, d := range dims {
		pubDims[i] = publish.Dim{WidthTiles: d.WidthTiles, HeightTiles: d.HeightTiles}
	}

	entry := &resourceEntry{
		source:    source,
		dims:      dims,
		state:     state,
		ring:      ring,
		publisher: publish.New(pubDims),
		drawable:  len(packedIndices) == info.NumTiles,
	}

	m.mu.Lock()
	m.resources[handle] = entry
	m.mu.Unlock()

	m.engine.Register(&residency.Resource{
		Handle:     handle,
		Heap:       h,
		State:      state,
		Translator: translator,
		Ring:       ring,
	})

	return handle, nil
}

// SetFeedback posts the latest desired-mip byte map for resource, to be
// consumed on the next EndFrame's engine tick (spec §6.2). Only the
// render thread may call this (spec §5).
func (m *Manager) SetFeedback(resource gpu.ResourceHandle, minMip []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[resource]; !ok {
		panic(prefix + "SetFeedback: unregistered resource")
	}
	m.feeds[resource] = minMip
}

// GetMinMipMapDescriptor returns the current residency byte map for
// resource, for shaders to bind as an SRV (spec §6.2). The returned
// slice is owned by the Manager; callers must copy it before the next
// EndFrame if they need a stable snapshot.
func (m *Manager) GetMinMipMapDescriptor(resource gpu.ResourceHandle) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.resources[resource]
	if !ok {
		return nil, fmt.Errorf("%sGetMinMipMapDescriptor: unregistered resource", prefix)
	}
	return e.publisher.Bytes(), nil
}

// Drawable reports whether resource's packed mips are resident, i.e.
// whether it is safe to issue draw calls sampling it at all (spec §6.2:
// "true once packed mips are resident").
func (m *Manager) Drawable(resource gpu.ResourceHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.resources[resource]
	return ok && e.drawable
}

// BeginFrame marks the start of a render frame. It currently performs no
// work of its own (feedback is posted via SetFeedback and consumed at
// EndFrame); it exists as a named pair with EndFrame so callers have a
// single place to hang future per-frame bookkeeping (spec §6.2).
func (m *Manager) BeginFrame() {}

// EndFrame advances EvictionDelay and ResidencyEngine by one tick (spec
// §6.2): it hands the frame's posted feedback to the engine, lets it
// translate demand into UpdateLists for UploadWorker, then recomputes
// every dirtied resource's residency map.
func (m *Manager) EndFrame(ctx context.Context) {
	m.mu.Lock()
	feeds := m.feeds
	m.feeds = make(map[gpu.ResourceHandle][]byte, len(feeds))
	m.mu.Unlock()

	m.engine.Tick(ctx, feeds)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.resources {
		e.publisher.MarkDirty()
		e.publisher.Recompute(e.state)
	}
	m.refreshMetrics()
}

// refreshMetrics pushes the deltas since the last call into the
// Prometheus counters, and the current heap occupancy into its gauge.
// Engine/Worker keep plain cumulative totals (no Prometheus dependency
// of their own); the façade is the one place that translates "cumulative
// total" into "amount to Add this tick", matching promauto.NewCounter's
// monotonic-Add contract.
func (m *Manager) refreshMetrics() {
	rs := m.engine.Stats()
	us := m.worker.Stats()

	m.metrics.loadsQueued.Add(float64(rs.LoadsQueued - m.prevRes.LoadsQueued))
	m.metrics.evictionsAged.Add(float64(rs.EvictionsAged - m.prevRes.EvictionsAged))
	m.metrics.rescuesApplied.Add(float64(rs.RescuesApplied - m.prevRes.RescuesApplied))
	m.metrics.readsRetried.Add(float64(us.ReadsRetried - m.prevUp.ReadsRetried))
	m.metrics.readsFailed.Add(float64(us.ReadsFailed - m.prevUp.ReadsFailed))
	m.prevRes, m.prevUp = rs, us

	m.metrics.heapFree.Set(float64(m.heap.Free()))
}

// Statistics returns a snapshot of the counters named in spec §6.2/§7,
// merging ResidencyEngine's and UploadWorker's independently-maintained
// totals with current heap occupancy.
func (m *Manager) Statistics() Statistics {
	rs := m.engine.Stats()
	us := m.worker.Stats()

	m.mu.Lock()
	heapFree := m.heap.Free()
	heapCap := m.heap.Cap()
	m.mu.Unlock()

	return Statistics{
		LoadsQueued:    rs.LoadsQueued,
		LoadsDeferred:  rs.LoadsDeferred,
		EvictionsAged:  rs.EvictionsAged,
		RescuesApplied: rs.RescuesApplied,
		ReadsSubmitted: us.ReadsSubmitted,
		ReadsRetried:   us.ReadsRetried,
		ReadsFailed:    us.ReadsFailed,
		HeapFree:       heapFree,
		HeapCapacity:   heapCap,
	}
}

// Close implements spec §5's shutdown sequence: it marks the Manager
// shut down (later RegisterResource calls panic), closes the UpdateList
// channel and waits for UploadWorker to process every list still queued
// so GPU mappings stay valid at teardown, then clears every resource's
// EvictionDelay ring. SetFeedback is not refused after Close, and heap
// slots are not returned to the allocator.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	m.mu.Unlock()

	close(m.out)
	err := m.group.Wait()
	m.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.resources {
		e.ring.Clear()
	}
	return err
}
