// Package updatelist implements UpdateList (spec §4.4, component D): one
// atomic unit of load+evict work for a single resource, plus the pool
// ResidencyEngine and UploadWorker hand instances through.
//
// The pool is a bounded channel of *UpdateList, modeled on
// engine/texture/staging.go's chan *stagingBuffer pool rather than
// sync.Pool: the teacher's staging ring is exactly this shape (bounded
// set of reusable buffers handed between a producer and a consumer
// goroutine, blocking when exhausted instead of allocating fresh), and
// UpdateList needs the same bound on in-flight work when UploadWorker
// falls behind: Acquire blocks on an empty pool, and ResidencyEngine,
// which uses TryAcquire, skips a resource for that frame instead of
// allocating a fresh list.
package updatelist

import (
	"errors"
	"fmt"

	"github.com/gfxstream/sfsresidency/coord"
	"github.com/gfxstream/sfsresidency/gpu"
)

const prefix = "updatelist: "

// State is the lifecycle stage of an UpdateList (spec §4.4):
//
//	Free -> Allocated -> UploadInProgress -> MappingDone -> CopyInProgress -> Notify -> Free
type State int

const (
	Free State = iota
	Allocated
	UploadInProgress
	MappingDone
	CopyInProgress
	Notify
)

func (s State) String() string {
	switch s {
	case Free:
		return "Free"
	case Allocated:
		return "Allocated"
	case UploadInProgress:
		return "UploadInProgress"
	case MappingDone:
		return "MappingDone"
	case CopyInProgress:
		return "CopyInProgress"
	case Notify:
		return "Notify"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var transitions = map[State]State{
	Free:             Allocated,
	Allocated:        UploadInProgress,
	UploadInProgress: MappingDone,
	MappingDone:      CopyInProgress,
	CopyInProgress:   Notify,
	Notify:           Free,
}

var errBadTransition = errors.New(prefix + "invalid state transition")

// Load is one tile this UpdateList will bring into residency: the
// coordinate plus the heap slot it was allocated (spec §4.3/§4.6).
type Load struct {
	Coord     coord.Tile
	HeapIndex int
}

// UpdateList is one batch of load and evict work for a single resource,
// carried through the pipeline by UploadWorker (spec §4.4, §4.7).
type UpdateList struct {
	Resource gpu.ResourceHandle
	Heap     gpu.HeapHandle

	Loads  []Load
	Evicts []coord.Tile // coordinates whose heap slots are being released

	state          State
	copyFenceValue uint64
}

// New creates an UpdateList in the Free state, ready for Reset.
func New() *UpdateList {
	return &UpdateList{state: Free}
}

// State reports the current lifecycle state.
func (u *UpdateList) State() State { return u.state }

// Reset reinitializes a Free UpdateList for resource/heap, clearing any
// prior loads and evictions, and advances it to Allocated. It is the
// direct counterpart of original_source/SFS/UpdateList.cpp's Reset.
func (u *UpdateList) Reset(res gpu.ResourceHandle, h gpu.HeapHandle) error {
	if u.state != Free {
		return fmt.Errorf("%sReset: %w (have %v)", prefix, errBadTransition, u.state)
	}
	u.Resource = res
	u.Heap = h
	u.Loads = u.Loads[:0]
	u.Evicts = u.Evicts[:0]
	u.copyFenceValue = 0
	u.state = Allocated
	return nil
}

// AddLoad appends a tile to be loaded. Valid only while Allocated.
func (u *UpdateList) AddLoad(c coord.Tile, heapIndex int) error {
	if u.state != Allocated {
		return fmt.Errorf("%sAddLoad: %w (have %v)", prefix, errBadTransition, u.state)
	}
	u.Loads = append(u.Loads, Load{Coord: c, HeapIndex: heapIndex})
	return nil
}

// AddEvict appends a tile whose mapping is being released. Valid only
// while Allocated.
func (u *UpdateList) AddEvict(c coord.Tile) error {
	if u.state != Allocated {
		return fmt.Errorf("%sAddEvict: %w (have %v)", prefix, errBadTransition, u.state)
	}
	u.Evicts = append(u.Evicts, c)
	return nil
}

// Empty reports whether this UpdateList carries no work, so the caller
// can skip it instead of round-tripping an empty batch through the GPU
// (spec §4.6: "ResidencyEngine must not submit empty UpdateLists").
func (u *UpdateList) Empty() bool {
	return len(u.Loads) == 0 && len(u.Evicts) == 0
}

func (u *UpdateList) advance(want State) error {
	next, ok := transitions[u.state]
	if !ok || next != want {
		return fmt.Errorf("%s%v->%v: %w", prefix, u.state, want, errBadTransition)
	}
	u.state = next
	return nil
}

// BeginUpload advances Allocated->UploadInProgress: UploadWorker has
// taken over the list. upload.Worker calls it right after recording the
// tile-mapping update, before any file read is submitted.
func (u *UpdateList) BeginUpload() error { return u.advance(UploadInProgress) }

// MarkMappingDone advances UploadInProgress->MappingDone: the
// UpdateTileMappings call for this batch (map new loads, unmap evictions)
// has been recorded (spec §4.7 step 3).
func (u *UpdateList) MarkMappingDone() error { return u.advance(MappingDone) }

// BeginCopy advances MappingDone->CopyInProgress and records the fence
// value UploadWorker will wait on to know every tile's copy has landed
// (spec §4.7 step 4).
func (u *UpdateList) BeginCopy(fenceValue uint64) error {
	if err := u.advance(CopyInProgress); err != nil {
		return err
	}
	u.copyFenceValue = fenceValue
	return nil
}

// CopyFenceValue returns the fence value recorded by BeginCopy.
func (u *UpdateList) CopyFenceValue() uint64 { return u.copyFenceValue }

// MarkNotify advances CopyInProgress->Notify: the copy fence has passed
// and TileMappingState is ready to be told which tiles landed (spec §4.7
// step 5).
func (u *UpdateList) MarkNotify() error { return u.advance(Notify) }

// Release advances Notify->Free; the caller then hands the UpdateList
// back with Pool.Put.
func (u *UpdateList) Release() error { return u.advance(Free) }

// Abort discards an Allocated UpdateList that was never submitted to
// UploadWorker (empty, or rolled back before handoff), going directly
// Allocated->Free without passing through the upload/copy/notify states.
// Unlike Release, which only succeeds from Notify, Abort is the only way
// back to Free for a list that never carried any work to the GPU.
func (u *UpdateList) Abort() error {
	if u.state != Allocated {
		return fmt.Errorf("%sAbort: %w (have %v)", prefix, errBadTransition, u.state)
	}
	u.state = Free
	return nil
}

// Pool is a bounded, reusable set of UpdateLists, grounded on
// engine/texture/staging.go's staging-buffer channel pool.
type Pool struct {
	ch chan *UpdateList
}

// NewPool creates a Pool of n Free UpdateLists.
func NewPool(n int) *Pool {
	p := &Pool{ch: make(chan *UpdateList, n)}
	for i := 0; i < n; i++ {
		p.ch <- New()
	}
	return p
}

// Acquire blocks until an UpdateList is available, per the teacher's
// pool idiom: backpressure is exerted by blocking rather than growing.
func (p *Pool) Acquire() *UpdateList {
	return <-p.ch
}

// TryAcquire returns (list, true) if one is immediately available, or
// (nil, false) without blocking.
func (p *Pool) TryAcquire() (*UpdateList, bool) {
	select {
	case u := <-p.ch:
		return u, true
	default:
		return nil, false
	}
}

// Put returns u, which must be Free (i.e. Release or Abort has already
// been called), to the pool.
func (p *Pool) Put(u *UpdateList) {
	if u.state != Free {
		panic(prefix + "Put: UpdateList is not Free")
	}
	p.ch <- u
}
