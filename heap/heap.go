// ABOUTME: Managed heap: region table, spaces, raw memory access and cycle bookkeeping
// ABOUTME: Implements the allocator and object model contracts used by the collector

package heap

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
)

// ErrOutOfMemory is returned when no region can be acquired for an allocation
var ErrOutOfMemory = errors.New("heap: out of memory")

// FatalError reports an unrecoverable heap or collector defect. It is only
// ever raised with panic.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
	}
	return "fatal: " + e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatalf panics with a FatalError
func Fatalf(format string, args ...any) {
	panic(&FatalError{Reason: fmt.Sprintf(format, args...)})
}

// Allocator hands out memory for objects. Safe for concurrent use.
type Allocator interface {
	Allocate(space SpaceID, size, alignment int) (Address, error)
}

// Options configure the heap geometry
type Options struct {
	// RegionSize in bytes, a power of two
	RegionSize int
	// MaxRegions caps the number of region slots
	MaxRegions int
}

// DefaultOptions returns 256KB regions and a 256MB ceiling
func DefaultOptions() Options {
	return Options{RegionSize: 256 << 10, MaxRegions: 1024}
}

// Heap owns every region and the allocation spaces
type Heap struct {
	opts  Options
	shift uint

	types   *Types
	roots   *Roots
	strings *StringTable

	regionMu sync.Mutex
	table    []atomic.Pointer[Region]
	used     int

	spaces [NumSpaces]*Space

	barrier atomic.Pointer[barrierSlot]
	inCycle atomic.Bool
	cycles  atomic.Uint64
}

type barrierSlot struct{ b WriteBarrier }

// New creates an empty heap
func New(opts Options) (*Heap, error) {
	if opts.RegionSize < 1024 || opts.RegionSize&(opts.RegionSize-1) != 0 {
		return nil, fmt.Errorf("heap: region size %d is not a power of two >= 1024", opts.RegionSize)
	}
	if opts.MaxRegions <= 0 {
		return nil, fmt.Errorf("heap: max regions must be positive, got %d", opts.MaxRegions)
	}
	h := &Heap{
		opts:  opts,
		shift: uint(bits.TrailingZeros(uint(opts.RegionSize))),
		types: NewTypes(),
		table: make([]atomic.Pointer[Region], opts.MaxRegions),
	}
	for s := SpaceID(0); s < NumSpaces; s++ {
		h.spaces[s] = &Space{id: s, heap: h}
	}
	h.roots = newRoots()
	h.strings = newStringTable(h)
	return h, nil
}

// Types returns the type registry
func (h *Heap) Types() *Types { return h.types }

// Roots returns the root provider
func (h *Heap) Roots() *Roots { return h.roots }

// StringTable returns the interning table
func (h *Heap) StringTable() *StringTable { return h.strings }

// Space returns the space with the given id
func (h *Heap) Space(id SpaceID) *Space { return h.spaces[id] }

// RegionSize returns the size of a regular region in bytes
func (h *Heap) RegionSize() int { return h.opts.RegionSize }

// MaxRegions returns the region slot capacity
func (h *Heap) MaxRegions() int { return h.opts.MaxRegions }

// LargeObjectThreshold is the smallest size that gets its own region
func (h *Heap) LargeObjectThreshold() int { return h.opts.RegionSize / 2 }

// RegionOf returns the region containing a, nil if a is not mapped
func (h *Heap) RegionOf(a Address) *Region {
	idx := int(a>>h.shift) - 1
	if idx < 0 || idx >= len(h.table) {
		return nil
	}
	r := h.table[idx].Load()
	if r == nil || !r.Contains(a) {
		return nil
	}
	return r
}

// Regions returns a snapshot of every region in address order
func (h *Heap) Regions() []*Region {
	var out []*Region
	for i := 0; i < len(h.table); i++ {
		r := h.table[i].Load()
		if r == nil || r.index != i {
			continue
		}
		out = append(out, r)
	}
	return out
}

// RegionCount returns the number of occupied region slots
func (h *Heap) RegionCount() int {
	h.regionMu.Lock()
	defer h.regionMu.Unlock()
	return h.used
}

// acquireRegion maps a region spanning slots consecutive slots
func (h *Heap) acquireRegion(space SpaceID, slots int) (*Region, error) {
	h.regionMu.Lock()
	defer h.regionMu.Unlock()
	run := 0
	for i := 0; i < len(h.table); i++ {
		if h.table[i].Load() != nil {
			run = 0
			continue
		}
		run++
		if run < slots {
			continue
		}
		first := i - slots + 1
		base := Address(first+1) << h.shift
		r := newRegion(first, slots, base, slots*h.opts.RegionSize, space)
		if h.inCycle.Load() {
			r.SetFlag(FlagBlackAllocated)
		}
		for j := first; j <= i; j++ {
			h.table[j].Store(r)
		}
		h.used += slots
		h.spaces[space].addRegion(r)
		return r, nil
	}
	return nil, fmt.Errorf("%w: %d of %d region slots in use", ErrOutOfMemory, h.used, len(h.table))
}

// ReleaseRegion unmaps r and returns its slots to the pool
func (h *Heap) ReleaseRegion(r *Region) {
	h.spaces[r.space].removeRegion(r)
	h.regionMu.Lock()
	defer h.regionMu.Unlock()
	for j := r.index; j < r.index+r.slots; j++ {
		h.table[j].Store(nil)
	}
	h.used -= r.slots
}

// PromoteRegion moves a young region into old space without copying
func (h *Heap) PromoteRegion(r *Region) {
	h.spaces[r.space].removeRegion(r)
	r.space = OldSpace
	r.SetFlag(FlagPagePromotion)
	h.spaces[OldSpace].addRegion(r)
}

// Allocate reserves size bytes in space. The range holds a filler until the
// caller installs a header.
func (h *Heap) Allocate(space SpaceID, size, alignment int) (Address, error) {
	if size <= 0 || size%WordSize != 0 {
		return 0, fmt.Errorf("heap: invalid allocation size %d", size)
	}
	if alignment < WordSize {
		alignment = WordSize
	}
	if space == LargeObjectSpace || size > h.LargeObjectThreshold() {
		return h.allocateLarge(size)
	}
	return h.spaces[space].allocate(size, alignment)
}

func (h *Heap) allocateLarge(size int) (Address, error) {
	slots := (size + h.opts.RegionSize - 1) / h.opts.RegionSize
	r, err := h.acquireRegion(LargeObjectSpace, slots)
	if err != nil {
		return 0, err
	}
	r.SetFlag(FlagNeverEvacuate)
	r.top = r.base + Address(size)
	r.allocated.Store(int64(size))
	h.CreateFiller(r.base, size)
	return r.base, nil
}

// LoadWord reads a raw heap word
func (h *Heap) LoadWord(a Address) uint64 {
	r := h.RegionOf(a)
	if r == nil {
		Fatalf("load from unmapped address %#x", uint64(a))
	}
	return r.load(a)
}

// StoreWord writes a raw heap word
func (h *Heap) StoreWord(a Address, v uint64) {
	r := h.RegionOf(a)
	if r == nil {
		Fatalf("store to unmapped address %#x", uint64(a))
	}
	r.store(a, v)
}

// Load reads a tagged slot
func (h *Heap) Load(slot Address) Value { return Value(h.LoadWord(slot)) }

// Store writes a tagged slot without any barrier
func (h *Heap) Store(slot Address, v Value) { h.StoreWord(slot, uint64(v)) }

func (h *Heap) smiAt(a Address) int { return int(h.Load(a).SmiValue()) }

// CreateFiller turns [a, a+size) into a filler object
func (h *Heap) CreateFiller(a Address, size int) {
	if size <= 0 {
		return
	}
	if size == WordSize {
		h.Store(a, Smi(int64(TypeOneWordFiller)))
		return
	}
	h.Store(a.Add(1), Smi(int64(size/WordSize)))
	h.Store(a, Smi(int64(TypeFiller)))
}

// Header returns the header word of obj
func (h *Heap) Header(obj Address) Value { return h.Load(obj) }

// ForwardingAddress returns the new location of obj if it has moved
func (h *Heap) ForwardingAddress(obj Address) (Address, bool) {
	hdr := h.Load(obj)
	if hdr.IsHeapObject() {
		return hdr.Address(), true
	}
	return obj, false
}

// SetForwardingAddress overwrites the header of obj with its new location.
// The store is atomic so readers observe either the old header or the
// complete forwarding value.
func (h *Heap) SetForwardingAddress(obj, to Address) {
	h.Store(obj, FromAddress(to))
}

// TypeOf returns the descriptor of obj, following forwarding
func (h *Heap) TypeOf(obj Address) *TypeDescriptor {
	d, _ := h.descriptorOf(obj)
	return d
}

func (h *Heap) descriptorOf(obj Address) (*TypeDescriptor, Address) {
	hdr := h.Load(obj)
	if hdr.IsHeapObject() {
		obj = hdr.Address()
		hdr = h.Load(obj)
	}
	if !hdr.IsSmi() {
		Fatalf("object %#x has corrupt header %v", uint64(obj), hdr)
	}
	d := h.types.Lookup(TypeID(hdr.SmiValue()))
	if d == nil {
		Fatalf("object %#x has unknown type %d", uint64(obj), hdr.SmiValue())
	}
	return d, obj
}

// IsFiller reports whether obj is a free-space pseudo object
func (h *Heap) IsFiller(obj Address) bool {
	return h.TypeOf(obj).Kind == KindFiller
}

// SizeOf returns the object size in bytes
func (h *Heap) SizeOf(obj Address) int {
	d, at := h.descriptorOf(obj)
	return d.sizeInWords(
		func() int { return h.smiAt(at.Add(LengthOffset)) },
		func(off int) int { return h.smiAt(at.Add(off)) },
	) * WordSize
}

// IterateBody reports every reference slot of obj. obj must not be forwarded.
func (h *Heap) IterateBody(obj Address, visit SlotVisitor) {
	d, at := h.descriptorOf(obj)
	if at != obj {
		Fatalf("iterating forwarded object %#x", uint64(obj))
	}
	d.iterateBody(obj,
		func() int { return h.smiAt(obj.Add(LengthOffset)) },
		func(off int) int { return h.smiAt(obj.Add(off)) },
		visit)
}

// ForEachObject walks the non-filler objects of r in address order
func (h *Heap) ForEachObject(r *Region, fn func(obj Address, size int)) {
	for a := r.base; a < r.top; {
		size := h.SizeOf(a)
		if !h.IsFiller(a) {
			fn(a, size)
		}
		a += Address(size)
	}
}

// InCycle reports whether a collection cycle is in progress
func (h *Heap) InCycle() bool { return h.inCycle.Load() }

// Cycles returns the number of completed collection cycles
func (h *Heap) Cycles() uint64 { return h.cycles.Load() }

// StartCycle begins a collection cycle. Linear allocation areas are retired
// and free lists dropped so that every later allocation lands in a fresh
// region, which is treated as black until FinishCycle. Every existing region
// gets a cleared marking bitmap.
func (h *Heap) StartCycle() {
	for _, s := range h.spaces {
		s.mu.Lock()
	}
	h.regionMu.Lock()
	h.inCycle.Store(true)
	for _, s := range h.spaces {
		s.retireLinearArea()
		s.free = nil
	}
	for i := range h.table {
		r := h.table[i].Load()
		if r == nil || r.index != i {
			continue
		}
		r.ClearFlag(FlagBlackAllocated)
		r.ResetMarking()
	}
	h.regionMu.Unlock()
	for _, s := range h.spaces {
		s.mu.Unlock()
	}
}

// FinishCycle ends a collection cycle and drops marking bitmaps
func (h *Heap) FinishCycle() {
	h.regionMu.Lock()
	defer h.regionMu.Unlock()
	for i := range h.table {
		r := h.table[i].Load()
		if r == nil || r.index != i {
			continue
		}
		r.ClearFlag(FlagBlackAllocated | FlagPagePromotion | FlagCompactionAborted)
		r.ReleaseMarking()
	}
	h.inCycle.Store(false)
	h.cycles.Add(1)
}

// SetWriteBarrier installs the marking barrier hook, nil to remove it
func (h *Heap) SetWriteBarrier(b WriteBarrier) {
	if b == nil {
		h.barrier.Store(nil)
		return
	}
	h.barrier.Store(&barrierSlot{b: b})
}

// SizeOfObjects sums allocated bytes of every region in a space
func (h *Heap) SizeOfObjects(space SpaceID) int64 {
	var n int64
	for _, r := range h.spaces[space].Regions() {
		n += r.AllocatedBytes()
	}
	return n
}
