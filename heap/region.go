// ABOUTME: Fixed-size regions (pages) of heap memory and their bookkeeping
// ABOUTME: Tracks owning space, flags, live bytes, mark bits and remembered sets

package heap

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// SpaceID identifies the space that owns a region
type SpaceID uint8

const (
	NewSpace SpaceID = iota
	OldSpace
	CodeSpace
	LargeObjectSpace

	NumSpaces
)

func (s SpaceID) String() string {
	switch s {
	case NewSpace:
		return "new"
	case OldSpace:
		return "old"
	case CodeSpace:
		return "code"
	case LargeObjectSpace:
		return "large-object"
	}
	return fmt.Sprintf("space(%d)", uint8(s))
}

// ParseSpace maps a space name back to its id
func ParseSpace(name string) (SpaceID, error) {
	for s := SpaceID(0); s < NumSpaces; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	if name == "" {
		return OldSpace, nil
	}
	return 0, fmt.Errorf("unknown space %q", name)
}

// RegionFlag is a bit in a region's flag word
type RegionFlag uint32

const (
	FlagEvacuationCandidate RegionFlag = 1 << iota
	FlagNeverEvacuate
	FlagPinned
	FlagPagePromotion
	FlagCompactionAborted
	// FlagForceEvacuation selects the region under manual candidate selection
	FlagForceEvacuation
	// FlagLinearAllocation marks the region currently serving bump allocation
	FlagLinearAllocation
	// FlagBlackAllocated marks regions acquired during a collection cycle.
	// Every object in them counts as black.
	FlagBlackAllocated
)

// Region is a contiguous slab of heap words. Large-object regions span
// several region-size slots.
type Region struct {
	index int
	slots int
	base  Address
	words []uint64

	space SpaceID
	flags atomic.Uint32

	// top is the end of the iterable part of the region. Guarded by the
	// owning space while allocating.
	top       Address
	allocated atomic.Int64
	live      atomic.Int64

	marks atomic.Pointer[Bitmap]

	setMu sync.Mutex
	sets  [numRememberedSets]atomic.Pointer[SlotSet]
	typed [numRememberedSets]atomic.Pointer[TypedSlotSet]
}

func newRegion(index, slots int, base Address, size int, space SpaceID) *Region {
	return &Region{
		index: index,
		slots: slots,
		base:  base,
		words: make([]uint64, size/WordSize),
		space: space,
		top:   base,
	}
}

func (r *Region) String() string {
	return fmt.Sprintf("region#%d[%s %#x+%d]", r.index, r.space, uint64(r.base), r.Size())
}

// Index returns the first slot of the region in the heap's region table
func (r *Region) Index() int { return r.index }

// Base returns the first address of the region
func (r *Region) Base() Address { return r.base }

// End returns the address one past the region
func (r *Region) End() Address { return r.base + Address(r.Size()) }

// Size returns the region size in bytes
func (r *Region) Size() int { return len(r.words) * WordSize }

// Top returns the end of the iterable area
func (r *Region) Top() Address { return r.top }

// SetTop moves the end of the iterable area. Only valid while allocation is
// paused.
func (r *Region) SetTop(a Address) { r.top = a }

// Space returns the owning space
func (r *Region) Space() SpaceID { return r.space }

// InYoungGeneration reports whether the region belongs to the new space
func (r *Region) InYoungGeneration() bool { return r.space == NewSpace }

// Contains reports whether a lies inside the region
func (r *Region) Contains(a Address) bool {
	return a >= r.base && a < r.End()
}

// IsFlagSet reports whether f is set
func (r *Region) IsFlagSet(f RegionFlag) bool {
	return RegionFlag(r.flags.Load())&f != 0
}

// SetFlag sets f
func (r *Region) SetFlag(f RegionFlag) {
	for {
		old := r.flags.Load()
		if r.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

// ClearFlag clears f
func (r *Region) ClearFlag(f RegionFlag) {
	for {
		old := r.flags.Load()
		if r.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

// IsEvacuationCandidate reports whether the region is being compacted
func (r *Region) IsEvacuationCandidate() bool {
	return r.IsFlagSet(FlagEvacuationCandidate)
}

// AllocatedBytes returns the bytes of objects in the region as of the last
// sweep plus later allocations
func (r *Region) AllocatedBytes() int64 { return r.allocated.Load() }

// SetAllocatedBytes overwrites the allocated byte count
func (r *Region) SetAllocatedBytes(n int64) { r.allocated.Store(n) }

// LiveBytes returns the live bytes accumulated by the current marking
func (r *Region) LiveBytes() int64 { return r.live.Load() }

// IncrementLiveBytes adds n to the live byte count
func (r *Region) IncrementLiveBytes(n int64) { r.live.Add(n) }

// SetLiveBytes overwrites the live byte count
func (r *Region) SetLiveBytes(n int64) { r.live.Store(n) }

// Bitmap returns the attached marking bitmap, nil if the region has none
func (r *Region) Bitmap() *Bitmap { return r.marks.Load() }

// ResetMarking attaches a cleared bitmap and zeroes live bytes
func (r *Region) ResetMarking() {
	if b := r.marks.Load(); b != nil {
		b.Clear()
	} else {
		r.marks.Store(NewBitmap(len(r.words)))
	}
	r.live.Store(0)
}

// ReleaseMarking detaches the bitmap
func (r *Region) ReleaseMarking() {
	r.marks.Store(nil)
}

// WordIndex converts an address inside the region into a word index
func (r *Region) WordIndex(a Address) int {
	return int((a - r.base) / WordSize)
}

func (r *Region) load(a Address) uint64 {
	return atomic.LoadUint64(&r.words[r.WordIndex(a)])
}

func (r *Region) store(a Address, v uint64) {
	atomic.StoreUint64(&r.words[r.WordIndex(a)], v)
}

// SlotSet returns the remembered set of type t, nil when empty
func (r *Region) SlotSet(t RememberedSetType) *SlotSet {
	return r.sets[t].Load()
}

// TypedSlotSet returns the typed remembered set of type t, nil when empty
func (r *Region) TypedSlotSet(t RememberedSetType) *TypedSlotSet {
	return r.typed[t].Load()
}

// RecordSlot inserts slot into the remembered set of type t
func (r *Region) RecordSlot(t RememberedSetType, slot Address) {
	s := r.sets[t].Load()
	if s == nil {
		r.setMu.Lock()
		if s = r.sets[t].Load(); s == nil {
			s = newSlotSet(r.base, len(r.words))
			r.sets[t].Store(s)
		}
		r.setMu.Unlock()
	}
	s.Insert(slot)
}

// RecordTypedSlot inserts a typed slot into the remembered set of type t
func (r *Region) RecordTypedSlot(t RememberedSetType, st SlotType, slot Address) {
	s := r.typed[t].Load()
	if s == nil {
		r.setMu.Lock()
		if s = r.typed[t].Load(); s == nil {
			s = &TypedSlotSet{}
			r.typed[t].Store(s)
		}
		r.setMu.Unlock()
	}
	s.Insert(st, slot)
}

// ReleaseSlotSets drops both remembered sets of type t
func (r *Region) ReleaseSlotSets(t RememberedSetType) {
	r.sets[t].Store(nil)
	r.typed[t].Store(nil)
}

// RemoveSlotRange drops every recorded slot in [start, end) from all sets
func (r *Region) RemoveSlotRange(start, end Address) {
	for t := RememberedSetType(0); t < numRememberedSets; t++ {
		if s := r.SlotSet(t); s != nil {
			s.RemoveRange(start, end)
		}
		if s := r.TypedSlotSet(t); s != nil {
			s.RemoveRange(start, end)
		}
	}
}

// HasRememberedSets reports whether any remembered set is attached
func (r *Region) HasRememberedSets() bool {
	for t := RememberedSetType(0); t < numRememberedSets; t++ {
		if r.SlotSet(t) != nil || r.TypedSlotSet(t) != nil {
			return true
		}
	}
	return false
}
