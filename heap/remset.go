// ABOUTME: Per-region remembered sets of slots that may point across regions
// ABOUTME: Untyped slot bitsets plus typed slots for untagged references

package heap

import (
	"sync"
	"sync/atomic"
)

// RememberedSetType names the (source, target) class of a remembered set
type RememberedSetType uint8

const (
	// OldToNew holds old-generation slots that point into the young generation.
	// Maintained by the write barrier and by the evacuator.
	OldToNew RememberedSetType = iota
	// OldToOld holds slots that point into evacuation candidates. Rebuilt
	// every cycle.
	OldToOld

	numRememberedSets
)

func (t RememberedSetType) String() string {
	switch t {
	case OldToNew:
		return "old-to-new"
	case OldToOld:
		return "old-to-old"
	}
	return "unknown"
}

// SlotCallbackResult tells a remembered set iteration what to do with a slot
type SlotCallbackResult bool

const (
	KeepSlot   SlotCallbackResult = true
	RemoveSlot SlotCallbackResult = false
)

// SlotSet is a bitset with one bit per word of its region. Insertion is
// lock-free; iteration and removal must not race with insertion.
type SlotSet struct {
	base Address
	bits []uint64
}

func newSlotSet(base Address, words int) *SlotSet {
	return &SlotSet{base: base, bits: make([]uint64, (words+63)/64)}
}

func (s *SlotSet) index(slot Address) (int, uint64) {
	w := int((slot - s.base) / WordSize)
	return w / 64, 1 << uint(w%64)
}

// Insert records slot
func (s *SlotSet) Insert(slot Address) {
	i, bit := s.index(slot)
	addr := &s.bits[i]
	for {
		old := atomic.LoadUint64(addr)
		if old&bit != 0 || atomic.CompareAndSwapUint64(addr, old, old|bit) {
			return
		}
	}
}

// Contains reports whether slot is recorded
func (s *SlotSet) Contains(slot Address) bool {
	i, bit := s.index(slot)
	return atomic.LoadUint64(&s.bits[i])&bit != 0
}

// Remove forgets slot
func (s *SlotSet) Remove(slot Address) {
	i, bit := s.index(slot)
	s.bits[i] &^= bit
}

// RemoveRange forgets every slot in [start, end)
func (s *SlotSet) RemoveRange(start, end Address) {
	for a := start; a < end; a += WordSize {
		s.Remove(a)
	}
}

// Iterate calls fn for every recorded slot in address order and returns the
// number of slots kept.
func (s *SlotSet) Iterate(fn func(slot Address) SlotCallbackResult) int {
	kept := 0
	for i, word := range s.bits {
		if word == 0 {
			continue
		}
		for b := 0; b < 64; b++ {
			bit := uint64(1) << uint(b)
			if word&bit == 0 {
				continue
			}
			slot := s.base + Address((i*64+b)*WordSize)
			if fn(slot) == KeepSlot {
				kept++
			} else {
				s.bits[i] &^= bit
			}
		}
	}
	return kept
}

// Len counts recorded slots
func (s *SlotSet) Len() int {
	n := 0
	for _, word := range s.bits {
		for ; word != 0; word &= word - 1 {
			n++
		}
	}
	return n
}

// SlotType identifies the encoding of a typed slot
type SlotType uint8

const (
	// CodeEntrySlot holds the untagged instruction start of a code object
	CodeEntrySlot SlotType = iota + 1
)

// TypedSlot is a recorded slot whose content is not a tagged value
type TypedSlot struct {
	Type SlotType
	Addr Address
}

// TypedSlotSet is a mutex-guarded list of typed slots. index holds the
// address of every entry in slots.
type TypedSlotSet struct {
	mu    sync.Mutex
	slots []TypedSlot
	index map[Address]struct{}
}

// Insert records a typed slot
func (s *TypedSlotSet) Insert(t SlotType, addr Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index == nil {
		s.index = make(map[Address]struct{})
	}
	if _, ok := s.index[addr]; ok {
		return
	}
	s.index[addr] = struct{}{}
	s.slots = append(s.slots, TypedSlot{Type: t, Addr: addr})
}

// Iterate calls fn for each slot, dropping the ones it removes
func (s *TypedSlotSet) Iterate(fn func(TypedSlot) SlotCallbackResult) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.slots[:0]
	for _, ts := range s.slots {
		if fn(ts) == KeepSlot {
			kept = append(kept, ts)
		} else {
			delete(s.index, ts.Addr)
		}
	}
	s.slots = kept
	return len(kept)
}

// RemoveRange drops typed slots in [start, end)
func (s *TypedSlotSet) RemoveRange(start, end Address) {
	s.Iterate(func(ts TypedSlot) SlotCallbackResult {
		if ts.Addr >= start && ts.Addr < end {
			return RemoveSlot
		}
		return KeepSlot
	})
}

// Len counts recorded typed slots
func (s *TypedSlotSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}
