// ABOUTME: Tests for the marking bitmap and the remembered set containers
// ABOUTME: Checks color transitions, cell boundaries and slot set iteration
package heap

import (
	"math/rand"
	"sync"
	"testing"
)

func TestBitmapTransitions(t *testing.T) {
	b := NewBitmap(64)
	for _, i := range []int{0, 15, 16, 63} {
		if b.Get(i) != White {
			t.Errorf("Expected white at %d", i)
		}
		if !b.Transition(i, White, Grey) {
			t.Errorf("Expected white->grey at %d", i)
		}
		if b.Transition(i, White, Grey) {
			t.Errorf("Expected second white->grey at %d to fail", i)
		}
		if !b.TransitionNonAtomic(i, Grey, Black) {
			t.Errorf("Expected grey->black at %d", i)
		}
		if b.GetAtomic(i) != Black {
			t.Errorf("Expected black at %d, got %v", i, b.GetAtomic(i))
		}
	}
	if b.Get(1) != White || b.Get(17) != White {
		t.Error("Expected neighbours to stay white")
	}
	b.ClearRange(0, 16)
	if b.Get(0) != White || b.Get(15) != White || b.Get(16) != Black {
		t.Error("Expected ClearRange to stop at 16")
	}
	b.Clear()
	if b.Get(63) != White {
		t.Error("Expected Clear to whiten everything")
	}
}

func TestBitmapConcurrentTransitionsHaveOneWinner(t *testing.T) {
	b := NewBitmap(256)
	wins := make([]int, 256)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 256; i++ {
				if b.Transition(i, White, Grey) {
					mu.Lock()
					wins[i]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	for i, n := range wins {
		if n != 1 {
			t.Errorf("Expected exactly one winner for %d, got %d", i, n)
		}
	}
}

func TestSlotSet(t *testing.T) {
	base := Address(4096)
	s := newSlotSet(base, 512)
	rng := rand.New(rand.NewSource(42))
	want := map[Address]bool{}
	for i := 0; i < 100; i++ {
		slot := base.Add(rng.Intn(512))
		s.Insert(slot)
		want[slot] = true
	}
	if s.Len() != len(want) {
		t.Errorf("Expected %d slots, got %d", len(want), s.Len())
	}
	var last Address
	kept := s.Iterate(func(slot Address) SlotCallbackResult {
		if !want[slot] {
			t.Errorf("Unexpected slot %#x", uint64(slot))
		}
		if slot <= last {
			t.Errorf("Expected ascending order, %#x after %#x", uint64(slot), uint64(last))
		}
		last = slot
		if (slot/WordSize)%2 == 0 {
			return RemoveSlot
		}
		return KeepSlot
	})
	if kept != s.Len() {
		t.Errorf("Expected kept count %d to match length %d", kept, s.Len())
	}
	s.Iterate(func(slot Address) SlotCallbackResult {
		if (slot/WordSize)%2 == 0 {
			t.Errorf("Expected even slot %#x to be removed", uint64(slot))
		}
		return KeepSlot
	})
	s.RemoveRange(base, base.Add(512))
	if s.Len() != 0 {
		t.Errorf("Expected empty set, got %d", s.Len())
	}
}

func TestTypedSlotSet(t *testing.T) {
	s := &TypedSlotSet{}
	s.Insert(CodeEntrySlot, 100)
	s.Insert(CodeEntrySlot, 100)
	s.Insert(CodeEntrySlot, 200)
	if s.Len() != 2 {
		t.Errorf("Expected duplicates to collapse to 2, got %d", s.Len())
	}
	s.RemoveRange(150, 250)
	if s.Len() != 1 {
		t.Errorf("Expected 1 slot after RemoveRange, got %d", s.Len())
	}
	s.Insert(CodeEntrySlot, 200)
	if s.Len() != 2 {
		t.Errorf("Expected removed slot to be recorded again, got %d", s.Len())
	}
}

func TestTypedSlotSetManyInserts(t *testing.T) {
	s := &TypedSlotSet{}
	const n = 20000
	for round := 0; round < 2; round++ {
		for i := 0; i < n; i++ {
			s.Insert(CodeEntrySlot, Address(i*WordSize))
		}
	}
	if s.Len() != n {
		t.Errorf("Expected %d slots, got %d", n, s.Len())
	}
	s.Iterate(func(ts TypedSlot) SlotCallbackResult {
		if ts.Addr%(2*WordSize) == 0 {
			return RemoveSlot
		}
		return KeepSlot
	})
	for i := 0; i < n; i++ {
		s.Insert(CodeEntrySlot, Address(i*WordSize))
	}
	if s.Len() != n {
		t.Errorf("Expected %d slots after reinsertion, got %d", n, s.Len())
	}
}

func TestRegionRecordSlot(t *testing.T) {
	h := newTestHeap(t, 4)
	a, _ := h.Allocate(OldSpace, 64, WordSize)
	r := h.RegionOf(a)
	if r.HasRememberedSets() {
		t.Error("Expected no remembered sets on a fresh region")
	}
	r.RecordSlot(OldToOld, a+8)
	r.RecordTypedSlot(OldToOld, CodeEntrySlot, a+16)
	if !r.SlotSet(OldToOld).Contains(a+8) || r.TypedSlotSet(OldToOld).Len() != 1 {
		t.Error("Expected both slots recorded")
	}
	r.RemoveSlotRange(a, a+64)
	if r.SlotSet(OldToOld).Len() != 0 || r.TypedSlotSet(OldToOld).Len() != 0 {
		t.Error("Expected range removal to clear both sets")
	}
	r.ReleaseSlotSets(OldToOld)
	if r.HasRememberedSets() {
		t.Error("Expected sets to be released")
	}
}
