// ABOUTME: Pointer updating after evacuation
// ABOUTME: Rewrites roots and remembered slots through forwarding addresses

package gc

import "github.com/prateek/markcompact/heap"

// forwarded returns where v lives now. Only objects in regions that were
// evacuated can carry a forwarding address.
func (c *Collector) forwarded(v heap.Value) heap.Value {
	if !v.IsHeapObject() {
		return v
	}
	h := c.heap
	r := h.RegionOf(v.Address())
	if r == nil || !(r.InYoungGeneration() || r.IsEvacuationCandidate() || r.IsFlagSet(heap.FlagCompactionAborted)) {
		return v
	}
	if to, moved := h.ForwardingAddress(v.Address()); moved {
		return heap.FromAddress(to)
	}
	return v
}

// updatePointers rewrites every root and every recorded slot
func (c *Collector) updatePointers() {
	h := c.heap
	h.Roots().EnumerateRoots(func(_ heap.RootKind, slot *heap.Value) {
		*slot = c.forwarded(*slot)
	}, heap.RootsAll)
	h.StringTable().Update(c.forwarded)
	for i, reg := range c.pending {
		c.pending[i] = c.forwarded(heap.FromAddress(reg)).Address()
	}

	var regions []*heap.Region
	for _, r := range h.Regions() {
		if r.InYoungGeneration() || r.IsEvacuationCandidate() || !r.HasRememberedSets() {
			continue
		}
		regions = append(regions, r)
	}
	c.runItems(c.cfg.ParallelPointerUpdate, len(regions), func(i int, _ Delegate) {
		c.updateRegion(regions[i])
	})
}

func (c *Collector) updateRegion(r *heap.Region) {
	if s := r.SlotSet(heap.OldToNew); s != nil {
		s.Iterate(c.updateOldToNew)
	}
	if s := r.SlotSet(heap.OldToOld); s != nil {
		s.Iterate(func(slot heap.Address) heap.SlotCallbackResult {
			c.updateSlot(slot)
			return heap.KeepSlot
		})
	}
	for _, t := range []heap.RememberedSetType{heap.OldToNew, heap.OldToOld} {
		if s := r.TypedSlotSet(t); s != nil {
			s.Iterate(c.updateTypedSlot)
		}
	}
}

func (c *Collector) updateSlot(slot heap.Address) heap.Value {
	h := c.heap
	v := h.Load(slot)
	nv := c.forwarded(v)
	if nv != v {
		h.Store(slot, nv)
	}
	return nv
}

// updateOldToNew keeps an old->new slot only while it still points into the
// young generation
func (c *Collector) updateOldToNew(slot heap.Address) heap.SlotCallbackResult {
	v := c.updateSlot(slot)
	if !v.IsHeapObject() {
		return heap.RemoveSlot
	}
	if r := c.heap.RegionOf(v.Address()); r == nil || !r.InYoungGeneration() {
		return heap.RemoveSlot
	}
	return heap.KeepSlot
}

func (c *Collector) updateTypedSlot(ts heap.TypedSlot) heap.SlotCallbackResult {
	if ts.Type != heap.CodeEntrySlot {
		return heap.KeepSlot
	}
	h := c.heap
	entry := heap.Address(h.LoadWord(ts.Addr))
	if entry == 0 {
		return heap.RemoveSlot
	}
	code := heap.CodeFromEntry(entry)
	if nv := c.forwarded(heap.FromAddress(code)); nv.Address() != code {
		h.StoreWord(ts.Addr, uint64(nv.Address()+heap.CodeInstructionStartDelta))
	}
	return heap.KeepSlot
}
