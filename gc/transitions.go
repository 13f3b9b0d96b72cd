// ABOUTME: Prunes dead shape transitions and trims orphaned descriptor arrays
// ABOUTME: Live entries are compacted to the front and the tail right-trimmed

package gc

import "github.com/prateek/markcompact/heap"

func (c *Collector) clearTransitions(ctx *markingContext, st *Stats) {
	ctx.weak.TransitionArrays.Iterate(func(arr heap.Address) {
		st.PrunedTransitions += c.compactTransitionArray(ctx, arr)
	})
}

// compactTransitionArray moves the entries with live targets to the front of
// arr and trims the rest. It returns the number of entries dropped.
func (c *Collector) compactTransitionArray(ctx *markingContext, arr heap.Address) int {
	h := c.heap
	s := ctx.nonAtomic
	n := h.Length(arr)
	if n == 0 {
		return 0
	}
	var parent heap.Address
	if first := h.ReadField(arr, heap.ArrayHeaderWords+1); first.IsHeapObject() {
		if bp := h.ReadField(first.Address(), heap.ShapeBackPointerOffset); bp.IsHeapObject() {
			parent = bp.Address()
		}
	}
	trimmed := false
	live := 0
	for i := 0; i < n; i++ {
		key := h.ReadField(arr, heap.ArrayHeaderWords+2*i)
		target := h.ReadField(arr, heap.ArrayHeaderWords+2*i+1)
		if target.IsHeapObject() && s.IsWhite(target.Address()) {
			if !trimmed && parent != 0 && c.ownsParentDescriptors(ctx, parent, target.Address()) {
				c.trimDescriptorArray(ctx, parent)
				trimmed = true
			}
			continue
		}
		if i != live {
			ctx.recordedWrite(arr, heap.ArrayHeaderWords+2*live, key)
			ctx.recordedWrite(arr, heap.ArrayHeaderWords+2*live+1, target)
		} else {
			if key.IsHeapObject() {
				ctx.recordSlot(arr, arr.Add(heap.ArrayHeaderWords+2*i), key.Address())
			}
			if target.IsHeapObject() {
				ctx.recordSlot(arr, arr.Add(heap.ArrayHeaderWords+2*i+1), target.Address())
			}
		}
		live++
	}
	if live == n {
		return 0
	}
	if err := h.RightTrim(arr, n-live); err != nil {
		fatal("trimming transition array", err)
	}
	return n - live
}

// ownsParentDescriptors reports whether the dead shape shares its descriptor
// array with its live parent
func (c *Collector) ownsParentDescriptors(ctx *markingContext, parent, dead heap.Address) bool {
	h := c.heap
	if ctx.nonAtomic.IsWhite(parent) || h.TypeOf(parent).Kind != heap.KindShape {
		return false
	}
	desc := h.ReadField(parent, heap.ShapeDescriptorsOffset)
	return desc.IsHeapObject() && desc == h.ReadField(dead, heap.ShapeDescriptorsOffset)
}

// clearDeadShape trims the descriptors a dead shape shared with its parent
func (c *Collector) clearDeadShape(ctx *markingContext, dead heap.Address) {
	bp := c.heap.ReadField(dead, heap.ShapeBackPointerOffset)
	if bp.IsHeapObject() && c.ownsParentDescriptors(ctx, bp.Address(), dead) {
		c.trimDescriptorArray(ctx, bp.Address())
	}
}

// trimDescriptorArray shrinks the parent's descriptor array to the number of
// descriptors the parent owns. A parent owning none drops the array.
func (c *Collector) trimDescriptorArray(ctx *markingContext, parent heap.Address) {
	h := c.heap
	desc := h.ReadField(parent, heap.ShapeDescriptorsOffset).Address()
	own := h.OwnDescriptors(parent)
	if own == 0 {
		h.Store(parent.Add(heap.ShapeDescriptorsOffset), heap.Nil)
		return
	}
	if extra := h.Length(desc) - own; extra > 0 {
		if err := h.RightTrim(desc, extra); err != nil {
			fatal("trimming descriptor array", err)
		}
	}
}
