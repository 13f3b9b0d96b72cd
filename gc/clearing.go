// ABOUTME: Clears references to dead objects once marking has converged
// ABOUTME: Weak handles, weak refs, weak maps, finalization cells, strings and code

package gc

import (
	"github.com/prateek/markcompact/heap"
	"github.com/prateek/markcompact/marking"
)

// clearNonLiveReferences runs every clearing step. String table pruning runs
// on a worker alongside the rest.
func (c *Collector) clearNonLiveReferences(ctx *markingContext, st *Stats) {
	h := c.heap
	atomicState := ctx.state
	pruned := 0
	prune := c.sched.PostJob(PriorityUserBlocking, newItemJob(1, func(int, Delegate) {
		pruned = h.StringTable().Prune(atomicState.IsWhite)
	}))

	c.clearWeakHandles(ctx, st)
	c.clearFlushedBytecode(ctx, st)
	c.clearTransitions(ctx, st)
	c.clearWeakRefs(ctx, st)
	c.clearWeakMaps(ctx, st)
	c.clearWeakCells(ctx, st)
	c.clearWeakObjectsInCode(ctx, st)

	prune.Join()
	st.PrunedStrings = pruned
}

func (c *Collector) clearWeakHandles(ctx *markingContext, st *Stats) {
	s := ctx.nonAtomic
	c.heap.Roots().IterateWeakHandles(func(hd *heap.Handle) {
		v := hd.Get()
		if !v.IsHeapObject() || !s.IsWhite(v.Address()) {
			return
		}
		if cb := hd.Clear(); cb != nil {
			c.callbacks = append(c.callbacks, cb)
		}
		st.ClearedWeakHandles++
	})
}

func (c *Collector) clearWeakRefs(ctx *markingContext, st *Stats) {
	h := c.heap
	s := ctx.nonAtomic
	ctx.weak.WeakRefs.Iterate(func(ref heap.Address) {
		slot := ref.Add(heap.WeakRefTargetOffset)
		target := h.Load(slot)
		if !target.IsHeapObject() {
			return
		}
		if !s.IsWhite(target.Address()) {
			ctx.recordSlot(ref, slot, target.Address())
			return
		}
		if h.TypeOf(target.Address()).Kind == heap.KindShape {
			c.clearDeadShape(ctx, target.Address())
		}
		h.Store(slot, heap.Cleared)
		st.ClearedWeakRefs++
	})
}

func (c *Collector) clearWeakMaps(ctx *markingContext, st *Stats) {
	h := c.heap
	s := ctx.nonAtomic
	ctx.weak.EphemeronHashTables.Iterate(func(table heap.Address) {
		n := h.Length(table)
		for i := 0; i < n; i++ {
			keySlot := table.Add(heap.WeakMapKeyOffset(i))
			key := h.Load(keySlot)
			if !key.IsHeapObject() || !s.IsWhite(key.Address()) {
				continue
			}
			h.Store(keySlot, heap.Hole)
			h.Store(keySlot.Add(1), heap.Hole)
			st.ClearedWeakMapEntries++
		}
	})
}

// clearWeakCells moves cells with dead targets from their registry's active
// list to its cleared list and schedules the registry for cleanup
func (c *Collector) clearWeakCells(ctx *markingContext, st *Stats) {
	h := c.heap
	s := ctx.nonAtomic
	ctx.weak.WeakCells.Iterate(func(cell heap.Address) {
		slot := cell.Add(heap.WeakCellTargetOffset)
		target := h.Load(slot)
		if !target.IsHeapObject() {
			return
		}
		if !s.IsWhite(target.Address()) {
			ctx.recordSlot(cell, slot, target.Address())
			return
		}
		if registry := h.ReadField(cell, heap.WeakCellRegistryOffset); registry.IsHeapObject() {
			c.moveToCleared(ctx, registry.Address(), cell)
		}
		ctx.recordedWrite(cell, heap.WeakCellTargetOffset, heap.Cleared)
		st.ClearedCells++
	})
}

func (c *Collector) moveToCleared(ctx *markingContext, registry, cell heap.Address) {
	h := c.heap
	prev := h.ReadField(cell, heap.WeakCellPrevOffset)
	next := h.ReadField(cell, heap.WeakCellNextOffset)
	if prev.IsHeapObject() {
		ctx.recordedWrite(prev.Address(), heap.WeakCellNextOffset, next)
	} else {
		ctx.recordedWrite(registry, heap.RegistryActiveOffset, next)
	}
	if next.IsHeapObject() {
		ctx.recordedWrite(next.Address(), heap.WeakCellPrevOffset, prev)
	}

	head := h.ReadField(registry, heap.RegistryClearedOffset)
	ctx.recordedWrite(cell, heap.WeakCellPrevOffset, heap.Nil)
	ctx.recordedWrite(cell, heap.WeakCellNextOffset, head)
	if head.IsHeapObject() {
		ctx.recordedWrite(head.Address(), heap.WeakCellPrevOffset, heap.FromAddress(cell))
	}
	ctx.recordedWrite(registry, heap.RegistryClearedOffset, heap.FromAddress(cell))

	flags := h.ReadField(registry, heap.RegistryFlagsOffset).SmiValue()
	if flags&heap.RegistryScheduledForCleanup == 0 {
		h.Store(registry.Add(heap.RegistryFlagsOffset), heap.Smi(flags|heap.RegistryScheduledForCleanup))
		c.pending = append(c.pending, registry)
	}
}

// clearWeakObjectsInCode deoptimizes code that embeds a dead object
func (c *Collector) clearWeakObjectsInCode(ctx *markingContext, st *Stats) {
	h := c.heap
	s := ctx.nonAtomic
	ctx.weak.WeakObjectsInCode.Iterate(func(e marking.ObjectInCode) {
		if !s.IsWhite(e.Object) || h.CodeFlags(e.Code)&heap.CodeFlagEmbeddedObjectsCleared != 0 {
			return
		}
		h.SetCodeFlags(e.Code, heap.CodeFlagMarkedForDeopt|heap.CodeFlagEmbeddedObjectsCleared)
		h.IterateBody(e.Code, func(slot heap.Address, kind heap.SlotKind) {
			if kind == heap.SlotEmbedded {
				h.Store(slot, heap.Cleared)
			}
		})
		st.DeoptimizedCode++
	})
}
