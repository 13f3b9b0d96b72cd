// ABOUTME: Bytecode flushing for shared infos that have not run for several cycles
// ABOUTME: Dead bytecode becomes the lazy-compile marker and dependent functions are reset

package gc

import "github.com/prateek/markcompact/heap"

func (c *Collector) clearFlushedBytecode(ctx *markingContext, st *Stats) {
	h := c.heap
	s := ctx.nonAtomic
	ctx.weak.FlushingCandidates.Iterate(func(shared heap.Address) {
		slot := shared.Add(heap.SharedBytecodeOffset)
		bc := h.Load(slot)
		if !bc.IsHeapObject() {
			return
		}
		if s.IsWhite(bc.Address()) {
			h.Store(slot, heap.LazyCompile)
			st.FlushedBytecode++
			return
		}
		ctx.recordSlot(shared, slot, bc.Address())
	})
	ctx.weak.FlushedFunctions.Iterate(func(fn heap.Address) {
		shared := h.ReadField(fn, heap.FunctionSharedOffset)
		if shared.IsHeapObject() && h.ReadField(shared.Address(), heap.SharedBytecodeOffset) == heap.LazyCompile {
			h.ResetFunctionCode(fn)
		}
	})
}
