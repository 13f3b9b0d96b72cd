// ABOUTME: Marking visitor: blackens one object and greys what it strongly references
// ABOUTME: Weak containers are queued on the weak lists instead of traced through

package gc

import (
	"github.com/prateek/markcompact/heap"
	"github.com/prateek/markcompact/marking"
)

type visitor struct {
	m    *marker
	heap *heap.Heap
	// onVisit sees every object popped from the worklist. The linear
	// ephemeron algorithm uses it to learn about newly marked keys.
	onVisit func(obj heap.Address)
}

// Visit blackens obj and scans its body. It returns the visited size, 0 when
// obj was a filler or had already been visited.
func (v *visitor) Visit(obj heap.Address) int {
	if v.onVisit != nil {
		v.onVisit(obj)
	}
	h := v.heap
	if h.IsFiller(obj) {
		return 0
	}
	if !v.m.state.GreyToBlack(obj) {
		return 0
	}
	d := h.TypeOf(obj)
	switch d.Kind {
	case heap.KindWeakMap:
		v.visitWeakMap(obj)
		return h.SizeOf(obj)
	case heap.KindWeakRef:
		v.m.weak.WeakRefs.Push(obj)
	case heap.KindWeakCell:
		v.m.weak.WeakCells.Push(obj)
	case heap.KindTransitionArray:
		v.m.weak.TransitionArrays.Push(obj)
	case heap.KindSharedInfo:
		v.visitSharedInfo(obj)
		return h.SizeOf(obj)
	case heap.KindFunction:
		if shared := h.ReadField(obj, heap.FunctionSharedOffset); shared.IsHeapObject() &&
			v.m.ctx.isFlushingCandidate(shared.Address()) {
			v.m.weak.FlushedFunctions.Push(obj)
		}
	}
	h.IterateBody(obj, func(slot heap.Address, kind heap.SlotKind) {
		v.visitSlot(obj, slot, kind)
	})
	return h.SizeOf(obj)
}

func (v *visitor) visitSlot(host, slot heap.Address, kind heap.SlotKind) {
	h := v.heap
	switch kind {
	case heap.SlotStrong, heap.SlotFlushable:
		v.markSlot(host, slot)
	case heap.SlotWeak:
		// cleared or recorded once marking is done
	case heap.SlotEmbedded:
		val := h.Load(slot)
		if !val.IsHeapObject() {
			return
		}
		v.m.ctx.recordSlot(host, slot, val.Address())
		v.m.weak.WeakObjectsInCode.Push(marking.ObjectInCode{Object: val.Address(), Code: host})
	case heap.SlotCodeEntry:
		entry := heap.Address(h.LoadWord(slot))
		if entry == 0 {
			return
		}
		code := heap.CodeFromEntry(entry)
		v.m.ctx.recordCodeEntry(host, slot, code)
		v.m.markObject(code)
	}
}

func (v *visitor) markSlot(host, slot heap.Address) {
	val := v.heap.Load(slot)
	if !val.IsHeapObject() {
		return
	}
	v.m.ctx.recordSlot(host, slot, val.Address())
	v.m.markObject(val.Address())
}

// visitSharedInfo holds old bytecode weakly and ages the rest
func (v *visitor) visitSharedInfo(obj heap.Address) {
	h := v.heap
	ctx := v.m.ctx
	if ctx.isFlushingCandidate(obj) {
		v.m.weak.FlushingCandidates.Push(obj)
		if bc := h.ReadField(obj, heap.SharedBytecodeOffset); bc.IsHeapObject() {
			ctx.recordSlot(obj, obj.Add(heap.SharedBytecodeOffset), bc.Address())
		}
	} else {
		if ctx.flushing && h.ReadField(obj, heap.SharedBytecodeOffset).IsHeapObject() {
			h.SetBytecodeAge(obj, h.BytecodeAge(obj)+1)
		}
		v.markSlot(obj, obj.Add(heap.SharedBytecodeOffset))
	}
	v.markSlot(obj, obj.Add(heap.SharedNameOffset))
}

// visitWeakMap marks values whose keys are already live and defers the rest
func (v *visitor) visitWeakMap(table heap.Address) {
	h := v.heap
	ctx := v.m.ctx
	v.m.weak.EphemeronHashTables.Push(table)
	n := h.Length(table)
	for i := 0; i < n; i++ {
		keySlot := table.Add(heap.WeakMapKeyOffset(i))
		valueSlot := keySlot.Add(1)
		key := h.Load(keySlot)
		if !key.IsHeapObject() {
			continue
		}
		ctx.recordSlot(table, keySlot, key.Address())
		value := h.Load(valueSlot)
		if !value.IsHeapObject() {
			continue
		}
		ctx.recordSlot(table, valueSlot, value.Address())
		if v.m.state.IsBlackOrGrey(key.Address()) {
			v.m.markObject(value.Address())
		} else if v.m.state.IsWhite(value.Address()) {
			v.m.weak.DiscoveredEphemerons.Push(marking.Ephemeron{Key: key.Address(), Value: value.Address()})
		}
	}
}
