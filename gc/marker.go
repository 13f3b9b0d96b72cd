// ABOUTME: Per-cycle marking context shared by all markers and the per-thread marker
// ABOUTME: Holds worklists, weak lists, candidates and the slot recording rules

package gc

import (
	"github.com/prateek/markcompact/heap"
	"github.com/prateek/markcompact/marking"
)

// markingContext is the state of one collection cycle. It is created when
// the cycle starts and dropped in the epilogue.
type markingContext struct {
	heap       *heap.Heap
	state      marking.State
	nonAtomic  marking.State
	worklists  *marking.Worklists
	weak       *marking.WeakObjects
	candidates []*heap.Region
	flushing   bool
	oldAge     int
}

func newMarkingContext(h *heap.Heap, flushing bool, oldAge int) *markingContext {
	return &markingContext{
		heap:      h,
		state:     marking.NewAtomicState(h),
		nonAtomic: marking.NewNonAtomicState(h),
		worklists: marking.NewWorklists(),
		weak:      marking.NewWeakObjects(),
		flushing:  flushing,
		oldAge:    oldAge,
	}
}

func (mc *markingContext) compacting() bool { return len(mc.candidates) > 0 }

// recordingHost returns the region of host if slots in it must be recorded
// for compaction. Hosts on candidates move and young hosts are evacuated;
// both record their slots when they are migrated.
func (mc *markingContext) recordingHost(host heap.Address) *heap.Region {
	hr := mc.heap.RegionOf(host)
	if hr == nil || hr.IsEvacuationCandidate() || hr.InYoungGeneration() {
		return nil
	}
	return hr
}

func onCandidate(h *heap.Heap, obj heap.Address) bool {
	r := h.RegionOf(obj)
	return r != nil && r.IsEvacuationCandidate()
}

// recordSlot remembers slot of host if target is about to be evacuated
func (mc *markingContext) recordSlot(host, slot, target heap.Address) {
	if !mc.compacting() || !onCandidate(mc.heap, target) {
		return
	}
	if hr := mc.recordingHost(host); hr != nil {
		hr.RecordSlot(heap.OldToOld, slot)
	}
}

// recordCodeEntry remembers an untagged code entry slot pointing at code
func (mc *markingContext) recordCodeEntry(host, slot, code heap.Address) {
	if !mc.compacting() || !onCandidate(mc.heap, code) {
		return
	}
	if hr := mc.recordingHost(host); hr != nil {
		hr.RecordTypedSlot(heap.OldToOld, heap.CodeEntrySlot, slot)
	}
}

// recordedWrite stores v into a field during the pause and records the slot.
// The marking barrier is not installed at that point.
func (mc *markingContext) recordedWrite(host heap.Address, offset int, v heap.Value) {
	mc.heap.WriteField(host, offset, v)
	if v.IsHeapObject() {
		mc.recordSlot(host, host.Add(offset), v.Address())
	}
}

// isFlushingCandidate reports whether the bytecode of shared is old enough
// to be held weakly
func (mc *markingContext) isFlushingCandidate(shared heap.Address) bool {
	if !mc.flushing {
		return false
	}
	bc := mc.heap.ReadField(shared, heap.SharedBytecodeOffset)
	return bc.IsHeapObject() && mc.heap.BytecodeAge(shared) >= mc.oldAge
}

// marker is one thread's view of the marking context
type marker struct {
	ctx     *markingContext
	state   marking.State
	local   *marking.Local[heap.Address]
	weak    *marking.LocalWeakObjects
	visitor *visitor
}

func newMarker(ctx *markingContext, state marking.State) *marker {
	m := &marker{
		ctx:   ctx,
		state: state,
		local: marking.NewLocal(ctx.worklists.Shared),
		weak:  marking.NewLocalWeakObjects(ctx.weak),
	}
	m.visitor = &visitor{m: m, heap: ctx.heap}
	return m
}

// markObject greys obj and schedules it for scanning
func (m *marker) markObject(obj heap.Address) {
	if m.state.WhiteToGrey(obj) {
		m.local.Push(obj)
	}
}

// drain visits objects until the worklists are empty or yield returns true
func (m *marker) drain(yield func() bool) (bytes, objects int) {
	for yield == nil || !yield() {
		obj, ok := m.local.Pop()
		if !ok {
			break
		}
		bytes += m.visitor.Visit(obj)
		objects++
	}
	return bytes, objects
}

func (m *marker) publish() {
	m.local.Publish()
	m.weak.Publish()
}

// markRoots greys every strong root. The code of the innermost frame keeps
// its embedded objects alive.
func (m *marker) markRoots(extra []heap.Address) {
	h := m.ctx.heap
	h.Roots().EnumerateRoots(func(kind heap.RootKind, slot *heap.Value) {
		v := *slot
		if !v.IsHeapObject() {
			return
		}
		m.markObject(v.Address())
		if kind == heap.RootTopFrame {
			m.markTopFrameCode(v.Address())
		}
	}, heap.RootsSkipWeak)
	for _, obj := range extra {
		m.markObject(obj)
	}
}

func (m *marker) markTopFrameCode(code heap.Address) {
	h := m.ctx.heap
	if h.TypeOf(code).Kind != heap.KindCode {
		return
	}
	h.IterateBody(code, func(slot heap.Address, kind heap.SlotKind) {
		if kind != heap.SlotEmbedded {
			return
		}
		if v := h.Load(slot); v.IsHeapObject() {
			m.ctx.recordSlot(code, slot, v.Address())
			m.markObject(v.Address())
		}
	})
}
