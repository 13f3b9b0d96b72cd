// ABOUTME: Exports a heap as a snapshot
// ABOUTME: Objects are numbered in address order; transition arrays fold into their shapes

package heapdump

import (
	"errors"
	"sort"

	"github.com/prateek/markcompact/heap"
)

// ErrInCycle is returned when a heap is dumped while a collection is running
var ErrInCycle = errors.New("heap is being collected")

// walk calls fn for every non-filler object in address order
func walk(h *heap.Heap, fn func(obj heap.Address, r *heap.Region)) {
	for _, r := range h.Regions() {
		h.ForEachObject(r, func(obj heap.Address, _ int) { fn(obj, r) })
	}
}

type dumper struct {
	h   *heap.Heap
	ids map[heap.Address]ID
}

func (d *dumper) ref(v heap.Value) Ref {
	switch {
	case v.IsHeapObject():
		if id, ok := d.ids[v.Address()]; ok {
			return Obj(id)
		}
		return Ref{}
	case v.IsSmi():
		return Int(v.SmiValue())
	case v == heap.Hole:
		return Ref{Kind: RefHole}
	case v == heap.Cleared:
		return Ref{Kind: RefCleared}
	case v == heap.LazyCompile:
		return Ref{Kind: RefLazyCompile}
	}
	return Ref{}
}

func (d *dumper) refs(vs []heap.Value) []Ref {
	out := make([]Ref, len(vs))
	for i, v := range vs {
		out[i] = d.ref(v)
	}
	return out
}

// Dump exports every object and root of h. Transition arrays are written as
// their shape's entries and weak cells whose target was cleared are left out,
// so pending finalization callbacks are not preserved. Embedder roots are not
// exported.
func Dump(h *heap.Heap) (*Snapshot, error) {
	if h.InCycle() {
		return nil, ErrInCycle
	}
	d := &dumper{h: h, ids: make(map[heap.Address]ID)}
	walk(h, func(obj heap.Address, _ *heap.Region) {
		switch h.TypeOf(obj).Kind {
		case heap.KindTransitionArray:
			return
		case heap.KindWeakCell:
			if !h.ReadField(obj, heap.WeakCellTargetOffset).IsHeapObject() {
				return
			}
		}
		d.ids[obj] = ID(len(d.ids) + 1)
	})

	s := &Snapshot{Objects: make([]Object, 0, len(d.ids))}
	types := h.Types()
	for id := heap.TypeID(0); types.Lookup(id) != nil; id++ {
		if t := types.Lookup(id); t.Kind == heap.KindStruct {
			s.Types = append(s.Types, StructType{Name: t.Name, Fields: t.Fields, Raw: t.RawWords})
		}
	}
	walk(h, func(obj heap.Address, r *heap.Region) {
		id, ok := d.ids[obj]
		if !ok {
			return
		}
		s.Objects = append(s.Objects, d.object(obj, id, r))
	})

	h.Roots().EnumerateRoots(func(kind heap.RootKind, slot *heap.Value) {
		ref := d.ref(*slot)
		if ref.Kind != RefObject {
			return
		}
		switch kind {
		case heap.RootHandle:
			s.Roots = append(s.Roots, ref.ID)
		case heap.RootWeakHandle:
			s.WeakRoots = append(s.WeakRoots, ref.ID)
		}
	}, heap.RootsAll)
	h.Roots().IterateFrames(func(f *heap.Frame) {
		s.Frames = append(s.Frames, Frame{
			Function: d.ref(f.Function),
			Code:     d.ref(f.Code),
			Bytecode: d.ref(f.Bytecode),
			Locals:   d.refs(f.Locals),
		})
	})
	h.StringTable().Each(func(_ string, v heap.Value) {
		if ref := d.ref(v); ref.Kind == RefObject {
			s.Interned = append(s.Interned, ref.ID)
		}
	})
	sort.Slice(s.Interned, func(i, j int) bool { return s.Interned[i] < s.Interned[j] })
	return s, nil
}

func (d *dumper) object(obj heap.Address, id ID, r *heap.Region) Object {
	h := d.h
	t := h.TypeOf(obj)
	out := Object{ID: id, Type: t.Name}
	if r.Space() != heap.OldSpace {
		out.Space = r.Space().String()
	}
	switch t.Kind {
	case heap.KindStruct:
		for i := 0; i < t.Fields; i++ {
			out.Fields = append(out.Fields, d.ref(h.Field(obj, i)))
		}
	case heap.KindFixedArray, heap.KindDescriptorArray:
		for i := 0; i < h.Length(obj); i++ {
			out.Fields = append(out.Fields, d.ref(h.ArrayGet(obj, i)))
		}
	case heap.KindString, heap.KindByteArray, heap.KindBytecode:
		out.Data = string(h.Bytes(obj))
	case heap.KindWeakMap:
		out.Capacity = h.Length(obj)
		for _, e := range h.WeakMapEntries(obj) {
			out.Entries = append(out.Entries, Entry{Key: d.ref(e.Key), Value: d.ref(e.Value)})
		}
	case heap.KindWeakRef:
		out.Fields = []Ref{d.ref(h.WeakRefTarget(obj))}
	case heap.KindWeakCell:
		out.Fields = []Ref{
			d.ref(h.ReadField(obj, heap.WeakCellTargetOffset)),
			d.ref(h.ReadField(obj, heap.WeakCellHoldingsOffset)),
		}
		out.Registry = d.ids[h.ReadField(obj, heap.WeakCellRegistryOffset).Address()]
	case heap.KindShape:
		out.Own = h.OwnDescriptors(obj)
		out.Fields = []Ref{
			d.ref(h.ReadField(obj, heap.ShapeBackPointerOffset)),
			d.ref(h.ReadField(obj, heap.ShapeDescriptorsOffset)),
		}
		for _, e := range h.Transitions(obj) {
			if e.Value.IsHeapObject() {
				out.Entries = append(out.Entries, Entry{Key: d.ref(e.Key), Value: d.ref(e.Value)})
			}
		}
	case heap.KindFunction:
		out.Fields = []Ref{
			d.ref(h.ReadField(obj, heap.FunctionSharedOffset)),
			d.ref(h.ReadField(obj, heap.FunctionCodeOffset)),
		}
	case heap.KindSharedInfo:
		out.Age = h.BytecodeAge(obj)
		out.Fields = []Ref{
			d.ref(h.ReadField(obj, heap.SharedBytecodeOffset)),
			d.ref(h.ReadField(obj, heap.SharedNameOffset)),
		}
	case heap.KindCode:
		out.Instructions = int(h.ReadField(obj, heap.CodeInstructionWordsOffset).SmiValue())
		out.Fields = d.refs(h.CodeEmbedded(obj))
		out.Flags = h.CodeFlags(obj)
		start := obj.Add(heap.CodeInstructionsOffset)
		for _, a := range h.CodeRelocations(obj) {
			out.Relocations = append(out.Relocations, int(a-start)/heap.WordSize)
		}
	}
	return out
}
