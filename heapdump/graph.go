// ABOUTME: Converts a live heap into an analysis graph
// ABOUTME: Slot kinds map to strong, weak and ephemeron references the way marking treats them

package heapdump

import (
	"github.com/prateek/markcompact/graph"
	"github.com/prateek/markcompact/heap"
)

// GraphOptions mirror the collector settings that change what marking keeps
// alive
type GraphOptions struct {
	FlushBytecode  bool
	BytecodeOldAge int
	// ExtraRoots are treated as strong roots, e.g. pending finalization
	// registries
	ExtraRoots []heap.Address
}

// HeapGraph is the object graph of a heap together with the ID mapping
type HeapGraph struct {
	*graph.MemGraph
	addrs map[graph.ObjID]heap.Address
	ids   map[heap.Address]graph.ObjID
}

// Address returns the heap address of a graph object
func (g *HeapGraph) Address(id graph.ObjID) (heap.Address, bool) {
	a, ok := g.addrs[id]
	return a, ok
}

// ID returns the graph ID of the object at a
func (g *HeapGraph) ID(a heap.Address) (graph.ObjID, bool) {
	id, ok := g.ids[a]
	return id, ok
}

// ToGraph builds the reference graph of every object in h. Roots are the
// strong roots of the heap; the innermost frame's code holds its embedded
// objects strongly. Must not run concurrently with a collection.
func ToGraph(h *heap.Heap, opts GraphOptions) *HeapGraph {
	g := &HeapGraph{
		MemGraph: graph.NewMemGraph(),
		addrs:    make(map[graph.ObjID]heap.Address),
		ids:      make(map[heap.Address]graph.ObjID),
	}
	walk(h, func(obj heap.Address, _ *heap.Region) {
		id := graph.ObjID(len(g.ids) + 1)
		g.ids[obj] = id
		g.addrs[id] = obj
	})

	var roots []graph.ObjID
	var topCode heap.Address
	h.Roots().EnumerateRoots(func(kind heap.RootKind, slot *heap.Value) {
		if !slot.IsHeapObject() {
			return
		}
		if kind == heap.RootTopFrame {
			topCode = slot.Address()
		}
		if id, ok := g.ids[slot.Address()]; ok {
			roots = append(roots, id)
		}
	}, heap.RootsSkipWeak)
	for _, a := range opts.ExtraRoots {
		if id, ok := g.ids[a]; ok {
			roots = append(roots, id)
		}
	}
	g.SetRoots(graph.Roots{IDs: roots})

	for obj, id := range g.ids {
		g.AddObject(&graph.Object{
			ID:   id,
			Type: h.TypeOf(obj).Name,
			Size: uint64(h.SizeOf(obj)),
			Refs: g.refs(h, obj, obj == topCode, opts),
		})
	}
	return g
}

func (g *HeapGraph) refs(h *heap.Heap, obj heap.Address, topFrame bool, opts GraphOptions) []graph.Ref {
	var refs []graph.Ref
	add := func(v heap.Value, kind graph.RefKind, key graph.ObjID) {
		if !v.IsHeapObject() {
			return
		}
		if target, ok := g.ids[v.Address()]; ok {
			refs = append(refs, graph.Ref{Target: target, Kind: kind, Key: key})
		}
	}
	flushable := h.TypeOf(obj).Kind == heap.KindSharedInfo && opts.FlushBytecode &&
		h.ReadField(obj, heap.SharedBytecodeOffset).IsHeapObject() &&
		h.BytecodeAge(obj) >= opts.BytecodeOldAge

	h.IterateBody(obj, func(slot heap.Address, kind heap.SlotKind) {
		switch kind {
		case heap.SlotStrong:
			add(h.Load(slot), graph.RefStrong, 0)
		case heap.SlotFlushable:
			if flushable {
				add(h.Load(slot), graph.RefWeak, 0)
			} else {
				add(h.Load(slot), graph.RefStrong, 0)
			}
		case heap.SlotWeak, heap.SlotEphemeronKey:
			add(h.Load(slot), graph.RefWeak, 0)
		case heap.SlotEphemeronValue:
			key := h.Load(slot - heap.WordSize)
			if !key.IsHeapObject() {
				return
			}
			if k, ok := g.ids[key.Address()]; ok {
				add(h.Load(slot), graph.RefEphemeron, k)
			}
		case heap.SlotEmbedded:
			if topFrame {
				add(h.Load(slot), graph.RefStrong, 0)
			} else {
				add(h.Load(slot), graph.RefWeak, 0)
			}
		case heap.SlotCodeEntry:
			if entry := heap.Address(h.LoadWord(slot)); entry != 0 {
				add(heap.FromAddress(heap.CodeFromEntry(entry)), graph.RefStrong, 0)
			}
		}
	})
	return refs
}
