// ABOUTME: End-to-end collector tests over small heaps
// ABOUTME: Liveness, weak semantics, compaction, promotion, aborts and fatal paths
package gc

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/prateek/markcompact/config"
	"github.com/prateek/markcompact/heap"
)

func TestCycleKeepsLiveCycleAndFreesDeadChain(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"parallel", nil},
		{"sequential", func(c *config.Config) {
			c.ParallelMarking = false
			c.ParallelCompaction = false
			c.ParallelPointerUpdate = false
		}},
		{"compact every gc", func(c *config.Config) { c.CompactOnEveryGC = true }},
		{"no workers", func(c *config.Config) {
			c.Workers = 0
			c.CompactOnEveryGC = true
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h, c := newTestCollector(t, tc.mutate, Options{})
			a := newArray(t, h, heap.OldSpace, heap.Smi(1), heap.Nil)
			b := newArray(t, h, heap.OldSpace, heap.Smi(2), ref(a))
			set(t, h, a, 1, ref(b))
			d := newArray(t, h, heap.OldSpace, heap.Smi(4))
			cc := newArray(t, h, heap.OldSpace, heap.Smi(3), ref(d))

			root := h.Roots().NewHandle(ref(a))
			pa, pb, pc, pd := probe(h, a), probe(h, b), probe(h, cc), probe(h, d)

			st := c.CollectGarbage("test")

			expectDead(t, "C", pc)
			expectDead(t, "D", pd)
			na := expectLive(t, "A", pa)
			nb := expectLive(t, "B", pb)
			if root.Get() != ref(na) {
				t.Errorf("Expected root to follow A to %#x, got %v", uint64(na), root.Get())
			}
			if h.ArrayGet(na, 1) != ref(nb) || h.ArrayGet(nb, 1) != ref(na) {
				t.Error("Expected A and B to still reference each other")
			}
			if h.ArrayGet(na, 0) != heap.Smi(1) || h.ArrayGet(nb, 0) != heap.Smi(2) {
				t.Error("Expected object contents to survive the cycle")
			}
			if st.ClearedWeakHandles != 2 {
				t.Errorf("Expected 2 cleared weak handles, got %d", st.ClearedWeakHandles)
			}
			if h.InCycle() {
				t.Error("Expected the cycle to be finished")
			}
		})
	}
}

func TestWeakMapEntriesFollowKeyLiveness(t *testing.T) {
	h, c := newTestCollector(t, nil, Options{})
	m, err := h.NewWeakMap(heap.OldSpace, 4)
	if err != nil {
		t.Fatalf("NewWeakMap failed: %v", err)
	}
	k1 := newArray(t, h, heap.OldSpace, heap.Smi(1))
	v1 := newArray(t, h, heap.OldSpace, heap.Smi(10))
	k2 := newArray(t, h, heap.OldSpace, heap.Smi(2))
	v2 := newArray(t, h, heap.OldSpace, heap.Smi(20))
	for _, e := range [][2]heap.Address{{k1, v1}, {k2, v2}} {
		if err := h.WeakMapSet(m, ref(e[0]), ref(e[1])); err != nil {
			t.Fatalf("WeakMapSet failed: %v", err)
		}
	}
	hm := h.Roots().NewHandle(ref(m))
	hk1 := h.Roots().NewHandle(ref(k1))
	pv1, pk2, pv2 := probe(h, v1), probe(h, k2), probe(h, v2)

	st := c.CollectGarbage("test")

	expectDead(t, "K2", pk2)
	expectDead(t, "V2", pv2)
	nv1 := expectLive(t, "V1", pv1)
	entries := h.WeakMapEntries(hm.Get().Address())
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	if entries[0].Key != hk1.Get() || entries[0].Value != ref(nv1) {
		t.Errorf("Expected (K1, V1), got %+v", entries[0])
	}
	if h.ArrayGet(nv1, 0) != heap.Smi(10) {
		t.Errorf("Expected V1 contents intact, got %v", h.ArrayGet(nv1, 0))
	}
	if st.ClearedWeakMapEntries != 1 {
		t.Errorf("Expected 1 cleared entry, got %d", st.ClearedWeakMapEntries)
	}
}

func TestEphemeronCycleThroughValueIsDead(t *testing.T) {
	h, c := newTestCollector(t, nil, Options{})
	m, _ := h.NewWeakMap(heap.OldSpace, 2)
	k := newArray(t, h, heap.OldSpace, heap.Nil)
	v := newArray(t, h, heap.OldSpace, ref(k))
	if err := h.WeakMapSet(m, ref(k), ref(v)); err != nil {
		t.Fatalf("WeakMapSet failed: %v", err)
	}
	hm := h.Roots().NewHandle(ref(m))
	pk, pv := probe(h, k), probe(h, v)

	c.CollectGarbage("test")

	expectDead(t, "key", pk)
	expectDead(t, "value", pv)
	if n := len(h.WeakMapEntries(hm.Get().Address())); n != 0 {
		t.Errorf("Expected empty weak map, got %d entries", n)
	}
}

// buildEphemeronChain creates a weak map whose entry i maps key i to key i+1.
// Only key 0 is rooted, so every key is live only through the previous value.
// Entries are stored in reverse to force one fixpoint round per link.
func buildEphemeronChain(t *testing.T, h *heap.Heap, n int) (*heap.Handle, []*heap.Handle) {
	t.Helper()
	m, err := h.NewWeakMap(heap.OldSpace, n)
	if err != nil {
		t.Fatalf("NewWeakMap failed: %v", err)
	}
	keys := make([]heap.Address, n+1)
	for i := range keys {
		keys[i] = newArray(t, h, heap.OldSpace, heap.Smi(int64(i)))
	}
	for i := n - 1; i >= 0; i-- {
		if err := h.WeakMapSet(m, ref(keys[i]), ref(keys[i+1])); err != nil {
			t.Fatalf("WeakMapSet failed: %v", err)
		}
	}
	h.Roots().NewHandle(ref(keys[0]))
	probes := make([]*heap.Handle, len(keys))
	for i, k := range keys {
		probes[i] = probe(h, k)
	}
	return h.Roots().NewHandle(ref(m)), probes
}

func TestEphemeronChainResolves(t *testing.T) {
	for _, tc := range []struct {
		name       string
		iterations int
		linear     bool
	}{
		{"fixpoint", 100, false},
		{"linear fallback", 0, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h, c := newTestCollector(t, func(cfg *config.Config) {
				cfg.EphemeronFixpointIterations = tc.iterations
			}, Options{})
			_, probes := buildEphemeronChain(t, h, 12)
			dead := newArray(t, h, heap.OldSpace)
			pdead := probe(h, dead)

			st := c.CollectGarbage("test")

			if st.LinearFallback != tc.linear {
				t.Errorf("Expected linear fallback %v, got %v", tc.linear, st.LinearFallback)
			}
			for i, p := range probes {
				a := expectLive(t, "chain key", p)
				if h.ArrayGet(a, 0) != heap.Smi(int64(i)) {
					t.Errorf("Expected key %d contents intact, got %v", i, h.ArrayGet(a, 0))
				}
			}
			expectDead(t, "unreferenced array", pdead)
		})
	}
}

func TestWeakRefsClearedOrUpdated(t *testing.T) {
	h, c := newTestCollector(t, func(cfg *config.Config) { cfg.CompactOnEveryGC = true }, Options{})
	live := newArray(t, h, heap.OldSpace, heap.Smi(1))
	dead := newArray(t, h, heap.OldSpace, heap.Smi(2))
	r1, _ := h.NewWeakRef(heap.OldSpace, ref(live))
	r2, _ := h.NewWeakRef(heap.OldSpace, ref(dead))
	hl := h.Roots().NewHandle(ref(live))
	h1 := h.Roots().NewHandle(ref(r1))
	h2 := h.Roots().NewHandle(ref(r2))

	st := c.CollectGarbage("test")

	if got := h.WeakRefTarget(h1.Get().Address()); got != hl.Get() {
		t.Errorf("Expected weak ref to follow its live target to %v, got %v", hl.Get(), got)
	}
	if got := h.WeakRefTarget(h2.Get().Address()); got != heap.Cleared {
		t.Errorf("Expected cleared weak ref, got %v", got)
	}
	if st.ClearedWeakRefs != 1 {
		t.Errorf("Expected 1 cleared weak ref, got %d", st.ClearedWeakRefs)
	}
}

func TestFinalizationRegistryGetsClearedCells(t *testing.T) {
	h, c := newTestCollector(t, nil, Options{})
	reg, err := h.NewFinalizationRegistry(heap.OldSpace)
	if err != nil {
		t.Fatalf("NewFinalizationRegistry failed: %v", err)
	}
	hreg := h.Roots().NewHandle(ref(reg))
	keep := newArray(t, h, heap.OldSpace)
	h.Roots().NewHandle(ref(keep))
	for i, target := range []heap.Address{newArray(t, h, heap.OldSpace), keep, newArray(t, h, heap.OldSpace)} {
		if _, err := h.Register(heap.OldSpace, reg, ref(target), heap.Smi(int64(i))); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	st := c.CollectGarbage("test")

	if st.ClearedCells != 2 {
		t.Errorf("Expected 2 cleared cells, got %d", st.ClearedCells)
	}
	pending := c.TakePendingFinalizationRegistries()
	if len(pending) != 1 || pending[0] != hreg.Get().Address() {
		t.Fatalf("Expected registry %v pending, got %v", hreg.Get(), pending)
	}
	if again := c.TakePendingFinalizationRegistries(); len(again) != 0 {
		t.Errorf("Expected pending list drained, got %v", again)
	}
	r := hreg.Get().Address()
	if n := len(h.ActiveCells(r)); n != 1 {
		t.Errorf("Expected 1 active cell, got %d", n)
	}
	got := h.TakeClearedCells(r)
	if len(got) != 2 {
		t.Fatalf("Expected 2 holdings, got %v", got)
	}
	seen := map[heap.Value]bool{got[0]: true, got[1]: true}
	if !seen[heap.Smi(0)] || !seen[heap.Smi(2)] {
		t.Errorf("Expected holdings 0 and 2, got %v", got)
	}
}

func TestWeakHandleCallbacksRunAfterCycle(t *testing.T) {
	h, c := newTestCollector(t, nil, Options{})
	dead := newArray(t, h, heap.OldSpace)
	var got []heap.Value
	h.Roots().NewWeakHandle(ref(dead), func(old heap.Value) {
		if h.InCycle() {
			t.Error("Expected callback after the cycle finished")
		}
		got = append(got, old)
	})
	c.CollectGarbage("test")
	if len(got) != 1 || got[0] != ref(dead) {
		t.Errorf("Expected one callback with %v, got %v", ref(dead), got)
	}
}

func TestStringTablePruned(t *testing.T) {
	h, c := newTestCollector(t, nil, Options{})
	keep, err := h.StringTable().Intern("keep")
	if err != nil {
		t.Fatalf("Intern failed: %v", err)
	}
	hk := h.Roots().NewHandle(keep)
	if _, err := h.StringTable().Intern("drop"); err != nil {
		t.Fatalf("Intern failed: %v", err)
	}

	st := c.CollectGarbage("test")

	if st.PrunedStrings != 1 {
		t.Errorf("Expected 1 pruned string, got %d", st.PrunedStrings)
	}
	if _, ok := h.StringTable().Lookup("drop"); ok {
		t.Error("Expected dead string removed from the table")
	}
	if v, ok := h.StringTable().Lookup("keep"); !ok || v != hk.Get() {
		t.Errorf("Expected live string %v in the table, got %v", hk.Get(), v)
	}
}

func TestBytecodeFlushing(t *testing.T) {
	h, c := newTestCollector(t, func(cfg *config.Config) { cfg.BytecodeOldAge = 1 }, Options{})
	bc, _ := h.NewBytecode(heap.OldSpace, []byte{1, 2, 3})
	shared, _ := h.NewSharedInfo(heap.OldSpace, ref(bc), heap.Nil)
	fn, _ := h.NewFunction(heap.OldSpace, shared)
	code, _ := h.NewCode(2, nil, nil)
	h.SetFunctionCode(fn, code)
	hfn := h.Roots().NewHandle(ref(fn))
	sharedOf := func() heap.Address {
		return h.ReadField(hfn.Get().Address(), heap.FunctionSharedOffset).Address()
	}

	c.CollectGarbage("young bytecode")
	if age := h.BytecodeAge(sharedOf()); age != 1 {
		t.Errorf("Expected bytecode age 1, got %d", age)
	}
	if !h.ReadField(sharedOf(), heap.SharedBytecodeOffset).IsHeapObject() {
		t.Fatal("Expected bytecode kept while young")
	}

	st := c.CollectGarbage("old bytecode")
	if st.FlushedBytecode != 1 {
		t.Errorf("Expected 1 flushed bytecode, got %d", st.FlushedBytecode)
	}
	if got := h.ReadField(sharedOf(), heap.SharedBytecodeOffset); got != heap.LazyCompile {
		t.Errorf("Expected lazy-compile marker, got %v", got)
	}
	if entry := h.CodeEntry(hfn.Get().Address()); entry != 0 {
		t.Errorf("Expected function code reset, got entry %#x", uint64(entry))
	}
}

func TestBytecodeOnStackIsNotFlushed(t *testing.T) {
	h, c := newTestCollector(t, func(cfg *config.Config) { cfg.BytecodeOldAge = 1 }, Options{})
	bc, _ := h.NewBytecode(heap.OldSpace, []byte{9})
	shared, _ := h.NewSharedInfo(heap.OldSpace, ref(bc), heap.Nil)
	fn, _ := h.NewFunction(heap.OldSpace, shared)
	h.SetBytecodeAge(shared, 5)
	frame := &heap.Frame{Function: ref(fn), Bytecode: ref(bc)}
	h.Roots().PushFrame(frame)

	st := c.CollectGarbage("test")

	if st.FlushedBytecode != 0 {
		t.Errorf("Expected no flushing, got %d", st.FlushedBytecode)
	}
	s := h.ReadField(frame.Function.Address(), heap.FunctionSharedOffset).Address()
	if got := h.ReadField(s, heap.SharedBytecodeOffset); got != frame.Bytecode {
		t.Errorf("Expected bytecode %v kept, got %v", frame.Bytecode, got)
	}
}

func TestCodeWithDeadEmbeddedObjectIsDeoptimized(t *testing.T) {
	h, c := newTestCollector(t, nil, Options{})
	dead := newArray(t, h, heap.OldSpace)
	code, err := h.NewCode(1, []heap.Value{ref(dead)}, nil)
	if err != nil {
		t.Fatalf("NewCode failed: %v", err)
	}
	hc := h.Roots().NewHandle(ref(code))
	pd := probe(h, dead)

	st := c.CollectGarbage("test")

	expectDead(t, "embedded object", pd)
	nc := hc.Get().Address()
	if h.CodeFlags(nc)&heap.CodeFlagMarkedForDeopt == 0 {
		t.Error("Expected code marked for deoptimization")
	}
	if emb := h.CodeEmbedded(nc); len(emb) != 1 || emb[0] != heap.Cleared {
		t.Errorf("Expected cleared embedded slot, got %v", emb)
	}
	if st.DeoptimizedCode != 1 {
		t.Errorf("Expected 1 deoptimized code object, got %d", st.DeoptimizedCode)
	}
}

func TestTopFrameCodeKeepsEmbeddedObjects(t *testing.T) {
	h, c := newTestCollector(t, nil, Options{})
	obj := newArray(t, h, heap.OldSpace, heap.Smi(5))
	code, _ := h.NewCode(1, []heap.Value{ref(obj)}, nil)
	frame := &heap.Frame{Code: ref(code)}
	h.Roots().PushFrame(frame)
	po := probe(h, obj)

	c.CollectGarbage("test")

	no := expectLive(t, "embedded object", po)
	nc := frame.Code.Address()
	if h.CodeFlags(nc)&heap.CodeFlagMarkedForDeopt != 0 {
		t.Error("Expected executing code to stay optimized")
	}
	if emb := h.CodeEmbedded(nc); emb[0] != ref(no) {
		t.Errorf("Expected embedded slot %v, got %v", ref(no), emb[0])
	}
}

func TestDeadTransitionsArePruned(t *testing.T) {
	h, c := newTestCollector(t, nil, Options{})
	desc, _ := h.NewDescriptorArray(heap.OldSpace, 3)
	parent, _ := h.NewShape(heap.OldSpace, heap.Nil, ref(desc), 1)
	live, _ := h.NewShape(heap.OldSpace, ref(parent), heap.Nil, 2)
	dead, _ := h.NewShape(heap.OldSpace, ref(parent), ref(desc), 3)
	if err := h.AddTransition(heap.OldSpace, parent, heap.Smi(1), live); err != nil {
		t.Fatalf("AddTransition failed: %v", err)
	}
	if err := h.AddTransition(heap.OldSpace, parent, heap.Smi(2), dead); err != nil {
		t.Fatalf("AddTransition failed: %v", err)
	}
	hp := h.Roots().NewHandle(ref(parent))
	hl := h.Roots().NewHandle(ref(live))

	st := c.CollectGarbage("test")

	tr := h.Transitions(hp.Get().Address())
	if len(tr) != 1 || tr[0].Key != heap.Smi(1) || tr[0].Value != hl.Get() {
		t.Errorf("Expected only the live transition, got %+v", tr)
	}
	if st.PrunedTransitions != 1 {
		t.Errorf("Expected 1 pruned transition, got %d", st.PrunedTransitions)
	}
	nd := h.ReadField(hp.Get().Address(), heap.ShapeDescriptorsOffset).Address()
	if n := h.Length(nd); n != 1 {
		t.Errorf("Expected descriptors trimmed to 1, got %d", n)
	}
}

func TestCompactionMovesObjectsAndUpdatesReferences(t *testing.T) {
	var moves atomic.Int64
	h, c := newTestCollector(t, func(cfg *config.Config) {
		cfg.CompactOnEveryGC = true
	}, Options{OnMigrate: func(from, to heap.Address, size int) {
		if from == to || size <= 0 {
			t.Errorf("Unexpected migration %#x -> %#x (%d bytes)", uint64(from), uint64(to), size)
		}
		moves.Add(1)
	}})
	var handles []*heap.Handle
	var prev heap.Value = heap.Nil
	for i := 0; i < 200; i++ {
		a := newArray(t, h, heap.OldSpace, heap.Smi(int64(i)), heap.Nil)
		if i%4 == 0 {
			set(t, h, a, 1, prev)
			prev = ref(a)
			handles = append(handles, h.Roots().NewHandle(ref(a)))
		}
	}

	st := c.CollectGarbage("test")

	if st.Candidates == 0 {
		t.Fatal("Expected evacuation candidates")
	}
	if moves.Load() == 0 || st.EvacuatedBytes == 0 {
		t.Errorf("Expected objects to move, got %d moves and %d bytes", moves.Load(), st.EvacuatedBytes)
	}
	if st.ReleasedRegions == 0 {
		t.Error("Expected vacated regions to be released")
	}
	for j, hd := range handles {
		a := hd.Get().Address()
		if h.ArrayGet(a, 0) != heap.Smi(int64(4*j)) {
			t.Errorf("Expected element %d, got %v", 4*j, h.ArrayGet(a, 0))
		}
		want := heap.Nil
		if j > 0 {
			want = handles[j-1].Get()
		}
		if h.ArrayGet(a, 1) != want {
			t.Errorf("Expected link %v, got %v", want, h.ArrayGet(a, 1))
		}
	}
	if c.Tracer().CompactionSpeed() <= 0 {
		t.Error("Expected a compaction speed sample")
	}
}

func TestCodeEntriesFollowMovedCode(t *testing.T) {
	h, c := newTestCollector(t, func(cfg *config.Config) { cfg.CompactOnEveryGC = true }, Options{})
	shared, _ := h.NewSharedInfo(heap.OldSpace, heap.Nil, heap.Nil)
	fn, _ := h.NewFunction(heap.OldSpace, shared)
	for i := 0; i < 5; i++ {
		if _, err := h.NewCode(8, nil, nil); err != nil {
			t.Fatalf("NewCode failed: %v", err)
		}
	}
	code, _ := h.NewCode(4, nil, []int{1, 3})
	h.SetFunctionCode(fn, code)
	hfn := h.Roots().NewHandle(ref(fn))

	c.CollectGarbage("test")

	nfn := hfn.Get().Address()
	ncode := h.ReadField(nfn, heap.FunctionCodeOffset).Address()
	if got := h.CodeEntry(nfn); got != ncode+heap.CodeInstructionStartDelta {
		t.Errorf("Expected entry %#x, got %#x", uint64(ncode+heap.CodeInstructionStartDelta), uint64(got))
	}
	rel := h.CodeRelocations(ncode)
	if rel[0] != ncode.Add(heap.CodeInstructionsOffset+1) || rel[1] != ncode.Add(heap.CodeInstructionsOffset+3) {
		t.Errorf("Expected relocations inside the moved code, got %v", rel)
	}
	if int(ncode)%heap.CodeAlignment != 0 {
		t.Errorf("Expected aligned code at %#x", uint64(ncode))
	}
}

func TestYoungObjectsArePromoted(t *testing.T) {
	h, c := newTestCollector(t, func(cfg *config.Config) { cfg.PagePromotion = false }, Options{})
	old := newArray(t, h, heap.OldSpace, heap.Nil)
	ho := h.Roots().NewHandle(ref(old))
	young := newArray(t, h, heap.NewSpace, heap.Smi(7))
	set(t, h, old, 0, ref(young))
	newArray(t, h, heap.NewSpace)
	if r := h.RegionOf(old); r.SlotSet(heap.OldToNew) == nil {
		t.Fatal("Expected old-to-new slot recorded by the write")
	}

	st := c.CollectGarbage("test")

	moved := h.ArrayGet(ho.Get().Address(), 0).Address()
	if r := h.RegionOf(moved); r.Space() != heap.OldSpace {
		t.Errorf("Expected promoted object in old space, got %v", r.Space())
	}
	if h.ArrayGet(moved, 0) != heap.Smi(7) {
		t.Errorf("Expected contents intact, got %v", h.ArrayGet(moved, 0))
	}
	if n := len(h.Space(heap.NewSpace).Regions()); n != 0 {
		t.Errorf("Expected empty young generation, got %d regions", n)
	}
	if st.PromotedBytes == 0 || st.PromotedPages != 0 {
		t.Errorf("Expected object promotion, got %d bytes and %d pages", st.PromotedBytes, st.PromotedPages)
	}
	if r := h.RegionOf(ho.Get().Address()); r.SlotSet(heap.OldToNew) != nil && r.SlotSet(heap.OldToNew).Len() != 0 {
		t.Error("Expected old-to-new slots dropped once nothing is young")
	}
}

func TestDenseYoungRegionIsPromotedWholesale(t *testing.T) {
	h, c := newTestCollector(t, nil, Options{})
	var handles []*heap.Handle
	first := newArray(t, h, heap.NewSpace, heap.Smi(0))
	r := h.RegionOf(first)
	handles = append(handles, h.Roots().NewHandle(ref(first)))
	for i := 1; ; i++ {
		a := newArray(t, h, heap.NewSpace, heap.Smi(int64(i)))
		if h.RegionOf(a) != r {
			break
		}
		handles = append(handles, h.Roots().NewHandle(ref(a)))
	}

	st := c.CollectGarbage("test")

	if st.PromotedPages == 0 {
		t.Fatal("Expected a promoted page")
	}
	if r.Space() != heap.OldSpace {
		t.Errorf("Expected region moved to old space, got %v", r.Space())
	}
	if handles[0].Get() != ref(first) {
		t.Errorf("Expected promoted object to keep its address, got %v", handles[0].Get())
	}
	for i, hd := range handles {
		if got := h.ArrayGet(hd.Get().Address(), 0); got != heap.Smi(int64(i)) {
			t.Errorf("Expected %d, got %v", i, got)
		}
	}
}

// fillRegion allocates arrays in space until one lands in a new region and
// returns the arrays of the first region
func fillRegion(t *testing.T, h *heap.Heap, space heap.SpaceID, elems int) []heap.Address {
	t.Helper()
	var out []heap.Address
	first := newArray(t, h, space, make([]heap.Value, elems)...)
	r := h.RegionOf(first)
	out = append(out, first)
	for {
		free := int(r.End() - r.Top())
		size := (heap.ArrayHeaderWords + elems) * heap.WordSize
		if free < size {
			return out
		}
		out = append(out, newArray(t, h, space, make([]heap.Value, elems)...))
	}
}

func TestAbortedEvacuationKeepsObjectsInPlace(t *testing.T) {
	h, c := newTestCollector(t, func(cfg *config.Config) {
		cfg.MaxHeapSize = 3 * 4096
		cfg.ManualEvacuationCandidates = true
		cfg.ParallelCompaction = false
	}, Options{})
	r1objs := fillRegion(t, h, heap.OldSpace, 46)
	r2objs := fillRegion(t, h, heap.OldSpace, 46)
	r1, r2 := h.RegionOf(r1objs[0]), h.RegionOf(r2objs[0])
	if r1 == r2 {
		t.Fatal("Expected two regions")
	}
	var handles []*heap.Handle
	for i, a := range r1objs {
		set(t, h, a, 0, heap.Smi(int64(i)))
		handles = append(handles, h.Roots().NewHandle(ref(a)))
	}
	for i, a := range r2objs {
		set(t, h, a, 0, heap.Smi(int64(100+i)))
		set(t, h, a, 1, ref(r1objs[i%len(r1objs)]))
		handles = append(handles, h.Roots().NewHandle(ref(a)))
	}
	r1.SetFlag(heap.FlagForceEvacuation)
	r2.SetFlag(heap.FlagForceEvacuation)

	st := c.CollectGarbage("test")

	if st.Candidates != 2 || st.AbortedCandidates != 1 {
		t.Fatalf("Expected 2 candidates and 1 aborted, got %d and %d", st.Candidates, st.AbortedCandidates)
	}
	if r2.IsEvacuationCandidate() || h.RegionOf(r2.Base()) != r2 {
		t.Error("Expected aborted region kept and unflagged")
	}
	for i := range r1objs {
		a := handles[i].Get().Address()
		if h.ArrayGet(a, 0) != heap.Smi(int64(i)) {
			t.Errorf("Expected %d, got %v", i, h.ArrayGet(a, 0))
		}
	}
	for i := range r2objs {
		a := handles[len(r1objs)+i].Get().Address()
		if h.ArrayGet(a, 0) != heap.Smi(int64(100+i)) {
			t.Errorf("Expected %d, got %v", 100+i, h.ArrayGet(a, 0))
		}
		if h.ArrayGet(a, 1) != handles[i%len(r1objs)].Get() {
			t.Errorf("Expected reference into moved region updated, got %v", h.ArrayGet(a, 1))
		}
	}
}

func TestAbortedEvacuationCrashWhenConfigured(t *testing.T) {
	h, c := newTestCollector(t, func(cfg *config.Config) {
		cfg.MaxHeapSize = 3 * 4096
		cfg.ManualEvacuationCandidates = true
		cfg.CrashOnAbortedEvacuation = true
		cfg.ParallelCompaction = false
	}, Options{})
	for _, objs := range [][]heap.Address{fillRegion(t, h, heap.OldSpace, 46), fillRegion(t, h, heap.OldSpace, 46)} {
		for _, a := range objs {
			h.Roots().NewHandle(ref(a))
		}
		h.RegionOf(objs[0]).SetFlag(heap.FlagForceEvacuation)
	}
	expectFatal(t, func() { c.CollectGarbage("test") })
}

func TestYoungEvacuationOutOfMemoryIsFatal(t *testing.T) {
	h, c := newTestCollector(t, func(cfg *config.Config) {
		cfg.MaxHeapSize = 2 * 4096
		cfg.PagePromotion = false
		cfg.Compact = false
		cfg.ParallelCompaction = false
	}, Options{})
	h.Roots().NewHandle(ref(newArray(t, h, heap.OldSpace)))
	h.Roots().NewHandle(ref(newArray(t, h, heap.NewSpace, heap.Smi(1))))

	fe := expectFatal(t, func() { c.CollectGarbage("test") })
	if !errors.Is(fe, heap.ErrOutOfMemory) {
		t.Errorf("Expected out of memory cause, got %v", fe)
	}
}

func TestSweepReleasesEmptyRegionsAndRebuildsFreeList(t *testing.T) {
	h, c := newTestCollector(t, func(cfg *config.Config) { cfg.Compact = false }, Options{})
	dead := fillRegion(t, h, heap.OldSpace, 30)
	mixed := fillRegion(t, h, heap.OldSpace, 30)
	deadRegion := h.RegionOf(dead[0])
	mixedRegion := h.RegionOf(mixed[0])
	keep := h.Roots().NewHandle(ref(mixed[1]))
	big, err := h.NewFixedArray(heap.OldSpace, 600)
	if err != nil {
		t.Fatalf("NewFixedArray failed: %v", err)
	}
	pbig := probe(h, big)

	st := c.CollectGarbage("test")

	if h.RegionOf(deadRegion.Base()) != nil {
		t.Error("Expected region without live objects released")
	}
	if h.RegionOf(mixedRegion.Base()) != mixedRegion {
		t.Fatal("Expected region with a live object kept")
	}
	if got, want := mixedRegion.AllocatedBytes(), int64(h.SizeOf(keep.Get().Address())); got != want {
		t.Errorf("Expected %d allocated bytes, got %d", want, got)
	}
	if h.Space(heap.OldSpace).FreeBytes() == 0 {
		t.Error("Expected free list rebuilt")
	}
	expectDead(t, "large object", pbig)
	if st.ReleasedRegions < 2 {
		t.Errorf("Expected at least 2 released regions, got %d", st.ReleasedRegions)
	}
	// the free list is usable
	a := newArray(t, h, heap.OldSpace, heap.Smi(3))
	if h.RegionOf(a) != mixedRegion {
		t.Errorf("Expected allocation from the swept region, got %v", h.RegionOf(a))
	}
	c.CollectGarbage("again")
}

func TestPhasesAreTimed(t *testing.T) {
	_, c := newTestCollector(t, nil, Options{})
	st := c.CollectGarbage("test")
	seen := map[Phase]bool{}
	for _, p := range st.Phases {
		seen[p.Phase] = true
	}
	for _, p := range []Phase{PhaseMarkRoots, PhaseMarkClosure, PhaseClear, PhaseEvacuate, PhaseUpdatePointers, PhaseSweep} {
		if !seen[p] {
			t.Errorf("Expected phase %s timed", p)
		}
	}
	if c.Tracer().Last().Cycle != st.Cycle || st.Cycle != 1 {
		t.Errorf("Expected cycle 1 recorded, got %d", c.Tracer().Last().Cycle)
	}
}

func countCells(h *heap.Heap, v heap.Value) int {
	n := 0
	for v.IsHeapObject() {
		n++
		v = h.ReadField(v.Address(), heap.WeakCellNextOffset)
	}
	return n
}

func TestClearingIsIdempotent(t *testing.T) {
	h, c := newTestCollector(t, func(cfg *config.Config) { cfg.Compact = false }, Options{})
	live := newArray(t, h, heap.OldSpace)
	dead := newArray(t, h, heap.OldSpace)
	deadKey := newArray(t, h, heap.OldSpace)
	wr, _ := h.NewWeakRef(heap.OldSpace, ref(dead))
	m, _ := h.NewWeakMap(heap.OldSpace, 2)
	if err := h.WeakMapSet(m, ref(deadKey), ref(live)); err != nil {
		t.Fatalf("WeakMapSet failed: %v", err)
	}
	reg, err := h.NewFinalizationRegistry(heap.OldSpace)
	if err != nil {
		t.Fatalf("NewFinalizationRegistry failed: %v", err)
	}
	if _, err := h.Register(heap.OldSpace, reg, ref(dead), heap.Smi(1)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := h.StringTable().Intern("unused"); err != nil {
		t.Fatalf("Intern failed: %v", err)
	}
	for _, a := range []heap.Address{live, wr, m, reg} {
		h.Roots().NewHandle(ref(a))
	}
	weak := probe(h, dead)

	ctx := c.startCycle()
	defer h.FinishCycle()
	roots := newMarker(ctx, ctx.state)
	roots.markRoots(nil)
	roots.publish()
	newClosure(newMarker(ctx, ctx.nonAtomic), 10).DrainToFixpoint()

	var first, second Stats
	c.clearNonLiveReferences(ctx, &first)
	activeAfter := countCells(h, h.ReadField(reg, heap.RegistryActiveOffset))
	clearedAfter := countCells(h, h.ReadField(reg, heap.RegistryClearedOffset))
	pendingAfter := len(c.pending)
	c.clearNonLiveReferences(ctx, &second)

	if first.ClearedWeakRefs != 1 || first.ClearedWeakMapEntries != 1 || first.ClearedCells != 1 ||
		first.PrunedStrings != 1 || first.ClearedWeakHandles != 1 {
		t.Errorf("Expected one of each cleared on the first pass, got %+v", first)
	}
	if second.ClearedWeakRefs != 0 || second.ClearedWeakMapEntries != 0 || second.ClearedCells != 0 ||
		second.PrunedStrings != 0 || second.ClearedWeakHandles != 0 || second.DeoptimizedCode != 0 {
		t.Errorf("Expected nothing cleared on the second pass, got %+v", second)
	}
	if activeAfter != 0 || clearedAfter != 1 {
		t.Errorf("Expected 0 active and 1 cleared cell, got %d and %d", activeAfter, clearedAfter)
	}
	if n := countCells(h, h.ReadField(reg, heap.RegistryActiveOffset)); n != activeAfter {
		t.Errorf("Expected %d active cells after the second pass, got %d", activeAfter, n)
	}
	if n := countCells(h, h.ReadField(reg, heap.RegistryClearedOffset)); n != clearedAfter {
		t.Errorf("Expected %d cleared cells after the second pass, got %d", clearedAfter, n)
	}
	if pendingAfter != 1 || len(c.pending) != 1 {
		t.Errorf("Expected the registry queued once, got %d then %d", pendingAfter, len(c.pending))
	}
	if weak.Get() != heap.Nil {
		t.Errorf("Expected weak handle cleared, got %v", weak.Get())
	}
}
