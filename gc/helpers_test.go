// ABOUTME: Shared fixtures for collector tests: small heaps and object builders
// ABOUTME: Weak handles double as liveness probes after a collection
package gc

import (
	"testing"

	"github.com/prateek/markcompact/config"
	"github.com/prateek/markcompact/heap"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.RegionSize = 4096
	cfg.MaxHeapSize = 64 * 4096
	cfg.Workers = 2
	cfg.VerifyHeap = true
	return cfg
}

func newTestCollector(t *testing.T, mutate func(*config.Config), opts Options) (*heap.Heap, *Collector) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := heap.New(heap.Options{RegionSize: int(cfg.RegionSize), MaxRegions: cfg.MaxRegions()})
	if err != nil {
		t.Fatalf("Failed to create heap: %v", err)
	}
	c, err := New(h, cfg, opts)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}
	return h, c
}

func ref(a heap.Address) heap.Value { return heap.FromAddress(a) }

func newArray(t *testing.T, h *heap.Heap, space heap.SpaceID, elems ...heap.Value) heap.Address {
	t.Helper()
	a, err := h.NewFixedArray(space, len(elems))
	if err != nil {
		t.Fatalf("NewFixedArray failed: %v", err)
	}
	for i, v := range elems {
		if err := h.ArraySet(a, i, v); err != nil {
			t.Fatalf("ArraySet failed: %v", err)
		}
	}
	return a
}

func set(t *testing.T, h *heap.Heap, arr heap.Address, i int, v heap.Value) {
	t.Helper()
	if err := h.ArraySet(arr, i, v); err != nil {
		t.Fatalf("ArraySet failed: %v", err)
	}
}

// probe returns a weak handle that reads Nil once a is dead
func probe(h *heap.Heap, a heap.Address) *heap.Handle {
	return h.Roots().NewWeakHandle(ref(a), nil)
}

func expectDead(t *testing.T, name string, p *heap.Handle) {
	t.Helper()
	if p.Get() != heap.Nil {
		t.Errorf("Expected %s to be dead, got %v", name, p.Get())
	}
}

func expectLive(t *testing.T, name string, p *heap.Handle) heap.Address {
	t.Helper()
	if !p.Get().IsHeapObject() {
		t.Fatalf("Expected %s to be live, got %v", name, p.Get())
	}
	return p.Get().Address()
}

func expectFatal(t *testing.T, fn func()) *FatalError {
	t.Helper()
	var fe *FatalError
	func() {
		defer func() {
			rec := recover()
			var ok bool
			if fe, ok = rec.(*FatalError); !ok {
				t.Fatalf("Expected *FatalError panic, got %v", rec)
			}
		}()
		fn()
	}()
	return fe
}
