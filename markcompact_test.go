// ABOUTME: Tests for the Runtime: construction, snapshot loading and finalization delivery
// ABOUTME: Uses small heaps so every test exercises evacuation of real regions
package markcompact_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/prateek/markcompact"
	"github.com/prateek/markcompact/config"
	"github.com/prateek/markcompact/heap"
	"github.com/prateek/markcompact/heapdump"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.RegionSize = 4096
	cfg.MaxHeapSize = 256 * 4096
	cfg.Workers = 2
	cfg.VerifyHeap = true
	return cfg
}

func newRuntime(t *testing.T, cfg config.Config, opts markcompact.Options) *markcompact.Runtime {
	t.Helper()
	rt, err := markcompact.New(cfg, opts)
	if err != nil {
		t.Fatalf("Failed to create runtime: %v", err)
	}
	return rt
}

func TestVersion(t *testing.T) {
	if !strings.HasPrefix(markcompact.Version, "0.") {
		t.Errorf("Expected a 0.x version, got %q", markcompact.Version)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = -1
	if _, err := markcompact.New(cfg, markcompact.Options{}); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
}

func TestNewSizesHeapFromConfig(t *testing.T) {
	cfg := testConfig()
	rt := newRuntime(t, cfg, markcompact.Options{})
	if rt.Heap.RegionSize() != 4096 || rt.Heap.MaxRegions() != 256 {
		t.Errorf("Expected 256 regions of 4096 bytes, got %d of %d", rt.Heap.MaxRegions(), rt.Heap.RegionSize())
	}
	if rt.GC.Heap() != rt.Heap {
		t.Error("Expected the collector to own the runtime heap")
	}
	if rt.Config() != cfg {
		t.Errorf("Expected config %+v, got %+v", cfg, rt.Config())
	}
}

func TestLoadRejectsUnknownFormat(t *testing.T) {
	rt := newRuntime(t, testConfig(), markcompact.Options{})
	if _, err := rt.Load(strings.NewReader("not a snapshot")); !errors.Is(err, heapdump.ErrNoParser) {
		t.Errorf("Expected ErrNoParser, got %v", err)
	}
}

func TestCollectDeliversFinalization(t *testing.T) {
	var got []heap.Value
	calls := 0
	rt := newRuntime(t, testConfig(), markcompact.Options{
		OnFinalize: func(_ heap.Address, holdings []heap.Value) {
			calls++
			got = append(got, holdings...)
		},
	})
	h := rt.Heap
	registry, err := h.NewFinalizationRegistry(heap.OldSpace)
	if err != nil {
		t.Fatal(err)
	}
	h.Roots().NewHandle(heap.FromAddress(registry))
	for i := 0; i < 3; i++ {
		target, err := h.NewFixedArray(heap.OldSpace, 0)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := h.Register(heap.OldSpace, registry, heap.FromAddress(target), heap.Smi(int64(i))); err != nil {
			t.Fatal(err)
		}
	}

	st := rt.Collect("test")
	if st.ClearedCells != 3 {
		t.Errorf("Expected 3 cleared cells, got %d", st.ClearedCells)
	}
	if calls != 1 || len(got) != 3 {
		t.Fatalf("Expected one callback with 3 holdings, got %d callbacks and %v", calls, got)
	}
	seen := map[heap.Value]bool{}
	for _, v := range got {
		seen[v] = true
	}
	for i := 0; i < 3; i++ {
		if !seen[heap.Smi(int64(i))] {
			t.Errorf("Expected holdings %d to be delivered", i)
		}
	}

	rt.Collect("again")
	if calls != 1 {
		t.Errorf("Expected no callback without new cleared cells, got %d", calls)
	}
}
