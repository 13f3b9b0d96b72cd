// ABOUTME: Tests for the live heap summary and its pprof encoding
// ABOUTME: Checks per-type totals, retained sizes of nested instances and the profile round trip
package heapprof

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/pprof/profile"

	"github.com/prateek/markcompact/heap"
	"github.com/prateek/markcompact/heapdump"
)

// listHeap builds root -> a -> b -> c -> d where a, b and c are Nodes in old
// space and d is an empty array in new space. An unreachable Node is added too.
func listHeap(t *testing.T) (*heap.Heap, []heap.Address) {
	t.Helper()
	h, err := heap.New(heap.Options{RegionSize: 4096, MaxRegions: 16})
	if err != nil {
		t.Fatalf("Failed to create heap: %v", err)
	}
	node, err := h.Types().RegisterStruct("Node", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	d, err := h.NewFixedArray(heap.NewSpace, 0)
	if err != nil {
		t.Fatal(err)
	}
	objs := []heap.Address{d}
	next := d
	for i := 0; i < 3; i++ {
		n, err := h.NewStruct(heap.OldSpace, node)
		if err != nil {
			t.Fatal(err)
		}
		h.SetField(n, 0, heap.FromAddress(next))
		objs = append([]heap.Address{n}, objs...)
		next = n
	}
	if _, err := h.NewStruct(heap.OldSpace, node); err != nil {
		t.Fatal(err)
	}
	h.Roots().NewHandle(heap.FromAddress(next))
	return h, objs
}

func TestCollect(t *testing.T) {
	h, objs := listHeap(t)
	stats, err := Collect(h, Options{})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("Expected 2 type stats, got %+v", stats)
	}
	nodeSize := int64(h.SizeOf(objs[0]))
	arraySize := int64(h.SizeOf(objs[3]))

	want := []TypeStat{
		{Space: "old", Type: "Node", Objects: 3, Bytes: 3 * nodeSize, Retained: 3*nodeSize + arraySize},
		{Space: "new", Type: "FixedArray", Objects: 1, Bytes: arraySize, Retained: arraySize},
	}
	for i, w := range want {
		if stats[i] != w {
			t.Errorf("Expected %+v, got %+v", w, stats[i])
		}
	}
}

func TestCollectSkipRetained(t *testing.T) {
	h, _ := listHeap(t)
	stats, err := Collect(h, Options{SkipRetained: true})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	for _, st := range stats {
		if st.Retained != 0 {
			t.Errorf("Expected no retained size for %s, got %d", st.Type, st.Retained)
		}
	}
}

func TestCollectDuringCycleFails(t *testing.T) {
	h, _ := listHeap(t)
	h.StartCycle()
	defer h.FinishCycle()
	if _, err := Collect(h, Options{}); !errors.Is(err, heapdump.ErrInCycle) {
		t.Errorf("Expected ErrInCycle, got %v", err)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	h, objs := listHeap(t)
	at := time.Unix(100, 0)
	var buf bytes.Buffer
	if err := Write(&buf, h, Options{Time: at}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	p, err := profile.Parse(&buf)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if err := p.CheckValid(); err != nil {
		t.Errorf("Expected a valid profile, got %v", err)
	}
	if p.TimeNanos != at.UnixNano() {
		t.Errorf("Expected time %d, got %d", at.UnixNano(), p.TimeNanos)
	}
	if p.DefaultSampleType != "space" || len(p.SampleType) != 3 {
		t.Errorf("Unexpected sample types %v", p.SampleType)
	}
	if len(p.Sample) != 2 {
		t.Fatalf("Expected 2 samples, got %d", len(p.Sample))
	}

	s := p.Sample[0]
	if got := s.Location[0].Line[0].Function.Name; got != "Node" {
		t.Errorf("Expected leaf Node, got %s", got)
	}
	if got := s.Location[1].Line[0].Function.Name; got != "old space" {
		t.Errorf("Expected caller old space, got %s", got)
	}
	if s.Label["space"][0] != "old" {
		t.Errorf("Expected space label old, got %v", s.Label)
	}
	if s.Value[0] != 3 || s.Value[1] != 3*int64(h.SizeOf(objs[0])) {
		t.Errorf("Unexpected values %v", s.Value)
	}
	if len(p.Location) != 4 || len(p.Function) != 4 {
		t.Errorf("Expected 4 locations and functions, got %d and %d", len(p.Location), len(p.Function))
	}
}
