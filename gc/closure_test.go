// ABOUTME: Tests for the marking closure, the ephemeron fixpoint and the linear fallback
// ABOUTME: Drives a marker directly over a heap inside a started cycle
package gc

import (
	"errors"
	"testing"

	"github.com/prateek/markcompact/heap"
	"github.com/prateek/markcompact/marking"
)

func TestEphemeronArena(t *testing.T) {
	a := newEphemeronArena()
	a.insert(8, 100)
	a.insert(16, 200)
	a.insert(8, 300)
	if a.len() != 3 {
		t.Errorf("Expected 3 entries, got %d", a.len())
	}
	var got []heap.Address
	a.each(8, func(v heap.Address) { got = append(got, v) })
	if len(got) != 2 || got[0] != 300 || got[1] != 100 {
		t.Errorf("Expected [300 100], got %v", got)
	}
	a.each(24, func(v heap.Address) { t.Errorf("Expected no values for unknown key, got %v", v) })
}

func TestClosureMarksThroughEphemerons(t *testing.T) {
	for _, tc := range []struct {
		name       string
		iterations int
		linear     bool
	}{
		{"fixpoint", 10, false},
		{"linear", 0, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h, err := heap.New(heap.Options{RegionSize: 4096, MaxRegions: 8})
			if err != nil {
				t.Fatalf("Failed to create heap: %v", err)
			}
			tbl, _ := h.NewWeakMap(heap.OldSpace, 4)
			k1, _ := h.NewFixedArray(heap.OldSpace, 0)
			v1, _ := h.NewFixedArray(heap.OldSpace, 1)
			v2, _ := h.NewFixedArray(heap.OldSpace, 0)
			dk, _ := h.NewFixedArray(heap.OldSpace, 0)
			dv, _ := h.NewFixedArray(heap.OldSpace, 0)
			strong, _ := h.NewFixedArray(heap.OldSpace, 1)
			// k1 -> v1, and v1 -> v1's own key chain: v1 keys v2
			for _, e := range [][2]heap.Address{{k1, v1}, {v1, v2}, {dk, dv}} {
				if err := h.WeakMapSet(tbl, ref(e[0]), ref(e[1])); err != nil {
					t.Fatalf("WeakMapSet failed: %v", err)
				}
			}
			if err := h.ArraySet(strong, 0, ref(k1)); err != nil {
				t.Fatalf("ArraySet failed: %v", err)
			}

			h.StartCycle()
			defer h.FinishCycle()
			ctx := newMarkingContext(h, false, 1)
			m := newMarker(ctx, ctx.nonAtomic)
			cl := newClosure(m, tc.iterations)
			if cl.state != ClosureSeeded {
				t.Errorf("Expected seeded, got %v", cl.state)
			}
			m.markObject(tbl)
			m.markObject(strong)
			cl.DrainToFixpoint()

			if cl.state != ClosureConverged {
				t.Errorf("Expected converged, got %v", cl.state)
			}
			if cl.linear != tc.linear {
				t.Errorf("Expected linear %v, got %v", tc.linear, cl.linear)
			}
			s := ctx.nonAtomic
			for name, a := range map[string]heap.Address{"table": tbl, "k1": k1, "v1": v1, "v2": v2, "strong": strong} {
				if !s.IsBlack(a) {
					t.Errorf("Expected %s black, got %v", name, s.Color(a))
				}
			}
			if !s.IsWhite(dk) || !s.IsWhite(dv) {
				t.Error("Expected the dead entry to stay white")
			}
			if err := cl.verifyEphemerons(); err != nil {
				t.Errorf("Expected consistent ephemerons, got %v", err)
			}
			if err := VerifyMarking(h, s); err != nil {
				t.Errorf("Expected valid marking, got %v", err)
			}
		})
	}
}

func TestVerifyEphemeronsReportsLiveKeyWithWhiteValue(t *testing.T) {
	h, err := heap.New(heap.Options{RegionSize: 4096, MaxRegions: 8})
	if err != nil {
		t.Fatalf("Failed to create heap: %v", err)
	}
	k, _ := h.NewFixedArray(heap.OldSpace, 0)
	v, _ := h.NewFixedArray(heap.OldSpace, 0)
	h.StartCycle()
	defer h.FinishCycle()
	ctx := newMarkingContext(h, false, 1)
	m := newMarker(ctx, ctx.nonAtomic)
	cl := newClosure(m, 1)
	ctx.nonAtomic.WhiteToBlack(k)
	m.weak.NextEphemerons.Push(marking.Ephemeron{Key: k, Value: v})
	m.weak.NextEphemerons.Publish()
	if err := cl.verifyEphemerons(); !errors.Is(err, ErrVerification) {
		t.Errorf("Expected ErrVerification, got %v", err)
	}
}

func TestClosureStateString(t *testing.T) {
	for s, want := range map[ClosureState]string{
		ClosureSeeded:    "seeded",
		ClosureIterating: "iterating",
		ClosureConverged: "converged",
		ClosureState(7):  "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("Expected %s, got %s", want, got)
		}
	}
}
