// ABOUTME: Heap verifiers run after marking and after evacuation
// ABOUTME: Report the first violated heap invariant as an error

package gc

import (
	"errors"
	"fmt"

	"github.com/prateek/markcompact/heap"
	"github.com/prateek/markcompact/marking"
)

// ErrVerification is wrapped by every verifier failure
var ErrVerification = errors.New("heap verification failed")

func ephemeronError(e marking.Ephemeron) error {
	return fmt.Errorf("%w: ephemeron key %#x is live but value %#x is white",
		ErrVerification, uint64(e.Key), uint64(e.Value))
}

// VerifyMarking checks a converged marking: no object is grey and no black
// object strongly references a white one
func VerifyMarking(h *heap.Heap, s marking.State) error {
	var err error
	check := func(host, slot, target heap.Address) {
		if err == nil && s.IsWhite(target) {
			err = fmt.Errorf("%w: black object %#x references white object %#x at %#x",
				ErrVerification, uint64(host), uint64(target), uint64(slot))
		}
	}
	for _, r := range h.Regions() {
		h.ForEachObject(r, func(obj heap.Address, _ int) {
			if err != nil {
				return
			}
			switch s.Color(obj) {
			case heap.Grey:
				err = fmt.Errorf("%w: object %#x is still grey", ErrVerification, uint64(obj))
				return
			case heap.White:
				return
			}
			var key heap.Value
			h.IterateBody(obj, func(slot heap.Address, kind heap.SlotKind) {
				switch kind {
				case heap.SlotStrong:
					if v := h.Load(slot); v.IsHeapObject() {
						check(obj, slot, v.Address())
					}
				case heap.SlotEphemeronKey:
					key = h.Load(slot)
				case heap.SlotEphemeronValue:
					v := h.Load(slot)
					if key.IsHeapObject() && v.IsHeapObject() && s.IsBlackOrGrey(key.Address()) {
						check(obj, slot, v.Address())
					}
				case heap.SlotCodeEntry:
					if entry := heap.Address(h.LoadWord(slot)); entry != 0 {
						check(obj, slot, heap.CodeFromEntry(entry))
					}
				}
			})
		})
		if err != nil {
			return err
		}
	}
	h.Roots().EnumerateRoots(func(kind heap.RootKind, slot *heap.Value) {
		if err == nil && slot.IsHeapObject() && s.IsWhite(slot.Address()) {
			err = fmt.Errorf("%w: %v root references white object %#x",
				ErrVerification, kind, uint64(slot.Address()))
		}
	}, heap.RootsSkipWeak)
	return err
}

// VerifyEvacuation checks that after pointer updating no live slot or root
// references a moved object, an evacuation candidate or the young generation
func VerifyEvacuation(h *heap.Heap, s marking.State) error {
	stale := func(target heap.Address) string {
		r := h.RegionOf(target)
		switch {
		case r == nil:
			return "unmapped memory"
		case r.IsEvacuationCandidate():
			return "an evacuation candidate"
		case r.InYoungGeneration():
			return "an evacuated young region"
		}
		if _, moved := h.ForwardingAddress(target); moved {
			return "a forwarded object"
		}
		return ""
	}
	var err error
	for _, r := range h.Regions() {
		if r.IsEvacuationCandidate() || r.InYoungGeneration() {
			continue
		}
		h.ForEachObject(r, func(obj heap.Address, _ int) {
			if err != nil || !s.IsBlack(obj) {
				return
			}
			if to, moved := h.ForwardingAddress(obj); moved {
				err = fmt.Errorf("%w: live object %#x is forwarded to %#x",
					ErrVerification, uint64(obj), uint64(to))
				return
			}
			h.IterateBody(obj, func(slot heap.Address, kind heap.SlotKind) {
				if err != nil {
					return
				}
				var target heap.Address
				if kind == heap.SlotCodeEntry {
					entry := heap.Address(h.LoadWord(slot))
					if entry == 0 {
						return
					}
					target = heap.CodeFromEntry(entry)
				} else {
					v := h.Load(slot)
					if !v.IsHeapObject() {
						return
					}
					target = v.Address()
				}
				if what := stale(target); what != "" {
					err = fmt.Errorf("%w: slot %#x of %#x references %s at %#x",
						ErrVerification, uint64(slot), uint64(obj), what, uint64(target))
				}
			})
		})
		if err != nil {
			return err
		}
	}
	h.Roots().EnumerateRoots(func(kind heap.RootKind, slot *heap.Value) {
		if err != nil || !slot.IsHeapObject() {
			return
		}
		if what := stale(slot.Address()); what != "" {
			err = fmt.Errorf("%w: %v root references %s at %#x",
				ErrVerification, kind, what, uint64(slot.Address()))
		}
	}, heap.RootsAll)
	return err
}
