// ABOUTME: Tri-color marking state over the per-region bitmaps
// ABOUTME: Atomic and non-atomic variants that also accumulate region live bytes

package marking

import (
	"github.com/prateek/markcompact/heap"
)

// State answers color queries and performs color transitions. Objects in
// regions without a bitmap (black allocated) are always black.
type State interface {
	Color(obj heap.Address) heap.Color
	IsWhite(obj heap.Address) bool
	IsGrey(obj heap.Address) bool
	IsBlack(obj heap.Address) bool
	IsBlackOrGrey(obj heap.Address) bool
	// WhiteToGrey reports whether this call performed the transition
	WhiteToGrey(obj heap.Address) bool
	// GreyToBlack reports whether this call performed the transition and
	// credits the object's size to its region
	GreyToBlack(obj heap.Address) bool
	WhiteToBlack(obj heap.Address) bool
}

type access interface {
	get(b *heap.Bitmap, i int) heap.Color
	transition(b *heap.Bitmap, i int, from, to heap.Color) bool
}

type atomicAccess struct{}

func (atomicAccess) get(b *heap.Bitmap, i int) heap.Color { return b.GetAtomic(i) }
func (atomicAccess) transition(b *heap.Bitmap, i int, from, to heap.Color) bool {
	return b.Transition(i, from, to)
}

type nonAtomicAccess struct{}

func (nonAtomicAccess) get(b *heap.Bitmap, i int) heap.Color { return b.Get(i) }
func (nonAtomicAccess) transition(b *heap.Bitmap, i int, from, to heap.Color) bool {
	return b.TransitionNonAtomic(i, from, to)
}

type state struct {
	heap *heap.Heap
	mode access
}

// NewAtomicState returns a state safe for concurrent markers
func NewAtomicState(h *heap.Heap) State {
	return &state{heap: h, mode: atomicAccess{}}
}

// NewNonAtomicState returns a state for single-threaded phases
func NewNonAtomicState(h *heap.Heap) State {
	return &state{heap: h, mode: nonAtomicAccess{}}
}

func (s *state) locate(obj heap.Address) (*heap.Region, *heap.Bitmap, int) {
	r := s.heap.RegionOf(obj)
	if r == nil {
		heap.Fatalf("marking unmapped object %#x", uint64(obj))
	}
	b := r.Bitmap()
	if b == nil {
		return r, nil, 0
	}
	return r, b, r.WordIndex(obj)
}

func (s *state) Color(obj heap.Address) heap.Color {
	_, b, i := s.locate(obj)
	if b == nil {
		return heap.Black
	}
	c := s.mode.get(b, i)
	if c == heap.Impossible {
		heap.Fatalf("impossible mark bit pattern at %#x", uint64(obj))
	}
	return c
}

func (s *state) IsWhite(obj heap.Address) bool { return s.Color(obj) == heap.White }
func (s *state) IsGrey(obj heap.Address) bool  { return s.Color(obj) == heap.Grey }
func (s *state) IsBlack(obj heap.Address) bool { return s.Color(obj) == heap.Black }

func (s *state) IsBlackOrGrey(obj heap.Address) bool {
	return s.Color(obj) != heap.White
}

func (s *state) WhiteToGrey(obj heap.Address) bool {
	_, b, i := s.locate(obj)
	if b == nil {
		return false
	}
	return s.mode.transition(b, i, heap.White, heap.Grey)
}

func (s *state) GreyToBlack(obj heap.Address) bool {
	r, b, i := s.locate(obj)
	if b == nil {
		return false
	}
	if !s.mode.transition(b, i, heap.Grey, heap.Black) {
		return false
	}
	r.IncrementLiveBytes(int64(s.heap.SizeOf(obj)))
	return true
}

func (s *state) WhiteToBlack(obj heap.Address) bool {
	r, b, i := s.locate(obj)
	if b == nil {
		return false
	}
	if !s.mode.transition(b, i, heap.White, heap.Black) {
		return false
	}
	r.IncrementLiveBytes(int64(s.heap.SizeOf(obj)))
	return true
}
