// ABOUTME: Two-bit-per-word marking bitmap attached to each region
// ABOUTME: Provides atomic and non-atomic color reads and transitions

package heap

import "sync/atomic"

// Color is the tri-color liveness state of an object. The numeric values are
// the bit patterns stored in the bitmap: bit 0 is the mark bit, bit 1 the
// black bit.
type Color uint8

const (
	White      Color = 0
	Grey       Color = 1
	Impossible Color = 2
	Black      Color = 3
)

func (c Color) String() string {
	switch c {
	case White:
		return "white"
	case Grey:
		return "grey"
	case Black:
		return "black"
	}
	return "impossible"
}

const cellColors = 16

// Bitmap holds one color per heap word of a region. Only the cell of an
// object's first word is meaningful.
type Bitmap struct {
	cells []uint32
}

// NewBitmap creates a cleared bitmap covering words heap words
func NewBitmap(words int) *Bitmap {
	return &Bitmap{cells: make([]uint32, (words+cellColors-1)/cellColors)}
}

func cellOf(i int) (int, uint) {
	return i / cellColors, uint(i%cellColors) * 2
}

// Get reads the color of word i without synchronization
func (b *Bitmap) Get(i int) Color {
	c, shift := cellOf(i)
	return Color((b.cells[c] >> shift) & 3)
}

// GetAtomic reads the color of word i with an atomic load
func (b *Bitmap) GetAtomic(i int) Color {
	c, shift := cellOf(i)
	return Color((atomic.LoadUint32(&b.cells[c]) >> shift) & 3)
}

// Set overwrites the color of word i without synchronization
func (b *Bitmap) Set(i int, color Color) {
	c, shift := cellOf(i)
	b.cells[c] = b.cells[c]&^(3<<shift) | uint32(color)<<shift
}

// Transition atomically moves word i from one color to another. It returns
// false if the current color is not from, which means another thread won.
func (b *Bitmap) Transition(i int, from, to Color) bool {
	c, shift := cellOf(i)
	addr := &b.cells[c]
	for {
		old := atomic.LoadUint32(addr)
		if Color((old>>shift)&3) != from {
			return false
		}
		next := old&^(3<<shift) | uint32(to)<<shift
		if atomic.CompareAndSwapUint32(addr, old, next) {
			return true
		}
	}
}

// TransitionNonAtomic is Transition for single-threaded phases
func (b *Bitmap) TransitionNonAtomic(i int, from, to Color) bool {
	if b.Get(i) != from {
		return false
	}
	b.Set(i, to)
	return true
}

// ClearRange whitens words [from, to)
func (b *Bitmap) ClearRange(from, to int) {
	for i := from; i < to; i++ {
		b.Set(i, White)
	}
}

// Clear whitens the whole bitmap
func (b *Bitmap) Clear() {
	for i := range b.cells {
		b.cells[i] = 0
	}
}
